// internal/models/blueprint.go
package models

import (
	"encoding/json"
	"time"
)

const (
	MinChapterCount = 5
	MaxChapterCount = 10000
)

// ValidChapterCount reports whether n is an acceptable target chapter count.
func ValidChapterCount(n int) bool {
	return n >= MinChapterCount && n <= MaxChapterCount
}

// BlueprintCharacter 蓝图中的角色条目
type BlueprintCharacter struct {
	Name        string `json:"name"`
	Identity    string `json:"identity,omitempty"`
	Personality string `json:"personality,omitempty"`
	Goals       string `json:"goals,omitempty"`
	Abilities   string `json:"abilities,omitempty"`
}

// BlueprintRelationship 角色关系图的一条边
type BlueprintRelationship struct {
	From        string `json:"character_from"`
	To          string `json:"character_to"`
	Description string `json:"description"`
}

// Blueprint 小说结构蓝图
type Blueprint struct {
	ProjectID          string                  `json:"project_id,omitempty"`
	Title              string                  `json:"title"`
	TargetAudience     string                  `json:"target_audience,omitempty"`
	Genre              string                  `json:"genre,omitempty"`
	Style              string                  `json:"style,omitempty"`
	Tone               string                  `json:"tone,omitempty"`
	OneSentenceSummary string                  `json:"one_sentence_summary,omitempty"`
	FullSynopsis       string                  `json:"full_synopsis,omitempty"`
	WorldSetting       map[string]interface{}  `json:"world_setting,omitempty"`
	Characters         []BlueprintCharacter    `json:"characters,omitempty"`
	Relationships      []BlueprintRelationship `json:"relationships,omitempty"`
	TotalChapters      int                     `json:"total_chapters"`
	NeedsPartOutlines  bool                    `json:"needs_part_outlines"`
	// ChapterOutline only exists to detect outline content the model was told not to send.
	ChapterOutline json.RawMessage `json:"chapter_outline,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasEmbeddedOutline reports whether the model response carried non-empty outline content.
func (b *Blueprint) HasEmbeddedOutline() bool {
	if len(b.ChapterOutline) == 0 {
		return false
	}
	switch string(b.ChapterOutline) {
	case "null", "[]", "{}", `""`:
		return false
	}
	return true
}
