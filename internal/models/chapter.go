// internal/models/chapter.go
package models

import "time"

// ChapterVersion 章节的一个候选版本
type ChapterVersion struct {
	ChapterID    string    `json:"chapter_id"`
	VersionIndex int       `json:"version_index"`
	Content      string    `json:"content"`
	Style        string    `json:"style"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VersionReview 评审中对单个版本的优缺点
type VersionReview struct {
	VersionIndex int      `json:"version_index"`
	Pros         []string `json:"pros"`
	Cons         []string `json:"cons"`
}

// ChapterEvaluation 多版本对比评审，仅供参考
type ChapterEvaluation struct {
	ChapterID          string          `json:"chapter_id,omitempty"`
	RecommendedVersion int             `json:"recommended_version"`
	Summary            string          `json:"summary"`
	Versions           []VersionReview `json:"versions"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Chapter 章节容器，持有全部候选版本
type Chapter struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	ChapterNumber  int                `json:"chapter_number"`
	CandidateSlots int                `json:"candidate_slots"`
	SelectedIndex  *int               `json:"selected_version,omitempty"`
	Versions       []ChapterVersion   `json:"versions"`
	Evaluation     *ChapterEvaluation `json:"evaluation,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Version returns the version stored in the given slot.
func (c *Chapter) Version(index int) (*ChapterVersion, bool) {
	for i := range c.Versions {
		if c.Versions[i].VersionIndex == index {
			return &c.Versions[i], true
		}
	}
	return nil, false
}

// SelectedVersion returns the currently selected version, if any.
func (c *Chapter) SelectedVersion() (*ChapterVersion, bool) {
	if c.SelectedIndex == nil {
		return nil, false
	}
	return c.Version(*c.SelectedIndex)
}

// CanonicalContent returns the selected text, falling back to the lowest slot.
func (c *Chapter) CanonicalContent() string {
	if v, ok := c.SelectedVersion(); ok {
		return v.Content
	}
	if len(c.Versions) == 0 {
		return ""
	}
	best := c.Versions[0]
	for _, v := range c.Versions[1:] {
		if v.VersionIndex < best.VersionIndex {
			best = v
		}
	}
	return best.Content
}

// CandidateFailure 单个候选生成失败的原因
type CandidateFailure struct {
	VersionIndex int    `json:"version_index"`
	Style        string `json:"style"`
	Reason       string `json:"reason"`
}
