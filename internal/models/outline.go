// internal/models/outline.go
package models

import "time"

// OutlineStatus 部分大纲的生成状态
type OutlineStatus string

const (
	OutlinePending    OutlineStatus = "pending"
	OutlineGenerating OutlineStatus = "generating"
	OutlineCompleted  OutlineStatus = "completed"
	OutlineFailed     OutlineStatus = "failed"
)

// PartOutline 长篇小说的分部大纲，覆盖一段连续章节
type PartOutline struct {
	ProjectID        string        `json:"project_id"`
	PartNumber       int           `json:"part_number"`
	Title            string        `json:"title"`
	Summary          string        `json:"summary"`
	Theme            string        `json:"theme,omitempty"`
	KeyEvents        []string      `json:"key_events,omitempty"`
	StartChapter     int           `json:"start_chapter"`
	EndChapter       int           `json:"end_chapter"`
	GenerationStatus OutlineStatus `json:"generation_status"`
	Progress         int           `json:"progress"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Covers reports whether the part spans the given chapter number.
func (p PartOutline) Covers(chapterNumber int) bool {
	return chapterNumber >= p.StartChapter && chapterNumber <= p.EndChapter
}

// ChapterOutline 单章标题与摘要
type ChapterOutline struct {
	ProjectID     string `json:"project_id"`
	ChapterNumber int    `json:"chapter_number"`
	Title         string `json:"title"`
	Summary       string `json:"summary"`
}
