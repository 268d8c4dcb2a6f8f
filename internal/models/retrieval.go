// internal/models/retrieval.go
package models

// ContextSnippet 检索到的前文章节摘要
type ContextSnippet struct {
	ChapterNumber  int     `json:"chapter_number"`
	Title          string  `json:"title,omitempty"`
	Summary        string  `json:"summary"`
	RelevanceScore float64 `json:"relevance_score"`
}
