// internal/services/context_retriever.go
package services

import (
	"context"
	"sort"

	"github.com/Corphon/StoryLoom/internal/models"
)

// ContextRetriever finds summaries of earlier chapters relevant to a target
// chapter. query is free text (usually the target outline) used for ranking.
type ContextRetriever interface {
	Retrieve(ctx context.Context, projectID string, chapterNumber, topK int, query string) ([]models.ContextSnippet, error)
	DeleteChapters(ctx context.Context, projectID string, chapterNumbers []int) error
}

// ContextIndexer is implemented by retrievers that accept new entries.
type ContextIndexer interface {
	IndexChapter(ctx context.Context, projectID string, chapterNumber int, title, summary string) error
}

// rankSnippets drops entries that are not strictly before chapterNumber,
// sorts by relevance descending and truncates to topK.
func rankSnippets(snippets []models.ContextSnippet, chapterNumber, topK int) []models.ContextSnippet {
	kept := make([]models.ContextSnippet, 0, len(snippets))
	for _, s := range snippets {
		if s.ChapterNumber >= chapterNumber {
			continue
		}
		if s.RelevanceScore < 0 {
			s.RelevanceScore = 0
		} else if s.RelevanceScore > 1 {
			s.RelevanceScore = 1
		}
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].RelevanceScore > kept[j].RelevanceScore
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

// noopRetriever is used when no index is configured.
type noopRetriever struct{}

func (noopRetriever) Retrieve(context.Context, string, int, int, string) ([]models.ContextSnippet, error) {
	return nil, nil
}

func (noopRetriever) DeleteChapters(context.Context, string, []int) error { return nil }
