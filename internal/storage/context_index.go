// internal/storage/context_index.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Corphon/StoryLoom/internal/models"
)

const maxQueryTerms = 32

// ContextIndex is a full-text index of chapter summaries used for continuity
// retrieval. It lives in its own database so it can fail independently of the
// workflow store.
type ContextIndex struct {
	db  *sql.DB
	now func() time.Time
}

// OpenContextIndex opens (or creates) <dataDir>/context_index.db.
func OpenContextIndex(dataDir string) (*ContextIndex, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(dataDir, "context_index.db"), ContextIndexSchema)
	if err != nil {
		return nil, err
	}
	return &ContextIndex{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (ci *ContextIndex) Close() error {
	return ci.db.Close()
}

// IndexChapter inserts or replaces the summary for one chapter.
func (ci *ContextIndex) IndexChapter(ctx context.Context, projectID string, chapterNumber int, title, summary string) error {
	_, err := ci.db.ExecContext(ctx,
		`INSERT INTO chapter_summaries (project_id, chapter_number, title, summary, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, chapter_number) DO UPDATE SET title = excluded.title, summary = excluded.summary, updated_at = excluded.updated_at`,
		projectID, chapterNumber, title, summary, ci.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("index chapter %d: %w", chapterNumber, err)
	}
	return nil
}

// Retrieve returns summaries of chapters before chapterNumber ranked against
// query. Scores are in [0,1) and sorted descending. With an empty query or no
// full-text hit it falls back to the nearest preceding chapters.
func (ci *ContextIndex) Retrieve(ctx context.Context, projectID string, chapterNumber, topK int, query string) ([]models.ContextSnippet, error) {
	if topK <= 0 || chapterNumber <= 1 {
		return nil, nil
	}

	if match := buildMatchExpression(query); match != "" {
		snippets, err := ci.search(ctx, projectID, chapterNumber, topK, match)
		if err != nil {
			return nil, err
		}
		if len(snippets) > 0 {
			return snippets, nil
		}
	}
	return ci.nearest(ctx, projectID, chapterNumber, topK)
}

func (ci *ContextIndex) search(ctx context.Context, projectID string, chapterNumber, topK int, match string) ([]models.ContextSnippet, error) {
	rows, err := ci.db.QueryContext(ctx,
		`SELECT s.chapter_number, s.title, s.summary, bm25(chapter_summaries_fts)
		 FROM chapter_summaries_fts
		 JOIN chapter_summaries s ON s.rowid = chapter_summaries_fts.rowid
		 WHERE chapter_summaries_fts MATCH ? AND s.project_id = ? AND s.chapter_number < ?
		 ORDER BY bm25(chapter_summaries_fts)
		 LIMIT ?`,
		match, projectID, chapterNumber, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search context index: %w", err)
	}
	defer rows.Close()

	var snippets []models.ContextSnippet
	for rows.Next() {
		var s models.ContextSnippet
		var rank float64
		if err := rows.Scan(&s.ChapterNumber, &s.Title, &s.Summary, &rank); err != nil {
			return nil, fmt.Errorf("scan context hit: %w", err)
		}
		s.RelevanceScore = bm25ToRelevance(rank)
		snippets = append(snippets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSnippets(snippets)
	return snippets, nil
}

func (ci *ContextIndex) nearest(ctx context.Context, projectID string, chapterNumber, topK int) ([]models.ContextSnippet, error) {
	rows, err := ci.db.QueryContext(ctx,
		`SELECT chapter_number, title, summary FROM chapter_summaries
		 WHERE project_id = ? AND chapter_number < ?
		 ORDER BY chapter_number DESC LIMIT ?`,
		projectID, chapterNumber, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent summaries: %w", err)
	}
	defer rows.Close()

	var snippets []models.ContextSnippet
	for rows.Next() {
		var s models.ContextSnippet
		if err := rows.Scan(&s.ChapterNumber, &s.Title, &s.Summary); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.RelevanceScore = 1 / float64(1+chapterNumber-s.ChapterNumber)
		snippets = append(snippets, s)
	}
	return snippets, rows.Err()
}

// DeleteChapters removes index entries for the given chapter numbers.
func (ci *ContextIndex) DeleteChapters(ctx context.Context, projectID string, chapterNumbers []int) error {
	if len(chapterNumbers) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chapterNumbers)), ",")
	args := make([]any, 0, len(chapterNumbers)+1)
	args = append(args, projectID)
	for _, n := range chapterNumbers {
		args = append(args, n)
	}
	_, err := ci.db.ExecContext(ctx,
		`DELETE FROM chapter_summaries WHERE project_id = ? AND chapter_number IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	return nil
}

// CountEntries returns how many chapters are indexed for a project.
func (ci *ContextIndex) CountEntries(ctx context.Context, projectID string) (int, error) {
	var n int
	err := ci.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapter_summaries WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

// bm25ToRelevance maps FTS5 bm25 (lower is better, usually negative) to [0,1).
func bm25ToRelevance(rank float64) float64 {
	r := -rank
	if r <= 0 {
		return 0
	}
	return r / (1 + r)
}

// sortSnippets orders by relevance descending, then by chapter number descending.
func sortSnippets(snippets []models.ContextSnippet) {
	sort.SliceStable(snippets, func(i, j int) bool {
		if snippets[i].RelevanceScore != snippets[j].RelevanceScore {
			return snippets[i].RelevanceScore > snippets[j].RelevanceScore
		}
		return snippets[i].ChapterNumber > snippets[j].ChapterNumber
	})
}

// buildMatchExpression quotes each distinct word of text and ORs them so
// punctuation in outlines can never break the FTS5 query syntax.
func buildMatchExpression(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, maxQueryTerms)
	for _, w := range words {
		if utf8.RuneCountInString(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
