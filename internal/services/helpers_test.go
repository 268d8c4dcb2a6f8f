package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// scriptedModel answers CompleteJSON by purpose and runs the reply through
// the real sanitizer.
type scriptedModel struct {
	mu      sync.Mutex
	calls   []modelCall
	respond func(purpose string, req llm.CompletionRequest) (string, error)
	delay   time.Duration
	// hold runs before respond and sees the per-call context
	hold func(ctx context.Context, purpose string) error

	inflight    int32
	maxInflight int32
}

type modelCall struct {
	Purpose string
	Request llm.CompletionRequest
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return m.respond("", req)
}

func (m *scriptedModel) CompleteJSON(ctx context.Context, projectID, purpose string, req llm.CompletionRequest, out interface{}) error {
	n := atomic.AddInt32(&m.inflight, 1)
	defer atomic.AddInt32(&m.inflight, -1)
	for {
		max := atomic.LoadInt32(&m.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&m.maxInflight, max, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, modelCall{Purpose: purpose, Request: req})
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.hold != nil {
		if err := m.hold(ctx, purpose); err != nil {
			return err
		}
	}

	raw, err := m.respond(purpose, req)
	if err != nil {
		return err
	}
	return ParseModelJSON(raw, out)
}

func (m *scriptedModel) resetPeak() { atomic.StoreInt32(&m.maxInflight, 0) }

func (m *scriptedModel) peak() int32 { return atomic.LoadInt32(&m.maxInflight) }

func (m *scriptedModel) callsWithPrefix(prefix string) []modelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []modelCall
	for _, c := range m.calls {
		if strings.HasPrefix(c.Purpose, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// novelScript is a default responder producing well-formed replies for
// every stage of the pipeline.
type novelScript struct {
	totalChapters interface{}
	failSlots     map[int]bool
	slotContent   func(slot int, req llm.CompletionRequest) string
	recommended   int
}

func (s *novelScript) respond(purpose string, req llm.CompletionRequest) (string, error) {
	switch {
	case purpose == "blueprint":
		body := map[string]interface{}{
			"title":                "The Glass Harbor",
			"genre":                "mystery",
			"one_sentence_summary": "A harbor town hides a drowned archive.",
			"chapter_outline":      []string{},
		}
		if s.totalChapters != nil {
			body["total_chapters"] = s.totalChapters
		}
		data, _ := json.Marshal(body)
		return "<think>drafting</think>```json\n" + string(data) + "\n```", nil

	case purpose == "part-outlines":
		return `{"parts":[{"part_number":1,"title":"Arrival","summary":"The detective arrives."}]}`, nil

	case strings.HasPrefix(purpose, "chapter-outlines-"):
		var from, to int
		if _, err := fmt.Sscanf(purpose, "chapter-outlines-%d-%d", &from, &to); err != nil {
			return "", err
		}
		var chapters []map[string]interface{}
		for n := from; n <= to; n++ {
			chapters = append(chapters, map[string]interface{}{
				"chapter_number": n,
				"title":          fmt.Sprintf("Chapter %d", n),
				"summary":        fmt.Sprintf("Events of chapter %d.", n),
			})
		}
		data, _ := json.Marshal(map[string]interface{}{"chapters": chapters})
		return string(data), nil

	case strings.HasPrefix(purpose, "chapter-slot-"):
		var slot int
		if _, err := fmt.Sscanf(purpose, "chapter-slot-%d", &slot); err != nil {
			return "", err
		}
		if s.failSlots[slot] {
			return "", fmt.Errorf("provider exploded on slot %d", slot)
		}
		content := fmt.Sprintf("Draft from slot %d.", slot)
		if s.slotContent != nil {
			content = s.slotContent(slot, req)
		}
		data, _ := json.Marshal(map[string]string{"title": "Untitled", "content": content})
		return string(data), nil

	case purpose == "evaluation":
		data, _ := json.Marshal(map[string]interface{}{
			"recommended_version": s.recommended,
			"summary":             "slot comparison",
			"versions": []map[string]interface{}{
				{"version_index": 0, "pros": []string{"pace"}, "cons": []string{"flat"}},
				{"version_index": 1, "pros": []string{"voice"}, "cons": []string{}},
				{"version_index": 7, "pros": []string{"ghost"}},
			},
		})
		return string(data), nil
	}
	return "", fmt.Errorf("unexpected purpose %q", purpose)
}

func newScriptedModel(script *novelScript) *scriptedModel {
	return &scriptedModel{respond: script.respond}
}

// recordingRetriever records index deletions and can be told to fail them.
type recordingRetriever struct {
	mu        sync.Mutex
	deletes   [][]int
	indexed   map[int]string
	failWith  error
	retrieved int
}

func newRecordingRetriever() *recordingRetriever {
	return &recordingRetriever{indexed: make(map[int]string)}
}

func (r *recordingRetriever) Retrieve(ctx context.Context, projectID string, chapterNumber, topK int, query string) ([]models.ContextSnippet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrieved++
	var out []models.ContextSnippet
	for n, summary := range r.indexed {
		out = append(out, models.ContextSnippet{ChapterNumber: n, Summary: summary, RelevanceScore: 0.5})
	}
	return out, nil
}

func (r *recordingRetriever) DeleteChapters(ctx context.Context, projectID string, chapterNumbers []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.deletes = append(r.deletes, append([]int(nil), chapterNumbers...))
	for _, n := range chapterNumbers {
		delete(r.indexed, n)
	}
	return nil
}

func (r *recordingRetriever) IndexChapter(ctx context.Context, projectID string, chapterNumber int, title, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed[chapterNumber] = title + ": " + summary
	return nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(projectID string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type workflowFixture struct {
	store     *storage.NovelStore
	model     *scriptedModel
	retriever *recordingRetriever
	events    *recordingPublisher
	coord     *GenerationCoordinator
	workflow  *NovelWorkflowService
}

type fixtureOption func(*config.GenerationConfig)

func newWorkflowFixture(t *testing.T, script *novelScript, opts ...fixtureOption) *workflowFixture {
	t.Helper()

	store, err := storage.OpenNovelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gen := config.DefaultGenerationConfig()
	gen.Timeout = 5 * time.Second
	for _, opt := range opts {
		opt(&gen)
	}

	logger := utils.NewDiscardLogger()
	model := newScriptedModel(script)
	retriever := newRecordingRetriever()
	events := &recordingPublisher{}
	sem := semaphore.NewWeighted(int64(gen.MaxConcurrentRequests))

	coord := NewGenerationCoordinator(store, model, retriever, sem,
		CoordinatorConfigFrom(gen, config.DefaultStylePresets()), events, nil, logger)

	locks := NewLockManager()
	t.Cleanup(locks.Stop)

	workflow := NewNovelWorkflowService(WorkflowDeps{
		Store:       store,
		Model:       model,
		Coordinator: coord,
		Retriever:   retriever,
		Locks:       locks,
		Events:      events,
		Logger:      logger,
		Config:      WorkflowConfigFrom(gen),
	})
	t.Cleanup(workflow.Shutdown)

	return &workflowFixture{
		store:     store,
		model:     model,
		retriever: retriever,
		events:    events,
		coord:     coord,
		workflow:  workflow,
	}
}

// projectWithOutlines drives a fresh project to CHAPTER_OUTLINES_READY with
// the given number of chapters.
func (f *workflowFixture) projectWithOutlines(t *testing.T, script *novelScript, chapters int) *models.Project {
	t.Helper()
	ctx := context.Background()

	script.totalChapters = chapters
	project, err := f.workflow.CreateProject(ctx, "Glass Harbor", "A mystery in a harbor town.")
	require.NoError(t, err)

	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	result, err := f.workflow.GenerateOutlines(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseChapterOutlinesReady, result.NewPhase)
	require.Len(t, result.Outlines, chapters)
	return project
}

func (f *workflowFixture) phase(t *testing.T, projectID string) models.ProjectPhase {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p.Phase
}

func (f *workflowFixture) counts(t *testing.T, projectID string) storage.ArtifactCounts {
	t.Helper()
	c, err := f.store.CountArtifacts(context.Background(), projectID)
	require.NoError(t, err)
	return c
}
