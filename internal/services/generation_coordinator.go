// internal/services/generation_coordinator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Corphon/StoryLoom/internal/config"
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// CoordinatorConfig 候选生成参数
type CoordinatorConfig struct {
	CandidateCount int
	CallTimeout    time.Duration
	ContextTopK    int
	PriorTailRunes int
	MaxTokens      int
	Presets        []config.StylePreset
}

// CoordinatorConfigFrom 从应用配置构建
func CoordinatorConfigFrom(g config.GenerationConfig, presets []config.StylePreset) CoordinatorConfig {
	return CoordinatorConfig{
		CandidateCount: g.CandidateCount,
		CallTimeout:    g.Timeout,
		ContextTopK:    g.ContextTopK,
		PriorTailRunes: g.PriorTailRunes,
		MaxTokens:      g.ChapterMaxTokens,
		Presets:        presets,
	}
}

// ChapterGenerationRequest 生成一章的请求
type ChapterGenerationRequest struct {
	ProjectID     string
	ChapterNumber int
	// CandidateCount 为 0 时使用配置值
	CandidateCount int
}

// ChapterGenerationResult 混合结果：成功版本与失败原因
type ChapterGenerationResult struct {
	Chapter  *models.Chapter           `json:"chapter"`
	Versions []models.ChapterVersion   `json:"versions"`
	Failures []models.CandidateFailure `json:"failures"`
	Phase    models.ProjectPhase       `json:"phase,omitempty"`
}

// RetryVersionRequest 重写单个候选槽位
type RetryVersionRequest struct {
	ProjectID     string
	ChapterNumber int
	VersionIndex  int
	CustomPrompt  string
}

type chapterDraft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type candidateOutcome struct {
	version models.ChapterVersion
	failure *models.CandidateFailure
}

// GenerationCoordinator runs the concurrent candidates for a chapter and the
// per-slot retry, evaluation and selection that follow.
type GenerationCoordinator struct {
	store     *storage.NovelStore
	model     ModelClient
	retriever ContextRetriever
	sem       *semaphore.Weighted
	cfg       CoordinatorConfig
	events    EventPublisher
	metrics   *utils.Metrics
	logger    *utils.Logger
}

// NewGenerationCoordinator wires the coordinator. sem is shared process-wide
// so every project competes for the same request budget.
func NewGenerationCoordinator(store *storage.NovelStore, model ModelClient, retriever ContextRetriever,
	sem *semaphore.Weighted, cfg CoordinatorConfig, events EventPublisher, metrics *utils.Metrics, logger *utils.Logger) *GenerationCoordinator {
	if retriever == nil {
		retriever = noopRetriever{}
	}
	if events == nil {
		events = noopPublisher{}
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	if len(cfg.Presets) == 0 {
		cfg.Presets = config.DefaultStylePresets()
	}
	if cfg.CandidateCount < 1 {
		cfg.CandidateCount = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = config.DefaultGenerationConfig().Timeout
	}
	return &GenerationCoordinator{
		store:     store,
		model:     model,
		retriever: retriever,
		sem:       sem,
		cfg:       cfg,
		events:    events,
		metrics:   metrics,
		logger:    logger,
	}
}

// buildChapterContext gathers everything the candidates share. Retrieval
// problems only reduce context; a missing outline is an error.
func (gc *GenerationCoordinator) buildChapterContext(ctx context.Context, projectID string, chapterNumber int) (*chapterContext, error) {
	outline, err := gc.store.GetChapterOutline(ctx, projectID, chapterNumber)
	if err != nil {
		return nil, err
	}
	bp, err := gc.store.GetBlueprint(ctx, projectID)
	if err != nil {
		return nil, err
	}

	cc := &chapterContext{Blueprint: bp, Outline: *outline}

	if parts, err := gc.store.ListPartOutlines(ctx, projectID); err == nil {
		for i := range parts {
			if parts[i].Covers(chapterNumber) {
				cc.Part = &parts[i]
				break
			}
		}
	}

	if chapterNumber > 1 {
		if prev, err := gc.store.GetChapter(ctx, projectID, chapterNumber-1); err == nil {
			cc.PriorTail = tailRunes(prev.CanonicalContent(), gc.cfg.PriorTailRunes)
		} else if !apperrors.IsNotFoundError(err) {
			return nil, err
		}

		query := outline.Title + " " + outline.Summary
		snippets, err := gc.retriever.Retrieve(ctx, projectID, chapterNumber, gc.cfg.ContextTopK, query)
		if err != nil {
			gc.logger.Warn("context retrieval failed, generating without it", map[string]interface{}{
				"project_id": projectID,
				"chapter":    chapterNumber,
				"error":      err.Error(),
			})
		}
		cc.Snippets = rankSnippets(snippets, chapterNumber, gc.cfg.ContextTopK)
	}
	return cc, nil
}

// withRequestSlot runs fn holding one request slot, under the per-call timeout.
func (gc *GenerationCoordinator) withRequestSlot(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := gc.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for request slot: %w", err)
	}
	defer gc.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, gc.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// runCandidate makes one bounded, time-limited model call for a slot.
func (gc *GenerationCoordinator) runCandidate(ctx context.Context, projectID string, slot int, messages []llm.Message, preset config.StylePreset) (string, error) {
	var draft chapterDraft
	err := gc.withRequestSlot(ctx, func(callCtx context.Context) error {
		if gc.metrics != nil {
			gc.metrics.InflightCandidates.Inc()
			defer gc.metrics.InflightCandidates.Dec()
		}
		return gc.model.CompleteJSON(callCtx, projectID, fmt.Sprintf("chapter-slot-%d", slot), llm.CompletionRequest{
			SystemPrompt: chapterSystemPrompt,
			Messages:     messages,
			MaxTokens:    gc.cfg.MaxTokens,
			Temperature:  preset.Temperature,
		}, &draft)
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(draft.Content)
	if content == "" {
		return "", fmt.Errorf("model returned an empty chapter")
	}
	return content, nil
}

// GenerateChapter dispatches the candidates concurrently. Slot i always uses
// preset i and lands in version i. At least one success persists the chapter
// with every successful slot; zero successes persist nothing.
func (gc *GenerationCoordinator) GenerateChapter(ctx context.Context, req ChapterGenerationRequest) (*ChapterGenerationResult, error) {
	n := req.CandidateCount
	if n <= 0 {
		n = gc.cfg.CandidateCount
	}

	cc, err := gc.buildChapterContext(ctx, req.ProjectID, req.ChapterNumber)
	if err != nil {
		return nil, err
	}
	shared := cc.render()

	outcomes := make([]candidateOutcome, n)
	var wg sync.WaitGroup
	for slot := 0; slot < n; slot++ {
		preset := config.PresetForSlot(gc.cfg.Presets, slot)
		wg.Add(1)
		go func(slot int, preset config.StylePreset) {
			defer wg.Done()
			start := time.Now()
			content, err := gc.runCandidate(ctx, req.ProjectID, slot, chapterMessages(shared, preset, "", ""), preset)
			if gc.metrics != nil {
				gc.metrics.RecordCandidate(preset.Name, err == nil, time.Since(start))
			}
			if err != nil {
				outcomes[slot] = candidateOutcome{failure: &models.CandidateFailure{
					VersionIndex: slot,
					Style:        preset.Name,
					Reason:       err.Error(),
				}}
				gc.logger.Warn("chapter candidate failed", map[string]interface{}{
					"project_id": req.ProjectID,
					"chapter":    req.ChapterNumber,
					"slot":       slot,
					"style":      preset.Name,
					"error":      err.Error(),
				})
				gc.events.Publish(req.ProjectID, newEvent(EventCandidateFailed, req.ProjectID, map[string]interface{}{
					"chapter_number": req.ChapterNumber,
					"version_index":  slot,
					"style":          preset.Name,
					"reason":         err.Error(),
				}))
				return
			}
			outcomes[slot] = candidateOutcome{version: models.ChapterVersion{
				VersionIndex: slot,
				Content:      content,
				Style:        preset.Name,
			}}
			gc.events.Publish(req.ProjectID, newEvent(EventCandidateCompleted, req.ProjectID, map[string]interface{}{
				"chapter_number": req.ChapterNumber,
				"version_index":  slot,
				"style":          preset.Name,
			}))
		}(slot, preset)
	}
	wg.Wait()

	result := &ChapterGenerationResult{
		Versions: []models.ChapterVersion{},
		Failures: []models.CandidateFailure{},
	}
	for _, o := range outcomes {
		if o.failure != nil {
			result.Failures = append(result.Failures, *o.failure)
			continue
		}
		result.Versions = append(result.Versions, o.version)
	}

	if len(result.Versions) == 0 {
		return nil, apperrors.NewTotalGenerationFailure(req.ChapterNumber, result.Failures)
	}

	chapter := &models.Chapter{
		ProjectID:      req.ProjectID,
		ChapterNumber:  req.ChapterNumber,
		CandidateSlots: n,
		Versions:       result.Versions,
	}
	if err := gc.store.InTx(ctx, func(tx *storage.NovelTx) error {
		return tx.ReplaceChapter(ctx, chapter)
	}); err != nil {
		return nil, fmt.Errorf("persist chapter %d: %w", req.ChapterNumber, err)
	}
	result.Chapter = chapter
	result.Versions = chapter.Versions

	gc.logger.Info("chapter generated", map[string]interface{}{
		"project_id": req.ProjectID,
		"chapter":    req.ChapterNumber,
		"versions":   len(result.Versions),
		"failures":   len(result.Failures),
	})
	gc.events.Publish(req.ProjectID, newEvent(EventChapterPersisted, req.ProjectID, map[string]interface{}{
		"chapter_number": req.ChapterNumber,
		"versions":       len(result.Versions),
		"failures":       len(result.Failures),
	}))
	return result, nil
}

// RetryVersion regenerates exactly one slot. Sibling versions and the
// selection are untouched; the evaluation no longer matches and is dropped.
func (gc *GenerationCoordinator) RetryVersion(ctx context.Context, req RetryVersionRequest) (*models.ChapterVersion, error) {
	chapter, err := gc.store.GetChapter(ctx, req.ProjectID, req.ChapterNumber)
	if err != nil {
		return nil, err
	}
	if req.VersionIndex < 0 || req.VersionIndex >= chapter.CandidateSlots {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("version %d out of range, chapter %d has %d slots", req.VersionIndex, req.ChapterNumber, chapter.CandidateSlots), nil)
	}

	cc, err := gc.buildChapterContext(ctx, req.ProjectID, req.ChapterNumber)
	if err != nil {
		return nil, err
	}

	preset := config.PresetForSlot(gc.cfg.Presets, req.VersionIndex)
	previous := ""
	if v, ok := chapter.Version(req.VersionIndex); ok && strings.TrimSpace(req.CustomPrompt) != "" {
		previous = v.Content
	}

	start := time.Now()
	content, err := gc.runCandidate(ctx, req.ProjectID, req.VersionIndex,
		chapterMessages(cc.render(), preset, strings.TrimSpace(req.CustomPrompt), previous), preset)
	if gc.metrics != nil {
		gc.metrics.RecordCandidate(preset.Name, err == nil, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	version := models.ChapterVersion{
		ChapterID:    chapter.ID,
		VersionIndex: req.VersionIndex,
		Content:      content,
		Style:        preset.Name,
	}
	if old, ok := chapter.Version(req.VersionIndex); ok {
		version.CreatedAt = old.CreatedAt
	}
	err = gc.store.InTx(ctx, func(tx *storage.NovelTx) error {
		if err := tx.UpsertVersion(ctx, &version); err != nil {
			return err
		}
		return tx.DeleteEvaluation(ctx, chapter.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("persist retried version: %w", err)
	}

	gc.logger.Info("chapter version retried", map[string]interface{}{
		"project_id": req.ProjectID,
		"chapter":    req.ChapterNumber,
		"slot":       req.VersionIndex,
		"steered":    req.CustomPrompt != "",
	})
	gc.events.Publish(req.ProjectID, newEvent(EventCandidateCompleted, req.ProjectID, map[string]interface{}{
		"chapter_number": req.ChapterNumber,
		"version_index":  req.VersionIndex,
		"style":          preset.Name,
		"retry":          true,
	}))
	return &version, nil
}

// EvaluateChapter asks the model to compare the persisted versions. The
// result is stored as advice only.
func (gc *GenerationCoordinator) EvaluateChapter(ctx context.Context, projectID string, chapterNumber int) (*models.ChapterEvaluation, error) {
	chapter, err := gc.store.GetChapter(ctx, projectID, chapterNumber)
	if err != nil {
		return nil, err
	}
	if len(chapter.Versions) == 0 {
		return nil, apperrors.NewValidationError("chapter has no versions to evaluate", nil)
	}
	outline, err := gc.store.GetChapterOutline(ctx, projectID, chapterNumber)
	if err != nil && !apperrors.IsNotFoundError(err) {
		return nil, err
	}

	var eval models.ChapterEvaluation
	err = gc.withRequestSlot(ctx, func(callCtx context.Context) error {
		return gc.model.CompleteJSON(callCtx, projectID, "evaluation", llm.CompletionRequest{
			SystemPrompt: evaluationSystemPrompt,
			Messages:     evaluationMessages(outline, chapter.Versions),
			Temperature:  0.3,
		}, &eval)
	})
	if err != nil {
		return nil, err
	}

	if _, ok := chapter.Version(eval.RecommendedVersion); !ok {
		raw, _ := json.Marshal(eval)
		return nil, apperrors.NewMalformedOutputError(string(raw),
			fmt.Errorf("recommended version %d does not exist", eval.RecommendedVersion))
	}
	reviews := eval.Versions[:0]
	for _, r := range eval.Versions {
		if _, ok := chapter.Version(r.VersionIndex); ok {
			reviews = append(reviews, r)
		}
	}
	eval.Versions = reviews

	if err := gc.store.SaveEvaluation(ctx, chapter.ID, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

// SelectVersion marks one version as current. Selecting the already
// selected version changes nothing.
func (gc *GenerationCoordinator) SelectVersion(ctx context.Context, projectID string, chapterNumber, versionIndex int) (*models.Chapter, error) {
	chapter, err := gc.store.GetChapter(ctx, projectID, chapterNumber)
	if err != nil {
		return nil, err
	}
	if _, ok := chapter.Version(versionIndex); !ok {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("chapter %d has no version %d", chapterNumber, versionIndex), nil)
	}
	if chapter.SelectedIndex != nil && *chapter.SelectedIndex == versionIndex {
		return chapter, nil
	}
	if err := gc.store.SetSelectedVersion(ctx, chapter.ID, versionIndex); err != nil {
		return nil, err
	}
	return gc.store.GetChapter(ctx, projectID, chapterNumber)
}
