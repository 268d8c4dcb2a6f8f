// internal/services/novel_workflow_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryLoom/internal/config"
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// WorkflowConfig 流程参数
type WorkflowConfig struct {
	PartOutlineThreshold int
	ChaptersPerPart      int
	OutlineBatchSize     int
	CallTimeout          time.Duration
}

// WorkflowConfigFrom 从应用配置构建
func WorkflowConfigFrom(g config.GenerationConfig) WorkflowConfig {
	return WorkflowConfig{
		PartOutlineThreshold: g.PartOutlineThreshold,
		ChaptersPerPart:      g.ChaptersPerPart,
		OutlineBatchSize:     g.OutlineBatchSize,
		CallTimeout:          g.Timeout,
	}
}

// WorkflowDeps 工作流服务的依赖
type WorkflowDeps struct {
	Store        *storage.NovelStore
	Model        ModelClient
	Coordinator  *GenerationCoordinator
	Retriever    ContextRetriever
	StateMachine *ProjectStateMachine
	Locks        *LockManager
	Progress     *ProgressService
	Events       EventPublisher
	Metrics      *utils.Metrics
	Logger       *utils.Logger
	Config       WorkflowConfig
}

// NovelWorkflowService sequences the pipeline from conversation to finished
// chapters. It is the only caller of ProjectStateMachine.Transition.
type NovelWorkflowService struct {
	store        *storage.NovelStore
	model        ModelClient
	coordinator  *GenerationCoordinator
	retriever    ContextRetriever
	stateMachine *ProjectStateMachine
	locks        *LockManager
	progress     *ProgressService
	events       EventPublisher
	metrics      *utils.Metrics
	logger       *utils.Logger
	cfg          WorkflowConfig

	// 每个项目同时只允许一个大纲任务
	outlineMu    sync.Mutex
	outlineTasks map[string]string

	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup
}

// NewNovelWorkflowService 创建工作流服务
func NewNovelWorkflowService(deps WorkflowDeps) *NovelWorkflowService {
	if deps.Retriever == nil {
		deps.Retriever = noopRetriever{}
	}
	if deps.Events == nil {
		deps.Events = noopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = utils.GetLogger()
	}
	if deps.StateMachine == nil {
		deps.StateMachine = NewProjectStateMachine(deps.Logger, deps.Metrics)
	}
	if deps.Locks == nil {
		deps.Locks = NewLockManager()
	}
	if deps.Progress == nil {
		deps.Progress = NewProgressService(deps.Events)
	}
	defaults := config.DefaultGenerationConfig()
	if deps.Config.PartOutlineThreshold <= 0 {
		deps.Config.PartOutlineThreshold = defaults.PartOutlineThreshold
	}
	if deps.Config.ChaptersPerPart <= 0 {
		deps.Config.ChaptersPerPart = defaults.ChaptersPerPart
	}
	if deps.Config.OutlineBatchSize <= 0 {
		deps.Config.OutlineBatchSize = defaults.OutlineBatchSize
	}
	if deps.Config.CallTimeout <= 0 {
		deps.Config.CallTimeout = defaults.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NovelWorkflowService{
		store:        deps.Store,
		model:        deps.Model,
		coordinator:  deps.Coordinator,
		retriever:    deps.Retriever,
		stateMachine: deps.StateMachine,
		locks:        deps.Locks,
		progress:     deps.Progress,
		events:       deps.Events,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		cfg:          deps.Config,
		outlineTasks: make(map[string]string),
		baseCtx:      ctx,
		cancelBase:   cancel,
	}
}

// Shutdown cancels background outline tasks and waits for them to return.
func (s *NovelWorkflowService) Shutdown() {
	s.cancelBase()
	s.background.Wait()
}

// ---- projects and conversation ----

// ProjectOverview 项目详情
type ProjectOverview struct {
	Project            *models.Project        `json:"project"`
	AllowedTransitions []models.ProjectPhase  `json:"allowed_transitions"`
	Artifacts          storage.ArtifactCounts `json:"artifacts"`
	Progress           []ProgressUpdate       `json:"running_tasks,omitempty"`
}

// CreateProject creates a project in DRAFT. A non-empty initial prompt also
// becomes the first user turn of the conversation.
func (s *NovelWorkflowService) CreateProject(ctx context.Context, title, initialPrompt string) (*models.Project, error) {
	title = strings.TrimSpace(title)
	prompt := strings.TrimSpace(initialPrompt)
	if title == "" && prompt == "" {
		return nil, apperrors.NewValidationError("title or initial prompt is required", nil)
	}
	if title == "" {
		title = "Untitled novel"
	}

	project := &models.Project{Title: title, InitialPrompt: prompt}
	err := s.store.InTx(ctx, func(tx *storage.NovelTx) error {
		if err := tx.CreateProject(ctx, project); err != nil {
			return err
		}
		if prompt == "" {
			return nil
		}
		return tx.AppendTurn(ctx, &models.ConversationTurn{
			ProjectID: project.ID,
			Role:      models.RoleUser,
			Content:   prompt,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("project created", map[string]interface{}{
		"project_id": project.ID,
		"title":      project.Title,
	})
	return project, nil
}

// GetProject 获取项目
func (s *NovelWorkflowService) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// ListProjects 列出全部项目
func (s *NovelWorkflowService) ListProjects(ctx context.Context) ([]models.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []models.Project{}
	}
	return projects, nil
}

// GetProjectOverview returns the project with its legal next phases and artifact counts.
func (s *NovelWorkflowService) GetProjectOverview(ctx context.Context, projectID string) (*ProjectOverview, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountArtifacts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	overview := &ProjectOverview{
		Project:            project,
		AllowedTransitions: s.stateMachine.AllowedTransitions(project.Phase),
		Artifacts:          counts,
	}
	s.outlineMu.Lock()
	taskID, running := s.outlineTasks[projectID]
	s.outlineMu.Unlock()
	if running {
		if tracker, ok := s.progress.GetTracker(taskID); ok {
			overview.Progress = append(overview.Progress, tracker.Snapshot())
		}
	}
	return overview, nil
}

// AppendConversation records one concept-elicitation turn.
func (s *NovelWorkflowService) AppendConversation(ctx context.Context, projectID, role, content string) (*models.ConversationTurn, error) {
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown role %q", role), nil)
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.NewValidationError("content is required", nil)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	turn := &models.ConversationTurn{ProjectID: projectID, Role: role, Content: content}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	if err := s.store.TouchProject(ctx, projectID); err != nil {
		s.logger.Warn("failed to touch project", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
	return turn, nil
}

// ListConversation 获取项目对话
func (s *NovelWorkflowService) ListConversation(ctx context.Context, projectID string) ([]models.ConversationTurn, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	return turns, nil
}

// GetBlueprint 获取当前蓝图
func (s *NovelWorkflowService) GetBlueprint(ctx context.Context, projectID string) (*models.Blueprint, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetBlueprint(ctx, projectID)
}

// ListPartOutlines 获取分部大纲
func (s *NovelWorkflowService) ListPartOutlines(ctx context.Context, projectID string) ([]models.PartOutline, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	parts, err := s.store.ListPartOutlines(ctx, projectID)
	if parts == nil && err == nil {
		parts = []models.PartOutline{}
	}
	return parts, err
}

// ListChapterOutlines 获取章节大纲
func (s *NovelWorkflowService) ListChapterOutlines(ctx context.Context, projectID string) ([]models.ChapterOutline, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	outlines, err := s.store.ListChapterOutlines(ctx, projectID)
	if outlines == nil && err == nil {
		outlines = []models.ChapterOutline{}
	}
	return outlines, err
}

// GetChapter 获取章节及其全部版本
func (s *NovelWorkflowService) GetChapter(ctx context.Context, projectID string, chapterNumber int) (*models.Chapter, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetChapter(ctx, projectID, chapterNumber)
}

// ---- phase plumbing ----

// applyTransition validates target through the state machine and writes it
// with a compare-and-swap inside tx.
func (s *NovelWorkflowService) applyTransition(ctx context.Context, tx *storage.NovelTx, project *models.Project, target models.ProjectPhase, force bool) error {
	next, err := s.stateMachine.Transition(project.ID, project.Phase, target, force)
	if err != nil {
		return err
	}
	if err := tx.SwapProjectPhase(ctx, project.ID, project.Phase, next); err != nil {
		return err
	}
	project.Phase = next
	return nil
}

func (s *NovelWorkflowService) publishPhase(projectID string, from, to models.ProjectPhase) {
	if from == to {
		return
	}
	s.events.Publish(projectID, newEvent(EventPhaseChanged, projectID, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}))
}

// inPhaseTx runs fn in a transaction while holding the project's phase lock.
// fn receives the project as read inside the transaction.
func (s *NovelWorkflowService) inPhaseTx(ctx context.Context, projectID string, fn func(tx *storage.NovelTx, project *models.Project) error) error {
	return s.locks.ExecuteWithPhaseLock(projectID, func() error {
		return s.store.InTx(ctx, func(tx *storage.NovelTx) error {
			project, err := tx.GetProject(ctx, projectID)
			if err != nil {
				return err
			}
			return fn(tx, project)
		})
	})
}

// ---- cascade ----

type cascadeScope int

const (
	// chapters, their index entries and chapter outlines
	cascadeChapters cascadeScope = iota
	// plus part outlines
	cascadeParts
	// plus the blueprint itself
	cascadeBlueprint
)

// CascadeReport 级联删除的统计
type CascadeReport struct {
	PartOutlines    int64 `json:"part_outlines"`
	Chapters        int64 `json:"chapters"`
	IndexEntries    []int `json:"index_entries"`
	ChapterOutlines int64 `json:"chapter_outlines"`
	Blueprint       bool  `json:"blueprint"`
}

// cascade deletes downstream artifacts in dependency order. The deletion set
// is read before anything is removed, and the context index is cleared while
// the chapter numbers are still known. An index failure aborts the
// transaction.
func (s *NovelWorkflowService) cascade(ctx context.Context, tx *storage.NovelTx, projectID string, scope cascadeScope) (*CascadeReport, error) {
	numbers, err := tx.ListChapterNumbers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if numbers == nil {
		numbers = []int{}
	}
	report := &CascadeReport{IndexEntries: numbers}

	if scope >= cascadeParts {
		if report.PartOutlines, err = tx.DeletePartOutlines(ctx, projectID); err != nil {
			return nil, err
		}
	}
	if report.Chapters, err = tx.DeleteChapters(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.retriever.DeleteChapters(ctx, projectID, numbers); err != nil {
		return nil, apperrors.NewCascadeIntegrityError(
			fmt.Sprintf("context index still holds %d chapters of project %s", len(numbers), projectID), err)
	}
	if report.ChapterOutlines, err = tx.DeleteChapterOutlines(ctx, projectID); err != nil {
		return nil, err
	}
	if scope == cascadeBlueprint {
		if err := tx.DeleteBlueprint(ctx, projectID); err != nil {
			return nil, err
		}
		report.Blueprint = true
	}

	s.logger.Info("cascade deleted downstream artifacts", map[string]interface{}{
		"project_id":       projectID,
		"part_outlines":    report.PartOutlines,
		"chapters":         report.Chapters,
		"index_entries":    len(numbers),
		"chapter_outlines": report.ChapterOutlines,
		"blueprint":        report.Blueprint,
	})
	return report, nil
}

// ---- blueprint ----

// BlueprintResult 蓝图生成结果
type BlueprintResult struct {
	Blueprint *models.Blueprint   `json:"blueprint"`
	NewPhase  models.ProjectPhase `json:"new_phase"`
	Cascade   *CascadeReport      `json:"cascade,omitempty"`
}

// blueprintResponse tolerates total_chapters arriving as a string or float.
type blueprintResponse struct {
	models.Blueprint
	TotalChapters interface{} `json:"total_chapters"`
}

func checkBlueprintPhase(project *models.Project, force bool) error {
	if !force && project.Phase != models.PhaseDraft {
		return apperrors.NewPhaseConflictError(project.ID, project.Phase, "generate_blueprint")
	}
	return nil
}

// GenerateBlueprint drafts the blueprint from the conversation. Outside DRAFT
// it requires forceRegenerate and then replaces every downstream artifact.
func (s *NovelWorkflowService) GenerateBlueprint(ctx context.Context, projectID string, forceRegenerate bool) (*BlueprintResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkBlueprintPhase(project, forceRegenerate); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, apperrors.NewValidationError("conversation is empty, nothing to build a blueprint from", nil)
	}

	bp, err := s.draftBlueprint(ctx, project, turns)
	if err != nil {
		return nil, err
	}

	result := &BlueprintResult{Blueprint: bp}
	var from models.ProjectPhase
	err = s.locks.ExecuteWithProjectLock(projectID, func() error {
		return s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, current *models.Project) error {
			if err := checkBlueprintPhase(current, forceRegenerate); err != nil {
				return err
			}
			from = current.Phase
			if current.Phase != models.PhaseDraft {
				report, err := s.cascade(ctx, tx, projectID, cascadeParts)
				if err != nil {
					return err
				}
				result.Cascade = report
			}
			if err := tx.SaveBlueprint(ctx, projectID, bp); err != nil {
				return err
			}
			return s.applyTransition(ctx, tx, current, models.PhaseBlueprintReady, forceRegenerate)
		})
	})
	if from != "" && from != models.PhaseDraft && s.metrics != nil {
		s.metrics.RecordCascade("blueprint", err)
	}
	if err != nil {
		return nil, err
	}

	result.NewPhase = models.PhaseBlueprintReady
	s.publishPhase(projectID, from, result.NewPhase)
	s.logger.Info("blueprint generated", map[string]interface{}{
		"project_id":          projectID,
		"total_chapters":      bp.TotalChapters,
		"needs_part_outlines": bp.NeedsPartOutlines,
		"regenerated":         result.Cascade != nil,
	})
	return result, nil
}

func (s *NovelWorkflowService) draftBlueprint(ctx context.Context, project *models.Project, turns []models.ConversationTurn) (*models.Blueprint, error) {
	var resp blueprintResponse
	err := s.coordinator.withRequestSlot(ctx, func(callCtx context.Context) error {
		return s.model.CompleteJSON(callCtx, project.ID, "blueprint", llm.CompletionRequest{
			SystemPrompt: blueprintSystemPrompt,
			Messages:     conversationMessages(turns),
			Temperature:  0.7,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	bp := resp.Blueprint
	if bp.HasEmbeddedOutline() {
		s.logger.Warn("blueprint response carried chapter outlines, discarding them", map[string]interface{}{
			"project_id": project.ID,
			"bytes":      len(bp.ChapterOutline),
		})
	}
	bp.ChapterOutline = nil

	bp.TotalChapters = 0
	if n, ok := asChapterCount(resp.TotalChapters); ok {
		bp.TotalChapters = n
	}
	resolved := ResolveChapterCount(turns, &bp)
	if resolved != bp.TotalChapters {
		s.logger.Info("chapter count resolved from conversation", map[string]interface{}{
			"project_id":  project.ID,
			"model_value": resp.TotalChapters,
			"resolved":    resolved,
		})
	}
	bp.TotalChapters = resolved
	bp.NeedsPartOutlines = bp.TotalChapters > s.cfg.PartOutlineThreshold
	if strings.TrimSpace(bp.Title) == "" {
		bp.Title = project.Title
	}
	return &bp, nil
}

// ---- outlines ----

// OutlineResult 大纲生成结果
type OutlineResult struct {
	Parts    []models.PartOutline    `json:"parts,omitempty"`
	Outlines []models.ChapterOutline `json:"outlines,omitempty"`
	NewPhase models.ProjectPhase     `json:"new_phase"`
	TaskID   string                  `json:"task_id,omitempty"`
}

func (s *NovelWorkflowService) beginOutlineTask(projectID string) (*ProgressTracker, func(), error) {
	s.outlineMu.Lock()
	defer s.outlineMu.Unlock()

	if taskID, busy := s.outlineTasks[projectID]; busy {
		return nil, nil, apperrors.NewConflictError(
			fmt.Sprintf("outline task %s is already running for project %s", taskID, projectID), nil)
	}
	tracker := s.progress.StartTask(projectID, "outlines")
	s.outlineTasks[projectID] = tracker.TaskID
	release := func() {
		s.outlineMu.Lock()
		delete(s.outlineTasks, projectID)
		s.outlineMu.Unlock()
	}
	return tracker, release, nil
}

// runOutlineTask runs fn under the project's shared lock and settles the tracker.
func (s *NovelWorkflowService) runOutlineTask(ctx context.Context, projectID string, tracker *ProgressTracker, release func(),
	fn func(ctx context.Context, tracker *ProgressTracker) (*OutlineResult, error)) (*OutlineResult, error) {
	defer release()

	var result *OutlineResult
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		var err error
		result, err = fn(ctx, tracker)
		return err
	})
	if err != nil {
		tracker.Fail(err.Error())
		return nil, err
	}
	result.TaskID = tracker.TaskID
	tracker.Complete("outlines ready")
	return result, nil
}

func requirePhase(project *models.Project, operation string, allowed ...models.ProjectPhase) error {
	for _, p := range allowed {
		if project.Phase == p {
			return nil
		}
	}
	return apperrors.NewPhaseConflictError(project.ID, project.Phase, operation)
}

// GenerateOutlines runs the whole outline stage: part outlines first when the
// blueprint asks for them, then chapter outlines for every chapter.
func (s *NovelWorkflowService) GenerateOutlines(ctx context.Context, projectID string) (*OutlineResult, error) {
	if err := s.checkOutlinePhase(ctx, projectID); err != nil {
		return nil, err
	}
	tracker, release, err := s.beginOutlineTask(projectID)
	if err != nil {
		return nil, err
	}
	return s.runOutlineTask(ctx, projectID, tracker, release, func(ctx context.Context, tracker *ProgressTracker) (*OutlineResult, error) {
		return s.outlinePipeline(ctx, projectID, tracker)
	})
}

// StartOutlineGeneration runs GenerateOutlines in the background and returns
// its tracker immediately.
func (s *NovelWorkflowService) StartOutlineGeneration(projectID string) (*ProgressTracker, error) {
	if err := s.checkOutlinePhase(s.baseCtx, projectID); err != nil {
		return nil, err
	}
	tracker, release, err := s.beginOutlineTask(projectID)
	if err != nil {
		return nil, err
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, err := s.runOutlineTask(s.baseCtx, projectID, tracker, release, func(ctx context.Context, tracker *ProgressTracker) (*OutlineResult, error) {
			return s.outlinePipeline(ctx, projectID, tracker)
		})
		if err != nil {
			s.logger.Error("background outline generation failed", map[string]interface{}{
				"project_id": projectID,
				"task_id":    tracker.TaskID,
				"error":      err.Error(),
			})
		}
	}()
	return tracker, nil
}

func (s *NovelWorkflowService) checkOutlinePhase(ctx context.Context, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return requirePhase(project, "generate_outlines", models.PhaseBlueprintReady, models.PhasePartOutlinesReady)
}

func (s *NovelWorkflowService) outlinePipeline(ctx context.Context, projectID string, tracker *ProgressTracker) (*OutlineResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := requirePhase(project, "generate_outlines", models.PhaseBlueprintReady, models.PhasePartOutlinesReady); err != nil {
		return nil, err
	}
	bp, err := s.store.GetBlueprint(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &OutlineResult{}
	if bp.NeedsPartOutlines && project.Phase == models.PhaseBlueprintReady {
		tracker.UpdateProgress(0, "outlining parts")
		parts, err := s.partOutlines(ctx, projectID, bp)
		if err != nil {
			return nil, err
		}
		result.Parts = parts
	}

	outlines, phase, err := s.chapterOutlines(ctx, projectID, bp, 0, tracker)
	if err != nil {
		return nil, err
	}
	result.Outlines = outlines
	result.NewPhase = phase
	if result.Parts == nil {
		if result.Parts, err = s.store.ListPartOutlines(ctx, projectID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GeneratePartOutlines splits the blueprint's chapters into parts and moves
// the project to PART_OUTLINES_READY.
func (s *NovelWorkflowService) GeneratePartOutlines(ctx context.Context, projectID string) (*OutlineResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := requirePhase(project, "generate_part_outlines", models.PhaseBlueprintReady); err != nil {
		return nil, err
	}
	tracker, release, err := s.beginOutlineTask(projectID)
	if err != nil {
		return nil, err
	}
	return s.runOutlineTask(ctx, projectID, tracker, release, func(ctx context.Context, tracker *ProgressTracker) (*OutlineResult, error) {
		bp, err := s.store.GetBlueprint(ctx, projectID)
		if err != nil {
			return nil, err
		}
		parts, err := s.partOutlines(ctx, projectID, bp)
		if err != nil {
			return nil, err
		}
		return &OutlineResult{Parts: parts, NewPhase: models.PhasePartOutlinesReady}, nil
	})
}

// GenerateChapterOutlinesByCount outlines chapters 1..count. With part
// outlines present the parts fix the chapter range and count must match it
// or be zero.
func (s *NovelWorkflowService) GenerateChapterOutlinesByCount(ctx context.Context, projectID string, count int) (*OutlineResult, error) {
	if count < 0 || count > models.MaxChapterCount {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("count must be between 0 and %d, 0 uses the blueprint total", models.MaxChapterCount), nil)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := requirePhase(project, "generate_chapter_outlines", models.PhaseBlueprintReady, models.PhasePartOutlinesReady); err != nil {
		return nil, err
	}
	tracker, release, err := s.beginOutlineTask(projectID)
	if err != nil {
		return nil, err
	}
	return s.runOutlineTask(ctx, projectID, tracker, release, func(ctx context.Context, tracker *ProgressTracker) (*OutlineResult, error) {
		bp, err := s.store.GetBlueprint(ctx, projectID)
		if err != nil {
			return nil, err
		}
		outlines, phase, err := s.chapterOutlines(ctx, projectID, bp, count, tracker)
		if err != nil {
			return nil, err
		}
		return &OutlineResult{Outlines: outlines, NewPhase: phase}, nil
	})
}

// partRanges splits total chapters into consecutive blocks of size per.
func partRanges(total, per int) [][2]int {
	if per <= 0 {
		per = total
	}
	var ranges [][2]int
	for start := 1; start <= total; start += per {
		end := start + per - 1
		if end > total {
			end = total
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

func (s *NovelWorkflowService) partOutlines(ctx context.Context, projectID string, bp *models.Blueprint) ([]models.PartOutline, error) {
	ranges := partRanges(bp.TotalChapters, s.cfg.ChaptersPerPart)

	var resp struct {
		Parts []models.PartOutline `json:"parts"`
	}
	err := s.coordinator.withRequestSlot(ctx, func(callCtx context.Context) error {
		return s.model.CompleteJSON(callCtx, projectID, "part-outlines", llm.CompletionRequest{
			SystemPrompt: partOutlineSystemPrompt,
			Messages:     partOutlineMessages(bp, ranges),
			Temperature:  0.7,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Parts) != len(ranges) {
		s.logger.Warn("part outline count differs from the requested split", map[string]interface{}{
			"project_id": projectID,
			"requested":  len(ranges),
			"returned":   len(resp.Parts),
		})
	}

	byNumber := make(map[int]models.PartOutline, len(resp.Parts))
	for _, p := range resp.Parts {
		if _, dup := byNumber[p.PartNumber]; !dup {
			byNumber[p.PartNumber] = p
		}
	}
	parts := make([]models.PartOutline, len(ranges))
	for i, r := range ranges {
		p, ok := byNumber[i+1]
		if !ok && i < len(resp.Parts) {
			p = resp.Parts[i]
		}
		p.ProjectID = projectID
		p.PartNumber = i + 1
		p.StartChapter, p.EndChapter = r[0], r[1]
		p.GenerationStatus = models.OutlinePending
		p.Progress = 0
		if strings.TrimSpace(p.Title) == "" {
			p.Title = fmt.Sprintf("Part %d", i+1)
		}
		parts[i] = p
	}

	var from models.ProjectPhase
	err = s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, project *models.Project) error {
		if err := requirePhase(project, "generate_part_outlines", models.PhaseBlueprintReady); err != nil {
			return err
		}
		from = project.Phase
		if _, err := tx.DeletePartOutlines(ctx, projectID); err != nil {
			return err
		}
		for i := range parts {
			if err := tx.UpsertPartOutline(ctx, &parts[i]); err != nil {
				return err
			}
		}
		return s.applyTransition(ctx, tx, project, models.PhasePartOutlinesReady, false)
	})
	if err != nil {
		return nil, err
	}
	s.publishPhase(projectID, from, models.PhasePartOutlinesReady)
	return parts, nil
}

type outlineSegment struct {
	part     *models.PartOutline
	from, to int
}

// chapterOutlines writes chapter outlines batch by batch and then moves the
// project to CHAPTER_OUTLINES_READY. Parts already completed by an earlier
// run are skipped.
func (s *NovelWorkflowService) chapterOutlines(ctx context.Context, projectID string, bp *models.Blueprint, count int, tracker *ProgressTracker) ([]models.ChapterOutline, models.ProjectPhase, error) {
	parts, err := s.store.ListPartOutlines(ctx, projectID)
	if err != nil {
		return nil, "", err
	}

	var segments []outlineSegment
	total := count
	if len(parts) > 0 {
		end := parts[len(parts)-1].EndChapter
		if count != 0 && count != end {
			return nil, "", apperrors.NewValidationError(
				fmt.Sprintf("part outlines cover %d chapters, count %d does not match", end, count), nil)
		}
		total = end
		for i := range parts {
			segments = append(segments, outlineSegment{part: &parts[i], from: parts[i].StartChapter, to: parts[i].EndChapter})
		}
	} else {
		if total == 0 {
			total = bp.TotalChapters
		}
		if total != bp.TotalChapters {
			s.logger.Info("outlining a chapter count different from the blueprint", map[string]interface{}{
				"project_id": projectID,
				"count":      total,
				"blueprint":  bp.TotalChapters,
			})
		}
		if _, err := s.store.DeleteChapterOutlines(ctx, projectID); err != nil {
			return nil, "", err
		}
		segments = append(segments, outlineSegment{from: 1, to: total})
	}

	existing, err := s.store.ListChapterOutlines(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	known := make(map[int]models.ChapterOutline, len(existing))
	for _, o := range existing {
		known[o.ChapterNumber] = o
	}

	done := 0
	for _, seg := range segments {
		size := seg.to - seg.from + 1
		if seg.part != nil && seg.part.GenerationStatus == models.OutlineCompleted {
			done += size
			continue
		}
		if err := s.outlineSegment(ctx, projectID, bp, seg, known, func(batch int) {
			done += batch
			tracker.UpdateProgress(done*100/total, fmt.Sprintf("outlined %d of %d chapters", done, total))
		}); err != nil {
			return nil, "", err
		}
	}

	var from models.ProjectPhase
	err = s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, project *models.Project) error {
		if err := requirePhase(project, "generate_chapter_outlines", models.PhaseBlueprintReady, models.PhasePartOutlinesReady); err != nil {
			return err
		}
		from = project.Phase
		return s.applyTransition(ctx, tx, project, models.PhaseChapterOutlinesReady, false)
	})
	if err != nil {
		return nil, "", err
	}
	s.publishPhase(projectID, from, models.PhaseChapterOutlinesReady)

	outlines, err := s.store.ListChapterOutlines(ctx, projectID)
	return outlines, models.PhaseChapterOutlinesReady, err
}

func (s *NovelWorkflowService) outlineSegment(ctx context.Context, projectID string, bp *models.Blueprint, seg outlineSegment,
	known map[int]models.ChapterOutline, advance func(batch int)) error {
	size := seg.to - seg.from + 1
	setStatus := func(status models.OutlineStatus, progress int) {
		if seg.part == nil {
			return
		}
		if err := s.store.UpdatePartStatus(ctx, projectID, seg.part.PartNumber, status, progress); err != nil {
			s.logger.Warn("failed to update part status", map[string]interface{}{
				"project_id": projectID,
				"part":       seg.part.PartNumber,
				"error":      err.Error(),
			})
		}
	}

	setStatus(models.OutlineGenerating, 0)
	written := 0
	for from := seg.from; from <= seg.to; from += s.cfg.OutlineBatchSize {
		to := from + s.cfg.OutlineBatchSize - 1
		if to > seg.to {
			to = seg.to
		}

		previous := make([]models.ChapterOutline, 0, 5)
		for n := from - 5; n < from; n++ {
			if o, ok := known[n]; ok {
				previous = append(previous, o)
			}
		}

		batch, err := s.outlineBatch(ctx, projectID, bp, seg.part, previous, from, to)
		if err == nil {
			err = s.store.UpsertChapterOutlines(ctx, projectID, batch)
		}
		if err != nil {
			setStatus(models.OutlineFailed, written*100/size)
			return err
		}
		for _, o := range batch {
			known[o.ChapterNumber] = o
		}
		written += len(batch)
		setStatus(models.OutlineGenerating, written*100/size)
		advance(len(batch))

		data := map[string]interface{}{"from": from, "to": to}
		if seg.part != nil {
			data["part_number"] = seg.part.PartNumber
		}
		s.events.Publish(projectID, newEvent(EventOutlineProgress, projectID, data))
	}
	setStatus(models.OutlineCompleted, 100)
	return nil
}

// outlineBatch asks for outlines of chapters from..to. Outlines are matched by
// chapter number, or by position when the model renumbered them.
func (s *NovelWorkflowService) outlineBatch(ctx context.Context, projectID string, bp *models.Blueprint, part *models.PartOutline,
	previous []models.ChapterOutline, from, to int) ([]models.ChapterOutline, error) {
	var resp struct {
		Chapters []models.ChapterOutline `json:"chapters"`
	}
	err := s.coordinator.withRequestSlot(ctx, func(callCtx context.Context) error {
		return s.model.CompleteJSON(callCtx, projectID, fmt.Sprintf("chapter-outlines-%d-%d", from, to), llm.CompletionRequest{
			SystemPrompt: chapterOutlineSystemPrompt,
			Messages:     chapterOutlineMessages(bp, part, previous, from, to),
			Temperature:  0.7,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	want := to - from + 1
	byNumber := make(map[int]models.ChapterOutline, want)
	for _, o := range resp.Chapters {
		if o.ChapterNumber < from || o.ChapterNumber > to || strings.TrimSpace(o.Title+o.Summary) == "" {
			continue
		}
		if _, dup := byNumber[o.ChapterNumber]; !dup {
			byNumber[o.ChapterNumber] = o
		}
	}
	if len(byNumber) < want && len(resp.Chapters) == want {
		byNumber = make(map[int]models.ChapterOutline, want)
		for i, o := range resp.Chapters {
			byNumber[from+i] = o
		}
	}

	batch := make([]models.ChapterOutline, 0, want)
	for n := from; n <= to; n++ {
		o, ok := byNumber[n]
		if !ok {
			raw, _ := json.Marshal(resp)
			return nil, apperrors.NewMalformedOutputError(string(raw),
				fmt.Errorf("no outline for chapter %d in batch %d-%d", n, from, to))
		}
		o.ProjectID = projectID
		o.ChapterNumber = n
		batch = append(batch, o)
	}
	return batch, nil
}

// ---- chapters ----

func (s *NovelWorkflowService) requireWritable(ctx context.Context, projectID, operation string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !project.Phase.AtLeast(models.PhaseChapterOutlinesReady) {
		return apperrors.NewPhaseConflictError(projectID, project.Phase, operation)
	}
	return nil
}

// GenerateChapter drafts candidate versions of one chapter. The first
// persisted chapter moves the project to WRITING; later calls leave it there.
func (s *NovelWorkflowService) GenerateChapter(ctx context.Context, projectID string, chapterNumber, candidateCount int) (*ChapterGenerationResult, error) {
	if chapterNumber < 1 {
		return nil, apperrors.NewValidationError("chapter number must be positive", nil)
	}
	if candidateCount < 0 || candidateCount > 10 {
		return nil, apperrors.NewValidationError("candidate count must be between 1 and 10", nil)
	}

	var result *ChapterGenerationResult
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		if err := s.requireWritable(ctx, projectID, "generate_chapter"); err != nil {
			return err
		}
		var err error
		result, err = s.coordinator.GenerateChapter(ctx, ChapterGenerationRequest{
			ProjectID:      projectID,
			ChapterNumber:  chapterNumber,
			CandidateCount: candidateCount,
		})
		if err != nil {
			return err
		}
		s.indexChapter(ctx, projectID, chapterNumber)
		result.Phase, err = s.enterWriting(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// indexChapter keeps the context index in step with persisted chapters.
func (s *NovelWorkflowService) indexChapter(ctx context.Context, projectID string, chapterNumber int) {
	indexer, ok := s.retriever.(ContextIndexer)
	if !ok {
		return
	}
	outline, err := s.store.GetChapterOutline(ctx, projectID, chapterNumber)
	if err == nil {
		err = indexer.IndexChapter(ctx, projectID, chapterNumber, outline.Title, outline.Summary)
	}
	if err != nil {
		s.logger.Warn("failed to index chapter", map[string]interface{}{
			"project_id": projectID,
			"chapter":    chapterNumber,
			"error":      err.Error(),
		})
	}
}

func (s *NovelWorkflowService) enterWriting(ctx context.Context, projectID string) (models.ProjectPhase, error) {
	var from, to models.ProjectPhase
	err := s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, project *models.Project) error {
		from = project.Phase
		if project.Phase == models.PhaseWriting {
			to = project.Phase
			return nil
		}
		if err := s.applyTransition(ctx, tx, project, models.PhaseWriting, false); err != nil {
			return err
		}
		to = project.Phase
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publishPhase(projectID, from, to)
	return to, nil
}

// RetryVersion regenerates one version slot of a chapter.
func (s *NovelWorkflowService) RetryVersion(ctx context.Context, projectID string, chapterNumber, versionIndex int, customPrompt string) (*models.ChapterVersion, error) {
	var version *models.ChapterVersion
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		if err := s.requireWritable(ctx, projectID, "retry_version"); err != nil {
			return err
		}
		var err error
		version, err = s.coordinator.RetryVersion(ctx, RetryVersionRequest{
			ProjectID:     projectID,
			ChapterNumber: chapterNumber,
			VersionIndex:  versionIndex,
			CustomPrompt:  customPrompt,
		})
		return err
	})
	return version, err
}

// EvaluateChapter 对比章节的全部版本，仅给出建议
func (s *NovelWorkflowService) EvaluateChapter(ctx context.Context, projectID string, chapterNumber int) (*models.ChapterEvaluation, error) {
	var eval *models.ChapterEvaluation
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		if err := s.requireWritable(ctx, projectID, "evaluate_chapter"); err != nil {
			return err
		}
		var err error
		eval, err = s.coordinator.EvaluateChapter(ctx, projectID, chapterNumber)
		return err
	})
	return eval, err
}

// SelectVersion 选定章节版本
func (s *NovelWorkflowService) SelectVersion(ctx context.Context, projectID string, chapterNumber, versionIndex int) (*models.Chapter, error) {
	var chapter *models.Chapter
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		var err error
		chapter, err = s.coordinator.SelectVersion(ctx, projectID, chapterNumber, versionIndex)
		return err
	})
	return chapter, err
}

// ---- phase moves ----

// RevertResult 阶段回退结果
type RevertResult struct {
	From     models.ProjectPhase `json:"from"`
	NewPhase models.ProjectPhase `json:"new_phase"`
	Cascade  *CascadeReport      `json:"cascade,omitempty"`
}

// RevertPhase follows one of the table's backward edges and deletes whatever
// the target phase no longer allows to exist.
func (s *NovelWorkflowService) RevertPhase(ctx context.Context, projectID string, target models.ProjectPhase) (*RevertResult, error) {
	if !target.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown phase %q", target), nil)
	}

	result := &RevertResult{}
	cascaded := false
	err := s.locks.ExecuteWithProjectLock(projectID, func() error {
		return s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, project *models.Project) error {
			result.From = project.Phase
			if target.Rank() >= project.Phase.Rank() {
				return apperrors.NewValidationError(
					fmt.Sprintf("cannot revert from %s to %s", project.Phase, target), nil)
			}
			if !s.stateMachine.CanTransition(project.Phase, target) {
				return apperrors.NewInvalidTransitionError(project.Phase, target)
			}

			var err error
			switch target {
			case models.PhaseDraft:
				cascaded = true
				result.Cascade, err = s.cascade(ctx, tx, projectID, cascadeBlueprint)
			case models.PhaseBlueprintReady:
				cascaded = true
				result.Cascade, err = s.cascade(ctx, tx, projectID, cascadeParts)
			case models.PhasePartOutlinesReady:
				err = s.revertToParts(ctx, tx, projectID, result)
				cascaded = result.Cascade != nil
			}
			if err != nil {
				return err
			}
			return s.applyTransition(ctx, tx, project, target, false)
		})
	})
	if cascaded && s.metrics != nil {
		s.metrics.RecordCascade("revert", err)
	}
	if err != nil {
		return nil, err
	}

	result.NewPhase = target
	s.publishPhase(projectID, result.From, target)
	return result, nil
}

func (s *NovelWorkflowService) revertToParts(ctx context.Context, tx *storage.NovelTx, projectID string, result *RevertResult) error {
	parts, err := tx.ListPartOutlines(ctx, projectID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return apperrors.NewValidationError("project has no part outlines to return to", nil)
	}
	if result.Cascade, err = s.cascade(ctx, tx, projectID, cascadeChapters); err != nil {
		return err
	}
	for _, p := range parts {
		if err := tx.UpdatePartStatus(ctx, projectID, p.PartNumber, models.OutlinePending, 0); err != nil {
			return err
		}
	}
	return nil
}

// CompleteProject moves a WRITING project to COMPLETED once every outlined
// chapter has a selected version.
func (s *NovelWorkflowService) CompleteProject(ctx context.Context, projectID string) (*models.Project, error) {
	var completed *models.Project
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		return s.inPhaseTx(ctx, projectID, func(tx *storage.NovelTx, project *models.Project) error {
			if err := requirePhase(project, "complete_project", models.PhaseWriting); err != nil {
				return err
			}
			counts, err := tx.CountArtifacts(ctx, projectID)
			if err != nil {
				return err
			}
			if counts.ChapterOutlines == 0 {
				return apperrors.NewValidationError("project has no chapter outlines", nil)
			}
			missing, err := tx.ListUnselectedChapters(ctx, projectID)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return apperrors.NewValidationError(
					fmt.Sprintf("%d chapters have no selected version, first is chapter %d", len(missing), missing[0]), nil)
			}
			if err := s.applyTransition(ctx, tx, project, models.PhaseCompleted, false); err != nil {
				return err
			}
			completed = project
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.publishPhase(projectID, models.PhaseWriting, models.PhaseCompleted)
	return completed, nil
}
