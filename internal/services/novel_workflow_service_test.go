package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
)

// writeChapters generates and selects every chapter from 1 to n.
func writeChapters(t *testing.T, f *workflowFixture, projectID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := f.workflow.GenerateChapter(ctx, projectID, i, 1)
		require.NoError(t, err)
		_, err = f.workflow.SelectVersion(ctx, projectID, i, 0)
		require.NoError(t, err)
	}
}

func phaseTargets(events []Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Data["to"].(string))
	}
	return out
}

func TestCreateProjectStartsInDraft(t *testing.T) {
	f := newWorkflowFixture(t, &novelScript{})
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "", "A lighthouse keeper finds a letter.")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDraft, project.Phase)
	assert.Equal(t, "Untitled novel", project.Title)

	turns, err := f.workflow.ListConversation(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)

	_, err = f.workflow.CreateProject(ctx, "  ", "")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestAppendConversationValidates(t *testing.T) {
	f := newWorkflowFixture(t, &novelScript{})
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "")
	require.NoError(t, err)

	_, err = f.workflow.AppendConversation(ctx, project.ID, "narrator", "hello")
	assert.True(t, apperrors.IsValidationError(err))
	_, err = f.workflow.AppendConversation(ctx, project.ID, models.RoleUser, "   ")
	assert.True(t, apperrors.IsValidationError(err))
	_, err = f.workflow.AppendConversation(ctx, "missing", models.RoleUser, "hello")
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = f.workflow.AppendConversation(ctx, project.ID, models.RoleAssistant, "What genre?")
	require.NoError(t, err)
	turns, err := f.workflow.ListConversation(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestGenerateBlueprintNeedsConversation(t *testing.T) {
	f := newWorkflowFixture(t, &novelScript{})
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "")
	require.NoError(t, err)

	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	assert.True(t, apperrors.IsValidationError(err))
	assert.Empty(t, f.model.callsWithPrefix("blueprint"))
}

func TestGenerateBlueprintFromDraft(t *testing.T) {
	script := &novelScript{totalChapters: "12"}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery in a harbor town.")
	require.NoError(t, err)

	result, err := f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseBlueprintReady, result.NewPhase)
	assert.Nil(t, result.Cascade)
	assert.Equal(t, 12, result.Blueprint.TotalChapters)
	assert.False(t, result.Blueprint.NeedsPartOutlines)
	assert.Equal(t, "The Glass Harbor", result.Blueprint.Title)
	assert.Equal(t, models.PhaseBlueprintReady, f.phase(t, project.ID))

	stored, err := f.workflow.GetBlueprint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, stored.TotalChapters)
	assert.Equal(t, []string{"blueprint_ready"}, phaseTargets(f.events.ofType(EventPhaseChanged)))
}

func TestGenerateBlueprintFallsBackToConversationCount(t *testing.T) {
	script := &novelScript{totalChapters: "lots"}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "I want roughly 120 chapters of slow burn mystery.")
	require.NoError(t, err)

	result, err := f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 120, result.Blueprint.TotalChapters)
	assert.True(t, result.Blueprint.NeedsPartOutlines)
}

func TestGenerateBlueprintOutsideDraftNeedsForce(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)

	_, err := f.workflow.GenerateBlueprint(context.Background(), project.ID, false)
	require.Error(t, err)
	assert.True(t, apperrors.IsPhaseConflict(err))
	assert.Equal(t, models.PhaseChapterOutlinesReady, f.phase(t, project.ID))
	assert.Equal(t, 10, f.counts(t, project.ID).ChapterOutlines)
}

func TestRegenerateBlueprintCascades(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	writeChapters(t, f, project.ID, 10)
	require.Equal(t, models.PhaseWriting, f.phase(t, project.ID))
	require.Equal(t, 10, f.counts(t, project.ID).Chapters)

	script.totalChapters = 20
	result, err := f.workflow.GenerateBlueprint(context.Background(), project.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseBlueprintReady, result.NewPhase)
	require.NotNil(t, result.Cascade)
	assert.EqualValues(t, 10, result.Cascade.Chapters)
	assert.EqualValues(t, 10, result.Cascade.ChapterOutlines)

	require.Len(t, f.retriever.deletes, 1)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, f.retriever.deletes[0])
	assert.Empty(t, f.retriever.indexed)

	counts := f.counts(t, project.ID)
	assert.Zero(t, counts.Chapters)
	assert.Zero(t, counts.Versions)
	assert.Zero(t, counts.ChapterOutlines)
	assert.Zero(t, counts.PartOutlines)
	assert.True(t, counts.HasBlueprint)

	bp, err := f.workflow.GetBlueprint(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, bp.TotalChapters)
	assert.Equal(t, models.PhaseBlueprintReady, f.phase(t, project.ID))
}

func TestRegenerateBlueprintIndexFailureRollsBack(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	writeChapters(t, f, project.ID, 3)

	f.retriever.failWith = errors.New("index unavailable")
	script.totalChapters = 20

	_, err := f.workflow.GenerateBlueprint(context.Background(), project.ID, true)
	require.Error(t, err)
	assert.True(t, apperrors.IsCascadeIntegrityViolation(err))

	counts := f.counts(t, project.ID)
	assert.Equal(t, 3, counts.Chapters)
	assert.Equal(t, 10, counts.ChapterOutlines)
	assert.Equal(t, models.PhaseWriting, f.phase(t, project.ID))

	bp, err := f.workflow.GetBlueprint(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, bp.TotalChapters)
}

func TestShortFormSkipsPartOutlines(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 50)

	assert.Empty(t, f.model.callsWithPrefix("part-outlines"))
	assert.Len(t, f.model.callsWithPrefix("chapter-outlines-"), 5)
	assert.Zero(t, f.counts(t, project.ID).PartOutlines)
	assert.Equal(t,
		[]string{"blueprint_ready", "chapter_outlines_ready"},
		phaseTargets(f.events.ofType(EventPhaseChanged)))
}

func TestLongFormOutlinesByPart(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 60)
	ctx := context.Background()

	assert.Len(t, f.model.callsWithPrefix("part-outlines"), 1)
	assert.Len(t, f.model.callsWithPrefix("chapter-outlines-"), 7)
	assert.Equal(t,
		[]string{"blueprint_ready", "part_outlines_ready", "chapter_outlines_ready"},
		phaseTargets(f.events.ofType(EventPhaseChanged)))

	parts, err := f.workflow.ListPartOutlines(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, "Arrival", parts[0].Title)
	assert.Equal(t, "Part 2", parts[1].Title)
	assert.Equal(t, [2]int{1, 25}, [2]int{parts[0].StartChapter, parts[0].EndChapter})
	assert.Equal(t, [2]int{26, 50}, [2]int{parts[1].StartChapter, parts[1].EndChapter})
	assert.Equal(t, [2]int{51, 60}, [2]int{parts[2].StartChapter, parts[2].EndChapter})
	for _, p := range parts {
		assert.Equal(t, models.OutlineCompleted, p.GenerationStatus)
		assert.Equal(t, 100, p.Progress)
	}

	outlines, err := f.workflow.ListChapterOutlines(ctx, project.ID)
	require.NoError(t, err)
	for i, o := range outlines {
		assert.Equal(t, i+1, o.ChapterNumber)
	}
}

func TestOutlineBatchAcceptsRenumberedChapters(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	base := script.respond
	f.model.respond = func(purpose string, req llm.CompletionRequest) (string, error) {
		if purpose == "chapter-outlines-1-5" {
			return `{"chapters":[
				{"chapter_number":1,"title":"A","summary":"a"},
				{"chapter_number":1,"title":"B","summary":"b"},
				{"chapter_number":9,"title":"C","summary":"c"},
				{"title":"D","summary":"d"},
				{"title":"E","summary":"e"}]}`, nil
		}
		return base(purpose, req)
	}
	project := f.projectWithOutlines(t, script, 5)

	outlines, err := f.workflow.ListChapterOutlines(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, outlines, 5)
	assert.Equal(t, "B", outlines[1].Title)
	assert.Equal(t, "E", outlines[4].Title)
}

func TestOutlineBatchMissingChapterIsMalformed(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	base := script.respond
	f.model.respond = func(purpose string, req llm.CompletionRequest) (string, error) {
		if purpose == "chapter-outlines-1-5" {
			return `{"chapters":[{"chapter_number":1,"title":"A","summary":"a"}]}`, nil
		}
		return base(purpose, req)
	}
	ctx := context.Background()

	script.totalChapters = 5
	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery.")
	require.NoError(t, err)
	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	_, err = f.workflow.GenerateOutlines(ctx, project.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedOutput(err))
	assert.Equal(t, models.PhaseBlueprintReady, f.phase(t, project.ID))
}

func TestGenerateOutlinesWrongPhase(t *testing.T) {
	f := newWorkflowFixture(t, &novelScript{})
	project, err := f.workflow.CreateProject(context.Background(), "Harbor", "A mystery.")
	require.NoError(t, err)

	_, err = f.workflow.GenerateOutlines(context.Background(), project.ID)
	assert.True(t, apperrors.IsPhaseConflict(err))
	_, err = f.workflow.StartOutlineGeneration(project.ID)
	assert.True(t, apperrors.IsPhaseConflict(err))
}

func TestStartOutlineGenerationRunsInBackground(t *testing.T) {
	script := &novelScript{totalChapters: 20}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery.")
	require.NoError(t, err)
	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	tracker, err := f.workflow.StartOutlineGeneration(project.ID)
	require.NoError(t, err)

	select {
	case <-tracker.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("outline task did not finish")
	}
	snap := tracker.Snapshot()
	assert.Equal(t, TaskCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, models.PhaseChapterOutlinesReady, f.phase(t, project.ID))
	assert.Equal(t, 20, f.counts(t, project.ID).ChapterOutlines)
}

func TestGenerateChapterOutlinesByCount(t *testing.T) {
	script := &novelScript{totalChapters: 20}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery.")
	require.NoError(t, err)
	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	_, err = f.workflow.GenerateChapterOutlinesByCount(ctx, project.ID, -1)
	assert.True(t, apperrors.IsValidationError(err))

	result, err := f.workflow.GenerateChapterOutlinesByCount(ctx, project.ID, 8)
	require.NoError(t, err)
	assert.Len(t, result.Outlines, 8)
	assert.Equal(t, models.PhaseChapterOutlinesReady, result.NewPhase)
}

func TestGenerateChapterBeforeOutlines(t *testing.T) {
	script := &novelScript{totalChapters: 10}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery.")
	require.NoError(t, err)
	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	_, err = f.workflow.GenerateChapter(ctx, project.ID, 1, 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsPhaseConflict(err))
	assert.Empty(t, f.model.callsWithPrefix("chapter-slot-"))
}

func TestWritingPhaseEnteredOnce(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	ctx := context.Background()

	first, err := f.workflow.GenerateChapter(ctx, project.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWriting, first.Phase)

	second, err := f.workflow.GenerateChapter(ctx, project.ID, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWriting, second.Phase)

	again, err := f.workflow.GenerateChapter(ctx, project.ID, 1, 2)
	require.NoError(t, err)
	assert.Len(t, again.Versions, 2)

	writing := 0
	for _, to := range phaseTargets(f.events.ofType(EventPhaseChanged)) {
		if to == string(models.PhaseWriting) {
			writing++
		}
	}
	assert.Equal(t, 1, writing)
	assert.Contains(t, f.retriever.indexed, 1)
	assert.Contains(t, f.retriever.indexed, 2)
}

func TestGenerateChapterValidatesInput(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	ctx := context.Background()

	_, err := f.workflow.GenerateChapter(ctx, project.ID, 0, 1)
	assert.True(t, apperrors.IsValidationError(err))
	_, err = f.workflow.GenerateChapter(ctx, project.ID, 1, 11)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestRevertWritingKeepsChapters(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	writeChapters(t, f, project.ID, 2)

	result, err := f.workflow.RevertPhase(context.Background(), project.ID, models.PhaseChapterOutlinesReady)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseWriting, result.From)
	assert.Nil(t, result.Cascade)
	assert.Equal(t, 2, f.counts(t, project.ID).Chapters)
	assert.Empty(t, f.retriever.deletes)
}

func TestRevertToBlueprintDeletesOutlines(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)

	result, err := f.workflow.RevertPhase(context.Background(), project.ID, models.PhaseBlueprintReady)
	require.NoError(t, err)
	require.NotNil(t, result.Cascade)
	assert.EqualValues(t, 10, result.Cascade.ChapterOutlines)

	counts := f.counts(t, project.ID)
	assert.Zero(t, counts.ChapterOutlines)
	assert.True(t, counts.HasBlueprint)
	assert.Equal(t, models.PhaseBlueprintReady, f.phase(t, project.ID))
}

func TestRevertToPartsResetsPartStatus(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 60)
	ctx := context.Background()

	_, err := f.workflow.RevertPhase(ctx, project.ID, models.PhasePartOutlinesReady)
	require.NoError(t, err)

	counts := f.counts(t, project.ID)
	assert.Zero(t, counts.ChapterOutlines)
	assert.Equal(t, 3, counts.PartOutlines)

	parts, err := f.workflow.ListPartOutlines(ctx, project.ID)
	require.NoError(t, err)
	for _, p := range parts {
		assert.Equal(t, models.OutlinePending, p.GenerationStatus)
	}

	result, err := f.workflow.GenerateOutlines(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, result.Outlines, 60)
	assert.Len(t, f.model.callsWithPrefix("part-outlines"), 1)
}

func TestRevertToDraftDeletesBlueprint(t *testing.T) {
	script := &novelScript{totalChapters: 10}
	f := newWorkflowFixture(t, script)
	ctx := context.Background()

	project, err := f.workflow.CreateProject(ctx, "Harbor", "A mystery.")
	require.NoError(t, err)
	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	require.NoError(t, err)

	_, err = f.workflow.RevertPhase(ctx, project.ID, models.PhaseDraft)
	require.NoError(t, err)
	assert.False(t, f.counts(t, project.ID).HasBlueprint)
	assert.Equal(t, models.PhaseDraft, f.phase(t, project.ID))

	_, err = f.workflow.GenerateBlueprint(ctx, project.ID, false)
	assert.NoError(t, err)
}

func TestRevertRejectsIllegalTargets(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)
	writeChapters(t, f, project.ID, 1)
	ctx := context.Background()

	_, err := f.workflow.RevertPhase(ctx, project.ID, models.PhaseDraft)
	assert.True(t, apperrors.IsInvalidTransition(err))

	_, err = f.workflow.RevertPhase(ctx, project.ID, models.PhaseCompleted)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = f.workflow.RevertPhase(ctx, project.ID, models.ProjectPhase("nowhere"))
	assert.True(t, apperrors.IsValidationError(err))

	assert.Equal(t, models.PhaseWriting, f.phase(t, project.ID))
	assert.Equal(t, 1, f.counts(t, project.ID).Chapters)
}

func TestCompleteProjectNeedsEverySelection(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 5)
	ctx := context.Background()

	writeChapters(t, f, project.ID, 4)
	_, err := f.workflow.CompleteProject(ctx, project.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
	assert.Contains(t, err.Error(), "chapter 5")

	writeChapters(t, f, project.ID, 5)
	completed, err := f.workflow.CompleteProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, completed.Phase)
	assert.Equal(t, models.PhaseCompleted, f.phase(t, project.ID))

	_, err = f.workflow.GenerateChapter(ctx, project.ID, 1, 1)
	assert.NoError(t, err, "completed projects stay writable")
}

func TestProjectOverviewListsAllowedTransitions(t *testing.T) {
	script := &novelScript{}
	f := newWorkflowFixture(t, script)
	project := f.projectWithOutlines(t, script, 10)

	overview, err := f.workflow.GetProjectOverview(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseChapterOutlinesReady, overview.Project.Phase)
	assert.ElementsMatch(t,
		[]models.ProjectPhase{models.PhaseWriting, models.PhasePartOutlinesReady, models.PhaseBlueprintReady},
		overview.AllowedTransitions)
	assert.Equal(t, 10, overview.Artifacts.ChapterOutlines)
}
