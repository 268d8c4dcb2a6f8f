package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/models"
)

func newTestStore(t *testing.T) *NovelStore {
	t.Helper()
	store, err := OpenNovelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedProject(t *testing.T, store *NovelStore) *models.Project {
	t.Helper()
	p := &models.Project{Title: "Glass Harbor", InitialPrompt: "a harbor mystery"}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, store)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.PhaseDraft, p.Phase)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)
	assert.Equal(t, p.InitialPrompt, got.InitialPrompt)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetProject(ctx, "missing")
	assert.True(t, apperrors.IsNotFoundError(err))

	projects, err := store.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestSwapProjectPhaseIsCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	require.NoError(t, store.SwapProjectPhase(ctx, p.ID, models.PhaseDraft, models.PhaseBlueprintReady))

	err := store.SwapProjectPhase(ctx, p.ID, models.PhaseDraft, models.PhaseBlueprintReady)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflictError(err))

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseBlueprintReady, got.Phase)
}

func TestAppendTurnAssignsSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	for _, content := range []string{"first", "second", "third"} {
		turn := &models.ConversationTurn{ProjectID: p.ID, Role: models.RoleUser, Content: content}
		require.NoError(t, store.AppendTurn(ctx, turn))
	}

	turns, err := store.ListTurns(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}
	assert.Equal(t, "third", turns[2].Content)
}

func TestSaveBlueprintDropsEmbeddedOutline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	bp := &models.Blueprint{
		Title:          "Glass Harbor",
		TotalChapters:  40,
		ChapterOutline: []byte(`[{"chapter_number":1}]`),
	}
	require.NoError(t, store.SaveBlueprint(ctx, p.ID, bp))

	got, err := store.GetBlueprint(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.TotalChapters)
	assert.False(t, got.HasEmbeddedOutline())

	require.NoError(t, store.DeleteBlueprint(ctx, p.ID))
	_, err = store.GetBlueprint(ctx, p.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestPartOutlineStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	part := &models.PartOutline{
		ProjectID:    p.ID,
		PartNumber:   1,
		Title:        "Arrival",
		KeyEvents:    []string{"storm", "letter"},
		StartChapter: 1,
		EndChapter:   25,
	}
	require.NoError(t, store.UpsertPartOutline(ctx, part))
	require.NoError(t, store.UpdatePartStatus(ctx, p.ID, 1, models.OutlineGenerating, 40))

	parts, err := store.ListPartOutlines(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, models.OutlineGenerating, parts[0].GenerationStatus)
	assert.Equal(t, 40, parts[0].Progress)
	assert.Equal(t, []string{"storm", "letter"}, parts[0].KeyEvents)

	err = store.UpdatePartStatus(ctx, p.ID, 9, models.OutlineCompleted, 100)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func seedChapter(t *testing.T, store *NovelStore, projectID string, number int, contents ...string) *models.Chapter {
	t.Helper()
	ch := &models.Chapter{ProjectID: projectID, ChapterNumber: number, CandidateSlots: len(contents)}
	for i, c := range contents {
		ch.Versions = append(ch.Versions, models.ChapterVersion{VersionIndex: i, Content: c, Style: "faithful"})
	}
	require.NoError(t, store.ReplaceChapter(context.Background(), ch))
	return ch
}

func TestReplaceChapterDiscardsPrevious(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	first := seedChapter(t, store, p.ID, 1, "a", "b", "c")
	require.NoError(t, store.SetSelectedVersion(ctx, first.ID, 2))
	require.NoError(t, store.SaveEvaluation(ctx, first.ID, &models.ChapterEvaluation{RecommendedVersion: 2}))

	seedChapter(t, store, p.ID, 1, "x")

	got, err := store.GetChapter(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, got.ID)
	require.Len(t, got.Versions, 1)
	assert.Equal(t, "x", got.Versions[0].Content)
	assert.Nil(t, got.SelectedIndex)
	assert.Nil(t, got.Evaluation)

	counts, err := store.CountArtifacts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Chapters)
	assert.Equal(t, 1, counts.Versions)
}

func TestUpsertVersionKeepsSiblings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)
	ch := seedChapter(t, store, p.ID, 1, "a", "b")
	require.NoError(t, store.SetSelectedVersion(ctx, ch.ID, 1))

	require.NoError(t, store.UpsertVersion(ctx, &models.ChapterVersion{ChapterID: ch.ID, VersionIndex: 0, Content: "a2", Style: "faithful"}))

	got, err := store.GetChapter(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.Versions[0].Content)
	assert.Equal(t, "b", got.Versions[1].Content)
	require.NotNil(t, got.SelectedIndex)
	assert.Equal(t, 1, *got.SelectedIndex)
}

func TestListUnselectedChapters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	require.NoError(t, store.UpsertChapterOutlines(ctx, p.ID, []models.ChapterOutline{
		{ChapterNumber: 1, Title: "One"},
		{ChapterNumber: 2, Title: "Two"},
		{ChapterNumber: 3, Title: "Three"},
	}))
	one := seedChapter(t, store, p.ID, 1, "a")
	seedChapter(t, store, p.ID, 2, "b")
	require.NoError(t, store.SetSelectedVersion(ctx, one.ID, 0))

	missing, err := store.ListUnselectedChapters(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, missing)
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)
	seedChapter(t, store, p.ID, 1, "a")
	seedChapter(t, store, p.ID, 2, "b")

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx *NovelTx) error {
		n, err := tx.DeleteChapters(ctx, p.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	numbers, err := store.ListChapterNumbers(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, numbers)
}

func TestCountArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, store)

	require.NoError(t, store.SaveBlueprint(ctx, p.ID, &models.Blueprint{TotalChapters: 5}))
	require.NoError(t, store.UpsertPartOutline(ctx, &models.PartOutline{ProjectID: p.ID, PartNumber: 1, StartChapter: 1, EndChapter: 5}))
	require.NoError(t, store.UpsertChapterOutlines(ctx, p.ID, []models.ChapterOutline{{ChapterNumber: 1}, {ChapterNumber: 2}}))
	seedChapter(t, store, p.ID, 1, "a", "b")

	counts, err := store.CountArtifacts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ArtifactCounts{
		PartOutlines:    1,
		ChapterOutlines: 2,
		Chapters:        1,
		Versions:        2,
		HasBlueprint:    true,
	}, counts)
}
