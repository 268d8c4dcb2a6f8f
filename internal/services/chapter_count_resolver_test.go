package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Corphon/StoryLoom/internal/models"
)

func userTurn(content string) models.ConversationTurn {
	return models.ConversationTurn{Role: models.RoleUser, Content: content}
}

func assistantTurn(content string) models.ConversationTurn {
	return models.ConversationTurn{Role: models.RoleAssistant, Content: content}
}

func TestResolveChapterCountEmptyHistory(t *testing.T) {
	assert.Equal(t, 30, ResolveChapterCount(nil, nil))
	assert.Equal(t, 30, ResolveChapterCount([]models.ConversationTurn{}, &models.Blueprint{}))
}

func TestResolveChapterCountFromUserText(t *testing.T) {
	history := []models.ConversationTurn{
		userTurn("A detective story set in a floating city."),
		assistantTurn("Sounds great. Who is the detective?"),
		userTurn("I want roughly 120 chapters"),
	}
	assert.Equal(t, 120, ResolveChapterCount(history, &models.Blueprint{}))
}

func TestResolveChapterCountIgnoresTurnHeuristicWhenNumberPresent(t *testing.T) {
	var history []models.ConversationTurn
	for i := 0; i < 12; i++ {
		history = append(history, userTurn(fmt.Sprintf("idea %d", i)))
	}
	assert.Equal(t, 150, ResolveChapterCount(history, nil))

	history[3] = userTurn("I want roughly 120 chapters")
	assert.Equal(t, 120, ResolveChapterCount(history, nil))
}

func TestResolveChapterCountHeuristicCountsUserTurns(t *testing.T) {
	conversation := func(users int) []models.ConversationTurn {
		var h []models.ConversationTurn
		for i := 0; i < users; i++ {
			h = append(h, userTurn(fmt.Sprintf("idea %d", i)), assistantTurn("go on"))
		}
		return h
	}
	// 5 user turns plus 5 replies is still five exchanged turns
	assert.Equal(t, 30, ResolveChapterCount(conversation(5), nil))
	assert.Equal(t, 80, ResolveChapterCount(conversation(6), nil))
	assert.Equal(t, 80, ResolveChapterCount(conversation(10), nil))
	assert.Equal(t, 150, ResolveChapterCount(conversation(11), nil))
}

func TestResolveChapterCountPrecedence(t *testing.T) {
	history := []models.ConversationTurn{
		userTurn("make it 40 chapters"),
		assistantTurn("```json\n{\"summary\":\"ok\",\"plan\":{\"chapter_count\":64}}\n```"),
	}

	assert.Equal(t, 64, ResolveChapterCount(history, nil), "structured turn beats user text")
	assert.Equal(t, 12, ResolveChapterCount(history, &models.Blueprint{TotalChapters: 12}), "draft value wins")
	assert.Equal(t, 64, ResolveChapterCount(history, &models.Blueprint{TotalChapters: 3}), "out of range draft value is ignored")
}

func TestResolveChapterCountInvalidStructuredValueStopsSearch(t *testing.T) {
	history := []models.ConversationTurn{
		assistantTurn(`{"chapter_count": 90}`),
		userTurn("maybe 25 chapters"),
		assistantTurn(`{"chapter_count": "lots"}`),
	}
	assert.Equal(t, 25, ResolveChapterCount(history, nil))
}

func TestResolveChapterCountSkipsOrdinals(t *testing.T) {
	history := []models.ConversationTurn{
		userTurn("第5章要有反转，全书大约200章"),
	}
	assert.Equal(t, 200, ResolveChapterCount(history, nil))
}

func TestResolveChapterCountReadsWholeNumbers(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"I want about 1,200 chapters", 1200},
		{"chapters: 2,500, split into parts", 2500},
		{"chapters: 80, with a prologue", 80},
		{"大约1,000章", 1000},
		// 超出范围的整数不截取尾部数字，交给启发式
		{"I want 110000 chapters", defaultChapterCount},
		{"12,50 chapters", defaultChapterCount},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			history := []models.ConversationTurn{userTurn(tc.text)}
			assert.Equal(t, tc.want, ResolveChapterCount(history, nil))
		})
	}
}

func TestResolveChapterCountAlwaysInRange(t *testing.T) {
	histories := [][]models.ConversationTurn{
		{userTurn("3 chapters")},
		{userTurn("99999 chapters")},
		{assistantTurn(`{"chapter_count": 0}`)},
		{assistantTurn("not json {")},
	}
	for _, h := range histories {
		n := ResolveChapterCount(h, nil)
		assert.True(t, models.ValidChapterCount(n), "got %d", n)
	}
}
