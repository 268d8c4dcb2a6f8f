// internal/services/chapter_count_resolver.go
package services

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Corphon/StoryLoom/internal/models"
)

const defaultChapterCount = 30

// 数字前不能紧跟数字或逗号，"1,200" 整体读取
const chapterNumber = `(\d{1,3}(?:,\d{3})+|\d+)`

var chapterCountPatterns = []*regexp.Regexp{
	// "200 chapters", "about 1,200 chapters", "120章", "120 个章节"
	regexp.MustCompile(`(?i)(?:^|[^\d,])` + chapterNumber + `\s*(?:个|多个)?\s*(?:chapters?\b|章)`),
	// "chapters: 80", "章节数：80"
	regexp.MustCompile(`(?i)(?:chapters?|章节数?)\s*[:：=]\s*` + chapterNumber),
}

// ResolveChapterCount picks a target chapter count for a project. It never
// fails: an explicit draft value wins, then the latest structured turn, then
// numbers mentioned by the user, then a length heuristic.
func ResolveChapterCount(history []models.ConversationTurn, draft *models.Blueprint) int {
	if draft != nil && models.ValidChapterCount(draft.TotalChapters) {
		return draft.TotalChapters
	}
	if n, ok := chapterCountFromStructuredTurns(history); ok {
		return n
	}
	if n, ok := chapterCountFromUserText(history); ok {
		return n
	}
	return chapterCountHeuristic(history)
}

func chapterCountFromStructuredTurns(history []models.ConversationTurn) (int, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role == models.RoleUser || !strings.ContainsAny(turn.Content, "{") {
			continue
		}
		var body map[string]interface{}
		if err := ParseModelJSON(turn.Content, &body); err != nil {
			continue
		}
		raw, found := lookupChapterCount(body)
		if !found {
			continue
		}
		// 最近一条携带该字段的结构化回合是权威来源，取值非法时不再向前回溯
		if n, ok := asChapterCount(raw); ok {
			return n, true
		}
		return 0, false
	}
	return 0, false
}

// lookupChapterCount checks the top level, then one level of nested objects
// in key order so the result is stable.
func lookupChapterCount(body map[string]interface{}) (interface{}, bool) {
	if v, ok := body["chapter_count"]; ok {
		return v, true
	}
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		nested, ok := body[k].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := nested["chapter_count"]; ok {
			return v, true
		}
	}
	return nil, false
}

func asChapterCount(v interface{}) (int, bool) {
	var n int
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || val > math.MaxInt32 || val < math.MinInt32 {
			return 0, false
		}
		n = int(val)
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, false
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, models.ValidChapterCount(n)
}

type numberMatch struct {
	pos   int
	value int
}

func chapterCountFromUserText(history []models.ConversationTurn) (int, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role != models.RoleUser {
			continue
		}
		var matches []numberMatch
		for _, re := range chapterCountPatterns {
			for _, m := range re.FindAllStringSubmatchIndex(turn.Content, -1) {
				// "第5章" is an ordinal, not a count
				if strings.HasSuffix(turn.Content[:m[2]], "第") {
					continue
				}
				n, err := strconv.Atoi(strings.ReplaceAll(turn.Content[m[2]:m[3]], ",", ""))
				if err != nil {
					continue
				}
				matches = append(matches, numberMatch{pos: m[0], value: n})
			}
		}
		sort.SliceStable(matches, func(a, b int) bool { return matches[a].pos < matches[b].pos })
		for _, m := range matches {
			if models.ValidChapterCount(m.value) {
				return m.value, true
			}
		}
	}
	return 0, false
}

func chapterCountHeuristic(history []models.ConversationTurn) int {
	userTurns := 0
	for _, turn := range history {
		if turn.Role == models.RoleUser {
			userTurns++
		}
	}
	switch {
	case userTurns <= 5:
		return defaultChapterCount
	case userTurns <= 10:
		return 80
	default:
		return 150
	}
}
