// internal/services/prompts.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
)

const blueprintSystemPrompt = `You are a novel architect. From the conversation with the author, produce the
structural blueprint of the novel as a single JSON object with the keys:
title, target_audience, genre, style, tone, one_sentence_summary, full_synopsis,
world_setting (object), characters (array of {name, identity, personality, goals, abilities}),
relationships (array of {character_from, character_to, description}),
total_chapters (integer), chapter_outline (always an empty array).
Do not write chapter outlines; they are produced in a later step.`

const partOutlineSystemPrompt = `You split a long novel into parts. Return one JSON object:
{"parts": [{"part_number": int, "title": str, "summary": str, "theme": str,
"key_events": [str], "start_chapter": int, "end_chapter": int}]}.
Use exactly the chapter ranges you are given.`

const chapterOutlineSystemPrompt = `You write chapter outlines for a novel. Return one JSON object:
{"chapters": [{"chapter_number": int, "title": str, "summary": str}]}
covering exactly the requested chapter numbers, in order.`

const chapterSystemPrompt = `You are a novelist writing one chapter of a book. Stay consistent with the
blueprint, the earlier chapters and the chapter outline. Return one JSON object:
{"title": str, "content": str} where content is the full chapter prose.`

const evaluationSystemPrompt = `You are an editor comparing candidate drafts of the same chapter. Return one
JSON object: {"recommended_version": int, "summary": str,
"versions": [{"version_index": int, "pros": [str], "cons": [str]}]}.
recommended_version must be one of the version indexes you were given.`

// conversationMessages maps stored turns to model messages.
func conversationMessages(turns []models.ConversationTurn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		switch t.Role {
		case models.RoleAssistant:
			role = llm.RoleAssistant
		case models.RoleSystem:
			role = llm.RoleSystem
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// blueprintDigest is the compact blueprint text shared by downstream prompts.
func blueprintDigest(bp *models.Blueprint) string {
	if bp == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nGenre: %s\nStyle: %s\nTone: %s\n", bp.Title, bp.Genre, bp.Style, bp.Tone)
	if bp.OneSentenceSummary != "" {
		fmt.Fprintf(&b, "Premise: %s\n", bp.OneSentenceSummary)
	}
	if bp.FullSynopsis != "" {
		fmt.Fprintf(&b, "Synopsis: %s\n", bp.FullSynopsis)
	}
	if len(bp.WorldSetting) > 0 {
		if world, err := json.Marshal(bp.WorldSetting); err == nil {
			fmt.Fprintf(&b, "World: %s\n", world)
		}
	}
	for _, c := range bp.Characters {
		fmt.Fprintf(&b, "Character %s: %s; %s; goals: %s\n", c.Name, c.Identity, c.Personality, c.Goals)
	}
	for _, r := range bp.Relationships {
		fmt.Fprintf(&b, "Relationship %s -> %s: %s\n", r.From, r.To, r.Description)
	}
	fmt.Fprintf(&b, "Total chapters: %d\n", bp.TotalChapters)
	return b.String()
}

// chapterContext is built once per chapter and shared by every candidate.
type chapterContext struct {
	Blueprint *models.Blueprint
	Outline   models.ChapterOutline
	Part      *models.PartOutline
	Snippets  []models.ContextSnippet
	PriorTail string
}

func (cc chapterContext) render() string {
	var b strings.Builder
	b.WriteString("## Blueprint\n")
	b.WriteString(blueprintDigest(cc.Blueprint))
	if cc.Part != nil {
		fmt.Fprintf(&b, "\n## Part %d: %s\n%s\n", cc.Part.PartNumber, cc.Part.Title, cc.Part.Summary)
	}
	if len(cc.Snippets) > 0 {
		b.WriteString("\n## Relevant earlier chapters\n")
		for _, s := range cc.Snippets {
			fmt.Fprintf(&b, "- Chapter %d %s: %s\n", s.ChapterNumber, s.Title, s.Summary)
		}
	}
	if cc.PriorTail != "" {
		b.WriteString("\n## End of the previous chapter\n")
		b.WriteString(cc.PriorTail)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n## Chapter %d outline\nTitle: %s\nSummary: %s\n",
		cc.Outline.ChapterNumber, cc.Outline.Title, cc.Outline.Summary)
	return b.String()
}

func chapterMessages(shared string, preset config.StylePreset, refinement, previousDraft string) []llm.Message {
	var b strings.Builder
	b.WriteString(shared)
	fmt.Fprintf(&b, "\n## Style: %s\n%s\n", preset.Name, preset.Instruction)
	if previousDraft != "" {
		b.WriteString("\n## Previous draft of this version\n")
		b.WriteString(previousDraft)
		b.WriteString("\n")
	}
	if refinement != "" {
		b.WriteString("\n## Revision instruction\n")
		b.WriteString(refinement)
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the chapter now.")
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func evaluationMessages(outline *models.ChapterOutline, versions []models.ChapterVersion) []llm.Message {
	var b strings.Builder
	if outline != nil {
		fmt.Fprintf(&b, "Chapter %d outline: %s. %s\n\n", outline.ChapterNumber, outline.Title, outline.Summary)
	}
	for _, v := range versions {
		fmt.Fprintf(&b, "### Version %d (style %s)\n%s\n\n", v.VersionIndex, v.Style, v.Content)
	}
	b.WriteString("Compare the versions and recommend one.")
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func partOutlineMessages(bp *models.Blueprint, ranges [][2]int) []llm.Message {
	var b strings.Builder
	b.WriteString(blueprintDigest(bp))
	b.WriteString("\nParts to outline:\n")
	for i, r := range ranges {
		fmt.Fprintf(&b, "- part %d: chapters %d-%d\n", i+1, r[0], r[1])
	}
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func chapterOutlineMessages(bp *models.Blueprint, part *models.PartOutline, previous []models.ChapterOutline, from, to int) []llm.Message {
	var b strings.Builder
	b.WriteString(blueprintDigest(bp))
	if part != nil {
		fmt.Fprintf(&b, "\nThis batch belongs to part %d \"%s\": %s\nKey events: %s\n",
			part.PartNumber, part.Title, part.Summary, strings.Join(part.KeyEvents, "; "))
	}
	if len(previous) > 0 {
		b.WriteString("\nPreceding chapter outlines:\n")
		start := len(previous) - 5
		if start < 0 {
			start = 0
		}
		for _, o := range previous[start:] {
			fmt.Fprintf(&b, "- %d. %s: %s\n", o.ChapterNumber, o.Title, o.Summary)
		}
	}
	fmt.Fprintf(&b, "\nWrite outlines for chapters %d to %d.", from, to)
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

// tailRunes returns the last n runes of s.
func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
