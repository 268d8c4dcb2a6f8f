// internal/services/json_sanitizer.go
package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
)

var (
	reasoningBlockPattern = regexp.MustCompile(`(?is)<think\b[^>]*>.*?</think\s*>|<thinking\b[^>]*>.*?</thinking\s*>|<reasoning\b[^>]*>.*?</reasoning\s*>`)
	// 只剩闭合标签时，之前的内容都是推理过程
	danglingReasoningClose = regexp.MustCompile(`(?is)^.*</(?:think|thinking|reasoning)\s*>`)
	fencedBlockPattern     = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")
)

// 字符串外的零宽字符直接丢弃，字符串内保持原样
var invisibleRunes = map[rune]bool{
	'\ufeff': true,
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u2060': true,
}

var quoteReplacer = strings.NewReplacer(
	"\u201c", `"`, // “
	"\u201d", `"`, // ”
	"\u201e", `"`, // „
	"\u201f", `"`, // ‟
	"\u2033", `"`, // ″
	"\uff02", `"`, // ＂
	"\u2018", "'",
	"\u2019", "'",
	"\u201a", "'",
	"\u201b", "'",
)

// 字符串外出现的全角结构符号
var structuralPunctuation = map[rune]rune{
	'：': ':',
	'，': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

// SanitizeModelJSON turns a raw completion into text that should parse as JSON.
// Stages run in a fixed order: reasoning markup, extraction, quote
// normalization, in-string escaping.
func SanitizeModelJSON(raw string) string {
	s := stripReasoning(raw)
	s = extractJSONPayload(s)
	s = quoteReplacer.Replace(s)
	return escapeInsideStrings(s)
}

func stripReasoning(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = reasoningBlockPattern.ReplaceAllString(s, "")
	s = danglingReasoningClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// extractJSONPayload uses a fenced block only when the fence opens before any
// brace or bracket; otherwise it cuts from the first opening brace or bracket
// to the last matching closer.
func extractJSONPayload(s string) string {
	if m := fencedBlockPattern.FindStringSubmatchIndex(s); m != nil {
		first := strings.IndexAny(s, "{[")
		if first < 0 || m[0] < first {
			if inner := strings.TrimSpace(s[m[2]:m[3]]); inner != "" {
				return inner
			}
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return strings.TrimSpace(s[start:])
	}
	return s[start : end+1]
}

// escapeInsideStrings walks the payload tracking string state. Raw control
// characters inside strings are escaped, and a quote inside a string closes it
// only when the next non-space character is structural.
func escapeInsideStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/16)

	inString := false
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		next := i + size

		if !inString {
			if invisibleRunes[r] {
				i = next
				continue
			}
			if r == '"' {
				inString = true
			} else if repl, ok := structuralPunctuation[r]; ok {
				r = repl
			}
			b.WriteRune(r)
			i = next
			continue
		}

		switch {
		case r == '\\':
			if n := validEscapeLen(s[next:]); n > 0 {
				b.WriteString(s[i : next+n])
				i = next + n
				continue
			}
			b.WriteString(`\\`)
		case r == '"':
			if quoteTerminates(s[next:]) {
				inString = false
				b.WriteByte('"')
			} else {
				b.WriteString(`\"`)
			}
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
		i = next
	}
	return b.String()
}

// validEscapeLen returns how many bytes after a backslash form a legal JSON
// escape, or 0 when the backslash itself must be escaped.
func validEscapeLen(rest string) int {
	if rest == "" {
		return 0
	}
	switch rest[0] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return 1
	case 'u':
		if len(rest) < 5 {
			return 0
		}
		for _, c := range rest[1:5] {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return 0
			}
		}
		return 5
	}
	return 0
}

func quoteTerminates(rest string) bool {
	trimmed := strings.TrimLeftFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n' || invisibleRunes[r]
	})
	if trimmed == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(trimmed)
	if repl, ok := structuralPunctuation[r]; ok {
		r = repl
	}
	switch r {
	case '}', ']', ',', ':':
		return true
	}
	return false
}

// ParseModelJSON sanitizes raw and decodes it into out. Failures carry the
// untouched raw payload.
func ParseModelJSON(raw string, out interface{}) error {
	cleaned := SanitizeModelJSON(raw)
	if cleaned == "" {
		return apperrors.NewMalformedOutputError(raw, fmt.Errorf("empty payload after sanitizing"))
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return apperrors.NewMalformedOutputError(raw, err)
	}
	return nil
}
