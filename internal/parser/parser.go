// Package parser extracts typed placeholder tokens from raw template text.
// Parsing is a pure function of its input: the same template always yields
// the same token sequence, and a malformed placeholder becomes an error
// token instead of failing the parse.
package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/quillreport/quill/internal/model"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"

	// contextWindow bounds the surrounding-text capture on each side.
	contextWindow = 60
)

// Parse scans templateText and returns every placeholder token in document
// order. Non-placeholder text is skipped; byte offsets and bounded context
// windows are always populated for downstream disambiguation.
func Parse(templateText string) []model.PlaceholderToken {
	var tokens []model.PlaceholderToken

	pos := 0
	for {
		rel := strings.Index(templateText[pos:], openDelim)
		if rel < 0 {
			break
		}
		start := pos + rel

		endRel := strings.Index(templateText[start+len(openDelim):], closeDelim)
		if endRel < 0 {
			// Unclosed placeholder: emit an error token spanning to the end
			// of the line and resume after the open delimiter.
			raw := templateText[start:]
			if nl := strings.IndexByte(raw, '\n'); nl >= 0 {
				raw = raw[:nl]
			}
			tokens = append(tokens, errorToken(templateText, raw, start, "unclosed placeholder delimiter"))
			pos = start + len(openDelim)
			continue
		}

		end := start + len(openDelim) + endRel + len(closeDelim)
		raw := templateText[start:end]
		inner := strings.TrimSpace(templateText[start+len(openDelim) : end-len(closeDelim)])

		tok := classify(raw, inner, start, end)
		tok.ContextBefore = tailWindow(templateText[:start])
		tok.ContextAfter = headWindow(templateText[end:])
		tokens = append(tokens, tok)

		pos = end
	}

	return tokens
}

// classify splits the inner text into a type head and description. An inner
// text without a recognized head is a free-text placeholder; only an empty
// body is malformed.
func classify(raw, inner string, start, end int) model.PlaceholderToken {
	if inner == "" {
		return model.PlaceholderToken{
			RawText:    raw,
			Type:       model.TypeError,
			Position:   start,
			End:        end,
			Diagnostic: "empty placeholder body",
		}
	}

	tok := model.PlaceholderToken{
		RawText:  raw,
		Position: start,
		End:      end,
	}

	head, rest, found := strings.Cut(inner, ":")
	if found {
		typ := model.PlaceholderType(strings.ToLower(strings.TrimSpace(head)))
		desc := strings.TrimSpace(rest)
		if model.IsKnownType(typ) {
			if desc == "" {
				tok.Type = model.TypeError
				tok.Diagnostic = "typed placeholder has no description"
				return tok
			}
			tok.Type = typ
			tok.Description = normalize(desc)
			return tok
		}
	}

	// No recognized type head: the whole body is a free-text description.
	tok.Type = model.TypeText
	tok.Description = normalize(inner)
	return tok
}

func errorToken(template, raw string, start int, diagnostic string) model.PlaceholderToken {
	tok := model.PlaceholderToken{
		RawText:    raw,
		Type:       model.TypeError,
		Position:   start,
		End:        start + len(raw),
		Diagnostic: diagnostic,
	}
	tok.ContextBefore = tailWindow(template[:start])
	if rest := template[start+len(raw):]; rest != "" {
		tok.ContextAfter = headWindow(rest)
	}
	return tok
}

// normalize collapses internal whitespace in a description.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tailWindow returns the last contextWindow bytes of s, aligned to a rune
// boundary so multi-byte text is never split.
func tailWindow(s string) string {
	if len(s) <= contextWindow {
		return s
	}
	cut := len(s) - contextWindow
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// headWindow returns the first contextWindow bytes of s, rune-aligned.
func headWindow(s string) string {
	if len(s) <= contextWindow {
		return s
	}
	cut := contextWindow
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TypeDistribution counts tokens by type, used by the analyze surface.
func TypeDistribution(tokens []model.PlaceholderToken) map[model.PlaceholderType]int {
	dist := make(map[model.PlaceholderType]int)
	for _, t := range tokens {
		dist[t.Type]++
	}
	return dist
}
