// Package assembler substitutes resolved placeholder values back into the
// template and produces the final report. Assembly is total: every token
// is replaced — failures by a readable marker — so no raw placeholder
// syntax survives into the output.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quillreport/quill/internal/model"
)

// defaultFailureMarker is used when no marker format is configured. The
// single %s receives the placeholder description.
const defaultFailureMarker = "[unresolved: %s]"

// Resolution pairs a parsed token with its execution outcome. Value is nil
// when resolution failed before any query ran (parse error, low-confidence
// match, validation failure); Err then carries the reason.
type Resolution struct {
	Token      model.PlaceholderToken
	Value      *model.PlaceholderValue
	Confidence float64
	Err        string
}

// Report is an assembled document plus its quality accounting.
type Report struct {
	Content string
	Quality model.QualitySummary
}

// Assembler renders reports.
type Assembler struct {
	failureMarker string
}

// New creates an Assembler. markerFormat must contain one %s verb; an
// empty format falls back to the default.
func New(markerFormat string) *Assembler {
	if markerFormat == "" || !strings.Contains(markerFormat, "%s") {
		markerFormat = defaultFailureMarker
	}
	return &Assembler{failureMarker: markerFormat}
}

// Assemble substitutes each token span in templateText with its resolved
// content or a failure marker. Substitution works on the original byte
// offsets, so text outside the tokens is preserved verbatim and assembling
// the same inputs twice yields identical output.
func (a *Assembler) Assemble(templateText string, resolutions []Resolution) Report {
	ordered := make([]Resolution, len(resolutions))
	copy(ordered, resolutions)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Token.Position < ordered[j].Token.Position
	})

	var b strings.Builder
	b.Grow(len(templateText))

	quality := model.QualitySummary{TotalPlaceholders: len(ordered)}
	var confidenceSum float64

	pos := 0
	for _, r := range ordered {
		tok := r.Token
		if tok.Position < pos || tok.End > len(templateText) {
			// Overlapping or out-of-range token; skip rather than corrupt
			// the surrounding text.
			continue
		}
		b.WriteString(templateText[pos:tok.Position])

		if content, ok := a.content(r); ok {
			b.WriteString(content)
			quality.ResolvedCount++
			confidenceSum += r.Confidence
		} else {
			b.WriteString(a.marker(tok))
			quality.FailedCount++
		}
		pos = tok.End
	}
	b.WriteString(templateText[pos:])

	if quality.ResolvedCount > 0 {
		quality.AverageConfidence = confidenceSum / float64(quality.ResolvedCount)
	}

	return Report{Content: b.String(), Quality: quality}
}

// content returns the substitution text for a successful resolution. An
// execution that succeeded but produced no text still counts as resolved:
// an empty result set is a valid answer.
func (a *Assembler) content(r Resolution) (string, bool) {
	if r.Token.IsError() || r.Err != "" || r.Value == nil || !r.Value.Success {
		return "", false
	}
	if r.Value.FormattedText != "" {
		return r.Value.FormattedText, true
	}
	return r.Value.ProcessedValue, true
}

// marker renders the failure marker for a token. The description reads
// better than raw syntax; error tokens fall back to their raw text.
func (a *Assembler) marker(tok model.PlaceholderToken) string {
	label := tok.Description
	if label == "" {
		label = strings.Trim(tok.RawText, "{} ")
	}
	if label == "" {
		label = "placeholder"
	}
	return fmt.Sprintf(a.failureMarker, label)
}
