package engine

import (
	"fmt"
	"strings"

	"github.com/quillreport/quill/internal/model"
)

// FormatResult renders a query result into the processed value and the
// formatted text substituted into the report, shaped by placeholder type.
func FormatResult(typ model.PlaceholderType, r model.QueryResult) (processed, formatted string) {
	if !r.OK {
		return "", ""
	}

	switch typ {
	case model.TypeTable:
		text := markdownTable(r)
		return text, text
	case model.TypeChart:
		text := chartLines(r)
		return text, text
	default:
		v := r.Scalar()
		if v == nil {
			return "", ""
		}
		processed = formatScalar(v)
		return processed, processed
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%.2f", x)
	case float32:
		return formatScalar(float64(x))
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// markdownTable renders rows as a GitHub-style table.
func markdownTable(r model.QueryResult) string {
	if len(r.Columns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(r.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(r.Columns)) + "\n")
	for _, row := range r.Rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = formatScalar(c)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// chartLines renders label/value pairs one per line, the shape chart
// renderers downstream consume.
func chartLines(r model.QueryResult) string {
	var b strings.Builder
	for i, row := range r.Rows {
		if len(row) < 2 {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", formatScalar(row[0]), formatScalar(row[1]))
	}
	return b.String()
}
