// Package queries turns matched fields into executable SQL and validates
// generated queries against the target dialect and schema before anything
// runs. Generation is idempotent: the same matched field and placeholder
// type always produce a byte-identical query string.
package queries

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/model"
)

// Generate builds the query for a matched field and placeholder type.
// Identifiers are double-quoted so mixed-case and reserved names survive
// both supported dialects.
func Generate(match matcher.FieldSuggestion, typ model.PlaceholderType) (string, error) {
	if match.Table == "" {
		return "", eris.New("queries: match has no table")
	}

	table := quoteIdent(match.Table)
	column := quoteIdent(match.Column)

	switch match.Aggregation {
	case matcher.AggCount:
		return fmt.Sprintf("SELECT COUNT(*) AS value FROM %s", table), nil
	case matcher.AggSum:
		return fmt.Sprintf("SELECT SUM(%s) AS value FROM %s", column, table), nil
	case matcher.AggAvg:
		return fmt.Sprintf("SELECT AVG(%s) AS value FROM %s", column, table), nil
	case matcher.AggMax:
		return fmt.Sprintf("SELECT MAX(%s) AS value FROM %s", column, table), nil
	case matcher.AggMin:
		return fmt.Sprintf("SELECT MIN(%s) AS value FROM %s", column, table), nil
	case matcher.AggTopGroup:
		return fmt.Sprintf(
			"SELECT %s AS value, COUNT(*) AS cnt FROM %s GROUP BY %s ORDER BY cnt DESC, %s ASC LIMIT 1",
			column, table, column, column), nil
	}

	// No aggregation: shape depends on the placeholder type.
	switch typ {
	case model.TypeTable:
		return fmt.Sprintf("SELECT * FROM %s LIMIT 100", table), nil
	case model.TypeChart:
		return fmt.Sprintf(
			"SELECT %s AS label, COUNT(*) AS value FROM %s GROUP BY %s ORDER BY value DESC LIMIT 20",
			column, table, column), nil
	case model.TypeDatetime:
		return fmt.Sprintf("SELECT MAX(%s) AS value FROM %s", column, table), nil
	case model.TypeStatistic:
		return fmt.Sprintf("SELECT COUNT(*) AS value FROM %s", table), nil
	default:
		if match.Column == "" {
			return fmt.Sprintf("SELECT * FROM %s LIMIT 100", table), nil
		}
		return fmt.Sprintf("SELECT %s AS value FROM %s LIMIT 1", column, table), nil
	}
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
