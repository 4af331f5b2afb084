package matcher

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/quillreport/quill/internal/model"
)

var foldCaser = cases.Fold()

// normalizeTerm NFKC-normalizes and case-folds a term so descriptions in
// mixed scripts (including CJK) compare consistently against schema names.
func normalizeTerm(s string) string {
	return foldCaser.String(norm.NFKC.String(s))
}

// synonyms maps common description words onto schema vocabulary. Matching a
// synonym scores slightly below an exact token match.
var synonyms = map[string][]string{
	"total":      {"count", "sum", "amount"},
	"number":     {"count"},
	"amount":     {"sum", "total", "value"},
	"average":    {"avg", "mean"},
	"region":     {"area", "district", "zone", "location"},
	"区域":         {"region", "area", "district"},
	"数量":         {"count", "total"},
	"date":       {"created_at", "time", "day"},
	"complaints": {"complaint"},
	"customers":  {"customer"},
	"orders":     {"order"},
}

// tokenizeDescription splits a normalized description into match terms,
// splitting snake/kebab identifiers and dropping stop words.
func tokenizeDescription(desc string) []string {
	desc = normalizeTerm(desc)
	fields := strings.FieldsFunc(desc, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '.' || r == ',' || r == ':'
	})

	var out []string
	for _, f := range fields {
		if stopWords[f] || intentWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "of": true, "a": true, "an": true, "in": true, "for": true,
	"by": true, "per": true, "all": true, "each": true, "and": true,
}

// intentWords express the aggregation, not the field, so they are excluded
// from similarity scoring. inferAggregation reads them from the raw
// description instead.
var intentWords = map[string]bool{
	"total": true, "top": true, "most": true, "highest": true, "lowest": true,
	"average": true, "avg": true, "mean": true, "sum": true, "count": true,
	"number": true, "max": true, "min": true, "maximum": true, "minimum": true,
}

// termSimilarity scores how well a description term matches one identifier
// token. Exact match 1.0, prefix/containment scaled by overlap, synonym hit
// 0.8 of the synonym's own similarity.
func termSimilarity(term, ident string) float64 {
	if term == ident {
		return 1.0
	}
	if strings.HasPrefix(ident, term) || strings.HasPrefix(term, ident) {
		shorter, longer := term, ident
		if len(shorter) > len(longer) {
			shorter, longer = longer, shorter
		}
		return 0.9 * float64(len(shorter)) / float64(len(longer))
	}
	if strings.Contains(ident, term) || strings.Contains(term, ident) {
		shorter, longer := term, ident
		if len(shorter) > len(longer) {
			shorter, longer = longer, shorter
		}
		return 0.7 * float64(len(shorter)) / float64(len(longer))
	}
	for _, syn := range synonyms[term] {
		if s := termSimilarity(normalizeTerm(syn), ident) * 0.8; s > 0 {
			return s
		}
	}
	return 0
}

// identTokens splits a schema identifier into comparable tokens.
func identTokens(name string) []string {
	return tokenizeDescription(name)
}

// scoreColumn computes the deterministic similarity between the description
// terms and one (table, column) pair, including a type-affinity bonus for
// the placeholder type.
func scoreColumn(terms []string, table model.TableSchema, col model.ColumnSchema, typ model.PlaceholderType) float64 {
	if len(terms) == 0 {
		return 0
	}

	idents := append(identTokens(col.Name), identTokens(table.Name)...)
	if col.Comment != "" {
		idents = append(idents, identTokens(col.Comment)...)
	}

	var sum float64
	for _, term := range terms {
		best := 0.0
		for _, ident := range idents {
			if s := termSimilarity(term, ident); s > best {
				best = s
			}
		}
		sum += best
	}
	score := sum / float64(len(terms))

	// Type affinity: statistics want numeric or countable columns,
	// datetime placeholders want temporal ones.
	switch typ {
	case model.TypeStatistic, model.TypeChart:
		if col.IsNumeric() {
			score = clamp(score + 0.1)
		}
	case model.TypeDatetime:
		if col.IsTemporal() {
			score = clamp(score + 0.15)
		} else {
			score *= 0.7
		}
	}

	return score
}

func clamp(f float64) float64 {
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// inferAggregation derives the aggregation intent from description terms
// and the column type.
func inferAggregation(desc string, typ model.PlaceholderType, col model.ColumnSchema) Aggregation {
	d := normalizeTerm(desc)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(d, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("top", "most", "highest", "leading", "排名", "最多"):
		if !col.IsNumeric() {
			return AggTopGroup
		}
		return AggMax
	case has("average", "avg", "mean", "平均"):
		return AggAvg
	case has("sum", "amount"):
		if col.IsNumeric() {
			return AggSum
		}
		return AggCount
	case has("total", "count", "number", "数量", "总"):
		if col.IsNumeric() && !has("count", "number") {
			return AggSum
		}
		return AggCount
	case has("minimum", "lowest", "min"):
		return AggMin
	case has("maximum", "max"):
		return AggMax
	}

	if typ == model.TypeStatistic {
		if col.IsNumeric() {
			return AggSum
		}
		return AggCount
	}
	return AggNone
}

// rankSchema produces the deterministic suggestion ranking for a token
// against a schema. Ties break by shorter column name, then lexical order,
// so results are stable for testing.
func rankSchema(token model.PlaceholderToken, schema model.SourceSchema, max int) []FieldSuggestion {
	terms := tokenizeDescription(token.Description)

	var out []FieldSuggestion
	for _, table := range schema.Tables {
		for _, col := range table.Columns {
			score := scoreColumn(terms, table, col, token.Type)
			if score <= 0 {
				continue
			}
			out = append(out, FieldSuggestion{
				Table:       table.Name,
				Column:      col.Name,
				Aggregation: inferAggregation(token.Description, token.Type, col),
				Score:       score,
				Reason:      "schema similarity",
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if len(out[i].Column) != len(out[j].Column) {
			return len(out[i].Column) < len(out[j].Column)
		}
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		return out[i].Table < out[j].Table
	})

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
