// Package matcher maps a placeholder's natural-language intent onto a
// concrete field or aggregation of a data source schema. Deterministic
// schema similarity always runs; an AI completion is layered on top to
// disambiguate free-text descriptions and is treated as a fallible
// dependency — on timeout or a malformed reply the matcher degrades to the
// best deterministic candidate with reduced confidence.
package matcher

// Aggregation is the operation the query generator applies to the matched
// column.
type Aggregation string

const (
	AggNone    Aggregation = ""
	AggCount   Aggregation = "count"
	AggSum     Aggregation = "sum"
	AggAvg     Aggregation = "avg"
	AggMax     Aggregation = "max"
	AggMin     Aggregation = "min"
	// AggTopGroup groups by the column and returns the most frequent value.
	AggTopGroup Aggregation = "top_group"
)

// FieldSuggestion is one ranked candidate binding.
type FieldSuggestion struct {
	Table       string      `json:"table"`
	Column      string      `json:"column"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	Score       float64     `json:"score"`
	Reason      string      `json:"reason,omitempty"`
}

// Options tunes one match call.
type Options struct {
	ConfidenceThreshold float64
	MaxSuggestions      int
}

// Result is the outcome of matching one placeholder.
type Result struct {
	Suggestions   []FieldSuggestion `json:"field_suggestions"`
	BestMatch     *FieldSuggestion  `json:"best_match,omitempty"`
	Confidence    float64           `json:"confidence_score"`
	Understanding string            `json:"understanding_summary"`
	AgentUsed     bool              `json:"agent_used"`
	Degraded      bool              `json:"degraded"`
}

// Resolved reports whether the best match clears the threshold.
func (r Result) Resolved(threshold float64) bool {
	return r.BestMatch != nil && r.Confidence >= threshold
}
