package model

// PlaceholderType classifies what kind of content a placeholder resolves to.
type PlaceholderType string

const (
	TypeStatistic PlaceholderType = "statistic"
	TypeChart     PlaceholderType = "chart"
	TypeTable     PlaceholderType = "table"
	TypeAnalysis  PlaceholderType = "analysis"
	TypeDatetime  PlaceholderType = "datetime"
	TypeTitle     PlaceholderType = "title"
	TypeSummary   PlaceholderType = "summary"
	TypeAuthor    PlaceholderType = "author"
	TypeVariable  PlaceholderType = "variable"
	TypeText      PlaceholderType = "text"

	// TypeError marks a malformed or unrecognized placeholder. Error tokens
	// flow through the pipeline as data so one bad placeholder never aborts
	// a whole template.
	TypeError PlaceholderType = "error"
)

// KnownTypes lists every placeholder type the parser recognizes.
var KnownTypes = []PlaceholderType{
	TypeStatistic, TypeChart, TypeTable, TypeAnalysis, TypeDatetime,
	TypeTitle, TypeSummary, TypeAuthor, TypeVariable, TypeText,
}

// IsKnownType reports whether t is one of the built-in placeholder types.
func IsKnownType(t PlaceholderType) bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// PlaceholderToken is a single placeholder span extracted from template text.
// Tokens are immutable once parsed and live only for the current resolution
// run unless promoted to a PlaceholderConfig.
type PlaceholderToken struct {
	RawText       string          `json:"raw_text"`
	Type          PlaceholderType `json:"type"`
	Description   string          `json:"description"`
	Position      int             `json:"position"`
	End           int             `json:"end"`
	ContextBefore string          `json:"context_before"`
	ContextAfter  string          `json:"context_after"`

	// Diagnostic is set only on error tokens.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// IsError reports whether the token failed to parse.
func (t PlaceholderToken) IsError() bool {
	return t.Type == TypeError
}
