package model

import "time"

// QueryResult is the tagged outcome of a data source query. Exactly one of
// the two arms is meaningful: a success carries rows and columns, a failure
// carries a message. Keeping the variant explicit makes partial-failure
// handling exhaustive.
type QueryResult struct {
	OK      bool       `json:"ok"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]any    `json:"rows,omitempty"`
	Message string     `json:"message,omitempty"`
}

// SuccessResult builds the success arm.
func SuccessResult(columns []string, rows [][]any) QueryResult {
	return QueryResult{OK: true, Columns: columns, Rows: rows}
}

// FailureResult builds the failure arm.
func FailureResult(message string) QueryResult {
	return QueryResult{OK: false, Message: message}
}

// RowCount returns the number of rows, 0 for failures.
func (r QueryResult) RowCount() int {
	return len(r.Rows)
}

// Scalar returns the first cell of the first row, or nil when the result has
// no rows. Statistic placeholders resolve to this.
func (r QueryResult) Scalar() any {
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return nil
	}
	return r.Rows[0][0]
}

// PlaceholderValue is one execution outcome for a placeholder, keyed by
// (placeholder, data source, query hash). Values are superseded by the next
// execution rather than mutated, and evicted once ExpiresAt passes or on
// explicit invalidation.
type PlaceholderValue struct {
	ID              string      `json:"id"`
	PlaceholderID   string      `json:"placeholder_id"`
	DataSourceID    string      `json:"data_source_id"`
	QueryHash       string      `json:"query_hash"`
	RawResult       QueryResult `json:"raw_result"`
	ProcessedValue  string      `json:"processed_value"`
	FormattedText   string      `json:"formatted_text"`
	ExecutedQuery   string      `json:"executed_query"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	RowCount        int         `json:"row_count"`
	Success         bool        `json:"success"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	HitCount        int         `json:"hit_count"`
	LastHitAt       *time.Time  `json:"last_hit_at,omitempty"`
	FromCache       bool        `json:"from_cache"`
}

// Expired reports whether the value is past its TTL at the given instant.
func (v PlaceholderValue) Expired(now time.Time) bool {
	return !v.ExpiresAt.After(now)
}
