package model

import "time"

// TaskStatus is the lifecycle state of a resolution task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInitializing TaskStatus = "initializing"
	TaskAnalyzing    TaskStatus = "analyzing"
	TaskExecuting    TaskStatus = "executing"
	TaskAssembling   TaskStatus = "assembling"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskOrder maps each status to its position in the forward progression.
// Terminal states share the highest rank so any of them can close a task.
var taskOrder = map[TaskStatus]int{
	TaskPending:      0,
	TaskInitializing: 1,
	TaskAnalyzing:    2,
	TaskExecuting:    3,
	TaskAssembling:   4,
	TaskCompleted:    5,
	TaskFailed:       5,
	TaskCancelled:    5,
}

// CanTransition reports whether moving from s to next is a legal step.
// Cancellation is reachable from any non-terminal state.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskCancelled || next == TaskFailed {
		return true
	}
	return taskOrder[next] > taskOrder[s]
}

// PlaceholderResult is the per-placeholder outcome recorded on a task.
type PlaceholderResult struct {
	PlaceholderName string          `json:"placeholder_name"`
	Type            PlaceholderType `json:"type"`
	Success         bool            `json:"success"`
	Content         string          `json:"content,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Confidence      float64         `json:"confidence"`
	FromCache       bool            `json:"from_cache"`
	DurationMs      int64           `json:"duration_ms"`
}

// ResolutionTask is the run-state for one report-generation request.
type ResolutionTask struct {
	ID           string              `json:"id"`
	TemplateID   string              `json:"template_id"`
	DataSourceID string              `json:"data_source_id"`
	Status       TaskStatus          `json:"status"`
	CurrentStep  string              `json:"current_step"`
	Progress     float64             `json:"progress_percentage"`
	Results      []PlaceholderResult `json:"per_placeholder_results"`
	HasErrors    bool                `json:"has_errors"`
	ErrorDetails string              `json:"error_details,omitempty"`
	FinalContent string              `json:"final_content,omitempty"`
	Quality      *QualitySummary     `json:"quality_summary,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// ProgressEvent is one step-level progress notification for a task. Events
// are persisted for polling and pushed to stream subscribers; percentage is
// monotonically non-decreasing within a task.
type ProgressEvent struct {
	TaskID      string     `json:"task_id"`
	Stage       TaskStatus `json:"stage"`
	Percentage  float64    `json:"percentage"`
	Message     string     `json:"message"`
	Placeholder string     `json:"placeholder,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// QualitySummary aggregates resolution quality for an assembled report.
type QualitySummary struct {
	TotalPlaceholders int     `json:"total_placeholders"`
	ResolvedCount     int     `json:"resolved_count"`
	FailedCount       int     `json:"failed_count"`
	AverageConfidence float64 `json:"average_confidence"`
}
