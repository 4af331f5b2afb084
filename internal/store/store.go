// Package store persists the two records the core owns — placeholder
// configs and placeholder values — plus resolution task snapshots and
// progress events. All other persistence belongs to excluded collaborators.
package store

import (
	"context"
	"time"

	"github.com/quillreport/quill/internal/model"
)

// TaskFilter specifies criteria for listing resolution tasks.
type TaskFilter struct {
	Status       model.TaskStatus `json:"status,omitempty"`
	TemplateID   string           `json:"template_id,omitempty"`
	CreatedAfter time.Time        `json:"created_after,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the resolution pipeline.
//
// Placeholder values are append-only: each execution inserts a new row and
// the previous one is superseded, never mutated. The same table therefore
// serves both as the durable cache tier and as execution history.
type Store interface {
	// Placeholder configs
	UpsertConfig(ctx context.Context, cfg *model.PlaceholderConfig) error
	GetConfig(ctx context.Context, id string) (*model.PlaceholderConfig, error)
	GetConfigBySignature(ctx context.Context, templateID, signature string) (*model.PlaceholderConfig, error)
	ListConfigs(ctx context.Context, templateID string) ([]model.PlaceholderConfig, error)
	DeactivateConfig(ctx context.Context, id string) error

	// Placeholder values / execution history
	GetValue(ctx context.Context, placeholderID, dataSourceID, queryHash string) (*model.PlaceholderValue, error)
	PutValue(ctx context.Context, v *model.PlaceholderValue) error
	RecordHit(ctx context.Context, valueID string, at time.Time) error
	ListExecutions(ctx context.Context, placeholderID string, limit int) ([]model.PlaceholderValue, error)
	InvalidateValues(ctx context.Context, placeholderID, dataSourceID string) (int, error)
	DeleteExpiredValues(ctx context.Context) (int, error)

	// Resolution tasks
	SaveTask(ctx context.Context, t *model.ResolutionTask) error
	GetTask(ctx context.Context, taskID string) (*model.ResolutionTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResolutionTask, error)

	// Progress events (persisted for polling consumers)
	AppendEvent(ctx context.Context, e model.ProgressEvent) error
	ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]model.ProgressEvent, int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
