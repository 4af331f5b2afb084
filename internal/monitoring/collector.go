// Package monitoring gathers operational metrics for the resolution
// pipeline and raises webhook alerts when task failure rates or cache
// behavior cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quillreport/quill/internal/engine"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Task metrics (within lookback window).
	TaskTotal      int     `json:"task_total"`
	TaskCompleted  int     `json:"task_completed"`
	TaskFailed     int     `json:"task_failed"`
	TaskCancelled  int     `json:"task_cancelled"`
	TaskRunning    int     `json:"task_running"`
	TaskFailRate   float64 `json:"task_fail_rate"`
	AvgDurationMs  int64   `json:"avg_duration_ms"`
	AvgConfidence  float64 `json:"avg_confidence"`
	PartialReports int     `json:"partial_reports"`

	// Cache metrics (process lifetime).
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	QueryExecutions int64   `json:"query_executions"`
	QueryFailures   int64   `json:"query_failures"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the task store and the execution engine.
type Collector struct {
	store  store.Store
	engine *engine.Engine
}

// NewCollector creates a metrics collector. engine may be nil when only
// task metrics are wanted.
func NewCollector(st store.Store, eng *engine.Engine) *Collector {
	return &Collector{store: st, engine: eng}
}

// Collect gathers a snapshot of system metrics over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	tasks, err := c.store.ListTasks(ctx, store.TaskFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tasks")
	}

	snap.TaskTotal = len(tasks)
	var totalDuration time.Duration
	var finishedWithDuration int
	var confidenceSum float64
	var confidenceCount int

	for _, t := range tasks {
		switch t.Status {
		case model.TaskCompleted:
			snap.TaskCompleted++
		case model.TaskFailed:
			snap.TaskFailed++
		case model.TaskCancelled:
			snap.TaskCancelled++
		default:
			snap.TaskRunning++
		}
		if t.CompletedAt != nil {
			totalDuration += t.CompletedAt.Sub(t.StartedAt)
			finishedWithDuration++
		}
		if t.Quality != nil {
			if t.Quality.FailedCount > 0 && t.Quality.ResolvedCount > 0 {
				snap.PartialReports++
			}
			if t.Quality.ResolvedCount > 0 {
				confidenceSum += t.Quality.AverageConfidence
				confidenceCount++
			}
		}
	}

	finished := snap.TaskCompleted + snap.TaskFailed
	if finished > 0 {
		snap.TaskFailRate = float64(snap.TaskFailed) / float64(finished)
	}
	if finishedWithDuration > 0 {
		snap.AvgDurationMs = (totalDuration / time.Duration(finishedWithDuration)).Milliseconds()
	}
	if confidenceCount > 0 {
		snap.AvgConfidence = confidenceSum / float64(confidenceCount)
	}

	if c.engine != nil {
		stats := c.engine.Stats()
		snap.CacheHits = stats.Hits
		snap.CacheMisses = stats.Misses
		snap.CacheHitRate = stats.HitRate()
		snap.QueryExecutions = stats.Executions
		snap.QueryFailures = stats.Failures
	}

	return snap, nil
}
