package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreport/quill/internal/assembler"
	"github.com/quillreport/quill/internal/config"
	"github.com/quillreport/quill/internal/engine"
	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/progress"
	"github.com/quillreport/quill/internal/source"
	"github.com/quillreport/quill/internal/store"
)

type fixture struct {
	orch  *Orchestrator
	store *store.SQLiteStore
	src   *source.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	src := source.NewFake("default", model.SourceSchema{
		DataSourceID: "default",
		Dialect:      "sqlite",
		Tables: []model.TableSchema{
			{Name: "orders", Columns: []model.ColumnSchema{
				{Name: "id", DataType: "integer"},
				{Name: "amount", DataType: "real"},
				{Name: "region", DataType: "text"},
			}},
		},
	})
	src.DefaultResult = model.SuccessResult([]string{"value"}, [][]any{{int64(9000)}})

	matcherCfg := config.MatcherConfig{
		ConfidenceThreshold: 0.5,
		MaxSuggestions:      5,
		SchemaWeight:        0.55,
		AIWeight:            0.45,
		DegradedFactor:      0.85,
	}
	m := matcher.New(matcherCfg, config.AnthropicConfig{}, nil)

	eng := engine.New(st, config.EngineConfig{MaxRetries: 1})
	t.Cleanup(eng.Close)

	orch := New(st, m, eng, progress.NewTracker(st), assembler.New(""),
		config.OrchestratorConfig{MaxWorkers: 2, StepTimeoutMs: 5000}, matcherCfg)
	return &fixture{orch: orch, store: st, src: src}
}

func (f *fixture) start(t *testing.T, template string) *model.ResolutionTask {
	t.Helper()
	task, err := f.orch.StartGeneration(context.Background(), Request{
		TemplateID:   "tpl-1",
		TemplateText: template,
		Source:       f.src,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	return task
}

func (f *fixture) waitTerminal(t *testing.T, taskID string) *model.ResolutionTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.orch.Tracker().Snapshot(context.Background(), taskID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestGeneration_EndToEnd(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, "Total revenue: {{statistic: total order amount}}.")

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, "Total revenue: 9000.", snap.FinalContent)
	assert.False(t, snap.HasErrors)

	require.NotNil(t, snap.Quality)
	assert.Equal(t, 1, snap.Quality.ResolvedCount)
	assert.Zero(t, snap.Quality.FailedCount)

	require.Len(t, snap.Results, 1)
	assert.True(t, snap.Results[0].Success)
	assert.Equal(t, "9000", snap.Results[0].Content)

	// The resolved config was persisted, validated, and versioned against
	// the schema fingerprint.
	sig := model.ConfigSignature("tpl-1", model.TypeStatistic, "total order amount")
	cfg, err := f.store.GetConfigBySignature(context.Background(), "tpl-1", sig)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.QueryValidated)
	assert.Equal(t, f.src.SourceSchema.Fingerprint(), cfg.SchemaVersion)
	assert.Equal(t, "orders", cfg.TargetTable)
}

func TestGeneration_PartialFailureCompletesWithMarker(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, "Good: {{statistic: total order amount}} Bad: {{statistic: xyzzy frobnicator}}")

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, snap.Status)
	assert.True(t, snap.HasErrors)
	assert.Contains(t, snap.FinalContent, "9000")
	assert.Contains(t, snap.FinalContent, "[unresolved: xyzzy frobnicator]")
	assert.NotContains(t, snap.FinalContent, "{{")

	assert.Equal(t, 1, snap.Quality.ResolvedCount)
	assert.Equal(t, 1, snap.Quality.FailedCount)

	require.Len(t, snap.Results, 2)
	var failed *model.PlaceholderResult
	for i := range snap.Results {
		if !snap.Results[i].Success {
			failed = &snap.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "match_low_confidence", failed.ErrorKind)
}

func TestGeneration_AllFailedFailsTask(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, "{{statistic: xyzzy}} and {{statistic: frobnicator}}")

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskFailed, snap.Status)
	assert.Equal(t, "no placeholder resolved", snap.ErrorDetails)
	assert.Equal(t, 100.0, snap.Progress)
}

func TestGeneration_UnreachableSourceIsFatal(t *testing.T) {
	f := newFixture(t)
	f.src.MakeUnreachable()
	task := f.start(t, "{{statistic: total order amount}}")

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskFailed, snap.Status)
	assert.Contains(t, snap.ErrorDetails, "source down")
	assert.Empty(t, snap.Results)
}

func TestGeneration_NoPlaceholders(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, "A report with no placeholders at all.")

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, snap.Status)
	assert.Equal(t, "A report with no placeholders at all.", snap.FinalContent)
	assert.Zero(t, snap.Quality.TotalPlaceholders)
}

func TestGeneration_ReusesValidatedConfigAndCache(t *testing.T) {
	f := newFixture(t)
	template := "Total: {{statistic: total order amount}}"

	first := f.start(t, template)
	f.waitTerminal(t, first.ID)

	second := f.start(t, template)
	snap := f.waitTerminal(t, second.ID)
	assert.Equal(t, model.TaskCompleted, snap.Status)

	// One persisted config, one query execution: the second run reused the
	// validated config and was served from cache.
	configs, err := f.store.ListConfigs(context.Background(), "tpl-1")
	require.NoError(t, err)
	assert.Len(t, configs, 1)
	assert.Equal(t, int64(1), f.src.Executions())
	require.Len(t, snap.Results, 1)
	assert.True(t, snap.Results[0].FromCache)
}

func TestGeneration_CancellationFinishesInFlightStep(t *testing.T) {
	f := newFixture(t)
	f.src.ExecuteDelay = make(chan struct{})
	task := f.start(t, "{{statistic: total order amount}}")

	// Wait until the query is actually in flight.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.orch.Tracker().Snapshot(context.Background(), task.ID)
		require.NoError(t, err)
		if snap.Status == model.TaskExecuting {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, f.orch.Tracker().Cancel(task.ID))
	close(f.src.ExecuteDelay)

	snap := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCancelled, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)

	// The in-flight execution ran to completion and its value was recorded
	// for the next run to reuse.
	sig := model.ConfigSignature("tpl-1", model.TypeStatistic, "total order amount")
	cfg, err := f.store.GetConfigBySignature(context.Background(), "tpl-1", sig)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	history, err := f.store.ListExecutions(context.Background(), cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestWaves_PartitionByExecutionOrder(t *testing.T) {
	mk := func(order int) *plan {
		return &plan{cfg: &model.PlaceholderConfig{ExecutionOrder: order}}
	}
	plans := []*plan{mk(1), mk(0), {token: model.PlaceholderToken{}}, mk(0), mk(2)}

	got := waves(plans)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 2)
	assert.Equal(t, 0, got[0][0].cfg.ExecutionOrder)
	assert.Equal(t, 1, got[1][0].cfg.ExecutionOrder)
	assert.Equal(t, 2, got[2][0].cfg.ExecutionOrder)
}
