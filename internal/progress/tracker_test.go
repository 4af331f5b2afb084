package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/store"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return NewTracker(st)
}

func beginTask(t *testing.T, tr *Tracker, id string) context.Context {
	t.Helper()
	ctx, err := tr.Begin(context.Background(), &model.ResolutionTask{ID: id, TemplateID: "tpl-1"})
	require.NoError(t, err)
	return ctx
}

func TestTracker_LifecycleAndFloors(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")

	snap, err := tr.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, snap.Status)
	assert.Zero(t, snap.Progress)

	steps := []struct {
		next  model.TaskStatus
		floor float64
	}{
		{model.TaskInitializing, 5},
		{model.TaskAnalyzing, 10},
		{model.TaskExecuting, 40},
		{model.TaskAssembling, 90},
	}
	for _, s := range steps {
		require.NoError(t, tr.Transition(ctx, "task-1", s.next, string(s.next)))
		snap, err = tr.Snapshot(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, s.next, snap.Status)
		assert.Equal(t, s.floor, snap.Progress)
	}

	require.NoError(t, tr.Finish(ctx, "task-1", model.TaskCompleted, "report body", &model.QualitySummary{ResolvedCount: 1}, ""))
	snap, err = tr.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, "report body", snap.FinalContent)
	require.NotNil(t, snap.CompletedAt)
}

func TestTracker_RejectsIllegalTransition(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")

	err := tr.Transition(ctx, "task-1", model.TaskAssembling, "skip ahead")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")

	// Terminal states accept no further transitions.
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Finish(ctx, "task-1", model.TaskFailed, "", nil, "source down"))
	assert.Error(t, tr.Transition(ctx, "task-1", model.TaskAnalyzing, ""))
}

func TestTracker_StepNeverGoesBackwards(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskAnalyzing, ""))

	tr.Step(ctx, "task-1", 25, "matching", "")
	snap, _ := tr.Snapshot(ctx, "task-1")
	assert.Equal(t, 25.0, snap.Progress)

	// A lower report clamps up to the high-water mark.
	tr.Step(ctx, "task-1", 15, "matching", "")
	snap, _ = tr.Snapshot(ctx, "task-1")
	assert.Equal(t, 25.0, snap.Progress)

	// Entering the next stage lifts to its floor.
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskExecuting, ""))
	snap, _ = tr.Snapshot(ctx, "task-1")
	assert.Equal(t, 40.0, snap.Progress)
}

func TestTracker_ConcurrentStepsStayMonotonic(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskAnalyzing, ""))
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskExecuting, ""))

	ch, unsub := tr.Subscribe("task-1")
	require.NotNil(t, ch)

	// 64 events fit the subscriber buffer exactly, so none are dropped.
	const writers, perWriter = 8, 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tr.Step(ctx, "task-1", 40+float64(w*perWriter+i)*0.5, "executing", "")
			}
		}(w)
	}
	wg.Wait()
	unsub()

	last := 0.0
	n := 0
	for e := range ch {
		assert.GreaterOrEqual(t, e.Percentage, last, "subscriber saw progress go backwards")
		last = e.Percentage
		n++
	}
	assert.Equal(t, writers*perWriter, n)
	assert.Equal(t, 71.5, last)

	// The persisted event log is ordered the same way.
	events, _, err := tr.Events(ctx, "task-1", 0)
	require.NoError(t, err)
	last = 0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Percentage, last)
		last = e.Percentage
	}
}

func TestTracker_SubscribeReceivesEventsAndCloses(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")

	ch, unsub := tr.Subscribe("task-1")
	require.NotNil(t, ch)
	defer unsub()

	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, "connecting"))
	e := <-ch
	assert.Equal(t, model.TaskInitializing, e.Stage)
	assert.Equal(t, "connecting", e.Message)

	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskAnalyzing, ""))
	tr.Step(ctx, "task-1", 20, "matching fields", "{{statistic: total}}")
	<-ch
	e = <-ch
	assert.Equal(t, "{{statistic: total}}", e.Placeholder)

	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskFailed, "boom"))
	// Drain until closed; the terminal event arrives before the close.
	var last model.ProgressEvent
	for e := range ch {
		last = e
	}
	assert.Equal(t, model.TaskFailed, last.Stage)
	assert.Equal(t, 100.0, last.Percentage)
}

func TestTracker_SubscribeUnknownOrTerminal(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	ch, _ := tr.Subscribe("nope")
	assert.Nil(t, ch)

	beginTask(t, tr, "task-1")
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Finish(ctx, "task-1", model.TaskFailed, "", nil, ""))

	ch, _ = tr.Subscribe("task-1")
	assert.Nil(t, ch)
}

func TestTracker_CancelFiresContext(t *testing.T) {
	tr := newTracker(t)
	runCtx := beginTask(t, tr, "task-1")

	require.True(t, tr.Cancel("task-1"))
	select {
	case <-runCtx.Done():
	default:
		t.Fatal("run context not cancelled")
	}

	// Cancelling twice or cancelling a terminal task reports false.
	require.NoError(t, tr.Transition(context.Background(), "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Finish(context.Background(), "task-1", model.TaskCancelled, "", nil, ""))
	assert.False(t, tr.Cancel("task-1"))
}

func TestTracker_RecordResultMarksErrors(t *testing.T) {
	tr := newTracker(t)
	beginTask(t, tr, "task-1")

	tr.RecordResult("task-1", model.PlaceholderResult{PlaceholderName: "{{statistic: a}}", Success: true})
	tr.RecordResult("task-1", model.PlaceholderResult{PlaceholderName: "{{statistic: b}}", Success: false, ErrorKind: "validation_error"})

	snap, err := tr.Snapshot(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, snap.Results, 2)
	assert.True(t, snap.HasErrors)
}

func TestTracker_SnapshotFallsBackToStoreAfterRelease(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	beginTask(t, tr, "task-1")
	require.NoError(t, tr.Transition(ctx, "task-1", model.TaskInitializing, ""))
	require.NoError(t, tr.Finish(ctx, "task-1", model.TaskCompleted, "done", nil, ""))

	tr.Release("task-1")

	snap, err := tr.Snapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, snap.Status)
	assert.Equal(t, "done", snap.FinalContent)

	events, _, err := tr.Events(ctx, "task-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
