// Package progress tracks resolution task state. The tracker enforces the
// task state machine, keeps progress percentages monotonic, persists every
// event for polling consumers, and fans events out to live subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/store"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that stops
// draining loses events rather than blocking the pipeline; the persisted
// event log remains complete.
const subscriberBuffer = 64

type taskState struct {
	mu      sync.Mutex
	task    *model.ResolutionTask
	percent float64
	subs    map[chan model.ProgressEvent]struct{}
	cancel  context.CancelFunc
	done    bool
}

// Tracker owns the live view of running tasks and their event streams.
type Tracker struct {
	store store.Store

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewTracker creates a Tracker backed by the given store.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st, tasks: make(map[string]*taskState)}
}

// Begin registers a new task and returns a context whose cancellation is
// wired to Cancel. The task starts pending with zero progress.
func (t *Tracker) Begin(ctx context.Context, task *model.ResolutionTask) (context.Context, error) {
	task.Status = model.TaskPending
	task.Progress = 0
	task.StartedAt = time.Now().UTC()

	if err := t.store.SaveTask(ctx, task); err != nil {
		return nil, eris.Wrap(err, "progress: save task")
	}

	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.tasks[task.ID] = &taskState{
		task:   task,
		subs:   make(map[chan model.ProgressEvent]struct{}),
		cancel: cancel,
	}
	t.mu.Unlock()

	return runCtx, nil
}

// Transition moves a task to the next lifecycle stage, rejecting illegal
// jumps. The stage's floor percentage is applied if it exceeds the current.
func (t *Tracker) Transition(ctx context.Context, taskID string, next model.TaskStatus, message string) error {
	st := t.state(taskID)
	if st == nil {
		return eris.Errorf("progress: unknown task %s", taskID)
	}

	st.mu.Lock()
	if !st.task.Status.CanTransition(next) {
		cur := st.task.Status
		st.mu.Unlock()
		return eris.Errorf("progress: illegal transition %s -> %s", cur, next)
	}
	st.task.Status = next
	st.task.CurrentStep = message
	pct := stageFloor(next)
	if pct > st.percent {
		st.percent = pct
	}
	if next.Terminal() {
		st.percent = 100
		now := time.Now().UTC()
		st.task.CompletedAt = &now
		st.done = true
	}
	st.task.Progress = st.percent
	snapshot := *st.task

	// Persist and publish under the state lock: a subscriber (and the
	// persisted event log) sees transitions and steps in the order the
	// state changes were applied.
	if err := t.store.SaveTask(ctx, &snapshot); err != nil {
		st.mu.Unlock()
		return eris.Wrap(err, "progress: save task")
	}
	t.publishLocked(ctx, st, model.ProgressEvent{
		TaskID:     taskID,
		Stage:      next,
		Percentage: snapshot.Progress,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	})
	if next.Terminal() {
		t.closeSubscribersLocked(st)
	}
	st.mu.Unlock()
	return nil
}

// Step reports intra-stage progress. Percentages below the current value
// are clamped up: a consumer never observes progress going backwards.
func (t *Tracker) Step(ctx context.Context, taskID string, percentage float64, message, placeholder string) {
	st := t.state(taskID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if percentage > st.percent {
		st.percent = percentage
	}
	st.task.Progress = st.percent
	if message != "" {
		st.task.CurrentStep = message
	}
	t.publishLocked(ctx, st, model.ProgressEvent{
		TaskID:      taskID,
		Stage:       st.task.Status,
		Percentage:  st.percent,
		Message:     message,
		Placeholder: placeholder,
		Timestamp:   time.Now().UTC(),
	})
	st.mu.Unlock()
}

// RecordResult appends one per-placeholder outcome to the task.
func (t *Tracker) RecordResult(taskID string, r model.PlaceholderResult) {
	st := t.state(taskID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.task.Results = append(st.task.Results, r)
	if !r.Success {
		st.task.HasErrors = true
	}
	st.mu.Unlock()
}

// Finish closes a task into a terminal state, attaching the assembled
// content and quality summary on completion or the failure detail otherwise.
func (t *Tracker) Finish(ctx context.Context, taskID string, status model.TaskStatus, finalContent string, quality *model.QualitySummary, errDetail string) error {
	st := t.state(taskID)
	if st == nil {
		return eris.Errorf("progress: unknown task %s", taskID)
	}

	st.mu.Lock()
	st.task.FinalContent = finalContent
	st.task.Quality = quality
	st.task.ErrorDetails = errDetail
	st.mu.Unlock()

	msg := "report assembled"
	switch status {
	case model.TaskFailed:
		msg = "task failed"
	case model.TaskCancelled:
		msg = "task cancelled"
	}
	return t.Transition(ctx, taskID, status, msg)
}

// Cancel requests cooperative cancellation. The running step finishes; the
// orchestrator observes the context and stops before the next step.
func (t *Tracker) Cancel(taskID string) bool {
	st := t.state(taskID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	terminal := st.task.Status.Terminal()
	cancel := st.cancel
	st.mu.Unlock()
	if terminal || cancel == nil {
		return false
	}
	zap.L().Info("progress: cancellation requested", zap.String("task_id", taskID))
	cancel()
	return true
}

// Subscribe returns a live event channel for a task plus an unsubscribe
// function. A nil channel means the task is unknown or already terminal;
// such consumers should poll the persisted events instead.
func (t *Tracker) Subscribe(taskID string) (<-chan model.ProgressEvent, func()) {
	st := t.state(taskID)
	if st == nil {
		return nil, func() {}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return nil, func() {}
	}

	ch := make(chan model.ProgressEvent, subscriberBuffer)
	st.subs[ch] = struct{}{}

	return ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if _, ok := st.subs[ch]; ok {
			delete(st.subs, ch)
			close(ch)
		}
	}
}

// Snapshot returns the current task state, consulting the store for tasks
// the tracker no longer holds in memory.
func (t *Tracker) Snapshot(ctx context.Context, taskID string) (*model.ResolutionTask, error) {
	if st := t.state(taskID); st != nil {
		st.mu.Lock()
		snapshot := *st.task
		st.mu.Unlock()
		return &snapshot, nil
	}
	return t.store.GetTask(ctx, taskID)
}

// Events returns persisted events after the given sequence, for pollers.
func (t *Tracker) Events(ctx context.Context, taskID string, afterSeq int64) ([]model.ProgressEvent, int64, error) {
	return t.store.ListEvents(ctx, taskID, afterSeq)
}

// Release drops a terminal task from memory. Snapshot and Events keep
// working through the store.
func (t *Tracker) Release(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.tasks[taskID]; ok {
		st.mu.Lock()
		terminal := st.done
		st.mu.Unlock()
		if terminal {
			delete(t.tasks, taskID)
		}
	}
}

func (t *Tracker) state(taskID string) *taskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasks[taskID]
}

// publishLocked appends the event and fans it out. The caller holds st.mu,
// so the persisted sequence and the order seen on subscriber channels both
// match the order the state changes were applied.
func (t *Tracker) publishLocked(ctx context.Context, st *taskState, e model.ProgressEvent) {
	if err := t.store.AppendEvent(ctx, e); err != nil {
		zap.L().Warn("progress: append event failed", zap.String("task_id", e.TaskID), zap.Error(err))
	}
	for ch := range st.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than stall the task.
		}
	}
}

func (t *Tracker) closeSubscribersLocked(st *taskState) {
	for ch := range st.subs {
		close(ch)
		delete(st.subs, ch)
	}
}

// stageFloor maps a lifecycle stage to the minimum percentage shown when
// entering it.
func stageFloor(s model.TaskStatus) float64 {
	switch s {
	case model.TaskInitializing:
		return 5
	case model.TaskAnalyzing:
		return 10
	case model.TaskExecuting:
		return 40
	case model.TaskAssembling:
		return 90
	case model.TaskCompleted, model.TaskFailed, model.TaskCancelled:
		return 100
	default:
		return 0
	}
}
