// Package dispatch implements the single long-lived polling loop that
// claims idempotent dispatch slots and drives READY->DOING and
// REVIEW->APPROVAL transitions.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/governance"
	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/log"
	"github.com/cuemby/govcp/internal/metrics"
	"github.com/cuemby/govcp/internal/policy"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/rs/zerolog"
)

// DefaultPeriod is the default tick interval, overridable via GOV_POLL_INTERVAL.
const DefaultPeriod = 10 * time.Second

// WorkQueue dispatches a claimed job onto a group's FIFO queue. The Go
// analogue of the reference's per-group worker queue: a bounded channel per
// group, drained by a single goroutine so jobs for one group never run out
// of order.
type WorkQueue interface {
	Enqueue(group string, job func())
}

// GateRouting resolves the approver group for a task's gate.
type GateRouting = policy.GateRouting

// Loop is the dispatch loop.
type Loop struct {
	store   storage.Store
	core    *governance.Core
	broker  *events.Broker
	queue   WorkQueue
	routing GateRouting
	strict  bool
	period  time.Duration

	logger   zerolog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
	lastTick time.Time

	// WorkerGroup resolves which worker currently serves a group, honoring
	// the WIP ceiling; it returns ok=false if no worker is available (the
	// task stays READY and is retried next tick — this is the only
	// backpressure channel to workers).
	ResolveWorker func(group string) (workerID string, ok bool)

	// RunJob performs the actual worker job for a claimed dispatch and
	// returns its terminal outcome.
	RunJob func(task *types.GovTask, d *types.GovDispatch) error

	// JobTimeout bounds one worker job; zero means no bound. A timed-out
	// job marks its dispatch FAILED, never blocks the group queue forever.
	JobTimeout time.Duration
}

func New(store storage.Store, core *governance.Core, broker *events.Broker, queue WorkQueue, routing GateRouting, strict bool, period time.Duration) *Loop {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Loop{
		store:   store,
		core:    core,
		broker:  broker,
		queue:   queue,
		routing: routing,
		strict:  strict,
		period:  period,
		logger:  log.WithComponent("dispatch"),
		stopCh:  make(chan struct{}),
	}
}

func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			if err := l.Tick(time.Now()); err != nil {
				l.logger.Error().Err(err).Msg("dispatch tick failed")
			}
			timer.ObserveDuration(metrics.DispatchLatency)
		case <-l.stopCh:
			return
		}
	}
}

// Tick runs exactly one pass: READY->DOING dispatch, then REVIEW->APPROVAL
// dispatch.
func (l *Loop) Tick(now time.Time) error {
	l.mu.Lock()
	l.lastTick = now
	l.mu.Unlock()

	if err := l.dispatchReadyToDoing(now); err != nil {
		return err
	}
	if err := l.dispatchReviewToApproval(now); err != nil {
		return err
	}
	l.updateTaskGauges()
	return nil
}

func (l *Loop) updateTaskGauges() {
	tasks, err := l.store.ListTasks()
	if err != nil {
		return
	}
	counts := map[types.TaskState]int{}
	for _, t := range tasks {
		counts[t.State]++
	}
	for _, state := range []types.TaskState{
		types.TaskInbox, types.TaskTriaged, types.TaskReady, types.TaskDoing,
		types.TaskReview, types.TaskApproval, types.TaskDone, types.TaskBlocked,
	} {
		metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// LastTick returns the timestamp of the most recently completed tick, for
// readiness reporting. Zero means no tick has run yet.
func (l *Loop) LastTick() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTick
}

func (l *Loop) dispatchReadyToDoing(now time.Time) error {
	tasks, err := l.core.ListGovTasksByState(types.TaskReady)
	if err != nil {
		return fmt.Errorf("listing ready tasks: %w", err)
	}

	for _, task := range tasks {
		if task.AssignedGroup == "" {
			continue
		}
		l.attemptDispatch(task, types.TaskReady, types.TaskDoing, task.AssignedGroup, now)
	}
	return nil
}

func (l *Loop) dispatchReviewToApproval(now time.Time) error {
	tasks, err := l.core.ListGovTasksByState(types.TaskReview)
	if err != nil {
		return fmt.Errorf("listing review tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Gate == types.GateNone {
			continue
		}
		approverGroup := l.routing[task.Gate]
		if approverGroup == "" {
			continue
		}
		l.attemptDispatch(task, types.TaskReview, types.TaskApproval, approverGroup, now)
	}
	return nil
}

// attemptDispatch runs the shared claim-validate-transition-enqueue
// protocol for one task and one transition edge. A worker must be
// available before any dispatch slot is claimed: the task's version (and
// therefore its dispatch_key) never changes while it sits READY, so
// claiming the slot first would permanently FAIL that exact key and strand
// the task — a full worker must instead leave the task untouched so it is
// retried next tick; this is the only backpressure channel to workers.
func (l *Loop) attemptDispatch(task *types.GovTask, from, to types.TaskState, targetGroup string, now time.Time) {
	workerID, ok := l.resolveWorker(targetGroup)
	if !ok {
		return // no worker available this tick: skip, retry next tick
	}

	key := fmt.Sprintf("%s:%s->%s:v%d", task.ID, from, to, task.Version)

	dispatch, created, err := l.core.TryCreateDispatch(&types.GovDispatch{
		DispatchKey: key,
		TaskID:      task.ID,
		From:        from,
		To:          to,
		GroupJID:    targetGroup,
		WorkerID:    workerID,
		Status:      types.DispatchEnqueued,
	}, now)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("creating dispatch slot")
		return
	}
	if !created {
		return // already claimed this tick or a prior one: idempotent skip
	}

	result := policy.ValidateTransition(from, to, task, l.strict)
	if !result.OK {
		_ = l.core.UpdateDispatchStatus(dispatch, types.DispatchFailed, fmt.Sprintf("%v", result.Errors), now)
		metrics.DispatchAttemptsTotal.WithLabelValues(string(from)+"->"+string(to), "policy_denied").Inc()
		return
	}

	_, transitioned, err := l.core.UpdateGovTaskPatch(task.ID, task.Version, func(t *types.GovTask) {
		t.State = to
	}, now)
	if err != nil {
		l.logger.Error().Err(err).Str("task_id", task.ID).Msg("updating task state")
		return
	}
	if !transitioned {
		_ = l.core.UpdateDispatchStatus(dispatch, types.DispatchFailed, "version conflict", now)
		metrics.DispatchAttemptsTotal.WithLabelValues(string(from)+"->"+string(to), "version_conflict").Inc()
		return
	}

	_ = l.core.LogGovActivity(&types.GovActivity{
		ID:        idgen.New(),
		TaskID:    task.ID,
		Action:    types.ActivityTransition,
		FromState: from,
		ToState:   to,
		Actor:     "system",
	}, now)

	l.broker.Publish(&events.Event{
		ID:      idgen.New(),
		Type:    events.EventDispatchLifecycle,
		Message: fmt.Sprintf("%s %s->%s enqueued", task.ID, from, to),
	})

	l.enqueueJob(task, dispatch, now)
}

func (l *Loop) runWithTimeout(task *types.GovTask, d *types.GovDispatch) error {
	if l.RunJob == nil {
		return nil
	}
	if l.JobTimeout <= 0 {
		return l.RunJob(task, d)
	}
	done := make(chan error, 1)
	go func() { done <- l.RunJob(task, d) }()
	select {
	case err := <-done:
		return err
	case <-time.After(l.JobTimeout):
		return fmt.Errorf("worker job timed out after %s", l.JobTimeout)
	}
}

// Recover re-enqueues ENQUEUED dispatch rows left behind by a previous
// process, provided the target worker is still known. The UNIQUE dispatch
// key already claimed the slot, so re-running the job cannot double-send;
// STARTED rows are left for the worker's completion callback to resolve.
func (l *Loop) Recover(now time.Time) error {
	rows, err := l.store.ListDispatchesByState(types.DispatchEnqueued)
	if err != nil {
		return fmt.Errorf("listing enqueued dispatches: %w", err)
	}
	for _, d := range rows {
		task, err := l.core.GetGovTaskByID(d.TaskID)
		if err != nil {
			l.logger.Warn().Str("task_id", d.TaskID).Str("key", d.DispatchKey).Msg("enqueued dispatch for missing task")
			continue
		}
		if _, ok := l.resolveWorker(d.GroupJID); !ok {
			continue // worker gone; leave the row for manual resolution
		}
		l.logger.Info().Str("key", d.DispatchKey).Msg("re-enqueueing dispatch after restart")
		l.enqueueJob(task, d, now)
	}
	return nil
}

func (l *Loop) resolveWorker(group string) (string, bool) {
	if l.ResolveWorker == nil {
		return "", false
	}
	return l.ResolveWorker(group)
}

// enqueueJob hands the claimed dispatch to the target group's work queue.
// The closure flips the dispatch to STARTED, runs the job, then flips it to
// DONE or FAILED — it never blocks indefinitely: every claimed dispatch
// reaches a terminal status or an explicit timeout.
func (l *Loop) enqueueJob(task *types.GovTask, dispatch *types.GovDispatch, now time.Time) {
	l.queue.Enqueue(dispatch.GroupJID, func() {
		started := time.Now()
		_ = l.core.UpdateDispatchStatus(dispatch, types.DispatchStarted, "", started)

		runErr := l.runWithTimeout(task, dispatch)

		finished := time.Now()
		if runErr != nil {
			_ = l.core.UpdateDispatchStatus(dispatch, types.DispatchFailed, runErr.Error(), finished)
			metrics.DispatchAttemptsTotal.WithLabelValues(string(dispatch.From)+"->"+string(dispatch.To), "failed").Inc()
			return
		}
		_ = l.core.UpdateDispatchStatus(dispatch, types.DispatchDone, "", finished)
		metrics.DispatchAttemptsTotal.WithLabelValues(string(dispatch.From)+"->"+string(dispatch.To), "done").Inc()
	})
}
