package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/ratelimit"
)

// DefaultPollInterval is the pause between status rounds
const DefaultPollInterval = 20 * time.Second

// DefaultMaxConcurrentChecks bounds status queries within one round
const DefaultMaxConcurrentChecks = 8

// Report describes a task that reached a terminal state
type Report struct {
	TaskID         string
	State          TaskState
	ElapsedMinutes int
	ErrorMessage   string
	Task           *ExportTask
}

func (r Report) String() string {
	state := string(r.State)
	if r.State == StateFailed {
		state = fmt.Sprintf("(%s, %s)", r.State, r.ErrorMessage)
	}
	return fmt.Sprintf("Task %s finished in %d min with state: %s", r.TaskID, r.ElapsedMinutes, state)
}

// Err returns a *RemoteJobFailure for failed tasks and nil otherwise
func (r Report) Err() error {
	if r.State != StateFailed {
		return nil
	}
	return &RemoteJobFailure{TaskID: r.TaskID, ElapsedMinutes: r.ElapsedMinutes, Message: r.ErrorMessage}
}

// Waiter polls exports until every one of them is terminal
type Waiter struct {
	backend       Backend
	PollInterval  time.Duration
	MaxConcurrent int64

	retry    *ratelimit.Handler
	store    *Store
	metrics  MetricsRecorder
	progress ProgressSink
	log      logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
	onReport func(Report)

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWaiter creates a waiter. retry governs transient status-check failures;
// nil uses ratelimit.DefaultRetryStrategy.
func NewWaiter(backend Backend, retry *ratelimit.Handler, opts ...Option) *Waiter {
	o := buildOptions(opts)
	log := o.log.With(logging.String("component", "export"))
	if retry == nil {
		retry = ratelimit.NewHandler(nil, log)
	}
	return &Waiter{
		backend:       backend,
		PollInterval:  DefaultPollInterval,
		MaxConcurrent: DefaultMaxConcurrentChecks,
		retry:         retry,
		store:         o.store,
		metrics:       o.metrics,
		progress:      o.progress,
		log:           log,
		tracer:        otel.Tracer(tracerName),
		now:           o.now,
		onReport:      o.onReport,
		sleep:         sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type checkResult struct {
	op      *Operation
	err     error
	skipped bool // backing off or cancelled
	cached  bool // already terminal, no remote call made
}

// Wait polls tasks until all are terminal and returns one report per task, in
// the order tasks became terminal (ties keep input order). Tasks that are
// already terminal are reported in the first round without a remote call.
// Only ctx cancellation makes Wait return early.
func (w *Waiter) Wait(ctx context.Context, tasks []*ExportTask) ([]Report, error) {
	remaining := make([]*ExportTask, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t == nil || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		remaining = append(remaining, t)
	}

	w.progress.Start(len(remaining))
	defer w.progress.Close()

	reports := make([]Report, 0, len(remaining))
	for round := 0; len(remaining) > 0; round++ {
		results := w.checkRound(ctx, round, remaining)

		next := remaining[:0:0]
		for i, task := range remaining {
			report, done := w.handleResult(ctx, task, results[i])
			if !done {
				next = append(next, task)
				continue
			}
			reports = append(reports, report)
			w.progress.Done(report)
			if w.onReport != nil {
				w.onReport(report)
			}
		}
		remaining = next
		w.metrics.SetActiveTasks(len(remaining))

		if len(remaining) == 0 {
			break
		}
		if err := w.sleep(ctx, w.PollInterval); err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// checkRound queries every task that is not backing off, at most
// MaxConcurrent at a time. results[i] belongs to tasks[i].
func (w *Waiter) checkRound(ctx context.Context, round int, tasks []*ExportTask) []checkResult {
	ctx, span := w.tracer.Start(ctx, "export.PollRound", trace.WithAttributes(
		attribute.Int("export.round", round),
		attribute.Int("export.active", len(tasks)),
	))
	defer span.End()

	results := make([]checkResult, len(tasks))
	limit := w.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	done := make(chan struct{}, len(tasks))
	started := 0

	for i, task := range tasks {
		if task.State.IsTerminal() {
			results[i] = checkResult{op: &Operation{Name: task.Operation, State: task.State, ErrorMessage: task.Error}, cached: true}
			continue
		}
		if !w.retry.Ready(task.ID) {
			results[i] = checkResult{skipped: true}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = checkResult{skipped: true}
			continue
		}
		started++
		go func(i int, task *ExportTask) {
			defer sem.Release(1)
			op, err := w.backend.GetOperation(ctx, task.Operation)
			results[i] = checkResult{op: op, err: err}
			done <- struct{}{}
		}(i, task)
	}
	for ; started > 0; started-- {
		<-done
	}
	return results
}

// handleResult updates task from one check and reports whether it is finished
func (w *Waiter) handleResult(ctx context.Context, task *ExportTask, res checkResult) (Report, bool) {
	if res.skipped {
		return Report{}, false
	}
	if res.err == nil && res.op == nil {
		res.err = fmt.Errorf("operation %s returned no status", task.Operation)
	}

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
			return Report{}, false
		}
		if IsTransient(res.err) {
			w.metrics.StatusCheck("transient")
			ev := w.retry.Record(task.ID, transientStatus(res.err))
			if !ev.Exhausted {
				w.log.Warn(ctx, "status check failed; will retry",
					logging.String("task_id", task.ID), logging.Int("attempt", ev.RetryAttempt), logging.Err(res.err))
				return Report{}, false
			}
			w.log.Error(ctx, "status check retries exhausted", logging.String("task_id", task.ID), logging.Err(res.err))
		} else {
			w.metrics.StatusCheck("error")
			w.log.Error(ctx, "status check failed", logging.String("task_id", task.ID), logging.Err(res.err))
		}
		w.retry.Clear(task.ID)
		task.MarkFailed(res.err, w.now())
		w.persist(ctx, task)
		report := Report{TaskID: task.ID, State: StateFailed, ErrorMessage: res.err.Error(), Task: task}
		w.metrics.ExportFinished(string(StateFailed), 0)
		return report, true
	}

	if !res.cached {
		w.metrics.StatusCheck("ok")
		w.retry.Clear(task.ID)
	}

	op := res.op
	changed := task.State != op.State
	task.Apply(op)
	if changed {
		w.persist(ctx, task)
	}
	if !op.State.IsTerminal() {
		return Report{}, false
	}

	elapsed := op.Elapsed()
	report := Report{
		TaskID:         task.ID,
		State:          op.State,
		ElapsedMinutes: int(elapsed / time.Minute),
		Task:           task,
	}
	if op.State == StateFailed {
		report.ErrorMessage = op.ErrorMessage
	}
	w.metrics.ExportFinished(string(op.State), elapsed)
	w.log.Info(ctx, "export finished",
		logging.String("task_id", task.ID),
		logging.String("state", string(op.State)),
		logging.Int("elapsed_min", report.ElapsedMinutes),
	)
	return report, true
}

func (w *Waiter) persist(ctx context.Context, task *ExportTask) {
	if w.store == nil {
		return
	}
	if err := w.store.Update(task); err != nil {
		w.log.Warn(ctx, "failed to persist task", logging.String("task_id", task.ID), logging.Err(err))
	}
}
