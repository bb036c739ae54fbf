// Package runner drives a workflow to completion against a backend: it
// dispatches ready tasks, waits for them to resolve, and periodically
// reports progress until no work remains.
package runner

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryce-turner/jetstream/internal/backend"
	"github.com/bryce-turner/jetstream/internal/metrics"
	"github.com/bryce-turner/jetstream/internal/task"
	"github.com/bryce-turner/jetstream/internal/workflow"
)

// Config tunes a Runner's behavior.
type Config struct {
	// LoggingInterval is how often a workflow status summary is logged
	// while tasks are in flight. Zero or negative selects the default of
	// 3s.
	LoggingInterval time.Duration
	// PollInterval is how long the dispatch loop sleeps when the
	// iterator has outstanding pending tasks but nothing currently
	// ready, before checking again.
	PollInterval time.Duration
	// StatePath, if non-empty, is where the workflow is saved each time
	// the status logger ticks, so a crashed run can be resumed.
	StatePath string
}

func (c Config) withDefaults() Config {
	if c.LoggingInterval <= 0 {
		c.LoggingInterval = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Runner drives wf to completion against be, the Go analogue of the
// original asyncio event loop: a goroutine dispatches ready tasks, the
// backend's own coroutines run concurrently, and a status logger reports
// progress, all coordinated through an errgroup tied to ctx.
type Runner struct {
	wf  *workflow.Workflow
	be  backend.Backend
	cfg Config
	m   *metrics.Registry

	backendLabel string
}

// New returns a Runner for wf against be. backendLabel is used purely for
// metric label values (e.g. "local", "slurm").
func New(wf *workflow.Workflow, be backend.Backend, backendLabel string, cfg Config, m *metrics.Registry) *Runner {
	return &Runner{
		wf:           wf,
		be:           be,
		cfg:          cfg.withDefaults(),
		m:            m,
		backendLabel: backendLabel,
	}
}

// Run dispatches every task in the workflow, waits for the backend's
// coroutines and the dispatch loop to finish, and returns a process exit
// code: 0 if every task completed successfully, 1 otherwise. Run returns
// an error only when a backend coroutine fails. A Spawn error fails that
// task with returncode -1 and dispatch continues; like ordinary task
// failures, it is reflected in the exit code, not a returned error.
func (r *Runner) Run(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	for _, coroutine := range r.be.Coroutines(gctx) {
		coroutine := coroutine
		g.Go(func() error { return coroutine(gctx) })
	}

	g.Go(func() error { return r.statusLoop(gctx) })
	g.Go(func() error {
		// dispatchLoop finishing (whether the workflow drained or the
		// outer context was cancelled) is what ends the run: cancel gctx
		// so the status logger and backend coroutines unwind instead of
		// blocking on g.Wait() forever.
		defer cancel()
		return r.dispatchLoop(gctx)
	})

	if err := g.Wait(); err != nil {
		return 1, err
	}

	if err := r.be.Close(); err != nil {
		slog.Error("close backend", "error", err)
	}

	return r.exitCode(), nil
}

func (r *Runner) exitCode() int {
	counts := r.wf.Status()
	for status, n := range counts {
		if status != task.StatusComplete && n > 0 {
			return 1
		}
	}
	return 0
}

// dispatchLoop walks the workflow's iterator, handing each ready task to
// the backend until the workflow reports no work remains.
func (r *Runner) dispatchLoop(ctx context.Context) error {
	it := workflow.NewIterator(r.wf)

	for {
		select {
		case <-ctx.Done():
			// Cancellation is a normal way for a run to end (operator
			// interrupt, timeout): backends are responsible for failing
			// their in-flight tasks with task.CancelReturncode, and
			// exitCode reflects that via the workflow's final status.
			return nil
		default:
		}

		result := it.Next()
		if r.m != nil {
			r.m.TasksInFlight.WithLabelValues(r.backendLabel).Set(float64(it.Pending()))
		}
		if result.Done {
			return nil
		}
		if result.Task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		if err := r.be.Spawn(ctx, result.Task); err != nil {
			if r.m != nil {
				r.m.BackendSubmitErr.WithLabelValues(r.backendLabel).Inc()
			}
			slog.Error("spawn task", "tid", result.Task.ID(), "error", err)
			if result.Task.Status() == task.StatusNew {
				// The backend rejected the task before starting it; Fail
				// only applies to a pending task.
				_ = result.Task.Start()
			}
			if failErr := result.Task.Fail(-1); failErr != nil {
				slog.Error("fail task after spawn error", "tid", result.Task.ID(), "error", failErr)
			}
			continue
		}
	}
}

// statusLoop periodically logs a summary of the workflow's task counts
// and, if configured, saves the workflow to StatePath.
func (r *Runner) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.LoggingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counts := r.wf.Status()
			slog.Info("workflow status", "counts", counts)

			if r.m != nil {
				for status, n := range counts {
					r.m.WorkflowTasks.WithLabelValues(string(status)).Set(float64(n))
				}
			}

			if r.cfg.StatePath != "" {
				if err := r.wf.Save(r.cfg.StatePath); err != nil {
					slog.Error("save workflow state", "path", r.cfg.StatePath, "error", err)
				}
			}
		}
	}
}
