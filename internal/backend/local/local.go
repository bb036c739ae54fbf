// Package local implements a jetstream backend that runs tasks as local
// subprocesses, gated by a CPU-weighted semaphore.
package local

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/bryce-turner/jetstream/internal/backend"
	"github.com/bryce-turner/jetstream/internal/task"
)

// Config configures a Backend.
type Config struct {
	// MaxCPUs bounds the total number of CPUs this backend will hand out
	// to concurrently running tasks. Tasks that request more than this
	// are rejected outright rather than queued forever.
	MaxCPUs int64
	// LogDir is the directory default stdout/stderr files are written
	// under.
	LogDir string
	// Shell is the interpreter used to run a task's "cmd", invoked as
	// `Shell -c cmd`. Defaults to /bin/bash.
	Shell string
	// BlockingIOPenalty is how long to sleep before retrying a subprocess
	// spawn that failed with EAGAIN (the kernel temporarily refusing to
	// fork, usually under process-table pressure).
	BlockingIOPenalty time.Duration
	// MaxSpawnRetries bounds how many times a single task retries a
	// transient EAGAIN before giving up and failing the task.
	MaxSpawnRetries int
}

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.BlockingIOPenalty <= 0 {
		c.BlockingIOPenalty = 10 * time.Second
	}
	if c.MaxSpawnRetries <= 0 {
		c.MaxSpawnRetries = 3
	}
	if c.MaxCPUs <= 0 {
		c.MaxCPUs = guessConcurrency(500)
	}
	return c
}

// guessConcurrency estimates a reasonable default CPU budget from the
// process's soft RLIMIT_NPROC, using a quarter of it as headroom for
// other processes on the host. Falls back to def if the limit can't be
// read or looks unbounded.
func guessConcurrency(def int64) int64 {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NPROC, &rlimit); err != nil {
		return def
	}
	if rlimit.Cur == 0 || rlimit.Cur > uint64(1<<40) {
		return def
	}
	guess := int64(rlimit.Cur) / 4
	if guess <= 0 {
		return def
	}
	return guess
}

// Backend runs tasks as local subprocesses under a CPU-weighted
// semaphore, the same style of bounded worker pool used to gate
// concurrent thumbnail generation, generalized from a fixed slot count
// to a weighted CPU budget.
type Backend struct {
	cfg Config
	sem *semaphore.Weighted

	wg sync.WaitGroup
}

// New returns a local subprocess backend.
func New(cfg Config) *Backend {
	cfg = cfg.withDefaults()
	return &Backend{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxCPUs),
	}
}

// Spawn acquires cpus weight from the semaphore and runs t's command in
// a goroutine. Spawn returns once the task has been accepted for
// dispatch (or rejected outright); it does not wait for the command to
// finish.
func (b *Backend) Spawn(ctx context.Context, t *task.Task) error {
	cpus := int64(t.Directives().Cpus())
	if cpus <= 0 {
		cpus = 1
	}

	if err := backend.CheckCapacity(int(cpus), int(b.cfg.MaxCPUs)); err != nil {
		return err
	}

	if err := b.sem.Acquire(ctx, cpus); err != nil {
		return pkgerrors.Wrap(err, "acquire cpu semaphore")
	}

	if err := t.Start(); err != nil {
		b.sem.Release(cpus)
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(cpus)
		b.run(ctx, t)
	}()

	return nil
}

// Coroutines returns no background work: the local backend's only
// ongoing activity is the per-task goroutines started by Spawn.
func (b *Backend) Coroutines(ctx context.Context) []func(context.Context) error {
	return nil
}

// Close waits for every in-flight subprocess goroutine to finish.
func (b *Backend) Close() error {
	b.wg.Wait()
	return nil
}

// run executes t's command to completion and transitions t to its
// terminal state. It never returns an error directly: failures surface
// through t.Fail.
func (b *Backend) run(ctx context.Context, t *task.Task) {
	cmdLine := t.Directives().Cmd()
	if cmdLine == "" {
		if err := t.Complete(0); err != nil {
			slog.Error("complete no-op task", "tid", t.ID(), "error", err)
		}
		return
	}

	stdout, stderr, err := backend.OpenOutputFiles(t, b.cfg.LogDir)
	if err != nil {
		slog.Error("open output files", "tid", t.ID(), "error", err)
		b.fail(t, -1)
		return
	}
	defer stdout.Close()
	if stderr != stdout {
		defer stderr.Close()
	}

	stdin, err := backend.StdinInput(t)
	if err != nil {
		slog.Error("open stdin file", "tid", t.ID(), "error", err)
		b.fail(t, -1)
		return
	}
	if stdin != nil {
		defer stdin.Close()
	}

	rc, err := b.runWithRetry(ctx, cmdLine, stdout, stderr, stdin)
	if err != nil {
		slog.Error("spawn subprocess", "tid", t.ID(), "error", err)
		b.fail(t, -1)
		return
	}

	if ctx.Err() != nil && rc != 0 {
		b.fail(t, task.CancelReturncode)
		return
	}

	if rc == 0 {
		if err := t.Complete(rc); err != nil {
			slog.Error("complete task", "tid", t.ID(), "error", err)
		}
		return
	}
	b.fail(t, rc)
}

func (b *Backend) fail(t *task.Task, rc int) {
	if err := t.Fail(rc); err != nil {
		slog.Error("fail task", "tid", t.ID(), "error", err)
	}
}

// runWithRetry runs cmdLine via the configured shell, retrying process
// creation a bounded number of times if the kernel returns EAGAIN
// (transient fork pressure), sleeping BlockingIOPenalty between
// attempts. Returns the process's exit code, which is -1 when the process
// was terminated by a signal (exec.ExitError's convention); a process
// that could not be started yields -1 together with a non-nil error.
func (b *Backend) runWithRetry(ctx context.Context, cmdLine string, stdout, stderr, stdin *os.File) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= b.cfg.MaxSpawnRetries; attempt++ {
		cmd := exec.CommandContext(ctx, b.cfg.Shell, "-c", cmdLine)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if stdin != nil {
			cmd.Stdin = stdin
		}

		err := cmd.Run()
		if err == nil {
			return 0, nil
		}

		if isEAGAIN(err) && attempt < b.cfg.MaxSpawnRetries {
			slog.Warn("subprocess spawn hit EAGAIN, retrying", "attempt", attempt, "penalty", b.cfg.BlockingIOPenalty)
			lastErr = err
			select {
			case <-time.After(b.cfg.BlockingIOPenalty):
				continue
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, pkgerrors.Wrap(err, "run subprocess")
	}

	return -1, pkgerrors.Wrap(lastErr, "exhausted spawn retries")
}

// isEAGAIN reports whether err ultimately wraps syscall.EAGAIN, the
// kernel's "try again" response to a fork/exec under resource pressure.
func isEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN)
}
