// Package slurm implements a jetstream backend that submits tasks as
// Slurm batch jobs via sbatch and tracks their completion by polling
// sacct.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bryce-turner/jetstream/internal/backend"
	"github.com/bryce-turner/jetstream/internal/task"
)

// Config configures a Backend.
type Config struct {
	// MaxConcurrency bounds how many jobs this backend will have
	// submitted and outstanding at once. This protects the submission
	// host and the scheduler's job table, not cluster compute capacity.
	MaxConcurrency int64
	// SbatchDelay is the minimum interval between successive sbatch
	// invocations, to avoid hammering the scheduler's RPC endpoint.
	SbatchDelay time.Duration
	// SacctFrequency is how often outstanding jobs are polled via sacct.
	SacctFrequency time.Duration
	// ChunkSize bounds how many job ids are queried in a single sacct
	// invocation, to keep the command line and the response within
	// reasonable limits.
	ChunkSize int
	// RunID identifies this run in submitted job names and comments.
	RunID string
	// CommentMaxLen bounds the length of a job's --comment annotation.
	CommentMaxLen int
	// ExtraSbatchArgs are appended to every sbatch invocation, before any
	// per-task sbatch_args directive.
	ExtraSbatchArgs []string
	// ScriptDir is where generated sbatch wrapper scripts are written.
	ScriptDir string
	// LogDir is the directory default stdout/stderr files are written
	// under.
	LogDir string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 500
	}
	if c.SbatchDelay <= 0 {
		c.SbatchDelay = 200 * time.Millisecond
	}
	if c.SacctFrequency <= 0 {
		c.SacctFrequency = 10 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.CommentMaxLen <= 0 {
		c.CommentMaxLen = 1024
	}
	if c.ScriptDir == "" {
		c.ScriptDir = os.TempDir()
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	return c
}

// Backend submits tasks to a Slurm cluster and reconciles their state by
// polling sacct on a fixed cadence.
type Backend struct {
	cfg Config

	sem          *semaphore.Weighted
	sbatchLimit  *rate.Limiter
	sacctLimit   *rate.Limiter

	mu   sync.Mutex
	jobs map[string]*batchJob
	seq  int

	wg sync.WaitGroup
}

// New returns a Slurm batch backend.
func New(cfg Config) *Backend {
	cfg = cfg.withDefaults()
	return &Backend{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrency),
		sbatchLimit: rate.NewLimiter(rate.Every(cfg.SbatchDelay), 1),
		sacctLimit:  rate.NewLimiter(rate.Every(cfg.SacctFrequency), 1),
		jobs:        make(map[string]*batchJob),
	}
}

// Spawn submits t as a Slurm batch job via sbatch. It blocks only long
// enough to respect the sbatch rate limit and acquire a concurrency
// slot; job completion is observed asynchronously by the coroutine
// returned from Coroutines.
func (b *Backend) Spawn(ctx context.Context, t *task.Task) error {
	if err := backend.CheckCapacity(1, int(b.cfg.MaxConcurrency)); err != nil {
		return err
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquire concurrency slot")
	}

	if err := b.sbatchLimit.Wait(ctx); err != nil {
		b.sem.Release(1)
		return errors.Wrap(err, "wait for sbatch rate limit")
	}

	jobID, err := b.sbatch(ctx, t)
	if err != nil {
		b.sem.Release(1)
		return errors.Wrap(err, "submit sbatch job")
	}

	if err := t.Start(); err != nil {
		b.sem.Release(1)
		return err
	}
	t.SetField("slurm_job_id", jobID)

	job := newBatchJob(jobID, t)
	b.mu.Lock()
	b.jobs[jobID] = job
	b.mu.Unlock()

	b.wg.Add(1)
	go b.awaitCompletion(job)

	return nil
}

// awaitCompletion blocks until the job monitor observes a terminal sacct
// state for job, then transitions its task accordingly and releases its
// concurrency slot.
func (b *Backend) awaitCompletion(job *batchJob) {
	defer b.wg.Done()
	defer b.sem.Release(1)

	<-job.done

	state, exitCode := job.snapshot()
	if state.Passed() {
		if err := job.task.Complete(exitCode); err != nil {
			slog.Error("complete slurm task", "tid", job.task.ID(), "job_id", job.jobID, "error", err)
		}
		return
	}

	if err := job.task.Fail(exitCode); err != nil {
		slog.Error("fail slurm task", "tid", job.task.ID(), "job_id", job.jobID, "error", err)
	}
}

// Coroutines returns the background sacct polling loop.
func (b *Backend) Coroutines(ctx context.Context) []func(context.Context) error {
	return []func(context.Context) error{b.pollLoop}
}

// pollLoop polls sacct for every outstanding job, in chunks, until ctx is
// done. On cancellation it cancels every job still active via scancel
// before returning.
func (b *Backend) pollLoop(ctx context.Context) error {
	for {
		if err := b.sacctLimit.Wait(ctx); err != nil {
			b.cancelOutstanding(context.Background())
			return nil
		}

		if err := b.pollOnce(ctx); err != nil {
			slog.Error("poll sacct", "error", err)
		}

		if !b.hasOutstanding() {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}
	}
}

func (b *Backend) hasOutstanding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs) > 0
}

// pollOnce queries sacct for every tracked job id in chunks of
// cfg.ChunkSize and applies the parsed rows.
func (b *Backend) pollOnce(ctx context.Context) error {
	ids := b.outstandingIDs()
	for start := 0; start < len(ids); start += b.cfg.ChunkSize {
		end := start + b.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := b.queryChunk(ctx, ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) outstandingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (b *Backend) queryChunk(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := []string{
		"--parsable2", "--noheader",
		"--delimiter=" + fieldDelimiter,
		"--format=" + sacctFormat,
		"-j", strings.Join(ids, ","),
	}
	cmd := exec.CommandContext(ctx, "sacct", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "sacct: %s", out.String())
	}

	rows, err := parseSacctOutput(out.String())
	if err != nil {
		return err
	}

	b.mu.Lock()
	for id, row := range rows {
		if job, ok := b.jobs[id]; ok {
			job.update(row)
			if row.State.IsTerminal() {
				delete(b.jobs, id)
			}
		}
	}
	b.mu.Unlock()
	return nil
}

// cancelOutstanding runs scancel against every job still tracked, used
// when the backend is being shut down while jobs remain in flight.
func (b *Backend) cancelOutstanding(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	args := append([]string{}, ids...)
	if err := exec.CommandContext(ctx, "scancel", args...).Run(); err != nil {
		slog.Error("scancel outstanding jobs", "ids", ids, "error", err)
	}

	b.mu.Lock()
	for _, id := range ids {
		if job, ok := b.jobs[id]; ok {
			job.update(sacctRow{JobID: id, State: StateCancelled, ExitCode: task.CancelReturncode})
			delete(b.jobs, id)
		}
	}
	b.mu.Unlock()
}

// Close cancels any outstanding jobs and waits for their goroutines to
// finish reconciling task state.
func (b *Backend) Close() error {
	b.cancelOutstanding(context.Background())
	b.wg.Wait()
	return nil
}

// sbatch writes t's command to a wrapper script and submits it,
// returning the new job's numeric id.
func (b *Backend) sbatch(ctx context.Context, t *task.Task) (string, error) {
	scriptPath, err := b.writeScript(t)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	jobName := fmt.Sprintf("%s.%d", b.cfg.RunID, seq)
	stdoutPath, stderrPath := backend.OutPaths(t, b.cfg.LogDir)
	if err := backend.EnsureParentDir(stdoutPath); err != nil {
		return "", err
	}
	if err := backend.EnsureParentDir(stderrPath); err != nil {
		return "", err
	}

	args := []string{
		"--parsable",
		"-J", jobName,
		"--comment", backend.CommentBlob(b.cfg.RunID, t, b.cfg.CommentMaxLen),
		"-o", stdoutPath,
		"-e", stderrPath,
	}
	if cpus := t.Directives().Cpus(); cpus > 0 {
		args = append(args, "-c", strconv.Itoa(cpus))
	}
	args = append(args, b.cfg.ExtraSbatchArgs...)
	args = append(args, t.Directives().SbatchArgs()...)
	args = append(args, scriptPath)

	cmd := exec.CommandContext(ctx, "sbatch", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "sbatch: %s", stderr.String())
	}

	jobID := strings.TrimSpace(out.String())
	jobID, _, _ = strings.Cut(jobID, ";") // --parsable may append ";cluster"
	if jobID == "" {
		return "", errors.New("sbatch returned an empty job id")
	}
	return jobID, nil
}

// writeScript renders t's command as a standalone shell script sbatch
// can submit, naming it with a random id so concurrent submissions never
// collide.
func (b *Backend) writeScript(t *task.Task) (string, error) {
	name := fmt.Sprintf("jetstream-%s.sh", uuid.NewString())
	path := fmt.Sprintf("%s/%s", b.cfg.ScriptDir, name)

	var body strings.Builder
	body.WriteString("#!/bin/bash\n")
	body.WriteString(t.Directives().Cmd())
	body.WriteString("\n")

	if err := os.WriteFile(path, []byte(body.String()), 0o755); err != nil {
		return "", errors.Wrapf(err, "write sbatch script %q", path)
	}
	return path, nil
}
