// Package backend defines the execution contract a runner drives tasks
// through, plus the path-resolution helpers shared by every concrete
// backend (local subprocesses, Slurm batch jobs).
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"

	"github.com/bryce-turner/jetstream/internal/task"
)

// Backend spawns a task's command and eventually transitions it to a
// terminal state (task.Complete or task.Fail). Spawn must not block
// longer than necessary to hand the task off to the backend's own
// bookkeeping; long-running work belongs in a Coroutine.
type Backend interface {
	// Spawn begins executing t. Implementations call t.Start() before
	// dispatching work and are responsible for eventually calling
	// t.Complete or t.Fail, even if ctx is cancelled first.
	Spawn(ctx context.Context, t *task.Task) error

	// Coroutines returns the background goroutines a runner must drive
	// concurrently with task dispatch — e.g. a job-status poller. Each
	// returned function blocks until ctx is done or a fatal error occurs.
	Coroutines(ctx context.Context) []func(context.Context) error

	// Close releases any resources the backend holds (open files,
	// worker pools). It is safe to call Close more than once.
	Close() error
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeTid converts a task id into a string safe for use as a path
// component, replacing runs of unsafe characters with underscores.
func SanitizeTid(tid string) string {
	return sanitizeRe.ReplaceAllString(tid, "_")
}

// OutPaths resolves the stdout/stderr file paths for t, applying the
// default logs/<sanitized-tid>.out and logs/<sanitized-tid>.err when the
// task's directives don't specify them. Unlike the system these backends
// are modeled on, stdout and stderr default to two distinct files rather
// than sharing one, per this module's stated default.
func OutPaths(t *task.Task, logDir string) (stdoutPath, stderrPath string) {
	d := t.Directives()
	sanitized := SanitizeTid(t.ID())

	stdoutPath, ok := d.Stdout()
	if !ok {
		stdoutPath = filepath.Join(logDir, sanitized+".out")
	}
	stderrPath, ok = d.Stderr()
	if !ok {
		stderrPath = filepath.Join(logDir, sanitized+".err")
	}
	return stdoutPath, stderrPath
}

// EnsureParentDir creates the parent directory of path if it doesn't
// already exist.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory %q", dir)
	}
	return nil
}

// OpenOutputFiles opens (creating/truncating) the stdout and stderr
// files for t. If both paths are identical, a single file is opened and
// shared for both streams, mirroring a command-line shell's `2>&1`
// redirection instead of opening the same path twice.
func OpenOutputFiles(t *task.Task, logDir string) (stdout, stderr *os.File, err error) {
	stdoutPath, stderrPath := OutPaths(t, logDir)

	if err := EnsureParentDir(stdoutPath); err != nil {
		return nil, nil, err
	}
	stdout, err = os.Create(stdoutPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "create stdout file %q", stdoutPath)
	}

	if stderrPath == stdoutPath {
		return stdout, stdout, nil
	}

	if err := EnsureParentDir(stderrPath); err != nil {
		stdout.Close()
		return nil, nil, err
	}
	stderr, err = os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, nil, errors.Wrapf(err, "create stderr file %q", stderrPath)
	}
	return stdout, stderr, nil
}

// ErrInsufficientCapacity is returned when a task requests more of a
// resource (CPUs, concurrent slots) than the backend was configured
// with, a request that can never succeed regardless of how long it
// waits.
var ErrInsufficientCapacity = errors.New("task requests more capacity than the backend provides")

// CheckCapacity returns ErrInsufficientCapacity if requested exceeds
// capacity. Backends call this before queuing a task on a bounded
// semaphore, since waiting would otherwise block forever.
func CheckCapacity(requested, capacity int) error {
	if requested > capacity {
		return errors.Wrapf(ErrInsufficientCapacity, "requested %d, capacity %d", requested, capacity)
	}
	return nil
}

// StdinInput opens the task's stdin redirection file, if one was
// declared. The caller is responsible for closing the returned file.
func StdinInput(t *task.Task) (*os.File, error) {
	path, ok := t.Directives().Stdin()
	if !ok {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open stdin file %q", path)
	}
	return f, nil
}

// commentTask is the "task" sub-object of a CommentBlob.
type commentTask struct {
	Tid  string   `json:"tid"`
	Tags []string `json:"tags,omitempty"`
}

// comment is the JSON shape CommentBlob renders.
type comment struct {
	Run  string      `json:"run"`
	Task commentTask `json:"task"`
}

// commentOverflow replaces comment when it would exceed CommentBlob's
// maxLen, since Slurm silently truncates an oversized --comment value
// and a truncated JSON blob is worse than no blob at all.
type commentOverflow struct {
	Tid string `json:"tid"`
	Err string `json:"err"`
}

// CommentBlob renders a JSON annotation describing t's identity within
// run, truncated to maxLen bytes by replacing it outright with an error
// stub rather than byte-slicing valid JSON into invalid JSON. Backends
// that support job annotations (Slurm's --comment) use this to make
// `squeue`/`sacct` output self-describing without round-tripping through
// the workflow file.
func CommentBlob(run string, t *task.Task, maxLen int) string {
	b, err := json.Marshal(comment{
		Run: run,
		Task: commentTask{
			Tid:  t.ID(),
			Tags: t.Directives().Tags(),
		},
	})
	if err != nil || len(b) > maxLen {
		stub, stubErr := json.Marshal(commentOverflow{Tid: t.ID(), Err: "Job comment too long!"})
		if stubErr != nil {
			return fmt.Sprintf(`{"tid":%q,"err":"Job comment too long!"}`, t.ID())
		}
		return string(stub)
	}
	return string(b)
}
