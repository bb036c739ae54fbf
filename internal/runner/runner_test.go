package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryce-turner/jetstream/internal/task"
	"github.com/bryce-turner/jetstream/internal/workflow"
)

// fakeBackend resolves every spawned task immediately according to a
// per-task outcome table, so the runner's dispatch loop can be exercised
// without a real subprocess or Slurm cluster.
type fakeBackend struct {
	fail map[string]bool
}

func (b *fakeBackend) Spawn(ctx context.Context, t *task.Task) error {
	if err := t.Start(); err != nil {
		return err
	}
	if b.fail[t.ID()] {
		return t.Fail(1)
	}
	return t.Complete(0)
}

func (b *fakeBackend) Coroutines(ctx context.Context) []func(context.Context) error { return nil }
func (b *fakeBackend) Close() error                                                 { return nil }

func TestRunnerDrivesLinearWorkflowToSuccess(t *testing.T) {
	wf := workflow.New()
	require.NoError(t, wf.Transact(func(w *workflow.Workflow) error {
		_, err := w.NewTask(task.Directives{"name": "a", "cmd": "true"})
		if err != nil {
			return err
		}
		_, err = w.NewTask(task.Directives{"name": "b", "cmd": "true", "after": "a"})
		return err
	}))

	r := New(wf, &fakeBackend{}, "fake", Config{LoggingInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	a, _ := wf.GetTask("a")
	b, _ := wf.GetTask("b")
	assert.Equal(t, task.StatusComplete, a.Status())
	assert.Equal(t, task.StatusComplete, b.Status())
}

func TestRunnerReturnsOnceWorkflowDrainsWithoutWaitingForContext(t *testing.T) {
	wf := workflow.New()
	require.NoError(t, wf.Transact(func(w *workflow.Workflow) error {
		_, err := w.NewTask(task.Directives{"name": "a", "cmd": "true"})
		return err
	}))

	// LoggingInterval way beyond the context timeout: if Run only ever
	// stopped via ctx.Done(), this test would take the full timeout to
	// return instead of returning as soon as the single task resolves.
	r := New(wf, &fakeBackend{}, "fake", Config{LoggingInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	code, err := r.Run(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Less(t, elapsed, 5*time.Second, "Run should return once the workflow drains, not wait for ctx timeout")
}

func TestRunnerReportsFailureExitCode(t *testing.T) {
	wf := workflow.New()
	require.NoError(t, wf.Transact(func(w *workflow.Workflow) error {
		_, err := w.NewTask(task.Directives{"name": "a", "cmd": "false"})
		if err != nil {
			return err
		}
		_, err = w.NewTask(task.Directives{"name": "b", "cmd": "true", "after": "a"})
		return err
	}))

	r := New(wf, &fakeBackend{fail: map[string]bool{"a": true}}, "fake", Config{LoggingInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	b, _ := wf.GetTask("b")
	assert.Equal(t, task.StatusFailed, b.Status(), "b must be cascade-failed once a fails")
}
