package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryce-turner/jetstream/internal/backend"
	"github.com/bryce-turner/jetstream/internal/task"
)

func waitTerminal(t *testing.T, tk *task.Task, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tk.IsDone() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", tk.ID(), timeout)
}

func TestSpawnSuccess(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 2, LogDir: dir})
	defer b.Close()

	tk, err := task.New(task.Directives{"name": "ok", "cmd": "exit 0"})
	require.NoError(t, err)

	require.NoError(t, b.Spawn(context.Background(), tk))
	waitTerminal(t, tk, 2*time.Second)

	assert.Equal(t, task.StatusComplete, tk.Status())
	rc, ok := tk.Returncode()
	assert.True(t, ok)
	assert.Equal(t, 0, rc)
}

func TestSpawnFailureCapturesExitCode(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 2, LogDir: dir})
	defer b.Close()

	tk, err := task.New(task.Directives{"name": "bad", "cmd": "exit 7"})
	require.NoError(t, err)

	require.NoError(t, b.Spawn(context.Background(), tk))
	waitTerminal(t, tk, 2*time.Second)

	assert.Equal(t, task.StatusFailed, tk.Status())
	rc, ok := tk.Returncode()
	assert.True(t, ok)
	assert.Equal(t, 7, rc)
}

func TestSpawnRejectsOverCapacityRequest(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 2, LogDir: dir})
	defer b.Close()

	tk, err := task.New(task.Directives{"name": "big", "cmd": "true", "cpus": 4})
	require.NoError(t, err)

	err = b.Spawn(context.Background(), tk)
	assert.ErrorIs(t, err, backend.ErrInsufficientCapacity)
}

func TestSpawnWritesOutputFiles(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 1, LogDir: dir})
	defer b.Close()

	tk, err := task.New(task.Directives{"name": "echoer", "cmd": "echo hello"})
	require.NoError(t, err)

	require.NoError(t, b.Spawn(context.Background(), tk))
	waitTerminal(t, tk, 2*time.Second)

	out, err := os.ReadFile(filepath.Join(dir, "echoer.out"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestSpawnNoOpCommandCompletesImmediately(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 1, LogDir: dir})
	defer b.Close()

	tk, err := task.New(task.Directives{"name": "noop"})
	require.NoError(t, err)

	require.NoError(t, b.Spawn(context.Background(), tk))
	waitTerminal(t, tk, time.Second)

	assert.Equal(t, task.StatusComplete, tk.Status())
}

func TestSpawnSerializesOverCPUBudget(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxCPUs: 1, LogDir: dir})
	defer b.Close()

	a, err := task.New(task.Directives{"name": "a", "cmd": "sleep 0.2", "cpus": 1})
	require.NoError(t, err)
	c, err := task.New(task.Directives{"name": "c", "cmd": "true", "cpus": 1})
	require.NoError(t, err)

	require.NoError(t, b.Spawn(context.Background(), a))
	// Spawn(c) blocks on the CPU semaphore until a releases its slot, so
	// it runs in its own goroutine.
	spawnErr := make(chan error, 1)
	go func() { spawnErr <- b.Spawn(context.Background(), c) }()

	// c cannot have finished before a releases its single CPU slot.
	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, task.StatusComplete, c.Status())
	require.NoError(t, <-spawnErr)

	waitTerminal(t, a, 2*time.Second)
	waitTerminal(t, c, 2*time.Second)
}
