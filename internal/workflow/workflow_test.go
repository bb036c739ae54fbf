package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryce-turner/jetstream/internal/task"
)

func mustTask(t *testing.T, w *Workflow, d task.Directives) *task.Task {
	t.Helper()
	tk, err := w.NewTask(d)
	require.NoError(t, err)
	return tk
}

func TestLinearChainReadiness(t *testing.T) {
	w := New()

	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})
		mustTask(t, w, task.Directives{"name": "b", "cmd": "true", "after": "a"})
		mustTask(t, w, task.Directives{"name": "c", "cmd": "true", "after": "b"})
		return nil
	}))

	a, _ := w.GetTask("a")
	b, _ := w.GetTask("b")
	c, _ := w.GetTask("c")

	assert.True(t, a.IsReady())
	assert.False(t, b.IsReady())
	assert.False(t, c.IsReady())

	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(0))
	assert.True(t, b.IsReady())

	require.NoError(t, b.Start())
	require.NoError(t, b.Complete(0))
	assert.True(t, c.IsReady())
}

func TestBeforeIsInverseOfAfter(t *testing.T) {
	w := New()

	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "b", "cmd": "true", "before": "a"})
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})
		return nil
	}))

	a, _ := w.GetTask("a")
	b, _ := w.GetTask("b")

	assert.True(t, b.IsReady())
	assert.False(t, a.IsReady())
}

func TestInputOutputLinking(t *testing.T) {
	w := New()

	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "producer", "cmd": "true", "output": "data.csv"})
		mustTask(t, w, task.Directives{"name": "consumer", "cmd": "true", "input": "data\\.csv"})
		return nil
	}))

	producer, _ := w.GetTask("producer")
	consumer, _ := w.GetTask("consumer")

	assert.True(t, producer.IsReady())
	assert.False(t, consumer.IsReady())

	require.NoError(t, producer.Start())
	require.NoError(t, producer.Complete(0))
	assert.True(t, consumer.IsReady())
}

func TestCycleRejected(t *testing.T) {
	w := New()

	err := w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true", "after": "b"})
		mustTask(t, w, task.Directives{"name": "b", "cmd": "true", "after": "a"})
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDag)
	assert.Equal(t, 0, w.Len(), "a failed transaction must leave no tasks behind")
}

func TestSelfDependencyRejected(t *testing.T) {
	w := New()
	err := w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true", "after": "a"})
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelfDependency)
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	w := New()
	mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})

	_, err := w.NewTask(task.Directives{"name": "a", "cmd": "false"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRollbackDiscardsStagedTasks(t *testing.T) {
	w := New()
	mustTask(t, w, task.Directives{"name": "pre-existing", "cmd": "true"})

	w.Begin()
	mustTask(t, w, task.Directives{"name": "staged", "cmd": "true"})
	w.Rollback()

	assert.Equal(t, 1, w.Len())
	_, ok := w.GetTask("staged")
	assert.False(t, ok)
}

func TestDiamondConcurrency(t *testing.T) {
	w := New()
	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "root", "cmd": "true"})
		mustTask(t, w, task.Directives{"name": "left", "cmd": "true", "after": "root"})
		mustTask(t, w, task.Directives{"name": "right", "cmd": "true", "after": "root"})
		mustTask(t, w, task.Directives{"name": "join", "cmd": "true", "after": []string{"left", "right"}})
		return nil
	}))

	root, _ := w.GetTask("root")
	left, _ := w.GetTask("left")
	right, _ := w.GetTask("right")
	join, _ := w.GetTask("join")

	assert.True(t, root.IsReady())
	require.NoError(t, root.Start())
	require.NoError(t, root.Complete(0))

	assert.True(t, left.IsReady())
	assert.True(t, right.IsReady())
	assert.False(t, join.IsReady())

	require.NoError(t, left.Start())
	require.NoError(t, left.Complete(0))
	require.NoError(t, right.Start())
	require.NoError(t, right.Complete(0))

	assert.True(t, join.IsReady())
}

func TestCascadeFailurePropagatesThroughWorkflow(t *testing.T) {
	w := New()
	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "root", "cmd": "false"})
		mustTask(t, w, task.Directives{"name": "child", "cmd": "true", "after": "root"})
		return nil
	}))

	root, _ := w.GetTask("root")
	child, _ := w.GetTask("child")

	require.NoError(t, root.Start())
	require.NoError(t, root.Fail(1))

	assert.Equal(t, task.StatusFailed, child.Status())
	rc, _ := child.Returncode()
	assert.Equal(t, task.CascadeFailReturncode, rc)

	counts := w.Status()
	assert.Equal(t, 2, counts[task.StatusFailed])
}

func TestComposeReplacesOnlyFailedTasks(t *testing.T) {
	w := New()
	mustTask(t, w, task.Directives{"name": "done", "cmd": "true"})
	mustTask(t, w, task.Directives{"name": "broken", "cmd": "false"})

	done, _ := w.GetTask("done")
	require.NoError(t, done.Start())
	require.NoError(t, done.Complete(0))

	broken, _ := w.GetTask("broken")
	require.NoError(t, broken.Start())
	require.NoError(t, broken.Fail(1))

	other := New()
	mustTask(t, other, task.Directives{"name": "done", "cmd": "echo replaced"})
	mustTask(t, other, task.Directives{"name": "broken", "cmd": "echo retried"})
	mustTask(t, other, task.Directives{"name": "new", "cmd": "true"})

	require.NoError(t, w.Compose(other))

	doneAfter, _ := w.GetTask("done")
	assert.Equal(t, task.StatusComplete, doneAfter.Status(), "a complete task is never replaced")
	assert.Equal(t, "true", doneAfter.Directives().Cmd())

	brokenAfter, _ := w.GetTask("broken")
	assert.Equal(t, task.StatusNew, brokenAfter.Status(), "a failed task is replaced with a fresh one")
	assert.Equal(t, "echo retried", brokenAfter.Directives().Cmd())

	_, ok := w.GetTask("new")
	assert.True(t, ok)
}

func TestSerializeRoundTrip(t *testing.T) {
	w := New()
	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})
		mustTask(t, w, task.Directives{"name": "b", "cmd": "true", "after": "a"})
		return nil
	}))

	a, _ := w.GetTask("a")
	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(0))

	data := w.ToNodeLinkData()
	restored, err := FromNodeLinkData(data)
	require.NoError(t, err)

	assert.Equal(t, 2, restored.Len())
	ra, ok := restored.GetTask("a")
	require.True(t, ok)
	assert.Equal(t, task.StatusComplete, ra.Status())

	rb, ok := restored.GetTask("b")
	require.True(t, ok)
	assert.True(t, rb.IsReady(), "restored dependency edges must still gate readiness")
}

func TestIteratorDrainsLinearChain(t *testing.T) {
	w := New()
	require.NoError(t, w.Transact(func(w *Workflow) error {
		mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})
		mustTask(t, w, task.Directives{"name": "b", "cmd": "true", "after": "a"})
		mustTask(t, w, task.Directives{"name": "c", "cmd": "true", "after": "b"})
		return nil
	}))

	it := NewIterator(w)

	r := it.Next()
	require.NotNil(t, r.Task)
	assert.Equal(t, "a", r.Task.ID())

	// b and c are not ready yet; a is still pending.
	r2 := it.Next()
	assert.Nil(t, r2.Task)
	assert.False(t, r2.Done)

	require.NoError(t, r.Task.Start())
	require.NoError(t, r.Task.Complete(0))

	r3 := it.Next()
	require.NotNil(t, r3.Task)
	assert.Equal(t, "b", r3.Task.ID())
	require.NoError(t, r3.Task.Start())
	require.NoError(t, r3.Task.Complete(0))

	r4 := it.Next()
	require.NotNil(t, r4.Task)
	assert.Equal(t, "c", r4.Task.ID())
	require.NoError(t, r4.Task.Start())
	require.NoError(t, r4.Task.Complete(0))

	r5 := it.Next()
	assert.Nil(t, r5.Task)
	assert.True(t, r5.Done)
}

func TestFindByIDFallback(t *testing.T) {
	w := New()
	mustTask(t, w, task.Directives{"name": "a", "cmd": "true"})

	fallback := map[string]struct{}{"a": {}}
	matches, err := w.FindByID("nonexistent.*", fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, matches)

	_, err = w.FindByID("nonexistent.*", nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}
