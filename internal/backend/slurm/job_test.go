package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryce-turner/jetstream/internal/task"
)

func TestBatchJobUpdateClosesDoneOnTerminalState(t *testing.T) {
	tk, err := task.New(task.Directives{"name": "t1"})
	require.NoError(t, err)

	job := newBatchJob("42", tk)
	job.update(sacctRow{JobID: "42", State: StateRunning, ExitCode: 0})

	select {
	case <-job.done:
		t.Fatal("done must not close on a non-terminal state")
	default:
	}

	job.update(sacctRow{JobID: "42", State: StateCompleted, ExitCode: 0})

	select {
	case <-job.done:
	default:
		t.Fatal("done must close once a terminal state is observed")
	}

	state, code := job.snapshot()
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 0, code)
}

func TestBatchJobUpdateIsIdempotentAfterReap(t *testing.T) {
	tk, err := task.New(task.Directives{"name": "t1"})
	require.NoError(t, err)

	job := newBatchJob("42", tk)
	job.update(sacctRow{JobID: "42", State: StateFailed, ExitCode: 3})

	assert.NotPanics(t, func() {
		job.update(sacctRow{JobID: "42", State: StateRunning, ExitCode: 0})
	})

	state, code := job.snapshot()
	assert.Equal(t, StateFailed, state, "a reaped job must not be overwritten by a later stray update")
	assert.Equal(t, 3, code)
}
