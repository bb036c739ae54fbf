package slurm

import (
	"sync"

	"github.com/bryce-turner/jetstream/internal/task"
)

// batchJob tracks a single sbatch submission while the job monitor polls
// sacct on its behalf.
type batchJob struct {
	mu sync.Mutex

	jobID string
	task  *task.Task

	state    JobState
	exitCode int
	done     chan struct{}
	reaped   bool
}

func newBatchJob(jobID string, t *task.Task) *batchJob {
	return &batchJob{
		jobID: jobID,
		task:  t,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// update applies a freshly parsed sacct row. It is idempotent: calling it
// again after the job has already been reaped is a no-op.
func (j *batchJob) update(row sacctRow) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.reaped {
		return
	}
	j.state = row.State
	j.exitCode = row.ExitCode

	if j.state.IsTerminal() {
		j.reaped = true
		close(j.done)
	}
}

// snapshot returns the job's current state and exit code.
func (j *batchJob) snapshot() (JobState, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.exitCode
}
