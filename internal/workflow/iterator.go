package workflow

import (
	"github.com/bryce-turner/jetstream/internal/task"
)

// Iterator walks a workflow's tasks in readiness order: each call to Next
// reaps any pending tasks that have gone terminal, then scans for the
// next task whose prerequisites are satisfied. It mirrors the original
// implementation's reverse-order scan over the remaining task list, which
// makes newly queued tasks (appended to the end) surface before older
// ones that are still blocked.
type Iterator struct {
	wf *Workflow

	// remaining holds ids not yet handed out by Next, oldest-first; Next
	// scans it in reverse.
	remaining []string
	// pending holds ids already handed out that have not yet reached a
	// terminal state.
	pending []string
}

// NewIterator returns an iterator over every task currently in wf. Tasks
// added to wf after the iterator is constructed are not picked up.
func NewIterator(wf *Workflow) *Iterator {
	wf.mu.Lock()
	remaining := append([]string(nil), wf.order...)
	wf.mu.Unlock()

	return &Iterator{wf: wf, remaining: remaining}
}

// Result is the outcome of a single Next call.
type Result struct {
	// Task is the next ready task, or nil if none is currently ready.
	Task *task.Task
	// Done reports whether the workflow has no more work: nothing
	// remaining and nothing still pending.
	Done bool
}

// Next reaps any pending tasks that have gone terminal, then returns the
// next ready task. If remaining holds no ready task yet pending is
// non-empty, Result.Task is nil and Result.Done is false: the caller
// should wait for outstanding work before calling Next again. If both
// remaining and pending are empty, Result.Done is true.
func (it *Iterator) Next() Result {
	it.reap()

	if t := it.takeReady(); t != nil {
		it.pending = append(it.pending, t.ID())
		return Result{Task: t}
	}

	if len(it.remaining) == 0 && len(it.pending) == 0 {
		return Result{Done: true}
	}
	return Result{}
}

// reap drops any pending ids that have reached a terminal state; they no
// longer need tracking once a backend (or cascade failure) has resolved
// them.
func (it *Iterator) reap() {
	still := it.pending[:0]
	for _, tid := range it.pending {
		t, ok := it.wf.GetTask(tid)
		if !ok || !t.IsDone() {
			still = append(still, tid)
		}
	}
	it.pending = still
}

// takeReady scans remaining in reverse (last-added-first) for a task
// whose prerequisites are satisfied, removes it from remaining, and
// returns it. Returns nil if nothing in remaining is ready yet.
func (it *Iterator) takeReady() *task.Task {
	for i := len(it.remaining) - 1; i >= 0; i-- {
		tid := it.remaining[i]
		t, ok := it.wf.GetTask(tid)
		if !ok {
			it.remaining = append(it.remaining[:i], it.remaining[i+1:]...)
			continue
		}

		if t.IsDone() {
			// Already resolved (e.g. cascade failure) before it was ever
			// handed out; drop it from remaining without tracking it as
			// pending.
			it.remaining = append(it.remaining[:i], it.remaining[i+1:]...)
			continue
		}

		if t.IsReady() {
			it.remaining = append(it.remaining[:i], it.remaining[i+1:]...)
			return t
		}
	}
	return nil
}

// Remaining reports how many tasks have not yet been handed out.
func (it *Iterator) Remaining() int { return len(it.remaining) }

// Pending reports how many handed-out tasks have not yet reached a
// terminal state.
func (it *Iterator) Pending() int { return len(it.pending) }
