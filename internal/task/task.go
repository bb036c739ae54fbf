// Package task defines the atomic unit of work in a jetstream workflow: a
// task's identity, its free-form directives, and its lifecycle state
// machine.
package task

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a lifecycle method is called from a
// state that does not permit it (e.g. completing a task that is not
// pending).
var ErrInvalidTransition = errors.New("invalid task state transition")

// ErrNotOwned is returned when a workflow operation is attempted on a task
// that has not been bound to that workflow.
var ErrNotOwned = errors.New("task is not owned by this workflow")

// WorkflowView is the minimal read access a Task needs back into its owning
// workflow to answer "is this task ready?" and to cascade a failure to its
// dependents. It is a weak back-pointer in the sense described by the
// specification: the workflow owns the task's lifetime, not the reverse.
type WorkflowView interface {
	// Dependents returns the tasks that declared a dependency on tid.
	Dependents(tid string) []*Task
	// PrerequisitesSatisfied reports whether every prerequisite of tid is
	// terminal with success.
	PrerequisitesSatisfied(tid string) bool
}

// Task is the atomic unit of work in a workflow.
type Task struct {
	mu sync.Mutex

	tid        string
	directives Directives

	status      Status
	returncode  int
	hasRC       bool
	fields      map[string]any
	startedAt   time.Time
	completedAt time.Time

	workflow WorkflowView
}

// New builds a Task from a directive mapping. If directives contain a
// "name" key, that becomes the task id; otherwise the id is a stable
// content hash over the directives.
func New(directives Directives) (*Task, error) {
	if directives == nil {
		directives = Directives{}
	}
	d := directives.Clone()

	tid := d.Name()
	if tid == "" {
		tid = contentHash(d)
	}

	return &Task{
		tid:        tid,
		directives: d,
		status:     StatusNew,
		fields:     make(map[string]any),
	}, nil
}

// contentHash computes a stable identifier for a directive map by
// marshaling it with sorted keys and hashing the result. Hashing (rather
// than reusing a library ID generator) is required here because the id
// must be a deterministic function of the directive content, not a fresh
// random value per call.
func contentHash(d Directives) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, fmt.Sprintf("%v", d[k]))
	}

	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:8])
}

// ID returns the task's stable identifier ("tid").
func (t *Task) ID() string { return t.tid }

// Directives returns a copy of the task's directive mapping.
func (t *Task) Directives() Directives {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directives.Clone()
}

// Bind attaches the owning workflow's view to this task. It is called by
// Workflow.AddTask, again for a task moved into another workflow by
// Workflow.Compose, and is not part of the task's public lifecycle API.
func (t *Task) Bind(w WorkflowView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workflow = w
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Returncode returns the stored returncode and whether a terminal state has
// set one.
func (t *Task) Returncode() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returncode, t.hasRC
}

// Field returns an ancillary value attached to the task (e.g.
// "slurm_job_id", "stdout_path").
func (t *Task) Field(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.fields[key]
	return v, ok
}

// SetField attaches an ancillary value to the task. Backends use this to
// record bookkeeping data alongside the directives.
func (t *Task) SetField(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fields[key] = value
}

// Fields returns a copy of all ancillary fields.
func (t *Task) Fields() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.fields))
	for k, v := range t.fields {
		out[k] = v
	}
	return out
}

// IsDone reports whether the task is in a terminal state.
func (t *Task) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.IsTerminal()
}

// IsReady delegates to the owning workflow: a task is ready when its own
// status is "new" and every prerequisite is terminal with success.
func (t *Task) IsReady() bool {
	t.mu.Lock()
	status := t.status
	wf := t.workflow
	t.mu.Unlock()

	if status != StatusNew || wf == nil {
		return false
	}
	return wf.PrerequisitesSatisfied(t.tid)
}

// Start transitions the task from "new" to "pending". It fails if the
// task's current status is not "new".
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusNew {
		return errors.Wrapf(ErrInvalidTransition, "start: task %s is %s, want %s", t.tid, t.status, StatusNew)
	}
	t.status = StatusPending
	t.startedAt = time.Now()
	return nil
}

// Complete transitions the task from "pending" to "complete", storing rc.
func (t *Task) Complete(rc int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusPending {
		return errors.Wrapf(ErrInvalidTransition, "complete: task %s is %s, want %s", t.tid, t.status, StatusPending)
	}
	t.status = StatusComplete
	t.returncode = rc
	t.hasRC = true
	t.completedAt = time.Now()
	return nil
}

// Fail transitions the task from "pending" to "failed", storing rc, and
// cascades: every dependent reachable from this task that is still "new"
// is transitively marked failed with CascadeFailReturncode. Each node is
// visited at most once.
func (t *Task) Fail(rc int) error {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "fail: task %s is %s, want %s", t.tid, t.status, StatusPending)
	}
	t.status = StatusFailed
	t.returncode = rc
	t.hasRC = true
	t.completedAt = time.Now()
	wf := t.workflow
	t.mu.Unlock()

	if wf != nil {
		cascadeFail(wf, t.tid)
	}
	return nil
}

// cascadeFail walks the "depends-on-me" direction (dependents) breadth
// first, marking every "new" task it reaches as failed with the cascade
// sentinel. Each node is visited at most once, regardless of how many
// paths lead to it.
func cascadeFail(wf WorkflowView, from string) {
	visited := map[string]bool{from: true}
	queue := wf.Dependents(from)

	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]

		if visited[dep.tid] {
			continue
		}
		visited[dep.tid] = true

		dep.mu.Lock()
		status := dep.status
		dep.mu.Unlock()

		if status != StatusNew {
			continue
		}

		// A cascading failure bypasses the pending state entirely: the
		// task never ran, so there is nothing to transition out of.
		dep.mu.Lock()
		dep.status = StatusFailed
		dep.returncode = CascadeFailReturncode
		dep.hasRC = true
		dep.completedAt = time.Now()
		dep.mu.Unlock()

		queue = append(queue, wf.Dependents(dep.tid)...)
	}
}

// Reset clears status, returncode, and ancillary fields, returning the task
// to "new" from any state.
func (t *Task) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = StatusNew
	t.returncode = 0
	t.hasRC = false
	t.fields = make(map[string]any)
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
}

// String implements fmt.Stringer for log lines.
func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Task(%s, %s)", t.tid, t.status)
}
