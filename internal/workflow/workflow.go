// Package workflow models a computational workflow as a directed acyclic
// graph of tasks, where edges run from a dependent task to the
// prerequisite(s) it depends on. It provides dependency linking,
// transactional batch edits, composition, and node-link serialization.
package workflow

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/pkg/errors"

	"github.com/bryce-turner/jetstream/internal/task"
)

// Sentinel errors describing validation failures. They are wrapped with
// context via github.com/pkg/errors so callers can still errors.Is against
// these values.
var (
	// ErrDuplicateTask is returned when adding a task whose id already
	// exists in the workflow.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrNotDag is returned when an edge addition would introduce a cycle.
	ErrNotDag = errors.New("graph is not a dag")
	// ErrSelfDependency is returned when a before/after/input pattern
	// matches the declaring task's own id.
	ErrSelfDependency = errors.New("dependency directive matches its own task")
	// ErrNoMatch is returned by the pattern finders when no task matches
	// and no fallback was supplied.
	ErrNoMatch = errors.New("no tasks match pattern")
	// ErrUnknownTask is returned when a task id is not present in the
	// workflow.
	ErrUnknownTask = errors.New("unknown task id")
	// ErrNotInTransaction is returned by Commit/Rollback when no
	// transaction is open.
	ErrNotInTransaction = errors.New("no transaction is open")
)

// Workflow is a directed acyclic graph of tasks. Edges run from a
// dependent task to its prerequisite(s); out-degree tracks unmet
// prerequisites, in-degree tracks dependents.
type Workflow struct {
	mu sync.Mutex

	tasks map[string]*task.Task
	order []string // insertion order, oldest first

	// deps[tid] are tid's prerequisites (successors in the edge sense).
	deps map[string][]string
	// rdeps[tid] are the tasks that depend on tid (predecessors).
	rdeps map[string][]string

	inTx     bool
	txStaged []string

	patternCache sync.Map // pattern string -> *regexp.Regexp
}

// New returns an empty workflow.
func New() *Workflow {
	return &Workflow{
		tasks: make(map[string]*task.Task),
		deps:  make(map[string][]string),
		rdeps: make(map[string][]string),
	}
}

// Len returns the number of tasks in the workflow.
func (w *Workflow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Status summarizes the workflow by counting tasks in each lifecycle
// state.
func (w *Workflow) Status() map[task.Status]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[task.Status]int, 4)
	for _, tid := range w.order {
		out[w.tasks[tid].Status()]++
	}
	return out
}

// String implements fmt.Stringer.
func (w *Workflow) String() string {
	return fmt.Sprintf("Workflow%v", w.Status())
}

// AddTask adds a single task to the workflow. Outside a transaction, its
// dependencies are linked immediately; on a linking error the task is
// removed and the error returned. Inside a transaction, linking is
// deferred until Commit.
func (w *Workflow) AddTask(t *task.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addTaskLocked(t)
}

func (w *Workflow) addTaskLocked(t *task.Task) error {
	tid := t.ID()
	if _, exists := w.tasks[tid]; exists {
		return errors.Wrapf(ErrDuplicateTask, "tid %q", tid)
	}

	t.Bind(w)
	w.tasks[tid] = t
	w.order = append(w.order, tid)

	if w.inTx {
		w.txStaged = append(w.txStaged, tid)
		return nil
	}

	if err := w.linkDependenciesLocked(t); err != nil {
		w.removeTaskLocked(tid)
		return err
	}
	return nil
}

// NewTask builds a Task from directives and adds it to the workflow.
func (w *Workflow) NewTask(directives task.Directives) (*task.Task, error) {
	t, err := task.New(directives)
	if err != nil {
		return nil, err
	}
	if err := w.AddTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RemoveTask deletes a task and its edges from the workflow.
func (w *Workflow) RemoveTask(tid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeTaskLocked(tid)
}

func (w *Workflow) removeTaskLocked(tid string) {
	delete(w.tasks, tid)

	for i, id := range w.order {
		if id == tid {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}

	for _, p := range w.deps[tid] {
		w.rdeps[p] = removeString(w.rdeps[p], tid)
	}
	for _, d := range w.rdeps[tid] {
		w.deps[d] = removeString(w.deps[d], tid)
	}
	delete(w.deps, tid)
	delete(w.rdeps, tid)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, item := range s {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

// Begin opens a transaction: tasks added via AddTask/NewTask until Commit
// or Rollback defer their dependency linking. No re-entrancy is
// supported — Begin while already in a transaction is a programmer error
// and panics, matching the single-writer design. Begin does not hold the
// workflow's lock across the transaction body; it only marks the
// transaction open so that concurrent AddTask calls (from the same
// goroutine, mid-transaction) can still take the lock themselves.
func (w *Workflow) Begin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inTx {
		panic("workflow: Begin called while a transaction is already open")
	}
	w.inTx = true
	w.txStaged = nil
}

// Commit closes the open transaction. It links dependencies for every
// task in the workflow (matching the original's full recomputation on
// update()); if any link fails, every task staged during the transaction
// is removed and the error is returned.
func (w *Workflow) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inTx {
		return ErrNotInTransaction
	}

	err := w.updateLocked()
	if err != nil {
		for _, tid := range w.txStaged {
			w.removeTaskLocked(tid)
		}
	}

	w.inTx = false
	w.txStaged = nil
	return err
}

// Rollback aborts the open transaction, removing every task staged since
// Begin without attempting to link dependencies.
func (w *Workflow) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inTx {
		return
	}

	for _, tid := range w.txStaged {
		w.removeTaskLocked(tid)
	}
	w.inTx = false
	w.txStaged = nil
}

// Transact runs fn inside a Begin/Commit/Rollback session, the Go
// equivalent of the original's "with workflow:" context manager. If fn
// returns an error, or Commit fails, every task staged during the
// transaction is rolled back.
func (w *Workflow) Transact(fn func(*Workflow) error) error {
	w.Begin()

	if err := fn(w); err != nil {
		w.Rollback()
		return err
	}

	return w.Commit()
}

// updateLocked recomputes dependency edges for every task in the workflow.
func (w *Workflow) updateLocked() error {
	for _, tid := range w.order {
		if err := w.linkDependenciesLocked(w.tasks[tid]); err != nil {
			return err
		}
	}
	return nil
}

// GetTask looks up a task by id.
func (w *Workflow) GetTask(tid string) (*task.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[tid]
	return t, ok
}

// Tasks returns every task in insertion order.
func (w *Workflow) Tasks() []*task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*task.Task, 0, len(w.order))
	for _, tid := range w.order {
		out = append(out, w.tasks[tid])
	}
	return out
}

// Dependencies returns t's prerequisites (successor edges).
func (w *Workflow) Dependencies(t *task.Task) []*task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasksFor(w.deps[t.ID()])
}

// Dependents returns the tasks that depend on tid (predecessor edges).
// This implements task.WorkflowView for cascade-fail propagation.
func (w *Workflow) Dependents(tid string) []*task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasksFor(w.rdeps[tid])
}

func (w *Workflow) tasksFor(ids []string) []*task.Task {
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := w.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// IsReady reports whether the given task id is ready for execution.
func (w *Workflow) IsReady(tid string) bool {
	t, ok := w.GetTask(tid)
	if !ok {
		return false
	}
	return t.IsReady()
}

// PrerequisitesSatisfied implements task.WorkflowView: every prerequisite
// of tid must be terminal with success.
func (w *Workflow) PrerequisitesSatisfied(tid string) bool {
	w.mu.Lock()
	prereqIDs := append([]string(nil), w.deps[tid]...)
	tasks := w.tasksFor(prereqIDs)
	w.mu.Unlock()

	for _, p := range tasks {
		if !p.IsDone() || p.Status() != task.StatusComplete {
			return false
		}
	}
	return true
}

// Resume resets all pending tasks back to new.
func (w *Workflow) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tid := range w.order {
		t := w.tasks[tid]
		if t.Status() == task.StatusPending {
			t.Reset()
		}
	}
}

// Retry resets all pending and failed tasks back to new.
func (w *Workflow) Retry() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tid := range w.order {
		t := w.tasks[tid]
		switch t.Status() {
		case task.StatusPending, task.StatusFailed:
			t.Reset()
		}
	}
}

// ResetAll resets every task in the workflow back to new.
func (w *Workflow) ResetAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tid := range w.order {
		w.tasks[tid].Reset()
	}
}

// searchPattern compiles pat anchored at both ends, caching the result.
func (w *Workflow) searchPattern(pat string) (*regexp.Regexp, error) {
	if v, ok := w.patternCache.Load(pat); ok {
		return v.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile("^" + pat + "$")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pat)
	}
	w.patternCache.Store(pat, re)
	return re, nil
}

// Find returns the set of task ids whose "name" directive matches pattern.
// If fallback is non-nil and no task matches, fallback is returned instead
// of ErrNoMatch.
func (w *Workflow) Find(pattern string, fallback map[string]struct{}) (map[string]struct{}, error) {
	re, err := w.searchPattern(pattern)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	matches := make(map[string]struct{})
	for _, tid := range w.order {
		name := w.tasks[tid].Directives().Name()
		if name != "" && re.MatchString(name) {
			matches[tid] = struct{}{}
		}
	}

	if len(matches) > 0 {
		return matches, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.Wrapf(ErrNoMatch, "pattern %q", pattern)
}

// FindByID returns the set of task ids matching pattern directly.
func (w *Workflow) FindByID(pattern string, fallback map[string]struct{}) (map[string]struct{}, error) {
	re, err := w.searchPattern(pattern)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	matches := make(map[string]struct{})
	for _, tid := range w.order {
		if re.MatchString(tid) {
			matches[tid] = struct{}{}
		}
	}

	if len(matches) > 0 {
		return matches, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.Wrapf(ErrNoMatch, "pattern %q", pattern)
}

// FindByOutput returns the set of task ids whose "output" directive
// contains a value matching pattern.
func (w *Workflow) FindByOutput(pattern string, fallback map[string]struct{}) (map[string]struct{}, error) {
	re, err := w.searchPattern(pattern)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	matches := make(map[string]struct{})
	for _, tid := range w.order {
		for _, out := range w.tasks[tid].Directives().Output() {
			if re.MatchString(out) {
				matches[tid] = struct{}{}
				break
			}
		}
	}

	if len(matches) > 0 {
		return matches, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.Wrapf(ErrNoMatch, "pattern %q", pattern)
}

// addEdgeLocked records that "from" depends on "to". If this would make the
// graph cyclic, the edge is rolled back and ErrNotDag is returned.
func (w *Workflow) addEdgeLocked(from, to string) error {
	for _, existing := range w.deps[from] {
		if existing == to {
			return nil // edge already present
		}
	}

	w.deps[from] = append(w.deps[from], to)
	w.rdeps[to] = append(w.rdeps[to], from)

	if w.hasCycleLocked() {
		w.deps[from] = removeString(w.deps[from], to)
		w.rdeps[to] = removeString(w.rdeps[to], from)
		return errors.Wrapf(ErrNotDag, "edge %s -> %s", from, to)
	}
	return nil
}

// hasCycleLocked runs an O(V+E) DFS cycle check over the current graph.
func (w *Workflow) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.tasks))

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range w.deps[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, tid := range w.order {
		if color[tid] == white {
			if visit(tid) {
				return true
			}
		}
	}
	return false
}

// linkDependenciesLocked (re)computes the "before", "after", and "input"
// edges declared by t's directives.
func (w *Workflow) linkDependenciesLocked(t *task.Task) error {
	if err := w.linkAfterLocked(t); err != nil {
		return err
	}
	if err := w.linkBeforeLocked(t); err != nil {
		return err
	}
	return w.linkInputLocked(t)
}

// linkAfterLocked adds edges: t -> match(pattern), for every "after"
// pattern and every task whose name matches it.
func (w *Workflow) linkAfterLocked(t *task.Task) error {
	tid := t.ID()
	for _, pattern := range t.Directives().After() {
		matches, err := w.findLocked(pattern)
		if err != nil {
			return err
		}
		if _, self := matches[tid]; self {
			return errors.Wrapf(ErrSelfDependency, "task %q after %q", tid, pattern)
		}
		for target := range matches {
			if err := w.addEdgeLocked(tid, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkBeforeLocked adds edges: match(pattern) -> t, the reverse of after.
func (w *Workflow) linkBeforeLocked(t *task.Task) error {
	tid := t.ID()
	for _, pattern := range t.Directives().Before() {
		matches, err := w.findLocked(pattern)
		if err != nil {
			return err
		}
		if _, self := matches[tid]; self {
			return errors.Wrapf(ErrSelfDependency, "task %q before %q", tid, pattern)
		}
		for target := range matches {
			if err := w.addEdgeLocked(target, tid); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkInputLocked adds edges: t -> q, for every task q whose "output"
// directive contains a value matching an "input" pattern.
func (w *Workflow) linkInputLocked(t *task.Task) error {
	tid := t.ID()
	for _, pattern := range t.Directives().Input() {
		matches, err := w.findByOutputLocked(pattern)
		if err != nil {
			return err
		}
		if _, self := matches[tid]; self {
			return errors.Wrapf(ErrSelfDependency, "task %q input %q", tid, pattern)
		}
		for target := range matches {
			if err := w.addEdgeLocked(tid, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// findLocked is the name lookup used while linking dependencies under the
// write lock, without re-acquiring the mutex. Unlike Find, it matches a
// task without a distinct name by its id, and it takes no fallback: a
// pattern matching nothing is an error — dependency directives never
// tolerate a silent no-op.
func (w *Workflow) findLocked(pattern string) (map[string]struct{}, error) {
	re, err := w.searchPattern(pattern)
	if err != nil {
		return nil, err
	}

	matches := make(map[string]struct{})
	for _, tid := range w.order {
		name := w.tasks[tid].Directives().Name()
		if name == tid || name == "" {
			// Fall back to id matching when no distinct name is set, so
			// "after: some_task_id" works without requiring a redundant
			// "name" directive.
			if re.MatchString(tid) {
				matches[tid] = struct{}{}
			}
			continue
		}
		if re.MatchString(name) {
			matches[tid] = struct{}{}
		}
	}

	if len(matches) == 0 {
		return nil, errors.Wrapf(ErrNoMatch, "pattern %q", pattern)
	}
	return matches, nil
}

func (w *Workflow) findByOutputLocked(pattern string) (map[string]struct{}, error) {
	re, err := w.searchPattern(pattern)
	if err != nil {
		return nil, err
	}

	matches := make(map[string]struct{})
	for _, tid := range w.order {
		for _, out := range w.tasks[tid].Directives().Output() {
			if re.MatchString(out) {
				matches[tid] = struct{}{}
				break
			}
		}
	}

	if len(matches) == 0 {
		return nil, errors.Wrapf(ErrNoMatch, "pattern %q", pattern)
	}
	return matches, nil
}

// Compose merges other into w: tasks whose id is new are added; tasks
// whose id collides with an existing failed task replace it; any other
// collision is left untouched (including complete tasks — see
// DESIGN.md's decision on this open question). Runs in a single
// transaction.
func (w *Workflow) Compose(other *Workflow) error {
	return w.Transact(func(w *Workflow) error {
		for _, t := range other.Tasks() {
			tid := t.ID()

			existing, ok := w.GetTask(tid)
			if !ok {
				if err := w.AddTask(t); err != nil {
					return err
				}
				continue
			}

			if existing.Status() == task.StatusFailed {
				w.RemoveTask(tid)
				if err := w.AddTask(t); err != nil {
					return err
				}
			}
			// Any other collision (new, pending, complete) is left as-is.
		}
		return nil
	})
}

// Build constructs a workflow from a sequence of directive mappings,
// adding every task in a single transaction. This is the entry point a
// template renderer (an external collaborator) hands its rendered task
// list to.
func Build(taskList []task.Directives) (*Workflow, error) {
	if len(taskList) == 0 {
		return nil, errors.New("no tasks were found in the task list")
	}

	w := New()
	err := w.Transact(func(w *Workflow) error {
		for _, directives := range taskList {
			if _, err := w.NewTask(directives); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}
