package slurm

// JobState is a Slurm job state code as reported by sacct's %State field.
// Slurm sometimes appends a qualifier (e.g. "CANCELLED by 1234"); callers
// should use parseState rather than comparing raw sacct output directly.
type JobState string

const (
	StatePending      JobState = "PENDING"
	StateRunning      JobState = "RUNNING"
	StateSuspended    JobState = "SUSPENDED"
	StateCompleting   JobState = "COMPLETING"
	StateConfiguring  JobState = "CONFIGURING"
	StateResizing     JobState = "RESIZING"
	StateCompleted    JobState = "COMPLETED"
	StateCancelled    JobState = "CANCELLED"
	StateFailed       JobState = "FAILED"
	StateTimeout      JobState = "TIMEOUT"
	StateNodeFail     JobState = "NODE_FAIL"
	StatePreempted    JobState = "PREEMPTED"
	StateBootFail     JobState = "BOOT_FAIL"
	StateDeadline     JobState = "DEADLINE"
	StateOutOfMemory  JobState = "OUT_OF_MEMORY"
	StateRevoked      JobState = "REVOKED"
	StateSpecialExit  JobState = "SPECIAL_EXIT"
	StateStopped      JobState = "STOPPED"
)

// activeStates are states in which a job has not yet reached a terminal
// outcome and is still occupying (or waiting for) resources.
var activeStates = map[JobState]bool{
	StatePending:     true,
	StateRunning:     true,
	StateSuspended:   true,
	StateCompleting:  true,
	StateConfiguring: true,
	StateResizing:    true,
}

// passedStates are terminal states counted as a successful run.
var passedStates = map[JobState]bool{
	StateCompleted: true,
}

// failedStates are terminal states counted as an unsuccessful run. Every
// terminal state that is not in passedStates belongs here; this list is
// kept explicit so a newly introduced Slurm state is forced to be
// classified rather than silently falling through as "success".
var failedStates = map[JobState]bool{
	StateCancelled:   true,
	StateFailed:      true,
	StateTimeout:     true,
	StateNodeFail:    true,
	StatePreempted:   true,
	StateBootFail:    true,
	StateDeadline:    true,
	StateOutOfMemory: true,
	StateRevoked:     true,
	StateSpecialExit: true,
	StateStopped:     true,
}

// IsActive reports whether s represents a job still in flight.
func (s JobState) IsActive() bool { return activeStates[s] }

// IsTerminal reports whether s is a final state (passed or failed).
func (s JobState) IsTerminal() bool { return passedStates[s] || failedStates[s] }

// Passed reports whether s represents a successful completion.
func (s JobState) Passed() bool { return passedStates[s] }
