package types

import (
	"time"

	"go.mrtaskman.org/infra/go/util"
)

const (
	// TASK_STATE_SCHEDULED indicates that the Task is waiting to be
	// assigned to a worker.
	TASK_STATE_SCHEDULED TaskState = "SCHEDULED"

	// TASK_STATE_ASSIGNED indicates that the Task has been handed to a
	// worker and is expected to produce a result before its timeout.
	TASK_STATE_ASSIGNED TaskState = "ASSIGNED"

	// TASK_STATE_COMPLETE indicates that the Task is finished and will not
	// change again.
	TASK_STATE_COMPLETE TaskState = "COMPLETE"

	// TASK_OUTCOME_SUCCESS indicates that the Task's command exited zero.
	TASK_OUTCOME_SUCCESS TaskOutcome = "SUCCESS"

	// TASK_OUTCOME_FAILED indicates that the Task's command exited non-zero.
	TASK_OUTCOME_FAILED TaskOutcome = "FAILED"

	// TASK_OUTCOME_TIMED_OUT indicates that the Task ran out of attempts
	// without ever producing a result.
	TASK_OUTCOME_TIMED_OUT TaskOutcome = "TIMED_OUT"

	// DEFAULT_MAX_ATTEMPTS is the number of times a Task is handed out
	// before it is declared timed out for good.
	DEFAULT_MAX_ATTEMPTS = 3
)

var (
	VALID_TASK_STATES = []TaskState{
		TASK_STATE_SCHEDULED,
		TASK_STATE_ASSIGNED,
		TASK_STATE_COMPLETE,
	}
)

// TaskState represents the current state of a Task.
type TaskState string

// TaskOutcome represents the final disposition of a completed Task.
type TaskOutcome string

// Task is one unit of work handed to a single worker at a time.
//
// Task is stored as a GOB, so changes must maintain backwards compatibility.
// See gob package documentation for details, but generally:
//   - Ensure new fields can be initialized with their zero value.
//   - Do not change the type of any existing field.
//   - Leave removed fields commented out to ensure the field name is not
//     reused.
//   - Add any new fields to the Copy() method.
type Task struct {
	// Id is a unique identifier for the Task, assigned by the DB on
	// insertion. This property never changes for a given Task instance.
	Id int64 `json:"id"`

	// Name is a human-friendly descriptive name for the Task, copied out
	// of the config at schedule time.
	Name string `json:"name"`

	// Config is the raw JSON config blob as submitted by the client. The
	// server parses it only far enough to validate the name and executor
	// requirements; everything else is the worker's contract.
	Config string `json:"config"`

	// ScheduledBy identifies the user who scheduled the Task, if known.
	ScheduledBy string `json:"scheduled_by,omitempty"`

	// Scheduled is the time at which the Task was created.
	Scheduled time.Time `json:"scheduled_time"`

	// DbModified is the time of the last successful write of this Task,
	// used for detecting concurrent updates.
	DbModified time.Time `json:"-"`

	// State is the current TaskState, default TASK_STATE_SCHEDULED.
	State TaskState `json:"state"`

	// Attempts is the number of times the Task has been assigned.
	Attempts int `json:"attempts"`

	// MaxAttempts is the number of assignments after which the Task is
	// declared TIMED_OUT rather than rescheduled.
	MaxAttempts int `json:"max_attempts"`

	// ExecutorRequirements is the ordered, non-empty list of capability
	// tokens which a worker must advertise to run this Task.
	ExecutorRequirements []string `json:"executor_requirements"`

	// Priority orders assignment; higher values are assigned first.
	Priority int `json:"priority"`

	// AssignedTime is the time of the most recent assignment.
	AssignedTime time.Time `json:"assigned_time,omitempty"`

	// AssignedWorker names the worker from the most recent assignment. It
	// is deliberately left in place when a timeout reschedules the Task so
	// that the prior runner remains observable.
	AssignedWorker string `json:"assigned_worker,omitempty"`

	// CompletedTime is the time at which the Task entered
	// TASK_STATE_COMPLETE.
	CompletedTime time.Time `json:"completed_time,omitempty"`

	// Outcome is the final disposition, set when the Task completes.
	Outcome TaskOutcome `json:"outcome,omitempty"`

	// Result is the uploaded result of the winning attempt, or nil.
	Result *TaskResult `json:"result,omitempty"`
}

// TaskResult describes the outcome of one executed attempt of a Task.
//
// TaskResult is stored as part of Task, so the GOB compatibility rules for
// Task apply here too.
type TaskResult struct {
	// TaskId is the id of the Task which produced this result.
	TaskId int64 `json:"task_id"`

	// Attempt is the attempt number which produced this result.
	Attempt int `json:"attempt"`

	// ExitCode is the exit code of the Task's command.
	ExitCode int `json:"exit_code"`

	// ExecutionTime is the measured wall time of the command in seconds.
	ExecutionTime float64 `json:"execution_time"`

	// StdoutRef and StderrRef are blob store keys for the captured output.
	StdoutRef string `json:"stdout_ref,omitempty"`
	StderrRef string `json:"stderr_ref,omitempty"`

	// StdoutURL and StderrURL are download URLs for the captured output.
	StdoutURL string `json:"stdout_download_url,omitempty"`
	StderrURL string `json:"stderr_download_url,omitempty"`

	// DeviceSerialNumber identifies the attached device which ran the
	// command, if any.
	DeviceSerialNumber string `json:"device_serial_number,omitempty"`

	// ResultMetadata is an opaque JSON blob supplied by the worker.
	ResultMetadata string `json:"result_metadata,omitempty"`
}

// Copy returns a copy of the Task.
func (t *Task) Copy() *Task {
	rv := new(Task)
	*rv = *t
	rv.ExecutorRequirements = util.CopyStringSlice(t.ExecutorRequirements)
	rv.Result = t.Result.Copy()
	return rv
}

// Copy returns a copy of the TaskResult.
func (r *TaskResult) Copy() *TaskResult {
	if r == nil {
		return nil
	}
	rv := new(TaskResult)
	*rv = *r
	return rv
}

// Done returns true if the Task is in a terminal state.
func (t *Task) Done() bool {
	return t.State == TASK_STATE_COMPLETE
}

// RequiresCapability returns true if the given capability token satisfies one
// of the Task's executor requirements.
func (t *Task) RequiresCapability(c string) bool {
	return util.In(c, t.ExecutorRequirements)
}

// TaskSlice implements sort.Interface. Tasks sort by descending Priority,
// then by ascending Id, which is insertion order.
type TaskSlice []*Task

func (s TaskSlice) Len() int { return len(s) }

func (s TaskSlice) Less(i, j int) bool {
	if s[i].Priority != s[j].Priority {
		return s[i].Priority > s[j].Priority
	}
	return s[i].Id < s[j].Id
}

func (s TaskSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}
