// Package scheduling implements the server-side assignment engine: tasks move
// SCHEDULED -> ASSIGNED -> COMPLETE, workers receive them by capability match
// and priority, and a delayed-callback queue reclaims attempts which never
// produce a result.
package scheduling

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/now"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
	"go.mrtaskman.org/infra/taskman/go/db"
	"go.mrtaskman.org/infra/taskman/go/types"
)

const (
	// DEFAULT_TASK_TIMEOUT is the server-side attempt timeout used when
	// the config does not specify one. It is deliberately longer than the
	// worker's execution default.
	DEFAULT_TASK_TIMEOUT = 15 * time.Minute

	// TIMEOUT_GRACE is added to every attempt timeout to cover package
	// install and result upload overhead.
	TIMEOUT_GRACE = 3 * time.Minute

	// TIMEOUT_CALLBACK is the delay-queue callback name for attempt
	// timeouts. It is persisted, so it must be stable across releases.
	TIMEOUT_CALLBACK = "task-timeout"

	// ASSIGN_BATCH is the number of candidate tasks fetched per capability
	// during Assign.
	ASSIGN_BATCH = 100

	// DELETE_SWEEP_BATCH is the number of tasks fetched per round of a
	// DeleteByExecutor sweep.
	DELETE_SWEEP_BATCH = 1000
)

var (
	// ErrTimedOut is returned by UploadResult when the attempt being
	// reported no longer owns the task: the result already landed, the
	// attempt was reclaimed, or a newer attempt is underway.
	ErrTimedOut = errors.New("Task attempt has timed out or been superseded")

	// errUnchanged aborts an update closure without writing.
	errUnchanged = errors.New("task unchanged")
)

func IsTimedOut(e error) bool {
	return e != nil && e.Error() == ErrTimedOut.Error()
}

// CallbackQueue schedules a named callback with an opaque payload to run no
// earlier than eta, with at-least-once delivery.
type CallbackQueue interface {
	Schedule(ctx context.Context, name string, eta time.Time, payload []byte) error
}

// timeoutPayload identifies the attempt a timeout callback was scheduled for.
type timeoutPayload struct {
	TaskId  int64
	Attempt int
}

// TaskScheduler is the assignment engine.
type TaskScheduler struct {
	db     db.TaskDB
	queue  CallbackQueue
	client *http.Client

	metricAssigned  metrics2.Counter
	metricEmptyPoll metrics2.Counter
	metricCompleted metrics2.Counter
	metricReclaimed metrics2.Counter
	metricExpired   metrics2.Counter
}

// NewTaskScheduler returns a TaskScheduler which persists tasks in d,
// schedules timeout callbacks on q, and delivers webhooks with client. The
// caller must register s.HandleTimeout under TIMEOUT_CALLBACK on its delay
// queue.
func NewTaskScheduler(d db.TaskDB, q CallbackQueue, client *http.Client) *TaskScheduler {
	return &TaskScheduler{
		db:              d,
		queue:           q,
		client:          client,
		metricAssigned:  metrics2.GetCounter("task_assignments", map[string]string{"result": "assigned"}),
		metricEmptyPoll: metrics2.GetCounter("task_assignments", map[string]string{"result": "empty"}),
		metricCompleted: metrics2.GetCounter("task_completions", map[string]string{}),
		metricReclaimed: metrics2.GetCounter("task_timeouts", map[string]string{"result": "rescheduled"}),
		metricExpired:   metrics2.GetCounter("task_timeouts", map[string]string{"result": "timed_out"}),
	}
}

// Schedule validates the given config blob and creates a new task in
// TASK_STATE_SCHEDULED. Returns the new task's id.
func (s *TaskScheduler) Schedule(ctx context.Context, config, user string) (int64, error) {
	parsed, err := types.ParseConfig(config)
	if err != nil {
		return 0, err
	}
	maxAttempts := parsed.Task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DEFAULT_MAX_ATTEMPTS
	}
	t := &types.Task{
		Name:                 parsed.Task.Name,
		Config:               config,
		ScheduledBy:          user,
		Scheduled:            now.Now(ctx),
		State:                types.TASK_STATE_SCHEDULED,
		Attempts:             0,
		MaxAttempts:          maxAttempts,
		ExecutorRequirements: util.CopyStringSlice(parsed.Task.Requirements.Executor),
		Priority:             parsed.Task.Priority,
	}
	if err := s.db.InsertTask(t); err != nil {
		return 0, skerr.Wrapf(err, "Failed to insert task")
	}
	sklog.Infof("Scheduled task %d (%s) for %v with priority %d", t.Id, t.Name, t.ExecutorRequirements, t.Priority)
	return t.Id, nil
}

// GetTask returns the task with the given id, or nil if it does not exist.
func (s *TaskScheduler) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	return s.db.GetTaskById(id)
}

// DeleteTask removes the task with the given id. Returns false if the task
// did not exist.
func (s *TaskScheduler) DeleteTask(ctx context.Context, id int64) (bool, error) {
	return s.db.DeleteTask(id)
}

// attemptTimeout returns the server-side timeout for one attempt of the given
// task.
func attemptTimeout(t *types.Task) time.Duration {
	parsed, err := types.ParseConfig(t.Config)
	if err != nil {
		// The config was validated at schedule time; fall back rather
		// than lose the timeout entirely.
		sklog.Errorf("Task %d has an unparsable config: %s", t.Id, err)
		return DEFAULT_TASK_TIMEOUT
	}
	d, err := parsed.TimeoutOrDefault(DEFAULT_TASK_TIMEOUT)
	if err != nil {
		sklog.Errorf("Task %d has an invalid timeout: %s", t.Id, err)
		return DEFAULT_TASK_TIMEOUT
	}
	return d
}

// Assign hands the best matching scheduled task to the given worker, walking
// the worker's capability list in order and stopping at the first capability
// which yields a task. Within one capability, candidates are tried by
// descending priority then ascending id; losing a concurrent-update race
// moves on to the next candidate. Returns nil if no capability yielded a
// task.
func (s *TaskScheduler) Assign(ctx context.Context, worker string, capabilities []string) (*types.Task, error) {
	ts := now.Now(ctx)
	for _, capability := range capabilities {
		candidates, err := s.db.SearchScheduledTasks(capability, ASSIGN_BATCH)
		if err != nil {
			return nil, skerr.Wrapf(err, "Failed to search scheduled tasks for %q", capability)
		}
		for _, t := range candidates {
			t.State = types.TASK_STATE_ASSIGNED
			t.AssignedWorker = worker
			t.AssignedTime = ts
			t.Attempts++
			if err := s.db.PutTask(t); err != nil {
				if db.IsConcurrentUpdate(err) || db.IsNotFound(err) {
					// Another worker claimed it, or it was
					// deleted out from under us.
					continue
				}
				return nil, skerr.Wrapf(err, "Failed to assign task %d", t.Id)
			}
			if err := s.scheduleTimeout(ctx, t); err != nil {
				// The assignment is committed; without the
				// callback the attempt can never be reclaimed,
				// so surface the error.
				return nil, err
			}
			s.metricAssigned.Inc(1)
			sklog.Infof("Assigned task %d (attempt %d) to %s via capability %q", t.Id, t.Attempts, worker, capability)
			return t, nil
		}
	}
	s.metricEmptyPoll.Inc(1)
	return nil, nil
}

// scheduleTimeout enqueues the reclaim callback for the task's current
// attempt.
func (s *TaskScheduler) scheduleTimeout(ctx context.Context, t *types.Task) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(timeoutPayload{
		TaskId:  t.Id,
		Attempt: t.Attempts,
	}); err != nil {
		return skerr.Wrap(err)
	}
	eta := t.AssignedTime.Add(attemptTimeout(t) + TIMEOUT_GRACE)
	if err := s.queue.Schedule(ctx, TIMEOUT_CALLBACK, eta, buf.Bytes()); err != nil {
		return skerr.Wrapf(err, "Failed to schedule timeout for task %d attempt %d", t.Id, t.Attempts)
	}
	return nil
}

// UploadResult records the result of an attempt. Returns db.ErrNotFound if
// the task does not exist and ErrTimedOut if the attempt no longer owns the
// task; in the latter case the result is discarded. On success the task
// becomes COMPLETE with outcome SUCCESS or FAILED depending on the exit code.
func (s *TaskScheduler) UploadResult(ctx context.Context, res *types.TaskResult) error {
	ts := now.Now(ctx)
	t, err := db.UpdateTaskWithRetries(s.db, res.TaskId, func(t *types.Task) error {
		if t.Attempts != res.Attempt || t.State == types.TASK_STATE_COMPLETE {
			return ErrTimedOut
		}
		t.Result = res.Copy()
		t.CompletedTime = ts
		t.State = types.TASK_STATE_COMPLETE
		if res.ExitCode == 0 {
			t.Outcome = types.TASK_OUTCOME_SUCCESS
		} else {
			t.Outcome = types.TASK_OUTCOME_FAILED
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metricCompleted.Inc(1)
	sklog.Infof("Task %d completed attempt %d with exit code %d (%s)", t.Id, res.Attempt, res.ExitCode, t.Outcome)
	s.deliverWebhook(ctx, t)
	return nil
}

// deliverWebhook POSTs a form-encoded task_id to the config's webhook URL, if
// any. Best effort; failures are logged and never affect task state.
func (s *TaskScheduler) deliverWebhook(ctx context.Context, t *types.Task) {
	parsed, err := types.ParseConfig(t.Config)
	if err != nil || parsed.Task.Webhook == "" {
		return
	}
	body := url.Values{"task_id": []string{strconv.FormatInt(t.Id, 10)}}
	resp, err := s.client.PostForm(parsed.Task.Webhook, body)
	if err != nil {
		sklog.Errorf("Webhook for task %d failed: %s", t.Id, err)
		return
	}
	util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sklog.Errorf("Webhook for task %d returned status %d", t.Id, resp.StatusCode)
	}
}

// HandleTimeout is the delay-queue callback which reclaims an attempt that
/// never produced a result. It is idempotent: if the task is gone, completed,
// or has moved on to a different attempt, it does nothing.
func (s *TaskScheduler) HandleTimeout(ctx context.Context, payload []byte) error {
	var p timeoutPayload
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&p); err != nil {
		return skerr.Wrapf(err, "Invalid timeout payload")
	}
	ts := now.Now(ctx)
	expired := false
	_, err := db.UpdateTaskWithRetries(s.db, p.TaskId, func(t *types.Task) error {
		if t.State != types.TASK_STATE_ASSIGNED || t.Attempts != p.Attempt {
			// The result already landed or a newer attempt is
			// underway.
			return errUnchanged
		}
		if t.Attempts >= t.MaxAttempts {
			t.State = types.TASK_STATE_COMPLETE
			t.Outcome = types.TASK_OUTCOME_TIMED_OUT
			t.CompletedTime = ts
			expired = true
		} else {
			// AssignedWorker stays in place so the prior runner
			// remains observable.
			t.State = types.TASK_STATE_SCHEDULED
		}
		return nil
	})
	if err == errUnchanged || db.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	if expired {
		s.metricExpired.Inc(1)
		sklog.Warningf("Task %d timed out for good after %d attempts", p.TaskId, p.Attempt)
	} else {
		s.metricReclaimed.Inc(1)
		sklog.Warningf("Task %d attempt %d timed out; rescheduled", p.TaskId, p.Attempt)
	}
	return nil
}

// DeleteByExecutor starts a background sweep which deletes all scheduled
// tasks requiring the given capability, in batches, until none remain.
func (s *TaskScheduler) DeleteByExecutor(ctx context.Context, executor string) {
	go func() {
		deleted := 0
		for {
			tasks, err := s.db.SearchScheduledTasks(executor, DELETE_SWEEP_BATCH)
			if err != nil {
				sklog.Errorf("Delete sweep for %q failed: %s", executor, err)
				return
			}
			if len(tasks) == 0 {
				break
			}
			for _, t := range tasks {
				ok, err := s.db.DeleteTask(t.Id)
				if err != nil {
					sklog.Errorf("Delete sweep for %q failed on task %d: %s", executor, t.Id, err)
					return
				}
				if ok {
					deleted++
				}
			}
		}
		sklog.Infof("Delete sweep for %q removed %d tasks", executor, deleted)
	}()
}
