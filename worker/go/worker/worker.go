// Package worker implements the poll/execute/report loop. A worker
// repeatedly asks the server for a task matching its capabilities, prepares a
// scratch working directory, runs the task's shell command with a deadline,
// and uploads the result with the captured stdout and stderr. The loop only
// exits when its context is canceled; task failures are reported to the
// server and the loop continues.
package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
	"go.mrtaskman.org/infra/taskman/go/client"
	"go.mrtaskman.org/infra/taskman/go/types"
	"go.mrtaskman.org/infra/worker/go/deviceinfo"
	"go.mrtaskman.org/infra/worker/go/installer"
)

const (
	// POLL_INTERVAL is how long to sleep when no task is available or
	// polling fails.
	POLL_INTERVAL = 10 * time.Second

	// Names of the files capturing the command's output in the working
	// directory.
	STDOUT_FILE = "stdout"
	STDERR_FILE = "stderr"

	// EXIT_CODE_INTERNAL_ERROR is reported when the command could not be
	// run at all or was killed by the execution deadline.
	EXIT_CODE_INTERNAL_ERROR = -1
)

// Worker polls a taskman server for tasks and executes them.
type Worker struct {
	client       *client.Client
	installer    *installer.Installer
	name         string
	hostname     string
	capabilities []string
	executors    map[string]bool
	deviceSerial string

	metricSuccess metrics2.Counter
	metricFailed  metrics2.Counter
	metricSkipped metrics2.Counter
}

// New returns a Worker advertising the given host executor tag plus any
// capabilities derived from an attached device.
func New(c *client.Client, inst *installer.Installer, name, hostname, hostExecutor string) *Worker {
	serial := deviceinfo.SerialNumber()
	capabilities := append(deviceinfo.Capabilities(serial), hostExecutor)
	executors := make(map[string]bool, len(capabilities))
	for _, token := range capabilities {
		executors[token] = true
	}
	return &Worker{
		client:        c,
		installer:     inst,
		name:          name,
		hostname:      hostname,
		capabilities:  capabilities,
		executors:     executors,
		deviceSerial:  serial,
		metricSuccess: metrics2.GetCounter("worker_tasks", map[string]string{"result": "success"}),
		metricFailed:  metrics2.GetCounter("worker_tasks", map[string]string{"result": "failed"}),
		metricSkipped: metrics2.GetCounter("worker_tasks", map[string]string{"result": "skipped"}),
	}
}

// Capabilities returns the capability tokens this worker advertises, device
// tokens first.
func (w *Worker) Capabilities() []string {
	return w.capabilities
}

// Start polls for tasks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	sklog.Infof("Worker %s on %s polling with capabilities %v", w.name, w.hostname, w.capabilities)
	for {
		if err := ctx.Err(); err != nil {
			sklog.Infof("Worker %s exiting: %s", w.name, err)
			return
		}
		t, err := w.client.Assign(ctx, w.name, w.hostname, w.capabilities)
		if err != nil {
			sklog.Errorf("Failed to poll for a task: %s", err)
			w.sleep(ctx)
			continue
		}
		if t == nil {
			w.sleep(ctx)
			continue
		}
		w.runTask(ctx, t)
	}
}

// sleep waits for POLL_INTERVAL or until ctx is canceled.
func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(POLL_INTERVAL):
	case <-ctx.Done():
	}
}

// selectExecutor returns the first required executor this worker implements,
// or "" if none match.
func (w *Worker) selectExecutor(required []string) string {
	for _, e := range required {
		if w.executors[e] {
			return e
		}
	}
	return ""
}

// runTask executes one assigned task and reports the result. Failures are
// reported as a failed attempt; they never stop the loop.
func (w *Worker) runTask(ctx context.Context, t *client.Task) {
	sklog.Infof("Assigned task %d (attempt %d)", t.Id, t.Attempts)
	cfg, err := types.ParseConfig(t.Config)
	if err == nil {
		err = cfg.ValidateForExecution()
	}
	if err != nil {
		sklog.Errorf("Task %d has an unusable config: %s", t.Id, err)
		w.metricFailed.Inc(1)
		w.report(ctx, t, &types.TaskResult{
			TaskId:             t.Id,
			Attempt:            t.Attempts,
			ExitCode:           EXIT_CODE_INTERNAL_ERROR,
			DeviceSerialNumber: w.deviceSerial,
		}, "", "")
		return
	}
	if executor := w.selectExecutor(cfg.Task.Requirements.Executor); executor == "" {
		// The server should not have assigned this task to us; leave
		// it for the timeout to reschedule.
		sklog.Errorf("Task %d requires %v; none match our executors", t.Id, cfg.Task.Requirements.Executor)
		w.metricSkipped.Inc(1)
		return
	}

	dir, err := os.MkdirTemp("", "taskman-task-")
	if err != nil {
		sklog.Errorf("Failed to create working directory for task %d: %s", t.Id, err)
		return
	}
	defer util.RemoveAll(dir)

	res := &types.TaskResult{
		TaskId:             t.Id,
		Attempt:            t.Attempts,
		DeviceSerialNumber: w.deviceSerial,
	}
	stdoutPath := filepath.Join(dir, STDOUT_FILE)
	stderrPath := filepath.Join(dir, STDERR_FILE)
	if err := w.installer.PrepareWorkingDirectory(ctx, cfg, dir); err != nil {
		sklog.Errorf("Failed to prepare working directory for task %d: %s", t.Id, err)
		res.ExitCode = EXIT_CODE_INTERNAL_ERROR
		w.metricFailed.Inc(1)
		w.report(ctx, t, res, "", "")
		return
	}

	exitCode, executionTime, err := w.execute(ctx, cfg, dir, stdoutPath, stderrPath)
	if err != nil {
		sklog.Errorf("Task %d did not run cleanly: %s", t.Id, err)
	}
	res.ExitCode = exitCode
	res.ExecutionTime = executionTime.Seconds()
	if exitCode == 0 {
		w.metricSuccess.Inc(1)
	} else {
		w.metricFailed.Inc(1)
	}
	w.report(ctx, t, res, stdoutPath, stderrPath)
}

// execute runs the config's command through the shell in dir, redirecting
// output to the given files and enforcing the config's execution timeout.
// Returns the exit code and the wall time the command ran.
func (w *Worker) execute(ctx context.Context, cfg *types.TaskConfig, dir, stdoutPath, stderrPath string) (int, time.Duration, error) {
	timeout, err := cfg.ExecutionTimeout()
	if err != nil {
		return EXIT_CODE_INTERNAL_ERROR, 0, err
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return EXIT_CODE_INTERNAL_ERROR, 0, skerr.Wrap(err)
	}
	defer util.Close(stdout)
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return EXIT_CODE_INTERNAL_ERROR, 0, skerr.Wrap(err)
	}
	defer util.Close(stderr)

	cmd := exec.CommandContext(execCtx, "sh", "-c", cfg.Task.Command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = mergeEnv(os.Environ(), cfg.Task.Env)

	sklog.Infof("Running %q (timeout %s)", cfg.Task.Command, timeout)
	started := time.Now()
	runErr := cmd.Run()
	executionTime := time.Since(started)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return EXIT_CODE_INTERNAL_ERROR, executionTime, skerr.Fmt("Command killed after %s", timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), executionTime, nil
		}
		return EXIT_CODE_INTERNAL_ERROR, executionTime, skerr.Wrap(runErr)
	}
	return 0, executionTime, nil
}

// report uploads the result of an attempt. Upload failures are logged; the
// server's timeout will reschedule the attempt if the upload never lands.
func (w *Worker) report(ctx context.Context, t *client.Task, res *types.TaskResult, stdoutPath, stderrPath string) {
	if t.TaskCompleteURL == "" {
		sklog.Errorf("Task %d has no task_complete_url; dropping result", t.Id)
		return
	}
	if err := w.client.CompleteTask(ctx, t.TaskCompleteURL, res, stdoutPath, stderrPath); err != nil {
		sklog.Errorf("Failed to upload result for task %d: %s", t.Id, err)
		return
	}
	sklog.Infof("Uploaded result for task %d: exit code %d in %.2fs", t.Id, res.ExitCode, res.ExecutionTime)
}

// mergeEnv overlays the config's env onto the base environment.
func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	rv := make([]string, len(base), len(base)+len(overlay))
	copy(rv, base)
	for k, v := range overlay {
		rv = append(rv, k+"="+v)
	}
	return rv
}
