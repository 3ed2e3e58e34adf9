package types

import (
	"encoding/json"
	"time"

	"go.mrtaskman.org/infra/go/skerr"
)

const (
	// DEFAULT_EXECUTION_TIMEOUT is the wall time a worker allows a command
	// when the config does not specify one.
	DEFAULT_EXECUTION_TIMEOUT = 12 * time.Minute
)

// TaskConfig is the parsed form of a Task's config blob. The server only
// enforces Task.Name and Task.Requirements.Executor; the remaining fields are
// interpreted by the worker.
type TaskConfig struct {
	Task     TaskSection  `json:"task"`
	Packages []PackageRef `json:"packages,omitempty"`
	Files    []FileRef    `json:"files,omitempty"`
}

// TaskSection holds the task.* keys of a config blob.
type TaskSection struct {
	// Name is a required human-friendly name.
	Name string `json:"name"`

	// Requirements lists the capability tokens a worker must match.
	Requirements Requirements `json:"requirements"`

	// Command is the shell command to run.
	Command string `json:"command"`

	// Timeout is an optional duration string, e.g. "12m" or "2h30m".
	Timeout string `json:"timeout,omitempty"`

	// Priority orders assignment; higher values are assigned first.
	Priority int `json:"priority,omitempty"`

	// MaxAttempts overrides the default number of assignments before the
	// Task is declared timed out.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Env is merged onto the worker's process environment.
	Env map[string]string `json:"env,omitempty"`

	// Webhook, if set, receives a form-encoded POST with the task id when
	// the Task completes.
	Webhook string `json:"webhook,omitempty"`
}

// Requirements describes which workers may run a Task.
type Requirements struct {
	Executor []string `json:"executor"`
}

// PackageRef names a package to install before execution.
type PackageRef struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// FileRef names a single file to stage into the working directory before
// execution.
type FileRef struct {
	URL         string `json:"url"`
	Destination string `json:"file_destination"`
	FileMode    string `json:"file_mode,omitempty"`
}

// ParseConfig parses and validates a raw config blob. Only the fields the
// server cares about are validated; ValidateForExecution performs the
// stricter worker-side checks.
func ParseConfig(config string) (*TaskConfig, error) {
	var rv TaskConfig
	if err := json.Unmarshal([]byte(config), &rv); err != nil {
		return nil, skerr.Wrapf(err, "Invalid task config")
	}
	if rv.Task.Name == "" {
		return nil, skerr.Fmt("Task config is missing task.name")
	}
	if len(rv.Task.Requirements.Executor) == 0 {
		return nil, skerr.Fmt("Task config is missing task.requirements.executor")
	}
	for _, e := range rv.Task.Requirements.Executor {
		if e == "" {
			return nil, skerr.Fmt("Task config contains an empty executor requirement")
		}
	}
	return &rv, nil
}

// ValidateForExecution performs the checks a worker needs before running the
// Task.
func (c *TaskConfig) ValidateForExecution() error {
	if c.Task.Command == "" {
		return skerr.Fmt("Task config is missing task.command")
	}
	if _, err := c.ExecutionTimeout(); err != nil {
		return err
	}
	for _, p := range c.Packages {
		if err := ValidatePackageName(p.Name); err != nil {
			return err
		}
		if p.Version <= 0 {
			return skerr.Fmt("Package %q has invalid version %d", p.Name, p.Version)
		}
	}
	return nil
}

// ExecutionTimeout returns the wall time allowed for the command, or
// DEFAULT_EXECUTION_TIMEOUT if the config does not specify one.
func (c *TaskConfig) ExecutionTimeout() (time.Duration, error) {
	return c.TimeoutOrDefault(DEFAULT_EXECUTION_TIMEOUT)
}

// TimeoutOrDefault returns task.timeout parsed as a duration, or the given
// default if it is absent.
func (c *TaskConfig) TimeoutOrDefault(def time.Duration) (time.Duration, error) {
	if c.Task.Timeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(c.Task.Timeout)
	if err != nil {
		return 0, skerr.Wrapf(err, "Invalid task.timeout %q", c.Task.Timeout)
	}
	if d <= 0 {
		return 0, skerr.Fmt("task.timeout must be positive, got %q", c.Task.Timeout)
	}
	return d, nil
}
