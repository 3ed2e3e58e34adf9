package types

import (
	"sort"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.mrtaskman.org/infra/go/testutils"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`{
		"task": {
			"name": "build",
			"requirements": {"executor": ["deviceSN42", "macos"]},
			"command": "make all",
			"timeout": "2h30m",
			"priority": 5,
			"max_attempts": 2,
			"env": {"CC": "clang"},
			"webhook": "http://example.com/hook"
		},
		"packages": [{"name": "toolchain", "version": 3}],
		"files": [{"url": "http://example.com/f", "file_destination": "data/f", "file_mode": "644"}]
	}`)
	assert.NoError(t, err)
	assert.Equal(t, "build", cfg.Task.Name)
	assert.Equal(t, []string{"deviceSN42", "macos"}, cfg.Task.Requirements.Executor)
	assert.Equal(t, 5, cfg.Task.Priority)
	assert.Equal(t, 2, cfg.Task.MaxAttempts)
	assert.Equal(t, "clang", cfg.Task.Env["CC"])
	assert.Len(t, cfg.Packages, 1)
	assert.Len(t, cfg.Files, 1)

	assert.NoError(t, cfg.ValidateForExecution())
	d, err := cfg.ExecutionTimeout()
	assert.NoError(t, err)
	assert.Equal(t, 2*time.Hour+30*time.Minute, d)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig("{")
	assert.Error(t, err)
	_, err = ParseConfig(`{"task":{"requirements":{"executor":["macos"]}}}`)
	assert.Error(t, err)
	_, err = ParseConfig(`{"task":{"name":"x","requirements":{"executor":[]}}}`)
	assert.Error(t, err)
	_, err = ParseConfig(`{"task":{"name":"x","requirements":{"executor":[""]}}}`)
	assert.Error(t, err)
}

func TestValidateForExecution(t *testing.T) {
	base := `{"task":{"name":"x","requirements":{"executor":["macos"]}`

	// Missing command.
	cfg, err := ParseConfig(base + `}}`)
	assert.NoError(t, err)
	assert.Error(t, cfg.ValidateForExecution())

	// Bad timeout.
	cfg, err = ParseConfig(base + `,"command":"true","timeout":"soon"}}`)
	assert.NoError(t, err)
	assert.Error(t, cfg.ValidateForExecution())
	cfg, err = ParseConfig(base + `,"command":"true","timeout":"-1m"}}`)
	assert.NoError(t, err)
	assert.Error(t, cfg.ValidateForExecution())

	// Bad package reference.
	cfg, err = ParseConfig(base + `,"command":"true"},"packages":[{"name":"pkg","version":0}]}`)
	assert.NoError(t, err)
	assert.Error(t, cfg.ValidateForExecution())
	cfg, err = ParseConfig(base + `,"command":"true"},"packages":[{"name":"../evil","version":1}]}`)
	assert.NoError(t, err)
	assert.Error(t, cfg.ValidateForExecution())

	// No timeout falls back to the default.
	cfg, err = ParseConfig(base + `,"command":"true"}}`)
	assert.NoError(t, err)
	assert.NoError(t, cfg.ValidateForExecution())
	d, err := cfg.ExecutionTimeout()
	assert.NoError(t, err)
	assert.Equal(t, DEFAULT_EXECUTION_TIMEOUT, d)
}

func TestTaskCopy(t *testing.T) {
	task := &Task{
		Id:                   7,
		Name:                 "t",
		Config:               "{}",
		ScheduledBy:          "user@example.com",
		Scheduled:            time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		DbModified:           time.Date(2026, time.March, 1, 12, 0, 1, 0, time.UTC),
		State:                TASK_STATE_COMPLETE,
		Attempts:             2,
		MaxAttempts:          3,
		ExecutorRequirements: []string{"macos"},
		Priority:             1,
		AssignedTime:         time.Date(2026, time.March, 1, 12, 1, 0, 0, time.UTC),
		AssignedWorker:       "worker1",
		CompletedTime:        time.Date(2026, time.March, 1, 12, 2, 0, 0, time.UTC),
		Outcome:              TASK_OUTCOME_SUCCESS,
		Result: &TaskResult{
			TaskId:             7,
			Attempt:            2,
			ExitCode:           0,
			ExecutionTime:      1.5,
			StdoutRef:          "so",
			StderrRef:          "se",
			StdoutURL:          "/taskresultfiles/so",
			StderrURL:          "/taskresultfiles/se",
			DeviceSerialNumber: "deviceSN42",
			ResultMetadata:     "{}",
		},
	}
	testutils.AssertCopy(t, task, task.Copy())
}

func TestPackageCopy(t *testing.T) {
	p := &Package{
		Name:      "pkg",
		Version:   2,
		CreatedBy: "user@example.com",
		Created:   time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		Modified:  time.Date(2026, time.March, 1, 12, 0, 1, 0, time.UTC),
		Files: []*PackageFile{
			{
				Destination: "bin/tool",
				FileMode:    "755",
				DownloadURL: "/packagefiles/abc",
				BlobKey:     "abc",
				URL:         "http://example.com/tool",
			},
		},
	}
	testutils.AssertCopy(t, p, p.Copy())
}

func TestTaskSliceOrder(t *testing.T) {
	tasks := TaskSlice{
		{Id: 3, Priority: 0},
		{Id: 1, Priority: 5},
		{Id: 2, Priority: 5},
		{Id: 4, Priority: 10},
	}
	sort.Sort(tasks)
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.Id)
	}
	assert.Equal(t, []int64{4, 1, 2, 3}, ids)
}

func TestRequiresCapability(t *testing.T) {
	task := &Task{ExecutorRequirements: []string{"deviceSN42", "macos"}}
	assert.True(t, task.RequiresCapability("macos"))
	assert.True(t, task.RequiresCapability("deviceSN42"))
	assert.False(t, task.RequiresCapability("android"))
}

func TestValidatePackageName(t *testing.T) {
	assert.NoError(t, ValidatePackageName("toolchain"))
	assert.NoError(t, ValidatePackageName("Pkg"))
	assert.Error(t, ValidatePackageName(""))
	assert.Error(t, ValidatePackageName("pkg.1"))
	assert.Error(t, ValidatePackageName("pkg name"))
	assert.Error(t, ValidatePackageName("../evil"))
	assert.Error(t, ValidatePackageName("pkg2"))
}

func TestPackageId(t *testing.T) {
	p := &Package{Name: "pkg", Version: 12}
	assert.Equal(t, "pkg.12", p.Id())
}
