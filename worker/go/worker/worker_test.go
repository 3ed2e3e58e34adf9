package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	assert "github.com/stretchr/testify/require"

	"go.mrtaskman.org/infra/taskman/go/blobstore"
	"go.mrtaskman.org/infra/taskman/go/client"
	"go.mrtaskman.org/infra/taskman/go/db"
	"go.mrtaskman.org/infra/taskman/go/packages"
	"go.mrtaskman.org/infra/taskman/go/rpc"
	"go.mrtaskman.org/infra/taskman/go/scheduling"
	"go.mrtaskman.org/infra/taskman/go/types"
	"go.mrtaskman.org/infra/worker/go/deviceinfo"
	"go.mrtaskman.org/infra/worker/go/installer"
	"go.mrtaskman.org/infra/worker/go/packagecache"
)

type fakeQueue struct{}

func (q *fakeQueue) Schedule(ctx context.Context, name string, eta time.Time, payload []byte) error {
	return nil
}

// newTestWorker stands up a server and a Worker pointed at it.
func newTestWorker(t *testing.T) (*Worker, *client.Client) {
	t.Setenv(deviceinfo.DEVICE_SN_ENV_VAR, "")

	d := db.NewInMemoryDB()
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})
	packageBlobs, err := blobstore.NewFileSystemStore(filepath.Join(t.TempDir(), "package_files"))
	assert.NoError(t, err)
	resultBlobs, err := blobstore.NewFileSystemStore(filepath.Join(t.TempDir(), "result_files"))
	assert.NoError(t, err)
	r := chi.NewRouter()
	rpc.NewTaskmanAPI(scheduling.NewTaskScheduler(d, &fakeQueue{}, &http.Client{}), packages.NewRegistry(d, packageBlobs), packageBlobs, resultBlobs).RegisterHandlers(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, srv.Client())
	cache, err := packagecache.New(filepath.Join(t.TempDir(), "cache"), packagecache.Config{
		MaxSizeBytes:  100 * 1024,
		LowWatermark:  0.6,
		HighWatermark: 0.8,
	})
	assert.NoError(t, err)
	return New(c, installer.New(c, cache), "worker1", "host1", "macos"), c
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "B=2"}
	assert.Equal(t, base, mergeEnv(base, nil))

	merged := mergeEnv(base, map[string]string{"C": "3"})
	assert.Contains(t, merged, "A=1")
	assert.Contains(t, merged, "C=3")
	// The base slice is not modified.
	assert.Equal(t, []string{"A=1", "B=2"}, base)
}

func TestSelectExecutor(t *testing.T) {
	t.Setenv(deviceinfo.DEVICE_SN_ENV_VAR, "0146A14C1001800C")
	w := New(nil, nil, "worker1", "host1", "macos")

	// Device tokens come first, the host executor last.
	caps := w.Capabilities()
	assert.Equal(t, "0146A14C1001800C", caps[0])
	assert.Equal(t, "macos", caps[len(caps)-1])

	// The first required executor we implement wins.
	assert.Equal(t, "macos", w.selectExecutor([]string{"ios", "macos"}))
	assert.Equal(t, "android", w.selectExecutor([]string{"android", "macos"}))
	assert.Equal(t, "0146A14C1001800C", w.selectExecutor([]string{"0146A14C1001800C"}))
	assert.Equal(t, "", w.selectExecutor([]string{"ios", "windows"}))
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	t.Setenv(deviceinfo.DEVICE_SN_ENV_VAR, "")
	w := New(nil, nil, "worker1", "host1", "macos")

	run := func(config string) (int, string, string, error) {
		cfg, err := types.ParseConfig(config)
		assert.NoError(t, err)
		dir := t.TempDir()
		stdoutPath := filepath.Join(dir, STDOUT_FILE)
		stderrPath := filepath.Join(dir, STDERR_FILE)
		exitCode, executionTime, err := w.execute(ctx, cfg, dir, stdoutPath, stderrPath)
		assert.GreaterOrEqual(t, executionTime, time.Duration(0))
		stdout, _ := os.ReadFile(stdoutPath)
		stderr, _ := os.ReadFile(stderrPath)
		return exitCode, string(stdout), string(stderr), err
	}

	// Success, with output captured.
	exitCode, stdout, _, err := run(`{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"echo hello"}}`)
	assert.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "hello\n", stdout)

	// The command's exit code is passed through, not treated as an error.
	exitCode, _, stderr, err := run(`{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"echo oops >&2; exit 3"}}`)
	assert.NoError(t, err)
	assert.Equal(t, 3, exitCode)
	assert.Equal(t, "oops\n", stderr)

	// The config's env is visible to the command.
	exitCode, stdout, _, err = run(`{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"printf %s \"$TASKMAN_GREETING\"","env":{"TASKMAN_GREETING":"hi"}}}`)
	assert.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "hi", stdout)

	// The command runs in the working directory.
	cfg, err := types.ParseConfig(`{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"pwd"}}`)
	assert.NoError(t, err)
	dir := t.TempDir()
	stdoutPath := filepath.Join(dir, STDOUT_FILE)
	_, _, err = w.execute(ctx, cfg, dir, stdoutPath, filepath.Join(dir, STDERR_FILE))
	assert.NoError(t, err)
	b, err := os.ReadFile(stdoutPath)
	assert.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	assert.NoError(t, err)
	assert.Equal(t, resolved+"\n", string(b))
}

func TestExecuteTimeout(t *testing.T) {
	ctx := context.Background()
	t.Setenv(deviceinfo.DEVICE_SN_ENV_VAR, "")
	w := New(nil, nil, "worker1", "host1", "macos")

	cfg, err := types.ParseConfig(`{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"sleep 30","timeout":"100ms"}}`)
	assert.NoError(t, err)
	dir := t.TempDir()
	exitCode, executionTime, err := w.execute(ctx, cfg, dir, filepath.Join(dir, STDOUT_FILE), filepath.Join(dir, STDERR_FILE))
	assert.Error(t, err)
	assert.Equal(t, EXIT_CODE_INTERNAL_ERROR, exitCode)
	assert.Less(t, executionTime, 10*time.Second)
}

func TestRunTaskReportsResult(t *testing.T) {
	ctx := context.Background()
	w, c := newTestWorker(t)

	id, err := c.Schedule(ctx, `{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"echo hello"}}`)
	assert.NoError(t, err)
	assigned, err := c.Assign(ctx, "worker1", "host1", w.Capabilities())
	assert.NoError(t, err)
	assert.NotNil(t, assigned)

	w.runTask(ctx, assigned)

	done, err := c.GetTask(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETE, done.State)
	assert.Equal(t, types.TASK_OUTCOME_SUCCESS, done.Outcome)
	assert.Equal(t, 0, done.Result.ExitCode)

	dest := filepath.Join(t.TempDir(), "stdout")
	assert.NoError(t, c.DownloadFile(ctx, done.Result.StdoutURL, dest))
	b, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestRunTaskReportsFailure(t *testing.T) {
	ctx := context.Background()
	w, c := newTestWorker(t)

	id, err := c.Schedule(ctx, `{"task":{"name":"t","requirements":{"executor":["macos"]},"command":"exit 3"}}`)
	assert.NoError(t, err)
	assigned, err := c.Assign(ctx, "worker1", "host1", w.Capabilities())
	assert.NoError(t, err)

	w.runTask(ctx, assigned)

	done, err := c.GetTask(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETE, done.State)
	assert.Equal(t, types.TASK_OUTCOME_FAILED, done.Outcome)
	assert.Equal(t, 3, done.Result.ExitCode)
}

func TestRunTaskUnusableConfig(t *testing.T) {
	ctx := context.Background()
	w, c := newTestWorker(t)

	// A task with no command passes scheduling validation but cannot be
	// executed; the worker reports an internal failure rather than
	// leaving the task to time out.
	id, err := c.Schedule(ctx, `{"task":{"name":"t","requirements":{"executor":["macos"]}}}`)
	assert.NoError(t, err)
	assigned, err := c.Assign(ctx, "worker1", "host1", w.Capabilities())
	assert.NoError(t, err)

	w.runTask(ctx, assigned)

	done, err := c.GetTask(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETE, done.State)
	assert.Equal(t, types.TASK_OUTCOME_FAILED, done.Outcome)
	assert.Equal(t, EXIT_CODE_INTERNAL_ERROR, done.Result.ExitCode)
}
