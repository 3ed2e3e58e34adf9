package rpc

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
	"go.mrtaskman.org/infra/taskman/go/scheduling"
	"go.mrtaskman.org/infra/taskman/go/types"
)

// fakeQueue satisfies scheduling.CallbackQueue; the tests here never fire
// timeouts.
type fakeQueue struct{}

func (q *fakeQueue) Schedule(ctx context.Context, name string, eta time.Time, payload []byte) error {
	return nil
}

func newTestServer(t *testing.T) (*client.Client, db.DB, string) {
	d := db.NewInMemoryDB()
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})
	packageBlobs, err := blobstore.NewFileSystemStore(filepath.Join(t.TempDir(), "package_files"))
	assert.NoError(t, err)
	resultBlobs, err := blobstore.NewFileSystemStore(filepath.Join(t.TempDir(), "result_files"))
	assert.NoError(t, err)

	scheduler := scheduling.NewTaskScheduler(d, &fakeQueue{}, &http.Client{})
	registry := packages.NewRegistry(d, packageBlobs)

	r := chi.NewRouter()
	NewTaskmanAPI(scheduler, registry, packageBlobs, resultBlobs).RegisterHandlers(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return client.New(srv.URL, srv.Client()), d, srv.URL
}

func writeTempFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "f")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const taskConfig = `{
	"task": {
		"name": "t1",
		"requirements": {"executor": ["macos"]},
		"command": "echo hi"
	}
}`

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	id, err := c.Schedule(ctx, taskConfig)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := c.GetTask(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, KIND_TASK, got.Kind)
	assert.Equal(t, types.TASK_STATE_SCHEDULED, got.State)
	assert.Empty(t, got.TaskCompleteURL)

	assigned, err := c.Assign(ctx, "worker1", "host1", []string{"DEVICE_X", "macos"})
	assert.NoError(t, err)
	assert.NotNil(t, assigned)
	assert.Equal(t, id, assigned.Id)
	assert.Equal(t, types.TASK_STATE_ASSIGNED, assigned.State)
	assert.Equal(t, 1, assigned.Attempts)
	assert.Equal(t, "/tasks/1/complete", assigned.TaskCompleteURL)

	assert.NoError(t, c.CompleteTask(ctx, assigned.TaskCompleteURL, &types.TaskResult{
		TaskId:        id,
		Attempt:       assigned.Attempts,
		ExitCode:      0,
		ExecutionTime: 0.5,
	}, writeTempFile(t, "hi\n"), writeTempFile(t, "")))

	done, err := c.GetTask(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETE, done.State)
	assert.Equal(t, types.TASK_OUTCOME_SUCCESS, done.Outcome)
	assert.NotNil(t, done.Result)
	assert.NotEmpty(t, done.Result.StdoutURL)

	// The captured output is downloadable.
	dest := filepath.Join(t.TempDir(), "stdout")
	assert.NoError(t, c.DownloadFile(ctx, done.Result.StdoutURL, dest))
	b, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, "hi\n", string(b))
}

func TestAssignNoMatch(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	got, err := c.Assign(ctx, "worker1", "host1", []string{"macos"})
	assert.NoError(t, err)
	assert.Nil(t, got)

	_, err = c.Schedule(ctx, `{"task":{"name":"t","requirements":{"executor":["deviceSN42"]}}}`)
	assert.NoError(t, err)
	got, err = c.Assign(ctx, "worker1", "host1", []string{"deviceSN99", "macos"})
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func assertStatus(t *testing.T, err error, status int) {
	var se *client.StatusError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, status, se.StatusCode)
}

func TestScheduleErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	_, err := c.Schedule(ctx, "not json")
	assertStatus(t, err, http.StatusBadRequest)
	_, err = c.Schedule(ctx, `{"task":{"name":"x","requirements":{"executor":[]}}}`)
	assertStatus(t, err, http.StatusBadRequest)
}

func TestTaskNotFound(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	_, err := c.GetTask(ctx, 999)
	assertStatus(t, err, http.StatusNotFound)
	assertStatus(t, c.DeleteTask(ctx, 999), http.StatusNotFound)

	id, err := c.Schedule(ctx, taskConfig)
	assert.NoError(t, err)
	assert.NoError(t, c.DeleteTask(ctx, id))
	_, err = c.GetTask(ctx, id)
	assertStatus(t, err, http.StatusNotFound)
}

func TestCompleteSupersededAttempt(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	id, err := c.Schedule(ctx, taskConfig)
	assert.NoError(t, err)
	assigned, err := c.Assign(ctx, "worker1", "host1", []string{"macos"})
	assert.NoError(t, err)

	res := &types.TaskResult{TaskId: id, Attempt: assigned.Attempts, ExitCode: 0}
	assert.NoError(t, c.CompleteTask(ctx, assigned.TaskCompleteURL, res, "", ""))
	// A duplicate upload is rejected without clobbering the result.
	assertStatus(t, c.CompleteTask(ctx, assigned.TaskCompleteURL, res, "", ""), http.StatusBadRequest)

	// An upload for an unknown task 404s.
	assertStatus(t, c.CompleteTask(ctx, "/tasks/999/complete", &types.TaskResult{TaskId: 999, Attempt: 1}, "", ""), http.StatusNotFound)
}

func TestDeleteByExecutor(t *testing.T) {
	ctx := context.Background()
	c, d, baseURL := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := c.Schedule(ctx, `{"task":{"name":"sweep","requirements":{"executor":["android"]}}}`)
		assert.NoError(t, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/tasks/executor/android", nil)
	assert.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	assert.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		tasks, err := d.SearchScheduledTasks("android", 10)
		assert.NoError(t, err)
		return len(tasks) == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestPackageLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	manifest := &packages.Manifest{
		Name:    "toolchain",
		Version: 1,
		Files: []packages.ManifestFile{
			{
				FormName:    "file0",
				Destination: "bin/tool",
				FileMode:    "755",
			},
			{
				Destination: "data/remote",
				URL:         "http://example.com/remote",
			},
		},
	}
	pkg, err := c.CreatePackage(ctx, manifest, map[string]string{
		"file0": writeTempFile(t, "tool-bytes"),
	})
	assert.NoError(t, err)
	assert.Equal(t, "toolchain", pkg.Name)
	assert.Equal(t, int64(1), pkg.Version)
	assert.Len(t, pkg.Files, 2)
	assert.Equal(t, "bin/tool", pkg.Files[0].Destination)
	assert.NotEmpty(t, pkg.Files[0].DownloadURL)
	assert.Equal(t, "http://example.com/remote", pkg.Files[1].DownloadURL)

	// Uploaded contents come back byte-for-byte.
	dest := filepath.Join(t.TempDir(), "tool")
	assert.NoError(t, c.DownloadFile(ctx, pkg.Files[0].DownloadURL, dest))
	b, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, "tool-bytes", string(b))

	got, err := c.GetPackage(ctx, "toolchain", 1)
	assert.NoError(t, err)
	assert.Equal(t, pkg.Files[0].DownloadURL, got.Files[0].DownloadURL)

	// Duplicate name.version is rejected.
	_, err = c.CreatePackage(ctx, manifest, map[string]string{
		"file0": writeTempFile(t, "tool-bytes"),
	})
	assertStatus(t, err, http.StatusBadRequest)

	assert.NoError(t, c.DeletePackage(ctx, "toolchain", 1))
	_, err = c.GetPackage(ctx, "toolchain", 1)
	assertStatus(t, err, http.StatusNotFound)
}

func TestCreatePackageErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	// Bad name.
	_, err := c.CreatePackage(ctx, &packages.Manifest{
		Name:    "../evil",
		Version: 1,
		Files:   []packages.ManifestFile{{FormName: "file0", Destination: "f"}},
	}, map[string]string{"file0": writeTempFile(t, "x")})
	assertStatus(t, err, http.StatusBadRequest)

	// Bad version.
	_, err = c.CreatePackage(ctx, &packages.Manifest{
		Name:    "pkg",
		Version: 0,
		Files:   []packages.ManifestFile{{FormName: "file0", Destination: "f"}},
	}, map[string]string{"file0": writeTempFile(t, "x")})
	assertStatus(t, err, http.StatusBadRequest)
}

func TestBlobNotFound(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)
	assertStatus(t, c.DownloadFile(ctx, "/packagefiles/nonexistent", filepath.Join(t.TempDir(), "f")), http.StatusNotFound)
	assertStatus(t, c.DownloadFile(ctx, "/taskresultfiles/nonexistent", filepath.Join(t.TempDir(), "f")), http.StatusNotFound)
}
