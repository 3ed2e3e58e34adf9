// Package client provides a Go client for the taskman HTTP API. It is used
// by the worker and by the mrt CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.mrtaskman.org/infra/go/httputils"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/util"
	"go.mrtaskman.org/infra/taskman/go/packages"
	"go.mrtaskman.org/infra/taskman/go/types"
)

// StatusError is returned when the server responds with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("Server returned status %d: %s", e.StatusCode, e.Body)
}

// Task is the wire form of a task as returned by the server.
type Task struct {
	types.Task
	Kind            string `json:"kind"`
	TaskCompleteURL string `json:"task_complete_url,omitempty"`
}

// Client talks to a taskman server.
type Client struct {
	serverURL string
	client    *http.Client
}

// New returns a Client for the server at the given base URL. If httpClient is
// nil a default retrying client is used.
func New(serverURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputils.DefaultClientConfig().Client()
	}
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    httpClient,
	}
}

// url resolves a possibly-relative path against the server base URL.
func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.serverURL + path
}

// do executes the request and decodes the JSON response into rv, if rv is
// non-nil. Non-2xx responses become StatusError.
func (c *Client) do(req *http.Request, rv interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	if rv == nil {
		return nil
	}
	return skerr.Wrap(json.NewDecoder(resp.Body).Decode(rv))
}

// Schedule submits a task config and returns the new task id.
func (c *Client) Schedule(ctx context.Context, config string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/tasks/schedule"), strings.NewReader(config))
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var rv struct {
		Id int64 `json:"id"`
	}
	if err := c.do(req, &rv); err != nil {
		return 0, err
	}
	return rv.Id, nil
}

// GetTask retrieves a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/tasks/"+strconv.FormatInt(id, 10)), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var rv Task
	if err := c.do(req, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

// DeleteTask deletes a task by id.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("/tasks/"+strconv.FormatInt(id, 10)), nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	return c.do(req, nil)
}

// Assign polls for work. Returns nil if no matching task was available.
func (c *Client) Assign(ctx context.Context, worker, hostname string, capabilities []string) (*Task, error) {
	body := map[string]interface{}{
		"kind":     "mrtaskman#assign_request",
		"worker":   worker,
		"hostname": hostname,
		"capabilities": map[string]interface{}{
			"executor": capabilities,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/tasks/assign"), bytes.NewReader(b))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var rv struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := c.do(req, &rv); err != nil {
		return nil, err
	}
	if len(rv.Tasks) == 0 {
		return nil, nil
	}
	return rv.Tasks[0], nil
}

// CompleteTask uploads the result of an attempt as a single multipart form:
// the task_result JSON plus the captured stdout and stderr files.
func (c *Client) CompleteTask(ctx context.Context, taskCompleteURL string, res *types.TaskResult, stdoutPath, stderrPath string) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	resJSON, err := json.Marshal(res)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := form.WriteField("task_result", string(resJSON)); err != nil {
		return skerr.Wrap(err)
	}
	for _, part := range []struct {
		field string
		path  string
	}{
		{"STDOUT", stdoutPath},
		{"STDERR", stderrPath},
	} {
		if part.path == "" {
			continue
		}
		w, err := form.CreateFormFile(part.field, part.field)
		if err != nil {
			return skerr.Wrap(err)
		}
		if err := util.WithReadFile(part.path, func(f io.Reader) error {
			_, err := io.Copy(w, f)
			return err
		}); err != nil {
			return skerr.Wrapf(err, "Failed to attach %s", part.field)
		}
	}
	if err := form.Close(); err != nil {
		return skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(taskCompleteURL), &buf)
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.do(req, nil)
}

// GetPackageUploadURL asks the server where to POST a new package.
func (c *Client) GetPackageUploadURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/packages/create"), nil)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	var rv struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(req, &rv); err != nil {
		return "", err
	}
	return rv.UploadURL, nil
}

// CreatePackage uploads a package: the manifest plus one local file per
// manifest entry with a form_name. files maps form_name to a local path.
func (c *Client) CreatePackage(ctx context.Context, manifest *packages.Manifest, files map[string]string) (*types.Package, error) {
	uploadURL, err := c.GetPackageUploadURL(ctx)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := form.WriteField("manifest", string(manifestJSON)); err != nil {
		return nil, skerr.Wrap(err)
	}
	for formName, path := range files {
		w, err := form.CreateFormFile(formName, formName)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if err := util.WithReadFile(path, func(f io.Reader) error {
			_, err := io.Copy(w, f)
			return err
		}); err != nil {
			return nil, skerr.Wrapf(err, "Failed to attach %s", formName)
		}
	}
	if err := form.Close(); err != nil {
		return nil, skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(uploadURL), &buf)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	var rv types.Package
	if err := c.do(req, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

// GetPackage retrieves a package and its file manifest.
func (c *Client) GetPackage(ctx context.Context, name string, version int64) (*types.Package, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(fmt.Sprintf("/packages/%s.%d", name, version)), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var rv types.Package
	if err := c.do(req, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

// DeletePackage deletes a package and its files.
func (c *Client) DeletePackage(ctx context.Context, name string, version int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(fmt.Sprintf("/packages/%s.%d", name, version)), nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	return c.do(req, nil)
}

// DownloadFile fetches the given (possibly server-relative) URL and writes
// the contents to the file at dest.
func (c *Client) DownloadFile(ctx context.Context, srcURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(srcURL), nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	f, err := os.Create(dest)
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return skerr.Wrapf(err, "Failed to download %s", srcURL)
	}
	return skerr.Wrap(f.Close())
}
