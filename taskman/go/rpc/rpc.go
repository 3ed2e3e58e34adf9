// Package rpc exposes the scheduler and package registry over HTTP.
package rpc

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"go.mrtaskman.org/infra/go/httputils"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
	"go.mrtaskman.org/infra/taskman/go/blobstore"
	"go.mrtaskman.org/infra/taskman/go/db"
	"go.mrtaskman.org/infra/taskman/go/packages"
	"go.mrtaskman.org/infra/taskman/go/scheduling"
	"go.mrtaskman.org/infra/taskman/go/types"
)

const (
	// Response kinds, part of the wire contract.
	KIND_TASK_ID                 = "mrtaskman#taskid"
	KIND_TASK                    = "mrtaskman#task"
	KIND_TASK_ASSIGNMENT         = "TaskAssignment"
	KIND_ASSIGN_REQUEST          = "mrtaskman#assign_request"
	KIND_TASK_COMPLETE_REQUEST   = "mrtaskman#task_complete_request"
	KIND_PACKAGE                 = "mrtaskman#package"
	KIND_CREATE_PACKAGE_RESPONSE = "mrtaskman#create_package_response"

	// TASK_RESULT_URL_PREFIX is the download path prefix for captured
	// stdout/stderr.
	TASK_RESULT_URL_PREFIX = "/taskresultfiles/"

	// maxUploadBytes bounds in-memory multipart parsing.
	maxUploadBytes = 64 << 20
)

// TaskmanAPI holds the HTTP handlers for the taskman server.
type TaskmanAPI struct {
	scheduler    *scheduling.TaskScheduler
	registry     *packages.Registry
	packageBlobs blobstore.Store
	resultBlobs  blobstore.Store
}

// NewTaskmanAPI returns a TaskmanAPI using the given collaborators.
func NewTaskmanAPI(s *scheduling.TaskScheduler, reg *packages.Registry, packageBlobs, resultBlobs blobstore.Store) *TaskmanAPI {
	return &TaskmanAPI{
		scheduler:    s,
		registry:     reg,
		packageBlobs: packageBlobs,
		resultBlobs:  resultBlobs,
	}
}

// RegisterHandlers registers the api handlers for their respective routes.
func (a *TaskmanAPI) RegisterHandlers(router *chi.Mux) {
	router.Post("/tasks/schedule", a.scheduleHandler)
	router.Get("/tasks/{id}", a.getTaskHandler)
	router.Delete("/tasks/{id}", a.deleteTaskHandler)
	router.Put("/tasks/assign", a.assignHandler)
	router.Post("/tasks/{id}/complete", a.completeHandler)
	router.Delete("/tasks/executor/{executor}", a.deleteByExecutorHandler)
	router.Get("/packages/create", a.packageUploadURLHandler)
	router.Post("/packages/create", a.createPackageHandler)
	router.Get("/packages/{id}", a.getPackageHandler)
	router.Delete("/packages/{id}", a.deletePackageHandler)
	router.Get("/packagefiles/{key}", a.packageFileHandler)
	router.Get("/taskresultfiles/{key}", a.taskResultFileHandler)
}

// taskResponse is the wire form of a Task.
type taskResponse struct {
	Kind string `json:"kind"`
	*types.Task
	TaskCompleteURL string `json:"task_complete_url,omitempty"`
}

// makeTaskResponse wraps a Task for the wire, attaching the complete-upload
// URL for assigned tasks.
func makeTaskResponse(t *types.Task) *taskResponse {
	rv := &taskResponse{
		Kind: KIND_TASK,
		Task: t,
	}
	if t.State == types.TASK_STATE_ASSIGNED {
		rv.TaskCompleteURL = "/tasks/" + strconv.FormatInt(t.Id, 10) + "/complete"
	}
	return rv
}

// sendJSON writes rv as the JSON response body.
func sendJSON(w http.ResponseWriter, rv interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rv); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}

// pathId parses the {id} URL parameter.
func pathId(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, skerr.Wrapf(err, "Invalid task id")
	}
	return id, nil
}

func (a *TaskmanAPI) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		httputils.ReportError(w, skerr.Fmt("unexpected content type %q", ct), "Expected application/json.", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		httputils.ReportError(w, err, "Failed to read request body.", http.StatusInternalServerError)
		return
	}
	id, err := a.scheduler.Schedule(r.Context(), string(body), r.Header.Get("X-User"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid task config.", http.StatusBadRequest)
		return
	}
	sendJSON(w, struct {
		Kind string `json:"kind"`
		Id   int64  `json:"id"`
	}{
		Kind: KIND_TASK_ID,
		Id:   id,
	})
}

func (a *TaskmanAPI) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathId(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id.", http.StatusBadRequest)
		return
	}
	t, err := a.scheduler.GetTask(r.Context(), id)
	if err != nil {
		httputils.ReportError(w, err, "Failed to retrieve task.", http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	sendJSON(w, makeTaskResponse(t))
}

func (a *TaskmanAPI) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathId(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id.", http.StatusBadRequest)
		return
	}
	ok, err := a.scheduler.DeleteTask(r.Context(), id)
	if err != nil {
		httputils.ReportError(w, err, "Failed to delete task.", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// assignRequest is the body of PUT /tasks/assign.
type assignRequest struct {
	Kind         string `json:"kind"`
	Worker       string `json:"worker"`
	Hostname     string `json:"hostname"`
	Capabilities struct {
		Executor []string `json:"executor"`
	} `json:"capabilities"`
}

func (a *TaskmanAPI) assignHandler(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Invalid assign request.", http.StatusBadRequest)
		return
	}
	if req.Worker == "" || len(req.Capabilities.Executor) == 0 {
		httputils.ReportError(w, skerr.Fmt("missing worker or capabilities"), "Assign request requires worker and capabilities.executor.", http.StatusBadRequest)
		return
	}
	sklog.Infof("Assign request from %s (%s) with capabilities %v", req.Worker, req.Hostname, req.Capabilities.Executor)
	t, err := a.scheduler.Assign(r.Context(), req.Worker, req.Capabilities.Executor)
	if err != nil {
		httputils.ReportError(w, err, "Failed to assign task.", http.StatusInternalServerError)
		return
	}
	tasks := []*taskResponse{}
	if t != nil {
		tasks = append(tasks, makeTaskResponse(t))
	}
	sendJSON(w, struct {
		Kind  string          `json:"kind"`
		Tasks []*taskResponse `json:"tasks"`
	}{
		Kind:  KIND_TASK_ASSIGNMENT,
		Tasks: tasks,
	})
}

// storePart saves one multipart file part to the result blob store. Returns
// empty strings if the part is absent.
func (a *TaskmanAPI) storePart(form *multipart.Form, name string) (string, string, error) {
	parts := form.File[name]
	if len(parts) == 0 {
		return "", "", nil
	}
	f, err := parts[0].Open()
	if err != nil {
		return "", "", skerr.Wrapf(err, "Failed to open %s part", name)
	}
	defer util.Close(f)
	key, _, err := a.resultBlobs.Put(f)
	if err != nil {
		return "", "", skerr.Wrapf(err, "Failed to store %s part", name)
	}
	return key, TASK_RESULT_URL_PREFIX + key, nil
}

func (a *TaskmanAPI) completeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathId(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id.", http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputils.ReportError(w, err, "Expected a multipart form.", http.StatusBadRequest)
		return
	}
	var res types.TaskResult
	if err := json.Unmarshal([]byte(r.FormValue("task_result")), &res); err != nil {
		httputils.ReportError(w, err, "Invalid task_result field.", http.StatusBadRequest)
		return
	}
	res.TaskId = id
	stdoutRef, stdoutURL, err := a.storePart(r.MultipartForm, "STDOUT")
	if err != nil {
		httputils.ReportError(w, err, "Failed to store STDOUT.", http.StatusInternalServerError)
		return
	}
	stderrRef, stderrURL, err := a.storePart(r.MultipartForm, "STDERR")
	if err != nil {
		httputils.ReportError(w, err, "Failed to store STDERR.", http.StatusInternalServerError)
		return
	}
	res.StdoutRef = stdoutRef
	res.StdoutURL = stdoutURL
	res.StderrRef = stderrRef
	res.StderrURL = stderrURL
	if err := a.scheduler.UploadResult(r.Context(), &res); err != nil {
		if db.IsNotFound(err) {
			http.NotFound(w, r)
		} else if scheduling.IsTimedOut(err) {
			httputils.ReportError(w, err, "Task attempt has timed out or been superseded.", http.StatusBadRequest)
		} else {
			httputils.ReportError(w, err, "Failed to record result.", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *TaskmanAPI) deleteByExecutorHandler(w http.ResponseWriter, r *http.Request) {
	executor := chi.URLParam(r, "executor")
	if executor == "" {
		httputils.ReportError(w, skerr.Fmt("missing executor"), "Executor is required.", http.StatusBadRequest)
		return
	}
	a.scheduler.DeleteByExecutor(r.Context(), executor)
	w.WriteHeader(http.StatusOK)
}

func (a *TaskmanAPI) packageUploadURLHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, struct {
		Kind      string `json:"kind"`
		UploadURL string `json:"upload_url"`
	}{
		Kind:      KIND_CREATE_PACKAGE_RESPONSE,
		UploadURL: "/packages/create",
	})
}

func (a *TaskmanAPI) createPackageHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputils.ReportError(w, err, "Expected a multipart form.", http.StatusBadRequest)
		return
	}
	var manifest packages.Manifest
	if err := json.Unmarshal([]byte(r.FormValue("manifest")), &manifest); err != nil {
		httputils.ReportError(w, err, "Invalid manifest field.", http.StatusBadRequest)
		return
	}
	files := map[string]io.Reader{}
	var opened []io.Closer
	defer func() {
		for _, f := range opened {
			util.Close(f)
		}
	}()
	for formName, parts := range r.MultipartForm.File {
		if len(parts) == 0 {
			continue
		}
		f, err := parts[0].Open()
		if err != nil {
			httputils.ReportError(w, err, "Failed to read uploaded file.", http.StatusBadRequest)
			return
		}
		opened = append(opened, f)
		files[formName] = f
	}
	pkg, err := a.registry.Create(r.Context(), &manifest, r.Header.Get("X-User"), files)
	if err != nil {
		if packages.IsPackageExists(err) {
			httputils.ReportError(w, err, "Package with this name and version already exists.", http.StatusBadRequest)
		} else {
			httputils.ReportError(w, err, "Invalid package.", http.StatusBadRequest)
		}
		return
	}
	sendJSON(w, struct {
		Kind string `json:"kind"`
		*types.Package
	}{
		Kind:    KIND_PACKAGE,
		Package: pkg,
	})
}

// parsePackageId splits a "{name}.{version}" URL parameter.
func parsePackageId(r *http.Request) (string, int64, error) {
	id := chi.URLParam(r, "id")
	dot := strings.LastIndex(id, ".")
	if dot <= 0 || dot == len(id)-1 {
		return "", 0, skerr.Fmt("Invalid package id %q; expected name.version", id)
	}
	version, err := strconv.ParseInt(id[dot+1:], 10, 64)
	if err != nil {
		return "", 0, skerr.Wrapf(err, "Invalid package version in %q", id)
	}
	return id[:dot], version, nil
}

func (a *TaskmanAPI) getPackageHandler(w http.ResponseWriter, r *http.Request) {
	name, version, err := parsePackageId(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid package id.", http.StatusBadRequest)
		return
	}
	pkg, err := a.registry.Get(r.Context(), name, version)
	if err != nil {
		httputils.ReportError(w, err, "Failed to retrieve package.", http.StatusInternalServerError)
		return
	}
	if pkg == nil {
		http.NotFound(w, r)
		return
	}
	sendJSON(w, struct {
		Kind string `json:"kind"`
		*types.Package
	}{
		Kind:    KIND_PACKAGE,
		Package: pkg,
	})
}

func (a *TaskmanAPI) deletePackageHandler(w http.ResponseWriter, r *http.Request) {
	name, version, err := parsePackageId(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid package id.", http.StatusBadRequest)
		return
	}
	ok, err := a.registry.Delete(r.Context(), name, version)
	if err != nil {
		httputils.ReportError(w, err, "Failed to delete package.", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// serveBlob streams a blob from the given store.
func serveBlob(w http.ResponseWriter, r *http.Request, store blobstore.Store) {
	key := chi.URLParam(r, "key")
	blob, err := store.Get(key)
	if err != nil {
		if blobstore.IsNotFound(err) {
			http.NotFound(w, r)
		} else {
			httputils.ReportError(w, err, "Failed to retrieve file.", http.StatusInternalServerError)
		}
		return
	}
	defer util.Close(blob)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, blob); err != nil {
		sklog.Errorf("Failed to stream blob %s: %s", key, err)
	}
}

func (a *TaskmanAPI) packageFileHandler(w http.ResponseWriter, r *http.Request) {
	serveBlob(w, r, a.packageBlobs)
}

func (a *TaskmanAPI) taskResultFileHandler(w http.ResponseWriter, r *http.Request) {
	serveBlob(w, r, a.resultBlobs)
}
