package db

import (
	"errors"
	"io"

	"go.mrtaskman.org/infra/taskman/go/types"
)

const (
	// Retries attempted by UpdateTaskWithRetries.
	NUM_RETRIES = 5
)

var (
	ErrAlreadyExists    = errors.New("Object already exists and modification not allowed.")
	ErrConcurrentUpdate = errors.New("Concurrent update")
	ErrNotFound         = errors.New("Task with given ID does not exist")
)

func IsAlreadyExists(e error) bool {
	return e != nil && e.Error() == ErrAlreadyExists.Error()
}

func IsConcurrentUpdate(e error) bool {
	return e != nil && e.Error() == ErrConcurrentUpdate.Error()
}

func IsNotFound(e error) bool {
	return e != nil && e.Error() == ErrNotFound.Error()
}

// TaskReader is a read-only view of a TaskDB.
type TaskReader interface {
	// GetTaskById returns the task with the given Id field. Returns nil,
	// nil if the task does not exist.
	GetTaskById(id int64) (*types.Task, error)

	// SearchScheduledTasks returns up to limit tasks in
	// TASK_STATE_SCHEDULED whose ExecutorRequirements contain the given
	// capability token, sorted by descending Priority then ascending Id.
	SearchScheduledTasks(capability string, limit int) ([]*types.Task, error)
}

// TaskDB persists Tasks.
type TaskDB interface {
	TaskReader

	// InsertTask assigns a new monotonic Id to the given task and stores
	// it. The task's Id and DbModified fields are updated in place.
	InsertTask(t *types.Task) error

	// PutTask updates an existing task in the database. Returns
	// ErrConcurrentUpdate if the task has been modified in the database
	// since it was read by the caller.
	PutTask(t *types.Task) error

	// DeleteTask removes the task with the given id. Returns false if the
	// task did not exist.
	DeleteTask(id int64) (bool, error)
}

// PackageDB persists Packages.
type PackageDB interface {
	// InsertPackage stores a new package. Returns ErrAlreadyExists if a
	// package with the same (name, version) exists.
	InsertPackage(p *types.Package) error

	// GetPackage returns the package with the given name and version.
	// Returns nil, nil if the package does not exist.
	GetPackage(name string, version int64) (*types.Package, error)

	// DeletePackage removes the package with the given name and version.
	// Returns false if the package did not exist.
	DeletePackage(name string, version int64) (bool, error)
}

// DB implements TaskDB and PackageDB.
type DB interface {
	TaskDB
	PackageDB
	io.Closer
}

// UpdateTaskWithRetries reads the given task, calls f on it, and writes it
// back, retrying on ErrConcurrentUpdate up to NUM_RETRIES times. Returns the
// updated task on success. Returns ErrNotFound if the task does not exist.
// If f returns an error, that error is returned immediately and the task is
// not written.
func UpdateTaskWithRetries(db TaskDB, id int64, f func(*types.Task) error) (*types.Task, error) {
	var lastErr error
	for i := 0; i < NUM_RETRIES; i++ {
		t, err := db.GetTaskById(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrNotFound
		}
		if err := f(t); err != nil {
			return nil, err
		}
		lastErr = db.PutTask(t)
		if lastErr == nil {
			return t, nil
		} else if !IsConcurrentUpdate(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
