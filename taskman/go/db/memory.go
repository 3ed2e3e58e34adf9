package db

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/taskman/go/types"
)

type inMemoryDB struct {
	tasks    map[int64]*types.Task
	nextId   int64
	tasksMtx sync.RWMutex

	packages    map[string]*types.Package
	packagesMtx sync.RWMutex
}

// See docs for TaskDB interface.
func (db *inMemoryDB) InsertTask(t *types.Task) error {
	db.tasksMtx.Lock()
	defer db.tasksMtx.Unlock()
	if t.Id != 0 {
		return fmt.Errorf("Task Id already assigned: %d", t.Id)
	}
	db.nextId++
	t.Id = db.nextId
	t.DbModified = time.Now()
	db.tasks[t.Id] = t.Copy()
	return nil
}

// See docs for TaskDB interface.
func (db *inMemoryDB) GetTaskById(id int64) (*types.Task, error) {
	db.tasksMtx.RLock()
	defer db.tasksMtx.RUnlock()
	if task := db.tasks[id]; task != nil {
		return task.Copy(), nil
	}
	return nil, nil
}

// See docs for TaskDB interface.
func (db *inMemoryDB) PutTask(t *types.Task) error {
	db.tasksMtx.Lock()
	defer db.tasksMtx.Unlock()
	existing := db.tasks[t.Id]
	if existing == nil {
		return ErrNotFound
	}
	if !existing.DbModified.Equal(t.DbModified) {
		sklog.Warningf("Cached Task has been modified in the DB. Current:\n%v\nCached:\n%v", existing, t)
		return ErrConcurrentUpdate
	}
	t.DbModified = time.Now()
	db.tasks[t.Id] = t.Copy()
	return nil
}

// See docs for TaskDB interface.
func (db *inMemoryDB) DeleteTask(id int64) (bool, error) {
	db.tasksMtx.Lock()
	defer db.tasksMtx.Unlock()
	if _, ok := db.tasks[id]; !ok {
		return false, nil
	}
	delete(db.tasks, id)
	return true, nil
}

// See docs for TaskDB interface.
func (db *inMemoryDB) SearchScheduledTasks(capability string, limit int) ([]*types.Task, error) {
	db.tasksMtx.RLock()
	defer db.tasksMtx.RUnlock()
	rv := []*types.Task{}
	for _, t := range db.tasks {
		if t.State == types.TASK_STATE_SCHEDULED && t.RequiresCapability(capability) {
			rv = append(rv, t.Copy())
		}
	}
	sort.Sort(types.TaskSlice(rv))
	if len(rv) > limit {
		rv = rv[:limit]
	}
	return rv, nil
}

// See docs for PackageDB interface.
func (db *inMemoryDB) InsertPackage(p *types.Package) error {
	db.packagesMtx.Lock()
	defer db.packagesMtx.Unlock()
	key := p.Id()
	if _, ok := db.packages[key]; ok {
		return ErrAlreadyExists
	}
	db.packages[key] = p.Copy()
	return nil
}

// See docs for PackageDB interface.
func (db *inMemoryDB) GetPackage(name string, version int64) (*types.Package, error) {
	db.packagesMtx.RLock()
	defer db.packagesMtx.RUnlock()
	p := db.packages[fmt.Sprintf("%s.%d", name, version)]
	if p == nil {
		return nil, nil
	}
	return p.Copy(), nil
}

// See docs for PackageDB interface.
func (db *inMemoryDB) DeletePackage(name string, version int64) (bool, error) {
	db.packagesMtx.Lock()
	defer db.packagesMtx.Unlock()
	key := fmt.Sprintf("%s.%d", name, version)
	if _, ok := db.packages[key]; !ok {
		return false, nil
	}
	delete(db.packages, key)
	return true, nil
}

// See docs for io.Closer.
func (db *inMemoryDB) Close() error {
	return nil
}

// NewInMemoryDB returns an extremely simple, inefficient, in-memory DB
// implementation for testing.
func NewInMemoryDB() DB {
	return &inMemoryDB{
		tasks:    map[int64]*types.Task{},
		packages: map[string]*types.Package{},
	}
}
