// Package local_db provides a db.DB implementation backed by a local BoltDB
// file.
package local_db

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/taskman/go/db"
	"go.mrtaskman.org/infra/taskman/go/types"
)

const (
	// DB_NAME is the name of the database.
	DB_NAME = "taskman_db"

	// DB_FILENAME is the name of the file in which the database is stored.
	DB_FILENAME = "taskman.bdb"

	// BUCKET_TASKS is the name of the Tasks bucket. Key is Task.Id encoded
	// big endian, value is described in docs for BUCKET_TASKS_VERSION.
	// Tasks are updated in place.
	BUCKET_TASKS = "tasks"
	// BUCKET_TASKS_FILL_PERCENT is the value to set for
	// bolt.Bucket.FillPercent for BUCKET_TASKS. BUCKET_TASKS will be
	// append-mostly, so use a high fill percent.
	BUCKET_TASKS_FILL_PERCENT = 0.9
	// BUCKET_TASKS_VERSION indicates the format of the value of
	// BUCKET_TASKS. Retrieving Tasks from the DB must support all previous
	// versions. For all versions, the first byte is the version number.
	//   Version 1: v[0] = 1; v[1:9] is the modified time as UnixNano
	//     encoded as big endian; v[9:] is the GOB of the Task.
	BUCKET_TASKS_VERSION = 1

	// BUCKET_PACKAGES is the name of the Packages bucket. Key is
	// "name.version", value has the same layout as BUCKET_TASKS values.
	BUCKET_PACKAGES = "packages"
)

// taskKey encodes a task id as a big endian 8-byte key, so that the bucket
// iterates in insertion order.
func taskKey(id int64) []byte {
	rv := make([]byte, 8)
	binary.BigEndian.PutUint64(rv, uint64(id))
	return rv
}

// packageKey returns the bucket key for a package.
func packageKey(name string, version int64) []byte {
	return []byte(fmt.Sprintf("%s.%d", name, version))
}

// packV1 creates a value as described for BUCKET_TASKS_VERSION = 1. t is the
// modified time and serialized is the GOB of the record.
func packV1(t time.Time, serialized []byte) []byte {
	rv := make([]byte, len(serialized)+9)
	rv[0] = 1
	binary.BigEndian.PutUint64(rv[1:9], uint64(t.UnixNano()))
	copy(rv[9:], serialized)
	return rv
}

// unpackV1 gets the modified time and GOB of the record from a value as
// described by BUCKET_TASKS_VERSION = 1. The returned GOB shares structure
// with value.
func unpackV1(value []byte) (time.Time, []byte, error) {
	if len(value) < 9 {
		return time.Time{}, nil, fmt.Errorf("unpackV1 value is too short (%d bytes)", len(value))
	}
	if value[0] != 1 {
		return time.Time{}, nil, fmt.Errorf("unpackV1 called for value with version %d", value[0])
	}
	t := time.Unix(0, int64(binary.BigEndian.Uint64(value[1:9]))).UTC()
	return t, value[9:], nil
}

// localDB accesses a local BoltDB database containing tasks and packages.
type localDB struct {
	// name is used in logging and metrics to identify this DB.
	name string

	// db is the underlying BoltDB.
	db *bolt.DB

	// tx fields contain metrics on the number of active transactions.
	// Protected by txMutex.
	txCount  metrics2.Counter
	txNextId int64
	txActive map[int64]string
	txMutex  sync.RWMutex

	// Count queries and results to get QPS metrics.
	metricReadTaskQueries  metrics2.Counter
	metricReadTaskRows     metrics2.Counter
	metricWriteTaskQueries metrics2.Counter
	metricWriteTaskRows    metrics2.Counter

	// Close will send on each of these channels to indicate goroutines
	// should stop.
	notifyOnClose []chan bool
}

// startTx monitors when a transaction starts.
func (d *localDB) startTx(name string) int64 {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	d.txCount.Inc(1)
	id := d.txNextId
	d.txActive[id] = name
	d.txNextId++
	return id
}

// endTx monitors when a transaction ends.
func (d *localDB) endTx(id int64) {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	d.txCount.Dec(1)
	delete(d.txActive, id)
}

// reportActiveTx prints out the list of active transactions.
func (d *localDB) reportActiveTx() {
	d.txMutex.RLock()
	defer d.txMutex.RUnlock()
	if len(d.txActive) == 0 {
		sklog.Infof("%s Active Transactions: (none)", d.name)
		return
	}
	txs := make([]string, 0, len(d.txActive))
	for id, name := range d.txActive {
		txs = append(txs, fmt.Sprintf("  %d\t%s", id, name))
	}
	sklog.Infof("%s Active Transactions:\n%s", d.name, strings.Join(txs, "\n"))
}

// tx is a wrapper for a BoltDB transaction which tracks statistics.
func (d *localDB) tx(name string, fn func(*bolt.Tx) error, update bool) error {
	txId := d.startTx(name)
	defer d.endTx(txId)
	defer metrics2.NewTimer("db_tx_duration", map[string]string{
		"database":    d.name,
		"transaction": name,
	}).Stop()
	if update {
		return d.db.Update(fn)
	} else {
		return d.db.View(fn)
	}
}

// view is a wrapper for the BoltDB instance's View method.
func (d *localDB) view(name string, fn func(*bolt.Tx) error) error {
	return d.tx(name, fn, false)
}

// update is a wrapper for the BoltDB instance's Update method.
func (d *localDB) update(name string, fn func(*bolt.Tx) error) error {
	return d.tx(name, fn, true)
}

// Returns the tasks bucket with FillPercent set.
func tasksBucket(tx *bolt.Tx) *bolt.Bucket {
	b := tx.Bucket([]byte(BUCKET_TASKS))
	b.FillPercent = BUCKET_TASKS_FILL_PERCENT
	return b
}

// Returns the packages bucket.
func packagesBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket([]byte(BUCKET_PACKAGES))
}

// NewDB returns a local DB instance.
func NewDB(name, filename string) (db.DB, error) {
	boltdb, err := bolt.Open(filename, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &localDB{
		name: name,
		db:   boltdb,
		txCount: metrics2.GetCounter("db_active_tx", map[string]string{
			"database": name,
		}),
		txNextId: 0,
		txActive: map[int64]string{},
		metricReadTaskQueries: metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "read",
			"bucket":   BUCKET_TASKS,
			"count":    "queries",
		}),
		metricReadTaskRows: metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "read",
			"bucket":   BUCKET_TASKS,
			"count":    "rows",
		}),
		metricWriteTaskQueries: metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "write",
			"bucket":   BUCKET_TASKS,
			"count":    "queries",
		}),
		metricWriteTaskRows: metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "write",
			"bucket":   BUCKET_TASKS,
			"count":    "rows",
		}),
	}

	stopReportActiveTx := make(chan bool)
	d.notifyOnClose = append(d.notifyOnClose, stopReportActiveTx)
	go func() {
		t := time.NewTicker(time.Minute)
		for {
			select {
			case <-stopReportActiveTx:
				t.Stop()
				return
			case <-t.C:
				d.reportActiveTx()
			}
		}
	}()

	if err := d.update("NewDB", func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BUCKET_TASKS)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(BUCKET_PACKAGES)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return d, nil
}

// See docs for io.Closer interface.
func (d *localDB) Close() error {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	if len(d.txActive) > 0 {
		return fmt.Errorf("Can not close DB when transactions are active.")
	}
	for _, c := range d.notifyOnClose {
		c <- true
	}
	d.txActive = map[int64]string{}
	if err := d.txCount.Delete(); err != nil {
		return err
	}
	d.txCount = nil
	return d.db.Close()
}

// decodeTask decodes a bucket value into a Task with DbModified set.
func decodeTask(value []byte) (*types.Task, error) {
	modTs, serialized, err := unpackV1(value)
	if err != nil {
		return nil, err
	}
	var t types.Task
	if err := gob.NewDecoder(bytes.NewReader(serialized)).Decode(&t); err != nil {
		return nil, err
	}
	t.DbModified = modTs
	return &t, nil
}

// See docs for TaskDB interface.
func (d *localDB) InsertTask(t *types.Task) error {
	d.metricWriteTaskQueries.Inc(1)
	if t.Id != 0 {
		return fmt.Errorf("Task Id already assigned: %d", t.Id)
	}
	oldId := t.Id
	oldDbModified := t.DbModified
	err := d.update("InsertTask", func(tx *bolt.Tx) error {
		bucket := tasksBucket(tx)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		t.Id = int64(seq)
		t.DbModified = time.Now().UTC()
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(t); err != nil {
			return err
		}
		return bucket.Put(taskKey(t.Id), packV1(t.DbModified, buf.Bytes()))
	})
	if err != nil {
		t.Id = oldId
		t.DbModified = oldDbModified
		return err
	}
	d.metricWriteTaskRows.Inc(1)
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) GetTaskById(id int64) (*types.Task, error) {
	d.metricReadTaskQueries.Inc(1)
	var rv *types.Task
	if err := d.view("GetTaskById", func(tx *bolt.Tx) error {
		value := tasksBucket(tx).Get(taskKey(id))
		if value == nil {
			return nil
		}
		t, err := decodeTask(value)
		if err != nil {
			return err
		}
		rv = t
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadTaskRows.Inc(1)
	return rv, nil
}

// See docs for TaskDB interface.
func (d *localDB) PutTask(t *types.Task) error {
	d.metricWriteTaskQueries.Inc(1)
	// If there is an error during the transaction, we should leave the
	// task unchanged. Save the old DbModified time since we set it below.
	oldDbModified := t.DbModified
	err := d.update("PutTask", func(tx *bolt.Tx) error {
		bucket := tasksBucket(tx)
		key := taskKey(t.Id)
		value := bucket.Get(key)
		if value == nil {
			return db.ErrNotFound
		}
		modTs, _, err := unpackV1(value)
		if err != nil {
			return err
		}
		if !modTs.Equal(t.DbModified) {
			return db.ErrConcurrentUpdate
		}
		t.DbModified = time.Now().UTC()
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(t); err != nil {
			return err
		}
		return bucket.Put(key, packV1(t.DbModified, buf.Bytes()))
	})
	if err != nil {
		t.DbModified = oldDbModified
		return err
	}
	d.metricWriteTaskRows.Inc(1)
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) DeleteTask(id int64) (bool, error) {
	d.metricWriteTaskQueries.Inc(1)
	found := false
	if err := d.update("DeleteTask", func(tx *bolt.Tx) error {
		bucket := tasksBucket(tx)
		key := taskKey(id)
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	}); err != nil {
		return false, err
	}
	if found {
		d.metricWriteTaskRows.Inc(1)
	}
	return found, nil
}

// See docs for TaskDB interface.
func (d *localDB) SearchScheduledTasks(capability string, limit int) ([]*types.Task, error) {
	d.metricReadTaskQueries.Inc(1)
	rv := []*types.Task{}
	if err := d.view("SearchScheduledTasks", func(tx *bolt.Tx) error {
		c := tasksBucket(tx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := decodeTask(v)
			if err != nil {
				return err
			}
			if t.State == types.TASK_STATE_SCHEDULED && t.RequiresCapability(capability) {
				rv = append(rv, t)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Sort(types.TaskSlice(rv))
	if len(rv) > limit {
		rv = rv[:limit]
	}
	d.metricReadTaskRows.Inc(int64(len(rv)))
	return rv, nil
}

// See docs for PackageDB interface.
func (d *localDB) InsertPackage(p *types.Package) error {
	return d.update("InsertPackage", func(tx *bolt.Tx) error {
		bucket := packagesBucket(tx)
		key := packageKey(p.Name, p.Version)
		if bucket.Get(key) != nil {
			return db.ErrAlreadyExists
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(p); err != nil {
			return err
		}
		return bucket.Put(key, packV1(time.Now().UTC(), buf.Bytes()))
	})
}

// See docs for PackageDB interface.
func (d *localDB) GetPackage(name string, version int64) (*types.Package, error) {
	var rv *types.Package
	if err := d.view("GetPackage", func(tx *bolt.Tx) error {
		value := packagesBucket(tx).Get(packageKey(name, version))
		if value == nil {
			return nil
		}
		_, serialized, err := unpackV1(value)
		if err != nil {
			return err
		}
		var p types.Package
		if err := gob.NewDecoder(bytes.NewReader(serialized)).Decode(&p); err != nil {
			return err
		}
		rv = &p
		return nil
	}); err != nil {
		return nil, err
	}
	return rv, nil
}

// See docs for PackageDB interface.
func (d *localDB) DeletePackage(name string, version int64) (bool, error) {
	found := false
	if err := d.update("DeletePackage", func(tx *bolt.Tx) error {
		bucket := packagesBucket(tx)
		key := packageKey(name, version)
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	}); err != nil {
		return false, err
	}
	return found, nil
}

var _ db.DB = (*localDB)(nil)
