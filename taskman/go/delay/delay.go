// Package delay implements a persistent delayed-callback queue: callers
// schedule a named callback with an opaque payload to run no earlier than a
// given time, with at-least-once delivery across process restarts.
package delay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"go.mrtaskman.org/infra/go/cleanup"
	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/now"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
)

const (
	// BUCKET_CALLBACKS is the name of the callbacks bucket. Keys order by
	// ETA (see itemKey); values are GOBs of item.
	BUCKET_CALLBACKS = "callbacks"

	// POLL_INTERVAL is how often the dispatcher scans for due callbacks.
	POLL_INTERVAL = time.Second
)

// Callback is invoked when a scheduled item comes due. A non-nil error leaves
// the item in the queue to be retried on a later scan, which is what makes
// delivery at-least-once; callbacks must therefore be idempotent.
type Callback func(ctx context.Context, payload []byte) error

// item is one scheduled callback, stored as a GOB.
type item struct {
	Name    string
	ETA     time.Time
	Payload []byte
}

// itemKey encodes the ETA and a sequence number so that the bucket iterates
// in ETA order and two items with the same ETA do not collide.
func itemKey(eta time.Time, seq uint64) []byte {
	rv := make([]byte, 16)
	binary.BigEndian.PutUint64(rv[:8], uint64(eta.UnixNano()))
	binary.BigEndian.PutUint64(rv[8:], seq)
	return rv
}

// Queue is a Bolt-persisted delayed-callback queue. Register all callbacks
// before calling Start.
type Queue struct {
	db *bolt.DB

	callbacks map[string]Callback
	mtx       sync.RWMutex

	liveness     metrics2.Liveness
	metricFired  metrics2.Counter
	metricFailed metrics2.Counter
}

// NewQueue opens or creates a queue in the given BoltDB file.
func NewQueue(filename string) (*Queue, error) {
	boltdb, err := bolt.Open(filename, 0600, nil)
	if err != nil {
		return nil, skerr.Wrapf(err, "Failed to open delay queue %q", filename)
	}
	if err := boltdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BUCKET_CALLBACKS))
		return err
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Queue{
		db:           boltdb,
		callbacks:    map[string]Callback{},
		liveness:     metrics2.NewLiveness("delay_queue_scan"),
		metricFired:  metrics2.GetCounter("delay_queue_callbacks", map[string]string{"result": "fired"}),
		metricFailed: metrics2.GetCounter("delay_queue_callbacks", map[string]string{"result": "failed"}),
	}, nil
}

// Register binds a callback name to a function. Items persisted by a previous
// process are dispatched by name, so names must be stable across restarts.
func (q *Queue) Register(name string, cb Callback) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if _, ok := q.callbacks[name]; ok {
		return skerr.Fmt("Callback %q is already registered", name)
	}
	q.callbacks[name] = cb
	return nil
}

// Schedule enqueues the named callback to run no earlier than eta.
func (q *Queue) Schedule(ctx context.Context, name string, eta time.Time, payload []byte) error {
	q.mtx.RLock()
	_, ok := q.callbacks[name]
	q.mtx.RUnlock()
	if !ok {
		return skerr.Fmt("Can not schedule unregistered callback %q", name)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item{
		Name:    name,
		ETA:     eta.UTC(),
		Payload: payload,
	}); err != nil {
		return skerr.Wrap(err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BUCKET_CALLBACKS))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(itemKey(eta, seq), buf.Bytes())
	})
}

// due returns the keys and items which are due at or before the given time.
func (q *Queue) due(t time.Time) ([][]byte, []*item, error) {
	max := itemKey(t, ^uint64(0))
	var keys [][]byte
	var items []*item
	if err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(BUCKET_CALLBACKS)).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var it item
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&it); err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			items = append(items, &it)
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}
	return keys, items, nil
}

// remove deletes a dispatched item.
func (q *Queue) remove(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BUCKET_CALLBACKS)).Delete(key)
	})
}

// Tick runs one dispatcher scan: every item due at now.Now(ctx) is invoked
// and, on success, removed. Exported so that tests can drive the queue with a
// controlled clock.
func (q *Queue) Tick(ctx context.Context) {
	keys, items, err := q.due(now.Now(ctx))
	if err != nil {
		sklog.Errorf("Failed to scan delay queue: %s", err)
		return
	}
	for i, it := range items {
		q.mtx.RLock()
		cb, ok := q.callbacks[it.Name]
		q.mtx.RUnlock()
		if !ok {
			// Persisted by an older process with a callback this one
			// does not know. Drop it loudly.
			sklog.Errorf("Dropping scheduled callback with unregistered name %q", it.Name)
			if err := q.remove(keys[i]); err != nil {
				sklog.Errorf("Failed to remove callback %q: %s", it.Name, err)
			}
			continue
		}
		if err := cb(ctx, it.Payload); err != nil {
			q.metricFailed.Inc(1)
			sklog.Errorf("Callback %q failed; will retry: %s", it.Name, err)
			continue
		}
		q.metricFired.Inc(1)
		if err := q.remove(keys[i]); err != nil {
			sklog.Errorf("Failed to remove fired callback %q; it may fire again: %s", it.Name, err)
		}
	}
	q.liveness.Reset()
}

// Start runs the dispatcher in the background until cleanup.Cleanup is
// called.
func (q *Queue) Start(ctx context.Context) {
	cleanup.Repeat(POLL_INTERVAL, func(_ context.Context) {
		q.Tick(ctx)
	}, nil)
}

// Len returns the number of pending items.
func (q *Queue) Len() (int, error) {
	rv := 0
	if err := q.db.View(func(tx *bolt.Tx) error {
		rv = tx.Bucket([]byte(BUCKET_CALLBACKS)).Stats().KeyN
		return nil
	}); err != nil {
		return 0, err
	}
	return rv, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
