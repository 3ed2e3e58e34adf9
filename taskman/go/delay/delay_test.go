package delay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.mrtaskman.org/infra/go/now"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/testutils"
)

var queueTestStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// recorder collects callback invocations.
type recorder struct {
	mtx      sync.Mutex
	payloads []string
	err      error
}

func (r *recorder) cb(ctx context.Context, payload []byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.err != nil {
		return r.err
	}
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func (r *recorder) got() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string{}, r.payloads...)
}

func newTestQueue(t *testing.T) *Queue {
	q, err := NewQueue(filepath.Join(t.TempDir(), "delay.bdb"))
	assert.NoError(t, err)
	t.Cleanup(func() {
		testutils.AssertCloses(t, q)
	})
	return q
}

func TestScheduleAndFire(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	q := newTestQueue(t)

	r := &recorder{}
	assert.NoError(t, q.Register("cb", r.cb))
	assert.NoError(t, q.Schedule(ctx, "cb", queueTestStart.Add(time.Minute), []byte("p1")))

	// Not due yet.
	q.Tick(ctx)
	assert.Empty(t, r.got())
	n, err := q.Len()
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx.SetTime(queueTestStart.Add(time.Minute))
	q.Tick(ctx)
	assert.Equal(t, []string{"p1"}, r.got())
	n, err = q.Len()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	// Fired items do not fire again.
	ctx.SetTime(queueTestStart.Add(time.Hour))
	q.Tick(ctx)
	assert.Equal(t, []string{"p1"}, r.got())
}

func TestFiresInEtaOrder(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	q := newTestQueue(t)

	r := &recorder{}
	assert.NoError(t, q.Register("cb", r.cb))
	assert.NoError(t, q.Schedule(ctx, "cb", queueTestStart.Add(3*time.Minute), []byte("third")))
	assert.NoError(t, q.Schedule(ctx, "cb", queueTestStart.Add(time.Minute), []byte("first")))
	assert.NoError(t, q.Schedule(ctx, "cb", queueTestStart.Add(2*time.Minute), []byte("second")))

	ctx.SetTime(queueTestStart.Add(time.Hour))
	q.Tick(ctx)
	assert.Equal(t, []string{"first", "second", "third"}, r.got())
}

func TestFailedCallbackRetries(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	q := newTestQueue(t)

	r := &recorder{err: skerr.Fmt("transient")}
	assert.NoError(t, q.Register("cb", r.cb))
	assert.NoError(t, q.Schedule(ctx, "cb", queueTestStart, []byte("p1")))

	// The failing callback stays queued.
	q.Tick(ctx)
	n, err := q.Len()
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	// Once it stops failing, it fires and is removed.
	r.mtx.Lock()
	r.err = nil
	r.mtx.Unlock()
	q.Tick(ctx)
	assert.Equal(t, []string{"p1"}, r.got())
	n, err = q.Len()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRejectsUnregisteredName(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	q := newTestQueue(t)
	assert.Error(t, q.Schedule(ctx, "nobody", queueTestStart, nil))
}

func TestRejectsDuplicateRegistration(t *testing.T) {
	q := newTestQueue(t)
	r := &recorder{}
	assert.NoError(t, q.Register("cb", r.cb))
	assert.Error(t, q.Register("cb", r.cb))
}

func TestSurvivesReopen(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	filename := filepath.Join(t.TempDir(), "delay.bdb")

	q1, err := NewQueue(filename)
	assert.NoError(t, err)
	r1 := &recorder{}
	assert.NoError(t, q1.Register("cb", r1.cb))
	assert.NoError(t, q1.Schedule(ctx, "cb", queueTestStart.Add(time.Minute), []byte("persisted")))
	assert.NoError(t, q1.Close())

	// A new process picks up the pending item.
	q2, err := NewQueue(filename)
	assert.NoError(t, err)
	defer testutils.AssertCloses(t, q2)
	r2 := &recorder{}
	assert.NoError(t, q2.Register("cb", r2.cb))
	ctx.SetTime(queueTestStart.Add(time.Minute))
	q2.Tick(ctx)
	assert.Equal(t, []string{"persisted"}, r2.got())
}

func TestDropsUnknownPersistedName(t *testing.T) {
	ctx := now.TimeTravelingContext(queueTestStart)
	filename := filepath.Join(t.TempDir(), "delay.bdb")

	q1, err := NewQueue(filename)
	assert.NoError(t, err)
	r1 := &recorder{}
	assert.NoError(t, q1.Register("old-name", r1.cb))
	assert.NoError(t, q1.Schedule(ctx, "old-name", queueTestStart, nil))
	assert.NoError(t, q1.Close())

	// The new process does not know the name; the item is dropped rather
	// than retried forever.
	q2, err := NewQueue(filename)
	assert.NoError(t, err)
	defer testutils.AssertCloses(t, q2)
	q2.Tick(ctx)
	n, err := q2.Len()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
