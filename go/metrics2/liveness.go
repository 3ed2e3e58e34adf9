package metrics2

import (
	"sync"
	"time"

	"go.mrtaskman.org/infra/go/util"
)

const (
	livenessMeasurement = "liveness"
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// newLiveness creates a new liveness metric helper. The current value is
// reported at the given frequency; call Reset() whenever the associated
// process has successfully completed.
func newLiveness(c Client, name string, tagsList ...map[string]string) Liveness {
	tags := util.AddParams(map[string]string{"name": name, "type": "liveness"}, tagsList...)
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(livenessMeasurement, tags),
	}
	go func() {
		for range time.Tick(time.Second * 10) {
			l.update()
		}
	}()
	return l
}

// getLocked returns the current value of the liveness. Assumes the caller
// holds the lock.
func (l *liveness) getLocked() int64 {
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

// See Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.getLocked()
}

// updateLocked sets the current value of the liveness. Assumes the caller
// holds the lock.
func (l *liveness) updateLocked() {
	l.m.Update(l.getLocked())
}

// update sets the current value of the liveness.
func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// See Liveness.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}

// See Liveness.
func (l *liveness) ManualReset(lastSuccessfulUpdate int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Unix(lastSuccessfulUpdate, 0)
	l.updateLocked()
}

var _ Liveness = (*liveness)(nil)
