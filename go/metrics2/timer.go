package metrics2

import (
	"time"

	"go.mrtaskman.org/infra/go/util"
)

const (
	// Timer metrics are annotated with the measurement name as a tag,
	// under a shared "timer" measurement, so that all timings land in a
	// single summary family.
	timerMeasurement = "timer"
)

// timer implements the Timer interface.
type timer struct {
	begin   time.Time
	summary Float64SummaryMetric
}

// newTimer creates and returns a new started timer.
func newTimer(c Client, name string, tagsList ...map[string]string) Timer {
	tags := util.AddParams(map[string]string{"name": name}, tagsList...)
	t := &timer{
		summary: c.GetFloat64SummaryMetric(timerMeasurement, tags),
	}
	t.Start()
	return t
}

// See Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// See Timer.
func (t *timer) Stop() float64 {
	v := time.Since(t.begin).Seconds()
	t.summary.Observe(v)
	return v
}

// FuncTimer is specifically intended for measuring the duration of
// functions. It uses the default client.
//
// The standard way to use FuncTimer is at the top of the func you want to
// measure:
//
//	func myfunc() {
//		defer metrics2.FuncTimer().Stop()
//		...
//	}
func FuncTimer() Timer {
	return NewTimer("func_timer")
}

var _ Timer = (*timer)(nil)
