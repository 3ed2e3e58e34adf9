// Package metrics2 is a client library for recording application metrics.
// The current implementation is backed by Prometheus.
package metrics2

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update sets the current value of the metric.
	Update(v int64)

	// Delete removes the metric from its Client's registry.
	Delete() error
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update sets the current value of the metric.
	Update(v float64)

	// Delete removes the metric from its Client's registry.
	Delete() error
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// values.
type Float64SummaryMetric interface {
	// Observe adds a data point.
	Observe(v float64)
}

// Counter is a metric which reports a value which increments and decrements.
type Counter interface {
	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Delete removes the counter from metrics.
	Delete() error

	// Get returns the current value in the counter.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Liveness keeps a time-since-last-successful-update metric. It is used to
// keep track of periodic processes to make sure that they are running
// successfully.
type Liveness interface {
	// Get returns the current value of the Liveness in seconds.
	Get() int64

	// ManualReset sets the last-successful-update time of the Liveness to a
	// specific value. Useful for tracking processes whose success is
	// determined after the fact.
	ManualReset(lastSuccessfulUpdate int64)

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Timer is a struct used for measuring elapsed time. Unlike the other
// metrics, Timer does not continuously report data; it reports a single data
// point when Stop() is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() float64
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and
	// tag set and returns it.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetFloat64Metric creates or retrieves a Float64Metric with the given
	// name and tag set and returns it.
	GetFloat64Metric(name string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric
	// with the given name and tag set and returns it.
	GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric

	// GetInt64Metric creates or retrieves an Int64Metric with the given
	// name and tag set and returns it.
	GetInt64Metric(name string, tags ...map[string]string) Int64Metric

	// NewLiveness creates a new Liveness metric helper.
	NewLiveness(name string, tags ...map[string]string) Liveness

	// NewTimer creates and returns a new started Timer.
	NewTimer(name string, tags ...map[string]string) Timer

	// Flush pushes any queued data immediately. Long running apps shouldn't
	// worry about this as Client will auto-push every so often.
	Flush() error
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter with the given name and tag set
// using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetFloat64Metric creates or retrieves a Float64Metric with the given name
// and tag set using the default client.
func GetFloat64Metric(name string, tags ...map[string]string) Float64Metric {
	return defaultClient.GetFloat64Metric(name, tags...)
}

// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric with
// the given name and tag set using the default client.
func GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(name, tags...)
}

// GetInt64Metric creates or retrieves an Int64Metric with the given name and
// tag set using the default client.
func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(name, tags...)
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	return defaultClient.NewLiveness(name, tags...)
}

// NewTimer creates and returns a new started Timer using the default client.
func NewTimer(name string, tags ...map[string]string) Timer {
	return defaultClient.NewTimer(name, tags...)
}

// Flush pushes any queued data from the default client immediately.
func Flush() error {
	return defaultClient.Flush()
}
