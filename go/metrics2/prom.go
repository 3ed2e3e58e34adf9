package metrics2

import (
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go.mrtaskman.org/infra/go/sklog"
)

var (
	invalidChars = regexp.MustCompile(`([^a-zA-Z0-9_:])`)
)

// clean converts a metric or tag name into a valid prometheus name.
func clean(s string) string {
	return invalidChars.ReplaceAllLiteralString(s, "_")
}

// cacheKey formats a measurement and its sorted tag keys into a single string
// used to dedupe GaugeVecs in the cache.
func cacheKey(measurement string, tagKeys []string) string {
	key := measurement
	for _, k := range tagKeys {
		key += "-" + k
	}
	return key
}

// promClient implements Client backed by Prometheus.
type promClient struct {
	gaugesMutex sync.Mutex
	gauges      map[string]*prometheus.GaugeVec

	summariesMutex sync.Mutex
	summaries      map[string]*prometheus.SummaryVec
}

// newPromClient creates a new promClient.
func newPromClient() *promClient {
	return &promClient{
		gauges:    map[string]*prometheus.GaugeVec{},
		summaries: map[string]*prometheus.SummaryVec{},
	}
}

// commonGet breaks out the logic of finding the correct GaugeVec and
// populating the tag key/value pairs which is common between
// GetInt64Metric and GetFloat64Metric.
func (p *promClient) commonGet(measurement string, tags ...map[string]string) (*prometheus.GaugeVec, prometheus.Gauge, []string, map[string]string) {
	p.gaugesMutex.Lock()
	defer p.gaugesMutex.Unlock()

	// Convert measurement to a safe name, along with all the keys and values.
	measurement = clean(measurement)
	allTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			allTags[clean(k)] = v
		}
	}
	keys := []string{}
	for k := range allTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := cacheKey(measurement, keys)
	gaugeVec, ok := p.gauges[key]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: measurement,
			},
			keys,
		)
		if err := prometheus.Register(gaugeVec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				gaugeVec = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				sklog.Errorf("Failed to register %s: %s", measurement, err)
			}
		}
		p.gauges[key] = gaugeVec
	}
	gauge := gaugeVec.With(prometheus.Labels(allTags))
	return gaugeVec, gauge, keys, allTags
}

// See Client.
func (p *promClient) GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	gaugeVec, gauge, _, allTags := p.commonGet(measurement, tags...)
	return &promInt64{
		gaugeVec: gaugeVec,
		gauge:    gauge,
		tags:     allTags,
	}
}

// See Client.
func (p *promClient) GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	gaugeVec, gauge, _, allTags := p.commonGet(measurement, tags...)
	return &promFloat64{
		gaugeVec: gaugeVec,
		gauge:    gauge,
		tags:     allTags,
	}
}

// See Client.
func (p *promClient) GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	p.summariesMutex.Lock()
	defer p.summariesMutex.Unlock()

	measurement = clean(measurement)
	allTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			allTags[clean(k)] = v
		}
	}
	keys := []string{}
	for k := range allTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := cacheKey(measurement, keys)
	summaryVec, ok := p.summaries[key]
	if !ok {
		summaryVec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       measurement,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			keys,
		)
		if err := prometheus.Register(summaryVec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				summaryVec = are.ExistingCollector.(*prometheus.SummaryVec)
			} else {
				sklog.Errorf("Failed to register %s: %s", measurement, err)
			}
		}
		p.summaries[key] = summaryVec
	}
	summary := summaryVec.With(prometheus.Labels(allTags))
	return &promFloat64Summary{
		summary: summary,
	}
}

// See Client.
func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	return &promCounter{
		Int64Metric: p.GetInt64Metric(name, tags...),
	}
}

// See Client.
func (p *promClient) NewLiveness(name string, tags ...map[string]string) Liveness {
	return newLiveness(p, name, tags...)
}

// See Client.
func (p *promClient) NewTimer(name string, tags ...map[string]string) Timer {
	return newTimer(p, name, tags...)
}

// See Client.
func (p *promClient) Flush() error {
	// Prometheus is pull-based, so there's nothing to do here.
	return nil
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	gaugeVec *prometheus.GaugeVec
	gauge    prometheus.Gauge
	tags     map[string]string
	value    int64
}

// See Int64Metric.
func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.value)
}

// See Int64Metric.
func (m *promInt64) Update(v int64) {
	m.gauge.Set(float64(v))
	atomic.StoreInt64(&m.value, v)
}

// See Int64Metric.
func (m *promInt64) Delete() error {
	m.gaugeVec.Delete(prometheus.Labels(m.tags))
	return nil
}

// promFloat64 implements the Float64Metric interface.
type promFloat64 struct {
	gaugeVec *prometheus.GaugeVec
	gauge    prometheus.Gauge
	tags     map[string]string

	mutex sync.Mutex
	value float64
}

// See Float64Metric.
func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.value
}

// See Float64Metric.
func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauge.Set(v)
	m.value = v
}

// See Float64Metric.
func (m *promFloat64) Delete() error {
	m.gaugeVec.Delete(prometheus.Labels(m.tags))
	return nil
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

// See Float64SummaryMetric.
func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promCounter implements the Counter interface.
type promCounter struct {
	Int64Metric

	mutex sync.Mutex
}

// See Counter.
func (c *promCounter) Inc(i int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Int64Metric.Update(c.Int64Metric.Get() + i)
}

// See Counter.
func (c *promCounter) Dec(i int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Int64Metric.Update(c.Int64Metric.Get() - i)
}

// See Counter.
func (c *promCounter) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Int64Metric.Update(0)
}

// Validate that the concrete structs faithfully implement their respective
// interfaces.
var _ Client = (*promClient)(nil)
var _ Int64Metric = (*promInt64)(nil)
var _ Float64Metric = (*promFloat64)(nil)
var _ Float64SummaryMetric = (*promFloat64Summary)(nil)
var _ Counter = (*promCounter)(nil)
