package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names emitted by the orchestration core.
const (
	MetricRunsCreated          = "glowback_runs_created_total"
	MetricRunEventsAppended    = "glowback_run_events_appended_total"
	MetricRunEventsDropped     = "glowback_run_events_dropped_total"
	MetricRunSubscribers       = "glowback_run_subscribers"
	MetricOptimizationsCreated = "glowback_optimizations_created_total"
	MetricTrialsCompleted      = "glowback_trials_completed_total"
	MetricTrialsFailed         = "glowback_trials_failed_total"
	MetricRateLimitRejections  = "glowback_rate_limit_rejections_total"
)

// GatewayMetricsSnapshot captures orchestration runtime counters.
type GatewayMetricsSnapshot struct {
	RunsCreated          int64          `json:"runs_created"`
	EventsAppended       int64          `json:"events_appended"`
	EventsDropped        map[string]int `json:"events_dropped"`
	TrialsCompleted      int64          `json:"trials_completed"`
	TrialsFailed         int64          `json:"trials_failed"`
	RateLimitRejections  int64          `json:"rate_limit_rejections"`
	OptimizationsCreated int64          `json:"optimizations_created"`
	Subscribers          map[string]int `json:"subscribers"`
}

// RuntimeMetrics accumulates orchestration counters in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	snapshot GatewayMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.snapshot = GatewayMetricsSnapshot{
		EventsDropped: make(map[string]int),
		Subscribers:   make(map[string]int),
	}
	return metrics
}

// RecordRunCreated counts a new run admission.
func (m *RuntimeMetrics) RecordRunCreated() {
	m.mu.Lock()
	m.snapshot.RunsCreated++
	m.mu.Unlock()
	Telemetry().IncCounter(MetricRunsCreated, 1, nil)
}

// RecordEventAppended counts one appended run event.
func (m *RuntimeMetrics) RecordEventAppended() {
	m.mu.Lock()
	m.snapshot.EventsAppended++
	m.mu.Unlock()
	Telemetry().IncCounter(MetricRunEventsAppended, 1, nil)
}

// RecordEventDropped counts a drop for the given run's slow subscriber.
func (m *RuntimeMetrics) RecordEventDropped(runID string) {
	m.mu.Lock()
	m.snapshot.EventsDropped[runID]++
	m.mu.Unlock()
	Telemetry().IncCounter(MetricRunEventsDropped, 1, map[string]string{"run_id": runID})
}

// RecordOptimizationCreated counts a new optimization admission.
func (m *RuntimeMetrics) RecordOptimizationCreated() {
	m.mu.Lock()
	m.snapshot.OptimizationsCreated++
	m.mu.Unlock()
	Telemetry().IncCounter(MetricOptimizationsCreated, 1, nil)
}

// RecordTrial counts a finished trial by outcome.
func (m *RuntimeMetrics) RecordTrial(failed bool) {
	m.mu.Lock()
	name := MetricTrialsCompleted
	if failed {
		m.snapshot.TrialsFailed++
		name = MetricTrialsFailed
	} else {
		m.snapshot.TrialsCompleted++
	}
	m.mu.Unlock()
	Telemetry().IncCounter(name, 1, nil)
}

// RecordSubscribers tracks the latest subscriber count for a run.
func (m *RuntimeMetrics) RecordSubscribers(runID string, count int) {
	m.mu.Lock()
	if count <= 0 {
		delete(m.snapshot.Subscribers, runID)
	} else {
		m.snapshot.Subscribers[runID] = count
	}
	m.mu.Unlock()
	Telemetry().SetGauge(MetricRunSubscribers, float64(count), map[string]string{"run_id": runID})
}

// RecordRateLimitRejection counts one admission rejection.
func (m *RuntimeMetrics) RecordRateLimitRejection() {
	m.mu.Lock()
	m.snapshot.RateLimitRejections++
	m.mu.Unlock()
	Telemetry().IncCounter(MetricRateLimitRejections, 1, nil)
}

// Snapshot copies the current counter state for reporting.
func (m *RuntimeMetrics) Snapshot() GatewayMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.snapshot
	snapshot.EventsDropped = make(map[string]int, len(m.snapshot.EventsDropped))
	for k, v := range m.snapshot.EventsDropped {
		snapshot.EventsDropped[k] = v
	}
	snapshot.Subscribers = make(map[string]int, len(m.snapshot.Subscribers))
	for k, v := range m.snapshot.Subscribers {
		snapshot.Subscribers[k] = v
	}
	return snapshot
}
