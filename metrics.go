package alpha

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing — the broker loop handles
// requests far faster than an I/O operation, but the same bucket shape
// still usefully separates "fast path" from "something is wrong".
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks request and page-fault statistics for the broker loop.
type Metrics struct {
	Requests     atomic.Uint64 // total IPC requests handled
	RequestErrors atomic.Uint64 // requests that returned a client-facing error
	PageFaults    atomic.Uint64 // total page faults handled, resolved or not
	FaultMisses   atomic.Uint64 // page faults that missed the resolver (fatal)
	DebugBreaks   atomic.Uint64 // total kernel-debugger breaks triggered

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one handled IPC request.
func (m *Metrics) RecordRequest(latencyNs uint64, success bool) {
	m.Requests.Add(1)
	if !success {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPageFault records one page fault; resolved=false also counts it
// as a resolver miss.
func (m *Metrics) RecordPageFault(latencyNs uint64, resolved bool) {
	m.PageFaults.Add(1)
	if !resolved {
		m.FaultMisses.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDebugBreak records one kernel-debugger break.
func (m *Metrics) RecordDebugBreak() {
	m.DebugBreaks.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the broker as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	Requests      uint64
	RequestErrors uint64
	PageFaults    uint64
	FaultMisses   uint64
	DebugBreaks   uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestsPerSec float64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Requests:      m.Requests.Load(),
		RequestErrors: m.RequestErrors.Load(),
		PageFaults:    m.PageFaults.Load(),
		FaultMisses:   m.FaultMisses.Load(),
		DebugBreaks:   m.DebugBreaks.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.RequestsPerSec = float64(snap.Requests) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.Requests > 0 {
		snap.ErrorRate = float64(snap.RequestErrors) / float64(snap.Requests) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset zeroes every counter, for test isolation.
func (m *Metrics) Reset() {
	m.Requests.Store(0)
	m.RequestErrors.Store(0)
	m.PageFaults.Store(0)
	m.FaultMisses.Store(0)
	m.DebugBreaks.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of broker events, the same
// plug-point shape a block-device driver gives its queue runners for
// observability.
type Observer interface {
	ObserveRequest(label uint16, latencyNs uint64, success bool)
	ObservePageFault(latencyNs uint64, resolved bool)
	ObserveDebugBreak(reason string)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint16, uint64, bool) {}
func (NoOpObserver) ObservePageFault(uint64, bool)       {}
func (NoOpObserver) ObserveDebugBreak(string)            {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(label uint16, latencyNs uint64, success bool) {
	o.metrics.RecordRequest(latencyNs, success)
}

func (o *MetricsObserver) ObservePageFault(latencyNs uint64, resolved bool) {
	o.metrics.RecordPageFault(latencyNs, resolved)
}

func (o *MetricsObserver) ObserveDebugBreak(reason string) {
	o.metrics.RecordDebugBreak()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
