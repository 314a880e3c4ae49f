package tapasco

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the launch-to-finish latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks job lifecycle statistics for a DeviceContext.
type Metrics struct {
	// Job lifecycle counters
	JobsLaunched atomic.Uint64 // Total jobs submitted via Launch
	JobsFinished atomic.Uint64 // Jobs that reached StateFinished
	JobsFailed   atomic.Uint64 // Jobs whose launch or finish step errored

	// Queue statistics: number of jobs in Requested/Scheduled/Running state
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking: launch-to-finish latency
	TotalLatencyNs atomic.Uint64 // Cumulative job latency in nanoseconds
	OpCount        atomic.Uint64 // Total finished jobs (for average latency)

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of jobs with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // DeviceContext open timestamp (UnixNano)
	StopTime  atomic.Int64 // DeviceContext close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordLaunch records a job launch.
func (m *Metrics) RecordLaunch() {
	m.JobsLaunched.Add(1)
}

// RecordFinish records a job reaching StateFinished, with its total
// launch-to-finish latency.
func (m *Metrics) RecordFinish(latencyNs uint64) {
	m.JobsFinished.Add(1)
	m.recordLatency(latencyNs)
}

// RecordFailure records a job whose launch or finish step errored.
func (m *Metrics) RecordFailure() {
	m.JobsFailed.Add(1)
}

// RecordQueueDepth records the current count of in-flight jobs.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records job latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device context as closed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	JobsLaunched uint64
	JobsFinished uint64
	JobsFailed   uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	JobsPerSecond float64
	ErrorRate     float64 // Percentage of launched jobs that failed
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		JobsLaunched:  m.JobsLaunched.Load(),
		JobsFinished:  m.JobsFinished.Load(),
		JobsFailed:    m.JobsFailed.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
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
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.JobsPerSecond = float64(snap.JobsFinished) / uptimeSeconds
	}

	if snap.JobsLaunched > 0 {
		snap.ErrorRate = float64(snap.JobsFailed) / float64(snap.JobsLaunched) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.JobsLaunched.Store(0)
	m.JobsFinished.Store(0)
	m.JobsFailed.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for a DeviceContext.
type Observer interface {
	ObserveLaunch()
	ObserveFinish(latencyNs uint64)
	ObserveFailure()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveLaunch()          {}
func (NoOpObserver) ObserveFinish(uint64)    {}
func (NoOpObserver) ObserveFailure()         {}
func (NoOpObserver) ObserveQueueDepth(uint32) {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveLaunch() { o.metrics.RecordLaunch() }

func (o *MetricsObserver) ObserveFinish(latencyNs uint64) { o.metrics.RecordFinish(latencyNs) }

func (o *MetricsObserver) ObserveFailure() { o.metrics.RecordFailure() }

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
