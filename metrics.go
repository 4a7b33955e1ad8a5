package kci

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the command round-trip latency histogram buckets
// in nanoseconds, from 1us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for a KCI engine
type Metrics struct {
	// Command path counters
	CommandsSent  atomic.Uint64 // Commands pushed to the command queue
	SubmitRetries atomic.Uint64 // Waits for command queue space
	SubmitErrors  atomic.Uint64 // Commands refused at submission

	// Response path counters
	ResponsesFetched atomic.Uint64 // Elements fetched from the response queue
	ResponsesMatched atomic.Uint64 // Responses matched to a pending wait
	NoResponses      atomic.Uint64 // Waits resolved as skipped by firmware
	StaleDropped     atomic.Uint64 // Responses with no matching wait
	Timeouts         atomic.Uint64 // Waits that expired

	// Reverse channel counters
	ReverseReceived   atomic.Uint64 // Reverse notifications taken off the ring
	ReverseDispatched atomic.Uint64 // Notifications routed to a handler
	ReverseDropped    atomic.Uint64 // Notifications lost to a full buffer

	// Drain statistics
	DrainBatches  atomic.Uint64 // Bulk drain passes that fetched anything
	DrainedTotal  atomic.Uint64 // Cumulative elements drained in bulk
	MaxDrainBatch atomic.Uint32 // Largest single drain batch

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative round-trip latency in nanoseconds
	RoundTrips     atomic.Uint64 // Completed round trips (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of round trips with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // Engine start timestamp (UnixNano)
	StopTime  atomic.Int64 // Engine stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRoundTrip records a completed command round trip
func (m *Metrics) RecordRoundTrip(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.RoundTrips.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordDrainBatch records a bulk drain pass that fetched count elements
func (m *Metrics) RecordDrainBatch(count uint32) {
	if count == 0 {
		return
	}
	m.DrainBatches.Add(1)
	m.DrainedTotal.Add(uint64(count))

	for {
		current := m.MaxDrainBatch.Load()
		if count <= current {
			break
		}
		if m.MaxDrainBatch.CompareAndSwap(current, count) {
			break
		}
	}
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	CommandsSent  uint64
	SubmitRetries uint64
	SubmitErrors  uint64

	ResponsesFetched uint64
	ResponsesMatched uint64
	NoResponses      uint64
	StaleDropped     uint64
	Timeouts         uint64

	ReverseReceived   uint64
	ReverseDispatched uint64
	ReverseDropped    uint64

	DrainBatches  uint64
	DrainedTotal  uint64
	MaxDrainBatch uint32
	AvgDrainBatch float64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	CommandRate float64 // Commands per second
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsSent:      m.CommandsSent.Load(),
		SubmitRetries:     m.SubmitRetries.Load(),
		SubmitErrors:      m.SubmitErrors.Load(),
		ResponsesFetched:  m.ResponsesFetched.Load(),
		ResponsesMatched:  m.ResponsesMatched.Load(),
		NoResponses:       m.NoResponses.Load(),
		StaleDropped:      m.StaleDropped.Load(),
		Timeouts:          m.Timeouts.Load(),
		ReverseReceived:   m.ReverseReceived.Load(),
		ReverseDispatched: m.ReverseDispatched.Load(),
		ReverseDropped:    m.ReverseDropped.Load(),
		DrainBatches:      m.DrainBatches.Load(),
		DrainedTotal:      m.DrainedTotal.Load(),
		MaxDrainBatch:     m.MaxDrainBatch.Load(),
	}

	if snap.DrainBatches > 0 {
		snap.AvgDrainBatch = float64(snap.DrainedTotal) / float64(snap.DrainBatches)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	roundTrips := m.RoundTrips.Load()
	if roundTrips > 0 {
		snap.AvgLatencyNs = totalLatencyNs / roundTrips
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CommandRate = float64(snap.CommandsSent) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if roundTrips > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.RoundTrips.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

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

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.CommandsSent.Store(0)
	m.SubmitRetries.Store(0)
	m.SubmitErrors.Store(0)
	m.ResponsesFetched.Store(0)
	m.ResponsesMatched.Store(0)
	m.NoResponses.Store(0)
	m.StaleDropped.Store(0)
	m.Timeouts.Store(0)
	m.ReverseReceived.Store(0)
	m.ReverseDispatched.Store(0)
	m.ReverseDropped.Store(0)
	m.DrainBatches.Store(0)
	m.DrainedTotal.Store(0)
	m.MaxDrainBatch.Store(0)
	m.TotalLatencyNs.Store(0)
	m.RoundTrips.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
