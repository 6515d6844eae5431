package microk

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for one Kernel, shared by every
// universe it creates: handle churn,
// page-fault traffic by kind, completion-queue throughput, lane matching,
// and event/IRQ delivery.
type Metrics struct {
	HandleAttaches atomic.Uint64
	HandleDetaches atomic.Uint64
	HandleTransfers atomic.Uint64

	PageFaultsRead  atomic.Uint64
	PageFaultsWrite atomic.Uint64
	PageFaultsFetch atomic.Uint64 // pull from a managed view's backing store

	CompletionsPublished atomic.Uint64
	CompletionsDrained   atomic.Uint64
	Cancellations        atomic.Uint64

	LaneOffers       atomic.Uint64
	LaneMatches      atomic.Uint64
	LaneMismatches   atomic.Uint64
	LaneShutdowns    atomic.Uint64

	EventTriggers atomic.Uint64
	IRQAcks       atomic.Uint64
	IRQNacks      atomic.Uint64
	IRQKicks      atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyHist    [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordHandleAttach()  { m.HandleAttaches.Add(1) }
func (m *Metrics) RecordHandleDetach()  { m.HandleDetaches.Add(1) }
func (m *Metrics) RecordHandleTransfer() { m.HandleTransfers.Add(1) }

func (m *Metrics) RecordPageFault(kind PageFaultKind) {
	switch kind {
	case PageFaultRead:
		m.PageFaultsRead.Add(1)
	case PageFaultWrite:
		m.PageFaultsWrite.Add(1)
	case PageFaultFetch:
		m.PageFaultsFetch.Add(1)
	}
}

// PageFaultKind distinguishes the reason a memory view's page state
// machine was driven, for metrics and logging purposes.
type PageFaultKind int

const (
	PageFaultRead PageFaultKind = iota
	PageFaultWrite
	PageFaultFetch
)

func (m *Metrics) RecordCompletionPublished(latencyNs uint64) {
	m.CompletionsPublished.Add(1)
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordCompletionDrained() { m.CompletionsDrained.Add(1) }
func (m *Metrics) RecordCancellation()      { m.Cancellations.Add(1) }

func (m *Metrics) RecordLaneOffer()     { m.LaneOffers.Add(1) }
func (m *Metrics) RecordLaneMatch()     { m.LaneMatches.Add(1) }
func (m *Metrics) RecordLaneMismatch()  { m.LaneMismatches.Add(1) }
func (m *Metrics) RecordLaneShutdown()  { m.LaneShutdowns.Add(1) }

func (m *Metrics) RecordEventTrigger() { m.EventTriggers.Add(1) }
func (m *Metrics) RecordIRQAck()       { m.IRQAcks.Add(1) }
func (m *Metrics) RecordIRQNack()      { m.IRQNacks.Add(1) }
func (m *Metrics) RecordIRQKick()      { m.IRQKicks.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Stop stamps the time the owning Kernel was torn down.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics safe to read without
// further synchronization.
type MetricsSnapshot struct {
	HandleAttaches, HandleDetaches, HandleTransfers uint64
	PageFaultsRead, PageFaultsWrite, PageFaultsFetch uint64
	CompletionsPublished, CompletionsDrained, Cancellations uint64
	LaneOffers, LaneMatches, LaneMismatches, LaneShutdowns uint64
	EventTriggers, IRQAcks, IRQNacks, IRQKicks uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram [numLatencyBuckets]uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		HandleAttaches:       m.HandleAttaches.Load(),
		HandleDetaches:       m.HandleDetaches.Load(),
		HandleTransfers:      m.HandleTransfers.Load(),
		PageFaultsRead:       m.PageFaultsRead.Load(),
		PageFaultsWrite:      m.PageFaultsWrite.Load(),
		PageFaultsFetch:      m.PageFaultsFetch.Load(),
		CompletionsPublished: m.CompletionsPublished.Load(),
		CompletionsDrained:   m.CompletionsDrained.Load(),
		Cancellations:        m.Cancellations.Load(),
		LaneOffers:           m.LaneOffers.Load(),
		LaneMatches:          m.LaneMatches.Load(),
		LaneMismatches:       m.LaneMismatches.Load(),
		LaneShutdowns:        m.LaneShutdowns.Load(),
		EventTriggers:        m.EventTriggers.Load(),
		IRQAcks:              m.IRQAcks.Load(),
		IRQNacks:             m.IRQNacks.Load(),
		IRQKicks:             m.IRQKicks.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile using
// linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
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

// Reset zeroes all counters, useful between test scenarios.
func (m *Metrics) Reset() {
	m.HandleAttaches.Store(0)
	m.HandleDetaches.Store(0)
	m.HandleTransfers.Store(0)
	m.PageFaultsRead.Store(0)
	m.PageFaultsWrite.Store(0)
	m.PageFaultsFetch.Store(0)
	m.CompletionsPublished.Store(0)
	m.CompletionsDrained.Store(0)
	m.Cancellations.Store(0)
	m.LaneOffers.Store(0)
	m.LaneMatches.Store(0)
	m.LaneMismatches.Store(0)
	m.LaneShutdowns.Store(0)
	m.EventTriggers.Store(0)
	m.IRQAcks.Store(0)
	m.IRQNacks.Store(0)
	m.IRQKicks.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, mirroring Metrics' own
// record surface so a caller can swap in their own sink.
type Observer interface {
	ObserveHandleAttach()
	ObserveHandleDetach()
	ObservePageFault(kind PageFaultKind)
	ObserveCompletionPublished(latencyNs uint64)
	ObserveCancellation()
	ObserveLaneMatch(ok bool)
	ObserveEventTrigger()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveHandleAttach()                      {}
func (NoOpObserver) ObserveHandleDetach()                      {}
func (NoOpObserver) ObservePageFault(PageFaultKind)            {}
func (NoOpObserver) ObserveCompletionPublished(uint64)         {}
func (NoOpObserver) ObserveCancellation()                      {}
func (NoOpObserver) ObserveLaneMatch(bool)                     {}
func (NoOpObserver) ObserveEventTrigger()                      {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveHandleAttach() { o.metrics.RecordHandleAttach() }
func (o *MetricsObserver) ObserveHandleDetach() { o.metrics.RecordHandleDetach() }
func (o *MetricsObserver) ObservePageFault(kind PageFaultKind) { o.metrics.RecordPageFault(kind) }
func (o *MetricsObserver) ObserveCompletionPublished(latencyNs uint64) {
	o.metrics.RecordCompletionPublished(latencyNs)
}
func (o *MetricsObserver) ObserveCancellation() { o.metrics.RecordCancellation() }
func (o *MetricsObserver) ObserveLaneMatch(ok bool) {
	if ok {
		o.metrics.RecordLaneMatch()
	} else {
		o.metrics.RecordLaneMismatch()
	}
}
func (o *MetricsObserver) ObserveEventTrigger() { o.metrics.RecordEventTrigger() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
