package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	HitsCounter        metric.Int64Counter
	MissesCounter      metric.Int64Counter
	EvictionsCounter   metric.Int64Counter
	FlushesCounter     metric.Int64Counter
	PinnedPagesCounter metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hitsCounter, err := meter.Int64Counter(
		"kurodb.buffer.hits_total",
		metric.WithDescription("Total number of page fetches served from the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	missesCounter, err := meter.Int64Counter(
		"kurodb.buffer.misses_total",
		metric.WithDescription("Total number of page fetches that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"kurodb.buffer.evictions_total",
		metric.WithDescription("Total number of frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushesCounter, err := meter.Int64Counter(
		"kurodb.buffer.flushes_total",
		metric.WithDescription("Total number of pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedPagesCounter, err := meter.Int64UpDownCounter(
		"kurodb.buffer.pinned_pages",
		metric.WithDescription("Number of currently pinned pages."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:        hitsCounter,
		MissesCounter:      missesCounter,
		EvictionsCounter:   evictionsCounter,
		FlushesCounter:     flushesCounter,
		PinnedPagesCounter: pinnedPagesCounter,
	}, nil
}

// IndexMetrics holds all the metric instruments for the B+-tree index.
type IndexMetrics struct {
	SplitsCounter metric.Int64Counter
	MergesCounter metric.Int64Counter
}

// NewIndexMetrics creates and registers all the metrics for the index layer.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	splitsCounter, err := meter.Int64Counter(
		"kurodb.index.splits_total",
		metric.WithDescription("Total number of node splits."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mergesCounter, err := meter.Int64Counter(
		"kurodb.index.merges_total",
		metric.WithDescription("Total number of node coalesces."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		SplitsCounter: splitsCounter,
		MergesCounter: mergesCounter,
	}, nil
}

// LockMetrics holds all the metric instruments for the lock manager.
type LockMetrics struct {
	GrantedCounter   metric.Int64Counter
	WaitsCounter     metric.Int64Counter
	DeadlocksCounter metric.Int64Counter
}

// NewLockMetrics creates and registers all the metrics for the lock manager.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	grantedCounter, err := meter.Int64Counter(
		"kurodb.lock.granted_total",
		metric.WithDescription("Total number of lock requests granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitsCounter, err := meter.Int64Counter(
		"kurodb.lock.waits_total",
		metric.WithDescription("Total number of lock requests that had to wait."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocksCounter, err := meter.Int64Counter(
		"kurodb.lock.deadlocks_total",
		metric.WithDescription("Total number of transactions aborted by the cycle detector."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		GrantedCounter:   grantedCounter,
		WaitsCounter:     waitsCounter,
		DeadlocksCounter: deadlocksCounter,
	}, nil
}
