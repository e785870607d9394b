// Package metrics exposes Prometheus collectors for the segmentation session.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dicomseg"

// AI request outcomes.
const (
	OutcomeDispatched = "dispatched"
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeCancelled  = "cancelled"
	OutcomeIgnored    = "ignored"
)

// Metrics groups every collector used by the session.
type Metrics struct {
	snapshotCaptures  prometheus.Counter
	snapshotRestores  *prometheus.CounterVec
	modifiedSlices    prometheus.Counter
	derivedAllocated  prometheus.Counter
	derivedDisposed   prometheus.Counter
	cacheEvictions    prometheus.Counter
	aiRequests        *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	historyOps        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer. Collectors already registered under the same
// name are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		snapshotCaptures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "captures_total",
			Help:      "Snapshots captured from live labelmap buffers",
		}),
		snapshotRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "restores_total",
			Help:      "Snapshot restore attempts by result (applied, stale)",
		}, []string{"result"}),
		modifiedSlices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "modified_slices_total",
			Help:      "Labelmap slices overwritten by restores",
		}),
		derivedAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labelmap",
			Name:      "derived_allocated_total",
			Help:      "Derived labelmap buffers allocated",
		}),
		derivedDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labelmap",
			Name:      "derived_disposed_total",
			Help:      "Derived labelmap buffers evicted from the image cache",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "imagecache",
			Name:      "evictions_total",
			Help:      "Images that left the image cache",
		}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "AI segmentation requests by outcome",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "inference_duration_seconds",
			Help:      "Time spent segmenting one bounding box",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		historyOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "operations_total",
			Help:      "History operations by kind (record, undo, redo)",
		}, []string{"op"}),
	}

	var err error
	if m.snapshotCaptures, err = registerOrReuse(reg, m.snapshotCaptures); err != nil {
		return nil, err
	}
	if m.snapshotRestores, err = registerOrReuse(reg, m.snapshotRestores); err != nil {
		return nil, err
	}
	if m.modifiedSlices, err = registerOrReuse(reg, m.modifiedSlices); err != nil {
		return nil, err
	}
	if m.derivedAllocated, err = registerOrReuse(reg, m.derivedAllocated); err != nil {
		return nil, err
	}
	if m.derivedDisposed, err = registerOrReuse(reg, m.derivedDisposed); err != nil {
		return nil, err
	}
	if m.cacheEvictions, err = registerOrReuse(reg, m.cacheEvictions); err != nil {
		return nil, err
	}
	if m.aiRequests, err = registerOrReuse(reg, m.aiRequests); err != nil {
		return nil, err
	}
	if m.inferenceDuration, err = registerOrReuse(reg, m.inferenceDuration); err != nil {
		return nil, err
	}
	if m.historyOps, err = registerOrReuse(reg, m.historyOps); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// SnapshotCaptured counts one capture.
func (m *Metrics) SnapshotCaptured() {
	if m == nil {
		return
	}
	m.snapshotCaptures.Inc()
}

// SnapshotRestored counts a restore that modified slices.
func (m *Metrics) SnapshotRestored(slices int) {
	if m == nil {
		return
	}
	m.snapshotRestores.WithLabelValues("applied").Inc()
	m.modifiedSlices.Add(float64(slices))
}

// SnapshotStale counts a restore that modified nothing.
func (m *Metrics) SnapshotStale() {
	if m == nil {
		return
	}
	m.snapshotRestores.WithLabelValues("stale").Inc()
}

// DerivedAllocated counts newly allocated derived buffers.
func (m *Metrics) DerivedAllocated(n int) {
	if m == nil {
		return
	}
	m.derivedAllocated.Add(float64(n))
}

// DerivedDisposed counts derived buffers evicted on dispose.
func (m *Metrics) DerivedDisposed(n int) {
	if m == nil {
		return
	}
	m.derivedDisposed.Add(float64(n))
}

// CacheEvicted counts an image leaving the cache.
func (m *Metrics) CacheEvicted() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

// AIRequest counts an AI request outcome.
func (m *Metrics) AIRequest(outcome string) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(outcome).Inc()
}

// ObserveInference records how long one segmentation took, in seconds.
func (m *Metrics) ObserveInference(seconds float64) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(seconds)
}

// HistoryOp counts a history operation.
func (m *Metrics) HistoryOp(op string) {
	if m == nil {
		return
	}
	m.historyOps.WithLabelValues(op).Inc()
}
