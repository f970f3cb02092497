// Package metrics exposes Prometheus instrumentation for the credit engine.
//
// A nil *Metrics is valid and records nothing, so tests and embedded callers
// can skip instrumentation without nil checks at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine collectors.
type Metrics struct {
	reservationsCreated   prometheus.Counter
	reservationsSettled   prometheus.Counter
	reservationsCancelled prometheus.Counter
	reservationsExpired   prometheus.Counter
	insufficientCredits   prometheus.Counter

	creditsReserved  prometheus.Counter
	creditsRefunded  prometheus.Counter
	creditsShortfall prometheus.Counter

	operationDuration *prometheus.HistogramVec

	sweepCycles   prometheus.Counter
	sweepErrors   prometheus.Counter
	sweepDuration prometheus.Histogram

	activeTrackers prometheus.Gauge
	cacheRepairs   prometheus.Counter
}

// New creates engine collectors registered with reg. Passing nil creates
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reservationsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_reservations_created_total",
			Help: "Reservations successfully created.",
		}),
		reservationsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_reservations_settled_total",
			Help: "Reservations settled against actual usage.",
		}),
		reservationsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_reservations_cancelled_total",
			Help: "Reservations cancelled with a full refund.",
		}),
		reservationsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_reservations_expired_total",
			Help: "Reservations force-expired by the sweeper.",
		}),
		insufficientCredits: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_insufficient_credits_total",
			Help: "Debits rejected for insufficient credits.",
		}),
		creditsReserved: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_credits_reserved_total",
			Help: "Total credits placed on hold.",
		}),
		creditsRefunded: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_credits_refunded_total",
			Help: "Total credits refunded at settlement, cancel or expiry.",
		}),
		creditsShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_credits_shortfall_total",
			Help: "Settlement shortfall that could not be debited and was flagged for compensation.",
		}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditmeter_operation_duration_seconds",
			Help:    "Latency of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		sweepCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_sweep_cycles_total",
			Help: "Completed sweeper cycles.",
		}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_sweep_item_errors_total",
			Help: "Per-item failures collected during sweeps.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditmeter_sweep_duration_seconds",
			Help:    "Duration of sweeper cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		activeTrackers: f.NewGauge(prometheus.GaugeOpts{
			Name: "creditmeter_active_stream_trackers",
			Help: "Streaming trackers currently registered in memory.",
		}),
		cacheRepairs: f.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_balance_cache_repairs_total",
			Help: "Balance cache entries corrected from the datastore.",
		}),
	}
}

func (m *Metrics) ReservationCreated(amount float64) {
	if m == nil {
		return
	}
	m.reservationsCreated.Inc()
	m.creditsReserved.Add(amount)
}

func (m *Metrics) ReservationSettled(refunded, shortfall float64) {
	if m == nil {
		return
	}
	m.reservationsSettled.Inc()
	if refunded > 0 {
		m.creditsRefunded.Add(refunded)
	}
	if shortfall > 0 {
		m.creditsShortfall.Add(shortfall)
	}
}

func (m *Metrics) ReservationCancelled(refunded float64) {
	if m == nil {
		return
	}
	m.reservationsCancelled.Inc()
	m.creditsRefunded.Add(refunded)
}

func (m *Metrics) ReservationExpired(refunded float64) {
	if m == nil {
		return
	}
	m.reservationsExpired.Inc()
	m.creditsRefunded.Add(refunded)
}

func (m *Metrics) InsufficientCredits() {
	if m == nil {
		return
	}
	m.insufficientCredits.Inc()
}

func (m *Metrics) Operation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SweepCycle(d time.Duration, itemErrors int) {
	if m == nil {
		return
	}
	m.sweepCycles.Inc()
	m.sweepDuration.Observe(d.Seconds())
	if itemErrors > 0 {
		m.sweepErrors.Add(float64(itemErrors))
	}
}

func (m *Metrics) SetActiveTrackers(n int) {
	if m == nil {
		return
	}
	m.activeTrackers.Set(float64(n))
}

func (m *Metrics) CacheRepairs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheRepairs.Add(float64(n))
}
