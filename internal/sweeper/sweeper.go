// Package sweeper is the backstop that guarantees no reservation can leak
// credits indefinitely.
//
// Requests are responsible for settling or cancelling their own reservations
// before the TTL, but correctness does not depend on them doing so: a crash,
// timeout or client disconnect leaves an active reservation behind, and the
// sweeper force-expires it once expiresAt passes. Each cycle also reaps
// orphaned in-memory stream trackers and verifies a sample of the balance
// cache. A cycle that panics is recovered and logged; the timer never stops,
// whatever the run count.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/metrics"
	"github.com/scottdaly/creditmeter/internal/reservation"
	"github.com/scottdaly/creditmeter/internal/streaming"
)

// Config carries sweeper knobs.
type Config struct {
	// Interval between cycles.
	Interval time.Duration

	// BatchSize caps reservations force-expired per batch.
	BatchSize int

	// TrackerStaleAfter is the idle threshold for reaping stream trackers.
	TrackerStaleAfter time.Duration

	// CacheVerifySample is how many users to spot-check per cycle.
	CacheVerifySample int

	// CycleTimeout bounds one cycle's work.
	CycleTimeout time.Duration
}

// RunStats summarizes one sweep cycle.
type RunStats struct {
	StartedAt      time.Time
	Duration       time.Duration
	Expired        int
	Refunded       decimal.Decimal
	TrackersReaped int
	CacheRepaired  int
	Errors         []string
}

// Status is the sweeper's observable state.
type Status struct {
	Running  bool
	Interval time.Duration
	Runs     int64
	LastRun  *RunStats

	TotalExpired   int64
	TotalRefunded  decimal.Decimal
	TotalReaped    int64
	TotalItemFails int64
}

// Sweeper periodically force-expires overdue reservations.
type Sweeper struct {
	manager *reservation.Manager
	tracker *streaming.Tracker
	ledger  *ledger.Ledger
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	status  Status
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a Sweeper. tracker and ledger steps are skipped when nil.
func New(mgr *reservation.Manager, tr *streaming.Tracker, l *ledger.Ledger, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TrackerStaleAfter <= 0 {
		cfg.TrackerStaleAfter = 30 * time.Minute
	}
	if cfg.CacheVerifySample <= 0 {
		cfg.CacheVerifySample = 100
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	return &Sweeper{
		manager: mgr,
		tracker: tr,
		ledger:  l,
		cfg:     cfg,
		log:     logger.With().Str("component", "expiry_sweeper").Logger(),
		metrics: m,
		status:  Status{Interval: cfg.Interval, TotalRefunded: decimal.Zero},
	}
}

// Start launches the periodic loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.status.Running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("expiry sweeper started")

	go s.loop()
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
			s.runCycle(ctx)
			cancel()
		case <-s.stopCh:
			s.log.Info().Msg("expiry sweeper stopped")
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.status.Running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// ForceRun executes one cycle immediately, regardless of the timer. Used by
// operational tooling and tests.
func (s *Sweeper) ForceRun(ctx context.Context) RunStats {
	return s.runCycle(ctx)
}

// Status returns a snapshot of the sweeper's counters.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.status.LastRun != nil {
		last := *s.status.LastRun
		st.LastRun = &last
	}
	return st
}

func (s *Sweeper) runCycle(ctx context.Context) (stats RunStats) {
	stats.StartedAt = time.Now().UTC()
	stats.Refunded = decimal.Zero

	// A panicking cycle must not take the timer down with it.
	defer func() {
		if r := recover(); r != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("panic: %v", r))
			s.log.Error().Interface("panic", r).Msg("sweep cycle panicked")
		}
		stats.Duration = time.Since(stats.StartedAt)
		s.record(stats)
	}()

	// Step 1: force-expire overdue reservations, draining in batches so a
	// backlog from downtime clears in one cycle.
	for {
		res, err := s.manager.CleanupExpired(ctx, s.cfg.BatchSize)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			s.log.Error().Err(err).Msg("expired reservation cleanup failed")
			break
		}
		stats.Expired += res.Expired
		stats.Refunded = stats.Refunded.Add(res.Refunded)
		for _, ie := range res.Errors {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", ie.ReservationID, ie.Err))
		}
		if res.Scanned < s.cfg.BatchSize {
			break
		}
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err().Error())
			break
		}
	}

	// Step 2: reap orphaned in-memory trackers.
	if s.tracker != nil {
		stats.TrackersReaped = s.tracker.ReapStale(ctx, s.cfg.TrackerStaleAfter)
	}

	// Step 3: spot-check the balance cache against the store.
	if s.ledger != nil {
		repaired, err := s.ledger.VerifyCache(ctx, s.cfg.CacheVerifySample)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		}
		stats.CacheRepaired = repaired
	}

	return stats
}

func (s *Sweeper) record(stats RunStats) {
	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = &stats
	s.status.TotalExpired += int64(stats.Expired)
	s.status.TotalRefunded = s.status.TotalRefunded.Add(stats.Refunded)
	s.status.TotalReaped += int64(stats.TrackersReaped)
	s.status.TotalItemFails += int64(len(stats.Errors))
	s.mu.Unlock()

	s.metrics.SweepCycle(stats.Duration, len(stats.Errors))

	ev := s.log.Info()
	if len(stats.Errors) > 0 {
		ev = s.log.Warn().Strs("errors", stats.Errors)
	}
	ev.Int("expired", stats.Expired).
		Str("refunded", stats.Refunded.String()).
		Int("trackers_reaped", stats.TrackersReaped).
		Int("cache_repaired", stats.CacheRepaired).
		Dur("duration", stats.Duration).
		Msg("sweep cycle complete")
}
