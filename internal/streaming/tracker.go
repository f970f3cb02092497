// Package streaming correlates in-flight response streams with their credit
// reservations.
//
// Tracker state is ephemeral and in-memory only: it never holds the
// authoritative balance, it just computes running numbers that are committed
// through the ledger at settlement time. Entries are inserted explicitly on
// Start and removed explicitly on completion, cancellation or sweeper reap.
// Each entry is owned by the request that created it; the registry lock is
// held only for map access and never across a datastore round-trip, so chunk
// updates cannot block the response stream.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/estimator"
	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/metrics"
	"github.com/scottdaly/creditmeter/internal/reservation"
	"github.com/scottdaly/creditmeter/internal/store"
)

// ErrTrackerNotFound is returned by CompleteStreaming and CancelStreaming
// for unknown tracker ids. UpdateWithChunk never returns it; chunk updates
// are best-effort telemetry and report failure in-band.
var ErrTrackerNotFound = errors.New("streaming: tracker not found")

// Config carries tracker policy knobs.
type Config struct {
	// BufferMultiplier scales the cost estimate when reserving, absorbing
	// under-estimation risk before exact usage is known.
	BufferMultiplier float64

	// WarnRatio is the usage fraction at which ApproachingLimit turns on.
	WarnRatio float64
}

// Tracker is the registry of live streams.
type Tracker struct {
	manager *reservation.Manager
	est     estimator.Estimator
	pricing *estimator.Pricing

	buffer    decimal.Decimal
	warnRatio float64

	mu      sync.Mutex
	entries map[string]*entry

	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type entry struct {
	trackerID     string
	reservationID string
	userID        string
	model         string
	reserved      decimal.Decimal
	inputTokens   int

	accumulatedChars int
	outputTokens     int
	creditsUsed      decimal.Decimal

	startedAt  time.Time
	lastUpdate time.Time
}

// New creates a Tracker.
func New(mgr *reservation.Manager, est estimator.Estimator, pricing *estimator.Pricing, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Tracker {
	buffer := cfg.BufferMultiplier
	if buffer < 1 {
		buffer = 1.2
	}
	warn := cfg.WarnRatio
	if warn <= 0 || warn > 1 {
		warn = 0.8
	}
	return &Tracker{
		manager:   mgr,
		est:       est,
		pricing:   pricing,
		buffer:    decimal.NewFromFloat(buffer),
		warnRatio: warn,
		entries:   make(map[string]*entry),
		log:       logger.With().Str("component", "streaming_tracker").Logger(),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest describes a stream about to begin.
type StartRequest struct {
	UserID         string
	Model          string
	Provider       string
	Messages       []estimator.Message
	MaxTokens      int
	ConversationID string
	MessageID      string
	TTL            time.Duration
}

// StartResult reports the reservation created for a stream.
type StartResult struct {
	TrackerID       string
	ReservationID   string
	CreditsReserved decimal.Decimal
	EstimatedCost   decimal.Decimal
	ExpiresAt       time.Time
}

// Start estimates the request cost, reserves it with the buffer multiplier
// applied, and registers a tracker for the stream.
func (t *Tracker) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	est, err := t.est.Estimate(ctx, estimator.EstimateRequest{
		Messages:  req.Messages,
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate failed: %w", err)
	}

	cost := t.pricing.CostFor(req.Model, est.InputTokens, est.EstimatedOutputTokens)
	reserveAmt := store.Normalize(cost.Mul(t.buffer))

	resCtx := map[string]string{
		"model":     req.Model,
		"operation": "streaming",
	}
	if req.Provider != "" {
		resCtx["provider"] = req.Provider
	}
	if req.ConversationID != "" {
		resCtx["conversation_id"] = req.ConversationID
	}
	if req.MessageID != "" {
		resCtx["message_id"] = req.MessageID
	}

	res, err := t.manager.Reserve(ctx, reservation.ReserveRequest{
		UserID:  req.UserID,
		Amount:  reserveAmt,
		Type:    "streaming",
		Context: resCtx,
		TTL:     req.TTL,
	})
	if err != nil {
		return nil, err
	}

	now := t.now()
	e := &entry{
		trackerID:     uuid.New().String(),
		reservationID: res.ID,
		userID:        req.UserID,
		model:         req.Model,
		reserved:      res.Amount,
		inputTokens:   est.InputTokens,
		creditsUsed:   t.pricing.CostFor(req.Model, est.InputTokens, 0),
		startedAt:     now,
		lastUpdate:    now,
	}

	t.mu.Lock()
	t.entries[e.trackerID] = e
	t.metrics.SetActiveTrackers(len(t.entries))
	t.mu.Unlock()

	t.log.Debug().
		Str("tracker_id", e.trackerID).
		Str("reservation_id", res.ID).
		Str("user_id", req.UserID).
		Str("model", req.Model).
		Int("input_tokens", est.InputTokens).
		Str("reserved", res.Amount.String()).
		Msg("stream tracking started")

	return &StartResult{
		TrackerID:       e.trackerID,
		ReservationID:   res.ID,
		CreditsReserved: res.Amount,
		EstimatedCost:   cost,
		ExpiresAt:       res.ExpiresAt,
	}, nil
}

// ChunkUpdate is the running estimate after one chunk.
type ChunkUpdate struct {
	Success               bool
	OutputTokensEstimated int
	CreditsUsed           decimal.Decimal
	CreditsRemaining      decimal.Decimal
	UsageRatio            float64

	// ApproachingLimit warns that running usage crossed the configured
	// fraction of the reserved amount. Purely advisory; the caller decides
	// whether to abort a runaway generation.
	ApproachingLimit bool
}

// UpdateWithChunk folds one response chunk into the running estimate.
// Purely in-memory and non-blocking. An unknown or already-removed tracker
// yields Success=false rather than an error.
func (t *Tracker) UpdateWithChunk(trackerID, chunkText string) ChunkUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[trackerID]
	if !ok {
		return ChunkUpdate{Success: false}
	}

	e.accumulatedChars += len(chunkText)
	e.outputTokens = e.accumulatedChars / 4
	e.creditsUsed = t.pricing.CostFor(e.model, e.inputTokens, e.outputTokens)
	e.lastUpdate = t.now()

	remaining := e.reserved.Sub(e.creditsUsed)
	ratio := 0.0
	if e.reserved.Sign() > 0 {
		ratio, _ = e.creditsUsed.Div(e.reserved).Float64()
	}

	return ChunkUpdate{
		Success:               true,
		OutputTokensEstimated: e.outputTokens,
		CreditsUsed:           e.creditsUsed,
		CreditsRemaining:      remaining,
		UsageRatio:            ratio,
		ApproachingLimit:      ratio >= t.warnRatio,
	}
}

// CompleteRequest carries the final usage of a stream.
type CompleteRequest struct {
	// OutputTokens is the provider-reported count; authoritative when set.
	OutputTokens *int

	// TotalText re-estimates output when the provider reported nothing.
	TotalText string

	ProcessingTime time.Duration
}

// Summary is the settlement outcome of a completed stream.
type Summary struct {
	ReservationID string
	Settlement    *store.Settlement
	OutputTokens  int
	Exact         bool

	CreditsUsed     decimal.Decimal
	CreditsRefunded decimal.Decimal

	// BilledCredits is CreditsUsed rounded up to whole credits, the figure
	// a billing ledger sees.
	BilledCredits decimal.Decimal

	Duration time.Duration
}

// CompleteStreaming settles the stream's reservation against final usage.
// The entry stays registered until settlement succeeds so that a transient
// settle failure can be retried; it is removed on success and on any
// terminal reservation error.
func (t *Tracker) CompleteStreaming(ctx context.Context, trackerID string, req CompleteRequest) (*Summary, error) {
	t.mu.Lock()
	e, ok := t.entries[trackerID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrTrackerNotFound
	}

	outputTokens := e.outputTokens
	exact := false
	switch {
	case req.OutputTokens != nil:
		outputTokens = *req.OutputTokens
		exact = true
	case req.TotalText != "":
		outputTokens = estimator.EstimateText(req.TotalText)
	}

	actual := t.pricing.CostFor(e.model, e.inputTokens, outputTokens)
	s, err := t.manager.Settle(ctx, e.reservationID, actual, reservation.UsageMetadata{
		InputTokens:    e.inputTokens,
		OutputTokens:   outputTokens,
		Exact:          exact,
		Model:          e.model,
		ProcessingTime: req.ProcessingTime,
	})
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotActive) || errors.Is(err, reservation.ErrReservationNotFound) {
			// Sweeper or a concurrent caller closed it; the entry is dead.
			t.remove(trackerID)
		}
		return nil, err
	}

	t.remove(trackerID)
	t.log.Info().
		Str("tracker_id", trackerID).
		Str("reservation_id", e.reservationID).
		Str("user_id", e.userID).
		Int("output_tokens", outputTokens).
		Bool("exact", exact).
		Str("used", s.Used.String()).
		Str("refunded", s.Refunded.String()).
		Msg("stream completed")

	return &Summary{
		ReservationID:   e.reservationID,
		Settlement:      s,
		OutputTokens:    outputTokens,
		Exact:           exact,
		CreditsUsed:     s.Used,
		CreditsRefunded: s.Refunded,
		BilledCredits:   ledger.CeilCredits(s.Used),
		Duration:        t.now().Sub(e.startedAt),
	}, nil
}

// CancelStreaming refunds the stream's reservation and discards the entry.
func (t *Tracker) CancelStreaming(ctx context.Context, trackerID, reason string) error {
	t.mu.Lock()
	e, ok := t.entries[trackerID]
	t.mu.Unlock()
	if !ok {
		return ErrTrackerNotFound
	}

	if _, err := t.manager.Cancel(ctx, e.reservationID, reason); err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			t.remove(trackerID)
		}
		return err
	}

	t.remove(trackerID)
	t.log.Info().
		Str("tracker_id", trackerID).
		Str("reservation_id", e.reservationID).
		Str("user_id", e.userID).
		Str("reason", reason).
		Msg("stream cancelled")
	return nil
}

// ReapStale removes entries idle past olderThan whose reservation is no
// longer active. Entries with a live reservation are left for the expiry
// sweep to close first. Returns the number of entries removed.
func (t *Tracker) ReapStale(ctx context.Context, olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	var stale []*entry
	for _, e := range t.entries {
		if e.lastUpdate.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	t.mu.Unlock()

	reaped := 0
	for _, e := range stale {
		res, err := t.manager.Get(ctx, e.reservationID)
		if err == nil && res.Status == store.StatusActive {
			continue
		}
		t.remove(e.trackerID)
		reaped++
		t.log.Debug().
			Str("tracker_id", e.trackerID).
			Str("reservation_id", e.reservationID).
			Msg("stale tracker reaped")
	}
	return reaped
}

// Active returns the number of registered trackers.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) remove(trackerID string) {
	t.mu.Lock()
	delete(t.entries, trackerID)
	t.metrics.SetActiveTrackers(len(t.entries))
	t.mu.Unlock()
}
