// Package api is the interface layer between transport surfaces (HTTP, CLI)
// and the credit engine.
//
// Responsibilities:
// 1. Request validation and sanitization
// 2. Routing to ledger / reservation / streaming operations
// 3. Error translation for transports
//
// This layer holds no state of its own; all methods are safe for concurrent
// use because the engine components are.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/reservation"
	"github.com/scottdaly/creditmeter/internal/store"
	"github.com/scottdaly/creditmeter/internal/streaming"
	"github.com/scottdaly/creditmeter/internal/sweeper"
)

// ErrValidation wraps request validation failures; transports map it to a
// client error.
var ErrValidation = errors.New("invalid request")

// Service exposes the engine's operational surface.
type Service struct {
	ledger  *ledger.Ledger
	manager *reservation.Manager
	tracker *streaming.Tracker
	sweeper *sweeper.Sweeper
	log     zerolog.Logger
}

// NewService creates the service layer. sweeper may be nil for embedded
// callers that run their own.
func NewService(l *ledger.Ledger, m *reservation.Manager, t *streaming.Tracker, sw *sweeper.Sweeper, logger zerolog.Logger) *Service {
	return &Service{
		ledger:  l,
		manager: m,
		tracker: t,
		sweeper: sw,
		log:     logger.With().Str("component", "api_service").Logger(),
	}
}

// GetBalance returns a user's current balance and tier.
func (s *Service) GetBalance(ctx context.Context, userID string) (*ledger.BalanceInfo, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return s.ledger.GetBalance(ctx, userID)
}

// AuditTrail returns recent balance mutations for a user.
func (s *Service) AuditTrail(ctx context.Context, userID string, limit int) ([]store.AuditEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return s.ledger.AuditTrail(ctx, userID, limit)
}

// ReserveParams describes a reservation request from a transport.
type ReserveParams struct {
	UserID     string
	Amount     decimal.Decimal
	Type       string
	Context    map[string]string
	TTLSeconds int
}

// Reserve places a hold against a user's balance.
func (s *Service) Reserve(ctx context.Context, p ReserveParams) (*store.Reservation, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return s.manager.Reserve(ctx, reservation.ReserveRequest{
		UserID:  p.UserID,
		Amount:  p.Amount,
		Type:    p.Type,
		Context: p.Context,
		TTL:     time.Duration(p.TTLSeconds) * time.Second,
	})
}

// SettleParams describes a settlement request from a transport.
type SettleParams struct {
	ReservationID string
	ActualAmount  decimal.Decimal
	InputTokens   int
	OutputTokens  int
	Exact         bool
	Model         string
	Provider      string
}

// Settle reconciles a reservation against actual usage.
func (s *Service) Settle(ctx context.Context, p SettleParams) (*store.Settlement, error) {
	if p.ReservationID == "" {
		return nil, fmt.Errorf("%w: reservation_id is required", ErrValidation)
	}
	if p.ActualAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: actual_amount cannot be negative", ErrValidation)
	}
	return s.manager.Settle(ctx, p.ReservationID, p.ActualAmount, reservation.UsageMetadata{
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		Exact:        p.Exact,
		Model:        p.Model,
		Provider:     p.Provider,
	})
}

// Cancel fully refunds a reservation.
func (s *Service) Cancel(ctx context.Context, reservationID, reason string) (*store.Settlement, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation_id is required", ErrValidation)
	}
	if reason == "" {
		reason = "client_cancelled"
	}
	return s.manager.Cancel(ctx, reservationID, reason)
}

// GetReservation returns one reservation.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (*store.Reservation, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation_id is required", ErrValidation)
	}
	return s.manager.Get(ctx, reservationID)
}

// ActiveReservations lists a user's active reservations.
func (s *Service) ActiveReservations(ctx context.Context, userID string) ([]store.Reservation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return s.manager.Active(ctx, userID)
}

// StartStream reserves credits for a stream and registers a tracker.
func (s *Service) StartStream(ctx context.Context, req streaming.StartRequest) (*streaming.StartResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrValidation)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrValidation)
	}
	return s.tracker.Start(ctx, req)
}

// StreamChunk folds a response chunk into the running estimate. Best-effort:
// unknown trackers yield Success=false, never an error.
func (s *Service) StreamChunk(trackerID, text string) streaming.ChunkUpdate {
	return s.tracker.UpdateWithChunk(trackerID, text)
}

// CompleteStream settles a stream's reservation.
func (s *Service) CompleteStream(ctx context.Context, trackerID string, req streaming.CompleteRequest) (*streaming.Summary, error) {
	if trackerID == "" {
		return nil, fmt.Errorf("%w: tracker_id is required", ErrValidation)
	}
	return s.tracker.CompleteStreaming(ctx, trackerID, req)
}

// CancelStream refunds a stream's reservation.
func (s *Service) CancelStream(ctx context.Context, trackerID, reason string) error {
	if trackerID == "" {
		return fmt.Errorf("%w: tracker_id is required", ErrValidation)
	}
	if reason == "" {
		reason = "stream_cancelled"
	}
	return s.tracker.CancelStreaming(ctx, trackerID, reason)
}

// CleanupExpired force-expires overdue reservations outside the sweeper
// schedule.
func (s *Service) CleanupExpired(ctx context.Context, batchSize int) (*reservation.CleanupResult, error) {
	return s.manager.CleanupExpired(ctx, batchSize)
}

// SweeperStatus returns the sweeper's counters.
func (s *Service) SweeperStatus() (sweeper.Status, error) {
	if s.sweeper == nil {
		return sweeper.Status{}, errors.New("sweeper not configured")
	}
	return s.sweeper.Status(), nil
}

// ForceSweep runs one sweep cycle immediately.
func (s *Service) ForceSweep(ctx context.Context) (sweeper.RunStats, error) {
	if s.sweeper == nil {
		return sweeper.RunStats{}, errors.New("sweeper not configured")
	}
	return s.sweeper.ForceRun(ctx), nil
}
