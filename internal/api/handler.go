package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/estimator"
	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/reservation"
	"github.com/scottdaly/creditmeter/internal/store"
	"github.com/scottdaly/creditmeter/internal/streaming"
)

// Handler serves the engine's operational surface as JSON over HTTP.
//
// Endpoints:
//
//	GET  /health                               liveness
//	GET  /ready                                datastore connectivity
//	GET  /metrics                              prometheus
//	GET  /v1/balance/{userID}                  current balance
//	GET  /v1/balance/{userID}/audit            recent mutations
//	POST /v1/reservations                      reserve
//	GET  /v1/reservations/{id}                 reservation by id
//	POST /v1/reservations/{id}/settle          settle
//	POST /v1/reservations/{id}/cancel          cancel
//	GET  /v1/users/{userID}/reservations       active reservations
//	POST /v1/streams                            start stream tracking
//	POST /v1/streams/{id}/chunk                running estimate update
//	POST /v1/streams/{id}/complete             settle stream
//	POST /v1/streams/{id}/cancel               refund stream
//	GET  /v1/admin/sweeper                     sweeper status
//	POST /v1/admin/sweeper/run                 force one sweep cycle
type Handler struct {
	svc   *Service
	store store.Store
	log   zerolog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(svc *Service, st store.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:   svc,
		store: st,
		log:   logger.With().Str("component", "http_handler").Logger(),
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/balance/{userID}", h.handleGetBalance)
		r.Get("/balance/{userID}/audit", h.handleAuditTrail)
		r.Get("/users/{userID}/reservations", h.handleActiveReservations)

		r.Post("/reservations", h.handleReserve)
		r.Get("/reservations/{id}", h.handleGetReservation)
		r.Post("/reservations/{id}/settle", h.handleSettle)
		r.Post("/reservations/{id}/cancel", h.handleCancel)

		r.Post("/streams", h.handleStartStream)
		r.Post("/streams/{id}/chunk", h.handleStreamChunk)
		r.Post("/streams/{id}/complete", h.handleCompleteStream)
		r.Post("/streams/{id}/cancel", h.handleCancelStream)

		r.Get("/admin/sweeper", h.handleSweeperStatus)
		r.Post("/admin/sweeper/run", h.handleForceSweep)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:  info.UserID,
		Balance: info.Balance,
		Tier:    info.Tier,
	})
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "userID"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:            e.ID,
			Operation:     e.Operation,
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Reason:        e.Reason,
			RelatedEntity: e.RelatedEntity,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

type reserveRequest struct {
	UserID     string            `json:"user_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Type       string            `json:"type"`
	Context    map[string]string `json:"context"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.Reserve(r.Context(), ReserveParams{
		UserID:     req.UserID,
		Amount:     req.Amount,
		Type:       req.Type,
		Context:    req.Context,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{
		ID:        res.ID,
		UserID:    res.UserID,
		Amount:    res.Amount,
		Status:    string(res.Status),
		Type:      res.Type,
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{
		ID:        res.ID,
		UserID:    res.UserID,
		Amount:    res.Amount,
		Status:    string(res.Status),
		Type:      res.Type,
		ExpiresAt: res.ExpiresAt,
	})
}

type settleRequest struct {
	ActualAmount decimal.Decimal `json:"actual_amount"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Exact        bool            `json:"exact"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.svc.Settle(r.Context(), SettleParams{
		ReservationID: chi.URLParam(r, "id"),
		ActualAmount:  req.ActualAmount,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		Exact:         req.Exact,
		Model:         req.Model,
		Provider:      req.Provider,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		ID:            s.ID,
		ReservationID: s.ReservationID,
		Reserved:      s.Reserved,
		Used:          s.Used,
		Refunded:      s.Refunded,
		BalanceAfter:  s.BalanceAfter,
		Type:          string(s.Type),
		Billed:        ledger.CeilCredits(s.Used),
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if s == nil {
		// Terminal without a settlement row should not happen, but the
		// cancel remains a no-op either way.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_closed"})
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		ID:            s.ID,
		ReservationID: s.ReservationID,
		Reserved:      s.Reserved,
		Used:          s.Used,
		Refunded:      s.Refunded,
		BalanceAfter:  s.BalanceAfter,
		Type:          string(s.Type),
	})
}

func (h *Handler) handleActiveReservations(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ActiveReservations(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, reservationResponse{
			ID:        res.ID,
			UserID:    res.UserID,
			Amount:    res.Amount,
			Status:    string(res.Status),
			Type:      res.Type,
			ExpiresAt: res.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": out})
}

type startStreamRequest struct {
	UserID         string           `json:"user_id"`
	Model          string           `json:"model"`
	Provider       string           `json:"provider"`
	Messages       []streamMessage  `json:"messages"`
	MaxTokens      int              `json:"max_tokens"`
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
}

type streamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sr := streaming.StartRequest{
		UserID:         req.UserID,
		Model:          req.Model,
		Provider:       req.Provider,
		MaxTokens:      req.MaxTokens,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
	}
	for _, m := range req.Messages {
		sr.Messages = append(sr.Messages, estimator.Message{Role: m.Role, Content: m.Content})
	}
	res, err := h.svc.StartStream(r.Context(), sr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tracker_id":       res.TrackerID,
		"reservation_id":   res.ReservationID,
		"credits_reserved": res.CreditsReserved,
		"estimated_cost":   res.EstimatedCost,
		"expires_at":       res.ExpiresAt,
	})
}

type chunkRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	upd := h.svc.StreamChunk(chi.URLParam(r, "id"), req.Text)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":                 upd.Success,
		"output_tokens_estimated": upd.OutputTokensEstimated,
		"credits_used":            upd.CreditsUsed,
		"credits_remaining":       upd.CreditsRemaining,
		"usage_ratio":             upd.UsageRatio,
		"is_approaching_limit":    upd.ApproachingLimit,
	})
}

type completeStreamRequest struct {
	OutputTokens *int   `json:"output_tokens"`
	TotalText    string `json:"total_text"`
	ProcessingMS int64  `json:"processing_ms"`
}

func (h *Handler) handleCompleteStream(w http.ResponseWriter, r *http.Request) {
	var req completeStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sum, err := h.svc.CompleteStream(r.Context(), chi.URLParam(r, "id"), streaming.CompleteRequest{
		OutputTokens:   req.OutputTokens,
		TotalText:      req.TotalText,
		ProcessingTime: time.Duration(req.ProcessingMS) * time.Millisecond,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reservation_id":   sum.ReservationID,
		"output_tokens":    sum.OutputTokens,
		"exact":            sum.Exact,
		"credits_used":     sum.CreditsUsed,
		"credits_refunded": sum.CreditsRefunded,
		"billed_credits":   sum.BilledCredits,
	})
}

func (h *Handler) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.CancelStream(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleSweeperStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := h.svc.SweeperStatus()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleForceSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.ForceSweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Tier    string          `json:"tier"`
}

type reservationResponse struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Type      string          `json:"type"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type settlementResponse struct {
	ID            string          `json:"id"`
	ReservationID string          `json:"reservation_id"`
	Reserved      decimal.Decimal `json:"reserved"`
	Used          decimal.Decimal `json:"used"`
	Refunded      decimal.Decimal `json:"refunded"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Type          string          `json:"settlement_type"`
	Billed        decimal.Decimal `json:"billed_credits,omitempty"`
}

type auditResponse struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reason        string          `json:"reason"`
	RelatedEntity string          `json:"related_entity"`
	CreatedAt     time.Time       `json:"created_at"`
}

type errorResponse struct {
	Error    string          `json:"error"`
	Code     string          `json:"code"`
	Balance  decimal.Decimal `json:"balance,omitempty"`
	Required decimal.Decimal `json:"required,omitempty"`
}

// writeError maps engine errors onto HTTP status codes:
// validation 400, insufficient credits 402, not found 404, not active 409.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ice *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{
			Error:    ice.Error(),
			Code:     "insufficient_credits",
			Balance:  ice.Balance,
			Required: ice.Required,
		})
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, reservation.ErrReservationNotFound), errors.Is(err, streaming.ErrTrackerNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, reservation.ErrReservationNotActive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "not_active"})
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed json body", ErrValidation)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
