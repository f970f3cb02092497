// Package estimator defines the token estimation boundary and credit pricing.
//
// The engine treats estimation as a black box: any Estimator implementation
// can back it. The bundled Heuristic is a character-count approximation good
// enough to size reservations; exact counts arrive later from the provider
// and win at settlement.
package estimator

import (
	"context"
)

// ConfidenceClass describes how trustworthy an estimate is.
type ConfidenceClass string

const (
	ConfidenceExact     ConfidenceClass = "exact"
	ConfidenceEstimated ConfidenceClass = "estimated"
)

// Message is one unit of conversation content to estimate.
type Message struct {
	Role    string
	Content string
}

// EstimateRequest carries the content and model identity to estimate for.
type EstimateRequest struct {
	Messages  []Message
	Model     string
	MaxTokens int
	Context   map[string]string
}

// Estimate is the result of token estimation.
type Estimate struct {
	InputTokens           int
	EstimatedOutputTokens int
	IsExact               bool
	Confidence            ConfidenceClass
}

// Estimator produces token estimates for message content against a model.
type Estimator interface {
	Estimate(ctx context.Context, req EstimateRequest) (*Estimate, error)
}

// Heuristic estimates with the ~4 characters per token approximation plus a
// small per-message overhead for role and formatting.
type Heuristic struct {
	// DefaultOutputTokens is assumed when the request carries no
	// max-token hint.
	DefaultOutputTokens int
}

var _ Estimator = (*Heuristic)(nil)

// NewHeuristic creates a Heuristic with a 512-token default output
// assumption.
func NewHeuristic() *Heuristic {
	return &Heuristic{DefaultOutputTokens: 512}
}

// Estimate implements Estimator.
func (h *Heuristic) Estimate(_ context.Context, req EstimateRequest) (*Estimate, error) {
	var input int
	for _, m := range req.Messages {
		// ~4 chars per token
		input += len(m.Content) / 4
		// overhead per message (role, formatting)
		input += 4
	}
	// base overhead for the request
	input += 3

	output := req.MaxTokens
	if output <= 0 {
		output = h.DefaultOutputTokens
	}

	return &Estimate{
		InputTokens:           input,
		EstimatedOutputTokens: output,
		IsExact:               false,
		Confidence:            ConfidenceEstimated,
	}, nil
}

// EstimateText is a convenience for estimating raw text without message
// structure, used when re-estimating a streamed response body.
func EstimateText(text string) int {
	return len(text) / 4
}
