package estimator

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicEstimate(t *testing.T) {
	h := NewHeuristic()

	cases := []struct {
		name       string
		messages   []Message
		maxTokens  int
		wantInput  int
		wantOutput int
	}{
		{
			name:       "single message",
			messages:   []Message{{Role: "user", Content: strings.Repeat("a", 400)}},
			maxTokens:  100,
			wantInput:  107, // 100 content + 4 message overhead + 3 base
			wantOutput: 100,
		},
		{
			name: "multiple messages",
			messages: []Message{
				{Role: "system", Content: strings.Repeat("s", 40)},
				{Role: "user", Content: strings.Repeat("u", 80)},
			},
			maxTokens:  50,
			wantInput:  41, // 10 + 20 content, 2x4 overhead, 3 base
			wantOutput: 50,
		},
		{
			name:       "default output assumption",
			messages:   []Message{{Role: "user", Content: "hi"}},
			wantInput:  7,
			wantOutput: 512,
		},
		{
			name:       "empty request",
			wantInput:  3,
			wantOutput: 512,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			est, err := h.Estimate(context.Background(), EstimateRequest{
				Messages:  tc.messages,
				MaxTokens: tc.maxTokens,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantInput, est.InputTokens)
			assert.Equal(t, tc.wantOutput, est.EstimatedOutputTokens)
			assert.False(t, est.IsExact)
			assert.Equal(t, ConfidenceEstimated, est.Confidence)
		})
	}
}

func TestEstimateText(t *testing.T) {
	assert.Equal(t, 0, EstimateText(""))
	assert.Equal(t, 25, EstimateText(strings.Repeat("x", 100)))
}

func TestPricingCostFor(t *testing.T) {
	p := NewPricing([]ModelPrice{
		{
			Model:            "gpt-4o",
			InputPerMillion:  decimal.NewFromInt(2500),
			OutputPerMillion: decimal.NewFromInt(10000),
		},
	}, ModelPrice{
		InputPerMillion:  decimal.NewFromInt(5),
		OutputPerMillion: decimal.NewFromInt(15),
	})

	// 1M input at 2500/M plus 500k output at 10000/M.
	cost := p.CostFor("gpt-4o", 1_000_000, 500_000)
	assert.Equal(t, "7500", cost.String())

	// Unknown model falls back.
	cost = p.CostFor("unknown-model", 1_000_000, 1_000_000)
	assert.Equal(t, "20", cost.String())

	// Costs are normalized to four decimal places.
	cost = p.CostFor("gpt-4o", 3, 7)
	assert.Equal(t, "0.0775", cost.String())
}

func TestPricingCostFor_ZeroTokens(t *testing.T) {
	p := DefaultPricing()
	assert.True(t, p.CostFor("anything", 0, 0).IsZero())
}

func TestPricingReplace(t *testing.T) {
	p := DefaultPricing()
	before := p.PriceFor("new-model")
	assert.True(t, before.InputPerMillion.Equal(decimal.NewFromInt(5)))

	p.Replace([]ModelPrice{{
		Model:            "new-model",
		InputPerMillion:  decimal.NewFromInt(100),
		OutputPerMillion: decimal.NewFromInt(200),
	}})

	after := p.PriceFor("new-model")
	assert.True(t, after.InputPerMillion.Equal(decimal.NewFromInt(100)))
}
