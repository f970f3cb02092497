package estimator

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/store"
)

// ModelPrice is the credit cost of a model in credits per million tokens.
// Output tokens typically cost two to three times input tokens.
type ModelPrice struct {
	Model            string
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Pricing resolves model identity to credit cost. Lookups are safe for
// concurrent use; prices may be replaced at runtime (admin reload).
type Pricing struct {
	mu       sync.RWMutex
	prices   map[string]ModelPrice
	fallback ModelPrice
}

var million = decimal.NewFromInt(1_000_000)

// NewPricing builds a pricing table. fallback is used for models with no
// explicit entry; a zero fallback makes unknown models free, which is almost
// never what production wants.
func NewPricing(prices []ModelPrice, fallback ModelPrice) *Pricing {
	p := &Pricing{
		prices:   make(map[string]ModelPrice, len(prices)),
		fallback: fallback,
	}
	for _, mp := range prices {
		p.prices[mp.Model] = mp
	}
	return p
}

// DefaultPricing returns a table with a conservative fallback of 5 credits
// per million input tokens and 15 per million output tokens.
func DefaultPricing() *Pricing {
	return NewPricing(nil, ModelPrice{
		InputPerMillion:  decimal.NewFromInt(5),
		OutputPerMillion: decimal.NewFromInt(15),
	})
}

// Replace swaps the whole price table.
func (p *Pricing) Replace(prices []ModelPrice) {
	next := make(map[string]ModelPrice, len(prices))
	for _, mp := range prices {
		next[mp.Model] = mp
	}
	p.mu.Lock()
	p.prices = next
	p.mu.Unlock()
}

// PriceFor returns the price entry used for a model.
func (p *Pricing) PriceFor(model string) ModelPrice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mp, ok := p.prices[model]; ok {
		return mp
	}
	return p.fallback
}

// CostFor computes the credit cost of a token count at the ledger's
// fixed-point precision.
func (p *Pricing) CostFor(model string, inputTokens, outputTokens int) decimal.Decimal {
	mp := p.PriceFor(model)
	in := decimal.NewFromInt(int64(inputTokens)).Mul(mp.InputPerMillion).Div(million)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(mp.OutputPerMillion).Div(million)
	return store.Normalize(in.Add(out))
}
