// Package credits implements two-phase usage metering: a worst-case
// pre-flight estimate gates admission, and exact settlement runs once
// real token counts are known. All arithmetic is decimal; floating
// point must never decide whether a balance is sufficient.
package credits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/layers-run/layers-gateway/internal/gateway/catalog"
)

// ErrInsufficientCredits signals a failed pre-flight balance gate.
// It carries no mutation; the request is rejected before any upstream
// cost is incurred.
var ErrInsufficientCredits = errors.New("insufficient credits")

const (
	// NominalInputTokens is the assumed input size for pre-flight
	// estimates, where the real prompt length is not yet tokenized.
	NominalInputTokens = 1024

	// DefaultMaxTokens caps the worst-case output assumption when the
	// request does not set max_tokens.
	DefaultMaxTokens = 4096
)

var (
	// One credit = $0.01 of raw upstream cost, before margin.
	creditUnitUSD = decimal.New(1, -2)
	million       = decimal.NewFromInt(1_000_000)
	hundred       = decimal.NewFromInt(100)
)

// Meter converts token usage into billed credits under a fixed margin.
type Meter struct {
	marginFactor decimal.Decimal // 1 + marginPercent/100
}

// NewMeter creates a Meter with the given margin percent (60 → 1.6x).
func NewMeter(marginPercent int) *Meter {
	margin := decimal.NewFromInt(int64(marginPercent)).Div(hundred)
	return &Meter{marginFactor: decimal.NewFromInt(1).Add(margin)}
}

// Calculate computes the exact raw USD cost and billed credits for a
// settled request: credits = (costUSD / 0.01) * marginFactor.
func (m *Meter) Calculate(p catalog.Pricing, inputTokens, outputTokens int) (costUSD, credits decimal.Decimal) {
	inCost := decimal.NewFromInt(int64(inputTokens)).Mul(p.Input)
	outCost := decimal.NewFromInt(int64(outputTokens)).Mul(p.Output)
	costUSD = inCost.Add(outCost).Div(million)
	credits = costUSD.Div(creditUnitUSD).Mul(m.marginFactor)
	return costUSD, credits
}

// Estimate computes the worst-case pre-flight credit cost, assuming
// maxTokens of output and a nominal input size.
func (m *Meter) Estimate(p catalog.Pricing, maxTokens int) decimal.Decimal {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	_, credits := m.Calculate(p, NominalInputTokens, maxTokens)
	return credits
}

// CheckBalance gates admission: the current balance must cover the
// estimate in full.
func (m *Meter) CheckBalance(balance, estimate decimal.Decimal) error {
	if balance.LessThan(estimate) {
		return ErrInsufficientCredits
	}
	return nil
}
