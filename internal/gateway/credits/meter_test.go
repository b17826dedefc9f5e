package credits

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layers-run/layers-gateway/internal/gateway/catalog"
)

func pricing(input, output string) catalog.Pricing {
	return catalog.Pricing{
		Input:  decimal.RequireFromString(input),
		Output: decimal.RequireFromString(output),
	}
}

func TestCalculateExact(t *testing.T) {
	m := NewMeter(60)
	p := pricing("3", "15")

	costUSD, credits := m.Calculate(p, 12, 8)

	// (12*3 + 8*15) / 1M = $0.000156 raw.
	assert.True(t, costUSD.Equal(decimal.RequireFromString("0.000156")),
		"costUSD = %s", costUSD)
	// 0.000156 / 0.01 * 1.6 = 0.02496, exactly.
	assert.True(t, credits.Equal(decimal.RequireFromString("0.02496")),
		"credits = %s", credits)
}

func TestCalculateZeroUsage(t *testing.T) {
	m := NewMeter(60)
	costUSD, credits := m.Calculate(pricing("3", "15"), 0, 0)
	assert.True(t, costUSD.IsZero())
	assert.True(t, credits.IsZero())
}

func TestCalculateLinearInTokens(t *testing.T) {
	m := NewMeter(60)
	p := pricing("2.5", "10")

	_, once := m.Calculate(p, 100, 50)
	_, twice := m.Calculate(p, 200, 100)

	assert.True(t, twice.Equal(once.Mul(decimal.NewFromInt(2))),
		"doubling tokens must double credits: %s vs %s", once, twice)
}

func TestCalculateMarginMonotonic(t *testing.T) {
	p := pricing("3", "15")
	_, low := NewMeter(0).Calculate(p, 1000, 1000)
	_, high := NewMeter(60).Calculate(p, 1000, 1000)

	assert.True(t, high.GreaterThan(low))
	// Margin 0 bills raw cost in credit units.
	costUSD, raw := NewMeter(0).Calculate(p, 1000, 1000)
	assert.True(t, raw.Equal(costUSD.Div(decimal.New(1, -2))))
}

func TestEstimateUsesDefaultMaxTokens(t *testing.T) {
	m := NewMeter(60)
	p := pricing("3", "15")

	explicit := m.Estimate(p, DefaultMaxTokens)
	defaulted := m.Estimate(p, 0)

	assert.True(t, explicit.Equal(defaulted))
}

func TestEstimateGrowsWithMaxTokens(t *testing.T) {
	m := NewMeter(60)
	p := pricing("3", "15")

	small := m.Estimate(p, 100)
	large := m.Estimate(p, 10000)

	assert.True(t, large.GreaterThan(small))
}

func TestCheckBalance(t *testing.T) {
	m := NewMeter(60)
	estimate := decimal.RequireFromString("1.5")

	require.NoError(t, m.CheckBalance(decimal.RequireFromString("1.5"), estimate))
	require.NoError(t, m.CheckBalance(decimal.RequireFromString("100"), estimate))

	err := m.CheckBalance(decimal.RequireFromString("1.49"), estimate)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// A zeroed balance never admits a priced model.
	err = m.CheckBalance(decimal.Zero, m.Estimate(pricing("0.15", "0.60"), 0))
	require.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCalculateAvoidsFloatDrift(t *testing.T) {
	m := NewMeter(60)
	p := pricing("0.1", "0.4")

	// Sum many small settlements and compare against one big one. A
	// float-based meter drifts here; decimal must not.
	total := decimal.Zero
	for i := 0; i < 1000; i++ {
		_, c := m.Calculate(p, 7, 13)
		total = total.Add(c)
	}
	_, bulk := m.Calculate(p, 7000, 13000)
	assert.True(t, total.Equal(bulk), "sum %s != bulk %s", total, bulk)
}
