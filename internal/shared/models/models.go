package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a subscription tier. The tier drives the per-window rate limit
// and the default monthly credit grant.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierTeam    Tier = "team"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierPro, TierTeam:
		return true
	}
	return false
}

// DefaultMonthlyCredits returns the starting credit grant for a tier,
// used when a balance row is created lazily on first key issuance.
func DefaultMonthlyCredits(t Tier) decimal.Decimal {
	switch t {
	case TierStarter:
		return decimal.NewFromInt(5_000)
	case TierPro:
		return decimal.NewFromInt(25_000)
	case TierTeam:
		return decimal.NewFromInt(100_000)
	default:
		return decimal.NewFromInt(500)
	}
}

// APIKey represents a gateway API key. Only a one-way hash of the raw
// secret is stored; the pipeline never mutates a key beyond LastUsedAt.
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string
	KeyPrefix  string
	IsActive   bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// IsExpired reports whether the key has passed its expiry time.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// CreditBalance is the per-user credit account. The balance only
// decreases through the store's conditional decrement; grants and
// subscription sync may set it directly out of band.
type CreditBalance struct {
	UserID             string
	Balance            decimal.Decimal
	Tier               Tier
	MonthlyCredits     decimal.Decimal
	StripeCustomerID   *string
	SubscriptionStatus *string
}

// Usage log status values.
const (
	UsageStatusSuccess = "success"
	UsageStatusError   = "error"
)

// UsageLogEntry is one append-only record per attempted pipeline
// invocation that reached the relay stage with an authenticated user.
type UsageLogEntry struct {
	ID           string
	UserID       string
	APIKeyID     string
	ModelID      string
	Provider     string
	RequestType  string
	InputTokens  int
	OutputTokens int
	CostUSD      decimal.Decimal
	CreditsUsed  decimal.Decimal
	LatencyMs    int
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
}
