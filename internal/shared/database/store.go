package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/layers-run/layers-gateway/internal/shared/models"
)

var (
	// ErrKeyNotFound is returned when no API key matches the hash.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrBalanceNotFound is returned when a user has no credit balance row.
	ErrBalanceNotFound = errors.New("credit balance not found")
	// ErrInsufficientBalance is returned when a conditional decrement
	// would take the balance below zero. The balance is left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store is the narrow credential-store interface the pipeline consumes.
// CreateAPIKey and EnsureBalance exist for key issuance only; the
// request path never calls them.
type Store interface {
	LookupKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string) error
	GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error)
	// DeductBalance atomically decrements the balance, failing with
	// ErrInsufficientBalance when the remaining balance does not cover
	// amount. Concurrent deductions must not race past each other.
	DeductBalance(ctx context.Context, userID string, amount decimal.Decimal) error
	AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	EnsureBalance(ctx context.Context, userID string, tier models.Tier) error

	Close() error
}

// Open creates a Store for the configured driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
