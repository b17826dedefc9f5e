package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// Postgres implements Store on top of PostgreSQL.
type Postgres struct {
	conn *sql.DB
}

// NewPostgres creates a new database connection
func NewPostgres(databaseURL string) (*Postgres, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// Close closes the database connection
func (db *Postgres) Close() error {
	return db.conn.Close()
}

// LookupKeyByHash retrieves an API key by its hash. Deactivated and
// expired keys are still returned; the authenticator distinguishes
// those failures from unknown keys.
func (db *Postgres) LookupKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, is_active, expires_at, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var key models.APIKey
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.UserID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.IsActive,
		&key.ExpiresAt,
		&key.CreatedAt,
		&key.LastUsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &key, nil
}

// TouchLastUsed updates the last_used_at timestamp
func (db *Postgres) TouchLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// GetBalance retrieves a user's credit balance row
func (db *Postgres) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	query := `
		SELECT user_id, balance, tier, monthly_credits, stripe_customer_id, subscription_status
		FROM credit_balances
		WHERE user_id = $1
	`

	var bal models.CreditBalance
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&bal.UserID,
		&bal.Balance,
		&bal.Tier,
		&bal.MonthlyCredits,
		&bal.StripeCustomerID,
		&bal.SubscriptionStatus,
	)

	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &bal, nil
}

// DeductBalance performs the conditional decrement at the store level,
// so concurrent requests cannot both pass a stale pre-flight check and
// drive the balance negative.
func (db *Postgres) DeductBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	query := `
		UPDATE credit_balances
		SET balance = balance - $2
		WHERE user_id = $1 AND balance >= $2
	`

	res, err := db.conn.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}

	return nil
}

// AppendUsageLog writes one usage log entry
func (db *Postgres) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO usage_logs (
			id, user_id, api_key_id, model_id, provider, request_type,
			input_tokens, output_tokens, cost_usd, credits_used, latency_ms,
			status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		entry.ID,
		entry.UserID,
		entry.APIKeyID,
		entry.ModelID,
		entry.Provider,
		entry.RequestType,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.CreditsUsed,
		entry.LatencyMs,
		entry.Status,
		entry.ErrorMessage,
	)

	return err
}

// CreateAPIKey inserts a new API key row
func (db *Postgres) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	query := `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := db.conn.ExecContext(ctx, query,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.IsActive, key.ExpiresAt)
	return err
}

// EnsureBalance lazily creates the credit balance row with the tier's
// default grant. Existing rows are left untouched.
func (db *Postgres) EnsureBalance(ctx context.Context, userID string, tier models.Tier) error {
	query := `
		INSERT INTO credit_balances (user_id, balance, tier, monthly_credits)
		VALUES ($1, $2, $3, $2)
		ON CONFLICT (user_id) DO NOTHING
	`

	_, err := db.conn.ExecContext(ctx, query, userID, models.DefaultMonthlyCredits(tier), tier)
	return err
}
