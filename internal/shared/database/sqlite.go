package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// SQLite implements Store on a local SQLite database. It exists for
// local development and tests; production deployments use Postgres.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	expires_at   DATETIME,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);

CREATE TABLE IF NOT EXISTS credit_balances (
	user_id             TEXT PRIMARY KEY,
	balance             TEXT NOT NULL,
	tier                TEXT NOT NULL,
	monthly_credits     TEXT NOT NULL,
	stripe_customer_id  TEXT,
	subscription_status TEXT
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	api_key_id    TEXT NOT NULL,
	model_id      TEXT NOT NULL,
	provider      TEXT NOT NULL,
	request_type  TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      TEXT NOT NULL,
	credits_used  TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id, created_at);
`

// NewSQLite opens (and if needed initializes) a SQLite store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent settlement writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LookupKeyByHash retrieves an API key by its hash.
func (s *SQLite) LookupKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, is_active, expires_at, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = ?
	`

	var key models.APIKey
	var expiresAt, lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.UserID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.IsActive,
		&expiresAt,
		&key.CreatedAt,
		&lastUsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}

	return &key, nil
}

// TouchLastUsed updates the last_used_at timestamp.
func (s *SQLite) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC(), keyID)
	return err
}

// GetBalance retrieves a user's credit balance row.
func (s *SQLite) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	query := `
		SELECT user_id, balance, tier, monthly_credits, stripe_customer_id, subscription_status
		FROM credit_balances
		WHERE user_id = ?
	`

	var bal models.CreditBalance
	var balance, monthly string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&bal.UserID,
		&balance,
		&bal.Tier,
		&monthly,
		&bal.StripeCustomerID,
		&bal.SubscriptionStatus,
	)

	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if bal.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for user %s: %w", userID, err)
	}
	if bal.MonthlyCredits, err = decimal.NewFromString(monthly); err != nil {
		return nil, fmt.Errorf("corrupt monthly credits for user %s: %w", userID, err)
	}

	return &bal, nil
}

// DeductBalance decrements the balance inside a transaction. Balances
// are stored as decimal strings, so the compare-and-decrement happens
// in Go; SQLite's single-writer locking makes the transaction atomic.
func (s *SQLite) DeductBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("corrupt balance for user %s: %w", userID, err)
	}
	if balance.LessThan(amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = ? WHERE user_id = ?`,
		balance.Sub(amount).String(), userID)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	return tx.Commit()
}

// AppendUsageLog writes one usage log entry.
func (s *SQLite) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_logs (
			id, user_id, api_key_id, model_id, provider, request_type,
			input_tokens, output_tokens, cost_usd, credits_used, latency_ms,
			status, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx,
		query,
		entry.ID,
		entry.UserID,
		entry.APIKeyID,
		entry.ModelID,
		entry.Provider,
		entry.RequestType,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD.String(),
		entry.CreditsUsed.String(),
		entry.LatencyMs,
		entry.Status,
		entry.ErrorMessage,
		entry.CreatedAt,
	)

	return err
}

// CreateAPIKey inserts a new API key row.
func (s *SQLite) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.UTC()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, is_active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.IsActive, expiresAt, key.CreatedAt)
	return err
}

// EnsureBalance lazily creates the credit balance row with the tier's
// default grant.
func (s *SQLite) EnsureBalance(ctx context.Context, userID string, tier models.Tier) error {
	grant := models.DefaultMonthlyCredits(tier).String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, balance, tier, monthly_credits)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, grant, tier, grant)
	return err
}
