package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/layers-run/layers-gateway/internal/shared/database"
	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// GeneratedKey carries the one-time result of key issuance. RawKey is
// shown once and never stored; only its hash persists.
type GeneratedKey struct {
	KeyID  string
	RawKey string
	Prefix string
}

// Generate mints a new API key for a user and lazily creates the
// user's credit balance row with the tier's default grant.
// env is the key environment segment, "live" or "test".
func Generate(ctx context.Context, store database.Store, userID string, tier models.Tier, env string, expiresAt *time.Time) (*GeneratedKey, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if env != "live" && env != "test" {
		return nil, fmt.Errorf("key environment must be live or test, got %q", env)
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	raw := fmt.Sprintf("%s%s_%s", Prefix, env, hex.EncodeToString(secret))

	key := &models.APIKey{
		UserID:    userID,
		KeyHash:   HashKey(raw),
		KeyPrefix: raw[:12],
		IsActive:  true,
		ExpiresAt: expiresAt,
	}

	if err := store.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store API key: %w", err)
	}
	if err := store.EnsureBalance(ctx, userID, tier); err != nil {
		return nil, fmt.Errorf("failed to create credit balance: %w", err)
	}

	return &GeneratedKey{KeyID: key.ID, RawKey: raw, Prefix: key.KeyPrefix}, nil
}
