package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/layers-run/layers-gateway/internal/shared/database"
	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// Prefix is the required leading segment of every raw credential,
// e.g. "lyr_live_a1b2...".
const Prefix = "lyr_"

var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidCredential   = errors.New("invalid API key")
	ErrDeactivated         = errors.New("API key is deactivated")
	ErrExpired             = errors.New("API key has expired")
	ErrAccountNotFound     = errors.New("no credit account for user")
)

// Identity is the result of a successful authentication: the caller's
// user, the key they presented, and the balance current at auth time.
type Identity struct {
	UserID   string
	APIKeyID string
	Tier     models.Tier
	Balance  decimal.Decimal
}

// Authenticator resolves raw credentials against the credential store.
type Authenticator struct {
	store  database.Store
	bypass bool
}

// New creates an Authenticator. With bypass enabled every credential
// resolves to a fixed synthetic identity without touching the store;
// production code paths are otherwise identical.
func New(store database.Store, bypass bool) *Authenticator {
	return &Authenticator{store: store, bypass: bypass}
}

// HashKey computes the one-way hash stored and looked up for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates a raw credential and loads the caller's
// identity and current balance. The last-used timestamp is updated
// best-effort off the request path; its failure never fails the call.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if a.bypass {
		return &Identity{
			UserID:   "bypass-user",
			APIKeyID: "bypass-key",
			Tier:     models.TierTeam,
			Balance:  decimal.NewFromInt(1_000_000),
		}, nil
	}

	if !strings.HasPrefix(credential, Prefix) {
		return nil, ErrMalformedCredential
	}

	key, err := a.store.LookupKeyByHash(ctx, HashKey(credential))
	if errors.Is(err, database.ErrKeyNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}

	if !key.IsActive {
		return nil, ErrDeactivated
	}
	if key.IsExpired() {
		return nil, ErrExpired
	}

	balance, err := a.store.GetBalance(ctx, key.UserID)
	if errors.Is(err, database.ErrBalanceNotFound) {
		// A key without a balance row is an inconsistent account state.
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	go a.touchLastUsed(key.ID)

	return &Identity{
		UserID:   key.UserID,
		APIKeyID: key.ID,
		Tier:     balance.Tier,
		Balance:  balance.Balance,
	}, nil
}

func (a *Authenticator) touchLastUsed(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.TouchLastUsed(ctx, keyID); err != nil {
		log.Warn().Err(err).Str("api_key_id", keyID).Msg("failed to update key last_used_at")
	}
}
