package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layers-run/layers-gateway/internal/shared/database"
	"github.com/layers-run/layers-gateway/internal/shared/models"
)

// fakeStore is an in-memory database.Store for auth tests.
type fakeStore struct {
	mu       sync.Mutex
	keys     map[string]*models.APIKey // by hash
	balances map[string]*models.CreditBalance
	touched  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:     make(map[string]*models.APIKey),
		balances: make(map[string]*models.CreditBalance),
	}
}

func (s *fakeStore) LookupKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyHash]
	if !ok {
		return nil, database.ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *fakeStore) TouchLastUsed(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, keyID)
	return nil
}

func (s *fakeStore) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return nil, database.ErrBalanceNotFound
	}
	cp := *bal
	return &cp, nil
}

func (s *fakeStore) DeductBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return database.ErrBalanceNotFound
	}
	if bal.Balance.LessThan(amount) {
		return database.ErrInsufficientBalance
	}
	bal.Balance = bal.Balance.Sub(amount)
	return nil
}

func (s *fakeStore) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	return nil
}

func (s *fakeStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = "key-" + key.KeyPrefix
	}
	cp := *key
	s.keys[key.KeyHash] = &cp
	return nil
}

func (s *fakeStore) EnsureBalance(ctx context.Context, userID string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = &models.CreditBalance{
			UserID:         userID,
			Balance:        models.DefaultMonthlyCredits(tier),
			Tier:           tier,
			MonthlyCredits: models.DefaultMonthlyCredits(tier),
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func seedKey(t *testing.T, s *fakeStore, userID string, tier models.Tier) string {
	t.Helper()
	key, err := Generate(context.Background(), s, userID, tier, "test", nil)
	require.NoError(t, err)
	return key.RawKey
}

func TestAuthenticateSuccess(t *testing.T) {
	store := newFakeStore()
	raw := seedKey(t, store, "user-1", models.TierPro)

	a := New(store, false)
	ident, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "user-1", ident.UserID)
	assert.Equal(t, models.TierPro, ident.Tier)
	assert.True(t, ident.Balance.Equal(decimal.NewFromInt(25_000)))
	assert.NotEmpty(t, ident.APIKeyID)
}

func TestAuthenticateConsistentUser(t *testing.T) {
	store := newFakeStore()
	raw := seedKey(t, store, "user-1", models.TierFree)
	a := New(store, false)

	first, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	second, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.APIKeyID, second.APIKeyID)
}

func TestAuthenticateMalformed(t *testing.T) {
	a := New(newFakeStore(), false)

	for _, cred := range []string{"", "sk-abc123", "bearer lyr", "LYR_live_x"} {
		_, err := a.Authenticate(context.Background(), cred)
		assert.ErrorIs(t, err, ErrMalformedCredential, "credential %q", cred)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a := New(newFakeStore(), false)

	_, err := a.Authenticate(context.Background(), Prefix+"live_deadbeef")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateDeactivated(t *testing.T) {
	store := newFakeStore()
	raw := seedKey(t, store, "user-1", models.TierFree)
	store.keys[HashKey(raw)].IsActive = false

	a := New(store, false)
	_, err := a.Authenticate(context.Background(), raw)
	require.ErrorIs(t, err, ErrDeactivated)
	assert.Equal(t, "API key is deactivated", err.Error())
}

func TestAuthenticateExpired(t *testing.T) {
	store := newFakeStore()
	past := time.Now().Add(-time.Hour)
	raw := seedKey(t, store, "user-1", models.TierFree)
	store.keys[HashKey(raw)].ExpiresAt = &past

	a := New(store, false)
	_, err := a.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAuthenticateMissingBalanceRow(t *testing.T) {
	store := newFakeStore()
	raw := seedKey(t, store, "user-1", models.TierFree)
	delete(store.balances, "user-1")

	a := New(store, false)
	_, err := a.Authenticate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAuthenticateBypass(t *testing.T) {
	a := New(newFakeStore(), true)

	ident, err := a.Authenticate(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Equal(t, "bypass-user", ident.UserID)
	assert.Equal(t, models.TierTeam, ident.Tier)
}

func TestGenerateKeyShape(t *testing.T) {
	store := newFakeStore()

	key, err := Generate(context.Background(), store, "user-1", models.TierStarter, "live", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key.RawKey, "lyr_live_"))
	assert.Len(t, key.Prefix, 12)
	assert.True(t, strings.HasPrefix(key.RawKey, key.Prefix))

	// Only the hash is persisted.
	stored, err := store.LookupKeyByHash(context.Background(), HashKey(key.RawKey))
	require.NoError(t, err)
	assert.NotContains(t, stored.KeyHash, key.RawKey[len(Prefix):])
}

func TestGenerateCreatesBalanceOnce(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	_, err := Generate(ctx, store, "user-1", models.TierStarter, "live", nil)
	require.NoError(t, err)

	// Drain the balance, then mint a second key. The existing balance
	// row must survive.
	store.balances["user-1"].Balance = decimal.NewFromInt(7)
	_, err = Generate(ctx, store, "user-1", models.TierStarter, "live", nil)
	require.NoError(t, err)

	bal, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(7)))
}

func TestGenerateValidation(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	_, err := Generate(ctx, store, "", models.TierFree, "live", nil)
	assert.Error(t, err)

	_, err = Generate(ctx, store, "user-1", models.Tier("platinum"), "live", nil)
	assert.Error(t, err)

	_, err = Generate(ctx, store, "user-1", models.TierFree, "staging", nil)
	assert.Error(t, err)
}

func TestGenerateUniqueKeys(t *testing.T) {
	store := newFakeStore()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := Generate(context.Background(), store, "user-1", models.TierFree, "test", nil)
		require.NoError(t, err)
		require.False(t, seen[key.RawKey], "duplicate raw key")
		seen[key.RawKey] = true
	}
}
