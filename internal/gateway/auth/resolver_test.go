package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/redis"
)

const testSecret = "identity-secret"

type mapKV struct{ data map[string]string }

func (m *mapKV) Get(_ context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrMiss
	}
	return v, nil
}

func (m *mapKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *mapKV) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type fixture struct {
	resolver *Resolver
	ledger   *ledger.Ledger
	verifier *IdentityVerifier
	kv       *mapKV
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	l := ledger.New(store, ledger.WithSignupBalance(1000))
	kv := &mapKV{data: map[string]string{}}
	verifier := NewIdentityVerifier(testSecret, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		resolver: NewResolver(l, store, cache.New(kv, time.Minute), verifier, logger),
		ledger:   l,
		verifier: verifier,
		kv:       kv,
	}
}

func TestResolveAPIKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.OpenAccount(ctx, "acc-1", "a@example.com")
	require.NoError(t, err)
	require.NoError(t, f.ledger.AddCredential(ctx, "acc-1", "sk_live_abcdefgh123", 5))

	p, err := f.resolver.ResolveAPIKey(ctx, "sk_live_abcdefgh123")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", p.Account.ID)
	assert.Equal(t, "sk_live_", p.CredentialID)
	assert.Len(t, f.kv.data, 1, "index hit is cached")

	// Second resolution is served from the cache.
	p, err = f.resolver.ResolveAPIKey(ctx, "sk_live_abcdefgh123")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", p.Account.ID)
}

func TestResolveAPIKeyErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.ResolveAPIKey(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = f.resolver.ResolveAPIKey(ctx, "sk_unknown")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
}

func TestResolveAPIKeyRevokedButCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, _ = f.ledger.OpenAccount(ctx, "acc-1", "")
	require.NoError(t, f.ledger.AddCredential(ctx, "acc-1", "sk_revoke_me", 5))
	_, err := f.resolver.ResolveAPIKey(ctx, "sk_revoke_me")
	require.NoError(t, err)

	// Revoked elsewhere; the cache entry is stale.
	require.NoError(t, f.ledger.RevokeCredential(ctx, "acc-1", "sk_revoke_me"))
	require.Len(t, f.kv.data, 1)

	_, err = f.resolver.ResolveAPIKey(ctx, "sk_revoke_me")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
	assert.Empty(t, f.kv.data)
}

func TestResolveAPIKeyEmptyBalanceFastPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, _ = f.ledger.OpenAccount(ctx, "acc-1", "")
	require.NoError(t, f.ledger.AddCredential(ctx, "acc-1", "sk_broke", 5))
	_, err := f.ledger.Debit(ctx, "acc-1", 1000)
	require.NoError(t, err)

	_, err = f.resolver.ResolveAPIKey(ctx, "sk_broke")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	var ife *apperr.InsufficientFundsError
	assert.False(t, errors.As(err, &ife), "an unpriced rejection carries no amounts")
}

func TestResolveBearerProvisionsAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.verifier.Sign("user-42", "u@example.com", time.Hour)
	require.NoError(t, err)

	p, err := f.resolver.ResolveBearer(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", p.Account.ID)
	assert.Equal(t, int64(1000), p.Account.Balance)
	assert.Empty(t, p.CredentialID)

	_, err = f.ledger.Debit(ctx, "user-42", 10)
	require.NoError(t, err)

	p, err = f.resolver.ResolveBearer(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(990), p.Account.Balance)
}

func TestIdentityVerifier(t *testing.T) {
	v := NewIdentityVerifier(testSecret, "https://id.example.com")

	good, err := v.Sign("user-1", "", time.Hour)
	require.NoError(t, err)
	ident, err := v.Verify(good)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ident.Subject)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	expired, err := v.Sign("user-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	other := NewIdentityVerifier("another-secret", "https://id.example.com")
	forged, err := other.Sign("user-1", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	wrongIssuer, err := NewIdentityVerifier(testSecret, "https://evil.example.com").Sign("user-1", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Verify(noSubject)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
}
