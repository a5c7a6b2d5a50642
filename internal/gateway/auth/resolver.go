// Package auth resolves inbound credentials to accounts: API keys through
// the credential index, bearer tokens through the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// Accounts is the slice of the ledger the resolver needs.
type Accounts interface {
	Account(ctx context.Context, id string) (*models.Account, error)
	OpenAccount(ctx context.Context, id, email string) (*models.Account, bool, error)
}

// CredentialIndex maps credential hashes to account ids.
type CredentialIndex interface {
	AccountIDByCredential(ctx context.Context, hash string) (string, error)
}

// Principal is the resolved caller of a request.
type Principal struct {
	Account *models.Account
	// CredentialID is the display prefix of the API key used, empty for
	// bearer calls.
	CredentialID string
}

// Resolver resolves credentials.
type Resolver struct {
	accounts Accounts
	index    CredentialIndex
	cache    *cache.Cache
	identity *IdentityVerifier
	logger   *slog.Logger
}

// NewResolver creates a Resolver. credCache may be nil.
func NewResolver(accounts Accounts, index CredentialIndex, credCache *cache.Cache, identity *IdentityVerifier, logger *slog.Logger) *Resolver {
	return &Resolver{
		accounts: accounts,
		index:    index,
		cache:    credCache,
		identity: identity,
		logger:   logger,
	}
}

// ResolveAPIKey maps a raw API key to its account. Accounts with no
// balance left are rejected here before any pricing work.
func (r *Resolver) ResolveAPIKey(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, apperr.ErrUnauthenticated
	}
	hash := models.HashCredential(raw)

	accountID, err := r.lookup(ctx, hash)
	if err != nil {
		return nil, err
	}

	acct, err := r.accounts.Account(ctx, accountID)
	if errors.Is(err, apperr.ErrNotFound) {
		r.invalidate(ctx, hash)
		return nil, apperr.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	// The cache may still hold a key revoked on another instance.
	if !acct.HasCredential(hash) {
		r.invalidate(ctx, hash)
		return nil, apperr.ErrInvalidCredential
	}

	// No call is priced yet, so there is no required amount to report.
	if acct.Balance <= 0 {
		return nil, fmt.Errorf("account %s has no tokens left: %w", acct.ID, apperr.ErrInsufficientFunds)
	}

	return &Principal{Account: acct, CredentialID: models.CredentialPrefix(raw)}, nil
}

func (r *Resolver) lookup(ctx context.Context, hash string) (string, error) {
	id, ok, err := r.cache.AccountID(ctx, hash)
	if err != nil {
		r.logger.Warn("credential cache lookup failed", "error", err)
	}
	if ok {
		return id, nil
	}

	id, err = r.index.AccountIDByCredential(ctx, hash)
	if errors.Is(err, database.ErrNotFound) {
		return "", apperr.ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("credential lookup: %w", err)
	}

	if err := r.cache.Put(ctx, hash, id); err != nil {
		r.logger.Warn("credential cache write failed", "error", err)
	}
	return id, nil
}

func (r *Resolver) invalidate(ctx context.Context, hash string) {
	if err := r.cache.Invalidate(ctx, hash); err != nil {
		r.logger.Warn("credential cache invalidate failed", "error", err)
	}
}

// Forget drops a revoked credential from the cache.
func (r *Resolver) Forget(ctx context.Context, raw string) {
	r.invalidate(ctx, models.HashCredential(raw))
}

// ResolveBearer verifies an identity token and loads the subject's
// account, provisioning it with the signup balance on first sight.
func (r *Resolver) ResolveBearer(ctx context.Context, token string) (*Principal, error) {
	ident, err := r.identity.Verify(token)
	if err != nil {
		return nil, err
	}

	acct, err := r.accounts.Account(ctx, ident.Subject)
	if errors.Is(err, apperr.ErrNotFound) {
		acct, _, err = r.accounts.OpenAccount(ctx, ident.Subject, ident.Email)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &Principal{Account: acct}, nil
}
