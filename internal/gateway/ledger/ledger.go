// Package ledger owns account balances. Every mutation is a single
// account-scoped transaction against the backing store, retried when the
// store reports a conflict; callers never read a balance and write it back.
// Every credit leaves a credit history entry in the same commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// DefaultMaxRetries bounds conflicting attempts when no option overrides it.
const DefaultMaxRetries = 10

const (
	backoffBase = 2 * time.Millisecond
	backoffMax  = 250 * time.Millisecond
)

// Ledger is the token ledger.
type Ledger struct {
	store         database.Store
	logger        *slog.Logger
	maxRetries    int
	signupBalance int64
	now           func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMaxRetries bounds how many times a conflicting transaction is retried.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithSignupBalance sets the balance seeded into new accounts.
func WithSignupBalance(n int64) Option {
	return func(l *Ledger) { l.signupBalance = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store database.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		logger:        slog.Default(),
		maxRetries:    DefaultMaxRetries,
		signupBalance: 1000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// update runs fn in an account transaction, retrying on ErrConflict.
func (l *Ledger) update(ctx context.Context, accountID string, fn func(tx database.AccountTx) error) error {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		err := l.store.UpdateAccount(ctx, accountID, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, database.ErrNotFound):
			return fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
		case !errors.Is(err, database.ErrConflict):
			return err
		}

		l.logger.Debug("ledger transaction conflict, retrying",
			"account_id", accountID, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("account %s: gave up after %d conflicting attempts: %w",
		accountID, l.maxRetries, apperr.ErrInternal)
}

// backoff doubles per attempt up to backoffMax, with up to 50% jitter.
func backoff(attempt int) time.Duration {
	d := backoffMax
	if attempt < 8 {
		d = min(backoffBase<<attempt, backoffMax)
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

func (l *Ledger) creditEntry(accountID string, amount int64, reason models.CreditReason, ref string) *models.CreditEntry {
	return &models.CreditEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Reference: ref,
		CreatedAt: l.now().UTC(),
	}
}

// OpenAccount provisions an account with the signup balance. Opening an
// existing account returns it unchanged with created=false.
func (l *Ledger) OpenAccount(ctx context.Context, id, email string) (acct *models.Account, created bool, err error) {
	if id == "" {
		return nil, false, apperr.Invalid("account id is required")
	}
	acct = &models.Account{
		ID:        id,
		Email:     email,
		Balance:   l.signupBalance,
		Tier:      models.TierFree,
		CreatedAt: l.now().UTC(),
	}
	var opening []*models.CreditEntry
	if acct.Balance > 0 {
		opening = append(opening, l.creditEntry(id, acct.Balance, models.CreditSignup, ""))
	}
	err = l.store.CreateAccount(ctx, acct, opening...)
	if errors.Is(err, database.ErrDuplicate) {
		existing, getErr := l.Account(ctx, id)
		return existing, false, getErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("open account %s: %w", id, err)
	}
	l.logger.Info("account opened", "account_id", id, "balance", acct.Balance)
	return acct, true, nil
}

// Account loads an account for display and resolution.
func (l *Ledger) Account(ctx context.Context, id string) (*models.Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	return acct, err
}

// GetBalance is a non-transactional read for display. Never use it to gate
// a debit; Debit re-checks atomically.
func (l *Ledger) GetBalance(ctx context.Context, id string) (int64, error) {
	acct, err := l.Account(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Debit subtracts amount from the balance and returns the new balance. It
// fails with *apperr.InsufficientFundsError, without mutating anything,
// when amount exceeds the balance at commit time.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, apperr.Invalid("debit amount must not be negative")
	}
	var newBalance int64
	err := l.update(ctx, accountID, func(tx database.AccountTx) error {
		acct := tx.Account()
		if amount > acct.Balance {
			return &apperr.InsufficientFundsError{Required: amount, Available: acct.Balance}
		}
		acct.Balance -= amount
		newBalance = acct.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Credit adds a manual grant to the balance and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	return l.credit(ctx, accountID, amount, models.CreditManual)
}

// Refund returns a debited amount to the balance.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount int64) (int64, error) {
	return l.credit(ctx, accountID, amount, models.CreditRefund)
}

func (l *Ledger) credit(ctx context.Context, accountID string, amount int64, reason models.CreditReason) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Invalid("credit amount must be positive")
	}
	var newBalance int64
	err := l.update(ctx, accountID, func(tx database.AccountTx) error {
		acct := tx.Account()
		if err := addTokens(acct, amount); err != nil {
			return err
		}
		tx.RecordCredit(l.creditEntry(accountID, amount, reason, ""))
		newBalance = acct.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func addTokens(acct *models.Account, amount int64) error {
	if acct.Balance > math.MaxInt64-amount {
		return apperr.Invalid("credit of %d would overflow the balance", amount)
	}
	acct.Balance += amount
	return nil
}

// Credits returns the account's credit history, oldest first.
func (l *Ledger) Credits(ctx context.Context, accountID string) ([]models.CreditEntry, error) {
	credits, err := l.store.ListCredits(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credit history %s: %w", accountID, err)
	}
	return credits, nil
}

// SetTier changes the subscription tier without touching the balance.
func (l *Ledger) SetTier(ctx context.Context, accountID string, tier models.Tier) error {
	if !tier.Valid() {
		return apperr.Invalid("unknown tier %q", tier)
	}
	return l.update(ctx, accountID, func(tx database.AccountTx) error {
		acct := tx.Account()
		now := l.now().UTC()
		acct.Tier = tier
		acct.TierUpdatedAt = &now
		return nil
	})
}

// ApplyPayment records a processor event and, for successful payments,
// credits grant tokens (nil grant = unlimited sentinel, no credit) and sets
// tier. The idempotency check and all writes share one transaction, so an
// event id is applied at most once. applied is false when the event was
// already in the payment history.
func (l *Ledger) ApplyPayment(ctx context.Context, ev *models.PaymentEvent, grant *int64, tier models.Tier) (applied bool, err error) {
	if ev.EventID == "" {
		return false, apperr.Invalid("payment event id is required")
	}
	err = l.update(ctx, ev.AccountID, func(tx database.AccountTx) error {
		applied = false
		seen, err := tx.PaymentApplied(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}

		record := *ev
		record.TokensGranted = 0
		if ev.Status == models.PaymentSucceeded {
			acct := tx.Account()
			if grant != nil && *grant > 0 {
				if err := addTokens(acct, *grant); err != nil {
					return err
				}
				tx.RecordCredit(l.creditEntry(ev.AccountID, *grant, models.CreditPayment, ev.EventID))
				record.TokensGranted = *grant
			}
			if tier.Valid() {
				now := l.now().UTC()
				acct.Tier = tier
				acct.TierUpdatedAt = &now
			}
		}
		tx.RecordPayment(&record)
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// AddCredential binds a new raw credential to the account, keeping at most
// max credentials.
func (l *Ledger) AddCredential(ctx context.Context, accountID, raw string, max int) error {
	hash := models.HashCredential(raw)
	err := l.update(ctx, accountID, func(tx database.AccountTx) error {
		acct := tx.Account()
		if len(acct.Credentials) >= max {
			return fmt.Errorf("maximum number of API keys (%d) reached: %w", max, apperr.ErrLimitExceeded)
		}
		acct.Credentials = append(acct.Credentials, models.Credential{
			Hash:      hash,
			Prefix:    models.CredentialPrefix(raw),
			CreatedAt: l.now().UTC(),
		})
		return nil
	})
	if errors.Is(err, database.ErrDuplicate) {
		return fmt.Errorf("credential collision: %w", apperr.ErrInternal)
	}
	return err
}

// RevokeCredential removes a raw credential from the account's set.
func (l *Ledger) RevokeCredential(ctx context.Context, accountID, raw string) error {
	hash := models.HashCredential(raw)
	return l.update(ctx, accountID, func(tx database.AccountTx) error {
		acct := tx.Account()
		kept := acct.Credentials[:0]
		found := false
		for _, c := range acct.Credentials {
			if c.Hash == hash {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		if !found {
			return fmt.Errorf("api key: %w", apperr.ErrNotFound)
		}
		acct.Credentials = kept
		return nil
	})
}
