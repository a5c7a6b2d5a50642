// Package database holds the ledger's backing store contract and its
// PostgreSQL and in-memory implementations.
//
// The only primitive the ledger relies on is UpdateAccount: a transaction
// scoped to a single account that either commits every change made through
// the AccountTx or none of them. Writers to the same account are serialized
// by the store (a row lock in Postgres); ErrConflict is left for writes that
// race past that lock, such as a duplicate payment event id.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

var (
	ErrNotFound  = errors.New("database: not found")
	ErrDuplicate = errors.New("database: already exists")
	ErrConflict  = errors.New("database: concurrent modification")
)

// AccountTx is the view of one account inside UpdateAccount.
type AccountTx interface {
	// Account returns the transaction's working copy. Changes to it,
	// including its credential set, are written on commit.
	Account() *models.Account
	// PaymentApplied reports whether eventID is already in the payment
	// history, as seen by this transaction.
	PaymentApplied(ctx context.Context, eventID string) (bool, error)
	// RecordPayment queues ev for insertion in the same commit.
	RecordPayment(ev *models.PaymentEvent)
	// RecordCredit queues a credit history entry for the same commit.
	RecordCredit(entry *models.CreditEntry)
}

// Store is the transactional backing store used by the ledger, the usage
// recorder and the reconciler.
type Store interface {
	// CreateAccount inserts acct together with its opening credits.
	CreateAccount(ctx context.Context, acct *models.Account, credits ...*models.CreditEntry) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	AccountIDByCredential(ctx context.Context, hash string) (string, error)
	UpdateAccount(ctx context.Context, id string, fn func(tx AccountTx) error) error

	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
	// ListUsage returns an account's records created at or after since,
	// newest first.
	ListUsage(ctx context.Context, accountID string, since time.Time) ([]models.UsageRecord, error)
	ListUsageSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error)
	SaveUsageSummary(ctx context.Context, s *models.UsageSummary) error

	// ListPayments returns an account's payment history, newest first.
	ListPayments(ctx context.Context, accountID string, limit int) ([]models.PaymentEvent, error)
	// ListCredits returns an account's credit history, oldest first.
	ListCredits(ctx context.Context, accountID string) ([]models.CreditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// credentialDiff returns the hashes added to and removed from an account's
// credential set between two versions.
func credentialDiff(before, after []models.Credential) (added []models.Credential, removed []string) {
	old := make(map[string]bool, len(before))
	for _, c := range before {
		old[c.Hash] = true
	}
	cur := make(map[string]bool, len(after))
	for _, c := range after {
		cur[c.Hash] = true
		if !old[c.Hash] {
			added = append(added, c)
		}
	}
	for _, c := range before {
		if !cur[c.Hash] {
			removed = append(removed, c.Hash)
		}
	}
	return added, removed
}
