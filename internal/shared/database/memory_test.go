package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

func newAccount(id string, balance int64) *models.Account {
	return &models.Account{ID: id, Balance: balance, Tier: models.TierFree, CreatedAt: time.Now().UTC()}
}

func TestMemoryCreateAccountRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 10)))
	err := s.CreateAccount(ctx, newAccount("acc-1", 10))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryUpdateAccountDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 10)))

	err := s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		// A writer that bypasses the account lock commits first.
		s.mu.Lock()
		s.accounts["acc-1"].Balance -= 8
		s.accounts["acc-1"].Version++
		s.mu.Unlock()

		tx.Account().Balance -= 8
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	acct, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.Balance)
}

func TestMemoryUpdateAccountSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 0)))

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
				time.Sleep(time.Millisecond)
				tx.Account().Balance++
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err, "writers to one account queue instead of conflicting")
	}
	acct, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), acct.Balance)
}

func TestMemoryCreditHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 10),
		&models.CreditEntry{ID: "c1", AccountID: "acc-1", Amount: 10, Reason: models.CreditSignup, CreatedAt: now}))

	require.NoError(t, s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		tx.Account().Balance += 5
		tx.RecordCredit(&models.CreditEntry{ID: "c2", AccountID: "acc-1", Amount: 5, Reason: models.CreditRefund, CreatedAt: now})
		return nil
	}))
	// A failed transaction leaves no history behind.
	_ = s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		tx.RecordCredit(&models.CreditEntry{ID: "c3", AccountID: "acc-1", Amount: 7, Reason: models.CreditManual})
		return errors.New("boom")
	})

	credits, err := s.ListCredits(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, credits, 2)
	assert.Equal(t, models.CreditSignup, credits[0].Reason)
	assert.Equal(t, models.CreditRefund, credits[1].Reason)
}

func TestMemoryUpdateAccountCallbackErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 10)))

	boom := errors.New("boom")
	err := s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		tx.Account().Balance = 0
		tx.RecordPayment(&models.PaymentEvent{EventID: "evt_1", AccountID: "acc-1"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, _ := s.GetAccount(ctx, "acc-1")
	assert.Equal(t, int64(10), acct.Balance)
	payments, _ := s.ListPayments(ctx, "acc-1", 10)
	assert.Empty(t, payments)
}

func TestMemoryCredentialIndexFollowsAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 10)))

	require.NoError(t, s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		a := tx.Account()
		a.Credentials = append(a.Credentials, models.Credential{Hash: "h1", Prefix: "sk-aaaaa"})
		return nil
	}))

	id, err := s.AccountIDByCredential(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", id)

	require.NoError(t, s.UpdateAccount(ctx, "acc-1", func(tx AccountTx) error {
		tx.Account().Credentials = nil
		return nil
	}))

	_, err = s.AccountIDByCredential(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPaymentIdempotencyMarker(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, newAccount("acc-1", 0)))

	apply := func(tx AccountTx) error {
		applied, err := tx.PaymentApplied(ctx, "evt_1")
		if err != nil || applied {
			return err
		}
		tx.Account().Balance += 100
		tx.RecordPayment(&models.PaymentEvent{EventID: "evt_1", AccountID: "acc-1", CreatedAt: time.Now()})
		return nil
	}

	require.NoError(t, s.UpdateAccount(ctx, "acc-1", apply))
	require.NoError(t, s.UpdateAccount(ctx, "acc-1", apply))

	acct, _ := s.GetAccount(ctx, "acc-1")
	assert.Equal(t, int64(100), acct.Balance)
}

func TestMemoryListUsageFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.InsertUsage(ctx, &models.UsageRecord{ID: "old", AccountID: "acc-1", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.InsertUsage(ctx, &models.UsageRecord{ID: "a", AccountID: "acc-1", CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.InsertUsage(ctx, &models.UsageRecord{ID: "b", AccountID: "acc-1", CreatedAt: now}))
	require.NoError(t, s.InsertUsage(ctx, &models.UsageRecord{ID: "other", AccountID: "acc-2", CreatedAt: now}))

	recs, err := s.ListUsage(ctx, "acc-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "a", recs[1].ID)
}

func TestCredentialDiff(t *testing.T) {
	before := []models.Credential{{Hash: "a"}, {Hash: "b"}}
	after := []models.Credential{{Hash: "b"}, {Hash: "c"}}

	added, removed := credentialDiff(before, after)
	require.Len(t, added, 1)
	assert.Equal(t, "c", added[0].Hash)
	assert.Equal(t, []string{"a"}, removed)
}
