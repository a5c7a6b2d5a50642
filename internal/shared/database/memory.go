package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// MemoryStore is an in-process Store for development and tests. It mirrors
// the Postgres store: UpdateAccount holds a per-account writer lock for the
// whole transaction, runs the callback on a snapshot and commits only if the
// account version is unchanged.
type MemoryStore struct {
	writers sync.Map // account id -> *sync.Mutex

	mu          sync.RWMutex
	accounts    map[string]*models.Account
	credentials map[string]string // credential hash -> account id
	usage       []models.UsageRecord
	payments    map[string]models.PaymentEvent
	credits     []models.CreditEntry
	summaries   []*models.UsageSummary

	// failUsage, when set, is returned by InsertUsage.
	failUsage error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*models.Account),
		credentials: make(map[string]string),
		payments:    make(map[string]models.PaymentEvent),
	}
}

// FailUsageWith makes subsequent InsertUsage calls fail with err (nil
// restores normal behavior).
func (s *MemoryStore) FailUsageWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUsage = err
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *models.Account, credits ...*models.CreditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("create account %s: %w", acct.ID, ErrDuplicate)
	}
	for _, c := range acct.Credentials {
		if _, taken := s.credentials[c.Hash]; taken {
			return fmt.Errorf("create account %s: credential: %w", acct.ID, ErrDuplicate)
		}
	}
	stored := acct.Clone()
	stored.Version = 1
	s.accounts[acct.ID] = stored
	for _, c := range stored.Credentials {
		s.credentials[c.Hash] = stored.ID
	}
	for _, c := range credits {
		s.credits = append(s.credits, *c)
	}
	acct.Version = stored.Version
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", id, ErrNotFound)
	}
	return acct.Clone(), nil
}

func (s *MemoryStore) AccountIDByCredential(_ context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.credentials[hash]
	if !ok {
		return "", fmt.Errorf("credential lookup: %w", ErrNotFound)
	}
	return id, nil
}

type memoryTx struct {
	store    *MemoryStore
	acct     *models.Account
	payments []*models.PaymentEvent
	credits  []*models.CreditEntry
}

func (t *memoryTx) Account() *models.Account { return t.acct }

func (t *memoryTx) PaymentApplied(_ context.Context, eventID string) (bool, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.payments[eventID]
	return ok, nil
}

func (t *memoryTx) RecordPayment(ev *models.PaymentEvent) {
	t.payments = append(t.payments, ev)
}

func (t *memoryTx) RecordCredit(entry *models.CreditEntry) {
	t.credits = append(t.credits, entry)
}

func (s *MemoryStore) writer(id string) *sync.Mutex {
	m, _ := s.writers.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, id string, fn func(tx AccountTx) error) error {
	w := s.writer(id)
	w.Lock()
	defer w.Unlock()

	snapshot, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	base := snapshot.Version
	before := snapshot.Clone()

	tx := &memoryTx{store: s, acct: snapshot}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("update account %s: %w", id, ErrNotFound)
	}
	if current.Version != base {
		return fmt.Errorf("update account %s: %w", id, ErrConflict)
	}
	for _, ev := range tx.payments {
		if _, dup := s.payments[ev.EventID]; dup {
			return fmt.Errorf("update account %s: payment %s: %w", id, ev.EventID, ErrConflict)
		}
	}
	added, removed := credentialDiff(before.Credentials, tx.acct.Credentials)
	for _, c := range added {
		if owner, taken := s.credentials[c.Hash]; taken && owner != id {
			return fmt.Errorf("update account %s: credential: %w", id, ErrDuplicate)
		}
	}

	committed := tx.acct.Clone()
	committed.ID = id
	committed.Version = base + 1
	s.accounts[id] = committed
	for _, h := range removed {
		delete(s.credentials, h)
	}
	for _, c := range added {
		s.credentials[c.Hash] = id
	}
	for _, ev := range tx.payments {
		s.payments[ev.EventID] = *ev
	}
	for _, c := range tx.credits {
		s.credits = append(s.credits, *c)
	}
	return nil
}

func (s *MemoryStore) InsertUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUsage != nil {
		return s.failUsage
	}
	s.usage = append(s.usage, *rec)
	return nil
}

func (s *MemoryStore) ListUsage(_ context.Context, accountID string, since time.Time) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UsageRecord
	for _, r := range s.usage {
		if r.AccountID == accountID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListUsageSince(_ context.Context, since time.Time) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UsageRecord
	for _, r := range s.usage {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveUsageSummary(_ context.Context, summary *models.UsageSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

// Summaries returns the saved usage summaries in insertion order.
func (s *MemoryStore) Summaries() []*models.UsageSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.UsageSummary(nil), s.summaries...)
}

func (s *MemoryStore) ListPayments(_ context.Context, accountID string, limit int) ([]models.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentEvent
	for _, p := range s.payments {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListCredits(_ context.Context, accountID string) ([]models.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CreditEntry
	for _, c := range s.credits {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
