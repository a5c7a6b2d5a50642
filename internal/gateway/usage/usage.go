// Package usage writes the per-call audit trail and serves it back.
package usage

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

const (
	excerptLen     = 100
	maxHistoryDays = 365
)

// Call describes one completed metered call.
type Call struct {
	AccountID    string
	CredentialID string
	Model        string
	Cost         int64
	Request      string
	Response     string
	Latency      time.Duration
}

// Recorder appends usage records. Records are never updated.
type Recorder struct {
	store database.Store
	now   func() time.Time
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store database.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record persists one usage record and returns it.
func (r *Recorder) Record(ctx context.Context, call Call) (*models.UsageRecord, error) {
	rec := &models.UsageRecord{
		ID:              uuid.NewString(),
		AccountID:       call.AccountID,
		CredentialID:    call.CredentialID,
		Model:           call.Model,
		Cost:            call.Cost,
		RequestExcerpt:  call.Request,
		ResponseExcerpt: call.Response,
		LatencyMs:       call.Latency.Milliseconds(),
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.InsertUsage(ctx, rec); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	return rec, nil
}

// Entry is the display form of a usage record.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	TokensUsed int64     `json:"tokensUsed"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
}

// List returns an account's usage over the last days, newest first, with
// excerpts shortened for display.
func (r *Recorder) List(ctx context.Context, accountID string, days int) ([]Entry, error) {
	if days <= 0 || days > maxHistoryDays {
		return nil, apperr.Invalid("days must be between 1 and %d", maxHistoryDays)
	}
	since := r.now().UTC().AddDate(0, 0, -days)
	records, err := r.store.ListUsage(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{
			Timestamp:  rec.CreatedAt,
			Model:      rec.Model,
			TokensUsed: rec.Cost,
			Request:    Excerpt(rec.RequestExcerpt),
			Response:   Excerpt(rec.ResponseExcerpt),
		})
	}
	return entries, nil
}

// Excerpt shortens s to 100 characters followed by "...".
func Excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptLen {
		return s
	}
	r := []rune(s)
	return string(r[:excerptLen]) + "..."
}
