package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// Summarizer periodically rolls usage records up per account.
type Summarizer struct {
	store  database.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(store database.Store, logger *slog.Logger) *Summarizer {
	return &Summarizer{store: store, logger: logger, now: time.Now}
}

// Run summarizes every interval until ctx is cancelled.
func (s *Summarizer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Summarize(ctx, interval); err != nil {
				s.logger.Error("usage summary failed", "error", err)
			}
		}
	}
}

// Summarize aggregates the records of the trailing period and saves the
// result.
func (s *Summarizer) Summarize(ctx context.Context, period time.Duration) (*models.UsageSummary, error) {
	end := s.now().UTC()
	start := end.Add(-period)

	records, err := s.store.ListUsageSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}

	summary := &models.UsageSummary{
		ID:          uuid.NewString(),
		PeriodStart: start,
		PeriodEnd:   end,
		Accounts:    make(map[string]*models.AccountUsage),
		CreatedAt:   end,
	}
	for _, rec := range records {
		if rec.CreatedAt.After(end) {
			continue
		}
		acc, ok := summary.Accounts[rec.AccountID]
		if !ok {
			acc = &models.AccountUsage{ModelUsage: make(map[string]int64)}
			summary.Accounts[rec.AccountID] = acc
		}
		acc.TotalTokens += rec.Cost
		acc.RequestCount++
		acc.ModelUsage[rec.Model] += rec.Cost
	}

	if err := s.store.SaveUsageSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("save usage summary: %w", err)
	}
	s.logger.Info("usage summary saved",
		"summary_id", summary.ID,
		"accounts", len(summary.Accounts),
		"records", len(records))
	return summary, nil
}
