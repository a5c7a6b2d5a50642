// Package payments turns processor notifications into ledger credits and
// serves the purchase side of subscriptions.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

const historyLimit = 10

// Ledger is the part of the token ledger the reconciler uses.
type Ledger interface {
	ApplyPayment(ctx context.Context, ev *models.PaymentEvent, grant *int64, tier models.Tier) (bool, error)
	SetTier(ctx context.Context, accountID string, tier models.Tier) error
}

// History reads the payment history.
type History interface {
	ListPayments(ctx context.Context, accountID string, limit int) ([]models.PaymentEvent, error)
}

// Reconciler applies processor events to the ledger.
type Reconciler struct {
	ledger  Ledger
	history History
	plans   *pricing.Plans
	intents IntentCreator
	secret  string
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. intents may be nil when no processor
// key is configured; purchases then fail as upstream unavailable.
func NewReconciler(ledger Ledger, history History, plans *pricing.Plans, intents IntentCreator, webhookSecret string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		history: history,
		plans:   plans,
		intents: intents,
		secret:  webhookSecret,
		logger:  logger,
	}
}

// HandleWebhook verifies and applies one processor delivery. It returns
// nil for every delivery that must be acknowledged, including duplicates
// and events that can never be applied; a non-nil error other than a
// signature failure asks the processor to redeliver.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if err := webhook.ValidatePayload(payload, signature, r.secret); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSignatureInvalid, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return apperr.Invalid("malformed event: %v", err)
	}
	if event.ID == "" || event.Data == nil {
		return apperr.Invalid("event without id or data")
	}

	switch event.Type {
	case models.EventPaymentSucceeded:
		return r.apply(ctx, &event, models.PaymentSucceeded)
	case models.EventPaymentFailed:
		return r.apply(ctx, &event, models.PaymentFailed)
	default:
		r.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (r *Reconciler) apply(ctx context.Context, event *stripe.Event, status string) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return apperr.Invalid("malformed payment intent: %v", err)
	}

	ev := &models.PaymentEvent{
		EventID:   event.ID,
		Type:      event.Type,
		Status:    status,
		AccountID: intent.Metadata[metaAccountID],
		PlanID:    intent.Metadata[metaPlanID],
		Amount:    intent.Amount,
		IntentID:  intent.ID,
		CreatedAt: time.Now().UTC(),
	}
	if event.Created > 0 {
		ev.CreatedAt = time.Unix(event.Created, 0).UTC()
	}
	log := r.logger.With("event_id", ev.EventID, "account_id", ev.AccountID, "plan", ev.PlanID)

	if ev.AccountID == "" {
		log.Warn("payment event without account metadata, acknowledging")
		return nil
	}

	var (
		grant *int64
		tier  models.Tier
	)
	if status == models.PaymentSucceeded {
		plan, ok := r.plans.Get(ev.PlanID)
		if !ok {
			log.Error("payment for unknown plan, acknowledging without credit")
			return nil
		}
		grant, tier = plan.Tokens, plan.Tier
	} else if intent.LastPaymentError != nil {
		ev.Error = intent.LastPaymentError.Msg
	}

	applied, err := r.ledger.ApplyPayment(ctx, ev, grant, tier)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Error("payment for unknown account, acknowledging without credit")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply payment event %s: %w", ev.EventID, err)
	}

	switch {
	case !applied:
		log.Info("duplicate payment event ignored")
	case status == models.PaymentSucceeded:
		log.Info("payment applied", "tier", tier, "unlimited", grant == nil)
	default:
		log.Warn("payment failed", "error", ev.Error)
	}
	return nil
}

// CreateIntent starts a purchase of planID and returns the processor's
// client secret.
func (r *Reconciler) CreateIntent(ctx context.Context, accountID, planID string) (string, error) {
	plan, ok := r.plans.Get(planID)
	if !ok || plan.PriceCents <= 0 {
		return "", apperr.Invalid("invalid plan %q", planID)
	}
	if r.intents == nil {
		return "", fmt.Errorf("payments not configured: %w", apperr.ErrUpstreamUnavailable)
	}
	return r.intents.CreateIntent(ctx, accountID, plan)
}

// HistoryEntry is the display form of a payment event.
type HistoryEntry struct {
	ID            string    `json:"id"`
	Plan          string    `json:"plan"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	TokensGranted int64     `json:"tokensGranted,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// History returns the account's latest payments, newest first.
func (r *Reconciler) History(ctx context.Context, accountID string) ([]HistoryEntry, error) {
	events, err := r.history.ListPayments(ctx, accountID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("payment history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, HistoryEntry{
			ID:            ev.EventID,
			Plan:          ev.PlanID,
			Amount:        ev.Amount,
			Status:        ev.Status,
			TokensGranted: ev.TokensGranted,
			Error:         ev.Error,
			Timestamp:     ev.CreatedAt,
		})
	}
	return out, nil
}

// CancelSubscription drops the account back to the free tier. Tokens
// already granted stay on the balance.
func (r *Reconciler) CancelSubscription(ctx context.Context, accountID string) error {
	if err := r.ledger.SetTier(ctx, accountID, models.TierFree); err != nil {
		return err
	}
	r.logger.Info("subscription cancelled", "account_id", accountID)
	return nil
}
