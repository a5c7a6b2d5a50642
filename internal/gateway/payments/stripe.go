package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// Metadata keys set on payment intents and read back from webhooks.
const (
	metaAccountID = "userId"
	metaPlanID    = "plan"
)

// IntentCreator creates processor payment intents for a plan purchase.
type IntentCreator interface {
	CreateIntent(ctx context.Context, accountID string, plan models.SubscriptionPlan) (clientSecret string, err error)
}

// StripeIntents creates payment intents through the Stripe API.
type StripeIntents struct {
	api *client.API
}

// NewStripeIntents creates a Stripe client for secretKey.
func NewStripeIntents(secretKey string) *StripeIntents {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeIntents{api: api}
}

// NewStripeIntentsWithURL points the client at another API base URL, e.g.
// stripe-mock.
func NewStripeIntentsWithURL(secretKey, url string) *StripeIntents {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(url),
	})
	return &StripeIntents{api: client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})}
}

// CreateIntent creates a USD payment intent tagged with the account and
// plan, which the webhook reads back.
func (s *StripeIntents) CreateIntent(ctx context.Context, accountID string, plan models.SubscriptionPlan) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(plan.PriceCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata(metaAccountID, accountID)
	params.AddMetadata(metaPlanID, plan.ID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	return pi.ClientSecret, nil
}
