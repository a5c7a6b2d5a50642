package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

const whsec = "whsec_test_secret"

func sign(payload []byte, secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func intentEvent(eventID, eventType, accountID, plan string, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"created": %d,
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 1000,
			"currency": "usd",
			"metadata": {"userId": %q, "plan": %q}%s
		}}
	}`, eventID, eventType, time.Now().Unix(), accountID, plan, extra))
}

type fakeIntents struct {
	accountID string
	plan      models.SubscriptionPlan
}

func (f *fakeIntents) CreateIntent(_ context.Context, accountID string, plan models.SubscriptionPlan) (string, error) {
	f.accountID, f.plan = accountID, plan
	return "pi_123_secret_abc", nil
}

type fixture struct {
	rec     *Reconciler
	ledger  *ledger.Ledger
	intents *fakeIntents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	l := ledger.New(store, ledger.WithSignupBalance(1000))
	_, _, err := l.OpenAccount(context.Background(), "acc-1", "")
	require.NoError(t, err)

	intents := &fakeIntents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		rec:     NewReconciler(l, store, pricing.NewPlans(pricing.DefaultPlans()), intents, whsec, logger),
		ledger:  l,
		intents: intents,
	}
}

func (f *fixture) account(t *testing.T) *models.Account {
	t.Helper()
	acct, err := f.ledger.Account(context.Background(), "acc-1")
	require.NoError(t, err)
	return acct
}

func TestWebhookCreditsOncePerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := intentEvent("evt_1", models.EventPaymentSucceeded, "acc-1", "basic", "")

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sign(payload, whsec)))
	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sign(payload, whsec)))

	acct := f.account(t)
	assert.Equal(t, int64(101000), acct.Balance)
	assert.Equal(t, models.TierBasic, acct.Tier)

	history, err := f.rec.History(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "evt_1", history[0].ID)
	assert.Equal(t, int64(100000), history[0].TokensGranted)
	assert.Equal(t, int64(1000), history[0].Amount)
}

func TestWebhookConcurrentRedelivery(t *testing.T) {
	f := newFixture(t)
	payload := intentEvent("evt_race", models.EventPaymentSucceeded, "acc-1", "pro", "")
	sig := sign(payload, whsec)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.rec.HandleWebhook(context.Background(), payload, sig))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1001000), f.account(t).Balance)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := intentEvent("evt_1", models.EventPaymentSucceeded, "acc-1", "basic", "")

	err := f.rec.HandleWebhook(context.Background(), payload, sign(payload, "whsec_wrong"))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	err = f.rec.HandleWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	tampered := intentEvent("evt_1", models.EventPaymentSucceeded, "acc-1", "pro", "")
	err = f.rec.HandleWebhook(context.Background(), tampered, sign(payload, whsec))
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	assert.Equal(t, int64(1000), f.account(t).Balance)
}

func TestWebhookFailedPaymentIsRecordedOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := intentEvent("evt_fail", models.EventPaymentFailed, "acc-1", "basic",
		`, "last_payment_error": {"message": "Your card was declined."}`)

	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sign(payload, whsec)))

	acct := f.account(t)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, models.TierFree, acct.Tier)

	history, err := f.rec.History(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.PaymentFailed, history[0].Status)
	assert.Equal(t, "Your card was declined.", history[0].Error)
}

func TestWebhookUnlimitedPlan(t *testing.T) {
	f := newFixture(t)
	payload := intentEvent("evt_u", models.EventPaymentSucceeded, "acc-1", "unlimited", "")

	require.NoError(t, f.rec.HandleWebhook(context.Background(), payload, sign(payload, whsec)))

	acct := f.account(t)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, models.TierUnlimited, acct.Tier)
}

func TestWebhookAcknowledgesUnactionableEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"unknown plan":    intentEvent("evt_a", models.EventPaymentSucceeded, "acc-1", "platinum", ""),
		"unknown account": intentEvent("evt_b", models.EventPaymentSucceeded, "ghost", "basic", ""),
		"no account":      intentEvent("evt_c", models.EventPaymentSucceeded, "", "basic", ""),
		"other type":      intentEvent("evt_d", "charge.refunded", "acc-1", "basic", ""),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, f.rec.HandleWebhook(ctx, payload, sign(payload, whsec)))
		})
	}
	assert.Equal(t, int64(1000), f.account(t).Balance)
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, err := f.rec.CreateIntent(ctx, "acc-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, "pi_123_secret_abc", secret)
	assert.Equal(t, "acc-1", f.intents.accountID)
	assert.Equal(t, int64(5000), f.intents.plan.PriceCents)

	_, err = f.rec.CreateIntent(ctx, "acc-1", "free")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
	_, err = f.rec.CreateIntent(ctx, "acc-1", "gold")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	f.rec.intents = nil
	_, err = f.rec.CreateIntent(ctx, "acc-1", "pro")
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := intentEvent("evt_1", models.EventPaymentSucceeded, "acc-1", "basic", "")
	require.NoError(t, f.rec.HandleWebhook(ctx, payload, sign(payload, whsec)))

	require.NoError(t, f.rec.CancelSubscription(ctx, "acc-1"))
	acct := f.account(t)
	assert.Equal(t, models.TierFree, acct.Tier)
	assert.Equal(t, int64(101000), acct.Balance)
}

func TestStripeIntentsAgainstMockAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "acc-1", r.PostForm.Get("metadata[userId]"))
		assert.Equal(t, "basic", r.PostForm.Get("metadata[plan]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pi_1","object":"payment_intent","amount":1000,"currency":"usd",
			"client_secret":"pi_1_secret_xyz"}`)
	}))
	defer srv.Close()

	basic, _ := pricing.NewPlans(pricing.DefaultPlans()).Get("basic")
	secret, err := NewStripeIntentsWithURL("sk_test_123", srv.URL).CreateIntent(context.Background(), "acc-1", basic)
	require.NoError(t, err)
	assert.Equal(t, "pi_1_secret_xyz", secret)
}
