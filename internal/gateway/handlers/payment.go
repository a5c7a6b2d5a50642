package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/payments"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
)

const webhookBodyLimit = 64 << 10

// Payments is the payment reconciler as seen by the HTTP layer.
type Payments interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	CreateIntent(ctx context.Context, accountID, planID string) (string, error)
	History(ctx context.Context, accountID string) ([]payments.HistoryEntry, error)
	CancelSubscription(ctx context.Context, accountID string) error
}

type PaymentHandler struct {
	payments Payments
	logger   *slog.Logger
}

func NewPaymentHandler(p Payments, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: p, logger: logger}
}

type createIntentRequest struct {
	Plan string `json:"plan"`
}

// HandleCreatePaymentIntent handles POST /payment/create-payment-intent
func (h *PaymentHandler) HandleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	req, ok := readJSON[createIntentRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	secret, err := h.payments.CreateIntent(r.Context(), p.Account.ID, req.Plan)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"clientSecret": secret})
}

// HandleWebhook handles POST /payment/webhook. The raw body is verified
// before anything is parsed.
func (h *PaymentHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	err = h.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, apperr.ErrSignatureInvalid):
		h.logger.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, "Webhook Error: invalid signature")
	default:
		writeAppError(w, h.logger, err)
	}
}

// HandleHistory handles GET /payment/history
func (h *PaymentHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	history, err := h.payments.History(r.Context(), p.Account.ID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": history})
}

// HandleCancelSubscription handles POST /payment/cancel-subscription
func (h *PaymentHandler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	if err := h.payments.CancelSubscription(r.Context(), p.Account.ID); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": "free"})
}
