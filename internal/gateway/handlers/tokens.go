package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

const (
	apiKeyPrefix     = "sk_"
	defaultUsageDays = 30
)

// TokenLedger is the part of the ledger the token routes use.
type TokenLedger interface {
	Credit(ctx context.Context, accountID string, amount int64) (int64, error)
	AddCredential(ctx context.Context, accountID, raw string, max int) error
	RevokeCredential(ctx context.Context, accountID, raw string) error
	Credits(ctx context.Context, accountID string) ([]models.CreditEntry, error)
}

// UsageLister lists an account's usage history.
type UsageLister interface {
	List(ctx context.Context, accountID string, days int) ([]usage.Entry, error)
}

// CredentialForgetter drops a revoked credential from any cache.
type CredentialForgetter interface {
	Forget(ctx context.Context, raw string)
}

// TokenLimits bounds credential creation.
type TokenLimits struct {
	MaxKeys       int
	CreatePerHour int
}

type TokenHandler struct {
	ledger    TokenLedger
	usage     UsageLister
	forgetter CredentialForgetter
	limiter   Limiter
	limits    TokenLimits
	logger    *slog.Logger
}

// NewTokenHandler creates the token routes. limiter may be nil.
func NewTokenHandler(ledger TokenLedger, usage UsageLister, forgetter CredentialForgetter, limiter Limiter, limits TokenLimits, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		ledger:    ledger,
		usage:     usage,
		forgetter: forgetter,
		limiter:   limiter,
		limits:    limits,
		logger:    logger,
	}
}

// HandleBalance handles GET /tokens/balance
func (h *TokenHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      p.Account.Balance,
		"plan":         p.Account.Tier,
		"apiKeysCount": len(p.Account.Credentials),
	})
}

// HandleUsage handles GET /tokens/usage?days=N
func (h *TokenHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}

	entries, err := h.usage.List(r.Context(), p.Account.ID, days)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": entries})
}

// HandleCreateAPIKey handles POST /tokens/api-key
func (h *TokenHandler) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	if h.limiter != nil && h.limits.CreatePerHour > 0 {
		allowed, _, err := h.limiter.Allow(r.Context(), "apikey-create:"+p.Account.ID, h.limits.CreatePerHour, time.Hour)
		if err != nil {
			h.logger.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			w.Header().Set("Retry-After", "3600")
			writeError(w, http.StatusTooManyRequests, "too many API keys created, try again later")
			return
		}
	}

	raw, err := generateAPIKey()
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	if err := h.ledger.AddCredential(r.Context(), p.Account.ID, raw, h.limits.MaxKeys); err != nil {
		writeAppError(w, h.logger, err)
		return
	}

	h.logger.Info("api key created", "account_id", p.Account.ID, "prefix", raw[:len(apiKeyPrefix)+5])
	writeJSON(w, http.StatusCreated, map[string]string{"apiKey": raw})
}

// HandleRevokeAPIKey handles DELETE /tokens/api-key/{key}
func (h *TokenHandler) HandleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	raw := chi.URLParam(r, "key")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.ledger.RevokeCredential(r.Context(), p.Account.ID, raw); err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	h.forgetter.Forget(r.Context(), raw)

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type creditView struct {
	Amount    int64               `json:"amount"`
	Reason    models.CreditReason `json:"reason"`
	Reference string              `json:"reference,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// HandleCredits handles GET /tokens/credits
func (h *TokenHandler) HandleCredits(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	credits, err := h.ledger.Credits(r.Context(), p.Account.ID)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	out := make([]creditView, 0, len(credits))
	for _, c := range credits {
		out = append(out, creditView{Amount: c.Amount, Reason: c.Reason, Reference: c.Reference, Timestamp: c.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": out})
}

type addTokensRequest struct {
	Amount int64 `json:"amount"`
}

// HandleAddTokens handles POST /tokens/add. Only mounted when manual
// credits are enabled.
func (h *TokenHandler) HandleAddTokens(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	req, ok := readJSON[addTokensRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	balance, err := h.ledger.Credit(r.Context(), p.Account.ID, req.Amount)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}

	h.logger.Info("manual credit", "account_id", p.Account.ID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "balance": balance})
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
