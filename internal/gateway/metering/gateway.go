// Package metering runs one metered chat call: price, debit, invoke,
// record. A debit is never left without its usage record: when the
// completion service fails the debit is refunded, and when the refund itself
// cannot be applied the charge is recorded instead.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// compensationTimeout bounds each write that follows the completion call:
// the usage record, a refund, or the charge recorded when a refund fails.
const compensationTimeout = 10 * time.Second

// Ledger is the part of the token ledger the gateway mutates.
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount int64) (int64, error)
	Refund(ctx context.Context, accountID string, amount int64) (int64, error)
}

// Recorder appends usage records.
type Recorder interface {
	Record(ctx context.Context, call usage.Call) (*models.UsageRecord, error)
}

// Providers looks up the completion provider of a model.
type Providers interface {
	Get(modelID string) (providers.CompletionProvider, error)
}

// Request is a chat request as received from the client.
type Request struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
}

// Result is the successful chat response.
type Result struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	TokensUsed      int64  `json:"tokensUsed"`
	RemainingTokens int64  `json:"remainingTokens"`
}

// Gateway orchestrates metered calls.
type Gateway struct {
	ledger    Ledger
	recorder  Recorder
	providers Providers
	rates     *pricing.RateTable
	timeout   time.Duration

	// writeTimeout bounds the usage write separately from timeout, so a
	// completion that finishes late is still recorded.
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a Gateway. timeout bounds the completion call that follows a
// committed debit.
func New(ledger Ledger, recorder Recorder, registry Providers, rates *pricing.RateTable, timeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		ledger:       ledger,
		recorder:     recorder,
		providers:    registry,
		rates:        rates,
		timeout:      timeout,
		writeTimeout: compensationTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Chat runs one metered call for an authenticated principal.
func (g *Gateway) Chat(ctx context.Context, p *auth.Principal, req Request) (*Result, error) {
	model, contents, err := g.validate(req)
	if err != nil {
		return nil, err
	}
	provider, err := g.providers.Get(model)
	if err != nil {
		return nil, err
	}

	cost := g.rates.Cost(model, pricing.EstimateUnits(contents))
	accountID := p.Account.ID

	remaining, err := g.ledger.Debit(ctx, accountID, cost)
	if err != nil {
		return nil, err
	}

	// The debit is committed. From here on the client going away must not
	// abandon the call half way.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	start := g.now()
	completion, err := provider.Complete(work, providers.CompletionRequest{Messages: req.Messages})
	latency := g.now().Sub(start)
	if err != nil {
		if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, err)
		}
		g.logger.Warn("completion failed after debit",
			"request_id", logger.RequestID(ctx),
			"account_id", accountID,
			"model", model,
			"cost", cost,
			"error", err)

		if refundErr := g.refund(ctx, accountID, cost); refundErr != nil {
			g.chargeOnFailedRefund(ctx, p, model, cost, contents, latency, refundErr)
		}
		return nil, err
	}

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), g.writeTimeout)
	defer cancelRecord()
	_, err = g.recorder.Record(recordCtx, usage.Call{
		AccountID:    accountID,
		CredentialID: p.CredentialID,
		Model:        model,
		Cost:         cost,
		Request:      lastContent(contents),
		Response:     completion.Text,
		Latency:      latency,
	})
	if err != nil {
		g.logger.Error("usage record failed after debit",
			"request_id", logger.RequestID(ctx),
			"account_id", accountID,
			"cost", cost,
			"error", err)
		if refundErr := g.refund(ctx, accountID, cost); refundErr != nil {
			g.logger.Error("unreconciled debit: refund failed",
				"account_id", accountID, "cost", cost, "error", refundErr)
		}
		return nil, fmt.Errorf("record usage: %w", apperr.ErrInternal)
	}

	g.logger.Info("chat completed",
		"request_id", logger.RequestID(ctx),
		"account_id", accountID,
		"model", model,
		"upstream_model", completion.Model,
		"cost", cost,
		"remaining", remaining,
		"latency_ms", latency.Milliseconds())

	return &Result{
		Model:           model,
		Response:        completion.Text,
		TokensUsed:      cost,
		RemainingTokens: remaining,
	}, nil
}

func (g *Gateway) validate(req Request) (model string, contents []string, err error) {
	if len(req.Messages) == 0 {
		return "", nil, apperr.Invalid("messages must be a non-empty array")
	}
	hasContent := false
	contents = make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
		if strings.TrimSpace(m.Content) != "" {
			hasContent = true
		}
	}
	if !hasContent {
		return "", nil, apperr.Invalid("messages must have content")
	}

	model = req.Model
	if model == "" {
		model = pricing.DefaultModel
	}
	return model, contents, nil
}

// refund credits cost back. It gets its own deadline since the call it
// compensates may have used up the shared one.
func (g *Gateway) refund(ctx context.Context, accountID string, cost int64) error {
	if cost <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.writeTimeout)
	defer cancel()
	if _, err := g.ledger.Refund(ctx, accountID, cost); err != nil {
		return err
	}
	g.logger.Info("debit refunded", "account_id", accountID, "amount", cost)
	return nil
}

// chargeOnFailedRefund records a charge whose refund could not be applied,
// so the debit keeps its usage record.
func (g *Gateway) chargeOnFailedRefund(ctx context.Context, p *auth.Principal, model string, cost int64, contents []string, latency time.Duration, refundErr error) {
	g.logger.Error("refund failed, recording charge",
		"account_id", p.Account.ID, "cost", cost, "error", refundErr)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.writeTimeout)
	defer cancel()

	_, err := g.recorder.Record(ctx, usage.Call{
		AccountID:    p.Account.ID,
		CredentialID: p.CredentialID,
		Model:        model,
		Cost:         cost,
		Request:      lastContent(contents),
		Latency:      latency,
	})
	if err != nil {
		g.logger.Error("unreconciled debit: no refund and no usage record",
			"account_id", p.Account.ID, "cost", cost, "error", err)
	}
}

func lastContent(contents []string) string {
	if len(contents) == 0 {
		return ""
	}
	return contents[len(contents)-1]
}
