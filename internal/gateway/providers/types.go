package providers

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
)

// CompletionRequest is a provider-neutral chat request. Messages use the
// OpenAI wire shape, which every provider converts from.
type CompletionRequest struct {
	Messages  []openai.ChatCompletionMessage
	MaxTokens int
}

// Completion is a provider's answer.
type Completion struct {
	Text string
	// Model is the upstream model that produced Text.
	Model        string
	InputTokens  int
	OutputTokens int
}

// CompletionProvider is the capability registered once per model id.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Name() string
}

// upstreamError marks err as a completion service failure.
func upstreamError(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, apperr.ErrUpstreamUnavailable, err)
}

func statusError(provider string, status int, body []byte) error {
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Errorf("%s: %w (status %d): %s", provider, apperr.ErrUpstreamUnavailable, status, body)
}
