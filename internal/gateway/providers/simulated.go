package providers

import (
	"context"
	"fmt"
)

// SimulatedProvider answers without calling any upstream. It serves models
// whose API key is not configured, e.g. in development.
type SimulatedProvider struct {
	display string
}

// NewSimulatedProvider creates a simulated provider that names itself display.
func NewSimulatedProvider(display string) *SimulatedProvider {
	return &SimulatedProvider{display: display}
}

func (p *SimulatedProvider) Complete(ctx context.Context, _ CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, upstreamError(p.Name(), err)
	}
	return &Completion{
		Text:  fmt.Sprintf("%s response simulation", p.display),
		Model: "simulated",
	}, nil
}

func (p *SimulatedProvider) Name() string {
	return "simulated"
}
