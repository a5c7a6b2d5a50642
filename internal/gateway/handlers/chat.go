package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/metering"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
)

// Metered runs a metered chat call.
type Metered interface {
	Chat(ctx context.Context, p *auth.Principal, req metering.Request) (*metering.Result, error)
}

type ChatHandler struct {
	gateway Metered
	logger  *slog.Logger
}

func NewChatHandler(gateway Metered, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{gateway: gateway, logger: logger}
}

// HandleChat handles POST /ai/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeAppError(w, h.logger, apperr.ErrUnauthenticated)
		return
	}

	req, ok := readJSON[metering.Request](w, r, defaultBodyLimit)
	if !ok {
		return
	}

	res, err := h.gateway.Chat(r.Context(), p, req)
	if err != nil {
		writeAppError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
