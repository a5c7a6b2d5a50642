package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
)

const defaultBodyLimit = 1 << 20

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

type insufficientFundsResponse struct {
	Error     string `json:"error"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAppError maps an error kind to its response. Server-side failures
// are logged with their cause and answered generically.
func writeAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var insufficient *apperr.InsufficientFundsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, insufficientFundsResponse{
			Error:     "Insufficient tokens",
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
		return
	}
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		writeError(w, http.StatusPaymentRequired, "Insufficient tokens")
		return
	}

	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, apperr.PublicMessage(err))
}
