package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/pricing"
)

// CatalogHandler serves the static rate table and plan catalog.
type CatalogHandler struct {
	rates *pricing.RateTable
	plans *pricing.Plans
}

func NewCatalogHandler(rates *pricing.RateTable, plans *pricing.Plans) *CatalogHandler {
	return &CatalogHandler{rates: rates, plans: plans}
}

// HandleModels handles GET /ai/models and GET /tokens/pricing
func (h *CatalogHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rates.Catalog())
}

// HandlePlans handles GET /payment/plans
func (h *CatalogHandler) HandlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.plans.All())
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles GET /health
func HealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
