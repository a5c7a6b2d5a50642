package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes collects everything the router mounts.
type Routes struct {
	Middleware *Middleware
	Chat       *ChatHandler
	Catalog    *CatalogHandler
	Tokens     *TokenHandler
	Payments   *PaymentHandler
	Health     http.HandlerFunc

	AllowManualCredit bool
	RequestTimeout    time.Duration
}

// NewRouter builds the gateway's HTTP routes.
func NewRouter(rt Routes) http.Handler {
	mw := rt.Middleware
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(mw.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if rt.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(rt.RequestTimeout))
	}
	r.Use(mw.CORS)

	// Public
	r.Get("/health", rt.Health)
	r.Get("/ai/models", rt.Catalog.HandleModels)
	r.Get("/tokens/pricing", rt.Catalog.HandleModels)
	r.Get("/payment/plans", rt.Catalog.HandlePlans)
	r.Post("/payment/webhook", rt.Payments.HandleWebhook)

	// Metered calls, authenticated by API key
	r.Group(func(r chi.Router) {
		r.Use(mw.APIKeyAuth)
		r.Use(mw.RateLimit)
		r.Post("/ai/chat", rt.Chat.HandleChat)
	})

	// Account management, authenticated by identity token
	r.Group(func(r chi.Router) {
		r.Use(mw.BearerAuth)

		r.Get("/tokens/balance", rt.Tokens.HandleBalance)
		r.Get("/tokens/usage", rt.Tokens.HandleUsage)
		r.Get("/tokens/credits", rt.Tokens.HandleCredits)
		r.Post("/tokens/api-key", rt.Tokens.HandleCreateAPIKey)
		r.Delete("/tokens/api-key/{key}", rt.Tokens.HandleRevokeAPIKey)
		if rt.AllowManualCredit {
			r.Post("/tokens/add", rt.Tokens.HandleAddTokens)
		}

		r.Post("/payment/create-payment-intent", rt.Payments.HandleCreatePaymentIntent)
		r.Get("/payment/history", rt.Payments.HandleHistory)
		r.Post("/payment/cancel-subscription", rt.Payments.HandleCancelSubscription)
	})

	return r
}
