package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/metering"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/payments"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/pricing"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-token-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, "token-gateway")
	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting token gateway", "port", cfg.Port, "env", cfg.Env)

	// Storage
	var store database.Store
	if cfg.DatabaseURL != "" {
		pg, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store = pg
		log.Info("connected to postgres")
	} else {
		store = database.NewMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer store.Close()

	checks := map[string]handlers.Pinger{"store": store}

	// Redis backs rate limiting and the credential cache. Both are
	// optional, so the interfaces stay nil without it.
	var (
		limiter   handlers.Limiter
		credCache *cache.Cache
	)
	if cfg.RedisURL != "" {
		rc, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rc.Close()
		limiter = rc
		credCache = cache.New(rc, time.Duration(cfg.CredentialCacheTTLSeconds)*time.Second)
		checks["redis"] = rc
		log.Info("connected to redis")
	} else {
		log.Warn("REDIS_URL not set, rate limiting and credential cache disabled")
	}

	rates := pricing.DefaultRateTable()
	plans := pricing.NewPlans(pricing.DefaultPlans())

	led := ledger.New(store,
		ledger.WithLogger(log),
		ledger.WithMaxRetries(cfg.LedgerMaxRetries),
		ledger.WithSignupBalance(cfg.SignupBalance),
	)
	registry := providers.NewRegistryFromConfig(cfg, log)
	log.Info("providers registered", "models", registry.Models())

	verifier := auth.NewIdentityVerifier(cfg.IdentityJWTSecret, cfg.IdentityIssuer)
	resolver := auth.NewResolver(led, store, credCache, verifier, log)

	recorder := usage.NewRecorder(store)
	summarizer := usage.NewSummarizer(store, log)
	gateway := metering.New(led, recorder, registry, rates, cfg.CompletionTimeout, log)

	var intents payments.IntentCreator
	if cfg.StripeSecretKey != "" {
		intents = payments.NewStripeIntents(cfg.StripeSecretKey)
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, payment intents disabled")
	}
	reconciler := payments.NewReconciler(led, store, plans, intents, cfg.StripeWebhookSecret, log)

	if cfg.AllowManualCredit {
		log.Warn("manual credit endpoint enabled")
	}

	requestTimeout := cfg.CompletionTimeout + 15*time.Second
	router := handlers.NewRouter(handlers.Routes{
		Middleware: handlers.NewMiddleware(resolver, limiter, cfg.DefaultRateLimit, log),
		Chat:       handlers.NewChatHandler(gateway, log),
		Catalog:    handlers.NewCatalogHandler(rates, plans),
		Tokens: handlers.NewTokenHandler(led, recorder, resolver, limiter, handlers.TokenLimits{
			MaxKeys:       cfg.MaxAPIKeys,
			CreatePerHour: cfg.APIKeyCreateLimit,
		}, log),
		Payments:          handlers.NewPaymentHandler(reconciler, log),
		Health:            handlers.HealthHandler(checks),
		AllowManualCredit: cfg.AllowManualCredit,
		RequestTimeout:    requestTimeout,
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return summarizer.Run(gctx, cfg.UsageSummaryInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
