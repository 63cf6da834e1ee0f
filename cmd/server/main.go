package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"subscription-api/internal/api"
	"subscription-api/internal/billing"
	"subscription-api/internal/config"
	"subscription-api/internal/database"
	"subscription-api/internal/middleware"
	"subscription-api/internal/services"
	"subscription-api/pkg/logging"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	if err := logging.InitLogging(cfg.Mode); err != nil {
		log.Fatal("Failed to initialize logging:", err)
	}
	defer logging.Sync()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	prices, err := config.LoadPriceCatalog(cfg.PriceCatalogFile)
	if err != nil {
		logging.Warnf("Price catalog unavailable, reactivation reuses recorded prices: %v", err)
	}

	gateway, err := newGateway(cfg)
	if err != nil {
		log.Fatal("Failed to initialize billing gateway:", err)
	}

	metrics := services.NewMetrics()
	replay := services.NewReplayProtection(24*time.Hour, time.Hour)
	defer replay.Stop()

	profiles := database.NewBillingProfileStore(database.GetDB())
	store := database.NewSubscriptionStore(database.GetDB())

	notifier := services.NewListingNotifier(database.NewListingStore(database.GetDB()), profiles, mailer(cfg))
	if cfg.MarketplaceWebhookURL != "" {
		notifier.WithWebhook(services.NewWebhookNotifier(cfg.MarketplaceWebhookURL, cfg.MarketplaceWebhookSecret))
	}

	var cache *services.IdempotencyCache
	if rc := database.GetRedis(); rc != nil {
		cache = services.NewIdempotencyCache(rc, cfg.IdempotencyTTL, cfg.OperationTimeout+30*time.Second)
	}

	opts := services.SubscriptionServiceOptions{
		Store:               store,
		Profiles:            profiles,
		Gateway:             gateway,
		Notifier:            notifier,
		Cache:               cache,
		Metrics:             metrics,
		OperationTimeout:    cfg.OperationTimeout,
		MaxRetries:          cfg.CreateMaxRetries,
		DashboardPathPrefix: cfg.DashboardPathPrefix,
	}
	if prices != nil {
		opts.Prices = prices
	}
	subscriptions := services.NewSubscriptionService(opts)

	var verifier *billing.WebhookVerifier
	if cfg.StripeWebhookSecret != "" {
		verifier = billing.NewWebhookVerifier(cfg.StripeWebhookSecret)
	} else {
		logging.Warnf("STRIPE_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}

	handler := api.NewHandler(api.HandlerOptions{
		Subscriptions: subscriptions,
		Events:        services.NewEventSyncService(store, gateway, database.NewEventLog(database.GetDB()), replay, metrics),
		Verifier:      verifier,
		Replay:        replay,
		Metrics:       metrics,
		ExposeErrors:  !cfg.IsRelease(),
	})

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.RequestLogger(logging.L()), middleware.Recovery(logging.L()))
	api.SetupRoutes(r, handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Infof("Shutting down server")
	// In-flight creates run on a detached timeout; give them room to finish
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
}

func newGateway(cfg *config.Config) (billing.Gateway, error) {
	switch cfg.BillingDriver {
	case "stripe":
		if cfg.StripeSecretKey == "" {
			return nil, errors.New("STRIPE_SECRET_KEY is not set")
		}
		return billing.NewStripeGateway(cfg.StripeSecretKey), nil
	case "memory":
		logging.Warnf("Using the in-memory billing gateway; no real charges are made")
		return billing.NewMemoryGateway(), nil
	default:
		return nil, errors.New("unknown BILLING_DRIVER " + cfg.BillingDriver)
	}
}

// mailer returns the Brevo mailer, or nil so the notifier skips email
func mailer(cfg *config.Config) services.Mailer {
	if brevo := services.NewBrevoService(cfg); brevo != nil {
		return brevo
	}
	logging.Warnf("BREVO_API_KEY not set, listing emails disabled")
	return nil
}
