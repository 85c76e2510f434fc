package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/checkout"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/config"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/events"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/gateway"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger(cfg.LogFormat))
		},
	}
}

func withTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	tp, err := initTracer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	mp, err := initMetrics(ctx, cfg)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer", slog.Any("error", err))
		}
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down meter", slog.Any("error", err))
		}
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdown, err := withTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	a := newApp(cfg, logger)
	defer a.Close()

	store, err := a.store(ctx)
	if err != nil {
		return err
	}
	guard, err := a.guard(ctx)
	if err != nil {
		return err
	}
	broker, err := a.broker(ctx)
	if err != nil {
		return err
	}

	// Without a broker the receipt is sent in process; otherwise the consumer
	// sends it.
	registry := events.NewRegistry()
	if broker == nil {
		a.receipts().Register(registry)
	}
	publisher := events.NewPublisher(registry, broker, events.PublisherOptions{
		TopicPrefix: cfg.Broker.TopicPrefix,
		Retry:       a.retryPolicy("broker"),
		Logger:      logger,
	})

	provider := gateway.NewKlarnaClient(gateway.KlarnaConfig{
		BaseURL:  cfg.Provider.BaseURL,
		Username: cfg.Provider.Username,
		Password: cfg.Provider.Password,
		Timeout:  cfg.Provider.Timeout,
		MerchantURLs: gateway.MerchantURLs{
			Terms:        cfg.Provider.TermsURL,
			Checkout:     cfg.Provider.CheckoutURL,
			Confirmation: cfg.Provider.ConfirmationURL,
			Push:         cfg.Provider.PushURL,
		},
	}, a.retryPolicy("klarna"), a.breaker("klarna"))

	payments := payment.NewManager(store, provider, guard, publisher, payment.Options{
		SessionTTL:     cfg.SessionTTL,
		DefaultCountry: cfg.Country,
		DefaultLocale:  cfg.Locale,
		Logger:         logger,
	})

	catalog, err := checkout.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded", slog.Int("products", len(catalog)))

	svc := checkout.NewService(store, payments, guard, publisher, catalog, checkout.Options{Logger: logger})
	handler := checkout.NewHandler(svc, checkout.NewAuthenticator(cfg.JWTSecret), otelTracer(), cfg.WebhookSecret)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName))
	handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storefront listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
