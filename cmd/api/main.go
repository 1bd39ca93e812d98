package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/midastechnical/mdts-payments/internal/bootstrap"
	"github.com/midastechnical/mdts-payments/internal/controller"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "mdts-payments-api", "mdts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	svc := app.BuildServices()
	cfg := app.Config

	router := controller.NewRouter(controller.RouterDeps{
		DB:               app.Pool,
		Redis:            controller.PingFunc(func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }),
		Fallback:         svc.Fallback,
		Attempts:         svc.Attempts,
		Webhooks:         svc.WebhookSvc,
		CryptoMonitor:    svc.CryptoMonitor,
		Rates:            svc.Rates,
		Refunds:          svc.Refunds,
		IdempotencyStore: svc.Idempotency,
		IdempotencyLocks: svc.IdempotencyLocks,
		IdempotencyTTL:   cfg.Worker.IdempotencyTTL,
		Metrics:          app.Metrics,
		Logger:           app.Logger,
		ServiceName:      cfg.Observability.ServiceName,
		JWTSecret:        cfg.Auth.JWTSecret,
		CORSConfig:       cfg.Server.CORS,
		RateLimit:        cfg.RateLimit,
		MaxWebhookBytes:  cfg.Webhook.MaxBodyBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Strs("providers", cfg.Payment.EnabledProviders).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
