package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/midastechnical/mdts-payments/internal/bootstrap"
	infraRedis "github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	staleClaimInterval   = time.Minute
	readFailureBackoff   = time.Second
	cleanupBatchDeadline = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "mdts-payments-worker", "mdts_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	svc := app.BuildServices()

	workerCfg := app.Config.Worker
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.WebhookDLQStream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
	}

	app.Logger.Info().
		Str("stream", infraRedis.WebhookDLQStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Dur("crypto_poll_interval", workerCfg.CryptoPollInterval).
		Int64("max_replay_deliveries", workerCfg.MaxReplayDeliveries).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Crypto confirmation polling.
	g.Go(func() error {
		return runCryptoPoller(gCtx, app.Logger, svc.CryptoMonitor, workerCfg.CryptoPollInterval, int(workerCfg.BatchSize))
	})

	// 2. Webhook dead-letter replay.
	replayer := service.NewDeadLetterReplayer(consumer, svc.WebhookSvc, app.Metrics, app.Logger, service.ReplayConfig{
		MaxDeliveries: workerCfg.MaxReplayDeliveries,
		StaleIdle:     workerCfg.ReplayStaleIdle,
		ClaimInterval: staleClaimInterval,
		ReadBackoff:   readFailureBackoff,
	})
	g.Go(func() error {
		return replayer.Run(gCtx)
	})

	// 3. Expired idempotency key cleanup.
	g.Go(func() error {
		return runIdempotencyCleanup(gCtx, app.Logger, svc.Idempotency, workerCfg.CleanupInterval)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func runCryptoPoller(ctx context.Context, logger zerolog.Logger, monitor *service.CryptoMonitor, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		sum, err := monitor.PollPending(ctx, batch)
		if err != nil {
			logger.Error().Err(err).Msg("Crypto poll failed")
			continue
		}
		if sum.Checked+sum.Skipped+sum.Failed > 0 {
			logger.Info().
				Int("checked", sum.Checked).
				Int("skipped", sum.Skipped).
				Int("failed", sum.Failed).
				Msg("Crypto payments polled")
		}
	}
}

type idempotencyCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

func runIdempotencyCleanup(ctx context.Context, logger zerolog.Logger, store idempotencyCleaner, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cctx, cancel := context.WithTimeout(ctx, cleanupBatchDeadline)
		n, err := store.Cleanup(cctx)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency cleanup failed")
			continue
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("Expired idempotency keys removed")
		}
	}
}
