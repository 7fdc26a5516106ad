package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	appSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/application/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/bootstrap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "user-saga-worker", "user_saga_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	deps := app.SagaDeps()
	sagaCfg := app.SagaConfig()
	orchestrator := appSaga.NewOrchestrator(deps, sagaCfg)
	compensator := appSaga.NewCompensator(deps, sagaCfg)
	monitor := appSaga.NewMonitor(deps, sagaCfg, app.MonitorConfig(), orchestrator, compensator, app.Locker)
	relay := appSaga.NewRelay(
		app.Outbox,
		app.Tx,
		app.Bus,
		app.Config.Worker.OutboxBatchSize,
		app.Config.Worker.OutboxPollInterval,
		app.Metrics,
		app.Logger,
	)

	topics := app.Topics.Inbound()
	concurrency := app.Config.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	app.Logger.Info().
		Strs("topics", topics).
		Str("group", app.Config.Transport.ConsumerGroup).
		Int("concurrency", concurrency).
		Msg("Worker started, listening for messages...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Inbound user events.
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return app.Bus.Subscribe(gCtx, topics, orchestrator.HandleMessage)
		})
	}

	// 2. Timeout, retry, metrics, statistics and cleanup sweeps.
	g.Go(func() error {
		return monitor.Run(gCtx)
	})

	// 3. Status events parked in the outbox.
	g.Go(func() error {
		return relay.Run(gCtx)
	})

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
