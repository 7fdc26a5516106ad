package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	appSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/application/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/bootstrap"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/controller"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "user-saga-api", "user_saga")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	compensator := appSaga.NewCompensator(app.SagaDeps(), app.SagaConfig())

	router := controller.NewRouter(controller.RouterDeps{
		Health:      controller.NewHealthController(app.Pool, app.Redis),
		Sagas:       app.Sagas,
		Ledger:      app.Ledger,
		Compensator: compensator,
		Clock:       app.Clock,
		Metrics:     app.Metrics,
		CORSConfig:  app.Config.Server.CORS,
	})

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
