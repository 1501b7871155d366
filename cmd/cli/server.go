package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/app"
	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

const shutdownTimeout = 20 * time.Second

// RunServer serves until ctx ends or SIGINT/SIGTERM arrives, then drains
// HTTP, the scheduler and the result consumer. Once draining starts the
// default signal handling is restored, so a second signal kills the process.
func RunServer(ctx context.Context) error {
	log := logger.WithComponent("server")

	cfg, err := config.GetConfigManager().GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := app.NewServerBuilder(cfg).
		InitDatabase().
		InitRepositories().
		InitDispatcher().
		InitServices().
		InitResultConsumer().
		InitScheduler().
		InitRouter().
		Build()
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", server.Addr()).
			Str("endpoint", cfg.Server.Endpoint).
			Str("transport", cfg.Dispatch.Transport).
			Str("database", cfg.Database.Driver).
			Bool("log_archive", cfg.AWS.ArchiveEnabled()).
			Msg("Server starting")
		serveErr <- server.Serve()
	}()

	var failure error
	select {
	case err := <-serveErr:
		if err == nil {
			err = errors.New("http server closed")
		}
		failure = fmt.Errorf("server stopped unexpectedly: %w", err)
		log.Error().Err(failure).Msg("Shutting down after serve failure")
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, draining")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := server.Shutdown(shutdownCtx)
	event := log.Info()
	if !report.HTTPDrained || !report.ConsumerDrained {
		event = log.Warn()
	}
	event.
		Str("transport", report.Transport).
		Bool("http_drained", report.HTTPDrained).
		Bool("result_consumer_drained", report.ConsumerDrained).
		Dur("duration", report.Duration).
		Msg("Shutdown finished")

	return failure
}
