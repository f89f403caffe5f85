package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/api"
	"github.com/bryanchriswhite/multiboxer/internal/app"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful stop after a signal.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the multiboxer server",
	Long: `Start the orchestrator and its HTTP API.

Sessions persisted by a previous run are restored before any request is
served. Game clients keep running when the server stops.`,
	Example: `  # Start server on default port (8080)
  multiboxer serve

  # Start server on custom port
  multiboxer serve --port 9090

  # Start with debug logging
  multiboxer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	rt, err := app.New(configMgr, app.Deps{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return multierr.Append(err, rt.Shutdown(context.Background()))
	}
	server := api.NewServer(rt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Closing the runtime closes the bus, which ends the event streams
		// the HTTP shutdown would otherwise wait on.
		return multierr.Combine(
			rt.Shutdown(shutdownCtx),
			server.Shutdown(shutdownCtx),
		)
	})

	log.Info().
		Int("port", cfg.ServerPort).
		Msg("multiboxer is running, press Ctrl+C to stop")
	return g.Wait()
}
