package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/di"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/server"
	"github.com/savaki/ftp-deployer/internal/store"
)

// shutdownTimeout bounds how long a stopping server waits for in-flight
// requests and queued releases.
const shutdownTimeout = 30 * time.Second

// ServerCommand returns the server command for running the webhook service
func ServerCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"serve"},
		Usage:   "Run the webhook and GraphQL server",
		Description: `Start the long-running deployment server: GitHub push webhooks on
POST /webhooks/github, a GraphQL API over the release history, a manual
release API for CI, and OIDC login for the browser surface.

Releases triggered through the server run on a per-site queue, so two
pushes to the same site never deploy concurrently.

Examples:
  # Run with settings from the environment
  ftp-deployer server

  # Local development without OIDC
  ftp-deployer server --addr 127.0.0.1:8080 --disable-auth`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "Listen address (overrides FTP_DEPLOYER_ADDR)",
			},
			&cli.StringFlag{
				Name:  "callback-url",
				Usage: "External OAuth callback URL (overrides the derived default)",
			},
			&cli.BoolFlag{
				Name:  "disable-auth",
				Usage: "Disable authentication (local development only)",
			},
		},
		Action: serverAction,
	}
}

func setupContainer(cfg *config.Config, callbackURL string, disableAuth bool) (di.Container, error) {
	return di.New(cfg,
		di.WithCallbackURL(callbackURL),
		di.WithDisableAuth(disableAuth),
		di.WithProviders(
			di.ProvideLogger,
			di.ProvideSessionKeyService,
			di.ProvideSessionKeys,
			di.ProvideAuthenticator,
			di.ProvideAuthorizer,
			di.ProvideGraphQL,
		),
	)
}

func serverAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if err := ensureHome(cfg); err != nil {
		return err
	}

	container, err := setupContainer(cfg, c.String("callback-url"), c.Bool("disable-auth"))
	if err != nil {
		return fmt.Errorf("failed to setup DI container: %w", err)
	}

	logger := di.MustGet[zerolog.Logger](container)
	if c.Bool("disable-auth") || cfg.DisableAuth {
		logger.Warn().Msg("Authentication is DISABLED - this should only be used for development")
	}

	st := di.MustGet[*store.Store](container)
	defer st.Close()

	handler := di.MustGet[*server.Handler](container)
	queue := di.MustGet[*pipeline.Queue](container)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler.Router(),
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Bool("disable_auth", c.Bool("disable-auth") || cfg.DisableAuth).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Release queue did not drain before the timeout")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
