package main

import (
	"context"
	"os"

	"github.com/savaki/ftp-deployer/cmd/ftp-deployer/commands"
	"github.com/savaki/ftp-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "ftp-deployer",
		Usage: "Shared-hosting deployment automation toolkit",
		Description: `Deploys PHP sites to shared hosting over FTP or SFTP and runs the
post-deployment commands over SSH.

This tool provides commands for:
  - Registering sites and their deployment settings
  - Managing deployment secrets in an encrypted local vault
  - Running, inspecting, and rolling back releases
  - Generating the GitHub Actions deployment workflow
  - Serving the webhook endpoint and GraphQL API`,
		Commands: []*cli.Command{
			commands.DeployCommand(&logger),
			commands.SitesCommand(&logger),
			commands.SecretsCommand(&logger),
			commands.ReleasesCommand(&logger),
			commands.SetupCommand(&logger),
			commands.ValidateCommand(&logger),
			commands.SyncCommand(&logger),
			commands.ServerCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
