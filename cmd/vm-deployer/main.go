package main

import (
	"context"
	"os"

	"github.com/rhodri/vm-deployer/cmd/vm-deployer/commands"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "vm-deployer",
		Usage: "Push-triggered VM deployment relay",
		Description: `Relays repository push events into invocations of the PSA/deployVM.ps1
provisioning script.

This tool provides commands for:
  - Serving a webhook endpoint that turns pushes into deployment runs
  - Running a single deployment from the command line
  - Working off queued runs on a runner host
  - Inspecting run history and deployment locks`,
		Commands: []*cli.Command{
			commands.ServeCommand(&logger),
			commands.RunCommand(&logger),
			commands.WorkCommand(&logger),
			commands.RunsCommand(&logger),
			commands.LocksCommand(&logger),
			commands.SetupCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
