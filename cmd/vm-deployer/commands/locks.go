package commands

import (
	"fmt"

	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// LocksCommand returns the locks command for inspecting and releasing deployment locks
func LocksCommand(logger *zerolog.Logger) *cli.Command {
	envFlag := &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Deployment environment (dev, stg, or prd)",
		Value:   "dev",
		EnvVars: []string{"ENV"},
	}
	resourceGroupFlag := &cli.StringFlag{
		Name:     "resource-group",
		Aliases:  []string{"g"},
		Usage:    "Azure resource group name",
		Required: true,
		EnvVars:  []string{"RESOURCE_GROUP"},
	}
	serverFlag := &cli.StringFlag{
		Name:     "server",
		Aliases:  []string{"s"},
		Usage:    "Virtual machine server name",
		Required: true,
		EnvVars:  []string{"SERVER_NAME"},
	}

	return &cli.Command{
		Name:  "locks",
		Usage: "Inspect and release deployment locks",
		Description: `Deployment locks serialize runs against the same resource group and
server when locking is enabled. Locks expire automatically, but a
crashed run can be cleared early with the release subcommand.`,
		Subcommands: []*cli.Command{
			{
				Name:    "show",
				Aliases: []string{"get"},
				Usage:   "Show the lock for a resource group and server, if held",
				Flags:   []cli.Flag{envFlag, resourceGroupFlag, serverFlag},
				Action:  locksShowAction,
			},
			{
				Name:  "release",
				Usage: "Force-release a lock regardless of holder",
				Flags:  []cli.Flag{envFlag, resourceGroupFlag, serverFlag},
				Action: locksReleaseAction,
			},
		},
	}
}

func locksShowAction(c *cli.Context) error {
	container, err := di.New(c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	dao := di.MustGet[*lockdao.DAO](container)

	id := lockdao.NewID(c.String("resource-group"), c.String("server"))
	record, err := dao.Find(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to find lock %s: %w", id, err)
	}
	if record == nil {
		fmt.Printf("No lock held for %s\n", id)
		return nil
	}

	fmt.Printf("Lock:        %s\n", record.GetID())
	fmt.Printf("Held by run: %s\n", record.RunID)
	fmt.Printf("Repo:        %s\n", record.Repo)
	fmt.Printf("Acquired:    %s\n", formatUnix(record.AcquiredAt))
	fmt.Printf("Expires:     %s\n", formatUnix(record.TTL))
	return nil
}

func locksReleaseAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	container, err := di.New(c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	dao := di.MustGet[*lockdao.DAO](container)

	id := lockdao.NewID(c.String("resource-group"), c.String("server"))
	record, err := dao.Find(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to find lock %s: %w", id, err)
	}
	if record == nil {
		fmt.Printf("No lock held for %s\n", id)
		return nil
	}

	if err := dao.Delete(c.Context, id); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", id, err)
	}

	logger.Info().
		Str("lock", id.String()).
		Str("run_id", record.RunID).
		Msg("Released lock")
	fmt.Printf("Released %s (was held by run %s)\n", id, record.RunID)
	return nil
}
