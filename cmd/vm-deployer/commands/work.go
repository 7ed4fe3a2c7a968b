package commands

import (
	"fmt"
	"time"

	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rhodri/vm-deployer/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// WorkCommand returns the work command for draining queued runs
func WorkCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "work",
		Usage: "Execute pending deployment runs for a repository",
		Description: `Polls the runs table for records still in PENDING and executes each
one in order. Pending records are created by the push-trigger Lambda,
which records pushes without running them. With --watch the command
keeps polling; otherwise it drains the current backlog and exits.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"r"},
				Usage:    "Repository name to work",
				Required: true,
				EnvVars:  []string{"REPO"},
			},
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Deployment environment (dev, stg, or prd)",
				Value:   "dev",
				EnvVars: []string{"ENV"},
			},
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "Path to a vm-deployer.yml manifest overriding literal parameters",
				EnvVars: []string{"MANIFEST"},
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep polling for new pending runs instead of exiting when drained",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval used with --watch",
				Value: 30 * time.Second,
			},
		},
		Action: workAction,
	}
}

func workAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	container, err := di.New(c.String("env"),
		di.WithManifestPath(c.String("manifest")),
	)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	p := di.MustGet[*pipeline.Pipeline](container)
	dao := di.MustGet[*rundao.DAO](container)

	repo := c.String("repo")
	env := c.String("env")

	for {
		pending, err := dao.QueryPending(c.Context, repo, env)
		if err != nil {
			return fmt.Errorf("failed to query pending runs: %w", err)
		}

		for _, record := range pending {
			trigger := pipeline.Trigger{
				Repo:     record.Repo,
				CloneURL: record.CloneURL,
				Ref:      record.Branch,
				Commit:   record.Commit,
				Source:   "work",
			}
			// Failures are recorded on the run; keep draining
			if err := p.Execute(c.Context, trigger, record.SK); err != nil {
				logger.Warn().Err(err).Str("run_id", record.GetID().String()).Msg("Run failed")
			}
		}

		if !c.Bool("watch") {
			logger.Info().Int("executed", len(pending)).Msg("Drained pending runs")
			return nil
		}

		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-time.After(c.Duration("interval")):
		}
	}
}
