package commands

import (
	"fmt"

	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rhodri/vm-deployer/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// RunCommand returns the run command for one-shot deployments
func RunCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a single deployment run",
		Description: `Runs the full deployment sequence once: checkout, script presence check,
and invocation of the provisioning script. Equivalent to what a push
event triggers, useful for manual deployments and debugging.

Examples:
  # Deploy the default branch of a repository
  vm-deployer run --repo gpu-lab --clone-url https://github.com/rhodri/gpu-lab.git

  # Deploy a specific commit without AWS (secrets from environment)
  DISABLE_AWS=true DISABLE_SSM=true vm-deployer run \
    --repo gpu-lab --clone-url ... --commit abc123`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"r"},
				Usage:    "Repository name",
				Required: true,
				EnvVars:  []string{"REPO"},
			},
			&cli.StringFlag{
				Name:     "clone-url",
				Aliases:  []string{"u"},
				Usage:    "Repository clone URL",
				Required: true,
				EnvVars:  []string{"CLONE_URL"},
			},
			&cli.StringFlag{
				Name:    "ref",
				Usage:   "Branch ref to deploy (defaults to the repository default branch)",
				EnvVars: []string{"REF"},
			},
			&cli.StringFlag{
				Name:    "commit",
				Usage:   "Commit SHA to pin the checkout to",
				EnvVars: []string{"COMMIT"},
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
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	container, err := di.New(c.String("env"),
		di.WithManifestPath(c.String("manifest")),
	)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	p := di.MustGet[*pipeline.Pipeline](container)

	runID, err := p.Run(c.Context, pipeline.Trigger{
		Repo:     c.String("repo"),
		CloneURL: c.String("clone-url"),
		Ref:      c.String("ref"),
		Commit:   c.String("commit"),
		Source:   "manual",
	})
	if err != nil {
		return err
	}

	logger.Info().Str("run_id", runID).Msg("Deployment run completed")
	return nil
}
