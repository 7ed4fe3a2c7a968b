package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// RunsCommand returns the runs command for inspecting deployment history
func RunsCommand(logger *zerolog.Logger) *cli.Command {
	envFlag := &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Deployment environment (dev, stg, or prd)",
		Value:   "dev",
		EnvVars: []string{"ENV"},
	}
	jsonFlag := &cli.BoolFlag{
		Name:    "json",
		Aliases: []string{"j"},
		Usage:   "Output as JSON",
	}

	return &cli.Command{
		Name:    "runs",
		Aliases: []string{"r"},
		Usage:   "Inspect deployment run history",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List runs for a repository, or the latest run per repository",
				Description: `Without --repo, shows the most recent run for every repository in the
environment. With --repo, shows the full history for that repository,
newest first.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "repo",
						Aliases: []string{"r"},
						Usage:   "Repository name (omit to show latest run per repo)",
						EnvVars: []string{"REPO"},
					},
					envFlag,
					jsonFlag,
				},
				Action: runsListAction,
			},
			{
				Name:    "show",
				Aliases: []string{"get"},
				Usage:   "Show a single run by ID",
				Flags: []cli.Flag{
					envFlag,
					jsonFlag,
				},
				ArgsUsage: "RUN_ID",
				Action:    runsShowAction,
			},
		},
	}
}

func runsListAction(c *cli.Context) error {
	container, err := di.New(c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	dao := di.MustGet[*rundao.DAO](container)

	var records []rundao.Record
	if repo := c.String("repo"); repo != "" {
		records, err = dao.QueryByRepoEnv(c.Context, repo, c.String("env"))
	} else {
		records, err = dao.QueryLatest(c.Context, c.String("env"))
	}
	if err != nil {
		return fmt.Errorf("failed to query runs: %w", err)
	}

	if c.Bool("json") {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	printRunTable(records)
	return nil
}

func runsShowAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one RUN_ID argument")
	}
	id := rundao.ID(c.Args().First())

	container, err := di.New(c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	dao := di.MustGet[*rundao.DAO](container)

	record, err := dao.Find(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to find run %s: %w", id, err)
	}

	if c.Bool("json") {
		return printJSON(record)
	}

	fmt.Printf("ID:             %s\n", record.GetID())
	fmt.Printf("Status:         %s\n", record.Status)
	fmt.Printf("Repo:           %s\n", record.Repo)
	fmt.Printf("Branch:         %s\n", record.Branch)
	fmt.Printf("Commit:         %s\n", record.Commit)
	fmt.Printf("Server:         %s\n", record.ServerName)
	fmt.Printf("Resource group: %s\n", record.ResourceGroup)
	fmt.Printf("Created:        %s\n", formatUnix(record.CreatedAt))
	if record.FinishedAt != nil {
		fmt.Printf("Finished:       %s\n", formatUnix(*record.FinishedAt))
	}
	if record.TranscriptKey != "" {
		fmt.Printf("Transcript:     %s\n", record.TranscriptKey)
	}
	if record.ErrorMsg != nil {
		fmt.Printf("Error:          %s\n", *record.ErrorMsg)
	}
	return nil
}

func printRunTable(records []rundao.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tBRANCH\tCOMMIT\tCREATED")
	for _, r := range records {
		commit := r.Commit
		if len(commit) > 8 {
			commit = commit[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.GetID(), r.Status, r.Branch, commit, formatUnix(r.CreatedAt))
	}
	w.Flush()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
