package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
)

// ReleasesCommand returns the releases command for inspecting deploy history
func ReleasesCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "releases",
		Aliases: []string{"r"},
		Usage:   "Inspect and roll back deployment releases",
		Description: `List the release history for a site, show a single release with its
step-by-step results, or roll back to the last successful release.

Rollback creates a new release that re-deploys the file set recorded in
the last successful manifest, so the history stays linear and auditable.

Examples:
  # Last 20 releases for a site
  ftp-deployer releases list --site shop --env prod

  # Everything that happened during one release
  ftp-deployer releases show shop/prod:2HFj3kLmNoPqRsTuVwXy

  # Undo a bad deploy
  ftp-deployer releases rollback --site shop --env prod`,
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l", "ls"},
				Usage:   "List releases for a site/env, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "site",
						Aliases:  []string{"s"},
						Usage:    "Site name",
						Required: true,
						EnvVars:  []string{"SITE"},
					},
					&cli.StringFlag{
						Name:     "env",
						Aliases:  []string{"e"},
						Usage:    "Environment (e.g. dev, staging, prod)",
						Required: true,
						EnvVars:  []string{"ENV"},
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of releases to show (0 for all)",
						Value: 20,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output releases as JSON",
					},
				},
				Action: releasesListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one release and its pipeline steps",
				ArgsUsage: "[release-id]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "site",
						Aliases: []string{"s"},
						Usage:   "Site name (with --env, shows the latest release)",
						EnvVars: []string{"SITE"},
					},
					&cli.StringFlag{
						Name:    "env",
						Aliases: []string{"e"},
						Usage:   "Environment (e.g. dev, staging, prod)",
						EnvVars: []string{"ENV"},
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the release and steps as JSON",
					},
				},
				Action: releasesShowAction,
			},
			{
				Name:  "rollback",
				Usage: "Re-deploy the last successful release",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "site",
						Aliases:  []string{"s"},
						Usage:    "Site name",
						Required: true,
						EnvVars:  []string{"SITE"},
					},
					&cli.StringFlag{
						Name:     "env",
						Aliases:  []string{"e"},
						Usage:    "Environment (e.g. dev, staging, prod)",
						Required: true,
						EnvVars:  []string{"ENV"},
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Skip the confirmation prompt",
					},
				},
				Action: releasesRollbackAction,
			},
		},
	}
}

func releasesListAction(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	releases := releasedao.New(st.DB())
	records, err := releases.Query(ctx, releasedao.NewPK(c.String("site"), c.String("env")))
	if err != nil {
		return err
	}

	if limit := c.Int("limit"); limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	if c.Bool("json") {
		jsonBytes, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal releases: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}

	if len(records) == 0 {
		fmt.Printf("No releases found for %s/%s\n", c.String("site"), c.String("env"))
		return nil
	}

	fmt.Println()
	fmt.Printf("Releases for %s/%s\n", c.String("site"), c.String("env"))
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%-29s %-12s %-9s %-16s %-9s %6s  %s\n",
		"RELEASE", "STATUS", "TRIGGER", "BRANCH", "COMMIT", "FILES", "CREATED")
	for _, record := range records {
		fmt.Printf("%-29s %-12s %-9s %-16s %-9s %6d  %s\n",
			record.SK,
			record.Status,
			record.Trigger,
			record.Branch,
			shortCommit(record.CommitHash),
			record.FilesUploaded,
			time.Unix(record.CreatedAt, 0).Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Println()
	fmt.Printf("Total releases: %d\n", len(records))
	fmt.Println()

	return nil
}

func releasesShowAction(c *cli.Context) error {
	ctx := c.Context

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	releases := releasedao.New(st.DB())

	var record releasedao.Record
	switch {
	case c.Args().Len() > 0:
		id := releasedao.ID(c.Args().First())
		if _, _, err := releasedao.ParseID(id); err != nil {
			return err
		}
		record, err = releases.Find(ctx, id)
		if err != nil {
			return err
		}
	case c.String("site") != "" && c.String("env") != "":
		record, err = releases.Latest(ctx, releasedao.NewPK(c.String("site"), c.String("env")))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("specify a release id or both --site and --env")
	}

	steps := stepdao.New(st.DB())
	stepRecords, err := steps.Query(ctx, record.GetID().String())
	if err != nil {
		return err
	}

	if c.Bool("json") {
		jsonBytes, err := json.MarshalIndent(map[string]any{
			"release": record,
			"steps":   stepRecords,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal release: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}

	displayRelease(record, stepRecords)
	return nil
}

func releasesRollbackAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)
	site := c.String("site")
	env := c.String("env")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	releases := releasedao.New(st.DB())
	target, err := releases.LatestSuccessful(ctx, releasedao.NewPK(site, env))
	if err != nil {
		return err
	}

	fmt.Printf("Rolling back %s/%s to release %s\n", site, env, target.SK)
	fmt.Printf("  Deployed: %s (commit %s)\n",
		time.Unix(target.CreatedAt, 0).Format("2006-01-02 15:04:05"),
		shortCommit(target.CommitHash),
	)
	if !c.Bool("force") {
		if !confirm("Are you sure? (yes/no): ") {
			fmt.Println("Rollback cancelled")
			return nil
		}
	}

	source, err := newSecretSource(cfg, logger)
	if err != nil {
		return err
	}

	runner, err := newRunner(ctx, cfg, st, source, *logger)
	if err != nil {
		return err
	}

	record, err := runner.CreateRollback(ctx, site, env, localUser())
	if err != nil {
		return err
	}

	fmt.Printf("Release %s created\n", record.GetID())

	if err := runner.Deploy(ctx, record.GetID()); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Printf("✓ Rolled back %s/%s to the file set of release %s\n", site, env, target.SK)
	return nil
}

func displayRelease(record releasedao.Record, steps []stepdao.Record) {
	fmt.Println()
	fmt.Printf("Release %s\n", record.GetID())
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()
	fmt.Printf("Status:       %s\n", record.Status)
	fmt.Printf("Trigger:      %s (by %s)\n", record.Trigger, record.TriggeredBy)
	fmt.Printf("Branch:       %s\n", record.Branch)
	if record.CommitHash != "" {
		fmt.Printf("Commit:       %s\n", record.CommitHash)
	}
	fmt.Printf("Strategy:     %s\n", record.Strategy)
	if record.RollbackOf != "" {
		fmt.Printf("Rollback of:  %s\n", record.RollbackOf)
	}
	fmt.Printf("Files:        %d uploaded of %d (%d bytes)\n",
		record.FilesUploaded, record.FilesTotal, record.BytesUploaded)
	if record.ArchiveURL != "" {
		fmt.Printf("Archive:      %s\n", record.ArchiveURL)
	}
	fmt.Printf("Created:      %s\n", time.Unix(record.CreatedAt, 0).Format("2006-01-02 15:04:05"))
	if record.FinishedAt != nil {
		fmt.Printf("Finished:     %s (%s)\n",
			time.Unix(*record.FinishedAt, 0).Format("2006-01-02 15:04:05"),
			(time.Duration(*record.FinishedAt-record.CreatedAt) * time.Second).String(),
		)
	}
	if record.ErrorMsg != nil {
		fmt.Printf("Error:        %s\n", *record.ErrorMsg)
	}

	if len(steps) == 0 {
		fmt.Println()
		return
	}

	fmt.Println()
	fmt.Println("Steps:")
	for _, step := range steps {
		fmt.Printf("  %d. %-24s %s%s\n", step.Seq+1, step.Name, step.Status, stepDuration(step))
		if step.Command != "" {
			fmt.Printf("     $ %s\n", step.Command)
		}
		if step.ExitCode != nil && *step.ExitCode != 0 {
			fmt.Printf("     exit code: %d\n", *step.ExitCode)
		}
		if step.ErrorMsg != nil {
			fmt.Printf("     error: %s\n", *step.ErrorMsg)
		}
		if output := strings.TrimSpace(step.Output); output != "" {
			for _, line := range strings.Split(output, "\n") {
				fmt.Printf("     | %s\n", line)
			}
		}
	}
	fmt.Println()
}

func stepDuration(step stepdao.Record) string {
	if step.StartedAt == nil || step.FinishedAt == nil {
		return ""
	}
	return fmt.Sprintf(" (%s)", time.Duration(*step.FinishedAt-*step.StartedAt)*time.Second)
}

func shortCommit(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	if hash == "" {
		return "-"
	}
	return hash
}
