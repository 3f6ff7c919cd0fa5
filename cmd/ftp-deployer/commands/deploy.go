package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/savaki/ftp-deployer/internal/pipeline"
)

// watchDebounce batches bursts of file events into one redeploy
const watchDebounce = 500 * time.Millisecond

// DeployCommand returns the deploy command for running a release locally
func DeployCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "deploy",
		Aliases: []string{"d"},
		Usage:   "Deploy a site from the local working tree",
		Description: `Run the full deploy pipeline for a registered site: scan the source
directory, upload over FTP or SFTP, and run the post-deployment commands
over SSH.

Examples:
  # Deploy the shop site to production
  ftp-deployer deploy --site shop --env prod

  # See what would be uploaded without connecting
  ftp-deployer deploy --site shop --env prod --dry-run

  # Redeploy on every local change (development convenience)
  ftp-deployer deploy --site shop --env dev --watch`,
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
			&cli.StringFlag{
				Name:  "commit",
				Usage: "Commit hash to record on the release",
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"n"},
				Usage:   "Print the upload plan and policy result without connecting",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Watch the source directory and redeploy on change",
			},
		},
		Action: deployAction,
	}
}

func deployAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

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

	source, err := newSecretSource(cfg, logger)
	if err != nil {
		return err
	}

	runner, err := newRunner(c.Context, cfg, st, source, *logger)
	if err != nil {
		return err
	}

	if c.Bool("dry-run") {
		return dryRunAction(c.Context, runner, site, env)
	}

	if c.Bool("watch") {
		return watchAction(c.Context, runner, c.String("commit"), site, env)
	}

	return runOnce(c.Context, runner, site, env, c.String("commit"))
}

// runOnce records one release and runs it to completion in-process
func runOnce(ctx context.Context, runner *pipeline.Runner, site, env, commit string) error {
	record, err := runner.Submit(ctx, pipeline.SubmitInput{
		Site:        site,
		Env:         env,
		CommitHash:  commit,
		Trigger:     releasedao.TriggerManual,
		TriggeredBy: localUser(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Release %s created\n", record.GetID())

	if err := runner.Deploy(ctx, record.GetID()); err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}

	fmt.Printf("✓ Release %s deployed\n", record.GetID())
	return nil
}

// dryRunAction prints what a deploy would do without opening a connection
func dryRunAction(ctx context.Context, runner *pipeline.Runner, site, env string) error {
	preview, err := runner.Preview(ctx, sitedao.NewID(site, env))
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Deploy plan for %s/%s\n", preview.Site.Name, preview.Site.Env)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()
	fmt.Printf("Source:      %s\n", preview.Site.SourceDir)
	fmt.Printf("Protocol:    %s\n", preview.Site.Protocol)
	fmt.Printf("Strategy:    %s\n", preview.Site.Strategy)
	fmt.Printf("Deploy path: %s\n", preview.Site.DeployPath)
	fmt.Println()

	fmt.Printf("Files after exclusions: %d (%d bytes)\n", len(preview.Manifest.Files), preview.Manifest.TotalSize())
	if preview.Changes.Empty() {
		fmt.Println("No changes against the last successful release")
	} else {
		if len(preview.Changes.Added) > 0 {
			fmt.Printf("Added (%d):\n", len(preview.Changes.Added))
			for _, p := range preview.Changes.Added {
				fmt.Printf("  + %s\n", p)
			}
		}
		if len(preview.Changes.Changed) > 0 {
			fmt.Printf("Changed (%d):\n", len(preview.Changes.Changed))
			for _, p := range preview.Changes.Changed {
				fmt.Printf("  ~ %s\n", p)
			}
		}
		if len(preview.Changes.Removed) > 0 {
			fmt.Printf("Removed (%d):\n", len(preview.Changes.Removed))
			for _, p := range preview.Changes.Removed {
				fmt.Printf("  - %s\n", p)
			}
		}
	}
	fmt.Println()

	fmt.Println("Post-deploy commands:")
	for i, command := range preview.Commands {
		fmt.Printf("  %d. %s\n", i+1, command)
	}
	fmt.Println()

	if !preview.Result.Allowed {
		fmt.Println("Policy violations:")
		for _, v := range preview.Result.Violations {
			fmt.Printf("  ✗ %s\n", v)
		}
		return fmt.Errorf("deploy would be blocked by policy")
	}

	fmt.Println("✓ Policy allows this deploy")
	return nil
}

// watchAction deploys once, then redeploys whenever the source tree changes.
// Events are debounced so editors that write several files in a burst
// trigger a single release.
func watchAction(ctx context.Context, runner *pipeline.Runner, commit, site, env string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.Ctx(ctx)

	preview, err := runner.Preview(ctx, sitedao.NewID(site, env))
	if err != nil {
		return err
	}
	root := preview.Site.SourceDir
	excludes, err := manifest.NewExcludeSet(append(manifest.DefaultExcludes(), preview.Site.Excludes...))
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, root, root, excludes); err != nil {
		return err
	}

	if err := runOnce(ctx, runner, site, env, commit); err != nil {
		logger.Error().Err(err).Msg("Initial deploy failed")
	}

	fmt.Printf("Watching %s for changes (Ctrl-C to stop)\n", root)

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(root, event.Name)
			if err != nil || excludes.Match(filepath.ToSlash(rel)) {
				continue
			}
			// New directories need their own watch
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchTree(watcher, root, event.Name, excludes)
				}
			}
			logger.Debug().Str("path", rel).Str("op", event.Op.String()).Msg("Change detected")
			if pending == nil {
				pending = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watch error")

		case <-fire:
			pending = nil
			if err := runOnce(ctx, runner, site, env, commit); err != nil {
				logger.Error().Err(err).Msg("Deploy failed, still watching")
			}
		}
	}
}

// watchTree registers dir and every non-excluded directory under it.
// Exclusion patterns match paths relative to the site root.
func watchTree(watcher *fsnotify.Watcher, root, dir string, excludes *manifest.ExcludeSet) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel != "." && excludes.MatchDir(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}
