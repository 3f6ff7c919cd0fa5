package commands

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/transport"
)

// SyncCommand returns the sync command for cleaning up orphaned remote files
func SyncCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Clean up remote files no release put there",
		Description: `Compares the remote file listing against the manifest of the last
successful release and reports every file the deployer did not upload.
Orphans accumulate when files are renamed locally (in_place uploads never
remove the old name) or when someone uploads by hand.

For release_dir sites, sync instead prunes old release directories,
keeping the most recent successful releases plus anything still running.

Files matching the exclusion list are never touched: a remote .env or a
hand-managed uploads/ directory survives a sync.

Examples:
  # Dry run - show what would be deleted (default)
  ftp-deployer sync --site shop --env prod

  # Execute deletion
  ftp-deployer sync --site shop --env prod --execute

  # Skip confirmation prompt
  ftp-deployer sync --site shop --env prod --execute --force

  # Keep the five newest release directories
  ftp-deployer sync --site shop --env prod --keep 5 --execute`,
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
				Name:    "execute",
				Aliases: []string{"x"},
				Usage:   "Actually perform deletions (default is dry-run)",
			},
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Skip confirmation prompt",
			},
			&cli.IntFlag{
				Name:    "keep",
				Aliases: []string{"k"},
				Usage:   "Release directories to keep (release_dir sites only)",
				Value:   3,
			},
		},
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)
	execute := c.Bool("execute")
	force := c.Bool("force")

	keep := c.Int("keep")
	if keep < 1 {
		return fmt.Errorf("--keep must be at least 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sites := sitedao.New(st.DB())
	site, err := sites.GetWithDefault(ctx, c.String("site"), c.String("env"))
	if err != nil {
		return err
	}

	releases := releasedao.New(st.DB())
	pk := releasedao.NewPK(site.Name, site.Env)
	last, err := releases.LatestSuccessful(ctx, pk)
	if err != nil {
		return err
	}

	source, err := newSecretSource(cfg, logger)
	if err != nil {
		return err
	}

	creds, err := secrets.Resolve(ctx, source, site.Name, site.Env)
	if err != nil {
		return err
	}

	deployPath := site.DeployPath
	if p := creds[secrets.NameDeployPath]; p != "" {
		deployPath = p
	}

	conn, err := newDialer(cfg).Dial(ctx, site, creds, deployPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close remote connection")
		}
	}()

	if site.Strategy == sitedao.StrategyReleaseDir {
		return syncReleaseDirs(ctx, conn, releases, pk, deployPath, keep, execute, force)
	}
	return syncInPlace(ctx, conn, site, last, execute, force)
}

// syncInPlace deletes remote files absent from the last successful manifest.
// Excluded paths are left alone.
func syncInPlace(ctx context.Context, conn *pipeline.Conn, site sitedao.Record, last releasedao.Record, execute, force bool) error {
	logger := zerolog.Ctx(ctx)

	if len(last.Manifest) == 0 {
		return fmt.Errorf("release %s has no recorded manifest", last.GetID())
	}
	recorded, err := manifest.Decode(last.Manifest)
	if err != nil {
		return err
	}

	excludes, err := manifest.NewExcludeSet(append(manifest.DefaultExcludes(), site.Excludes...))
	if err != nil {
		return err
	}

	logger.Info().Str("deploy_path", site.DeployPath).Msg("Listing remote files...")
	remote, err := conn.Uploader.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list remote files: %w", err)
	}

	var orphans []string
	for _, p := range remote {
		if _, ok := recorded.Lookup(p); ok {
			continue
		}
		if excludes.Match(p) {
			continue
		}
		orphans = append(orphans, p)
	}
	sort.Strings(orphans)

	fmt.Println()
	fmt.Printf("Remote files: %d, in manifest of release %s: %d\n", len(remote), last.SK, len(recorded.Files))
	if len(orphans) == 0 {
		fmt.Println("No orphaned files found. The remote matches the last successful release.")
		return nil
	}

	fmt.Printf("Found %d orphaned file(s):\n", len(orphans))
	for _, p := range orphans {
		fmt.Printf("  - %s\n", p)
	}
	fmt.Println()

	if !execute {
		fmt.Println("DRY RUN: No files were deleted. Use --execute to actually delete.")
		return nil
	}

	if !force {
		fmt.Printf("About to delete %d file(s) from the remote site.\n", len(orphans))
		if !confirm("Are you sure? (yes/no): ") {
			fmt.Println("Deletion cancelled")
			return nil
		}
	}

	removed := 0
	for _, p := range orphans {
		if err := conn.Uploader.Remove(ctx, p); err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("Failed to remove orphaned file")
			continue
		}
		removed++
	}

	fmt.Printf("✓ Removed %d of %d orphaned file(s)\n", removed, len(orphans))
	return nil
}

// syncReleaseDirs prunes old releases/{id} directories, keeping the newest
// successful ones plus anything not yet finished. Needs SSH: directory
// removal is a shell operation.
func syncReleaseDirs(ctx context.Context, conn *pipeline.Conn, releases *releasedao.DAO, pk releasedao.PK, deployPath string, keep int, execute, force bool) error {
	logger := zerolog.Ctx(ctx)

	if conn.Runner == nil {
		return fmt.Errorf("%w: pruning release directories needs a shell", errors.ErrSSHNotConfigured)
	}

	remote, err := conn.Uploader.List(ctx, "releases")
	if err != nil {
		return fmt.Errorf("failed to list release directories: %w", err)
	}
	dirs := make(map[string]bool)
	for _, p := range remote {
		if i := strings.IndexByte(p, '/'); i > 0 {
			dirs[p[:i]] = true
		}
	}

	records, err := releases.Query(ctx, pk)
	if err != nil {
		return err
	}
	kept := make(map[string]bool)
	successes := 0
	for _, record := range records { // newest first
		switch record.Status {
		case releasedao.StatusPending, releasedao.StatusInProgress:
			kept[record.SK] = true
		case releasedao.StatusSuccess:
			if successes < keep {
				kept[record.SK] = true
				successes++
			}
		}
	}

	var orphans []string
	for dir := range dirs {
		if !kept[dir] {
			orphans = append(orphans, dir)
		}
	}
	sort.Strings(orphans)

	fmt.Println()
	fmt.Printf("Remote release directories: %d, keeping %d\n", len(dirs), len(dirs)-len(orphans))
	if len(orphans) == 0 {
		fmt.Println("No release directories to prune.")
		return nil
	}

	fmt.Printf("Found %d release director(ies) to prune:\n", len(orphans))
	for _, dir := range orphans {
		fmt.Printf("  - releases/%s\n", dir)
	}
	fmt.Println()

	if !execute {
		fmt.Println("DRY RUN: Nothing was deleted. Use --execute to actually delete.")
		return nil
	}

	if !force {
		fmt.Printf("About to delete %d release director(ies) from the remote site.\n", len(orphans))
		if !confirm("Are you sure? (yes/no): ") {
			fmt.Println("Deletion cancelled")
			return nil
		}
	}

	removed := 0
	for _, dir := range orphans {
		target := path.Join(deployPath, "releases", dir)
		line := fmt.Sprintf("rm -rf %s", transport.ShellQuote(target))
		res, err := conn.Runner.Run(ctx, line)
		if err != nil {
			logger.Warn().Err(err).Str("dir", dir).Str("output", res.Output).Msg("Failed to prune release directory")
			continue
		}
		removed++
	}

	fmt.Printf("✓ Pruned %d of %d release director(ies)\n", removed, len(orphans))
	return nil
}
