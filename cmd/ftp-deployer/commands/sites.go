package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/utils"
)

// SitesCommand returns the sites command for managing site records
func SitesCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "sites",
		Aliases: []string{"site"},
		Usage:   "Manage deployable sites and their settings",
		Description: `Manage the sites this deployer knows how to deploy.

A site binds a local source directory to a remote deployment path for one
environment. Sites can be configured as:
  - Regular sites (one record per site and environment)
  - A default record (applies to any site in that environment; {site} and
    {env} placeholders in its paths expand per site)`,
		Subcommands: []*cli.Command{
			{
				Name:    "set",
				Aliases: []string{"s"},
				Usage:   "Register or update a site",
				Description: `Register a site or update its settings.

Examples:
  # Register a site deployed over FTP, in-place
  ftp-deployer sites set --site shop --env prod \
    --source-dir ~/code/shop --deploy-path /htdocs

  # Register an SFTP site with versioned release directories
  ftp-deployer sites set --site shop --env prod \
    --source-dir ~/code/shop --deploy-path /home/acme/shop \
    --protocol sftp --strategy release_dir --webroot current/public

  # Register the default record for an environment
  ftp-deployer sites set --default --env staging \
    --source-dir '/srv/checkouts/{site}' --deploy-path '/home/shared/{site}/{env}'

  # Overwrite an existing site
  ftp-deployer sites set --site shop --env prod \
    --source-dir ~/code/shop --deploy-path /htdocs --overwrite`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "site",
						Aliases: []string{"s"},
						Usage:   "Site name",
						EnvVars: []string{"SITE"},
					},
					&cli.StringFlag{
						Name:     "env",
						Aliases:  []string{"e"},
						Usage:    "Environment (e.g. dev, staging, prod)",
						Required: true,
						EnvVars:  []string{"ENV"},
					},
					&cli.BoolFlag{
						Name:    "default",
						Aliases: []string{"d"},
						Usage:   "Write the default record for the environment",
					},
					&cli.StringFlag{
						Name:  "source-dir",
						Usage: "Local directory that gets scanned and uploaded",
					},
					&cli.StringFlag{
						Name:  "branch",
						Usage: "Branch whose pushes trigger a deploy",
						Value: "main",
					},
					&cli.StringFlag{
						Name:  "protocol",
						Usage: "Upload transport: ftp or sftp",
						Value: "ftp",
					},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Upload strategy: in_place or release_dir",
						Value: "in_place",
					},
					&cli.StringFlag{
						Name:  "deploy-path",
						Usage: "Remote path uploads are relative to",
					},
					&cli.StringFlag{
						Name:  "webroot",
						Usage: "Publicly served subdirectory",
					},
					&cli.StringSliceFlag{
						Name:  "exclude",
						Usage: "Extra exclusion pattern (can be specified multiple times)",
					},
					&cli.StringSliceFlag{
						Name:  "var",
						Usage: "Non-secret KEY=VALUE rendered into the remote .env (can be specified multiple times)",
					},
					&cli.StringSliceFlag{
						Name:  "post-deploy",
						Usage: "Replace the post-deploy command list (must keep the built-in commands in order)",
					},
					&cli.BoolFlag{
						Name:    "overwrite",
						Aliases: []string{"o"},
						Usage:   "Overwrite the site if it already exists",
					},
				},
				Action: sitesSetAction,
			},
			{
				Name:    "list",
				Aliases: []string{"l", "ls"},
				Usage:   "List registered sites",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "env",
						Aliases: []string{"e"},
						Usage:   "Only show sites in this environment",
					},
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: sitesListAction,
			},
			{
				Name:    "rm",
				Aliases: []string{"delete", "remove"},
				Usage:   "Remove a site",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "site",
						Aliases: []string{"s"},
						Usage:   "Site name",
					},
					&cli.StringFlag{
						Name:     "env",
						Aliases:  []string{"e"},
						Usage:    "Environment",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "default",
						Aliases: []string{"d"},
						Usage:   "Remove the default record for the environment",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Skip confirmation prompt",
					},
				},
				Action: sitesRemoveAction,
			},
		},
	}
}

// resolveSiteName applies the --default flag: exactly one of --default and
// --site must be given
func resolveSiteName(c *cli.Context) (string, bool, error) {
	name := c.String("site")
	isDefault := c.Bool("default")
	if isDefault && name != "" {
		return "", false, fmt.Errorf("cannot specify both --default and --site")
	}
	if !isDefault && name == "" {
		return "", false, fmt.Errorf("must specify either --default or --site")
	}
	if isDefault {
		name = sitedao.DefaultName
	}
	return name, isDefault, nil
}

func sitesSetAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	name, isDefault, err := resolveSiteName(c)
	if err != nil {
		return err
	}
	env := c.String("env")

	vars, err := utils.ParseVars(c.StringSlice("var"))
	if err != nil {
		return err
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

	id := sitedao.NewID(name, env)
	_, err = sites.Find(c.Context, id)
	switch {
	case err == nil:
		if !c.Bool("overwrite") {
			return fmt.Errorf("site %s already exists. Use --overwrite to replace it", id)
		}
		record, err := sites.Update(c.Context, updateInputFromFlags(c, id))
		if err != nil {
			return fmt.Errorf("failed to update site: %w", err)
		}
		logger.Info().Str("site", record.Name).Str("env", record.Env).Msg("Site updated")
		displaySite(record, isDefault)
		return nil

	case errors.Is(err, errors.ErrSiteNotFound):
		record, err := sites.Create(c.Context, sitedao.CreateInput{
			Name:       name,
			Env:        env,
			SourceDir:  c.String("source-dir"),
			Branch:     c.String("branch"),
			Protocol:   sitedao.Protocol(c.String("protocol")),
			Strategy:   sitedao.Strategy(c.String("strategy")),
			DeployPath: c.String("deploy-path"),
			Webroot:    c.String("webroot"),
			Excludes:   c.StringSlice("exclude"),
			Vars:       vars,
			PostDeploy: c.StringSlice("post-deploy"),
		})
		if err != nil {
			return fmt.Errorf("failed to create site: %w", err)
		}
		logger.Info().Str("site", record.Name).Str("env", record.Env).Msg("Site created")
		displaySite(record, isDefault)
		return nil

	default:
		return fmt.Errorf("failed to check existing site: %w", err)
	}
}

// updateInputFromFlags maps only the flags the operator actually passed, so
// an update never clobbers settings with flag defaults
func updateInputFromFlags(c *cli.Context, id sitedao.ID) sitedao.UpdateInput {
	input := sitedao.UpdateInput{ID: id}
	if c.IsSet("source-dir") {
		v := c.String("source-dir")
		input.SourceDir = &v
	}
	if c.IsSet("branch") {
		v := c.String("branch")
		input.Branch = &v
	}
	if c.IsSet("protocol") {
		v := sitedao.Protocol(c.String("protocol"))
		input.Protocol = &v
	}
	if c.IsSet("strategy") {
		v := sitedao.Strategy(c.String("strategy"))
		input.Strategy = &v
	}
	if c.IsSet("deploy-path") {
		v := c.String("deploy-path")
		input.DeployPath = &v
	}
	if c.IsSet("webroot") {
		v := c.String("webroot")
		input.Webroot = &v
	}
	if c.IsSet("exclude") {
		v := c.StringSlice("exclude")
		input.Excludes = &v
	}
	if c.IsSet("var") {
		v, _ := utils.ParseVars(c.StringSlice("var"))
		input.Vars = &v
	}
	if c.IsSet("post-deploy") {
		v := c.StringSlice("post-deploy")
		input.PostDeploy = &v
	}
	return input
}

func sitesListAction(c *cli.Context) error {
	env := c.String("env")
	showJSON := c.Bool("json")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := sitedao.New(st.DB()).Query(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list sites: %w", err)
	}

	if env != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.Env == env {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if len(records) == 0 {
		fmt.Println("No sites registered")
		return nil
	}

	if showJSON {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			return nil
		}
		fmt.Println(string(data))
		return nil
	}

	for i, record := range records {
		if i > 0 {
			fmt.Println()
			fmt.Println(strings.Repeat("-", 60))
		}
		displaySite(record, record.Name == sitedao.DefaultName)
	}
	return nil
}

func sitesRemoveAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	name, isDefault, err := resolveSiteName(c)
	if err != nil {
		return err
	}
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
	sites := sitedao.New(st.DB())

	id := sitedao.NewID(name, env)
	if _, err := sites.Find(c.Context, id); err != nil {
		if errors.Is(err, errors.ErrSiteNotFound) {
			if isDefault {
				fmt.Printf("No default record found for environment: %s\n", env)
			} else {
				fmt.Printf("No site found for %s\n", id)
			}
			return nil
		}
		return err
	}

	if !c.Bool("force") {
		if isDefault {
			fmt.Printf("About to remove the default record for environment: %s\n", env)
		} else {
			fmt.Printf("About to remove site %s\n", id)
		}
		if !confirm("Are you sure? (yes/no): ") {
			fmt.Println("Removal cancelled")
			return nil
		}
	}

	if err := sites.Delete(c.Context, id); err != nil {
		return fmt.Errorf("failed to remove site: %w", err)
	}

	logger.Info().Str("site", name).Str("env", env).Msg("Site removed")
	fmt.Printf("✓ Removed %s\n", id)
	return nil
}

// displaySite prints a site record in a readable format
func displaySite(record sitedao.Record, isDefault bool) {
	fmt.Println()
	if isDefault {
		fmt.Printf("Default record for environment: %s\n", record.Env)
		fmt.Println("({site} and {env} placeholders expand per site)")
	} else {
		fmt.Printf("Site %s (environment: %s)\n", record.Name, record.Env)
	}
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()
	fmt.Printf("Source dir:  %s\n", record.SourceDir)
	fmt.Printf("Branch:      %s\n", record.Branch)
	fmt.Printf("Protocol:    %s\n", record.Protocol)
	fmt.Printf("Strategy:    %s\n", record.Strategy)
	fmt.Printf("Deploy path: %s\n", record.DeployPath)
	if record.Webroot != "" {
		fmt.Printf("Webroot:     %s\n", record.Webroot)
	}
	if len(record.Excludes) > 0 {
		fmt.Printf("Extra excludes: %s\n", strings.Join(record.Excludes, ", "))
	}
	if len(record.Vars) > 0 {
		fmt.Println("Vars:")
		for _, key := range sortedKeys(record.Vars) {
			fmt.Printf("  %s=%s\n", key, record.Vars[key])
		}
	}
	if len(record.PostDeploy) > 0 {
		fmt.Println("Post-deploy commands:")
		for i, command := range record.PostDeploy {
			fmt.Printf("  %d. %s\n", i+1, command)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
