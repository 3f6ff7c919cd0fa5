package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/services"
)

// SecretsCommand returns the secrets command for managing the encrypted vault
func SecretsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage deployment secrets in the encrypted vault",
		Description: `Manage the local encrypted vault that holds deployment credentials.

Secrets are stored per site and environment under {site}/{env}/NAME. The
deployer resolves the standard names at deploy time:
  FTP_SERVER, FTP_USERNAME, FTP_PASSWORD        - upload credentials
  SSH_HOST, SSH_USER, SSH_PRIVATE_KEY           - post-deploy commands
  SSH_PASSPHRASE, DEPLOY_PATH                   - optional

Environment variables with the same names take precedence over the vault,
so CI runs can inject credentials without touching the vault file.`,
		Subcommands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create a new vault",
				Action: secretsInitAction,
			},
			{
				Name:    "set",
				Aliases: []string{"s"},
				Usage:   "Store a secret",
				Description: `Store a secret in the vault. The value is prompted for when --value is
not given, so credentials stay out of the shell history.

Examples:
  # Store the FTP password for shop/prod (prompts for the value)
  ftp-deployer secrets set --site shop --env prod --name FTP_PASSWORD

  # Store a server-scoped secret under its full name
  ftp-deployer secrets set --name server/GITHUB_WEBHOOK_SECRET --value abc123`,
				Flags: append(scopeFlags(),
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Usage:    "Secret name",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "value",
						Aliases: []string{"v"},
						Usage:   "Secret value (prompted when omitted)",
					},
				),
				Action: secretsSetAction,
			},
			{
				Name:  "get",
				Usage: "Print a secret value",
				Flags: append(scopeFlags(),
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Usage:    "Secret name",
						Required: true,
					},
				),
				Action: secretsGetAction,
			},
			{
				Name:    "list",
				Aliases: []string{"l", "ls"},
				Usage:   "List secret names",
				Flags:   scopeFlags(),
				Action:  secretsListAction,
			},
			{
				Name:    "rm",
				Aliases: []string{"delete", "remove"},
				Usage:   "Remove a secret",
				Flags: append(scopeFlags(),
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Usage:    "Secret name",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Skip confirmation prompt",
					},
				),
				Action: secretsRemoveAction,
			},
			{
				Name:  "sync",
				Usage: "Push a site's secrets to GitHub repository secrets",
				Description: `Push the standard secret set for a site to GitHub Actions repository
secrets, encrypted against the repository public key. The generated
workflow reads them as secrets.FTP_SERVER and so on.

Examples:
  ftp-deployer secrets sync --site shop --env prod --repo acme/shop`,
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
						Usage:    "Environment",
						Required: true,
						EnvVars:  []string{"ENV"},
					},
					&cli.StringFlag{
						Name:     "repo",
						Aliases:  []string{"r"},
						Usage:    "Repository in format 'owner/repo'",
						Required: true,
						EnvVars:  []string{"GITHUB_REPO"},
					},
					&cli.StringFlag{
						Name:     "token",
						Aliases:  []string{"t"},
						Usage:    "GitHub token with repo scope",
						Required: true,
						EnvVars:  []string{"GITHUB_TOKEN", "GH_TOKEN"},
					},
				},
				Action: secretsSyncAction,
			},
		},
	}
}

// scopeFlags returns the --site/--env pair shared by the vault subcommands
func scopeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "site",
			Aliases: []string{"s"},
			Usage:   "Site name (scopes the secret to {site}/{env}/NAME)",
			EnvVars: []string{"SITE"},
		},
		&cli.StringFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment",
			EnvVars: []string{"ENV"},
		},
	}
}

// scopedName applies the --site/--env scope to a secret name. Both flags
// must be given together; without them the name is used as-is.
func scopedName(c *cli.Context, name string) (string, error) {
	site := c.String("site")
	env := c.String("env")
	if (site == "") != (env == "") {
		return "", fmt.Errorf("--site and --env must be given together")
	}
	if site == "" {
		return name, nil
	}
	return secrets.Scoped(site, env, name), nil
}

func secretsInitAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := ensureHome(cfg); err != nil {
		return err
	}

	passphrase, err := vaultPassphrase(cfg, true)
	if err != nil {
		return err
	}

	vault, err := secrets.Init(cfg.VaultPath(), passphrase)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Vault initialized at %s\n", vault.Path())
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Store credentials:   ftp-deployer secrets set --site <site> --env <env> --name FTP_PASSWORD")
	fmt.Println("  2. Generate server keys: ftp-deployer setup keys")
	return nil
}

func secretsSetAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	name, err := scopedName(c, c.String("name"))
	if err != nil {
		return err
	}

	value := c.String("value")
	if value == "" {
		raw, err := promptSecret(fmt.Sprintf("Value for %s: ", name))
		if err != nil {
			return err
		}
		value = string(raw)
	}
	if value == "" {
		return fmt.Errorf("secret value must not be empty")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	if err := vault.Set(name, value); err != nil {
		return err
	}

	logger.Info().Str("name", name).Msg("Secret stored")
	fmt.Printf("✓ Stored %s\n", name)
	return nil
}

func secretsGetAction(c *cli.Context) error {
	name, err := scopedName(c, c.String("name"))
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	value, err := vault.Get(name)
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func secretsListAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	prefix := ""
	if c.String("site") != "" || c.String("env") != "" {
		scoped, err := scopedName(c, "")
		if err != nil {
			return err
		}
		prefix = scoped
	}

	names := vault.Names()
	var shown []string
	for _, name := range names {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			shown = append(shown, name)
		}
	}

	if len(shown) == 0 {
		fmt.Println("No secrets stored")
		return nil
	}

	sort.Strings(shown)
	for _, name := range shown {
		fmt.Println(name)
	}
	return nil
}

func secretsRemoveAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	name, err := scopedName(c, c.String("name"))
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	if _, err := vault.Get(name); err != nil {
		return err
	}

	if !c.Bool("force") {
		if !confirm(fmt.Sprintf("Remove secret %s? (yes/no): ", name)) {
			fmt.Println("Removal cancelled")
			return nil
		}
	}

	if err := vault.Delete(name); err != nil {
		return err
	}

	logger.Info().Str("name", name).Msg("Secret removed")
	fmt.Printf("✓ Removed %s\n", name)
	return nil
}

func secretsSyncAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	site := c.String("site")
	env := c.String("env")

	owner, repo, err := splitRepo(c.String("repo"))
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	source, err := newSecretSource(cfg, logger)
	if err != nil {
		return err
	}

	creds, err := secrets.Resolve(c.Context, source, site, env)
	if err != nil {
		return err
	}

	return pushSecrets(c.Context, logger, c.String("token"), owner, repo, creds)
}

// splitRepo parses the owner/repo flag format
func splitRepo(full string) (owner, repo string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo must be in format 'owner/repo', got: %s", full)
	}
	return parts[0], parts[1], nil
}

// pushSecrets uploads each named credential as a GitHub Actions repository
// secret. Values are sealed against the repository public key before they
// leave the process; only the names are ever printed.
func pushSecrets(ctx context.Context, logger *zerolog.Logger, token, owner, repo string, creds map[string]string) error {
	github := services.NewGitHubService(token)

	names := make([]string, 0, len(creds))
	for name, value := range creds {
		if value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		logger.Info().
			Str("owner", owner).
			Str("repo", repo).
			Str("name", name).
			Msg("Creating/updating GitHub secret")
		if err := github.CreateOrUpdateSecret(ctx, owner, repo, name, creds[name]); err != nil {
			return fmt.Errorf("failed to create/update %s secret: %w", name, err)
		}
	}

	fmt.Printf("✓ GitHub secrets created/updated in: %s/%s\n", owner, repo)
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}
