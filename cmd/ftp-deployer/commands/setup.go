package commands

import (
	"bytes"
	"crypto/rand"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/archive"
	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/services"
	"github.com/savaki/ftp-deployer/internal/trigger"
)

//go:embed templates/deploy.yml.tmpl
var workflowTemplate string

// workflowPath is where the generated workflow lands, relative to the
// repository root
const workflowPath = ".github/workflows/deploy.yml"

// SetupCommand returns the setup command for one-time configuration tasks
func SetupCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "One-time configuration: workflow file, server keys, deploy tokens",
		Subcommands: []*cli.Command{
			{
				Name:  "github",
				Usage: "Write the GitHub Actions deployment workflow for a site",
				Description: `Write .github/workflows/deploy.yml into a site's repository.

The workflow triggers on pushes to the site's bound branch, uploads over
FTP with the mandatory exclusions applied, and runs the post-deployment
commands over SSH. Credentials come from GitHub repository secrets with
the same names the deployer resolves locally.

Examples:
  # Write the workflow into the site's source directory
  ftp-deployer setup github --site shop --env prod

  # Write it elsewhere and push the site's secrets to GitHub in one go
  ftp-deployer setup github --site shop --env prod \
    --dir ~/code/shop --push-secrets --repo acme/shop`,
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
						Name:  "dir",
						Usage: "Repository root to write the workflow into (defaults to the site's source dir)",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Overwrite an existing workflow file",
					},
					&cli.BoolFlag{
						Name:  "push-secrets",
						Usage: "Also push the site's secrets to GitHub repository secrets",
					},
					&cli.StringFlag{
						Name:    "repo",
						Aliases: []string{"r"},
						Usage:   "Repository in format 'owner/repo' (required with --push-secrets)",
						EnvVars: []string{"GITHUB_REPO"},
					},
					&cli.StringFlag{
						Name:    "token",
						Aliases: []string{"t"},
						Usage:   "GitHub token with repo scope (required with --push-secrets)",
						EnvVars: []string{"GITHUB_TOKEN", "GH_TOKEN"},
					},
				},
				Action: setupGitHubAction,
			},
			{
				Name:  "keys",
				Usage: "Generate the server-side key material in the vault",
				Description: `Generate the secrets the server needs: the GitHub webhook shared
secret, the deploy token signing key, the session cookie keys, and the
release archive signing key. Existing entries are kept unless --rotate
is given.

Examples:
  # Create whichever keys are missing
  ftp-deployer setup keys

  # Rotate everything
  ftp-deployer setup keys --rotate`,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "rotate",
						Usage: "Regenerate keys that already exist",
					},
				},
				Action: setupKeysAction,
			},
			{
				Name:  "token",
				Usage: "Issue a deploy token for the manual release API",
				Description: `Issue a signed bearer token that authorizes POST /api/releases against
the server. Tokens are signed with the deploy token key from the vault
(see 'setup keys').`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Token subject, recorded as triggered_by on releases",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: setupTokenAction,
			},
		},
	}
}

// workflowData feeds the embedded workflow template
type workflowData struct {
	Site     string
	Env      string
	Branch   string
	Excludes []string
	Commands []string
}

// RenderWorkflow renders the deployment workflow for a site. The template
// uses [[ ]] delimiters because the output itself is full of ${{ }}
// expressions.
func RenderWorkflow(site sitedao.Record) ([]byte, error) {
	commands, err := pipeline.PlanCommands(site.PostDeploy)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New("deploy.yml").Delims("[[", "]]").Parse(workflowTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow template: %w", err)
	}

	branch := site.Branch
	if branch == "" {
		branch = "main"
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, workflowData{
		Site:     site.Name,
		Env:      site.Env,
		Branch:   branch,
		Excludes: workflowExcludes(append(manifest.DefaultExcludes(), site.Excludes...)),
		Commands: commands,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render workflow: %w", err)
	}
	return buf.Bytes(), nil
}

// workflowExcludes converts the deployer's exclusion patterns into the glob
// form the upload action expects: directory subtrees become dir/**.
func workflowExcludes(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			p += "**"
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func setupGitHubAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	siteName := c.String("site")
	env := c.String("env")

	if c.Bool("push-secrets") {
		if c.String("repo") == "" {
			return fmt.Errorf("--repo is required with --push-secrets")
		}
		if c.String("token") == "" {
			return fmt.Errorf("--token is required with --push-secrets")
		}
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

	site, err := sitedao.New(st.DB()).GetWithDefault(c.Context, siteName, env)
	if err != nil {
		return err
	}

	content, err := RenderWorkflow(site)
	if err != nil {
		return err
	}

	dir := c.String("dir")
	if dir == "" {
		dir = site.SourceDir
	}
	target := filepath.Join(dir, filepath.FromSlash(workflowPath))

	if _, err := os.Stat(target); err == nil && !c.Bool("force") {
		return fmt.Errorf("workflow already exists at %s. Use --force to replace it", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow: %w", err)
	}

	logger.Info().
		Str("site", site.Name).
		Str("env", site.Env).
		Str("path", target).
		Msg("Workflow written")

	fmt.Printf("✓ Workflow written to %s\n", target)
	fmt.Printf("✓ Triggers on pushes to: %s\n", site.Branch)

	if c.Bool("push-secrets") {
		owner, repo, err := splitRepo(c.String("repo"))
		if err != nil {
			return err
		}
		source, err := newSecretSource(cfg, logger)
		if err != nil {
			return err
		}
		creds, err := secrets.Resolve(c.Context, source, site.Name, site.Env)
		if err != nil {
			return err
		}
		if err := pushSecrets(c.Context, logger, c.String("token"), owner, repo, creds); err != nil {
			return err
		}
	} else {
		fmt.Println("\nThe workflow reads these GitHub repository secrets:")
		for _, name := range secrets.RequiredNames() {
			fmt.Printf("  - %s\n", name)
		}
		fmt.Println("Push them with: ftp-deployer secrets sync --site", site.Name, "--env", site.Env, "--repo <owner/repo>")
	}

	return nil
}

func setupKeysAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)
	rotate := c.Bool("rotate")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	// Webhook shared secret. GitHub needs the value, so it is printed when
	// generated.
	created, err := ensureVaultSecret(vault, trigger.WebhookSecretName, rotate, func() (string, error) {
		return randomHex(32)
	})
	if err != nil {
		return err
	}
	if created {
		value, err := vault.Get(trigger.WebhookSecretName)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Webhook secret generated\n")
		fmt.Printf("  Configure it on the GitHub webhook (content type application/json):\n")
		fmt.Printf("  %s\n", value)
	} else {
		fmt.Printf("✓ Webhook secret already present (use --rotate to replace)\n")
	}

	// Deploy token signing key
	created, err = ensureVaultSecret(vault, auth.TokenKeyName, rotate, func() (string, error) {
		return randomBase64(32)
	})
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("✓ Deploy token key generated\n")
	} else {
		fmt.Printf("✓ Deploy token key already present\n")
	}
	if created && rotate {
		fmt.Println("  Previously issued deploy tokens are now invalid")
	}

	// Session cookie keys rotate by prepending, so older sessions stay
	// valid until their key ages out
	if rotate || !vaultHas(vault, services.SessionKeysName) {
		versions, err := services.RotateSessionKeys(vault)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Session keys rotated (%d active)\n", len(versions))
	} else {
		fmt.Printf("✓ Session keys already present\n")
	}

	// Release archive signing key
	created, err = ensureVaultSecret(vault, archive.SigningKeyName, rotate, func() (string, error) {
		seed, err := archive.GenerateSeed()
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(seed), nil
	})
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("✓ Archive signing key generated\n")
	} else {
		fmt.Printf("✓ Archive signing key already present\n")
	}
	if value, err := vault.Get(archive.SigningKeyName); err == nil {
		if seed, err := base64.StdEncoding.DecodeString(value); err == nil {
			if signer, err := archive.NewSigner(seed); err == nil {
				fmt.Printf("  Verification public key: %s\n", hex.EncodeToString(signer.PublicKey()))
			}
		}
	}

	logger.Info().Msg("Server key material ready")
	return nil
}

// ensureVaultSecret writes a generated value under name unless one already
// exists. Returns whether a new value was written.
func ensureVaultSecret(vault *secrets.Vault, name string, rotate bool, generate func() (string, error)) (bool, error) {
	if !rotate && vaultHas(vault, name) {
		return false, nil
	}
	value, err := generate()
	if err != nil {
		return false, err
	}
	if err := vault.Set(name, value); err != nil {
		return false, err
	}
	return true, nil
}

func vaultHas(vault *secrets.Vault, name string) bool {
	_, err := vault.Get(name)
	return err == nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomBase64(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func setupTokenAction(c *cli.Context) error {
	subject := c.String("subject")
	if subject == "" {
		subject = localUser()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	key, err := vault.Get(auth.TokenKeyName)
	if errors.Is(err, errors.ErrSecretNotFound) {
		return fmt.Errorf("no deploy token key in the vault; run 'ftp-deployer setup keys' first")
	}
	if err != nil {
		return err
	}

	issuer, err := auth.NewTokenIssuer([]byte(key))
	if err != nil {
		return err
	}

	token, err := issuer.Issue(subject, c.Duration("ttl"))
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
