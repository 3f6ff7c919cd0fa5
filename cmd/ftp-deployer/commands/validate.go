package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/secrets"
)

// secretRefPattern matches ${{ secrets.NAME }} references in a workflow file
var secretRefPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ValidateCommand returns the validate command for pre-flight configuration checks
func ValidateCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Check site configuration, secrets, and workflow before deploying",
		Description: `Run every pre-flight check a deploy would run, without connecting to
anything: the source directory scans cleanly, every required secret
resolves from the vault or the environment, the post-deployment commands
keep their documented order, the mandatory exclusions are intact, and
the deploy policy allows the plan.

If the site has a generated GitHub Actions workflow, the workflow file
is checked too: every secret it references must be defined, and the
exclusion list and remote command order must match what this tool
generates.

Examples:
  # Validate one site
  ftp-deployer validate --site shop --env prod

  # Validate every site registered for an environment
  ftp-deployer validate --env prod

  # Validate everything
  ftp-deployer validate`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "site",
				Aliases: []string{"s"},
				Usage:   "Site name (requires --env)",
				EnvVars: []string{"SITE"},
			},
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Environment to validate",
				EnvVars: []string{"ENV"},
			},
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "Path to the workflow file (default: {source-dir}/.github/workflows/deploy.yml)",
			},
		},
		Action: validateAction,
	}
}

func validateAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)

	if c.String("site") != "" && c.String("env") == "" {
		return fmt.Errorf("--env is required with --site")
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

	var records []sitedao.Record
	if c.String("site") != "" {
		record, err := sites.GetWithDefault(ctx, c.String("site"), c.String("env"))
		if err != nil {
			return err
		}
		records = []sitedao.Record{record}
	} else {
		records, err = sites.Query(ctx)
		if err != nil {
			return err
		}
		kept := records[:0]
		for _, record := range records {
			if record.Name == sitedao.DefaultName {
				continue // placeholders only expand for a concrete site
			}
			if env := c.String("env"); env != "" && record.Env != env {
				continue
			}
			kept = append(kept, record)
		}
		records = kept
	}

	if len(records) == 0 {
		fmt.Println("No sites to validate")
		return nil
	}

	source, err := newSecretSource(cfg, logger)
	if err != nil {
		return err
	}

	validator, err := policy.NewValidator()
	if err != nil {
		return err
	}

	failed := make([]string, 0, len(records))
	for _, record := range records {
		problems := validateSite(ctx, source, validator, record, c.String("workflow"))
		if len(problems) > 0 {
			failed = append(failed, fmt.Sprintf("%s/%s", record.Name, record.Env))
		}
	}

	fmt.Println()
	if len(failed) > 0 {
		return fmt.Errorf("validation failed for: %s", strings.Join(failed, ", "))
	}
	fmt.Printf("✓ All %d site(s) valid\n", len(records))
	return nil
}

// validateSite runs every check for one site, printing results as it goes,
// and returns the list of problems found.
func validateSite(ctx context.Context, source secrets.Source, validator *policy.Validator, site sitedao.Record, workflowOverride string) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	fmt.Println()
	fmt.Printf("Validating %s/%s\n", site.Name, site.Env)
	fmt.Println(strings.Repeat("=", 60))

	// Source directory
	fmt.Println()
	fmt.Println("Source:")
	patterns := append(manifest.DefaultExcludes(), site.Excludes...)
	filesTotal := 0
	excludeSet, err := manifest.NewExcludeSet(patterns)
	if err != nil {
		fail("invalid exclusion pattern: %v", err)
		fmt.Printf("  ✗ %v\n", err)
	} else if scan, err := manifest.Scan(site.SourceDir, excludeSet); err != nil {
		fail("source scan failed: %v", err)
		fmt.Printf("  ✗ %s: %v\n", site.SourceDir, err)
	} else {
		filesTotal = len(scan.Files)
		fmt.Printf("  ✓ %s (%d files after exclusions, %d bytes)\n", site.SourceDir, filesTotal, scan.TotalSize())
		if filesTotal == 0 {
			fail("no files to deploy after exclusions")
		}
	}

	// Secret coverage
	fmt.Println()
	fmt.Println("Secrets:")
	optional := make(map[string]bool)
	for _, name := range secrets.OptionalNames() {
		optional[name] = true
	}
	resolved := make(map[string]bool)
	for _, name := range secrets.RequiredNames() {
		_, err := source.GetSecret(ctx, secrets.Scoped(site.Name, site.Env, name))
		switch {
		case err == nil:
			resolved[name] = true
			fmt.Printf("  ✓ %s\n", name)
		case errors.Is(err, errors.ErrSecretNotFound) && optional[name]:
			fmt.Printf("  - %s (optional, unset)\n", name)
		case errors.Is(err, errors.ErrSecretNotFound):
			fail("secret %s is not defined in the vault or environment", name)
			fmt.Printf("  ✗ %s (not defined)\n", name)
		default:
			fail("secret %s: %v", name, err)
			fmt.Printf("  ✗ %s (%v)\n", name, err)
		}
	}

	// Post-deploy command order
	fmt.Println()
	fmt.Println("Post-deploy commands:")
	commands, err := pipeline.PlanCommands(site.PostDeploy)
	if err != nil {
		fail("%v", err)
		fmt.Printf("  ✗ %v\n", err)
	} else {
		fmt.Printf("  ✓ %d commands in canonical order\n", len(commands))
	}

	// Mandatory exclusions
	fmt.Println()
	fmt.Println("Exclusions:")
	if missing := manifest.MissingMandatory(patterns); len(missing) > 0 {
		fail("mandatory exclusions missing: %s", strings.Join(missing, ", "))
		fmt.Printf("  ✗ missing: %s\n", strings.Join(missing, ", "))
	} else {
		fmt.Printf("  ✓ mandatory exclusions intact (%d patterns total)\n", len(patterns))
	}

	// Generated workflow, if one exists
	workflowFile := workflowOverride
	if workflowFile == "" {
		workflowFile = filepath.Join(site.SourceDir, workflowPath)
	}
	fmt.Println()
	fmt.Printf("Workflow (%s):\n", workflowFile)
	if data, err := os.ReadFile(workflowFile); err == nil {
		problems = append(problems, validateWorkflow(ctx, source, site, string(data))...)
	} else if os.IsNotExist(err) {
		fmt.Println("  - not generated; run 'ftp-deployer setup github' to create one")
	} else {
		fail("failed to read workflow: %v", err)
		fmt.Printf("  ✗ %v\n", err)
	}

	// Deploy policy
	fmt.Println()
	fmt.Println("Policy:")
	result, err := validator.ValidatePlan(ctx, policy.PlanInput{
		Site:         site.Name,
		Env:          site.Env,
		Branch:       site.Branch,
		DeployBranch: site.Branch,
		Trigger:      string(releasedao.TriggerPush),
		Strategy:     string(site.Strategy),
		Excludes:     patterns,
		FilesTotal:   filesTotal,
		HasSSH:       resolved[secrets.NameSSHHost],
	})
	if err != nil {
		fail("policy evaluation failed: %v", err)
		fmt.Printf("  ✗ %v\n", err)
	} else if result.Allowed {
		fmt.Println("  ✓ deploy allowed")
	} else {
		for _, violation := range result.Violations {
			fail("policy: %s", violation)
			fmt.Printf("  ✗ %s\n", violation)
		}
	}

	fmt.Println()
	if len(problems) == 0 {
		fmt.Printf("✓ %s/%s is ready to deploy\n", site.Name, site.Env)
	} else {
		fmt.Printf("✗ %s/%s has %d problem(s)\n", site.Name, site.Env, len(problems))
	}
	return problems
}

// validateWorkflow checks a generated workflow file: every secret it
// references must resolve, the mandatory exclusions must survive in the
// upload step, and the remote commands must keep their documented order.
func validateWorkflow(ctx context.Context, source secrets.Source, site sitedao.Record, content string) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	seen := make(map[string]bool)
	missing := 0
	for _, match := range secretRefPattern.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, err := source.GetSecret(ctx, secrets.Scoped(site.Name, site.Env, name)); err != nil {
			missing++
			fail("workflow references secret %s which is not defined", name)
			fmt.Printf("  ✗ references %s (not defined)\n", name)
		}
	}
	if len(seen) == 0 {
		fail("workflow references no secrets; credentials appear to be hardcoded or missing")
		fmt.Println("  ✗ no secret references found")
	} else if missing == 0 {
		fmt.Printf("  ✓ all %d referenced secrets defined\n", len(seen))
	}

	var removed []string
	for _, pattern := range workflowExcludes(manifest.DefaultExcludes()) {
		if !strings.Contains(content, pattern) {
			removed = append(removed, pattern)
		}
	}
	if len(removed) > 0 {
		fail("workflow dropped mandatory exclusions: %s", strings.Join(removed, ", "))
		fmt.Printf("  ✗ exclusions removed: %s\n", strings.Join(removed, ", "))
	} else {
		fmt.Println("  ✓ mandatory exclusions present")
	}

	pos := -1
	ordered := true
	for _, command := range pipeline.CanonicalCommands() {
		next := strings.Index(content, command)
		if next < 0 || next < pos {
			ordered = false
			fail("workflow remote commands do not match the documented order (missing or misplaced: %s)", command)
			fmt.Printf("  ✗ command missing or out of order: %s\n", command)
		}
		if next >= 0 {
			pos = next
		}
	}
	if ordered {
		fmt.Println("  ✓ remote commands in documented order")
	}

	return problems
}
