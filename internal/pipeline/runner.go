package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/archive"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/transport"
	"github.com/savaki/ftp-deployer/internal/utils"
	"github.com/segmentio/ksuid"
)

const maxStepOutput = 64 << 10

// Params collects the collaborators a Runner needs
type Params struct {
	Sites     *sitedao.DAO
	Releases  *releasedao.DAO
	Steps     *stepdao.DAO
	Locks     *lockdao.DAO
	Secrets   secrets.Source
	Validator *policy.Validator
	Dialer    Dialer
	Archive   *archive.Store  // nil disables release archiving and rollback
	Signer    *archive.Signer // nil stores archives unsigned
	Logger    zerolog.Logger
}

// Runner executes the deployment sequence for one release: acquire the
// site/env lock, resolve secrets, scan, validate, archive, upload, run the
// post-deployment commands, and record the outcome.
type Runner struct {
	sites     *sitedao.DAO
	releases  *releasedao.DAO
	steps     *stepdao.DAO
	locks     *lockdao.DAO
	secrets   secrets.Source
	validator *policy.Validator
	dialer    Dialer
	archive   *archive.Store
	signer    *archive.Signer
	logger    zerolog.Logger
}

// New creates a new Runner instance
func New(params Params) *Runner {
	return &Runner{
		sites:     params.Sites,
		releases:  params.Releases,
		steps:     params.Steps,
		locks:     params.Locks,
		secrets:   params.Secrets,
		validator: params.Validator,
		dialer:    params.Dialer,
		archive:   params.Archive,
		signer:    params.Signer,
		logger:    params.Logger.With().Str("service", "pipeline").Logger(),
	}
}

// SubmitInput describes a release to be recorded
type SubmitInput struct {
	Site        string
	Env         string
	Branch      string // defaults to the site's bound branch
	CommitHash  string
	Trigger     releasedao.Trigger
	TriggeredBy string
}

// Submit records a new PENDING release for a registered site. The release
// snapshots the site's strategy so a later settings change cannot alter a
// queued deploy.
func (r *Runner) Submit(ctx context.Context, input SubmitInput) (releasedao.Record, error) {
	site, err := r.sites.GetWithDefault(ctx, input.Site, input.Env)
	if err != nil {
		return releasedao.Record{}, err
	}

	branch := input.Branch
	if branch == "" {
		branch = site.Branch
	}

	return r.releases.Create(ctx, releasedao.CreateInput{
		Site:        site.Name,
		Env:         site.Env,
		SK:          ksuid.New().String(),
		Branch:      branch,
		CommitHash:  input.CommitHash,
		Trigger:     input.Trigger,
		TriggeredBy: input.TriggeredBy,
		Strategy:    string(site.Strategy),
	})
}

// CreateRollback records a rollback release targeting the most recent
// successful release of the site. The target's manifest is copied onto the
// new record so validation sees what will be re-deployed.
func (r *Runner) CreateRollback(ctx context.Context, site, env, triggeredBy string) (releasedao.Record, error) {
	if r.archive == nil {
		return releasedao.Record{}, fmt.Errorf("rollback needs a configured archive store")
	}

	current, err := r.sites.GetWithDefault(ctx, site, env)
	if err != nil {
		return releasedao.Record{}, err
	}
	target, err := r.releases.LatestSuccessful(ctx, releasedao.NewPK(site, env))
	if err != nil {
		return releasedao.Record{}, err
	}
	if len(target.Manifest) == 0 {
		return releasedao.Record{}, fmt.Errorf("release %s has no recorded manifest", target.GetID())
	}

	record, err := r.releases.Create(ctx, releasedao.CreateInput{
		Site:        target.Site,
		Env:         target.Env,
		SK:          ksuid.New().String(),
		Branch:      target.Branch,
		CommitHash:  target.CommitHash,
		Trigger:     releasedao.TriggerRollback,
		TriggeredBy: triggeredBy,
		Strategy:    string(current.Strategy),
		RollbackOf:  target.SK,
	})
	if err != nil {
		return releasedao.Record{}, err
	}

	if err := r.releases.SetManifest(ctx, record.PK, record.SK, target.Manifest, target.FilesTotal); err != nil {
		return releasedao.Record{}, err
	}
	record.Manifest = target.Manifest
	record.FilesTotal = target.FilesTotal
	return record, nil
}

// Deploy runs the full deployment sequence for a previously recorded
// release. On any failure the release is marked FAILED with the cause,
// remaining steps are skipped, and the lock is released. There are no
// retries.
func (r *Runner) Deploy(ctx context.Context, id releasedao.ID) (err error) {
	pk, sk, err := releasedao.ParseID(id)
	if err != nil {
		return err
	}

	logger := r.logger.With().Str("release", id.String()).Logger()
	ctx = logger.WithContext(ctx)

	release, err := r.releases.Find(ctx, id)
	if err != nil {
		return err
	}

	defer func(begin time.Time) {
		logger.Info().
			Interface("error", err).
			Str("site", release.Site).
			Str("env", release.Env).
			Str("trigger", string(release.Trigger)).
			Dur("elapsed", time.Since(begin)).
			Msg("Deploy completed")
	}(time.Now())

	site, err := r.sites.GetWithDefault(ctx, release.Site, release.Env)
	if err != nil {
		r.fail(ctx, pk, sk, err)
		return err
	}

	// Step 1: Serialize deploys per site/env
	logger.Info().Msg("Step 1: Acquiring deployment lock")
	lock, acquired, err := r.locks.Acquire(ctx, lockdao.AcquireInput{
		Env:       release.Env,
		Site:      release.Site,
		ReleaseID: id.String(),
	})
	if err != nil {
		r.fail(ctx, pk, sk, err)
		return err
	}
	if !acquired {
		// The release stays PENDING so it can run once the holder is done
		return fmt.Errorf("%w: %s", errors.ErrLockHeld, lockdao.NewPK(release.Env, release.Site))
	}
	defer func() {
		if rerr := r.locks.Release(ctx, lockdao.ReleaseInput{ID: lock.GetID(), ReleaseID: id.String()}); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to release deployment lock")
		}
	}()

	if err = r.releases.Start(ctx, pk, sk); err != nil {
		return err
	}

	if err = r.execute(ctx, site, release); err != nil {
		r.fail(ctx, pk, sk, err)
		return err
	}

	status := releasedao.StatusSuccess
	if err = r.releases.UpdateStatus(ctx, releasedao.UpdateInput{PK: pk, SK: sk, Status: &status}); err != nil {
		return err
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, pk releasedao.PK, sk string, cause error) {
	status := releasedao.StatusFailed
	msg := cause.Error()
	if err := r.releases.UpdateStatus(ctx, releasedao.UpdateInput{PK: pk, SK: sk, Status: &status, ErrorMsg: &msg}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to record release failure")
	}
}

func (r *Runner) execute(ctx context.Context, site sitedao.Record, release releasedao.Record) error {
	logger := zerolog.Ctx(ctx)

	// Step 2: Resolve secrets before anything touches the network
	logger.Info().Msg("Step 2: Resolving deployment secrets")
	creds, err := secrets.Resolve(ctx, r.secrets, release.Site, release.Env)
	if err != nil {
		return err
	}

	deployPath := site.DeployPath
	if p := creds[secrets.NameDeployPath]; p != "" {
		deployPath = p
	}

	// Step 3: Build the file manifest
	logger.Info().Msg("Step 3: Building the file manifest")
	patterns := append(manifest.DefaultExcludes(), site.Excludes...)
	excludes, err := manifest.NewExcludeSet(patterns)
	if err != nil {
		return err
	}

	var (
		scan      *manifest.Manifest
		localRoot string
	)
	if release.Trigger == releasedao.TriggerRollback {
		scan, localRoot, err = r.restoreRollback(ctx, release)
		if err != nil {
			return err
		}
		defer os.RemoveAll(localRoot)
	} else {
		localRoot = site.SourceDir
		scan, err = manifest.Scan(localRoot, excludes)
		if err != nil {
			return err
		}
	}

	// Step 4: Validate the deployment plan
	logger.Info().Msg("Step 4: Validating the deployment plan")
	result, err := r.validator.ValidatePlan(ctx, policy.PlanInput{
		Site:         release.Site,
		Env:          release.Env,
		Branch:       release.Branch,
		DeployBranch: site.Branch,
		Trigger:      string(release.Trigger),
		Strategy:     release.Strategy,
		Excludes:     patterns,
		FilesTotal:   len(scan.Files),
		HasSSH:       creds[secrets.NameSSHHost] != "",
	})
	if err != nil {
		return err
	}
	if !result.Allowed {
		return fmt.Errorf("deployment plan rejected: %s", strings.Join(result.Violations, "; "))
	}

	encoded, err := scan.Encode()
	if err != nil {
		return err
	}
	if err := r.releases.SetManifest(ctx, release.PK, release.SK, encoded, len(scan.Files)); err != nil {
		return err
	}

	// Step 5: Archive the release
	if r.archive != nil && release.Trigger != releasedao.TriggerRollback {
		logger.Info().Msg("Step 5: Archiving the release")
		url, err := r.archive.Save(ctx, archive.SaveInput{
			Site:      release.Site,
			Env:       release.Env,
			ReleaseID: release.SK,
			Root:      localRoot,
			Manifest:  scan,
			Signer:    r.signer,
		})
		if err != nil {
			return fmt.Errorf("failed to archive release: %w", err)
		}
		if err := r.releases.SetArchiveURL(ctx, release.PK, release.SK, url); err != nil {
			logger.Warn().Err(err).Msg("Failed to record archive url")
		}
	}

	// Step 6: Execute the deployment steps
	logger.Info().Msg("Step 6: Executing the deployment steps")
	return r.runSteps(ctx, site, release, creds, deployPath, scan, localRoot)
}

// restoreRollback fetches the archived tree of the rollback target into a
// scratch directory and returns its manifest. The manifest signature is
// checked whenever signing is configured.
func (r *Runner) restoreRollback(ctx context.Context, release releasedao.Record) (*manifest.Manifest, string, error) {
	if r.archive == nil {
		return nil, "", fmt.Errorf("rollback needs a configured archive store")
	}
	if release.RollbackOf == "" {
		return nil, "", fmt.Errorf("release %s has no rollback target", release.GetID())
	}

	data, sig, err := r.archive.FetchManifest(ctx, release.Site, release.Env, release.RollbackOf)
	if err != nil {
		return nil, "", err
	}
	if r.signer != nil {
		if sig == nil {
			return nil, "", fmt.Errorf("archived manifest for release %s is unsigned", release.RollbackOf)
		}
		if err := archive.Verify(r.signer.PublicKey(), data, sig); err != nil {
			return nil, "", err
		}
	}

	m, err := manifest.Decode(data)
	if err != nil {
		return nil, "", err
	}

	dir, err := os.MkdirTemp("", "ftp-deployer-rollback-*")
	if err != nil {
		return nil, "", err
	}
	if err := r.archive.Restore(ctx, release.Site, release.Env, release.RollbackOf, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}
	return m, dir, nil
}

type stepExec struct {
	plan stepdao.PlanStep
	run  func(ctx context.Context) (output string, exitCode *int, err error)
}

func (r *Runner) runSteps(ctx context.Context, site sitedao.Record, release releasedao.Record, creds map[string]string, deployPath string, scan *manifest.Manifest, localRoot string) error {
	logger := zerolog.Ctx(ctx)

	commands, err := PlanCommands(site.PostDeploy)
	if err != nil {
		return err
	}

	releaseDir := release.Strategy == string(sitedao.StrategyReleaseDir)
	prefix := ""
	workdir := deployPath
	if releaseDir {
		prefix = path.Join("releases", release.SK)
		workdir = path.Join(deployPath, prefix)
	}

	var conn *Conn
	defer func() {
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("Failed to close remote connection")
			}
		}
	}()

	execs := make([]stepExec, 0, len(commands)+3)
	execs = append(execs, stepExec{
		plan: stepdao.PlanStep{Name: "connect"},
		run: func(ctx context.Context) (string, *int, error) {
			c, err := r.dialer.Dial(ctx, site, creds, deployPath)
			if err != nil {
				return "", nil, err
			}
			conn = c
			if conn.Runner == nil {
				return "", nil, fmt.Errorf("%w: post-deploy commands cannot run", errors.ErrSSHNotConfigured)
			}
			return fmt.Sprintf("connected via %s", site.Protocol), nil, nil
		},
	})
	execs = append(execs, stepExec{
		plan: stepdao.PlanStep{Name: "upload"},
		run: func(ctx context.Context) (string, *int, error) {
			summary, err := r.upload(ctx, conn.Uploader, site, release, prefix, scan, localRoot)
			return summary, nil, err
		},
	})
	for _, command := range commands {
		line := fmt.Sprintf("cd %s && %s", transport.ShellQuote(workdir), command)
		execs = append(execs, stepExec{
			plan: stepdao.PlanStep{Name: commandStepName(command), Command: line},
			run: func(ctx context.Context) (string, *int, error) {
				res, err := conn.Runner.Run(ctx, line)
				code := res.ExitCode
				return res.Output, &code, err
			},
		})
	}
	if releaseDir {
		// The symlink flips only after the new release is fully prepared, so
		// a failed command never exposes a half-deployed tree.
		line := fmt.Sprintf("cd %s && ln -sfn %s current", transport.ShellQuote(deployPath), transport.ShellQuote(prefix))
		execs = append(execs, stepExec{
			plan: stepdao.PlanStep{Name: "activate", Command: line},
			run: func(ctx context.Context) (string, *int, error) {
				res, err := conn.Runner.Run(ctx, line)
				code := res.ExitCode
				return res.Output, &code, err
			},
		})
	}

	releaseID := release.GetID().String()
	plans := make([]stepdao.PlanStep, 0, len(execs))
	for _, e := range execs {
		plans = append(plans, e.plan)
	}
	if _, err := r.steps.CreatePlan(ctx, releaseID, plans); err != nil {
		return err
	}

	for seq, step := range execs {
		stepLogger := logger.With().Str("step", step.plan.Name).Int("seq", seq).Logger()
		if err := r.steps.Start(ctx, releaseID, seq); err != nil {
			stepLogger.Warn().Err(err).Msg("Failed to mark step started")
		}
		stepLogger.Info().Msg("Running step")

		output, exitCode, stepErr := step.run(ctx)
		output = truncateOutput(redactSecrets(output, creds))

		status := stepdao.StatusSuccess
		var errMsg *string
		if stepErr != nil {
			status = stepdao.StatusFailed
			msg := stepErr.Error()
			errMsg = &msg
		}
		if err := r.steps.Finish(ctx, stepdao.FinishInput{
			ReleaseID: releaseID,
			Seq:       seq,
			Status:    status,
			ExitCode:  exitCode,
			Output:    output,
			ErrorMsg:  errMsg,
		}); err != nil {
			stepLogger.Warn().Err(err).Msg("Failed to record step result")
		}

		if stepErr != nil {
			if err := r.steps.MarkSkipped(ctx, releaseID); err != nil {
				stepLogger.Warn().Err(err).Msg("Failed to mark remaining steps skipped")
			}
			return fmt.Errorf("step %s failed: %w", step.plan.Name, stepErr)
		}
	}
	return nil
}

// upload pushes the manifest to the remote side. In-place deploys upload
// incrementally against the last successful manifest; release_dir deploys
// and rollbacks always upload the full tree.
func (r *Runner) upload(ctx context.Context, up transport.Uploader, site sitedao.Record, release releasedao.Record, prefix string, scan *manifest.Manifest, localRoot string) (string, error) {
	logger := zerolog.Ctx(ctx)

	var previous *manifest.Manifest
	if prefix == "" && release.Trigger != releasedao.TriggerRollback {
		if last, err := r.releases.LatestSuccessful(ctx, release.PK); err == nil && len(last.Manifest) > 0 {
			if m, derr := manifest.Decode(last.Manifest); derr == nil {
				previous = m
			} else {
				logger.Warn().Err(derr).Msg("Could not decode previous manifest; uploading everything")
			}
		}
	}

	changes := manifest.Diff(previous, scan)

	if prefix != "" {
		if err := up.MkdirAll(ctx, prefix); err != nil {
			return "", err
		}
	}

	dirs := map[string]bool{}
	for _, p := range changes.UploadSet() {
		for d := path.Dir(p); d != "." && d != "/" && !dirs[d]; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	for _, d := range slices.Sorted(maps.Keys(dirs)) {
		if err := up.MkdirAll(ctx, path.Join(prefix, d)); err != nil {
			return "", err
		}
	}

	var (
		uploaded int
		pushed   int64
	)
	for _, p := range changes.UploadSet() {
		f, ok := scan.Lookup(p)
		if !ok {
			return "", fmt.Errorf("manifest is missing %s", p)
		}
		if err := r.uploadFile(ctx, up, localRoot, prefix, p); err != nil {
			return "", err
		}
		uploaded++
		pushed += f.Size
	}
	for _, p := range changes.Removed {
		if err := up.Remove(ctx, path.Join(prefix, p)); err != nil {
			return "", err
		}
	}

	// Non-secret site settings land in the remote .env; the checked-in .env
	// never leaves the repository.
	if len(site.Vars) > 0 {
		data := utils.RenderEnvFile(site.Vars)
		if err := up.Upload(ctx, path.Join(prefix, ".env"), bytes.NewReader(data)); err != nil {
			return "", err
		}
		uploaded++
		pushed += int64(len(data))
	}

	if err := r.releases.SetUploadStats(ctx, release.PK, release.SK, uploaded, pushed); err != nil {
		logger.Warn().Err(err).Msg("Failed to record upload stats")
	}

	mode := "full"
	if previous != nil {
		mode = "incremental"
	}
	return fmt.Sprintf("%s upload: %d files, %d bytes, %d removed", mode, uploaded, pushed, len(changes.Removed)), nil
}

func (r *Runner) uploadFile(ctx context.Context, up transport.Uploader, root, prefix, p string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return err
	}
	defer f.Close()
	return up.Upload(ctx, path.Join(prefix, p), f)
}

// Preview describes what a deploy would do without opening a connection
type Preview struct {
	Site     sitedao.Record
	Result   *policy.ValidationResult
	Manifest *manifest.Manifest
	Changes  manifest.Changes
	Commands []string
}

// Preview runs the local half of the pipeline for a site: resolve secrets,
// scan, validate, and diff against the last successful release. Nothing is
// uploaded.
func (r *Runner) Preview(ctx context.Context, id sitedao.ID) (*Preview, error) {
	name, env, err := sitedao.ParseID(id)
	if err != nil {
		return nil, err
	}
	site, err := r.sites.GetWithDefault(ctx, name, env)
	if err != nil {
		return nil, err
	}

	creds, err := secrets.Resolve(ctx, r.secrets, site.Name, site.Env)
	if err != nil {
		return nil, err
	}

	patterns := append(manifest.DefaultExcludes(), site.Excludes...)
	excludes, err := manifest.NewExcludeSet(patterns)
	if err != nil {
		return nil, err
	}
	scan, err := manifest.Scan(site.SourceDir, excludes)
	if err != nil {
		return nil, err
	}

	commands, err := PlanCommands(site.PostDeploy)
	if err != nil {
		return nil, err
	}

	result, err := r.validator.ValidatePlan(ctx, policy.PlanInput{
		Site:         site.Name,
		Env:          site.Env,
		Branch:       site.Branch,
		DeployBranch: site.Branch,
		Trigger:      string(releasedao.TriggerManual),
		Strategy:     string(site.Strategy),
		Excludes:     patterns,
		FilesTotal:   len(scan.Files),
		HasSSH:       creds[secrets.NameSSHHost] != "",
	})
	if err != nil {
		return nil, err
	}

	var previous *manifest.Manifest
	if last, err := r.releases.LatestSuccessful(ctx, releasedao.NewPK(site.Name, site.Env)); err == nil && len(last.Manifest) > 0 {
		if m, derr := manifest.Decode(last.Manifest); derr == nil {
			previous = m
		}
	}

	return &Preview{
		Site:     site,
		Result:   result,
		Manifest: scan,
		Changes:  manifest.Diff(previous, scan),
		Commands: commands,
	}, nil
}

// redactSecrets blanks any credential value that leaked into command output
func redactSecrets(output string, creds map[string]string) string {
	for _, v := range creds {
		if v == "" {
			continue
		}
		output = strings.ReplaceAll(output, v, "[redacted]")
	}
	return output
}

func truncateOutput(s string) string {
	if len(s) <= maxStepOutput {
		return s
	}
	return s[:maxStepOutput] + "\n... (truncated)"
}
