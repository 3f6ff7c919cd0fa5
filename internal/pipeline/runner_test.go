package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/archive"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/store"
	"github.com/savaki/ftp-deployer/internal/transport"
	"github.com/stretchr/testify/assert"
)

// mapSource is a Source backed by a plain map of scoped names
type mapSource map[string]string

func (s mapSource) GetSecret(_ context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrSecretNotFound, name)
	}
	return value, nil
}

func (s mapSource) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := s.GetSecret(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

func testSecrets(site, env string) mapSource {
	src := mapSource{}
	for name, value := range map[string]string{
		secrets.NameFTPServer:     "ftp.example.test",
		secrets.NameFTPUsername:   "deployer",
		secrets.NameFTPPassword:   "hunter2",
		secrets.NameSSHHost:       "ssh.example.test",
		secrets.NameSSHUser:       "deployer",
		secrets.NameSSHPrivateKey: "fake key material",
	} {
		src[secrets.Scoped(site, env, name)] = value
	}
	return src
}

// fakeRemote implements CommandRunner and records every command line
type fakeRemote struct {
	mu       sync.Mutex
	commands []string
	failWith map[string]error
}

func (f *fakeRemote) Run(_ context.Context, command string) (transport.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)

	for substr, err := range f.failWith {
		if strings.Contains(command, substr) {
			return transport.CommandResult{Command: command, Output: "boom", ExitCode: 1}, err
		}
	}
	return transport.CommandResult{Command: command, ExitCode: 0}, nil
}

func (f *fakeRemote) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fakeDialer hands out a fixed in-memory connection
type fakeDialer struct {
	uploader transport.Uploader
	runner   CommandRunner
	err      error

	mu         sync.Mutex
	dials      int
	deployPath string
}

func (d *fakeDialer) Dial(_ context.Context, _ sitedao.Record, _ map[string]string, deployPath string) (*Conn, error) {
	d.mu.Lock()
	d.dials++
	d.deployPath = deployPath
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return NewConn(d.uploader, d.runner, nil), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// memObjects is an in-memory ObjectAPI for the archive store
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(input.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

type harness struct {
	runner   *Runner
	sites    *sitedao.DAO
	releases *releasedao.DAO
	steps    *stepdao.DAO
	locks    *lockdao.DAO
	uploader *transport.Memory
	remote   *fakeRemote
	dialer   *fakeDialer
	source   mapSource
	objects  *memObjects
}

func setup(t *testing.T, withArchive bool) (ctx context.Context, h *harness) {
	t.Helper()
	ctx = context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "pipeline-test.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	validator, err := policy.NewValidator()
	assert.NoError(t, err)

	h = &harness{
		sites:    sitedao.New(s.DB()),
		releases: releasedao.New(s.DB()),
		steps:    stepdao.New(s.DB()),
		locks:    lockdao.New(s.DB()),
		uploader: transport.NewMemory(),
		remote:   &fakeRemote{failWith: map[string]error{}},
		source:   testSecrets("blog", "prod"),
	}
	h.dialer = &fakeDialer{uploader: h.uploader, runner: h.remote}

	var archiveStore *archive.Store
	var signer *archive.Signer
	if withArchive {
		h.objects = newMemObjects()
		archiveStore = archive.NewStoreWithClient(h.objects, "releases", "archives", zerolog.Nop())
		signer, err = archive.NewSigner(bytes.Repeat([]byte{7}, 32))
		assert.NoError(t, err)
	}

	h.runner = New(Params{
		Sites:     h.sites,
		Releases:  h.releases,
		Steps:     h.steps,
		Locks:     h.locks,
		Secrets:   h.source,
		Validator: validator,
		Dialer:    h.dialer,
		Archive:   archiveStore,
		Signer:    signer,
		Logger:    zerolog.Nop(),
	})
	return ctx, h
}

func writeSourceTree(t *testing.T, root string, version string) {
	t.Helper()
	files := map[string]string{
		"index.php":           "<?php // " + version,
		"public/app.css":      "body{} /* " + version + " */",
		"app/Models/User.php": "<?php class User {}",
		".env":                "APP_KEY=base64:localonly",
		"composer.json":       "{}",
	}
	for p, content := range files {
		target := filepath.Join(root, filepath.FromSlash(p))
		assert.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		assert.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	}
}

func (h *harness) createSite(ctx context.Context, t *testing.T, mutate ...func(*sitedao.CreateInput)) sitedao.Record {
	t.Helper()
	dir := t.TempDir()
	writeSourceTree(t, dir, "v1")

	input := sitedao.CreateInput{
		Name:       "blog",
		Env:        "prod",
		SourceDir:  dir,
		Protocol:   sitedao.ProtocolFTP,
		DeployPath: "/home/acme/public_html",
	}
	for _, m := range mutate {
		m(&input)
	}
	site, err := h.sites.Create(ctx, input)
	assert.NoError(t, err)
	return site
}

func (h *harness) submitPush(ctx context.Context, t *testing.T) releasedao.Record {
	t.Helper()
	release, err := h.runner.Submit(ctx, SubmitInput{
		Site:        "blog",
		Env:         "prod",
		Branch:      "main",
		CommitHash:  "abc1234",
		Trigger:     releasedao.TriggerPush,
		TriggeredBy: "octocat",
	})
	assert.NoError(t, err)
	return release
}

func TestDeploy_InPlace(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)
	release := h.submitPush(ctx, t)

	err := h.runner.Deploy(ctx, release.GetID())
	assert.NoError(t, err)

	// The manifest files landed, the excluded ones did not
	assert.Equal(t, []string{"app/Models/User.php", "index.php", "public/app.css"}, h.uploader.Paths())

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusSuccess, found.Status)
	assert.Equal(t, 3, found.FilesTotal)
	assert.Equal(t, 3, found.FilesUploaded)
	assert.Greater(t, found.BytesUploaded, int64(0))
	assert.NotEmpty(t, found.Manifest)
	assert.NotNil(t, found.FinishedAt)

	// Six steps, all successful, commands in the documented order
	steps, err := h.steps.Query(ctx, release.GetID().String())
	assert.NoError(t, err)
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.Name)
		assert.Equal(t, stepdao.StatusSuccess, step.Status)
	}
	assert.Equal(t, []string{"connect", "upload", "migrate", "config_cache", "route_cache", "view_cache"}, names)

	assert.Equal(t, []string{
		"cd /home/acme/public_html && php artisan migrate --force",
		"cd /home/acme/public_html && php artisan config:cache",
		"cd /home/acme/public_html && php artisan route:cache",
		"cd /home/acme/public_html && php artisan view:cache",
	}, h.remote.ran())

	// The lock is gone
	lock, err := h.locks.Find(ctx, lockdao.NewID("prod", "blog"))
	assert.NoError(t, err)
	assert.Nil(t, lock)
}

func TestDeploy_IncrementalSecondRelease(t *testing.T) {
	ctx, h := setup(t, false)
	site := h.createSite(ctx, t)

	first := h.submitPush(ctx, t)
	assert.NoError(t, h.runner.Deploy(ctx, first.GetID()))

	// Change one file, add one, drop one
	assert.NoError(t, os.WriteFile(filepath.Join(site.SourceDir, "index.php"), []byte("<?php // v2"), 0o644))
	viewDir := filepath.Join(site.SourceDir, "resources", "views")
	assert.NoError(t, os.MkdirAll(viewDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(viewDir, "home.blade.php"), []byte("<h1>v2</h1>"), 0o644))
	assert.NoError(t, os.Remove(filepath.Join(site.SourceDir, "public", "app.css")))

	second := h.submitPush(ctx, t)
	assert.NoError(t, h.runner.Deploy(ctx, second.GetID()))

	found, err := h.releases.Find(ctx, second.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusSuccess, found.Status)
	assert.Equal(t, 3, found.FilesTotal)
	assert.Equal(t, 2, found.FilesUploaded)

	// The removed file is pruned from the remote side
	assert.Equal(t, []string{"app/Models/User.php", "index.php", "resources/views/home.blade.php"}, h.uploader.Paths())
	data, ok := h.uploader.File("index.php")
	assert.True(t, ok)
	assert.Equal(t, "<?php // v2", string(data))

	steps, err := h.steps.Query(ctx, second.GetID().String())
	assert.NoError(t, err)
	assert.Contains(t, steps[1].Output, "incremental upload")
	assert.Contains(t, steps[1].Output, "1 removed")
}

func TestDeploy_RendersEnvFile(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t, func(input *sitedao.CreateInput) {
		input.Vars = map[string]string{"APP_ENV": "production", "APP_DEBUG": "false"}
	})
	release := h.submitPush(ctx, t)

	assert.NoError(t, h.runner.Deploy(ctx, release.GetID()))

	data, ok := h.uploader.File(".env")
	assert.True(t, ok)
	assert.Equal(t, "APP_DEBUG=false\nAPP_ENV=production\n", string(data))

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, 4, found.FilesUploaded)
}

func TestDeploy_CommandFailure(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)
	h.remote.failWith["route:cache"] = fmt.Errorf("command exited with status 1")
	release := h.submitPush(ctx, t)

	err := h.runner.Deploy(ctx, release.GetID())
	assert.Error(t, err)

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusFailed, found.Status)
	assert.NotNil(t, found.ErrorMsg)
	assert.Contains(t, *found.ErrorMsg, "step route_cache failed")

	steps, err := h.steps.Query(ctx, release.GetID().String())
	assert.NoError(t, err)
	byName := map[string]stepdao.Record{}
	for _, step := range steps {
		byName[step.Name] = step
	}
	assert.Equal(t, stepdao.StatusSuccess, byName["upload"].Status)
	assert.Equal(t, stepdao.StatusSuccess, byName["migrate"].Status)
	assert.Equal(t, stepdao.StatusFailed, byName["route_cache"].Status)
	if assert.NotNil(t, byName["route_cache"].ExitCode) {
		assert.Equal(t, 1, *byName["route_cache"].ExitCode)
	}
	assert.Equal(t, "boom", byName["route_cache"].Output)
	assert.Equal(t, stepdao.StatusSkipped, byName["view_cache"].Status)

	// The lock is released even on failure
	lock, err := h.locks.Find(ctx, lockdao.NewID("prod", "blog"))
	assert.NoError(t, err)
	assert.Nil(t, lock)
}

func TestDeploy_BranchMismatchRejected(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)

	release, err := h.runner.Submit(ctx, SubmitInput{
		Site:        "blog",
		Env:         "prod",
		Branch:      "develop",
		Trigger:     releasedao.TriggerPush,
		TriggeredBy: "octocat",
	})
	assert.NoError(t, err)

	err = h.runner.Deploy(ctx, release.GetID())
	assert.Error(t, err)

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusFailed, found.Status)
	assert.Contains(t, *found.ErrorMsg, `push to branch "develop" ignored`)

	// Rejected before any step was planned or any connection opened
	steps, err := h.steps.Query(ctx, release.GetID().String())
	assert.NoError(t, err)
	assert.Empty(t, steps)
	assert.Equal(t, 0, h.dialer.dialCount())
	assert.Empty(t, h.uploader.Paths())
}

func TestDeploy_MissingSecretRefusesToRun(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)
	delete(h.source, secrets.Scoped("blog", "prod", secrets.NameFTPPassword))
	release := h.submitPush(ctx, t)

	err := h.runner.Deploy(ctx, release.GetID())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), secrets.NameFTPPassword)

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusFailed, found.Status)
	assert.Equal(t, 0, h.dialer.dialCount())
}

func TestDeploy_LockHeldLeavesReleasePending(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)
	release := h.submitPush(ctx, t)

	_, acquired, err := h.locks.Acquire(ctx, lockdao.AcquireInput{
		Env:       "prod",
		Site:      "blog",
		ReleaseID: "blog/prod:someoneelse",
	})
	assert.NoError(t, err)
	assert.True(t, acquired)

	err = h.runner.Deploy(ctx, release.GetID())
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusPending, found.Status)
}

func TestDeploy_DeployPathSecretOverride(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)
	h.source[secrets.Scoped("blog", "prod", secrets.NameDeployPath)] = "/srv/override"
	release := h.submitPush(ctx, t)

	assert.NoError(t, h.runner.Deploy(ctx, release.GetID()))
	assert.Equal(t, "/srv/override", h.dialer.deployPath)
	assert.Contains(t, h.remote.ran()[0], "cd /srv/override && ")
}

func TestDeploy_ReleaseDir(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t, func(input *sitedao.CreateInput) {
		input.Strategy = sitedao.StrategyReleaseDir
	})
	release := h.submitPush(ctx, t)

	assert.NoError(t, h.runner.Deploy(ctx, release.GetID()))

	prefix := "releases/" + release.SK
	assert.Equal(t, []string{
		prefix + "/app/Models/User.php",
		prefix + "/index.php",
		prefix + "/public/app.css",
	}, h.uploader.Paths())

	steps, err := h.steps.Query(ctx, release.GetID().String())
	assert.NoError(t, err)
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"connect", "upload", "migrate", "config_cache", "route_cache", "view_cache", "activate"}, names)

	ran := h.remote.ran()
	assert.Len(t, ran, 5)
	assert.Equal(t, "cd /home/acme/public_html/"+prefix+" && php artisan migrate --force", ran[0])
	assert.Equal(t, "cd /home/acme/public_html && ln -sfn "+prefix+" current", ran[4])
}

func TestDeploy_CustomPostDeployCommands(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t, func(input *sitedao.CreateInput) {
		input.PostDeploy = []string{
			"php artisan down",
			"php artisan migrate --force",
			"php artisan config:cache",
			"php artisan route:cache",
			"php artisan view:cache",
			"php artisan up",
		}
	})
	release := h.submitPush(ctx, t)

	assert.NoError(t, h.runner.Deploy(ctx, release.GetID()))

	ran := h.remote.ran()
	assert.Len(t, ran, 6)
	assert.Contains(t, ran[0], "php artisan down")
	assert.Contains(t, ran[5], "php artisan up")
}

func TestDeploy_ReorderedCustomCommandsRejected(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t, func(input *sitedao.CreateInput) {
		input.PostDeploy = []string{
			"php artisan config:cache",
			"php artisan migrate --force",
			"php artisan route:cache",
			"php artisan view:cache",
		}
	})
	release := h.submitPush(ctx, t)

	err := h.runner.Deploy(ctx, release.GetID())
	assert.Error(t, err)

	found, err := h.releases.Find(ctx, release.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusFailed, found.Status)
	assert.Contains(t, *found.ErrorMsg, "post-deploy commands must include")
	assert.Empty(t, h.remote.ran())
}

func TestDeploy_ArchiveAndRollback(t *testing.T) {
	ctx, h := setup(t, true)
	site := h.createSite(ctx, t)

	// First release succeeds and is archived
	first := h.submitPush(ctx, t)
	assert.NoError(t, h.runner.Deploy(ctx, first.GetID()))

	firstRecord, err := h.releases.Find(ctx, first.GetID())
	assert.NoError(t, err)
	assert.Contains(t, firstRecord.ArchiveURL, "s3://releases/archives/blog/prod/"+first.SK)

	// Second release pushes broken content and fails on a command
	assert.NoError(t, os.WriteFile(filepath.Join(site.SourceDir, "index.php"), []byte("<?php // broken"), 0o644))
	h.remote.failWith["view:cache"] = fmt.Errorf("command exited with status 1")
	second := h.submitPush(ctx, t)
	assert.Error(t, h.runner.Deploy(ctx, second.GetID()))

	data, ok := h.uploader.File("index.php")
	assert.True(t, ok)
	assert.Equal(t, "<?php // broken", string(data))

	// Roll back to the last success and verify the old content is restored
	delete(h.remote.failWith, "view:cache")
	rollback, err := h.runner.CreateRollback(ctx, "blog", "prod", "ops")
	assert.NoError(t, err)
	assert.Equal(t, releasedao.TriggerRollback, rollback.Trigger)
	assert.Equal(t, first.SK, rollback.RollbackOf)

	assert.NoError(t, h.runner.Deploy(ctx, rollback.GetID()))

	data, ok = h.uploader.File("index.php")
	assert.True(t, ok)
	assert.Equal(t, "<?php // v1", string(data))

	found, err := h.releases.Find(ctx, rollback.GetID())
	assert.NoError(t, err)
	assert.Equal(t, releasedao.StatusSuccess, found.Status)
	assert.Equal(t, 3, found.FilesUploaded)

	steps, err := h.steps.Query(ctx, rollback.GetID().String())
	assert.NoError(t, err)
	assert.Contains(t, steps[1].Output, "full upload")
}

func TestCreateRollback_NeedsArchiveStore(t *testing.T) {
	ctx, h := setup(t, false)
	h.createSite(ctx, t)

	_, err := h.runner.CreateRollback(ctx, "blog", "prod", "ops")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "archive store")
}

func TestCreateRollback_NoSuccessfulRelease(t *testing.T) {
	ctx, h := setup(t, true)
	h.createSite(ctx, t)

	_, err := h.runner.CreateRollback(ctx, "blog", "prod", "ops")
	assert.ErrorIs(t, err, errors.ErrNoSuccessfulRelease)
}

func TestSubmit_UnknownSite(t *testing.T) {
	ctx, h := setup(t, false)

	_, err := h.runner.Submit(ctx, SubmitInput{
		Site:    "ghost",
		Env:     "prod",
		Trigger: releasedao.TriggerManual,
	})
	assert.ErrorIs(t, err, errors.ErrSiteNotFound)
}

func TestPreview(t *testing.T) {
	ctx, h := setup(t, false)
	site := h.createSite(ctx, t)

	preview, err := h.runner.Preview(ctx, site.GetID())
	assert.NoError(t, err)
	assert.True(t, preview.Result.Allowed)
	assert.Len(t, preview.Manifest.Files, 3)
	assert.Len(t, preview.Changes.Added, 3)
	assert.Empty(t, preview.Changes.Changed)
	assert.Equal(t, CanonicalCommands(), preview.Commands)

	// After a successful deploy an unchanged tree previews as a no-op
	release := h.submitPush(ctx, t)
	assert.NoError(t, h.runner.Deploy(ctx, release.GetID()))

	preview, err = h.runner.Preview(ctx, site.GetID())
	assert.NoError(t, err)
	assert.True(t, preview.Changes.Empty())
}
