package trigger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dispatcher *Dispatcher
	queue      *pipeline.Queue
	sites      *sitedao.DAO
	releases   *releasedao.DAO
}

func setup(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "trigger-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})

	sites := sitedao.New(st.DB())
	releases := releasedao.New(st.DB())

	runner := pipeline.New(pipeline.Params{
		Sites:    sites,
		Releases: releases,
		Steps:    stepdao.New(st.DB()),
		Locks:    lockdao.New(st.DB()),
		Logger:   zerolog.Nop(),
	})

	// Queued releases are not deployed in these tests, so they stay PENDING
	queue := pipeline.NewQueue(func(ctx context.Context, id releasedao.ID) error {
		return nil
	}, zerolog.Nop())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Shutdown(shutdownCtx)
	})

	dispatcher := NewDispatcher(Params{
		Sites:    sites,
		Releases: releases,
		Runner:   runner,
		Queue:    queue,
		Logger:   zerolog.Nop(),
	})

	return &harness{dispatcher: dispatcher, queue: queue, sites: sites, releases: releases}
}

func (h *harness) createSite(t *testing.T, name, env, branch string) {
	t.Helper()

	_, err := h.sites.Create(context.Background(), sitedao.CreateInput{
		Name:       name,
		Env:        env,
		SourceDir:  t.TempDir(),
		Branch:     branch,
		Protocol:   sitedao.ProtocolFTP,
		DeployPath: "/home/acme/public_html",
	})
	require.NoError(t, err)
}

func pushEvent(repo, branch, after, pusher string) PushEvent {
	var event PushEvent
	event.Ref = "refs/heads/" + branch
	event.After = after
	event.Repository.Name = repo
	event.Repository.FullName = "acme/" + repo
	event.Pusher.Name = pusher
	return event
}

func TestDispatch(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")
	h.createSite(t, "blog", "staging", "develop")
	h.createSite(t, "shop", "prod", "main")

	ctx := context.Background()
	records, err := h.dispatcher.Dispatch(ctx, pushEvent("blog", "main", "abc1234", "octocat"))
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "blog", record.Site)
	assert.Equal(t, "prod", record.Env)
	assert.Equal(t, "main", record.Branch)
	assert.Equal(t, "abc1234", record.CommitHash)
	assert.Equal(t, releasedao.TriggerPush, record.Trigger)
	assert.Equal(t, "octocat", record.TriggeredBy)
	assert.Equal(t, releasedao.StatusPending, record.Status)

	// Only the env bound to the pushed branch got a release
	staging, err := h.releases.Query(ctx, releasedao.NewPK("blog", "staging"))
	require.NoError(t, err)
	assert.Empty(t, staging)

	// The push to blog did not touch the other repository's site
	shop, err := h.releases.Query(ctx, releasedao.NewPK("shop", "prod"))
	require.NoError(t, err)
	assert.Empty(t, shop)
}

func TestDispatchOtherBranchIgnored(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")

	records, err := h.dispatcher.Dispatch(context.Background(), pushEvent("blog", "develop", "abc1234", "octocat"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDispatchUnknownRepository(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")

	records, err := h.dispatcher.Dispatch(context.Background(), pushEvent("ghost", "main", "abc1234", "octocat"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDispatchSkipsNonBranchEvents(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")

	tag := pushEvent("blog", "main", "abc1234", "octocat")
	tag.Ref = "refs/tags/v1.0.0"
	records, err := h.dispatcher.Dispatch(context.Background(), tag)
	require.NoError(t, err)
	assert.Empty(t, records)

	deletion := pushEvent("blog", "main", zeroCommit, "octocat")
	deletion.Deleted = true
	records, err = h.dispatcher.Dispatch(context.Background(), deletion)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDispatchManual(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")

	ctx := context.Background()
	record, err := h.dispatcher.DispatchManual(ctx, ManualInput{
		Site:  "blog",
		Env:   "prod",
		Actor: "ci@acme.test",
	})
	require.NoError(t, err)

	assert.Equal(t, releasedao.TriggerManual, record.Trigger)
	assert.Equal(t, "ci@acme.test", record.TriggeredBy)
	// Branch defaults to the site's bound branch
	assert.Equal(t, "main", record.Branch)
	assert.Equal(t, releasedao.StatusPending, record.Status)
}

func TestDispatchManualUnknownSite(t *testing.T) {
	h := setup(t)

	_, err := h.dispatcher.DispatchManual(context.Background(), ManualInput{
		Site:  "ghost",
		Env:   "prod",
		Actor: "ci@acme.test",
	})
	assert.ErrorContains(t, err, "failed to record release")
}

func TestDispatchQueueDownMarksReleaseFailed(t *testing.T) {
	h := setup(t)
	h.createSite(t, "blog", "prod", "main")

	ctx := context.Background()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(shutdownCtx))

	_, err := h.dispatcher.Dispatch(ctx, pushEvent("blog", "main", "abc1234", "octocat"))
	assert.ErrorContains(t, err, "failed to queue release")

	records, err := h.releases.Query(ctx, releasedao.NewPK("blog", "prod"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, releasedao.StatusFailed, records[0].Status)
	require.NotNil(t, records[0].ErrorMsg)
	assert.Contains(t, *records[0].ErrorMsg, "failed to queue release")
}
