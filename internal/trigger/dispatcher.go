package trigger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"go.uber.org/dig"
)

type Params struct {
	dig.In

	Sites    *sitedao.DAO
	Releases *releasedao.DAO
	Runner   *pipeline.Runner
	Queue    *pipeline.Queue
	Logger   zerolog.Logger
}

// Dispatcher turns verified push events and manual API calls into queued
// releases
type Dispatcher struct {
	sites    *sitedao.DAO
	releases *releasedao.DAO
	runner   *pipeline.Runner
	queue    *pipeline.Queue
	logger   zerolog.Logger
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(params Params) *Dispatcher {
	return &Dispatcher{
		sites:    params.Sites,
		releases: params.Releases,
		runner:   params.Runner,
		queue:    params.Queue,
		logger:   params.Logger.With().Str("service", "trigger").Logger(),
	}
}

// Dispatch records and queues a release for every site bound to the pushed
// branch. Sites are matched by repository name, one per environment. A push
// matching no site returns an empty slice, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event PushEvent) ([]releasedao.Record, error) {
	if !event.IsBranchUpdate() {
		d.logger.Info().
			Str("ref", event.Ref).
			Str("repository", event.Repository.FullName).
			Msg("Push ignored, not a branch update")
		return nil, nil
	}
	branch := event.Branch()

	sites, err := d.sites.QueryByName(ctx, event.Repository.Name)
	if err != nil {
		return nil, err
	}

	pusher := event.Pusher.Name
	if pusher == "" {
		pusher = "github"
	}

	var records []releasedao.Record
	for _, site := range sites {
		if site.Branch != branch {
			d.logger.Info().
				Str("site", site.Name).
				Str("env", site.Env).
				Str("branch", branch).
				Str("deploy_branch", site.Branch).
				Msg("Push ignored, branch not bound to site")
			continue
		}

		record, err := d.submitAndQueue(ctx, pipeline.SubmitInput{
			Site:        site.Name,
			Env:         site.Env,
			Branch:      branch,
			CommitHash:  event.After,
			Trigger:     releasedao.TriggerPush,
			TriggeredBy: pusher,
		})
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}

	return records, nil
}

// ManualInput describes a release requested through the API rather than a
// push event
type ManualInput struct {
	Site       string
	Env        string
	Branch     string // defaults to the site's bound branch
	CommitHash string
	Actor      string
}

// DispatchManual records and queues a single release for a manual trigger
func (d *Dispatcher) DispatchManual(ctx context.Context, input ManualInput) (releasedao.Record, error) {
	return d.submitAndQueue(ctx, pipeline.SubmitInput{
		Site:        input.Site,
		Env:         input.Env,
		Branch:      input.Branch,
		CommitHash:  input.CommitHash,
		Trigger:     releasedao.TriggerManual,
		TriggeredBy: input.Actor,
	})
}

// submitAndQueue records a release and hands it to the deploy queue. If the
// queue refuses it the release is marked FAILED so it does not linger as
// PENDING.
func (d *Dispatcher) submitAndQueue(ctx context.Context, input pipeline.SubmitInput) (releasedao.Record, error) {
	record, err := d.runner.Submit(ctx, input)
	if err != nil {
		return releasedao.Record{}, fmt.Errorf("failed to record release for %s/%s: %w", input.Site, input.Env, err)
	}

	if err := d.queue.Enqueue(record.GetID()); err != nil {
		status := releasedao.StatusFailed
		errorMsg := fmt.Sprintf("failed to queue release: %v", err)
		if updateErr := d.releases.UpdateStatus(ctx, releasedao.UpdateInput{
			PK:       record.PK,
			SK:       record.SK,
			Status:   &status,
			ErrorMsg: &errorMsg,
		}); updateErr != nil {
			d.logger.Error().Err(updateErr).Msg("Failed to update release status")
		}
		return releasedao.Record{}, fmt.Errorf("failed to queue release %s: %w", record.GetID(), err)
	}

	d.logger.Info().
		Str("release", record.GetID().String()).
		Str("trigger", string(input.Trigger)).
		Str("commit", input.CommitHash).
		Str("triggered_by", input.TriggeredBy).
		Msg("Queued release")

	return record, nil
}
