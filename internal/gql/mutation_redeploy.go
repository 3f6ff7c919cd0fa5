package gql

import (
	"context"
	"fmt"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/pipeline"
)

// Redeploy resolves the redeploy mutation - records a fresh release of the
// same commit and queues it for deployment
func (r *Resolver) Redeploy(ctx context.Context, args struct{ ReleaseId graphql.ID }) (*ReleaseResolver, error) {
	logger := zerolog.Ctx(ctx)

	logger.Info().Str("releaseId", string(args.ReleaseId)).Msg("Redeploy mutation called")

	original, err := r.releases.Find(ctx, releasedao.ID(args.ReleaseId))
	if err != nil {
		return nil, fmt.Errorf("failed to get release: %w", err)
	}

	// Only finished releases can be redeployed, a queued or running release
	// is already on its way
	switch original.Status {
	case releasedao.StatusSuccess, releasedao.StatusFailed:
	default:
		return nil, fmt.Errorf("cannot redeploy release with status %s - only finished releases can be redeployed", original.Status)
	}

	record, err := r.runner.Submit(ctx, pipeline.SubmitInput{
		Site:        original.Site,
		Env:         original.Env,
		Branch:      original.Branch,
		CommitHash:  original.CommitHash,
		Trigger:     releasedao.TriggerManual,
		TriggeredBy: triggeredBy(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create release for redeploy: %w", err)
	}

	if err := r.enqueue(ctx, record); err != nil {
		return nil, err
	}

	logger.Info().
		Str("site", record.Site).
		Str("env", record.Env).
		Str("original_sk", original.SK).
		Str("new_sk", record.SK).
		Msg("Queued redeploy")

	return newReleaseResolver(record, r.steps, ctx), nil
}

// enqueue hands a freshly recorded release to the deploy queue. If the queue
// refuses it the release is marked FAILED so it does not linger as PENDING.
func (r *Resolver) enqueue(ctx context.Context, record releasedao.Record) error {
	err := r.queue.Enqueue(record.GetID())
	if err == nil {
		return nil
	}

	status := releasedao.StatusFailed
	errorMsg := fmt.Sprintf("failed to queue release: %v", err)
	if updateErr := r.releases.UpdateStatus(ctx, releasedao.UpdateInput{
		PK:       record.PK,
		SK:       record.SK,
		Status:   &status,
		ErrorMsg: &errorMsg,
	}); updateErr != nil {
		zerolog.Ctx(ctx).Error().Err(updateErr).Msg("Failed to update release status")
	}
	return fmt.Errorf("failed to queue release: %w", err)
}
