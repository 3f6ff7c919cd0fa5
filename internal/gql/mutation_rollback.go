package gql

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Rollback resolves the rollback mutation - records a release that restores
// the last successful deploy from its archive and queues it
func (r *Resolver) Rollback(ctx context.Context, args struct {
	Site string
	Env  string
}) (*ReleaseResolver, error) {
	logger := zerolog.Ctx(ctx)

	logger.Info().Str("site", args.Site).Str("env", args.Env).Msg("Rollback mutation called")

	record, err := r.runner.CreateRollback(ctx, args.Site, args.Env, triggeredBy(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback release: %w", err)
	}

	if err := r.enqueue(ctx, record); err != nil {
		return nil, err
	}

	logger.Info().
		Str("site", record.Site).
		Str("env", record.Env).
		Str("target_sk", record.RollbackOf).
		Str("new_sk", record.SK).
		Msg("Queued rollback")

	return newReleaseResolver(record, r.steps, ctx), nil
}
