package gql

import (
	"context"
)

// LatestReleases resolves the latestReleases query - the most recent release
// of every site in the given environment, most recently active first
func (r *Resolver) LatestReleases(ctx context.Context, args struct{ Env string }) ([]*ReleaseResolver, error) {
	records, err := r.releases.QueryLatestReleases(ctx, args.Env)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*ReleaseResolver, len(records))
	for i, record := range records {
		resolvers[i] = newReleaseResolver(record, r.steps, ctx)
	}

	return resolvers, nil
}
