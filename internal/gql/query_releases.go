package gql

import (
	"context"

	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
)

// Releases resolves the releases query - lists the release history for one
// site and environment, newest first
func (r *Resolver) Releases(ctx context.Context, args struct {
	Site string
	Env  string
}) ([]*ReleaseResolver, error) {
	records, err := r.releases.Query(ctx, releasedao.NewPK(args.Site, args.Env))
	if err != nil {
		return nil, err
	}

	resolvers := make([]*ReleaseResolver, len(records))
	for i, record := range records {
		resolvers[i] = newReleaseResolver(record, r.steps, ctx)
	}

	return resolvers, nil
}
