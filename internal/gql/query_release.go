package gql

import (
	"context"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/errors"
)

// Release resolves the release query - fetches a single release by ID
func (r *Resolver) Release(ctx context.Context, args struct{ ID graphql.ID }) (*ReleaseResolver, error) {
	record, err := r.releases.Find(ctx, releasedao.ID(args.ID))
	if errors.Is(err, errors.ErrReleaseNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return newReleaseResolver(record, r.steps, ctx), nil
}
