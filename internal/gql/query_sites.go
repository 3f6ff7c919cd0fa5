package gql

import (
	"context"
)

// Sites resolves the sites query - lists all registered sites
func (r *Resolver) Sites(ctx context.Context) ([]*SiteResolver, error) {
	records, err := r.sites.Query(ctx)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*SiteResolver, len(records))
	for i, record := range records {
		resolvers[i] = newSiteResolver(record, r.releases, r.steps, ctx)
	}

	return resolvers, nil
}
