package gql

import (
	"context"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
)

// SiteResolver resolves the Site GraphQL type
type SiteResolver struct {
	site     sitedao.Record
	releases *releasedao.DAO
	steps    *stepdao.DAO
	ctx      context.Context
}

// newSiteResolver creates a new SiteResolver
func newSiteResolver(site sitedao.Record, releases *releasedao.DAO, steps *stepdao.DAO, ctx context.Context) *SiteResolver {
	return &SiteResolver{
		site:     site,
		releases: releases,
		steps:    steps,
		ctx:      ctx,
	}
}

// ID resolves the id field (site ID format: {name}/{env})
func (r *SiteResolver) ID() graphql.ID {
	return graphql.ID(r.site.GetID())
}

// Name resolves the name field
func (r *SiteResolver) Name() string {
	return r.site.Name
}

// Env resolves the env field
func (r *SiteResolver) Env() string {
	return r.site.Env
}

// Branch resolves the branch field
func (r *SiteResolver) Branch() string {
	return r.site.Branch
}

// Protocol resolves the protocol field
func (r *SiteResolver) Protocol() string {
	return string(r.site.Protocol)
}

// Strategy resolves the strategy field
func (r *SiteResolver) Strategy() string {
	return string(r.site.Strategy)
}

// DeployPath resolves the deployPath field
func (r *SiteResolver) DeployPath() string {
	return r.site.DeployPath
}

// Webroot resolves the webroot field
func (r *SiteResolver) Webroot() *string {
	if r.site.Webroot == "" {
		return nil
	}
	return &r.site.Webroot
}

// Excludes resolves the excludes field, the site's additional exclusion
// patterns only
func (r *SiteResolver) Excludes() []string {
	if r.site.Excludes == nil {
		return []string{}
	}
	return r.site.Excludes
}

// PostDeploy resolves the postDeploy field, empty when the site uses the
// default command list
func (r *SiteResolver) PostDeploy() []string {
	if r.site.PostDeploy == nil {
		return []string{}
	}
	return r.site.PostDeploy
}

// CreatedAt resolves the createdAt field
func (r *SiteResolver) CreatedAt() DateTime {
	return NewDateTimeFromUnix(r.site.CreatedAt)
}

// LatestRelease resolves the latestRelease field by looking up the most
// recent release for the site
func (r *SiteResolver) LatestRelease() (*ReleaseResolver, error) {
	record, err := r.releases.Latest(r.ctx, releasedao.NewPK(r.site.Name, r.site.Env))
	if err != nil {
		// On error, return null rather than failing the whole query
		return nil, nil
	}

	return newReleaseResolver(record, r.steps, r.ctx), nil
}
