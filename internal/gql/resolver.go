package gql

import (
	"context"
	_ "embed"

	"github.com/graph-gophers/graphql-go"
	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"go.uber.org/dig"
)

//go:embed schema.graphqls
var schemaString string

type Config struct {
	dig.In

	Releases *releasedao.DAO
	Steps    *stepdao.DAO
	Sites    *sitedao.DAO
	Runner   *pipeline.Runner
	Queue    *pipeline.Queue
}

// Resolver is the root GraphQL resolver
type Resolver struct {
	releases *releasedao.DAO
	steps    *stepdao.DAO
	sites    *sitedao.DAO
	runner   *pipeline.Runner
	queue    *pipeline.Queue
}

// NewResolver creates a new root resolver with the required dependencies
func NewResolver(config Config) *Resolver {
	return &Resolver{
		releases: config.Releases,
		steps:    config.Steps,
		sites:    config.Sites,
		runner:   config.Runner,
		queue:    config.Queue,
	}
}

// NewSchema creates a new GraphQL schema with the root resolver
func NewSchema(resolver *Resolver) (*graphql.Schema, error) {
	schema := graphql.MustParseSchema(schemaString, resolver)
	return schema, nil
}

// Ok returns "ok" for health checks
func (r *Resolver) Ok() string {
	return "ok"
}

// triggeredBy names the release initiator from the authenticated session
// profile. Falls back to "graphql" when authentication is disabled.
func triggeredBy(ctx context.Context) string {
	if profile, ok := auth.ProfileFromContext(ctx); ok && profile.Email != "" {
		return profile.Email
	}
	return "graphql"
}
