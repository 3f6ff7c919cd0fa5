// Package di provides a lightweight wrapper around uber's dig dependency injection framework.
// It simplifies container setup and provides type-safe dependency retrieval with generics.
package di

import (
	"go.uber.org/dig"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/server"
	"github.com/savaki/ftp-deployer/internal/trigger"
)

// Container defines a dependency injection container based on uber's dig.
// This interface allows for easy testing and mocking of the DI container.
type Container interface {
	// Invoke executes a function, injecting its dependencies from the container.
	Invoke(function any, opts ...dig.InvokeOption) error

	// Provide registers a constructor function in the container.
	Provide(constructor any, opts ...dig.ProvideOption) error

	// Scope creates a scoped sub-container with its own set of values.
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// MustGet returns an instance constructed via dependency injection or panics.
// This is a convenience function for retrieving a dependency from the container
// when you're certain it exists. If the dependency cannot be resolved, it will panic.
//
// Example:
//
//	runner := MustGet[*pipeline.Runner](container)
func MustGet[T any](container Container) (want T) {
	callback := func(got T) {
		want = got
	}
	if err := container.Invoke(callback); err != nil {
		panic(err)
	}
	return want
}

// New creates a new dependency injection container around the given
// configuration. The configuration is registered as a dependency that any
// provider can take as a regular *config.Config parameter.
//
// Example:
//
//	container, err := New(cfg,
//	    WithProviders(
//	        ProvideLogger,
//	        ProvideGraphQL,
//	    ),
//	)
func New(cfg *config.Config, opts ...Option) (Container, error) {
	// Build options
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Create dig container
	container := dig.New()
	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}

	callbackURL := o.callbackURL
	if callbackURL == "" {
		callbackURL = CallbackURL(cfg.CallbackURL())
	}
	if err := container.Provide(func() CallbackURL { return callbackURL }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() DisableAuth { return DisableAuth(o.disableAuth || cfg.DisableAuth) }); err != nil {
		return nil, err
	}

	// Register all provided constructors
	for _, provider := range core {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	// Register all provided constructors
	for _, provider := range o.providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}

var core = []any{
	ProvideContext,
	ProvideStore,
	ProvideDB,
	sitedao.New,
	releasedao.New,
	stepdao.New,
	lockdao.New,
	ProvideSecretSource,
	ProvideDialer,
	ProvideArchiveStore,
	ProvideSigner,
	ProvideRunner,
	ProvideQueue,
	ProvideWebhookSecret,
	ProvideTokenIssuer,
	policy.NewValidator,
	trigger.NewDispatcher,
	server.New,
}
