package di

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/server"
	"github.com/savaki/ftp-deployer/internal/trigger"
)

// ProvideWebhookSecret loads the GitHub webhook signing secret. A missing
// secret yields an empty value, which rejects every delivery.
func ProvideWebhookSecret(ctx context.Context, source secrets.Source) server.WebhookSecret {
	logger := zerolog.Ctx(ctx)

	value, err := source.GetSecret(ctx, trigger.WebhookSecretName)
	if err != nil {
		logger.Warn().
			Str("name", trigger.WebhookSecretName).
			Msg("Webhook secret not configured, webhook deliveries will be rejected")
		return nil
	}
	return server.WebhookSecret(value)
}

// ProvideTokenIssuer loads the API token signing key. Returns nil when the
// key is not stored, which disables bearer token authentication.
func ProvideTokenIssuer(ctx context.Context, source secrets.Source) (*auth.TokenIssuer, error) {
	logger := zerolog.Ctx(ctx)

	value, err := source.GetSecret(ctx, auth.TokenKeyName)
	if err != nil {
		if errors.Is(err, errors.ErrSecretNotFound) {
			logger.Warn().
				Str("name", auth.TokenKeyName).
				Msg("Deploy token key not configured, bearer tokens disabled")
			return nil, nil
		}
		return nil, err
	}
	return auth.NewTokenIssuer([]byte(value))
}
