package di

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/authz"
	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/services"
)

func ProvideSessionKeyService(source secrets.Source) *services.SessionKeyService {
	return services.NewSessionKeyService(source)
}

func ProvideSessionKeys(ctx context.Context, keyService *services.SessionKeyService) ([][]byte, error) {
	logger := zerolog.Ctx(ctx)

	keys, err := keyService.GetSessionKeys(ctx)
	if err != nil {
		// An ephemeral key invalidates sessions on every restart. Run
		// 'setup keys' to store a rotating key set in the vault.
		logger.Warn().Err(err).Msg("No stored session keys, falling back to an ephemeral key")
		return [][]byte{}, nil
	}
	return keys, nil
}

func ProvideAuthenticator(ctx context.Context, cfg *config.Config, authorizer *authz.Authorizer, callbackURL CallbackURL, sessionKeys [][]byte, disableAuth DisableAuth) (*auth.Authenticator, error) {
	logger := zerolog.Ctx(ctx)

	// If auth is disabled, return NoOp authenticator
	if bool(disableAuth) {
		logger.Warn().Msg("⚠️  Authentication is DISABLED - using NoOp authenticator (development only)")
		return auth.NewNoOpAuthenticator(), nil
	}

	var provider auth.Provider
	switch {
	case cfg.OIDCIssuer != "":
		provider = &auth.OIDCProvider{Issuer: cfg.OIDCIssuer}
	case cfg.Auth0Domain != "":
		provider = &auth.Auth0Provider{Domain: cfg.Auth0Domain}
	default:
		return nil, fmt.Errorf("no OAuth provider configured: set FTP_DEPLOYER_OIDC_ISSUER or FTP_DEPLOYER_AUTH0_DOMAIN, or disable auth")
	}

	// Detect local development: if callback URL uses http://localhost or http://127.0.0.1
	// In local dev, we need to disable Secure cookie flag since we're on HTTP
	callbackURLStr := string(callbackURL)
	isLocalDev := strings.HasPrefix(callbackURLStr, "http://localhost") ||
		strings.HasPrefix(callbackURLStr, "http://127.0.0.1")

	authenticator, err := auth.NewAuthenticator(ctx, auth.AuthenticatorInput{
		Provider:     provider,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		CallbackURL:  callbackURLStr,
		Authorizer:   authorizer,
		SessionKeys:  sessionKeys,
		IsLocalDev:   isLocalDev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	return authenticator, nil
}

func ProvideAuthorizer(logger zerolog.Logger, cfg *config.Config) *authz.Authorizer {
	if len(cfg.AllowedEmails) == 0 {
		logger.Info().Msg("Email authorization disabled - all authenticated users allowed")
		return nil
	}

	logger.Info().
		Strs("allowed_emails", cfg.AllowedEmails).
		Msg("Email authorization enabled")

	return authz.NewEmailAllowlistAuthorizer(true, cfg.AllowedEmails...)
}
