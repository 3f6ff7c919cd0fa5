package di

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/savaki/ftp-deployer/internal/archive"
	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/secrets"
)

func ProvideDialer(cfg *config.Config) pipeline.Dialer {
	return &pipeline.NetDialer{
		KnownHostsFile:  cfg.KnownHostsFile,
		InsecureHostKey: cfg.InsecureHostKey,
		DialTimeout:     cfg.DialTimeout,
		CommandTimeout:  cfg.CommandTimeout,
	}
}

// ProvideArchiveStore builds the S3 release archive client. Returns nil when
// no bucket is configured, which disables archiving and rollback.
func ProvideArchiveStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*archive.Store, error) {
	ac := cfg.ArchiveConfig()
	if !ac.Enabled() {
		logger.Info().Msg("Release archive disabled - no bucket configured")
		return nil, nil
	}
	return archive.NewStore(ctx, ac, logger)
}

// ProvideSigner loads the manifest signing key from the secret source.
// Returns nil when no key is stored, which leaves archives unsigned.
func ProvideSigner(ctx context.Context, source secrets.Source) (*archive.Signer, error) {
	logger := zerolog.Ctx(ctx)

	value, err := source.GetSecret(ctx, archive.SigningKeyName)
	if err != nil {
		if errors.Is(err, errors.ErrSecretNotFound) {
			logger.Warn().
				Str("name", archive.SigningKeyName).
				Msg("No signing key stored, release manifests will not be signed")
			return nil, nil
		}
		return nil, err
	}

	seed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key %s: %w", archive.SigningKeyName, err)
	}
	return archive.NewSigner(seed)
}

func ProvideRunner(
	sites *sitedao.DAO,
	releases *releasedao.DAO,
	steps *stepdao.DAO,
	locks *lockdao.DAO,
	source secrets.Source,
	validator *policy.Validator,
	dialer pipeline.Dialer,
	archiveStore *archive.Store,
	signer *archive.Signer,
	logger zerolog.Logger,
) *pipeline.Runner {
	return pipeline.New(pipeline.Params{
		Sites:     sites,
		Releases:  releases,
		Steps:     steps,
		Locks:     locks,
		Secrets:   source,
		Validator: validator,
		Dialer:    dialer,
		Archive:   archiveStore,
		Signer:    signer,
		Logger:    logger,
	})
}

func ProvideQueue(runner *pipeline.Runner, logger zerolog.Logger) *pipeline.Queue {
	return pipeline.NewQueue(runner.Deploy, logger)
}
