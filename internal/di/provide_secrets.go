package di

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/secrets"
)

// ProvideSecretSource builds the secret resolution chain: environment
// variables first, then the encrypted vault. Without a configured vault
// passphrase only the environment is consulted.
func ProvideSecretSource(ctx context.Context, cfg *config.Config) (secrets.Source, error) {
	logger := zerolog.Ctx(ctx)

	passphrase, err := VaultPassphrase(cfg)
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		logger.Warn().Msg("No vault passphrase configured, resolving secrets from environment only")
		return secrets.NewEnvSource(), nil
	}

	vault, err := secrets.Open(cfg.VaultPath(), passphrase)
	if err != nil {
		return nil, err
	}

	return secrets.NewChain(secrets.NewEnvSource(), secrets.NewVaultSource(vault)), nil
}

// VaultPassphrase resolves the vault passphrase from the environment or the
// configured passphrase file. Returns nil when neither is set.
func VaultPassphrase(cfg *config.Config) ([]byte, error) {
	if cfg.VaultPassphrase != "" {
		return []byte(cfg.VaultPassphrase), nil
	}
	if cfg.VaultPassphraseFile != "" {
		data, err := os.ReadFile(cfg.VaultPassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault passphrase file: %w", err)
		}
		return []byte(strings.TrimSpace(string(data))), nil
	}
	return nil, nil
}
