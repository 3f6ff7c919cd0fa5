package secrets

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/savaki/ftp-deployer/internal/errors"
)

// The deployment secrets every site needs. These names match the repository
// secrets a generated workflow references, so the same values work from CI
// and from the local vault.
const (
	NameFTPServer     = "FTP_SERVER"
	NameFTPUsername   = "FTP_USERNAME"
	NameFTPPassword   = "FTP_PASSWORD"
	NameSSHHost       = "SSH_HOST"
	NameSSHUser       = "SSH_USER"
	NameSSHPrivateKey = "SSH_PRIVATE_KEY"
	NameSSHPassphrase = "SSH_PASSPHRASE"
	NameDeployPath    = "DEPLOY_PATH"
)

// RequiredNames returns every secret name a fully configured site defines
func RequiredNames() []string {
	return []string{
		NameFTPServer,
		NameFTPUsername,
		NameFTPPassword,
		NameSSHHost,
		NameSSHUser,
		NameSSHPrivateKey,
		NameSSHPassphrase,
		NameDeployPath,
	}
}

// OptionalNames returns the secrets a site may leave unset: passphrase-less
// keys need no SSH_PASSPHRASE, and DEPLOY_PATH can come from the site record.
func OptionalNames() []string {
	return []string{NameSSHPassphrase, NameDeployPath}
}

// Scoped prefixes a secret name with the site and environment it belongs to.
// Vault entries are stored under scoped names so one vault can hold
// credentials for many sites.
func Scoped(site, env, name string) string {
	return fmt.Sprintf("%s/%s/%s", site, env, name)
}

// Source resolves named deployment secrets
type Source interface {
	// GetSecret retrieves a single secret by scoped name
	GetSecret(ctx context.Context, name string) (string, error)

	// GetSecrets retrieves several secrets at once, failing on the first
	// missing name
	GetSecrets(ctx context.Context, names ...string) (map[string]string, error)
}

// VaultSource implements Source backed by the encrypted vault file
type VaultSource struct {
	vault *Vault
}

// NewVaultSource wraps an opened vault
func NewVaultSource(vault *Vault) *VaultSource {
	return &VaultSource{vault: vault}
}

func (s *VaultSource) GetSecret(_ context.Context, name string) (string, error) {
	return s.vault.Get(name)
}

func (s *VaultSource) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := s.GetSecret(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// EnvSource implements Source using environment variables. This is how CI
// runs resolve secrets: the workflow exports plain names like FTP_SERVER,
// so the scope prefix is dropped before the lookup.
type EnvSource struct{}

// NewEnvSource creates a new environment variable-backed source
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

func (s *EnvSource) GetSecret(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(path.Base(name))
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *EnvSource) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := s.GetSecret(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// Chain tries each source in order and returns the first hit. The usual
// arrangement is Chain(EnvSource, VaultSource) so CI-provided values win
// over vault entries.
type Chain struct {
	sources []Source
}

// NewChain builds a source that falls through the given sources in order
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

func (c *Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, source := range c.sources {
		value, err := source.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errors.ErrSecretNotFound, name)
}

func (c *Chain) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := c.GetSecret(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// Resolve gathers a site's deployment secrets from src. Required names must
// resolve; optional names may be absent and resolve to "".
func Resolve(ctx context.Context, src Source, site, env string) (map[string]string, error) {
	optional := map[string]bool{}
	for _, name := range OptionalNames() {
		optional[name] = true
	}

	out := make(map[string]string, len(RequiredNames()))
	for _, name := range RequiredNames() {
		value, err := src.GetSecret(ctx, Scoped(site, env, name))
		if err != nil {
			if optional[name] {
				out[name] = ""
				continue
			}
			return nil, fmt.Errorf("secret %s is not configured for %s/%s: %w", name, site, env, err)
		}
		out[name] = value
	}
	return out, nil
}
