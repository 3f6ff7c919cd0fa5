package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/savaki/ftp-deployer/internal/archive"
)

const envPrefix = "FTP_DEPLOYER"

// Config holds every setting that comes from the environment rather than
// from per-site records. All variables share the FTP_DEPLOYER_ prefix.
type Config struct {
	// Home is the state directory holding the database and the secrets
	// vault. Defaults to ~/.ftp-deployer.
	Home string `envconfig:"FTP_DEPLOYER_HOME"`

	// Addr is the listen address for the server command
	Addr string `envconfig:"FTP_DEPLOYER_ADDR" default:"127.0.0.1:8080"`

	// BaseURL is the externally visible URL of the server, used to build
	// the OAuth callback. Defaults to http://{Addr}.
	BaseURL string `envconfig:"FTP_DEPLOYER_BASE_URL"`

	VaultPassphrase     string `envconfig:"FTP_DEPLOYER_VAULT_PASSPHRASE"`
	VaultPassphraseFile string `envconfig:"FTP_DEPLOYER_VAULT_PASSPHRASE_FILE"`

	KnownHostsFile  string        `envconfig:"FTP_DEPLOYER_KNOWN_HOSTS_FILE"`
	InsecureHostKey bool          `envconfig:"FTP_DEPLOYER_INSECURE_HOST_KEY"`
	DialTimeout     time.Duration `envconfig:"FTP_DEPLOYER_DIAL_TIMEOUT" default:"30s"`
	CommandTimeout  time.Duration `envconfig:"FTP_DEPLOYER_COMMAND_TIMEOUT" default:"10m"`

	DisableAuth       bool     `envconfig:"FTP_DEPLOYER_DISABLE_AUTH"`
	OIDCIssuer        string   `envconfig:"FTP_DEPLOYER_OIDC_ISSUER"`
	Auth0Domain       string   `envconfig:"FTP_DEPLOYER_AUTH0_DOMAIN"`
	OAuthClientID     string   `envconfig:"FTP_DEPLOYER_OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `envconfig:"FTP_DEPLOYER_OAUTH_CLIENT_SECRET"`
	AllowedEmails     []string `envconfig:"FTP_DEPLOYER_ALLOWED_EMAILS"`

	ArchiveBucket          string `envconfig:"FTP_DEPLOYER_ARCHIVE_BUCKET"`
	ArchivePrefix          string `envconfig:"FTP_DEPLOYER_ARCHIVE_PREFIX" default:"releases"`
	ArchiveRegion          string `envconfig:"FTP_DEPLOYER_ARCHIVE_REGION" default:"us-east-1"`
	ArchiveEndpoint        string `envconfig:"FTP_DEPLOYER_ARCHIVE_ENDPOINT"`
	ArchiveAccessKeyID     string `envconfig:"FTP_DEPLOYER_ARCHIVE_ACCESS_KEY_ID"`
	ArchiveSecretAccessKey string `envconfig:"FTP_DEPLOYER_ARCHIVE_SECRET_ACCESS_KEY"`
	ArchivePathStyle       bool   `envconfig:"FTP_DEPLOYER_ARCHIVE_PATH_STYLE"`
}

// Load reads the configuration from the environment and fills in defaults
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: unable to resolve home directory: %w", err)
		}
		c.Home = filepath.Join(home, ".ftp-deployer")
	}

	return &c, nil
}

// DBPath returns the location of the sqlite database
func (c *Config) DBPath() string {
	return filepath.Join(c.Home, "deployer.db")
}

// VaultPath returns the location of the encrypted secrets vault
func (c *Config) VaultPath() string {
	return filepath.Join(c.Home, "vault.json")
}

// CallbackURL returns the OAuth callback the provider redirects to after login
func (c *Config) CallbackURL() string {
	base := c.BaseURL
	if base == "" {
		base = "http://" + c.Addr
	}
	return strings.TrimSuffix(base, "/") + "/oauth/callback"
}

// ArchiveConfig maps the archive settings onto the S3 client configuration.
// The returned config is disabled unless a bucket was set.
func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Bucket:          c.ArchiveBucket,
		Prefix:          c.ArchivePrefix,
		Region:          c.ArchiveRegion,
		Endpoint:        c.ArchiveEndpoint,
		AccessKeyID:     c.ArchiveAccessKeyID,
		SecretAccessKey: c.ArchiveSecretAccessKey,
		UsePathStyle:    c.ArchivePathStyle,
	}
}
