package commands

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/savaki/ftp-deployer/internal/archive"
	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/dao/lockdao"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/dao/stepdao"
	"github.com/savaki/ftp-deployer/internal/di"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/pipeline"
	"github.com/savaki/ftp-deployer/internal/policy"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/store"
)

// ensureHome creates the state directory that holds the database and vault
func ensureHome(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.Home, err)
	}
	return nil
}

// openStore opens the sqlite database under the state directory, creating
// the directory on first use
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := ensureHome(cfg); err != nil {
		return nil, err
	}
	return store.Open(cfg.DBPath())
}

// vaultPassphrase resolves the vault passphrase from the environment or, on
// a terminal, by prompting. confirm asks for the passphrase twice, for init.
func vaultPassphrase(cfg *config.Config, confirmEntry bool) ([]byte, error) {
	passphrase, err := di.VaultPassphrase(cfg)
	if err != nil {
		return nil, err
	}
	if len(passphrase) > 0 {
		return passphrase, nil
	}

	passphrase, err = promptSecret("Vault passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if confirmEntry {
		again, err := promptSecret("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if string(passphrase) != string(again) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return passphrase, nil
}

// promptSecret reads a value without echoing it. When stdin is not a
// terminal the value is read as a single line instead, so the command stays
// scriptable.
func promptSecret(prompt string) ([]byte, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	return value, nil
}

// openVault opens the encrypted vault, prompting for the passphrase when it
// is not configured in the environment
func openVault(cfg *config.Config) (*secrets.Vault, error) {
	passphrase, err := vaultPassphrase(cfg, false)
	if err != nil {
		return nil, err
	}
	return secrets.Open(cfg.VaultPath(), passphrase)
}

// newSecretSource builds the secret lookup chain the pipeline resolves
// credentials through: environment variables first, then the vault when one
// has been initialized.
func newSecretSource(cfg *config.Config, logger *zerolog.Logger) (secrets.Source, error) {
	if _, err := os.Stat(cfg.VaultPath()); os.IsNotExist(err) {
		logger.Warn().Msg("No vault found, resolving secrets from environment variables only")
		return secrets.NewEnvSource(), nil
	}

	vault, err := openVault(cfg)
	if err != nil {
		return nil, err
	}
	return secrets.NewChain(secrets.NewEnvSource(), secrets.NewVaultSource(vault)), nil
}

// newRunner assembles the deploy pipeline the way the server does, but with
// direct construction so one-shot commands need no container
func newRunner(ctx context.Context, cfg *config.Config, st *store.Store, source secrets.Source, logger zerolog.Logger) (*pipeline.Runner, error) {
	validator, err := policy.NewValidator()
	if err != nil {
		return nil, err
	}

	var archiveStore *archive.Store
	if cfg.ArchiveConfig().Enabled() {
		archiveStore, err = archive.NewStore(ctx, cfg.ArchiveConfig(), logger)
		if err != nil {
			return nil, err
		}
	}

	var signer *archive.Signer
	if archiveStore != nil {
		signer, err = loadSigner(ctx, source)
		if err != nil {
			return nil, err
		}
	}

	db := st.DB()
	return pipeline.New(pipeline.Params{
		Sites:     sitedao.New(db),
		Releases:  releasedao.New(db),
		Steps:     stepdao.New(db),
		Locks:     lockdao.New(db),
		Secrets:   source,
		Validator: validator,
		Dialer:    newDialer(cfg),
		Archive:   archiveStore,
		Signer:    signer,
		Logger:    logger,
	}), nil
}

// newDialer builds the production dialer from the daemon settings
func newDialer(cfg *config.Config) *pipeline.NetDialer {
	return &pipeline.NetDialer{
		KnownHostsFile:  cfg.KnownHostsFile,
		InsecureHostKey: cfg.InsecureHostKey,
		DialTimeout:     cfg.DialTimeout,
		CommandTimeout:  cfg.CommandTimeout,
	}
}

// loadSigner loads the manifest signing key from the secret source. A
// missing key means archives are stored unsigned.
func loadSigner(ctx context.Context, source secrets.Source) (*archive.Signer, error) {
	value, err := source.GetSecret(ctx, archive.SigningKeyName)
	if errors.Is(err, errors.ErrSecretNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	}
	return archive.NewSigner(seed)
}

// confirm asks the operator for a yes/no answer
func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}

// localUser returns the operator's login name for the triggered_by field
func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "local"
}
