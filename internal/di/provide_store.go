package di

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/savaki/ftp-deployer/internal/config"
	"github.com/savaki/ftp-deployer/internal/store"
)

// ProvideStore opens the sqlite database under the configured home
// directory, creating the directory on first use.
func ProvideStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", cfg.Home, err)
	}
	return store.Open(cfg.DBPath())
}

// ProvideDB exposes the raw database handle the DAOs are built on
func ProvideDB(s *store.Store) *sql.DB {
	return s.DB()
}
