package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies every pending up migration found in dir.
// An already up-to-date schema is not an error.
func RunMigrations(databaseURL, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve migrations dir: %w", err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the schema version recorded in the database.
func MigrationVersion(databaseURL, dir string) (version uint, dirty bool, err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, false, fmt.Errorf("resolve migrations dir: %w", err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return 0, false, fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}
