package app

import (
	migrate "github.com/golang-migrate/migrate/v4"
)

// RunMigrations applies pending schema migrations. A database that is
// already current is not an error.
func RunMigrations(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
