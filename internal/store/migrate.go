package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
)

// RunMigrations applies every pending migration under migrationsPath
// (a directory of golang-migrate-style NNNN_name.up.sql/down.sql
// files, e.g. the module's own migrations/) to the database dsn
// points at. A no-op if the schema is already current.
//
// Grounded on the teacher's cmd/migrate/main.go, which drives the
// same library directly against a dsn/dir pair rather than through
// its own custom migration package — the more directly reusable of
// the teacher's two migration-running styles since it needs no
// bespoke CreateMigration tooling AgentCom has no use for.
func RunMigrations(dsn, migrationsPath string) error {
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("constructing migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
