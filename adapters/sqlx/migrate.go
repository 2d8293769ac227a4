package sqlx

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies the embedded schema on a separate connection so closing the
// migrator does not close the store's pool.
func (s *Store) Migrate() error {
	if s.dsn == "" {
		return errors.New("migrate: store has no dsn")
	}
	dsn := s.dsn
	if s.driver == DriverMySQL {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return fmt.Errorf("migrate: parse dsn: %w", err)
		}
		cfg.MultiStatements = true
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}
	conn, err := sql.Open(string(s.driver), dsn)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	defer conn.Close()

	var drv database.Driver
	switch s.driver {
	case DriverMySQL:
		drv, err = migratemysql.WithInstance(conn, &migratemysql.Config{})
	default:
		drv, err = postgres.WithInstance(conn, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("migrate: driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations/"+string(s.driver))
	if err != nil {
		return fmt.Errorf("migrate: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(s.driver), drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate: version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migrate: database is dirty at version %d", version)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}
