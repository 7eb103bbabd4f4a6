package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFS embeds the schema migrations applied by Migrate
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration directions accepted by Migrate
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// ErrNoChange is returned by Migrate when the schema is already at the target version
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded migrations in the given direction.
// steps > 0 limits the number of migrations applied; 0 applies all of them.
func Migrate(dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("database DSN is required")
	}
	if direction != DirectionUp && direction != DirectionDown {
		return fmt.Errorf("direction must be %s or %s, got %q", DirectionUp, DirectionDown, direction)
	}
	if steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", steps)
	}

	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch {
	case steps > 0 && direction == DirectionUp:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case direction == DirectionUp:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// SchemaVersion reports the applied migration version and whether the last
// migration failed halfway
func SchemaVersion(dsn string) (version uint, dirty bool, err error) {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return 0, false, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
