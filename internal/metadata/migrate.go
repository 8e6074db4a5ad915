package metadata

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/juju/errors"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies every pending up migration for dialect. dsn is the
// DATABASE_URL for PostgreSQL or the database file path for SQLite.
// Running it against an up-to-date schema is a no-op.
//
// The migrator opens and closes its own connection so the store's pool is
// never shared with it.
func Migrate(dialect Dialect, dsn string) error {
	url, err := migrationURL(dialect, dsn)
	if err != nil {
		return errors.Trace(err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return errors.Annotate(err, "loading migration source")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return errors.Annotate(err, "creating migrator")
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Annotate(err, "applying migrations")
	}

	version, dirty, err := m.Version()
	if err == nil {
		logger.Infof("%s schema at version %d (dirty=%v)", dialect, version, dirty)
	}
	return nil
}

func migrationURL(dialect Dialect, dsn string) (string, error) {
	if dsn == "" {
		return "", errors.NotValidf("empty %s dsn", dialect)
	}
	switch dialect {
	case DialectPostgres:
		return dsn, nil
	case DialectSQLite:
		if strings.HasPrefix(dsn, "sqlite://") {
			return dsn, nil
		}
		return "sqlite://" + dsn, nil
	}
	return "", errors.NotSupportedf("dialect %q", dialect)
}
