package metadata

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/errors"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var postgresEngine = engine{
	dialect:               DialectPostgres,
	rebind:                dollarNumbers,
	isUniqueViolation:     pgCode(pgUniqueViolation),
	isForeignKeyViolation: pgCode(pgForeignKeyViolation),
}

// OpenPostgres opens a PostgreSQL connection pool through the pgx driver
// and checks connectivity before returning.
func OpenPostgres(databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, errors.NotValidf("empty DATABASE_URL")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Annotate(err, "opening postgres")
	}

	// Conservative pool defaults.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "pinging postgres")
	}

	return newSQLStore(db, postgresEngine), nil
}

func pgCode(code string) func(error) bool {
	return func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == code
	}
}
