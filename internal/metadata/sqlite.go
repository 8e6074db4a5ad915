package metadata

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteEngine = engine{
	dialect:               DialectSQLite,
	rebind:                questionMarks,
	isUniqueViolation:     isSQLiteUnique,
	isForeignKeyViolation: isSQLiteForeignKey,
}

// sqlitePragmas are applied to every pooled connection. foreign_keys is
// off by default in SQLite and the files → owners reference depends on it.
var sqlitePragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// OpenSQLite opens (creating if needed) the SQLite database file at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.NotValidf("empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Annotatef(err, "creating directory for %s", path)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite")
	}

	// A single writer connection keeps SQLite from returning SQLITE_BUSY
	// under concurrent uploads; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "pinging sqlite")
	}

	return newSQLStore(db, sqliteEngine), nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var sb strings.Builder
	sb.WriteString(path)
	for _, p := range sqlitePragmas {
		sb.WriteString(sep)
		sb.WriteString("_pragma=")
		sb.WriteString(p)
		sep = "&"
	}
	return sb.String()
}

func sqliteCode(err error) (int, bool) {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return 0, false
	}
	return sqlErr.Code(), true
}

func isSQLiteUnique(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended codes disabled: fall back to the message.
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}
	return false
}

func isSQLiteForeignKey(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
	}
	return false
}
