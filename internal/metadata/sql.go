package metadata

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("drop.metadata")

// Dialect names a supported SQL engine.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// engine holds the per-dialect differences the shared queries need.
type engine struct {
	dialect               Dialect
	rebind                func(query string) string
	isUniqueViolation     func(err error) bool
	isForeignKeyViolation func(err error) bool
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db  *sql.DB
	eng engine
}

func newSQLStore(db *sql.DB, eng engine) *SQLStore {
	return &SQLStore{db: db, eng: eng}
}

// Dialect reports which engine backs the store.
func (s *SQLStore) Dialect() Dialect {
	return s.eng.dialect
}

// DB exposes the underlying handle for health probes and tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLStore) Ping(ctx context.Context) error {
	return errors.Trace(s.db.PingContext(ctx))
}

// CreateOwner inserts a new owner row for accessKey.
func (s *SQLStore) CreateOwner(ctx context.Context, accessKey string) (Owner, error) {
	if accessKey == "" {
		return Owner{}, errors.NotValidf("empty access key")
	}

	var o Owner
	err := s.db.QueryRowContext(ctx,
		s.eng.rebind(`INSERT INTO owners (access_key) VALUES (?) RETURNING id, access_key`),
		accessKey,
	).Scan(&o.ID, &o.AccessKey)
	if err != nil {
		if s.eng.isUniqueViolation(err) {
			return Owner{}, ErrDuplicateKey
		}
		return Owner{}, errors.Annotate(err, "creating owner")
	}
	return o, nil
}

// CreateFile checks the owner and inserts the file row in one transaction.
// The foreign key on files.owner_id backs the check up if an owner row
// disappears between the two statements.
func (s *SQLStore) CreateFile(ctx context.Context, ownerID int64, filename, location string) (File, error) {
	if filename == "" || location == "" {
		return File{}, errors.NotValidf("file record without filename or location")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, errors.Annotate(err, "beginning file transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, s.eng.rebind(`SELECT 1 FROM owners WHERE id = ?`), ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrUnknownOwner
	}
	if err != nil {
		return File{}, errors.Annotatef(err, "checking owner %d", ownerID)
	}

	f := File{OwnerID: ownerID, Filename: filename, Location: location}
	err = tx.QueryRowContext(ctx,
		s.eng.rebind(`INSERT INTO files (owner_id, filename, location) VALUES (?, ?, ?) RETURNING id`),
		ownerID, filename, location,
	).Scan(&f.ID)
	if err != nil {
		if s.eng.isForeignKeyViolation(err) {
			return File{}, ErrUnknownOwner
		}
		return File{}, errors.Annotate(err, "creating file")
	}

	if err := tx.Commit(); err != nil {
		return File{}, errors.Annotate(err, "committing file")
	}
	logger.Debugf("recorded file %d for owner %d", f.ID, ownerID)
	return f, nil
}

// FindOwnerByKey looks an owner up by access key.
func (s *SQLStore) FindOwnerByKey(ctx context.Context, accessKey string) (Owner, error) {
	var o Owner
	err := s.db.QueryRowContext(ctx,
		s.eng.rebind(`SELECT id, access_key FROM owners WHERE access_key = ?`),
		accessKey,
	).Scan(&o.ID, &o.AccessKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, ErrNotFound
	}
	if err != nil {
		return Owner{}, errors.Annotate(err, "finding owner")
	}
	return o, nil
}

// FindFileByOwner returns the oldest file row of ownerID.
func (s *SQLStore) FindFileByOwner(ctx context.Context, ownerID int64) (File, error) {
	var f File
	err := s.db.QueryRowContext(ctx,
		s.eng.rebind(`SELECT id, owner_id, filename, location FROM files WHERE owner_id = ? ORDER BY id LIMIT 1`),
		ownerID,
	).Scan(&f.ID, &f.OwnerID, &f.Filename, &f.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, errors.Annotatef(err, "finding file of owner %d", ownerID)
	}
	return f, nil
}

// Counts returns the number of owner and file rows.
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM owners), (SELECT COUNT(*) FROM files)`,
	).Scan(&c.Owners, &c.Files)
	if err != nil {
		return Counts{}, errors.Annotate(err, "counting rows")
	}
	return c, nil
}

// questionMarks leaves ?-style queries as they are.
func questionMarks(query string) string {
	return query
}

// dollarNumbers rewrites ? placeholders to $1, $2, ... for PostgreSQL.
// Queries in this package never contain a literal question mark.
func dollarNumbers(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
