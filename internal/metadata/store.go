// Package metadata persists the access key → owner → file mapping.
//
// Two engines sit behind the same Store contract: PostgreSQL for networked
// deployments and SQLite for a single local file. Both enforce the unique
// access key and the file → owner reference in the schema itself; the Go
// side only classifies the engine errors into the sentinels below.
package metadata

import (
	"context"

	"github.com/juju/errors"
)

const (
	// ErrDuplicateKey is returned by CreateOwner when the access key is
	// already bound to another owner. The existing owner is left untouched.
	ErrDuplicateKey = errors.ConstError("access key already exists")

	// ErrUnknownOwner is returned by CreateFile when the owner id does not
	// reference an existing owner.
	ErrUnknownOwner = errors.ConstError("unknown owner")

	// ErrNotFound is returned by the lookups when no row matches.
	ErrNotFound = errors.ConstError("record not found")
)

// Owner identifies one issued access key.
type Owner struct {
	ID        int64
	AccessKey string
}

// File describes one stored blob and the owner it belongs to.
type File struct {
	ID       int64
	OwnerID  int64
	Filename string
	Location string
}

// Counts is a row count snapshot used by health reporting.
type Counts struct {
	Owners int64 `json:"owners"`
	Files  int64 `json:"files"`
}

// Store is the metadata contract consumed by the transfer service.
type Store interface {
	// CreateOwner persists a new owner bound to accessKey.
	CreateOwner(ctx context.Context, accessKey string) (Owner, error)
	// CreateFile persists a file record bound to an existing owner.
	CreateFile(ctx context.Context, ownerID int64, filename, location string) (File, error)
	// FindOwnerByKey resolves an access key.
	FindOwnerByKey(ctx context.Context, accessKey string) (Owner, error)
	// FindFileByOwner returns the first file recorded for ownerID.
	FindFileByOwner(ctx context.Context, ownerID int64) (File, error)
}
