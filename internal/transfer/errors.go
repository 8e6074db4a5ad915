package transfer

import "github.com/juju/errors"

const (
	// ErrMissingFile rejects an upload without a file before anything is
	// written.
	ErrMissingFile = errors.ConstError("no file uploaded")

	// ErrKeyConflict means every generated key collided with an issued
	// one within the configured number of attempts.
	ErrKeyConflict = errors.ConstError("could not allocate a unique access key")

	// ErrKeyNotFound is returned for any key that does not resolve. It says
	// nothing about whether the key was ever issued.
	ErrKeyNotFound = errors.ConstError("access key not found")

	// ErrFileNotFound means the key resolved but no file record exists.
	ErrFileNotFound = errors.ConstError("file not found")

	// ErrStorageFailure wraps blob or metadata failures during upload and
	// metadata failures during download.
	ErrStorageFailure = errors.ConstError("storage failure")

	// ErrReadFailure means the key and file record resolved but the blob
	// could not be opened.
	ErrReadFailure = errors.ConstError("blob read failure")
)
