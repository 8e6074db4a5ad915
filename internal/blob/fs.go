package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// FileStore keeps blobs as files under a root directory. The location of a
// blob is its file name relative to the root.
type FileStore struct {
	root  string
	namer Namer
}

// NewFileStore creates root if needed.
func NewFileStore(root string, clk clock.Clock) (*FileStore, error) {
	if root == "" {
		return nil, errors.NotValidf("empty storage directory")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Annotatef(err, "creating storage directory %s", root)
	}
	return &FileStore{root: root, namer: NewNamer(clk)}, nil
}

// Put writes r to a temporary file, syncs it and renames it into place, so
// a reader either sees the whole blob or nothing.
func (s *FileStore) Put(ctx context.Context, r io.Reader, originalName string) (Stored, error) {
	name := s.namer.Name(originalName)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return Stored{}, errors.Annotate(err, "creating temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return Stored{}, errors.Annotatef(err, "writing %s", name)
	}
	if err := tmp.Sync(); err != nil {
		return Stored{}, errors.Annotatef(err, "syncing %s", name)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, errors.Annotatef(err, "closing %s", name)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		return Stored{}, errors.Annotatef(err, "renaming %s", name)
	}
	committed = true

	logger.Debugf("stored %s (%d bytes)", name, n)
	return Stored{Name: name, Location: name, Size: n}, nil
}

// Open returns the blob at location. Locations that escape the root are
// treated as missing.
func (s *FileStore) Open(ctx context.Context, location string) (Object, error) {
	if !filepath.IsLocal(location) {
		return Object{}, ErrBlobNotFound
	}

	f, err := os.Open(filepath.Join(s.root, location))
	if os.IsNotExist(err) {
		return Object{}, ErrBlobNotFound
	}
	if err != nil {
		return Object{}, errors.Annotatef(err, "opening %s", location)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return Object{}, errors.Annotatef(err, "stat %s", location)
	}
	if info.IsDir() {
		_ = f.Close()
		return Object{}, ErrBlobNotFound
	}
	return Object{ReadCloser: f, Size: info.Size()}, nil
}

// Ping checks that the root is still a directory.
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return errors.Trace(err)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", s.root)
	}
	return nil
}
