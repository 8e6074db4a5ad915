// Package transfer binds uploaded bytes to freshly minted access keys and
// resolves those keys back to the bytes.
//
// An upload always writes in the same order: blob, owner, file. A file
// record therefore never points at bytes that are not yet durable, and a
// failure part way through leaves at most an unreferenced blob.
package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"keydrop/internal/blob"
	"keydrop/internal/keygen"
	"keydrop/internal/metadata"
)

var logger = loggo.GetLogger("drop.transfer")

const (
	// DefaultKeyAttempts bounds key generation per upload.
	DefaultKeyAttempts = 5

	keyRetryDelay = time.Millisecond
)

// Config carries the collaborators of a Service.
type Config struct {
	Store metadata.Store
	Blobs blob.Store

	// NewKey mints access keys. Defaults to keygen.Generate.
	NewKey keygen.Generator
	// KeyAttempts bounds CreateOwner attempts on key collisions.
	// Defaults to DefaultKeyAttempts.
	KeyAttempts int
	// Clock paces key retries. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the required collaborators.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil metadata store")
	}
	if c.Blobs == nil {
		return errors.NotValidf("nil blob store")
	}
	if c.KeyAttempts < 0 {
		return errors.NotValidf("negative key attempts")
	}
	return nil
}

// Service orchestrates uploads and downloads. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	store       metadata.Store
	blobs       blob.Store
	newKey      keygen.Generator
	keyAttempts int
	clock       clock.Clock
}

// NewService validates cfg and fills in defaults.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.NewKey == nil {
		cfg.NewKey = keygen.Generate
	}
	if cfg.KeyAttempts == 0 {
		cfg.KeyAttempts = DefaultKeyAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Service{
		store:       cfg.Store,
		blobs:       cfg.Blobs,
		newKey:      cfg.NewKey,
		keyAttempts: cfg.KeyAttempts,
		clock:       cfg.Clock,
	}, nil
}

// Download is a resolved access key. The caller must close Body.
type Download struct {
	Filename string
	// Size is -1 when unknown.
	Size int64
	Body io.ReadCloser
}

// Upload stores r and returns the access key bound to it. r == nil means
// the request carried no file.
func (s *Service) Upload(ctx context.Context, r io.Reader, originalName string) (string, error) {
	if r == nil {
		return "", ErrMissingFile
	}

	stored, err := s.blobs.Put(ctx, r, originalName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	// The bytes are durable from here on. Finish the metadata even if the
	// client goes away so an owner is never left without its file.
	ctx = context.WithoutCancel(ctx)

	owner, err := s.createOwner(ctx)
	if err != nil {
		return "", err
	}

	if _, err := s.store.CreateFile(ctx, owner.ID, stored.Name, stored.Location); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	logger.Infof("upload stored as %s (%d bytes), owner %d", stored.Name, stored.Size, owner.ID)
	return owner.AccessKey, nil
}

// createOwner mints keys until one is accepted by the store or the attempts
// run out.
func (s *Service) createOwner(ctx context.Context) (metadata.Owner, error) {
	var owner metadata.Owner
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			owner, err = s.store.CreateOwner(ctx, s.newKey())
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, metadata.ErrDuplicateKey)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("access key collision on attempt %d", attempt)
		},
		Attempts: s.keyAttempts,
		Delay:    keyRetryDelay,
		Clock:    s.clock,
	})
	switch {
	case err == nil:
		return owner, nil
	case retry.IsAttemptsExceeded(err):
		logger.Warningf("no unique access key after %d attempts", s.keyAttempts)
		return metadata.Owner{}, ErrKeyConflict
	default:
		return metadata.Owner{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}

// Download resolves accessKey to its file and opens the bytes.
func (s *Service) Download(ctx context.Context, accessKey string) (Download, error) {
	owner, err := s.store.FindOwnerByKey(ctx, accessKey)
	if errors.Is(err, metadata.ErrNotFound) {
		return Download{}, ErrKeyNotFound
	}
	if err != nil {
		return Download{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	file, err := s.store.FindFileByOwner(ctx, owner.ID)
	if errors.Is(err, metadata.ErrNotFound) {
		logger.Warningf("owner %d has no file record", owner.ID)
		return Download{}, ErrFileNotFound
	}
	if err != nil {
		return Download{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	obj, err := s.blobs.Open(ctx, file.Location)
	if err != nil {
		logger.Errorf("opening blob of file %d: %v", file.ID, err)
		return Download{}, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}

	return Download{Filename: file.Filename, Size: obj.Size, Body: obj.ReadCloser}, nil
}
