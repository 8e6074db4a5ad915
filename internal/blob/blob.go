// Package blob stores uploaded bytes and hands them back by location.
//
// Every backend makes the bytes durable before Put returns, and a failed
// Put never leaves an object readable at the returned location. Callers
// rely on that ordering to write metadata only after Put succeeds.
package blob

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("drop.blob")

// ErrBlobNotFound is returned by Open when nothing is stored at a location.
const ErrBlobNotFound = errors.ConstError("blob not found")

// maxExtLen bounds the extension carried over from the client's filename.
const maxExtLen = 16

// Stored describes a blob after a successful Put.
type Stored struct {
	// Name is the generated display name: timestamp, random suffix and the
	// original extension.
	Name string
	// Location is the backend-specific reference passed back to Open.
	Location string
	Size     int64
}

// Object is an open blob. Size is -1 when the backend does not know it.
type Object struct {
	io.ReadCloser
	Size int64
}

// Store is the byte-persistence contract.
type Store interface {
	Put(ctx context.Context, r io.Reader, originalName string) (Stored, error)
	Open(ctx context.Context, location string) (Object, error)
	Ping(ctx context.Context) error
}

// Namer assigns collision-free names keyed by arrival time.
type Namer struct {
	clock clock.Clock
}

// NewNamer returns a Namer reading time from clk.
func NewNamer(clk clock.Clock) Namer {
	if clk == nil {
		clk = clock.WallClock
	}
	return Namer{clock: clk}
}

// Name returns "<unix millis>-<12 hex chars><ext>". The random suffix keeps
// two uploads arriving in the same millisecond apart.
func (n Namer) Name(originalName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s%s", n.clock.Now().UnixMilli(), suffix, Extension(originalName))
}

// Extension returns the lower-cased extension of a client supplied filename,
// or "" when it is missing or contains anything but ASCII letters and digits.
// Dot files such as ".env" have no extension.
func Extension(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return ""
	}
	ext := strings.ToLower(name[dot:])
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// ContentType guesses a MIME type from name's extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(Extension(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
