// Package storage defines the uniform back-end capability set (spec.md
// §4.1, component C1) implemented by pkg/storage/local and pkg/storage/s3,
// and the errors every back-end normalizes its failures into.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a read/rename/remove targets a name the
	// back-end does not hold.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Rename when newPath already exists.
	// NewFile and Save never return it: both overwrite an existing name.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrIO is the single error kind a back-end wraps underlying transport
	// failures into (spec.md §4.1 "Failure semantics").
	ErrIO = errors.New("backend I/O error")
)

// Backend is the uniform object-like CRUD surface every storage back-end
// (local filesystem, S3, ...) must implement. A back-end with invalid
// credentials must fail in its constructor, not lazily on first call.
type Backend interface {
	// Name is the back-end's configured, cache-unique name.
	Name() string

	// NewFile creates path, optionally writing data; re-creating an existing
	// path overwrites it (idempotent create).
	NewFile(ctx context.Context, path string, data io.Reader) error

	// Save writes the whole body to path, overwriting any existing content.
	Save(ctx context.Context, path string, data io.Reader) (int64, error)

	// Read opens path for reading. The caller must close the returned
	// ReadCloser. Returns ErrNotFound if path does not exist.
	Read(ctx context.Context, path string) (size int64, body io.ReadCloser, err error)

	// Rename atomically renames oldPath to newPath within the back-end.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Remove deletes path. Returns ErrNotFound if path does not exist.
	Remove(ctx context.Context, path string) error

	// List returns every object name held by the back-end.
	List(ctx context.Context) ([]string, error)

	// Find returns the first name in the back-end's own listing that
	// matches name: an exact match when strict is true, a substring match
	// otherwise. Returns ErrNotFound if nothing matches.
	Find(ctx context.Context, name string, strict bool) (string, error)

	// CreationTime returns the UTC creation time of path. The local and S3
	// back-ends report the last-modification time (file mtime, object
	// LastModified) as that time.
	CreationTime(ctx context.Context, path string) (time.Time, error)

	// IsNewFile reports whether path's creation time is within the
	// back-end's configured freshness window — used by retention GC to
	// avoid collecting in-flight uploads (spec.md §4.5).
	IsNewFile(ctx context.Context, path string) (bool, error)

	// AvailableSpace returns free bytes; UsedSpace returns occupied bytes.
	AvailableSpace(ctx context.Context) (uint64, error)
	UsedSpace(ctx context.Context) (uint64, error)

	// IsFull reports whether used/(used+available) is at or above the
	// back-end's fullness threshold (spec.md §3, default 0.95).
	IsFull(ctx context.Context) (bool, error)
}

// DefaultFreshnessWindow is the default duration (spec.md §4.1) within which
// a file is considered "new" (in-flight) and exempt from GC.
const DefaultFreshnessWindow = 3600 * time.Second

// DefaultFullnessThreshold is the default used/(used+available) ratio
// (spec.md §3) at or above which a back-end reports itself full.
const DefaultFullnessThreshold = 0.95

// IsReservedName reports whether name is a reserved key-material file
// ("key.priv", "key.pub", or anything starting with "key.") which spec.md §3
// says is never GC-collected and never remotely republished.
func IsReservedName(name string) bool {
	return len(name) >= 4 && name[:4] == "key."
}
