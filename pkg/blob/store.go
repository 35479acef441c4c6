// Package blob abstracts the object storage that holds input mailbox files,
// run logs and the run lease.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrLeaseHeld is returned when another holder owns the lease.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrEmpty is returned by FindMatching when the store holds no objects.
	ErrEmpty = errors.New("storage location is empty")
)

// LeaseSuffix marks the objects backing a lease. Backends keep them out of
// List, and FindMatching never returns them.
const LeaseSuffix = ".lease"

// IsLeaseObject reports whether name is the backing object of a lease.
func IsLeaseObject(name string) bool {
	return strings.HasSuffix(name, LeaseSuffix)
}

// Object describes one stored object. Name uses "/" as the virtual folder
// separator.
type Object struct {
	Name string
	Size int64
}

// Lease is an exclusive claim on an object.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Store is the object storage contract used by the pipeline.
type Store interface {
	// List returns every object whose name starts with prefix, descending
	// into virtual folders.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Open streams an object's content.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Append adds data to the end of an object, creating it if needed.
	Append(ctx context.Context, name string, data []byte) error

	// AcquireLease claims name for duration. Returns ErrLeaseHeld when the
	// lease belongs to someone else.
	AcquireLease(ctx context.Context, name string, duration time.Duration) (Lease, error)
}

// Match reports whether the base name of an object matches pattern. Matching
// is case-insensitive; "*" matches any run of characters within the name.
func Match(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(path.Base(name)))
	return err == nil && ok
}

// FindMatching lists every object in store whose base name matches pattern,
// sorted by name. Lease objects are ignored. A store holding nothing else
// yields ErrEmpty; a store without matches yields no objects and no error.
func FindMatching(ctx context.Context, store Store, pattern string) ([]Object, error) {
	objects, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var matched []Object
	content := 0
	for _, obj := range objects {
		if IsLeaseObject(obj.Name) {
			continue
		}
		content++
		if Match(pattern, obj.Name) {
			matched = append(matched, obj)
		}
	}
	if content == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}
