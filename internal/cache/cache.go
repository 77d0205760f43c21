// Package cache restores and saves directories keyed by content hashes.
//
// A lookup tries the exact key first, then each restore key as a prefix.
// Among entries matching the same restore key the most recently stored
// one wins. Entries are tar archives compressed with zstd.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrUnavailable wraps every failure of the backing store other than a
	// missing entry. Callers treat it as a miss.
	ErrUnavailable = errors.New("cache service unavailable")
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("cache entry not found")
)

// HitKind classifies a lookup.
type HitKind string

const (
	HitExact   HitKind = "exact"
	HitPartial HitKind = "partial"
	Miss       HitKind = "miss"
)

// LookupResult reports what was restored. Key is the entry that matched,
// empty on a miss.
type LookupResult struct {
	Hit  HitKind
	Key  string
	Path string
}

// Entry describes one stored archive.
type Entry struct {
	Key      string
	Modified time.Time
}

// Store is a backend holding archives by key. Implementations must allow
// concurrent readers and concurrent writers to distinct keys.
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// latest picks the most recently stored entry; ties go to the greater key.
func latest(entries []Entry) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if !found || e.Modified.After(best.Modified) ||
			(e.Modified.Equal(best.Modified) && e.Key > best.Key) {
			best, found = e, true
		}
	}
	return best, found
}
