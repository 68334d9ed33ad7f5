// Package store persists fetched segments under their cache keys.
//
// Each segment is one file named {key}.seg in the cache directory. The first
// line is a JSON header carrying fetchedAt, quality and recordCount; each
// following line is one JSON-encoded event. Writes go to a temp file which is
// fsynced and renamed over the previous version, so a reader opens either the
// old segment or the new one, never a partial write.
//
// The in-memory index is rebuilt at Open by reading only the header line of
// every file. A file's modification time records when the entry was last read
// or written and drives EvictOlderThan.
package store

import (
	"errors"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

var (
	// ErrNotFound is returned by Get for a key with no entry.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt is returned by Get when a persisted entry cannot be decoded.
	// The entry has already been deleted when it is returned.
	ErrCorrupt = errors.New("cache entry corrupt")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache store closed")
)

// Store is the cache the reconciliation engine and scheduler share.
// Operations on different keys are independent; writes to the same key are
// serialized.
type Store interface {
	Get(key domain.CacheKey) (domain.DataSegment, error)
	Put(seg domain.DataSegment) error
	Delete(key domain.CacheKey) error
	// Age is the time since the entry was fetched, false if absent.
	Age(key domain.CacheKey) (time.Duration, bool)
	// EvictOlderThan removes entries not read or written within d and
	// returns how many were removed.
	EvictOlderThan(d time.Duration) (int, error)
	// ListKeys returns keys for one source, or every key for SourceUnknown.
	ListKeys(kind domain.SourceKind) []domain.CacheKey
	Close() error
}
