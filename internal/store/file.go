package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

const (
	fileExt       = ".seg"
	tempPattern   = "*.seg.tmp"
	formatVersion = 1

	// Event lines can carry long NWS narratives.
	maxLineBytes = 4 << 20
)

// header is the first line of every segment file.
type header struct {
	Version     int                   `json:"version"`
	Key         domain.CacheKey       `json:"key"`
	Source      domain.SourceKind     `json:"source"`
	Period      domain.CoveragePeriod `json:"period"`
	FetchedAt   time.Time             `json:"fetched_at"`
	Quality     domain.Quality        `json:"quality"`
	RecordCount int                   `json:"record_count"`
	Warning     string                `json:"warning,omitempty"`

	FetchedThrough time.Time `json:"fetched_through,omitzero"`
}

type indexEntry struct {
	fetchedAt   time.Time
	quality     domain.Quality
	recordCount int
	lastUsed    time.Time
}

// Options configures a FileStore.
type Options struct {
	Dir     string
	HotSize int // segments kept decoded in memory; 0 disables
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// FileStore is a Store backed by one file per segment.
type FileStore struct {
	dir    string
	clock  clockwork.Clock
	logger *slog.Logger
	hot    *lruCache[domain.CacheKey, domain.DataSegment]

	// mu guards index and closed only. It is never held across file I/O.
	mu     sync.RWMutex
	index  map[domain.CacheKey]indexEntry
	closed bool

	locks sync.Map // domain.CacheKey -> *sync.Mutex
}

// Open creates the cache directory if needed and rebuilds the index from the
// headers of the files already in it. Leftover temp files from an interrupted
// write are removed; unreadable files are deleted and logged.
func Open(opts Options) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &FileStore{
		dir:    opts.Dir,
		clock:  opts.Clock,
		logger: opts.Logger,
		hot:    newLRUCache[domain.CacheKey, domain.DataSegment](opts.HotSize),
		index:  make(map[domain.CacheKey]indexEntry),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	s.logger.Info("cache store opened", "dir", s.dir, "entries", len(s.index))
	return s, nil
}

func (s *FileStore) scan() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(path)
			continue
		}
		if !strings.HasSuffix(name, fileExt) {
			continue
		}

		key := domain.CacheKey(strings.TrimSuffix(name, fileExt))
		if _, _, err := key.Parse(); err != nil {
			s.logger.Warn("skipping unrecognized cache file", "file", name, "error", err)
			continue
		}

		h, err := readHeader(path)
		if err != nil || h.Key != key {
			s.logger.Warn("removing unreadable cache entry", "key", key, "error", err)
			_ = os.Remove(path)
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		s.index[key] = indexEntry{
			fetchedAt:   h.FetchedAt,
			quality:     h.Quality,
			recordCount: h.RecordCount,
			lastUsed:    info.ModTime(),
		}
	}
	return nil
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return header{}, err
	}
	return decodeHeader(line)
}

func decodeHeader(line []byte) (header, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return header{}, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != formatVersion {
		return header{}, fmt.Errorf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

func (s *FileStore) path(key domain.CacheKey) string {
	return filepath.Join(s.dir, string(key)+fileExt)
}

func (s *FileStore) lock(key domain.CacheKey) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *FileStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get returns the segment stored under key. A corrupt entry is deleted and
// reported as ErrCorrupt so the caller can treat it as a miss.
func (s *FileStore) Get(key domain.CacheKey) (domain.DataSegment, error) {
	if s.isClosed() {
		return domain.DataSegment{}, ErrClosed
	}

	s.mu.RLock()
	_, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return domain.DataSegment{}, ErrNotFound
	}

	if seg, ok := s.hot.get(key); ok {
		s.touch(key)
		return seg, nil
	}

	// The file read and the hot fill happen under the key lock so a
	// concurrent Put cannot be overwritten by the segment it replaced.
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if seg, ok := s.hot.get(key); ok {
		s.touch(key)
		return seg, nil
	}

	seg, err := s.read(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Deleted between the index check and the open.
		return domain.DataSegment{}, ErrNotFound
	case err != nil:
		s.logger.Warn("deleting corrupt cache entry", "key", key, "error", err)
		if delErr := s.deleteLocked(key); delErr != nil {
			s.logger.Error("delete corrupt cache entry", "key", key, "error", delErr)
		}
		return domain.DataSegment{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	s.hot.put(key, seg)
	s.touch(key)
	return seg, nil
}

func (s *FileStore) read(key domain.CacheKey) (domain.DataSegment, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return domain.DataSegment{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return domain.DataSegment{}, err
		}
		return domain.DataSegment{}, errors.New("empty segment file")
	}
	h, err := decodeHeader(sc.Bytes())
	if err != nil {
		return domain.DataSegment{}, err
	}
	if h.Key != key {
		return domain.DataSegment{}, fmt.Errorf("header key %q does not match file", h.Key)
	}

	records := make([]domain.WeatherEvent, 0, h.RecordCount)
	for sc.Scan() {
		var e domain.WeatherEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return domain.DataSegment{}, fmt.Errorf("decode record %d: %w", len(records), err)
		}
		records = append(records, e)
	}
	if err := sc.Err(); err != nil {
		return domain.DataSegment{}, err
	}
	if len(records) != h.RecordCount {
		return domain.DataSegment{}, fmt.Errorf("truncated segment: header says %d records, found %d", h.RecordCount, len(records))
	}

	return domain.DataSegment{
		Source:         h.Source,
		Period:         h.Period,
		Records:        records,
		FetchedAt:      h.FetchedAt,
		FetchedThrough: h.FetchedThrough,
		Quality:        h.Quality,
		Warning:        h.Warning,
	}, nil
}

// touch records a use of key for eviction.
func (s *FileStore) touch(key domain.CacheKey) {
	now := s.clock.Now()
	s.mu.Lock()
	if e, ok := s.index[key]; ok {
		e.lastUsed = now
		s.index[key] = e
	}
	s.mu.Unlock()

	if err := os.Chtimes(s.path(key), now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("touch cache entry", "key", key, "error", err)
	}
}

// Put atomically replaces the entry for the segment's key.
func (s *FileStore) Put(seg domain.DataSegment) error {
	if s.isClosed() {
		return ErrClosed
	}
	key := seg.Key()

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.write(key, seg); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	now := s.clock.Now()
	_ = os.Chtimes(s.path(key), now, now)

	s.mu.Lock()
	s.index[key] = indexEntry{
		fetchedAt:   seg.FetchedAt,
		quality:     seg.Quality,
		recordCount: len(seg.Records),
		lastUsed:    now,
	}
	s.mu.Unlock()
	s.hot.put(key, seg)

	s.logger.Debug("cache entry written", "key", key, "records", len(seg.Records))
	return nil
}

func (s *FileStore) write(key domain.CacheKey, seg domain.DataSegment) (err error) {
	tmp, err := os.CreateTemp(s.dir, string(key)+tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	h := header{
		Version:     formatVersion,
		Key:         key,
		Source:      seg.Source,
		Period:      seg.Period,
		FetchedAt:   seg.FetchedAt.UTC(),
		Quality:     seg.Quality,
		RecordCount: len(seg.Records),
		Warning:     seg.Warning,

		FetchedThrough: seg.FetchedThrough.UTC(),
	}
	if err = enc.Encode(h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for i := range seg.Records {
		if err = enc.Encode(seg.Records[i]); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key domain.CacheKey) error {
	if s.isClosed() {
		return ErrClosed
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	return s.deleteLocked(key)
}

func (s *FileStore) deleteLocked(key domain.CacheKey) error {
	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()
	s.hot.delete(key)

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Age returns how long ago the entry for key was fetched.
func (s *FileStore) Age(key domain.CacheKey) (time.Duration, bool) {
	s.mu.RLock()
	e, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return s.clock.Since(e.fetchedAt), true
}

// EvictOlderThan removes every entry whose last use is more than d ago.
func (s *FileStore) EvictOlderThan(d time.Duration) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	cutoff := s.clock.Now().Add(-d)

	s.mu.RLock()
	var candidates []domain.CacheKey
	for key, e := range s.index {
		if e.lastUsed.Before(cutoff) {
			candidates = append(candidates, key)
		}
	}
	s.mu.RUnlock()

	var (
		evicted int
		errs    []error
	)
	for _, key := range candidates {
		mu := s.lock(key)
		mu.Lock()
		// Re-check under the key lock: a concurrent Put or Get may have used it.
		s.mu.RLock()
		e, ok := s.index[key]
		s.mu.RUnlock()
		if ok && e.lastUsed.Before(cutoff) {
			if err := s.deleteLocked(key); err != nil {
				errs = append(errs, err)
			} else {
				evicted++
			}
		}
		mu.Unlock()
	}

	if evicted > 0 {
		s.logger.Info("evicted cache entries", "count", evicted, "unused_for", d.String())
	}
	return evicted, errors.Join(errs...)
}

// ListKeys returns the sorted keys for kind, or all keys for SourceUnknown.
func (s *FileStore) ListKeys(kind domain.SourceKind) []domain.CacheKey {
	s.mu.RLock()
	keys := make([]domain.CacheKey, 0, len(s.index))
	for key := range s.index {
		if kind == domain.SourceUnknown || key.Source() == kind {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Info describes an entry without decoding its records.
type Info struct {
	Key         domain.CacheKey
	FetchedAt   time.Time
	Quality     domain.Quality
	RecordCount int
	LastUsed    time.Time
}

// Stat returns the index metadata for key.
func (s *FileStore) Stat(key domain.CacheKey) (Info, bool) {
	s.mu.RLock()
	e, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return Info{
		Key:         key,
		FetchedAt:   e.fetchedAt,
		Quality:     e.quality,
		RecordCount: e.recordCount,
		LastUsed:    e.lastUsed,
	}, true
}

// Close marks the store closed. Files stay on disk for the next Open.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
