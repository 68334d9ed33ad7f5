package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

var testNow = time.Date(2025, 10, 24, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, dir string, clock clockwork.Clock) *FileStore {
	t.Helper()
	s, err := Open(Options{Dir: dir, HotSize: 4, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSegment(kind domain.SourceKind, period domain.CoveragePeriod, fetchedAt time.Time, n int) domain.DataSegment {
	records := make([]domain.WeatherEvent, n)
	for i := range records {
		records[i] = domain.WeatherEvent{
			ID:        fmt.Sprintf("evt-%d", i),
			Timestamp: period.Start.Add(time.Duration(i) * time.Hour),
			EventType: "hail",
			Magnitude: 1.25,
			Unit:      "in",
			Location:  domain.Location{Name: "AUSTIN", State: "TX", County: "Travis"},
			Geo:       domain.Geo{Lat: 30.27, Lon: -97.74},
			Source:    kind,
		}
	}
	return domain.DataSegment{
		Source:    kind,
		Period:    period,
		Records:   records,
		FetchedAt: fetchedAt,
		Quality:   domain.QualityFor(kind),
	}
}

var (
	year2024  = domain.Period(domain.Date(2024, 1, 1), domain.Date(2025, 1, 1))
	year2023  = domain.Period(domain.Date(2023, 1, 1), domain.Date(2024, 1, 1))
	august    = domain.Period(domain.Date(2025, 8, 1), domain.Date(2025, 9, 1))
	todayOnly = domain.Period(domain.Date(2025, 10, 24), domain.Date(2025, 10, 25))
)

func TestFileStore_PutGet(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := openTestStore(t, t.TempDir(), clock)

	seg := testSegment(domain.Authoritative, year2024, testNow.Add(-time.Hour), 3)
	require.NoError(t, s.Put(seg))

	got, err := s.Get(seg.Key())
	require.NoError(t, err)
	if diff := cmp.Diff(seg, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	age, ok := s.Age(seg.Key())
	require.True(t, ok)
	assert.Equal(t, time.Hour, age)
}

func TestFileStore_GetMiss(t *testing.T) {
	s := openTestStore(t, t.TempDir(), clockwork.NewFakeClockAt(testNow))

	_, err := s.Get(domain.NewCacheKey(domain.Authoritative, year2024))
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := s.Age(domain.NewCacheKey(domain.Authoritative, year2024))
	assert.False(t, ok)
}

func TestFileStore_PutReplaces(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := openTestStore(t, t.TempDir(), clock)

	require.NoError(t, s.Put(testSegment(domain.Preliminary, august, testNow.Add(-48*time.Hour), 5)))
	require.NoError(t, s.Put(testSegment(domain.Preliminary, august, testNow, 2)))

	got, err := s.Get(domain.NewCacheKey(domain.Preliminary, august))
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)
	assert.Equal(t, testNow, got.FetchedAt)
}

func TestFileStore_EmptySegment(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))

	seg := testSegment(domain.LiveAlert, todayOnly, testNow, 0)
	require.NoError(t, s.Put(seg))

	reopened := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))
	got, err := reopened.Get(seg.Key())
	require.NoError(t, err)
	assert.Empty(t, got.Records)
	assert.Equal(t, domain.QualityRealTime, got.Quality)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(testNow)
	s := openTestStore(t, dir, clock)

	auth := testSegment(domain.Authoritative, year2024, testNow, 4)
	prelim := testSegment(domain.Preliminary, august, testNow, 2)
	prelim.Warning = "served from fallback"
	prelim.FetchedThrough = domain.Date(2025, 8, 20)
	require.NoError(t, s.Put(auth))
	require.NoError(t, s.Put(prelim))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir, clock)
	assert.Equal(t, []domain.CacheKey{auth.Key(), prelim.Key()}, reopened.ListKeys(domain.SourceUnknown))

	info, ok := reopened.Stat(auth.Key())
	require.True(t, ok)
	assert.Equal(t, 4, info.RecordCount)
	assert.Equal(t, domain.QualityVerified, info.Quality)

	got, err := reopened.Get(prelim.Key())
	require.NoError(t, err)
	assert.Equal(t, "served from fallback", got.Warning)
	assert.Equal(t, domain.Date(2025, 8, 20), got.FetchedThrough)
	assert.Len(t, got.Records, 2)

	got, err = reopened.Get(auth.Key())
	require.NoError(t, err)
	assert.True(t, got.FetchedThrough.IsZero(), "unset stays unset")
}

func TestFileStore_ListKeysByPrefix(t *testing.T) {
	s := openTestStore(t, t.TempDir(), clockwork.NewFakeClockAt(testNow))

	require.NoError(t, s.Put(testSegment(domain.Authoritative, year2023, testNow, 1)))
	require.NoError(t, s.Put(testSegment(domain.Authoritative, year2024, testNow, 1)))
	require.NoError(t, s.Put(testSegment(domain.LiveAlert, todayOnly, testNow, 1)))

	assert.Equal(t, []domain.CacheKey{
		"authoritative_20230101_20240101",
		"authoritative_20240101_20250101",
	}, s.ListKeys(domain.Authoritative))
	assert.Equal(t, []domain.CacheKey{"live_alert_20251024_20251025"}, s.ListKeys(domain.LiveAlert))
	assert.Empty(t, s.ListKeys(domain.Preliminary))
}

func TestFileStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))

	seg := testSegment(domain.Authoritative, year2024, testNow, 1)
	require.NoError(t, s.Put(seg))
	require.NoError(t, s.Delete(seg.Key()))

	_, err := s.Get(seg.Key())
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(filepath.Join(dir, string(seg.Key())+".seg"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	assert.NoError(t, s.Delete(seg.Key()), "deleting a missing key is not an error")
}

func TestFileStore_CorruptEntry(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))

	seg := testSegment(domain.Authoritative, year2024, testNow, 3)
	require.NoError(t, s.Put(seg))

	// Cut the last record short.
	path := filepath.Join(dir, string(seg.Key())+".seg")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	// A fresh store has no hot copy and must read the file.
	reopened := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))
	_, err = reopened.Get(seg.Key())
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = reopened.Get(seg.Key())
	assert.ErrorIs(t, err, ErrNotFound, "corrupt entry is deleted")
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestFileStore_OpenSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "authoritative_20240101_20250101.seg"), []byte("not json\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preliminary_20250801_20250901.seg123.seg.tmp"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello"), 0o644))

	s := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))
	assert.Empty(t, s.ListKeys(domain.SourceUnknown))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"README"}, names)
}

func TestFileStore_EvictOlderThan(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(testNow)
	s := openTestStore(t, dir, clock)

	old := testSegment(domain.Authoritative, year2023, testNow, 1)
	used := testSegment(domain.Authoritative, year2024, testNow, 1)
	require.NoError(t, s.Put(old))
	require.NoError(t, s.Put(used))

	clock.Advance(50 * 24 * time.Hour)
	_, err := s.Get(used.Key())
	require.NoError(t, err)

	clock.Advance(11 * 24 * time.Hour)
	n, err := s.EvictOlderThan(60 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.CacheKey{used.Key()}, s.ListKeys(domain.SourceUnknown))

	// Last use survives a restart through the file modification time.
	require.NoError(t, s.Close())
	reopened := openTestStore(t, dir, clock)
	clock.Advance(50 * 24 * time.Hour)
	n, err = reopened.EvictOlderThan(60 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, reopened.ListKeys(domain.SourceUnknown))
}

func TestFileStore_Closed(t *testing.T) {
	s := openTestStore(t, t.TempDir(), clockwork.NewFakeClockAt(testNow))
	require.NoError(t, s.Close())

	_, err := s.Get(domain.NewCacheKey(domain.Authoritative, year2024))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put(testSegment(domain.Authoritative, year2024, testNow, 1)), ErrClosed)
	_, err = s.EvictOlderThan(time.Hour)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_ConcurrentPutGet(t *testing.T) {
	s := openTestStore(t, t.TempDir(), clockwork.NewFakeClockAt(testNow))

	first := testSegment(domain.Preliminary, august, testNow, 10)
	require.NoError(t, s.Put(first))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := s.Put(testSegment(domain.Preliminary, august, testNow, 5+n)); err != nil {
					errs <- err
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				seg, err := s.Get(first.Key())
				if err != nil {
					errs <- err
					continue
				}
				// Every read observes a complete segment.
				if len(seg.Records) < 5 {
					errs <- fmt.Errorf("partial segment with %d records", len(seg.Records))
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestFileStore_GetRacingPutKeepsNewest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string, key domain.CacheKey)
	}{
		{
			name: "replaced segment read from disk",
			setup: func(t *testing.T, dir string, _ domain.CacheKey) {
				s, err := Open(Options{Dir: dir, Clock: clockwork.NewFakeClockAt(testNow)})
				require.NoError(t, err)
				require.NoError(t, s.Put(testSegment(domain.Preliminary, august, testNow.Add(-48*time.Hour), 20000)))
				require.NoError(t, s.Close())
			},
		},
		{
			name: "corrupt segment deleted",
			setup: func(t *testing.T, dir string, key domain.CacheKey) {
				s, err := Open(Options{Dir: dir, Clock: clockwork.NewFakeClockAt(testNow)})
				require.NoError(t, err)
				require.NoError(t, s.Put(testSegment(domain.Preliminary, august, testNow.Add(-48*time.Hour), 20000)))
				require.NoError(t, s.Close())

				path := filepath.Join(dir, string(key)+".seg")
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := testSegment(domain.Preliminary, august, testNow, 1)
			for range 20 {
				dir := t.TempDir()
				tt.setup(t, dir, fresh.Key())
				// A reopened store has an empty hot cache.
				s := openTestStore(t, dir, clockwork.NewFakeClockAt(testNow))

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, _ = s.Get(fresh.Key())
				}()
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Put(fresh))
				}()
				wg.Wait()

				got, err := s.Get(fresh.Key())
				require.NoError(t, err)
				require.Equal(t, testNow, got.FetchedAt, "Get returned the replaced segment")
				require.Len(t, got.Records, 1)
			}
		})
	}
}
