package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodValidate(t *testing.T) {
	tests := []struct {
		name    string
		period  CoveragePeriod
		wantErr error
	}{
		{"single day", Period(Date(2025, 1, 1), Date(2025, 1, 2)), nil},
		{"exactly 24 months", Period(Date(2023, 10, 24), Date(2025, 10, 24)), nil},
		{"empty", Period(Date(2025, 1, 1), Date(2025, 1, 1)), ErrEmptyPeriod},
		{"inverted", Period(Date(2025, 2, 1), Date(2025, 1, 1)), ErrEmptyPeriod},
		{"over 24 months", Period(Date(2023, 10, 24), Date(2025, 10, 25)), ErrPeriodTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.period.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPeriodDays(t *testing.T) {
	assert.Equal(t, 731, Period(Date(2023, 10, 24), Date(2025, 10, 24)).Days())
	assert.Equal(t, 1, Period(Date(2025, 3, 9), Date(2025, 3, 10)).Days())
	assert.Equal(t, 0, Period(Date(2025, 3, 10), Date(2025, 3, 9)).Days())
}

func TestPeriodTruncatesToDays(t *testing.T) {
	p := Period(time.Date(2025, 1, 1, 17, 30, 0, 0, time.UTC), time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC))
	assert.Equal(t, Date(2025, 1, 1), p.Start)
	assert.Equal(t, Date(2025, 1, 3), p.End)
}

func TestPeriodContains(t *testing.T) {
	p := Period(Date(2025, 1, 1), Date(2025, 1, 3))

	assert.True(t, p.Contains(Date(2025, 1, 1)))
	assert.True(t, p.Contains(time.Date(2025, 1, 2, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.Contains(Date(2025, 1, 3)))
	assert.False(t, p.Contains(Date(2024, 12, 31)))
}

func TestPeriodIntersect(t *testing.T) {
	a := Period(Date(2025, 1, 1), Date(2025, 2, 1))

	t.Run("overlap", func(t *testing.T) {
		got, ok := a.Intersect(Period(Date(2025, 1, 20), Date(2025, 3, 1)))
		require.True(t, ok)
		assert.Equal(t, Period(Date(2025, 1, 20), Date(2025, 2, 1)), got)
	})

	t.Run("adjacent periods do not overlap", func(t *testing.T) {
		_, ok := a.Intersect(Period(Date(2025, 2, 1), Date(2025, 3, 1)))
		assert.False(t, ok)
	})

	t.Run("contained", func(t *testing.T) {
		inner := Period(Date(2025, 1, 5), Date(2025, 1, 6))
		got, ok := a.Intersect(inner)
		require.True(t, ok)
		assert.Equal(t, inner, got)
	})
}

func TestCacheKey(t *testing.T) {
	p := Period(Date(2025, 10, 24), Date(2025, 10, 25))

	t.Run("format", func(t *testing.T) {
		assert.Equal(t, CacheKey("authoritative_20251024_20251025"), NewCacheKey(Authoritative, p))
		assert.Equal(t, CacheKey("live_alert_20251024_20251025"), NewCacheKey(LiveAlert, p))
	})

	t.Run("round trip", func(t *testing.T) {
		for _, kind := range SourceKinds {
			gotKind, gotPeriod, err := NewCacheKey(kind, p).Parse()
			require.NoError(t, err)
			assert.Equal(t, kind, gotKind)
			assert.Equal(t, p, gotPeriod)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, k := range []CacheKey{"", "authoritative", "authoritative_20251024", "bogus_20251024_20251025", "preliminary_2025_20251025"} {
			_, _, err := k.Parse()
			assert.Error(t, err, "key %q", k)
			assert.Equal(t, SourceUnknown, k.Source())
		}
	})
}

func TestSourceKind(t *testing.T) {
	t.Run("trust order", func(t *testing.T) {
		assert.True(t, Authoritative.MoreTrusted(Preliminary))
		assert.True(t, Preliminary.MoreTrusted(LiveAlert))
		assert.False(t, LiveAlert.MoreTrusted(Authoritative))
		assert.False(t, Preliminary.MoreTrusted(Preliminary))
	})

	t.Run("json text encoding", func(t *testing.T) {
		data, err := json.Marshal(map[string]SourceKind{"source": LiveAlert})
		require.NoError(t, err)
		assert.JSONEq(t, `{"source":"live_alert"}`, string(data))

		var decoded map[string]SourceKind
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, LiveAlert, decoded["source"])
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := ParseSourceKind("radar")
		assert.Error(t, err)
	})
}

func TestQualityFor(t *testing.T) {
	assert.Equal(t, QualityVerified, QualityFor(Authoritative))
	assert.Equal(t, QualityPreliminary, QualityFor(Preliminary))
	assert.Equal(t, QualityRealTime, QualityFor(LiveAlert))
}

func TestToday(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 10, 24, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, Date(2025, 10, 24), Today(clock))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, Date(2025, 10, 25), Today(clock))
}
