package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceKind identifies which upstream provider produced a segment. Values are
// ordered by trust so that a larger value always wins a tie.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	LiveAlert
	Preliminary
	Authoritative
)

// SourceKinds lists every known source in chronological ownership order.
var SourceKinds = []SourceKind{Authoritative, Preliminary, LiveAlert}

func (k SourceKind) String() string {
	switch k {
	case Authoritative:
		return "authoritative"
	case Preliminary:
		return "preliminary"
	case LiveAlert:
		return "live_alert"
	default:
		return "unknown"
	}
}

// ParseSourceKind is the inverse of SourceKind.String.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "authoritative":
		return Authoritative, nil
	case "preliminary":
		return Preliminary, nil
	case "live_alert":
		return LiveAlert, nil
	default:
		return SourceUnknown, fmt.Errorf("unknown source kind %q", s)
	}
}

// MoreTrusted reports whether k outranks other.
func (k SourceKind) MoreTrusted(other SourceKind) bool { return k > other }

func (k SourceKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SourceKind) UnmarshalText(text []byte) error {
	parsed, err := ParseSourceKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Quality is the verification level of a segment's records.
type Quality string

const (
	QualityVerified    Quality = "verified"
	QualityPreliminary Quality = "preliminary"
	QualityRealTime    Quality = "real_time"
)

// QualityFor returns the quality a source produces when its fetch succeeds.
func QualityFor(k SourceKind) Quality {
	switch k {
	case Authoritative:
		return QualityVerified
	case Preliminary:
		return QualityPreliminary
	default:
		return QualityRealTime
	}
}

// Location holds both the raw NWS location string and its parsed components.
type Location struct {
	Raw       string  `json:"raw,omitempty"`
	Name      string  `json:"name,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
	Direction string  `json:"direction,omitempty"`
	State     string  `json:"state,omitempty"`
	County    string  `json:"county,omitempty"`
}

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
}

// HasCoords reports whether the pair carries a real coordinate.
func (g Geo) HasCoords() bool { return g.Lat != 0 || g.Lon != 0 }

// WeatherEvent is a single severe-weather report. It is never mutated after
// an adapter creates it.
type WeatherEvent struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	EventType    string     `json:"type"`
	Magnitude    float64    `json:"magnitude"`
	Unit         string     `json:"unit,omitempty"`
	Severity     string     `json:"severity,omitempty"`
	Location     Location   `json:"location"`
	Geo          Geo        `json:"geo"`
	Comments     string     `json:"comments,omitempty"`
	SourceOffice string     `json:"source_office,omitempty"`
	Source       SourceKind `json:"source"`
}

// Date returns the UTC calendar day the event occurred on.
func (e WeatherEvent) Date() time.Time { return Day(e.Timestamp) }

// SortEvents orders events by timestamp, then ID.
func SortEvents(events []WeatherEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

// DataSegment is one fetched unit of records for a source and window.
type DataSegment struct {
	Source    SourceKind     `json:"source"`
	Period    CoveragePeriod `json:"period"`
	Records   []WeatherEvent `json:"records"`
	FetchedAt time.Time      `json:"fetched_at"`
	Quality   Quality        `json:"quality"`

	// FetchedThrough is the exclusive end of the days actually asked of the
	// provider. Zero means the whole Period was fetched.
	FetchedThrough time.Time `json:"fetched_through,omitzero"`

	// Warning is set when the segment came from a fallback step rather than
	// the primary fetch path.
	Warning string `json:"warning,omitempty"`
}

// Key returns the cache key the segment is stored under.
func (s DataSegment) Key() CacheKey { return NewCacheKey(s.Source, s.Period) }

// Covered is the part of Period whose days were fetched.
func (s DataSegment) Covered() CoveragePeriod {
	if s.FetchedThrough.IsZero() || !s.FetchedThrough.Before(s.Period.End) {
		return s.Period
	}
	end := s.FetchedThrough
	if end.Before(s.Period.Start) {
		end = s.Period.Start
	}
	return CoveragePeriod{Start: s.Period.Start, End: end}
}

// Age is the time elapsed since the segment was fetched.
func (s DataSegment) Age(now time.Time) time.Duration { return now.Sub(s.FetchedAt) }

// FreshnessVerdict summarizes how complete and current a resolved range is.
// It is computed per request and never persisted.
type FreshnessVerdict struct {
	IsComplete      bool      `json:"is_complete"`
	CoveragePercent float64   `json:"coverage_percent"`
	ServedPercent   float64   `json:"served_percent"`
	FreshnessDate   time.Time `json:"freshness_date"`
	LagDays         int       `json:"lag_days"`
	TotalDays       int       `json:"total_days"`
	VerifiedDays    int       `json:"verified_days"`
	MissingDays     int       `json:"missing_days"`
	GapDays         int       `json:"gap_days"`
	StaleSegments   int       `json:"stale_segments"`
	WarningMessage  string    `json:"warning_message,omitempty"`
}
