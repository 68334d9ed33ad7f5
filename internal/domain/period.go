package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxRangeMonths caps how far a requested period may span.
const MaxRangeMonths = 24

const keyDateLayout = "20060102"

var (
	ErrEmptyPeriod   = errors.New("coverage period is empty")
	ErrPeriodTooLong = fmt.Errorf("coverage period exceeds %d months", MaxRangeMonths)
)

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC midnight for the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// CoveragePeriod is a half-open range of whole days [Start, End).
type CoveragePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Period builds a CoveragePeriod with both bounds truncated to whole days.
// It does not validate; use Validate for caller-supplied ranges.
func Period(start, end time.Time) CoveragePeriod {
	return CoveragePeriod{Start: Day(start), End: Day(end)}
}

// Validate checks that the period is non-empty and within MaxRangeMonths.
func (p CoveragePeriod) Validate() error {
	if !p.Start.Before(p.End) {
		return ErrEmptyPeriod
	}
	if p.End.After(p.Start.AddDate(0, MaxRangeMonths, 0)) {
		return ErrPeriodTooLong
	}
	return nil
}

// IsEmpty reports whether the period covers no days.
func (p CoveragePeriod) IsEmpty() bool { return !p.Start.Before(p.End) }

// Days returns the number of whole days in the period.
func (p CoveragePeriod) Days() int {
	if p.IsEmpty() {
		return 0
	}
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// Contains reports whether t falls on a day inside the period.
func (p CoveragePeriod) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(p.Start) && d.Before(p.End)
}

// Intersect returns the overlap of two periods and whether it is non-empty.
func (p CoveragePeriod) Intersect(o CoveragePeriod) (CoveragePeriod, bool) {
	start := p.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := p.End
	if o.End.Before(end) {
		end = o.End
	}
	out := CoveragePeriod{Start: start, End: end}
	return out, !out.IsEmpty()
}

// Last returns the final day inside the period.
func (p CoveragePeriod) Last() time.Time { return p.End.AddDate(0, 0, -1) }

func (p CoveragePeriod) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}

// CacheKey identifies a persisted segment. The format is stable across
// restarts: {sourceKind}_{YYYYMMDD start}_{YYYYMMDD end}.
type CacheKey string

// NewCacheKey derives the key for a source and window.
func NewCacheKey(kind SourceKind, p CoveragePeriod) CacheKey {
	return CacheKey(fmt.Sprintf("%s_%s_%s", kind, p.Start.Format(keyDateLayout), p.End.Format(keyDateLayout)))
}

// Parse splits a key back into its source and period.
func (k CacheKey) Parse() (SourceKind, CoveragePeriod, error) {
	s := string(k)
	// Source names may themselves contain underscores (live_alert), so split
	// from the right.
	endIdx := strings.LastIndex(s, "_")
	if endIdx <= 0 {
		return SourceUnknown, CoveragePeriod{}, fmt.Errorf("malformed cache key %q", s)
	}
	startIdx := strings.LastIndex(s[:endIdx], "_")
	if startIdx <= 0 {
		return SourceUnknown, CoveragePeriod{}, fmt.Errorf("malformed cache key %q", s)
	}

	kind, err := ParseSourceKind(s[:startIdx])
	if err != nil {
		return SourceUnknown, CoveragePeriod{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	start, err := time.Parse(keyDateLayout, s[startIdx+1:endIdx])
	if err != nil {
		return SourceUnknown, CoveragePeriod{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	end, err := time.Parse(keyDateLayout, s[endIdx+1:])
	if err != nil {
		return SourceUnknown, CoveragePeriod{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	return kind, CoveragePeriod{Start: start, End: end}, nil
}

// Source returns the key's source prefix, or SourceUnknown if malformed.
func (k CacheKey) Source() SourceKind {
	kind, _, err := k.Parse()
	if err != nil {
		return SourceUnknown
	}
	return kind
}
