// Package freshness decides which source owns which days of a request and how
// long a cached segment stays valid. Everything here is pure: callers pass
// the as-of date and current time explicitly.
package freshness

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

const (
	// Age tier cut-offs, measured from the end of a segment's window to asOf.
	historicalAge   = 730 * 24 * time.Hour
	previousYearAge = 365 * 24 * time.Hour
)

// Config holds the tunable freshness rules.
type Config struct {
	AuthoritativeLagDays int

	HistoricalTTL   time.Duration // data older than 2 years
	PreviousYearTTL time.Duration // data 1-2 years old
	CurrentYearTTL  time.Duration // data within the last 12 months

	// Natural refresh cadence of the faster sources. Their segments are never
	// cached longer than this regardless of age tier.
	PreliminaryTTL time.Duration
	LiveAlertTTL   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AuthoritativeLagDays: 90,
		HistoricalTTL:        30 * 24 * time.Hour,
		PreviousYearTTL:      7 * 24 * time.Hour,
		CurrentYearTTL:       24 * time.Hour,
		PreliminaryTTL:       24 * time.Hour,
		LiveAlertTTL:         time.Hour,
	}
}

// Validate rejects configurations that would make ownership or TTLs meaningless.
func (c Config) Validate() error {
	var errs []error
	if c.AuthoritativeLagDays < 0 {
		errs = append(errs, fmt.Errorf("authoritative lag days must be >= 0, got %d", c.AuthoritativeLagDays))
	}
	for name, d := range map[string]time.Duration{
		"historical ttl":    c.HistoricalTTL,
		"previous year ttl": c.PreviousYearTTL,
		"current year ttl":  c.CurrentYearTTL,
		"preliminary ttl":   c.PreliminaryTTL,
		"live alert ttl":    c.LiveAlertTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// Policy applies a Config.
type Policy struct {
	cfg Config
}

// New returns a Policy for cfg.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("freshness config: %w", err)
	}
	return &Policy{cfg: cfg}, nil
}

// Config returns the rules the policy was built with.
func (p *Policy) Config() Config { return p.cfg }

// LagDays is the Authoritative reporting lag.
func (p *Policy) LagDays() int { return p.cfg.AuthoritativeLagDays }

// Boundary is the first day the Authoritative source does not yet own.
func (p *Policy) Boundary(asOf time.Time) time.Time {
	return domain.Day(asOf).AddDate(0, 0, -p.cfg.AuthoritativeLagDays)
}

// FreshnessDate is the latest day whose Authoritative data is presumed complete.
func (p *Policy) FreshnessDate(asOf time.Time) time.Time {
	return p.Boundary(asOf).AddDate(0, 0, -1)
}

// Owned returns the range of days kind is responsible for as of asOf.
// Authoritative's range is open towards the past; it is represented with a
// zero Start.
func (p *Policy) Owned(kind domain.SourceKind, asOf time.Time) domain.CoveragePeriod {
	today := domain.Day(asOf)
	boundary := p.Boundary(asOf)
	switch kind {
	case domain.Authoritative:
		return domain.CoveragePeriod{Start: time.Time{}, End: boundary}
	case domain.Preliminary:
		return domain.CoveragePeriod{Start: boundary, End: today}
	case domain.LiveAlert:
		return domain.CoveragePeriod{Start: today, End: today.AddDate(0, 0, 1)}
	default:
		return domain.CoveragePeriod{}
	}
}

// Classification describes how much of a period a source owns.
type Classification struct {
	OwnedFraction float64
	LagDays       int
	Owned         domain.CoveragePeriod
}

// Classify reports the share of period owned by kind as of asOf, along with the
// source's lag.
func (p *Policy) Classify(kind domain.SourceKind, asOf time.Time, period domain.CoveragePeriod) Classification {
	c := Classification{LagDays: lagFor(kind, p.cfg.AuthoritativeLagDays)}
	total := period.Days()
	if total == 0 {
		return c
	}
	if owned, ok := period.Intersect(p.Owned(kind, asOf)); ok {
		c.Owned = owned
		c.OwnedFraction = float64(owned.Days()) / float64(total)
	}
	return c
}

func lagFor(kind domain.SourceKind, authoritativeLag int) int {
	switch kind {
	case domain.Authoritative:
		return authoritativeLag
	case domain.Preliminary:
		return 1
	default:
		return 0
	}
}

// Partition is the slice of a request owned by one source.
type Partition struct {
	Source domain.SourceKind
	Period domain.CoveragePeriod
}

// Partition splits req at the ownership boundaries for asOf. Partitions are
// returned in chronological order; at most one per source. Days after asOf
// have no owner and are left out.
func (p *Policy) Partition(req domain.CoveragePeriod, asOf time.Time) []Partition {
	out := make([]Partition, 0, len(domain.SourceKinds))
	for _, kind := range domain.SourceKinds {
		if owned, ok := req.Intersect(p.Owned(kind, asOf)); ok {
			out = append(out, Partition{Source: kind, Period: owned})
		}
	}
	return out
}

// CacheTTL maps a source and segment age to how long the segment is valid.
func (p *Policy) CacheTTL(kind domain.SourceKind, segmentAge time.Duration) time.Duration {
	var ttl time.Duration
	switch {
	case segmentAge > historicalAge:
		ttl = p.cfg.HistoricalTTL
	case segmentAge > previousYearAge:
		ttl = p.cfg.PreviousYearTTL
	default:
		ttl = p.cfg.CurrentYearTTL
	}

	switch kind {
	case domain.Preliminary:
		ttl = min(ttl, p.cfg.PreliminaryTTL)
	case domain.LiveAlert:
		ttl = min(ttl, p.cfg.LiveAlertTTL)
	}
	return ttl
}

// WindowTTL is CacheTTL for a cache window, aging it from the window's last
// covered instant.
func (p *Policy) WindowTTL(kind domain.SourceKind, window domain.CoveragePeriod, asOf time.Time) time.Duration {
	age := domain.Day(asOf).Sub(window.End)
	if age < 0 {
		age = 0
	}
	return p.CacheTTL(kind, age)
}

// IsStale reports whether seg has outlived its TTL at now, or was fetched
// through an earlier day than asOf now calls for. Staleness only means a
// refetch should be attempted; the segment remains usable as a fallback.
func (p *Policy) IsStale(seg domain.DataSegment, asOf, now time.Time) bool {
	if !seg.FetchedThrough.IsZero() {
		needed := seg.Period.End
		if today := domain.Day(asOf); today.Before(needed) {
			needed = today
		}
		if seg.FetchedThrough.Before(needed) {
			return true
		}
	}
	return seg.Age(now) > p.WindowTTL(seg.Source, seg.Period, asOf)
}
