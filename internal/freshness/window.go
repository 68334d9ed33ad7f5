package freshness

import (
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

// Window is one cache entry's worth of a partition. Period is the full,
// calendar-aligned span stored under Key; Requested is the part of it the
// caller actually asked for.
type Window struct {
	Source    domain.SourceKind
	Period    domain.CoveragePeriod
	Requested domain.CoveragePeriod
}

// Key is the cache key the window is stored under.
func (w Window) Key() domain.CacheKey { return domain.NewCacheKey(w.Source, w.Period) }

// WindowFor returns the calendar-aligned window of kind that contains day.
// Authoritative windows are calendar years (the archive publishes one file per
// year), Preliminary windows are calendar months, LiveAlert windows are single
// days.
func WindowFor(kind domain.SourceKind, day time.Time) domain.CoveragePeriod {
	d := domain.Day(day)
	switch kind {
	case domain.Authoritative:
		start := domain.Date(d.Year(), time.January, 1)
		return domain.CoveragePeriod{Start: start, End: start.AddDate(1, 0, 0)}
	case domain.Preliminary:
		start := domain.Date(d.Year(), d.Month(), 1)
		return domain.CoveragePeriod{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		return domain.CoveragePeriod{Start: d, End: d.AddDate(0, 0, 1)}
	}
}

// Windows splits period into the windows of kind that cover it, in order.
func Windows(kind domain.SourceKind, period domain.CoveragePeriod) []Window {
	var out []Window
	for cursor := period.Start; cursor.Before(period.End); {
		w := WindowFor(kind, cursor)
		requested, _ := w.Intersect(period)
		out = append(out, Window{Source: kind, Period: w, Requested: requested})
		cursor = w.End
	}
	return out
}

// Plan partitions req for asOf and splits each partition into cache windows.
func (p *Policy) Plan(req domain.CoveragePeriod, asOf time.Time) []Window {
	var out []Window
	for _, part := range p.Partition(req, asOf) {
		out = append(out, Windows(part.Source, part.Period)...)
	}
	return out
}

// Tracked is the span the background refresh keeps warm: the last 24 months
// plus today.
func Tracked(asOf time.Time) domain.CoveragePeriod {
	today := domain.Day(asOf)
	return domain.CoveragePeriod{
		Start: today.AddDate(0, -domain.MaxRangeMonths, 0),
		End:   today.AddDate(0, 0, 1),
	}
}
