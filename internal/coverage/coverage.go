// Package coverage turns the windows served for a request into a freshness
// verdict and the human-readable disclaimers shown alongside report data.
package coverage

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/freshness"
)

const dateLayout = "January 02, 2006"

// Served is how one cache window of a request was satisfied. Segment is nil
// when no source could provide the window.
type Served struct {
	Window  freshness.Window
	Segment *domain.DataSegment
	// Stale marks a segment past its TTL that was served because the
	// refresh failed or did not finish in time.
	Stale bool
}

// Gap reports whether the window went unserved.
func (s Served) Gap() bool { return s.Segment == nil }

// Reporter computes verdicts against a freshness policy.
type Reporter struct {
	policy *freshness.Policy
}

// New returns a Reporter for policy.
func New(policy *freshness.Policy) *Reporter {
	return &Reporter{policy: policy}
}

type dayState uint8

const (
	dayGap dayState = iota
	dayServed
	dayVerified
)

// Summarize computes the verdict for requested as of asOf. Verified coverage
// counts only days backed by a non-stale Verified segment; served coverage
// counts every day some segment backed.
func (r *Reporter) Summarize(requested domain.CoveragePeriod, asOf time.Time, served []Served) domain.FreshnessVerdict {
	v := domain.FreshnessVerdict{
		FreshnessDate: r.policy.FreshnessDate(asOf),
		LagDays:       r.policy.LagDays(),
		TotalDays:     requested.Days(),
	}
	if v.TotalDays == 0 {
		v.IsComplete = true
		v.CoveragePercent = 100
		v.ServedPercent = 100
		return v
	}

	days := make([]dayState, v.TotalDays)
	var notes []string
	for _, s := range served {
		if s.Gap() {
			continue
		}
		if s.Stale {
			v.StaleSegments++
		}
		if w := s.Segment.Warning; w != "" && !slices.Contains(notes, w) {
			notes = append(notes, w)
		}
		covered, ok := s.Window.Requested.Intersect(requested)
		if !ok {
			continue
		}
		// Days past what the segment was fetched through stay gaps.
		if through := s.Segment.FetchedThrough; !through.IsZero() && through.Before(covered.End) {
			covered.End = through
			if covered.IsEmpty() {
				continue
			}
		}
		state := dayServed
		if s.Segment.Quality == domain.QualityVerified && !s.Stale {
			state = dayVerified
		}
		first := dayIndex(requested.Start, covered.Start)
		for i := first; i < first+covered.Days(); i++ {
			if state > days[i] {
				days[i] = state
			}
		}
	}

	servedDays := 0
	for _, d := range days {
		switch d {
		case dayVerified:
			v.VerifiedDays++
			servedDays++
		case dayServed:
			servedDays++
		}
	}
	v.GapDays = v.TotalDays - servedDays
	v.MissingDays = v.TotalDays - v.VerifiedDays
	v.IsComplete = v.MissingDays == 0
	v.CoveragePercent = percent(v.VerifiedDays, v.TotalDays)
	v.ServedPercent = percent(servedDays, v.TotalDays)
	v.WarningMessage = warning(v, notes)
	return v
}

func warning(v domain.FreshnessVerdict, notes []string) string {
	if v.IsComplete && len(notes) == 0 {
		return ""
	}

	through := v.FreshnessDate.Format(dateLayout)
	var parts []string
	if !v.IsComplete {
		switch {
		case v.MissingDays <= 30:
			parts = append(parts, fmt.Sprintf(
				"Recent events (last %d days) may not be included due to reporting lag. Data is complete through %s.",
				v.MissingDays, through))
		case v.MissingDays <= 90:
			parts = append(parts, fmt.Sprintf(
				"The most recent %d days may have incomplete data due to reporting lag. Complete data is available through %s.",
				v.MissingDays, through))
		default:
			parts = append(parts, fmt.Sprintf(
				"Significant portion of requested period may have incomplete data. Verified data is complete through %s. Approximately %d days of data may be incomplete.",
				through, v.MissingDays))
		}
		parts = append(parts, fmt.Sprintf("Verified reports are published about %d days after the events.", v.LagDays))
	}
	if v.StaleSegments > 0 {
		parts = append(parts, fmt.Sprintf(
			"%d cached %s could not be refreshed and may be out of date.",
			v.StaleSegments, plural(v.StaleSegments, "segment", "segments")))
	}
	if v.GapDays > 0 {
		parts = append(parts, fmt.Sprintf(
			"%d %s could not be retrieved from any source.",
			v.GapDays, plural(v.GapDays, "day", "days")))
	}
	parts = append(parts, notes...)
	return strings.Join(parts, " ")
}

// Disclaimer is the short data-source note printed with a report.
func Disclaimer(v domain.FreshnessVerdict) string {
	through := v.FreshnessDate.Format(dateLayout)
	if v.IsComplete {
		return fmt.Sprintf("Data Source: NOAA Storm Events Database (verified). Data current through %s.", through)
	}
	return fmt.Sprintf("Data Sources:\n"+
		"• Historical (>%d days ago): NOAA Storm Events Database (verified)\n"+
		"• Recent (last %d days): NWS Storm Prediction Center Preliminary Reports\n\n"+
		"Complete verified data available through %s. "+
		"Preliminary reports included for recent period. Final verification typically takes 75-120 days.",
		v.LagDays, v.LagDays, through)
}

// PeriodDescription is the display text for a report's period.
type PeriodDescription struct {
	RequestedPeriod string `json:"requested_period"`
	DataCoverage    string `json:"data_coverage"`
	FreshnessNote   string `json:"freshness_note"`
	IsComplete      bool   `json:"is_complete"`
	WarningMessage  string `json:"warning_message,omitempty"`
}

// DescribePeriod formats period and its verdict for display. Dates are
// inclusive, so the last shown day is the one before period.End.
func DescribePeriod(period domain.CoveragePeriod, v domain.FreshnessVerdict) PeriodDescription {
	d := PeriodDescription{
		RequestedPeriod: fmt.Sprintf("%s to %s", period.Start.Format(dateLayout), period.Last().Format(dateLayout)),
		FreshnessNote:   Disclaimer(v),
		IsComplete:      v.IsComplete,
		WarningMessage:  v.WarningMessage,
	}

	switch {
	case v.IsComplete:
		d.DataCoverage = "Complete data for entire period"
	case v.FreshnessDate.Before(period.Start):
		d.DataCoverage = fmt.Sprintf("No verified data yet for this period (%.1f%% coverage)", v.CoveragePercent)
	default:
		end := period.Last()
		if v.FreshnessDate.Before(end) {
			end = v.FreshnessDate
		}
		d.DataCoverage = fmt.Sprintf("Complete data: %s to %s (%.1f%% coverage)",
			period.Start.Format(dateLayout), end.Format(dateLayout), v.CoveragePercent)
	}
	return d
}

func dayIndex(origin, t time.Time) int {
	return int(t.Sub(origin).Hours() / 24)
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*1000) / 10
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
