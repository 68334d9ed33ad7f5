// Package source defines the capability every upstream provider exposes to
// the reconciliation engine, the typed failures it may report, and the
// retry/throttle decorator wrapped around each provider.
package source

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

// Adapter fetches events from one upstream provider.
type Adapter interface {
	// Kind is the source the adapter serves.
	Kind() domain.SourceKind
	// Fetch returns the provider's events in period, sorted by time. Failures
	// are reported as *FetchError.
	Fetch(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error)
	// LagDays is how many days behind real time the provider publishes.
	LagDays() int
	// Cadence is how often the provider's published data changes.
	Cadence() time.Duration
}

// LastResortFetcher is implemented by adapters that can fall back to a fixed
// location known to exist when every discovery step has failed.
type LastResortFetcher interface {
	FetchLastResort(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error)
}

// Clip filters events to those inside period, keeping order.
func Clip(events []domain.WeatherEvent, period domain.CoveragePeriod) []domain.WeatherEvent {
	out := make([]domain.WeatherEvent, 0, len(events))
	for _, e := range events {
		if period.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	return out
}
