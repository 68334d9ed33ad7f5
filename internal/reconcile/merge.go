package reconcile

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

// SupersedeRadiusKm is the largest distance between two reports of the same
// hazard on the same day that are still treated as one physical event.
const SupersedeRadiusKm = 25.0

const earthRadiusKm = 6371.0

type identity struct {
	id     string
	source domain.SourceKind
}

type bucket struct {
	day       time.Time
	eventType string
}

// Merge combines events from every source into one ordered sequence.
//
// Duplicate (ID, source) pairs are collapsed first. A report is then dropped
// when a more trusted source has a report of the same event type on the same
// UTC day at a matching location: within SupersedeRadiusKm when both carry
// coordinates, otherwise the same state and county. The result is ordered by
// timestamp, then trust (most trusted first), then ID.
func Merge(events []domain.WeatherEvent) []domain.WeatherEvent {
	seen := make(map[identity]struct{}, len(events))
	buckets := make(map[bucket][]domain.WeatherEvent)
	for _, e := range events {
		id := identity{id: e.ID, source: e.Source}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		b := bucket{day: e.Date(), eventType: e.EventType}
		buckets[b] = append(buckets[b], e)
	}

	out := make([]domain.WeatherEvent, 0, len(seen))
	for _, group := range buckets {
		for _, e := range group {
			if !superseded(e, group) {
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source.MoreTrusted(b.Source)
		}
		return a.ID < b.ID
	})
	return out
}

func superseded(e domain.WeatherEvent, group []domain.WeatherEvent) bool {
	for _, other := range group {
		if other.Source.MoreTrusted(e.Source) && sameLocation(e, other) {
			return true
		}
	}
	return false
}

func sameLocation(a, b domain.WeatherEvent) bool {
	if a.Geo.HasCoords() && b.Geo.HasCoords() {
		return distanceKm(a.Geo, b.Geo) <= SupersedeRadiusKm
	}
	if a.Location.State == "" || a.Location.County == "" {
		return false
	}
	return strings.EqualFold(a.Location.State, b.Location.State) &&
		strings.EqualFold(strings.TrimSpace(a.Location.County), strings.TrimSpace(b.Location.County))
}

// distanceKm is the haversine great-circle distance.
func distanceKm(a, b domain.Geo) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
