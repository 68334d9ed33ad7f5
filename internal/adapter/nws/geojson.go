package nws

import (
	"encoding/json"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

// NWS alert GeoJSON response types.

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

func (fc *featureCollection) unmarshal(body []byte) error {
	return json.Unmarshal(body, fc)
}

type feature struct {
	Geometry   *geometry  `json:"geometry"`
	Properties properties `json:"properties"`
}

type properties struct {
	ID          string              `json:"id"`
	AreaDesc    string              `json:"areaDesc"`
	Geocode     geocode             `json:"geocode"`
	Sent        time.Time           `json:"sent"`
	Onset       time.Time           `json:"onset"`
	Expires     time.Time           `json:"expires"`
	Severity    string              `json:"severity"`
	Event       string              `json:"event"`
	Headline    string              `json:"headline"`
	Description string              `json:"description"`
	Parameters  map[string][]string `json:"parameters"`
}

type geocode struct {
	UGC []string `json:"UGC"`
}

// geometry is either a Polygon or a MultiPolygon. Coordinates are kept raw
// and decoded by type.
type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// centroid averages the outer ring vertices of every polygon, skipping each
// ring's closing point. A missing or unreadable geometry yields no coords.
func (g *geometry) centroid() domain.Geo {
	if g == nil {
		return domain.Geo{}
	}

	var polygons [][][][2]float64
	switch g.Type {
	case "Polygon":
		var poly [][][2]float64
		if err := json.Unmarshal(g.Coordinates, &poly); err != nil {
			return domain.Geo{}
		}
		polygons = append(polygons, poly)
	case "MultiPolygon":
		if err := json.Unmarshal(g.Coordinates, &polygons); err != nil {
			return domain.Geo{}
		}
	default:
		return domain.Geo{}
	}

	var sumLat, sumLon float64
	n := 0
	for _, poly := range polygons {
		if len(poly) == 0 {
			continue
		}
		ring := poly[0]
		if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
			ring = ring[:len(ring)-1]
		}
		for _, pt := range ring {
			sumLon += pt[0]
			sumLat += pt[1]
			n++
		}
	}
	if n == 0 {
		return domain.Geo{}
	}
	return domain.Geo{Lat: sumLat / float64(n), Lon: sumLon / float64(n)}
}
