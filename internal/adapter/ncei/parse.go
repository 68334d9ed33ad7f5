package ncei

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

const beginLayout = "02-Jan-06 15:04:05"

// knotsToMPH converts measured and estimated gust magnitudes, which NCEI
// records in knots.
const knotsToMPH = 1.15078

var requiredColumns = []string{
	"EVENT_ID", "EVENT_TYPE", "BEGIN_DATE_TIME", "CZ_TIMEZONE",
	"STATE", "MAGNITUDE", "BEGIN_LAT", "BEGIN_LON",
}

var tzOffsetRe = regexp.MustCompile(`^([A-Za-z]*)([+-]?\d{1,2})$`)

// ParseDetails reads a gzipped details CSV and returns the hail, wind and
// tornado events that began inside period. A missing required column or a
// body that is not gzip is a SchemaError; individual unparsable rows are
// skipped.
func ParseDetails(r io.Reader, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, source.Failure(source.Unavailable, fmt.Errorf("truncated details file: %w", err))
		}
		return nil, source.Failure(source.SchemaError, fmt.Errorf("details file is not gzip: %w", err))
	}
	defer gz.Close()
	return parseCSV(gz, period)
}

func parseCSV(r io.Reader, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, source.Failure(source.SchemaError, fmt.Errorf("read header: %w", err))
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, source.Failuref(source.SchemaError, "details file missing column %s", name)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var events []domain.WeatherEvent
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, source.Failure(source.Unavailable, fmt.Errorf("read details: %w", err))
		}

		eventType := domain.NormalizeEventType(field(rec, "EVENT_TYPE"))
		if !domain.IsHazard(eventType) {
			continue
		}
		ts, err := parseBegin(field(rec, "BEGIN_DATE_TIME"), field(rec, "CZ_TIMEZONE"))
		if err != nil || !period.Contains(ts) {
			continue
		}

		magnitude := domain.ParseMagnitude(field(rec, "MAGNITUDE"))
		unit := ""
		switch eventType {
		case "wind":
			if isKnots(field(rec, "MAGNITUDE_TYPE")) {
				magnitude = roundTenth(magnitude * knotsToMPH)
			}
		case "tornado":
			magnitude = domain.ParseMagnitude(field(rec, "TOR_F_SCALE"))
		}

		loc := domain.Location{
			Name:      titleCase(field(rec, "BEGIN_LOCATION")),
			Distance:  domain.ParseFloatOrZero(field(rec, "BEGIN_RANGE")),
			Direction: field(rec, "BEGIN_AZIMUTH"),
			State:     domain.StateCode(field(rec, "STATE")),
			County:    titleCase(field(rec, "CZ_NAME")),
		}
		if loc.Distance > 0 && loc.Direction != "" {
			loc.Raw = fmt.Sprintf("%s %s %s", strconv.FormatFloat(loc.Distance, 'f', -1, 64), loc.Direction, loc.Name)
		}
		geo := domain.Geo{
			Lat: domain.ParseFloatOrZero(field(rec, "BEGIN_LAT")),
			Lon: domain.ParseFloatOrZero(field(rec, "BEGIN_LON")),
		}

		id := ""
		if eventID := field(rec, "EVENT_ID"); eventID != "" {
			id = "ncei-" + eventID
		}
		e := domain.NewEvent(domain.Authoritative, id, eventType, ts, magnitude, unit, loc, geo, field(rec, "EVENT_NARRATIVE"))
		if wfo := field(rec, "WFO"); wfo != "" {
			e.SourceOffice = wfo
		}
		events = append(events, e)
	}
	return events, nil
}

// parseBegin interprets BEGIN_DATE_TIME in the zone named by CZ_TIMEZONE,
// e.g. "CST-6", and returns the UTC instant.
func parseBegin(value, zone string) (time.Time, error) {
	loc := time.UTC
	if m := tzOffsetRe.FindStringSubmatch(strings.TrimSpace(zone)); m != nil {
		hours, _ := strconv.Atoi(m[2])
		loc = time.FixedZone(m[1], hours*3600)
	}
	t, err := time.ParseInLocation(beginLayout, value, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// isKnots reports whether an NCEI magnitude type is a gust speed: measured
// or estimated, gust or sustained.
func isKnots(magnitudeType string) bool {
	switch strings.ToUpper(magnitudeType) {
	case "EG", "MG", "ES", "MS":
		return true
	default:
		return false
	}
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// titleCase turns "HARRIS" into "Harris" and "FORT WORTH" into "Fort Worth".
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
