package spc

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

// magnitudeColumns maps the second header column of each section to the
// hazard it reports.
var magnitudeColumns = map[string]string{
	"F_Scale": "tornado",
	"Speed":   "wind",
	"Size":    "hail",
}

var sectionColumns = []string{"Time", "Location", "County", "State", "Lat", "Lon", "Comments"}

type section struct {
	eventType string
	magCol    string
	cols      map[string]int
}

func (s *section) get(rec []string, name string) string {
	i, ok := s.cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ParseReports parses one convective day's filtered report file. Times
// before 1200 UTC are placed on the following UTC day.
func ParseReports(r io.Reader, day time.Time) ([]domain.WeatherEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		cur    *section
		events []domain.WeatherEvent
	)
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
			return nil, source.Failure(source.Unavailable, fmt.Errorf("read reports: %w", err))
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}

		if strings.TrimSpace(rec[0]) == "Time" {
			s, err := newSection(rec)
			if err != nil {
				return nil, err
			}
			cur = s
			continue
		}
		if cur == nil {
			return nil, source.Failuref(source.SchemaError, "report row before any section header")
		}

		if e, ok := cur.event(rec, day); ok {
			events = append(events, e)
		}
	}
	return events, nil
}

func newSection(header []string) (*section, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	if len(header) < 2 {
		return nil, source.Failuref(source.SchemaError, "section header too short: %v", header)
	}
	magCol := strings.TrimSpace(header[1])
	eventType, ok := magnitudeColumns[magCol]
	if !ok {
		return nil, source.Failuref(source.SchemaError, "unknown report section %q", magCol)
	}
	for _, name := range sectionColumns {
		if _, ok := cols[name]; !ok {
			return nil, source.Failuref(source.SchemaError, "%s section missing column %s", eventType, name)
		}
	}
	return &section{eventType: eventType, magCol: magCol, cols: cols}, nil
}

func (s *section) event(rec []string, day time.Time) (domain.WeatherEvent, bool) {
	hhmm := s.get(rec, "Time")
	ts := domain.ParseHHMM(day, hhmm)
	if hhmm == "" || (ts.Equal(day) && strings.Trim(hhmm, "0:") != "") {
		return domain.WeatherEvent{}, false
	}
	if ts.Hour() < 12 {
		ts = ts.AddDate(0, 0, 1)
	}

	loc := domain.Location{
		Raw:    s.get(rec, "Location"),
		State:  domain.StateCode(s.get(rec, "State")),
		County: s.get(rec, "County"),
	}
	geo := domain.Geo{
		Lat: domain.ParseFloatOrZero(s.get(rec, "Lat")),
		Lon: domain.ParseFloatOrZero(s.get(rec, "Lon")),
	}
	magnitude := domain.ParseMagnitude(s.get(rec, s.magCol))

	e := domain.NewEvent(domain.Preliminary, "", s.eventType, ts, magnitude, "", loc, geo, s.get(rec, "Comments"))
	if e.Location.Name == "" {
		e.Location.Name = loc.Raw
	}
	return e, true
}
