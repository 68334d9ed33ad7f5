package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// sourceOfficeRe matches a 3-5 letter NWS office code in parentheses at the
	// end of a comment, e.g. "Quarter hail reported. (FWD)" -> "FWD".
	sourceOfficeRe = regexp.MustCompile(`\(([A-Z]{3,5})\)\s*$`)

	// locationRe parses NWS-style relative locations: "<distance> <compass> <name>",
	// e.g. "8 ESE Chappel" -> distance=8, direction=ESE, name=Chappel.
	locationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s+([NSEW]{1,3})\s+(.+)$`)
)

// eventTypeAliases maps provider spellings onto the three hazards the reports
// care about. NCEI uses title-case names, SPC uses section names, NWS uses
// warning product names.
var eventTypeAliases = map[string]string{
	"hail":                         "hail",
	"marine hail":                  "hail",
	"wind":                         "wind",
	"thunderstorm wind":            "wind",
	"marine thunderstorm wind":     "wind",
	"high wind":                    "wind",
	"severe thunderstorm warning":  "wind",
	"tornado":                      "tornado",
	"torn":                         "tornado",
	"funnel cloud":                 "tornado",
	"waterspout":                   "tornado",
	"tornado warning":              "tornado",
	"tornado emergency":            "tornado",
	"severe thunderstorm watch":    "wind",
	"extreme wind warning":         "wind",
	"special marine warning":       "wind",
	"tornado watch":                "tornado",
	"particularly dangerous storm": "tornado",
}

// NormalizeEventType maps a provider event type onto hail, wind or tornado.
// Types outside those hazards are lower-cased and kept so reports can still
// list them (e.g. "flash flood").
func NormalizeEventType(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if canonical, ok := eventTypeAliases[v]; ok {
		return canonical
	}
	return v
}

// DefaultUnit returns the unit a hazard's magnitude is reported in: inches
// for hail, mph for wind, F-scale for tornado.
func DefaultUnit(eventType string) string {
	switch eventType {
	case "hail":
		return "in"
	case "wind":
		return "mph"
	case "tornado":
		return "f_scale"
	default:
		return ""
	}
}

// NormalizeUnit returns the unit as-is if present, otherwise the hazard default.
func NormalizeUnit(eventType, unit string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	if unit != "" {
		return unit
	}
	return DefaultUnit(eventType)
}

// ParseMagnitude parses a raw magnitude column. "UNK", empty and unparsable
// values yield 0; "EF"/"F" prefixes are stripped.
func ParseMagnitude(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "UNK") {
		return 0
	}
	raw = strings.TrimPrefix(raw, "EF")
	raw = strings.TrimPrefix(raw, "F")
	if fields := strings.Fields(raw); len(fields) > 0 {
		raw = fields[0]
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

// NormalizeMagnitude corrects known encoding issues in upstream data.
// SPC encodes hail diameter in hundredths of inches (e.g. 175 = 1.75in).
// Values >= 10 with unit "in" are assumed to use this encoding and are divided
// by 100. The largest hail ever recorded in the US was about 8 inches.
func NormalizeMagnitude(eventType string, magnitude float64, unit string) float64 {
	if magnitude == 0 {
		return magnitude
	}
	if eventType == "hail" && unit == "in" && magnitude >= 10 {
		return magnitude / 100.0
	}
	return magnitude
}

// DeriveSeverity maps magnitude to a severity label:
//   - hail: <0.75in minor, <1.5in moderate, <2.5in severe, else extreme
//   - wind: <50mph minor, <74mph moderate, <96mph severe, else extreme
//   - tornado: EF0-1 minor, EF2 moderate, EF3-4 severe, EF5 extreme
//
// Returns "" when magnitude is 0 or the event type is unrecognized.
func DeriveSeverity(eventType string, magnitude float64) string {
	if magnitude == 0 {
		return ""
	}

	switch eventType {
	case "hail":
		switch {
		case magnitude < 0.75:
			return "minor"
		case magnitude < 1.5:
			return "moderate"
		case magnitude < 2.5:
			return "severe"
		default:
			return "extreme"
		}
	case "wind":
		switch {
		case magnitude < 50:
			return "minor"
		case magnitude < 74:
			return "moderate"
		case magnitude < 96:
			return "severe"
		default:
			return "extreme"
		}
	case "tornado":
		switch {
		case magnitude <= 1:
			return "minor"
		case magnitude == 2:
			return "moderate"
		case magnitude <= 4:
			return "severe"
		default:
			return "extreme"
		}
	default:
		return ""
	}
}

// ExtractSourceOffice pulls the NWS Weather Forecast Office (WFO) code from the
// end of a comment string, e.g. "Large hail reported. (OUN)" -> "OUN".
func ExtractSourceOffice(comments string) string {
	comments = strings.TrimSpace(comments)
	if comments == "" {
		return ""
	}
	matches := sourceOfficeRe.FindStringSubmatch(comments)
	if len(matches) == 2 {
		return matches[1]
	}
	return ""
}

// ParseLocation splits an NWS relative location string into (name, distance, direction).
// Input format: "<miles> <compass> <place>", e.g. "8 ESE Chappel".
// Returns the raw string as name with zero distance/direction if parsing fails.
func ParseLocation(location string) (string, float64, string) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", 0, ""
	}

	matches := locationRe.FindStringSubmatch(location)
	if len(matches) != 4 {
		return location, 0, ""
	}

	distance, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return location, 0, ""
	}
	return strings.TrimSpace(matches[3]), distance, matches[2]
}

// ParseHHMM combines a base date with an HHMM time string (e.g. "1510" -> 15:10).
// Three-digit values are zero-padded; invalid input returns the base date.
func ParseHHMM(baseDate time.Time, hhmm string) time.Time {
	hhmm = strings.TrimSpace(strings.ReplaceAll(hhmm, ":", ""))
	if len(hhmm) < 3 || len(hhmm) > 4 {
		return baseDate
	}
	if len(hhmm) == 3 {
		hhmm = "0" + hhmm
	}

	hour, errH := strconv.Atoi(hhmm[:2])
	mins, errM := strconv.Atoi(hhmm[2:])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || mins < 0 || mins > 59 {
		return baseDate
	}

	return time.Date(
		baseDate.Year(), baseDate.Month(), baseDate.Day(),
		hour, mins, 0, 0, time.UTC,
	)
}

// ParseFloatOrZero parses a string as float64, returning 0 on failure.
func ParseFloatOrZero(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// GenerateEventID produces a deterministic ID from an event's key fields for
// providers that do not publish their own. Re-fetching the same report yields
// the same ID, which keeps (ID, source) deduplication stable across refreshes.
func GenerateEventID(kind SourceKind, eventType, state string, lat, lon float64, ts time.Time, magnitude float64) string {
	input := fmt.Sprintf("%s|%s|%s|%.4f|%.4f|%s|%g", kind, eventType, state, lat, lon, ts.UTC().Format(time.RFC3339), magnitude)
	hash := sha256.Sum256([]byte(input))
	short := hex.EncodeToString(hash[:8])
	if eventType == "" {
		return short
	}
	return eventType + "-" + short
}

// NewEvent assembles a normalized WeatherEvent from provider fields. Missing
// IDs are generated deterministically.
func NewEvent(kind SourceKind, id, rawType string, ts time.Time, magnitude float64, unit string, loc Location, geo Geo, comments string) WeatherEvent {
	eventType := NormalizeEventType(rawType)
	unit = NormalizeUnit(eventType, unit)
	magnitude = NormalizeMagnitude(eventType, magnitude, unit)

	name, distance, direction := ParseLocation(loc.Raw)
	if loc.Name == "" {
		loc.Name = name
		loc.Distance = distance
		loc.Direction = direction
	}

	if id == "" {
		id = GenerateEventID(kind, eventType, loc.State, geo.Lat, geo.Lon, ts, magnitude)
	}

	return WeatherEvent{
		ID:           id,
		Timestamp:    ts.UTC(),
		EventType:    eventType,
		Magnitude:    magnitude,
		Unit:         unit,
		Severity:     DeriveSeverity(eventType, magnitude),
		Location:     loc,
		Geo:          geo,
		Comments:     strings.TrimSpace(comments),
		SourceOffice: ExtractSourceOffice(comments),
		Source:       kind,
	}
}

// IsHazard reports whether a normalized event type is one of the three
// hazards the cache serves.
func IsHazard(eventType string) bool {
	switch eventType {
	case "hail", "wind", "tornado":
		return true
	default:
		return false
	}
}
