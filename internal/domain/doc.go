// Package domain models severe-weather reports and the periods, segments and
// verdicts the cache reasons about.
//
// # Data Sources
//
// Three providers publish the same hazards at different speeds and levels of
// verification:
//
//	Authoritative  NCEI Storm Events Database. Verified, published with a lag
//	               of roughly 90 days. Yearly gzipped CSV files at
//	               https://www.ncei.noaa.gov/pub/data/swdi/stormevents/csvfiles/
//	Preliminary    SPC daily storm reports. Unverified, available the next day.
//	               https://www.spc.noaa.gov/climo/reports/{yymmdd}_rpts_filtered.csv
//	LiveAlert      NWS active alerts API. Real time, today only.
//	               https://api.weather.gov/alerts/active
//
// [SourceKind] values are ordered by trust: Authoritative > Preliminary >
// LiveAlert. When two sources report the same event the more trusted one wins.
//
// # Periods
//
// A [CoveragePeriod] is a half-open range of whole UTC days [Start, End).
// Adjacent periods never overlap, so partitioning a request across sources
// counts every day exactly once. Cache keys embed both bounds:
//
//	{source}_{YYYYMMDD start}_{YYYYMMDD end}  →  e.g. "preliminary_20250801_20250901"
//
// # Report Conventions
//
// Location format:
//
//	"<distance> <compass> <place>"  →  e.g. "8 ESE Chappel"
//	means 8 miles East-Southeast of Chappel, TX.
//	Reports at the named location omit distance and direction (e.g. just "Ravenna").
//
// Time format (SPC):
//
//	HHMM in 24-hour notation, e.g. "1510" = 15:10 UTC.
//	Three-digit values are zero-padded: "930" → "0930".
//	The date comes from the report file name.
//
// Magnitude encoding:
//
//	Hail: inches. SPC publishes hundredths (175 = 1.75"). Values ≥ 10 with
//	      unit "in" are assumed to be hundredths because the largest hail
//	      recorded in the US was about 8 inches.
//	Tornado: Enhanced Fujita integer 0–5, "EF"/"F" prefix stripped.
//	Wind: miles per hour.
//	"UNK" is the NOAA sentinel for unknown magnitude and parses as zero.
//
// NWS office codes:
//
//	WFO codes appear in parentheses at the end of comments:
//	"Large hail reported. (OUN)" → "OUN". Extracted by [ExtractSourceOffice].
//
// Severity classification:
//
//	Hail:    <0.75" minor | <1.5" moderate | <2.5" severe | ≥2.5" extreme
//	Wind:    <50 mph minor | <74 mph moderate | <96 mph severe | ≥96 mph extreme
//	Tornado: EF0–1 minor | EF2 moderate | EF3–4 severe | EF5 extreme
//
// # ID Generation
//
// NCEI publishes EVENT_ID; the other sources do not. Missing IDs are
// deterministic SHA-256 hashes of source|type|state|lat|lon|time|magnitude so a
// refetch of the same report deduplicates against the cached copy. See
// [GenerateEventID].
package domain
