// Package nws turns active National Weather Service warnings into same-day
// LiveAlert events.
package nws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

// DefaultBaseURL is the public NWS API root.
const DefaultBaseURL = "https://api.weather.gov"

// ErrMissingUserAgent is returned when no contact User-Agent is configured.
// api.weather.gov rejects anonymous clients.
var ErrMissingUserAgent = errors.New("nws: user agent is required")

// warningEvents are the alert products that map onto reportable hazards.
var warningEvents = []string{"Tornado Warning", "Severe Thunderstorm Warning"}

// Options configures a Client.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Cadence   time.Duration
	Limiter   *rate.Limiter
	Logger    *slog.Logger
}

// Client implements source.Adapter over /alerts/active.
type Client struct {
	http    *resty.Client
	cadence time.Duration
	logger  *slog.Logger
}

// NewClient creates an NWS alerts client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.UserAgent) == "" {
		return nil, ErrMissingUserAgent
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Cadence <= 0 {
		opts.Cadence = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "application/geo+json")
	source.Throttle(client, opts.Limiter)

	return &Client{
		http:    client,
		cadence: opts.Cadence,
		logger:  opts.Logger.With("adapter", "nws"),
	}, nil
}

func (c *Client) Kind() domain.SourceKind { return domain.LiveAlert }
func (c *Client) LagDays() int            { return 0 }
func (c *Client) Cadence() time.Duration  { return c.cadence }

// Fetch returns one event per hazard named by each active warning whose
// onset falls inside period.
func (c *Client) Fetch(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"status":       "actual",
			"message_type": "alert",
			"event":        strings.Join(warningEvents, ","),
		}).
		Get("/alerts/active")
	if err != nil {
		return nil, source.Failure(source.KindOf(err), fmt.Errorf("fetch alerts: %w", err))
	}
	if err := source.FromStatus(resp.StatusCode(), resp.Header(), "fetch alerts"); err != nil {
		return nil, err
	}

	events, err := ParseAlerts(resp.Body())
	if err != nil {
		return nil, err
	}
	events = source.Clip(events, period)
	domain.SortEvents(events)
	c.logger.Debug("active alerts parsed", "events", len(events))
	return events, nil
}

// ParseAlerts converts an /alerts/active GeoJSON body into events.
func ParseAlerts(body []byte) ([]domain.WeatherEvent, error) {
	var fc featureCollection
	if err := fc.unmarshal(body); err != nil {
		return nil, source.Failure(source.SchemaError, fmt.Errorf("decode alerts: %w", err))
	}
	if fc.Type != "FeatureCollection" {
		return nil, source.Failuref(source.SchemaError, "alerts body is %q, want FeatureCollection", fc.Type)
	}

	var events []domain.WeatherEvent
	for _, f := range fc.Features {
		events = append(events, f.events()...)
	}
	return events, nil
}

func (f feature) events() []domain.WeatherEvent {
	p := f.Properties
	ts := p.Onset
	if ts.IsZero() {
		ts = p.Sent
	}
	if ts.IsZero() {
		return nil
	}

	loc := domain.Location{Raw: p.AreaDesc}
	if area, state, ok := firstArea(p.AreaDesc); ok {
		loc.Name, loc.County, loc.State = area, area, state
	}
	if len(p.Geocode.UGC) > 0 && len(p.Geocode.UGC[0]) >= 2 {
		loc.State = p.Geocode.UGC[0][:2]
	}
	geo := f.Geometry.centroid()

	office := ""
	if ids := p.Parameters["AWIPSidentifier"]; len(ids) > 0 && len(ids[0]) > 3 {
		office = ids[0][len(ids[0])-3:]
	}

	build := func(eventType string, magnitude float64, unit string) domain.WeatherEvent {
		e := domain.NewEvent(domain.LiveAlert, p.ID+"#"+eventType, eventType, ts, magnitude, unit, loc, geo, p.Headline)
		e.SourceOffice = office
		return e
	}

	switch domain.NormalizeEventType(p.Event) {
	case "tornado":
		return []domain.WeatherEvent{build("tornado", 0, "")}
	case "wind":
		var out []domain.WeatherEvent
		if hail := firstNumber(p.Parameters["maxHailSize"]); hail > 0 {
			out = append(out, build("hail", hail, "in"))
		}
		if gust := firstNumber(p.Parameters["maxWindGust"]); gust > 0 || len(out) == 0 {
			out = append(out, build("wind", gust, "mph"))
		}
		return out
	default:
		return nil
	}
}

// firstArea splits "Harris, TX; Fort Bend, TX" into ("Harris", "TX").
func firstArea(areaDesc string) (string, string, bool) {
	first, _, _ := strings.Cut(areaDesc, ";")
	name, state, ok := strings.Cut(first, ",")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(state), true
}

// firstNumber reads the leading number of the first parameter value, e.g.
// "60 MPH" or "1.00".
func firstNumber(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	fields := strings.Fields(values[0])
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
