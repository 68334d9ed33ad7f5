// Package ncei fetches verified storm events from the NCEI Storm Events
// Database, which publishes one gzipped details CSV per year and recompiles
// each file roughly monthly under a new name.
package ncei

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

// DefaultBaseURL is the public Storm Events CSV directory.
const DefaultBaseURL = "https://www.ncei.noaa.gov/pub/data/swdi/stormevents/csvfiles"

// Options configures a Client.
type Options struct {
	BaseURL   string
	UserAgent string
	// Timeout bounds a single HTTP request. The retry decorator applies its
	// own per-attempt deadline on top of this.
	Timeout time.Duration
	LagDays int
	// LastResort maps a year to a details file name (or full URL) known to
	// exist. Years not listed use the built-in table.
	LastResort map[int]string
	// Limiter, when set, is waited on before every request, discovery
	// probes included.
	Limiter *rate.Limiter
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Client implements source.Adapter and source.LastResortFetcher for the NCEI
// archive.
type Client struct {
	http       *resty.Client
	baseURL    string
	lagDays    int
	lastResort map[int]string
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates an NCEI client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.LagDays <= 0 {
		opts.LagDays = 90
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	source.Throttle(client, opts.Limiter)

	return &Client{
		http:       client,
		baseURL:    opts.BaseURL,
		lagDays:    opts.LagDays,
		lastResort: opts.LastResort,
		clock:      opts.Clock,
		logger:     opts.Logger.With("adapter", "ncei"),
	}
}

func (c *Client) Kind() domain.SourceKind { return domain.Authoritative }
func (c *Client) LagDays() int            { return c.lagDays }

// Cadence is daily. Files are recompiled monthly but a new compile can land
// on any day.
func (c *Client) Cadence() time.Duration { return 24 * time.Hour }

// Fetch downloads the details file of every year period touches and returns
// the hazard events inside period.
//
// The file for each year is located by scraping the directory index; when
// that fails, or the discovered file cannot be downloaded, the previous
// month's compile name is probed.
func (c *Client) Fetch(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	var out []domain.WeatherEvent
	for _, year := range yearsOf(period) {
		events, err := c.fetchYear(ctx, year, period)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	domain.SortEvents(out)
	return out, nil
}

// FetchLastResort downloads each year's fixed historical file, skipping
// discovery entirely.
func (c *Client) FetchLastResort(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	var out []domain.WeatherEvent
	for _, year := range yearsOf(period) {
		url := c.lastResortURL(year)
		c.logger.Warn("using last-resort details file", "year", year, "url", url)
		events, err := c.download(ctx, url, period)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	domain.SortEvents(out)
	return out, nil
}

func (c *Client) fetchYear(ctx context.Context, year int, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	url, err := c.discover(ctx, year)
	if err == nil {
		events, dlErr := c.download(ctx, url, period)
		if dlErr == nil || source.IsPermanent(dlErr) || ctx.Err() != nil {
			return events, dlErr
		}
		err = dlErr
		c.logger.Warn("discovered details file failed, trying previous month", "year", year, "url", url, "error", dlErr)
	} else {
		c.logger.Warn("details file discovery failed, trying previous month", "year", year, "error", err)
	}

	prev, prevErr := c.previousMonth(ctx, year)
	if prevErr != nil {
		return nil, fmt.Errorf("year %d: %w", year, errorsJoinKind(err, prevErr))
	}
	return c.download(ctx, prev, period)
}

func (c *Client) download(ctx context.Context, url string, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, source.Failure(source.KindOf(err), fmt.Errorf("download %s: %w", url, err))
	}
	body := resp.RawBody()
	defer body.Close()

	if err := source.FromStatus(resp.StatusCode(), resp.Header(), "download "+url); err != nil {
		return nil, err
	}

	events, err := ParseDetails(body, period)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("details file parsed", "url", url, "events", len(events), "period", period.String())
	return events, nil
}

// yearsOf lists the calendar years a half-open period touches.
func yearsOf(p domain.CoveragePeriod) []int {
	if p.IsEmpty() {
		return nil
	}
	var years []int
	for y := p.Start.Year(); y <= p.Last().Year(); y++ {
		years = append(years, y)
	}
	return years
}
