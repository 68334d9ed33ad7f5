// Package spc fetches preliminary storm reports from the Storm Prediction
// Center's daily filtered report files.
//
// Each file covers one convective day, 1200 UTC to 1200 UTC the next day, and
// holds three CSV sections (tornado, wind, hail), each introduced by its own
// header line. Days with no reports return 404.
package spc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

// DefaultBaseURL is the public report directory.
const DefaultBaseURL = "https://www.spc.noaa.gov/climo/reports"

const (
	fileDateLayout  = "060102"
	defaultParallel = 2
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Parallel caps concurrent daily downloads within one Fetch.
	Parallel int
	// Limiter, when set, is waited on before every request.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Client implements source.Adapter for SPC daily reports.
type Client struct {
	http     *resty.Client
	parallel int
	logger   *slog.Logger
}

// NewClient creates an SPC client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(0)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	source.Throttle(client, opts.Limiter)

	return &Client{
		http:     client,
		parallel: opts.Parallel,
		logger:   opts.Logger.With("adapter", "spc"),
	}
}

func (c *Client) Kind() domain.SourceKind { return domain.Preliminary }

// LagDays is one: yesterday's convective day is complete by the next morning.
func (c *Client) LagDays() int { return 1 }

func (c *Client) Cadence() time.Duration { return 24 * time.Hour }

// Fetch downloads every convective day that can hold reports for period and
// returns the reports that fall inside it.
func (c *Client) Fetch(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	if period.IsEmpty() {
		return nil, nil
	}

	// A UTC day's early hours belong to the previous convective day.
	var days []time.Time
	for d := period.Start.AddDate(0, 0, -1); d.Before(period.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}

	var (
		mu  sync.Mutex
		out []domain.WeatherEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, day := range days {
		g.Go(func() error {
			events, err := c.fetchDay(gctx, day)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, events...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out = source.Clip(out, period)
	domain.SortEvents(out)
	return out, nil
}

func (c *Client) fetchDay(ctx context.Context, day time.Time) ([]domain.WeatherEvent, error) {
	path := fmt.Sprintf("/%s_rpts_filtered.csv", day.Format(fileDateLayout))
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(path)
	if err != nil {
		return nil, source.Failure(source.KindOf(err), fmt.Errorf("fetch %s: %w", path, err))
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := source.FromStatus(resp.StatusCode(), resp.Header(), "fetch "+path); err != nil {
		return nil, err
	}

	events, err := ParseReports(body, day)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.logger.Debug("daily reports parsed", "day", day.Format(time.DateOnly), "events", len(events))
	return events, nil
}
