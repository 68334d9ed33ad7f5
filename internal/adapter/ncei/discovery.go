package ncei

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

var (
	linkRe    = regexp.MustCompile(`href="([^"]*StormEvents_details[^"]*\.csv\.gz)"`)
	detailsRe = regexp.MustCompile(`StormEvents_details-ftp_v1\.0_d(\d{4})_c(\d{8})\.csv\.gz`)
)

const compileLayout = "20060102"

// defaultLastResort holds compile dates verified to exist when no override is
// configured. Any other year uses defaultLastResortCompile.
var defaultLastResort = map[int]string{
	2023: "20250731",
	2024: "20250818",
}

const defaultLastResortCompile = "20250520"

// FileName is the details file name for a year and compile date.
func FileName(year int, compiled time.Time) string {
	return fmt.Sprintf("StormEvents_details-ftp_v1.0_d%d_c%s.csv.gz", year, compiled.Format(compileLayout))
}

// discover scrapes the directory index for the most recently compiled
// details file of year.
func (c *Client) discover(ctx context.Context, year int) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL + "/")
	if err != nil {
		return "", source.Failure(source.KindOf(err), fmt.Errorf("fetch index: %w", err))
	}
	if err := source.FromStatus(resp.StatusCode(), resp.Header(), "fetch index"); err != nil {
		return "", err
	}

	name, ok := LatestForYear(resp.String(), year)
	if !ok {
		return "", source.Failuref(source.Unavailable, "no details file for %d in index", year)
	}
	return c.resolve(name), nil
}

// LatestForYear picks the details file for year with the newest compile
// date from an index page.
func LatestForYear(index string, year int) (string, bool) {
	var best, bestCompile string
	for _, m := range linkRe.FindAllStringSubmatch(index, -1) {
		link := m[1]
		parts := detailsRe.FindStringSubmatch(link)
		if parts == nil || parts[1] != fmt.Sprint(year) {
			continue
		}
		if parts[2] > bestCompile {
			best, bestCompile = link[strings.LastIndex(link, "/")+1:], parts[2]
		}
	}
	return best, best != ""
}

// previousMonth probes last month's compile dates, newest first, with HEAD
// requests and returns the first file that exists.
func (c *Client) previousMonth(ctx context.Context, year int) (string, error) {
	now := c.clock.Now().UTC()
	firstOfMonth := domain.Date(now.Year(), now.Month(), 1)
	start := firstOfMonth.AddDate(0, -1, 0)

	var lastErr error
	for d := firstOfMonth.AddDate(0, 0, -1); !d.Before(start); d = d.AddDate(0, 0, -1) {
		url := c.resolve(FileName(year, d))
		resp, err := c.http.R().SetContext(ctx).Head(url)
		if err != nil {
			return "", source.Failure(source.KindOf(err), fmt.Errorf("probe %s: %w", url, err))
		}
		switch status := resp.StatusCode(); {
		case status >= 200 && status < 300:
			return url, nil
		case status == http.StatusNotFound:
			continue
		default:
			lastErr = source.FromStatus(status, resp.Header(), "probe "+url)
			if source.KindOf(lastErr) == source.RateLimited {
				return "", lastErr
			}
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", source.Failuref(source.Unavailable, "no %s compile found for %d", start.Format("2006-01"), year)
}

func (c *Client) lastResortURL(year int) string {
	if name, ok := c.lastResort[year]; ok && name != "" {
		return c.resolve(name)
	}
	compile, ok := defaultLastResort[year]
	if !ok {
		compile = defaultLastResortCompile
	}
	t, _ := time.Parse(compileLayout, compile)
	return c.resolve(FileName(year, t))
}

// resolve turns a bare file name into a URL under the base directory.
func (c *Client) resolve(name string) string {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + name
}

// errorsJoinKind joins the discovery and probe failures, keeping the probe's
// kind so retry classification reflects the final step.
func errorsJoinKind(first, last error) error {
	return source.Failure(source.KindOf(last), errors.Join(first, last))
}
