package spc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/source"
)

const reports240426 = `Time,F_Scale,Location,County,State,Lat,Lon,Comments
1510,EF1,8 ESE Chappel,San Saba,TX,31.02,-98.44,Tornado damage to barn. (FWD)
Time,Speed,Location,County,State,Lat,Lon,Comments
0130,UNK,2 N Tulsa,Tulsa,OK,36.18,-95.99,Power lines down. (TSA)
Time,Size,Location,County,State,Lat,Lon,Comments
2015,175,Katy,Harris,TX,29.79,-95.82,Golf ball sized hail. (HGX)
`

func TestParseReports(t *testing.T) {
	day := domain.Date(2024, 4, 26)

	events, err := ParseReports(strings.NewReader(reports240426), day)
	require.NoError(t, err)
	require.Len(t, events, 3)

	tornado := events[0]
	assert.Equal(t, "tornado", tornado.EventType)
	assert.Equal(t, time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC), tornado.Timestamp)
	assert.Equal(t, 1.0, tornado.Magnitude)
	assert.Equal(t, "minor", tornado.Severity)
	assert.Equal(t, "Chappel", tornado.Location.Name)
	assert.Equal(t, 8.0, tornado.Location.Distance)
	assert.Equal(t, "ESE", tornado.Location.Direction)
	assert.Equal(t, "San Saba", tornado.Location.County)
	assert.Equal(t, "FWD", tornado.SourceOffice)
	assert.Equal(t, domain.Preliminary, tornado.Source)
	assert.True(t, strings.HasPrefix(tornado.ID, "tornado-"))

	wind := events[1]
	assert.Equal(t, time.Date(2024, 4, 27, 1, 30, 0, 0, time.UTC), wind.Timestamp, "before 12Z is the next UTC day")
	assert.Equal(t, 0.0, wind.Magnitude)
	assert.Equal(t, "mph", wind.Unit)

	hail := events[2]
	assert.Equal(t, 1.75, hail.Magnitude, "hundredths of an inch")
	assert.Equal(t, "in", hail.Unit)
	assert.Equal(t, "Katy", hail.Location.Name)
}

func TestParseReports_StableIDs(t *testing.T) {
	day := domain.Date(2024, 4, 26)
	first, err := ParseReports(strings.NewReader(reports240426), day)
	require.NoError(t, err)
	second, err := ParseReports(strings.NewReader(reports240426), day)
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestParseReports_HeadersOnly(t *testing.T) {
	body := "Time,F_Scale,Location,County,State,Lat,Lon,Comments\nTime,Speed,Location,County,State,Lat,Lon,Comments\n"
	events, err := ParseReports(strings.NewReader(body), domain.Date(2024, 4, 26))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseReports_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"row before header", "1510,EF1,Somewhere,X,TX,31,-98,c\n"},
		{"unknown section", "Time,Depth,Location,County,State,Lat,Lon,Comments\n"},
		{"missing column", "Time,Size,Location,State,Lat,Lon,Comments\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReports(strings.NewReader(tt.body), domain.Date(2024, 4, 26))
			require.Error(t, err)
			assert.Equal(t, source.SchemaError, source.KindOf(err))
		})
	}
}

func TestParseReports_SkipsBadTimes(t *testing.T) {
	body := "Time,Size,Location,County,State,Lat,Lon,Comments\n" +
		"99xx,100,Katy,Harris,TX,29.79,-95.82,bad\n" +
		",100,Katy,Harris,TX,29.79,-95.82,empty\n" +
		"1200,100,Katy,Harris,TX,29.79,-95.82,noon\n"
	events, err := ParseReports(strings.NewReader(body), domain.Date(2024, 4, 26))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "noon", events[0].Comments)
}

// reportServer serves daily files keyed by yymmdd and records requests.
type reportServer struct {
	mu       sync.Mutex
	files    map[string]string
	status   int
	requests []string
	agent    string
}

func (s *reportServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	s.agent = r.Header.Get("User-Agent")
	status := s.status
	body, ok := s.files[strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "_rpts_filtered.csv")]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (s *reportServer) seen() ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...), s.agent
}

func newTestClient(t *testing.T, s *reportServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, UserAgent: "storm-data-cache/test", Timeout: 5 * time.Second})
}

func TestClient_Fetch(t *testing.T) {
	s := &reportServer{files: map[string]string{"240426": reports240426}}
	c := newTestClient(t, s)

	// The 0130 wind report in the 240426 file lands on Apr 27 UTC.
	period := domain.Period(domain.Date(2024, 4, 27), domain.Date(2024, 4, 28))
	events, err := c.Fetch(context.Background(), period)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "wind", events[0].EventType)

	paths, agent := s.seen()
	assert.ElementsMatch(t, []string{"/240426_rpts_filtered.csv", "/240427_rpts_filtered.csv"}, paths)
	assert.Equal(t, "storm-data-cache/test", agent)
}

func TestClient_FetchNoReports(t *testing.T) {
	s := &reportServer{files: map[string]string{}}
	c := newTestClient(t, s)

	events, err := c.Fetch(context.Background(), domain.Period(domain.Date(2024, 4, 1), domain.Date(2024, 4, 8)))
	require.NoError(t, err)
	assert.Empty(t, events)
	paths, _ := s.seen()
	assert.Len(t, paths, 8)
}

func TestClient_FetchThrottlesEveryDay(t *testing.T) {
	s := &reportServer{files: map[string]string{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	})

	start := time.Now()
	_, err := c.Fetch(context.Background(), domain.Period(domain.Date(2024, 4, 1), domain.Date(2024, 4, 8)))
	require.NoError(t, err)

	paths, _ := s.seen()
	assert.Len(t, paths, 8)
	assert.GreaterOrEqual(t, time.Since(start), 65*time.Millisecond, "eight requests at one per 10ms")
}

func TestClient_FetchUpstreamError(t *testing.T) {
	s := &reportServer{status: http.StatusTooManyRequests}
	c := newTestClient(t, s)

	_, err := c.Fetch(context.Background(), domain.Period(domain.Date(2024, 4, 1), domain.Date(2024, 4, 2)))
	require.Error(t, err)
	assert.Equal(t, source.RateLimited, source.KindOf(err))
}

func TestClient_Declarations(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, domain.Preliminary, c.Kind())
	assert.Equal(t, 1, c.LagDays())
	assert.Equal(t, 24*time.Hour, c.Cadence())

	var _ source.Adapter = c
}
