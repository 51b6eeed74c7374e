package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"movieetl/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// newTestBackend returns a backend whose ticker effectively never fires.
func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "job1",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func findSeries(p datadogV2.MetricPayload, metric string) []datadogV2.MetricSeries {
	var out []datadogV2.MetricSeries
	for _, s := range p.Series {
		if s.Metric == metric {
			out = append(out, s)
		}
	}
	return out
}

func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestEncodeTags(t *testing.T) {
	t.Parallel()

	got := decodeTags(encodeTags(metrics.Labels{"status": "200", "job": "x", "lang": ""}))
	want := []string{"lang:unknown", "status:200"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tags=%v, want %v", got, want)
	}
	if decodeTags(encodeTags(nil)) != nil {
		t.Fatalf("nil labels should decode to nil")
	}
}

func TestMetricName(t *testing.T) {
	t.Parallel()

	if got := metricName(metrics.HTTPRequestsTotal); got != "movie_etl.http_requests_total" {
		t.Fatalf("got %q", got)
	}
	if got := metricName("other_total"); got != "other_total" {
		t.Fatalf("got %q", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, "movie_etl.step_duration_seconds", []string{"env:test"}, in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[5]
	if last.Metric != "movie_etl.step_duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("samples gauge=%s %v", last.Metric, *last.Points[0].Value)
	}
	if *series[4].Points[0].Value != 5 {
		t.Fatalf("max=%v, want 5", *series[4].Points[0].Value)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:movie-etl"},
		submitter: fs,
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:movie_etl") || !contains(b.baseTags, "service:movie-etl") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.RecordHTTP("job1", 200, nil, 100*time.Millisecond, 10*time.Millisecond, 512)
	metrics.RecordHTTP("job1", 200, nil, 300*time.Millisecond, 10*time.Millisecond, 512)
	metrics.RecordRows("job1", "movies", 20)
	metrics.RecordRows("job1", "movies", 5)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	reqs := findSeries(payload, "movie_etl.http_requests_total")
	if len(reqs) != 1 || *reqs[0].Points[0].Value != 2 || !contains(reqs[0].Tags, "status:200") {
		t.Fatalf("requests series=%+v", reqs)
	}
	if *reqs[0].Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("requests type=%v", *reqs[0].Type)
	}
	rows := findSeries(payload, "movie_etl.rows_total")
	if len(rows) != 1 || *rows[0].Points[0].Value != 25 || !contains(rows[0].Tags, "table:movies") {
		t.Fatalf("rows series=%+v", rows)
	}
	if mx := findSeries(payload, "movie_etl.http_request_duration_seconds.max"); len(mx) != 1 || *mx[0].Points[0].Value != 0.3 {
		t.Fatalf("duration max=%+v", mx)
	}
	if *rows[0].Points[0].Timestamp != 1000 {
		t.Fatalf("timestamp=%d", *rows[0].Points[0].Timestamp)
	}

	if len(b.counters) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submissions=%d, want 0", fs.count())
	}
}

func TestFlush_WrapsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403 forbidden")}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.PagesTotal, 1, metrics.Labels{"lang": "fr"})
	err := b.Flush()
	if err == nil || !errors.Is(err, fs.err) {
		t.Fatalf("Flush() err=%v, want wrapped submit error", err)
	}
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("buffers should be reset after failed submit; err=%v count=%d", err, fs.count())
	}
}

func TestIgnoredObservations(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.RowsTotal, 0, metrics.Labels{"table": "movies"})
	b.IncCounter(metrics.RowsTotal, -3, metrics.Labels{"table": "movies"})
	b.ObserveHistogram(metrics.StepDuration, -1, metrics.Labels{"step": "flush"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored observations were submitted")
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.PagesTotal, 1, metrics.Labels{"lang": "en"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background flush; got %d", fs.count())
	}

	b.IncCounter(metrics.PagesTotal, 1, metrics.Labels{"lang": "en"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected a final flush on Close; got %d submissions", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.MoviesTotal, 1, metrics.Labels{"lang": "fr", "outcome": "stored"})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "flush", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	payload, _ := fs.last()
	movies := findSeries(payload, "movie_etl.movies_total")
	if len(movies) != 1 || *movies[0].Points[0].Value != float64(workers*iters) {
		t.Fatalf("movies series=%+v", movies)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:etl,  ,team:data ", want: []string{"env:prod", "service:etl", "team:data"}},
		{name: "single_tag", in: "service:etl", want: []string{"service:etl"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
