// Package metrics is the backend-neutral instrumentation surface of the ETL.
//
// Core code records through the package-level helpers; a binary picks a
// Backend (Datadog, Prometheus pushgateway, or nothing) once at startup with
// SetBackend. The default backend discards everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions. Every call site for a given metric name must
// use the same label keys.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names.
const (
	HTTPRequestsTotal    = "movie_etl_http_requests_total"
	HTTPErrorsTotal      = "movie_etl_http_errors_total"
	HTTPRequestDuration  = "movie_etl_http_request_duration_seconds"
	HTTPResponseDuration = "movie_etl_http_response_duration_seconds"
	HTTPDownloadBytes    = "movie_etl_http_download_bytes"
	StepTotal            = "movie_etl_step_total"
	StepDuration         = "movie_etl_step_duration_seconds"
	RowsTotal            = "movie_etl_rows_total"
	MoviesTotal          = "movie_etl_movies_total"
	PagesTotal           = "movie_etl_pages_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordHTTP records one HTTP attempt.
//
// status is 0 when no response was received; it is reported as "error".
// reqDur covers the round trip up to response headers, respDur the body read.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, size int64) {
	b := current()
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestDuration, reqDur.Seconds(), l)
	if respDur > 0 {
		b.ObserveHistogram(HTTPResponseDuration, respDur.Seconds(), l)
	}
	if size > 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}

// RecordStep records the outcome and duration of a named pipeline step.
func RecordStep(job, step string, err error, d time.Duration) {
	b := current()
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRows counts rows written to table. Zero is not reported.
func RecordRows(job, table string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"job": job, "table": table})
}

// RecordMovie counts one processed movie for lang; outcome is "stored" or "skipped".
func RecordMovie(job, lang, outcome string) {
	current().IncCounter(MoviesTotal, 1, Labels{"job": job, "lang": lang, "outcome": outcome})
}

// RecordPage counts one committed discovery page for lang.
func RecordPage(job, lang string) {
	current().IncCounter(PagesTotal, 1, Labels{"job": job, "lang": lang})
}
