// Package catalog is a client for the TMDB v3 movie catalog.
//
// It issues two request types, discovery pages and full movie records, and
// returns decoded structs or an error. The client keeps no domain state and
// is safe for concurrent use; request pacing belongs to the caller.
//
// Failure handling:
//   - transient failures (transport errors, 429, 5xx) are retried with
//     exponential backoff up to Options.MaxAttempts, honoring Retry-After
//   - consecutive transient failures open a circuit breaker; while open,
//     calls fail fast with gobreaker.ErrOpenState
//   - every attempt is reported through metrics.RecordHTTP
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"movieetl/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.themoviedb.org/3"
	DefaultLocale  = "en-US"

	// maxBody bounds a single response; detail records with credits are well under this.
	maxBody = 16 << 20
)

// Options configures a Client. Zero values select the defaults noted per field.
type Options struct {
	BaseURL string // DefaultBaseURL
	APIKey  string
	Locale  string // DefaultLocale; sent as the "language" query parameter

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
	Timeout    time.Duration // 30s

	MaxAttempts int           // 3; 1 disables retry
	BaseBackoff time.Duration // 500ms
	MaxBackoff  time.Duration // 30s

	// BreakerFailures consecutive transient failures open the breaker for
	// BreakerCooldown. 5 and 30s by default.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// JobName labels HTTP metrics.
	JobName string
	Logger  *zerolog.Logger
}

// Client talks to the catalog API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	locale  string
	job     string
	log     zerolog.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New builds a Client. It performs no I/O.
func New(opts Options) *Client {
	c := &Client{
		http:        opts.HTTPClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		locale:      opts.Locale,
		job:         opts.JobName,
		log:         zerolog.Nop(),
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = newHTTPClient(timeout)
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.locale == "" {
		c.locale = DefaultLocale
	}
	if c.job == "" {
		c.job = "movie_etl"
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = 500 * time.Millisecond
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 30 * time.Second
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A 404, a 401 or our own cancellation says nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			return errors.Is(err, context.Canceled) || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("catalog circuit breaker state change")
		},
	})
	return c
}

// Discover fetches one page of movies whose original language is lang,
// ordered by popularity descending.
func (c *Client) Discover(ctx context.Context, lang string, page int) (*DiscoverPage, error) {
	q := url.Values{}
	q.Set("sort_by", "popularity.desc")
	q.Set("with_original_language", lang)
	q.Set("page", strconv.Itoa(page))

	var out DiscoverPage
	if err := c.get(ctx, "/discover/movie", q, &out); err != nil {
		return nil, fmt.Errorf("discover %s page %d: %w", lang, page, err)
	}
	return &out, nil
}

// FetchDetail fetches one movie with its credits.
func (c *Client) FetchDetail(ctx context.Context, id int64) (*MovieDetail, error) {
	q := url.Values{}
	q.Set("append_to_response", "credits")

	var out MovieDetail
	if err := c.get(ctx, "/movie/"+strconv.FormatInt(id, 10), q, &out); err != nil {
		return nil, fmt.Errorf("fetch movie %d: %w", id, err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("api_key", c.apiKey)
	q.Set("language", c.locale)
	rawURL := c.baseURL + path + "?" + q.Encode()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.fetch(ctx, path, rawURL)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// fetch runs the retry loop for one logical request. path is used for
// logging so the api key never reaches the logs.
func (c *Client) fetch(ctx context.Context, path, rawURL string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := c.doAttempt(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !transient(err) || attempt >= c.maxAttempts {
			return nil, err
		}

		wait := nextRetryDelay(err, attempt, c.baseBackoff, c.maxBackoff)
		c.log.Debug().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("catalog request retry")
		if !sleepContext(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) doAttempt(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(c.job, 0, err, time.Since(start), 0, 0)
		return nil, redact(err)
	}
	defer resp.Body.Close()
	reqDur := time.Since(start)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	respDur := time.Since(start) - reqDur

	var attemptErr error
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		attemptErr = &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header)}
	case readErr != nil:
		attemptErr = fmt.Errorf("read body: %w", readErr)
	}
	metrics.RecordHTTP(c.job, resp.StatusCode, attemptErr, reqDur, respDur, int64(len(body)))

	if attemptErr != nil {
		return nil, attemptErr
	}
	return body, nil
}

// redact strips the request URL (which carries the api key) from transport errors.
func redact(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return fmt.Errorf("%s: %w", strings.ToLower(ue.Op), ue.Err)
	}
	return err
}

// nextRetryDelay is base * 2^(attempt-1) clamped to max, or Retry-After on 429.
func nextRetryDelay(err error, attempt int, base, max time.Duration) time.Duration {
	if se, ok := err.(*StatusError); ok && se.Code == http.StatusTooManyRequests && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
