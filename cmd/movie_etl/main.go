package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"movieetl/internal/catalog"
	"movieetl/internal/config"
	"movieetl/internal/ingest"
	"movieetl/internal/metrics"
	"movieetl/internal/metrics/datadog"
	"movieetl/internal/metrics/prompush"
	"movieetl/internal/storage"

	// register all backends with the storage factory.
	_ "movieetl/internal/storage/all"
)

// backendCloser is a metrics backend the command shuts down on exit.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// pushCloser gives the pushgateway backend a Close that pushes once.
type pushCloser struct {
	*prompush.Backend
}

func (p pushCloser) Close() error { return p.Flush() }

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	// BackendFactory builds the metrics backend selected by flags.
	// A nil backend with a nil error leaves metrics disabled.
	BackendFactory func(ctx context.Context, f runFlags, job string) (backendCloser, error)
}

// runFlags holds the parsed command line.
type runFlags struct {
	ConfigPath     string
	EnvFile        string
	Validate       bool
	InitSchema     bool
	Verbose        bool
	MetricsBackend string
	PushGatewayURL string
	DDTagsCSV      string
	MetricsFlush   time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		BackendFactory: newMetricsBackend,
	})
	stop()
	os.Exit(code)
}

// run loads the configuration, ingests every configured language and
// returns an exit code.
//
// Exit codes:
//   - 0: success, or a valid configuration with -validate.
//   - 1: the run failed (storage or cancellation).
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}

	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	logger := newLogger(d.Stderr, f.Verbose)

	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		logger.Error().Err(err).Msg("load config")
		return 2
	}
	if err := config.ApplyEnv(&cfg, f.EnvFile); err != nil {
		logger.Error().Err(err).Msg("load config")
		return 2
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Error().Str("config", f.ConfigPath).Msg("configuration is invalid")
		return 2
	}
	if f.Validate {
		logger.Info().Str("config", f.ConfigPath).Msg("configuration is valid")
		return 0
	}

	backend, err := d.BackendFactory(ctx, f, cfg.Job)
	if err != nil {
		logger.Error().Err(err).Str("backend", f.MetricsBackend).Msg("metrics init")
		return 2
	}
	if backend != nil {
		metrics.SetBackend(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Warn().Err(err).Msg("metrics flush")
			}
			metrics.SetBackend(nil)
		}()
	}

	gw, err := storage.Open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		logger.Error().Err(err).Str("kind", cfg.Storage.Kind).Msg("open storage")
		return 2
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn().Err(err).Msg("close storage")
		}
	}()

	if cfg.Storage.EnsureSchema || f.InitSchema {
		if err := gw.EnsureSchema(ctx); err != nil {
			logger.Error().Err(err).Msg("ensure schema")
			return 1
		}
	}

	cat := catalog.New(catalog.Options{
		BaseURL:         cfg.Catalog.BaseURL,
		APIKey:          cfg.Catalog.APIKey,
		Locale:          cfg.Catalog.Locale,
		Timeout:         cfg.Catalog.Timeout.Duration,
		MaxAttempts:     cfg.Catalog.MaxAttempts,
		BaseBackoff:     cfg.Catalog.BaseBackoff.Duration,
		MaxBackoff:      cfg.Catalog.MaxBackoff.Duration,
		BreakerFailures: cfg.Catalog.BreakerFailures,
		BreakerCooldown: cfg.Catalog.BreakerCooldown.Duration,
		JobName:         cfg.Job,
		Logger:          &logger,
	})

	opts := []ingest.Option{ingest.WithLogger(logger)}
	if delay := cfg.Run.RequestDelay.Duration; delay > 0 {
		opts = append(opts, ingest.WithPacer(rate.NewLimiter(rate.Every(delay), 1)))
	}

	driver := ingest.NewDriver(cat, gw, ingest.Config{
		Job:               cfg.Job,
		Languages:         cfg.Run.Languages,
		LanguageNames:     cfg.Run.LanguageNames,
		TargetPerLanguage: cfg.Run.TargetPerLanguage,
		MaxPages:          cfg.Run.MaxPages,
		DetailConcurrency: cfg.Run.DetailConcurrency,
	}, opts...)

	start := time.Now()
	rep, runErr := driver.Run(ctx)
	if err := writeSummary(d.Stdout, rep, runErr, time.Since(start)); err != nil {
		logger.Warn().Err(err).Msg("write summary")
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("run failed")
		return 1
	}
	return 0
}

func parseFlags(args []string) (runFlags, error) {
	fs := flag.NewFlagSet("movie_etl", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var f runFlags
	fs.StringVar(&f.ConfigPath, "config", "", "run config JSON path (defaults apply when empty)")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing is fine)")
	fs.BoolVar(&f.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.InitSchema, "init-schema", false, "create missing tables before the run")
	fs.BoolVar(&f.Verbose, "v", false, "enable verbose console logs")
	fs.StringVar(&f.MetricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway, datadog (overrides env METRICS_BACKEND)")
	fs.StringVar(&f.PushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&f.DDTagsCSV, "dd-tags", "", "extra Datadog tags CSV (e.g. env:prod,service:movie-etl)")
	fs.DurationVar(&f.MetricsFlush, "metrics-flush", time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runFlags{}, errors.New(usageBuf.String())
		}
		return runFlags{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if fs.NArg() > 0 {
		return runFlags{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if f.MetricsBackend == "" {
		f.MetricsBackend = os.Getenv("METRICS_BACKEND")
	}
	switch f.MetricsBackend {
	case "", "none", "pushgateway", "datadog":
	default:
		return runFlags{}, fmt.Errorf("unknown -metrics-backend %q", f.MetricsBackend)
	}
	if f.MetricsFlush <= 0 {
		return runFlags{}, errors.New("-metrics-flush must be > 0")
	}
	return f, nil
}

// newMetricsBackend builds the backend named by f: flag, then env, then off.
func newMetricsBackend(ctx context.Context, f runFlags, job string) (backendCloser, error) {
	switch f.MetricsBackend {
	case "pushgateway":
		gwURL := f.PushGatewayURL
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.New(prompush.Options{URL: gwURL, JobName: job})
		if err != nil {
			return nil, err
		}
		return pushCloser{b}, nil

	case "datadog":
		tags := datadog.ParseTagsCSV(f.DDTagsCSV)
		if len(tags) == 0 {
			tags = datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		}
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: f.MetricsFlush,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, nil
}

// newLogger writes JSON lines, or colorless console output when verbose.
func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	if verbose {
		cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.TimeOnly}
		return zerolog.New(cw).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// summary is the single JSON line written to stdout at the end of a run.
type summary struct {
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Movies     int               `json:"movies"`
	Rows       ingest.RowCounts  `json:"rows"`
	Languages  []languageSummary `json:"languages"`
}

type languageSummary struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Movies  int    `json:"movies"`
	Pages   int    `json:"pages"`
	Skipped int    `json:"skipped"`
}

func writeSummary(w io.Writer, rep ingest.Report, runErr error, elapsed time.Duration) error {
	s := summary{
		Status:     "ok",
		DurationMs: elapsed.Milliseconds(),
		Movies:     rep.Movies(),
		Rows:       rep.Rows(),
		Languages:  make([]languageSummary, 0, len(rep.Languages)),
	}
	if runErr != nil {
		s.Status = "error"
		s.Error = runErr.Error()
	}
	for _, l := range rep.Languages {
		s.Languages = append(s.Languages, languageSummary{
			Code: l.Code, Name: l.Name, Movies: l.Movies, Pages: l.Pages, Skipped: l.Skipped,
		})
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
