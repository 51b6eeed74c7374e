package config

import (
	"fmt"
	"net/url"
	"slices"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the JSON path of the offending
// field, e.g. "run.languages[2]".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// StorageKinds lists the backends the binary is built with.
var StorageKinds = []string{"mssql", "postgres", "sqlite"}

const (
	// maxDiscoverPages is the deepest page the catalog serves.
	maxDiscoverPages = 500
	// langCodeWidth and langNameWidth match the languages table columns.
	langCodeWidth = 5
	langNameWidth = 50
)

// Validate checks cfg and returns every issue found. Errors make the
// configuration unusable; warnings are reported but do not stop a run.
func Validate(cfg Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Job == "" {
		add(SeverityWarning, "job", "empty job name; metrics will use the backend default")
	}

	c := cfg.Catalog
	if c.APIKey == "" {
		add(SeverityError, "catalog.api_key", "missing api key (set it here or via TMDB_API_KEY)")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(SeverityError, "catalog.base_url", "must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.Timeout.Duration < 0 {
		add(SeverityError, "catalog.timeout", "must not be negative")
	}
	if c.MaxAttempts < 0 {
		add(SeverityError, "catalog.max_attempts", "must not be negative")
	}
	if c.BaseBackoff.Duration < 0 || c.MaxBackoff.Duration < 0 {
		add(SeverityError, "catalog.base_backoff", "backoff durations must not be negative")
	} else if c.MaxBackoff.Duration > 0 && c.BaseBackoff.Duration > c.MaxBackoff.Duration {
		add(SeverityWarning, "catalog.max_backoff", "smaller than base_backoff; every retry waits max_backoff")
	}
	if c.BreakerCooldown.Duration < 0 {
		add(SeverityError, "catalog.breaker_cooldown", "must not be negative")
	}

	s := cfg.Storage
	switch {
	case s.Kind == "":
		add(SeverityError, "storage.kind", "missing storage kind (one of %v)", StorageKinds)
	case !slices.Contains(StorageKinds, s.Kind):
		add(SeverityError, "storage.kind", "unsupported kind %q (one of %v)", s.Kind, StorageKinds)
	}
	if s.DSN == "" {
		add(SeverityError, "storage.dsn", "missing dsn (set it here or via MOVIE_ETL_DSN)")
	}

	r := cfg.Run
	if len(r.Languages) == 0 {
		add(SeverityError, "run.languages", "at least one language is required")
	}
	seen := make(map[string]bool, len(r.Languages))
	for i, code := range r.Languages {
		path := fmt.Sprintf("run.languages[%d]", i)
		switch {
		case code == "":
			add(SeverityError, path, "empty language code")
		case len(code) > langCodeWidth:
			add(SeverityError, path, "language code %q longer than %d characters", code, langCodeWidth)
		case seen[code]:
			add(SeverityWarning, path, "duplicate language %q is ingested once per occurrence", code)
		}
		seen[code] = true
	}
	for code, name := range r.LanguageNames {
		if len(name) > langNameWidth {
			add(SeverityError, "run.language_names."+code, "name longer than %d characters", langNameWidth)
		}
	}
	if r.TargetPerLanguage <= 0 {
		add(SeverityError, "run.target_per_language", "must be positive")
	}
	switch {
	case r.RequestDelay.Duration < 0:
		add(SeverityError, "run.request_delay", "must not be negative")
	case r.RequestDelay.Duration == 0:
		add(SeverityWarning, "run.request_delay", "zero delay; detail requests are not paced")
	}
	switch {
	case r.MaxPages < 0:
		add(SeverityError, "run.max_pages", "must not be negative")
	case r.MaxPages > maxDiscoverPages:
		add(SeverityWarning, "run.max_pages", "catalog serves at most %d discovery pages", maxDiscoverPages)
	}
	if r.DetailConcurrency < 0 {
		add(SeverityError, "run.detail_concurrency", "must not be negative")
	}
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}
