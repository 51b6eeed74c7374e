// Package config loads the run configuration of the movie ETL.
//
// Precedence, lowest first: built-in defaults, the JSON config file,
// environment variables (optionally seeded from a .env file). ${VAR}
// references in the api key and DSN are expanded after loading so secrets can
// stay out of the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a Go duration string ("100ms").
// Bare JSON numbers are read as nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"100ms\": %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

// Config is the full run configuration.
type Config struct {
	// Job names the run in logs and metrics.
	Job     string        `json:"job"`
	Catalog CatalogConfig `json:"catalog"`
	Storage StorageConfig `json:"storage"`
	Run     RunConfig     `json:"run"`
}

type CatalogConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Locale  string `json:"locale"`

	Timeout         Duration `json:"timeout"`
	MaxAttempts     int      `json:"max_attempts"`
	BaseBackoff     Duration `json:"base_backoff"`
	MaxBackoff      Duration `json:"max_backoff"`
	BreakerFailures uint32   `json:"breaker_failures"`
	BreakerCooldown Duration `json:"breaker_cooldown"`
}

type StorageConfig struct {
	// Kind selects the backend: postgres, sqlite or mssql.
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
	// EnsureSchema creates missing tables and indexes before the run.
	EnsureSchema bool `json:"ensure_schema"`
}

type RunConfig struct {
	Languages         []string          `json:"languages"`
	LanguageNames     map[string]string `json:"language_names"`
	TargetPerLanguage int               `json:"target_per_language"`
	RequestDelay      Duration          `json:"request_delay"`
	MaxPages          int               `json:"max_pages"`
	DetailConcurrency int               `json:"detail_concurrency"`
}

// Default returns the configuration of the original catalog load: five
// languages, 1000 movies each, 100ms between detail requests.
func Default() Config {
	return Config{
		Job: "movie_etl",
		Catalog: CatalogConfig{
			BaseURL:         "https://api.themoviedb.org/3",
			Locale:          "en-US",
			Timeout:         Duration{30 * time.Second},
			MaxAttempts:     3,
			BaseBackoff:     Duration{500 * time.Millisecond},
			MaxBackoff:      Duration{30 * time.Second},
			BreakerFailures: 5,
			BreakerCooldown: Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Kind: "postgres",
		},
		Run: RunConfig{
			Languages: []string{"en", "fr", "es", "sv", "de"},
			LanguageNames: map[string]string{
				"en": "English",
				"fr": "French",
				"es": "Spanish",
				"sv": "Swedish",
				"de": "German",
			},
			TargetPerLanguage: 1000,
			RequestDelay:      Duration{100 * time.Millisecond},
			MaxPages:          500,
			DetailConcurrency: 1,
		},
	}
}

// Load reads path over Default. An empty path returns the defaults.
// Unknown JSON fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.Catalog.APIKey = os.ExpandEnv(cfg.Catalog.APIKey)
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	return cfg, nil
}

// envOverrides lists the variables that override file values when set.
type envOverrides struct {
	APIKey      string   `env:"TMDB_API_KEY"`
	BaseURL     string   `env:"TMDB_BASE_URL"`
	StorageKind string   `env:"MOVIE_ETL_STORAGE_KIND"`
	DSN         string   `env:"MOVIE_ETL_DSN"`
	Languages   []string `env:"MOVIE_ETL_LANGUAGES" envSeparator:","`
	Target      int      `env:"MOVIE_ETL_TARGET"`
}

// ApplyEnv overlays environment variables onto cfg. When dotenv is not
// empty the file is loaded first; a missing file is not an error and
// variables already set in the process win over the file.
func ApplyEnv(cfg *Config, dotenv string) error {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if o.APIKey != "" {
		cfg.Catalog.APIKey = o.APIKey
	}
	if o.BaseURL != "" {
		cfg.Catalog.BaseURL = o.BaseURL
	}
	if o.StorageKind != "" {
		cfg.Storage.Kind = o.StorageKind
	}
	if o.DSN != "" {
		cfg.Storage.DSN = o.DSN
	}
	if langs := trimAll(o.Languages); len(langs) > 0 {
		cfg.Run.Languages = langs
	}
	if o.Target > 0 {
		cfg.Run.TargetPerLanguage = o.Target
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
