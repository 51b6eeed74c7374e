package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"movieetl/internal/catalog"
	"movieetl/internal/metrics"
	"movieetl/internal/storage"
)

const (
	// defaultPageLimit applies when discovery does not report total_pages.
	defaultPageLimit = 100
	// DefaultMaxPages is the deepest discovery page the catalog serves.
	DefaultMaxPages = 500
)

// Catalog is the read side the driver needs; *catalog.Client implements it.
type Catalog interface {
	Discover(ctx context.Context, lang string, page int) (*catalog.DiscoverPage, error)
	FetchDetail(ctx context.Context, id int64) (*catalog.MovieDetail, error)
}

// Store is the write side the driver needs; every storage.Gateway implements it.
type Store interface {
	Inserter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pacer spaces out detail requests. *rate.Limiter implements it.
type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Wait(ctx context.Context) error { return ctx.Err() }

// Config holds the per-run parameters.
type Config struct {
	Job       string
	Languages []string
	// LanguageNames overrides display names per code.
	LanguageNames     map[string]string
	TargetPerLanguage int
	// MaxPages caps pagination per language; DefaultMaxPages when <= 0.
	MaxPages int
	// DetailConcurrency > 1 fetches that many details of a page at once.
	DetailConcurrency int
}

// LanguageReport summarizes one language.
type LanguageReport struct {
	Code    string
	Name    string
	Movies  int
	Pages   int
	Skipped int
	Rows    RowCounts
}

// Report is the outcome of Run. On error it holds every language started,
// the failing one last.
type Report struct {
	Languages []LanguageReport
}

// Movies returns the number of movies ingested across all languages.
func (r Report) Movies() int {
	n := 0
	for _, l := range r.Languages {
		n += l.Movies
	}
	return n
}

// Rows returns the per-table inserted row counts summed over all languages.
func (r Report) Rows() RowCounts {
	out := RowCounts{}
	for _, l := range r.Languages {
		out.Add(l.Rows)
	}
	return out
}

// Option configures a Driver.
type Option func(*Driver)

func WithPacer(p Pacer) Option {
	return func(d *Driver) {
		if p != nil {
			d.pacer = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// Driver walks discovery pages per language, accumulates details into a
// Batch and flushes and commits once per page.
//
// Per language: Paginating -> Detailing -> Flushing -> (Paginating | Done).
// Catalog failures are skips; storage failures roll back the open
// transaction and end the run.
type Driver struct {
	cat   Catalog
	store Store
	cfg   Config
	pacer Pacer
	dedup *Deduplicator
	log   zerolog.Logger
}

func NewDriver(cat Catalog, store Store, cfg Config, opts ...Option) *Driver {
	d := &Driver{
		cat:   cat,
		store: store,
		cfg:   cfg,
		pacer: noPacer{},
		dedup: NewDeduplicator(),
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.cfg.Job == "" {
		d.cfg.Job = "movie_etl"
	}
	if d.cfg.MaxPages <= 0 {
		d.cfg.MaxPages = DefaultMaxPages
	}
	return d
}

// Run ingests every configured language in order. It stops at the first
// storage failure or when ctx is cancelled; pages committed before that stay
// committed.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	var rep Report
	for _, code := range d.cfg.Languages {
		lr, err := d.runLanguage(ctx, code)
		rep.Languages = append(rep.Languages, lr)
		if err != nil {
			return rep, err
		}
	}
	g, p := d.dedup.Seen()
	d.log.Info().
		Int("languages", len(rep.Languages)).
		Int("movies", rep.Movies()).
		Int("genres_seen", g).
		Int("people_seen", p).
		Msg("ingest finished")
	return rep, nil
}

func (d *Driver) runLanguage(ctx context.Context, code string) (LanguageReport, error) {
	lr := LanguageReport{
		Code: code,
		Name: LanguageName(code, d.cfg.LanguageNames),
		Rows: RowCounts{},
	}
	log := d.log.With().Str("lang", code).Logger()
	log.Info().Str("name", lr.Name).Int("target", d.cfg.TargetPerLanguage).Msg("language start")

	n, err := d.store.InsertIgnore(ctx, storage.TableRows{
		Table: storage.Languages,
		Rows:  [][]any{{code, lr.Name}},
	})
	if err != nil {
		return lr, d.abort(ctx, fmt.Errorf("insert language %s: %w", code, err))
	}
	lr.Rows[storage.Languages.Name] += n
	metrics.RecordRows(d.cfg.Job, storage.Languages.Name, n)

	batch := NewBatch(d.dedup)
	for page := 1; lr.Movies < d.cfg.TargetPerLanguage; page++ {
		if err := ctx.Err(); err != nil {
			return lr, d.abort(ctx, err)
		}

		dp, err := d.cat.Discover(ctx, code, page)
		if err != nil {
			if ctx.Err() != nil {
				return lr, d.abort(ctx, ctx.Err())
			}
			log.Warn().Err(err).Int("page", page).Msg("discovery failed; language done")
			break
		}
		if len(dp.Results) == 0 {
			log.Info().Int("page", page).Msg("discovery exhausted")
			break
		}
		log.Debug().Int("page", page).Int("total_pages", dp.TotalPages).Int("summaries", len(dp.Results)).Msg("page fetched")

		added, skipped, err := d.detailPage(ctx, code, dp.Results, d.cfg.TargetPerLanguage-lr.Movies, batch)
		if err != nil {
			return lr, d.abort(ctx, err)
		}
		lr.Movies += added
		lr.Skipped += skipped

		start := time.Now()
		counts, err := batch.Flush(ctx, d.store)
		if err == nil {
			if cerr := d.store.Commit(ctx); cerr != nil {
				err = fmt.Errorf("commit %s page %d: %w", code, page, cerr)
			}
		} else {
			err = fmt.Errorf("%s page %d: %w", code, page, err)
		}
		metrics.RecordStep(d.cfg.Job, "flush", err, time.Since(start))
		if err != nil {
			return lr, d.abort(ctx, err)
		}

		lr.Pages++
		lr.Rows.Add(counts)
		for table, rows := range counts {
			metrics.RecordRows(d.cfg.Job, table, rows)
		}
		metrics.RecordPage(d.cfg.Job, code)
		log.Info().Int("page", page).Int("movies", lr.Movies).Interface("rows", counts).Msg("page committed")

		if page >= d.pageLimit(dp.TotalPages) {
			break
		}
	}

	// Commits the language row when no page was flushed.
	if err := d.store.Commit(ctx); err != nil {
		return lr, d.abort(ctx, fmt.Errorf("commit %s: %w", code, err))
	}
	log.Info().Int("movies", lr.Movies).Int("pages", lr.Pages).Int("skipped", lr.Skipped).Msg("language done")
	return lr, nil
}

// pageLimit is the last page to request: total_pages as reported (100 when
// missing), capped by MaxPages.
func (d *Driver) pageLimit(totalPages int) int {
	limit := totalPages
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > d.cfg.MaxPages {
		limit = d.cfg.MaxPages
	}
	return limit
}

// detailPage fetches details for summaries until remaining movies were
// added. Failed fetches are skipped. Only cancellation returns an error.
func (d *Driver) detailPage(ctx context.Context, code string, summaries []catalog.MovieSummary, remaining int, batch *Batch) (added, skipped int, err error) {
	window := d.cfg.DetailConcurrency
	if window < 1 {
		window = 1
	}

	for next := 0; next < len(summaries) && added < remaining; {
		n := min(window, remaining-added, len(summaries)-next)
		group := summaries[next : next+n]
		next += n

		details, errs, err := d.fetchGroup(ctx, group)
		if err != nil {
			return added, skipped, err
		}
		for i, s := range group {
			if errs[i] != nil {
				skipped++
				metrics.RecordMovie(d.cfg.Job, code, "skipped")
				d.log.Warn().Str("lang", code).Int64("movie_id", s.ID).Err(errs[i]).Msg("detail unavailable; skipped")
				continue
			}
			batch.Add(details[i], code)
			added++
			metrics.RecordMovie(d.cfg.Job, code, "stored")
		}
	}
	return added, skipped, nil
}

// fetchGroup fetches every summary of group, concurrently when the group has
// more than one entry. Results are positional. The pacer is waited on before
// each request.
func (d *Driver) fetchGroup(ctx context.Context, group []catalog.MovieSummary) ([]*catalog.MovieDetail, []error, error) {
	details := make([]*catalog.MovieDetail, len(group))
	errs := make([]error, len(group))

	var g errgroup.Group
	for i, s := range group {
		if err := d.pacer.Wait(ctx); err != nil {
			_ = g.Wait()
			return nil, nil, fmt.Errorf("pace detail requests: %w", err)
		}
		if len(group) == 1 {
			details[i], errs[i] = d.cat.FetchDetail(ctx, s.ID)
			break
		}
		g.Go(func() error {
			details[i], errs[i] = d.cat.FetchDetail(ctx, s.ID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return details, errs, nil
}

// abort rolls back the open transaction and returns cause, joined with the
// rollback error if there was one.
func (d *Driver) abort(ctx context.Context, cause error) error {
	if rbErr := d.store.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		cause = errors.Join(cause, fmt.Errorf("rollback: %w", rbErr))
	}
	d.log.Error().Err(cause).Msg("ingest aborted; open transaction rolled back")
	return cause
}
