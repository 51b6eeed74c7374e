package ingest

import (
	"context"
	"fmt"
	"strconv"

	"movieetl/internal/catalog"
	"movieetl/internal/storage"
)

// Inserter is the write side of storage.Gateway used by Batch.Flush.
type Inserter interface {
	InsertIgnore(ctx context.Context, rows storage.TableRows) (int64, error)
	ExistingIDs(ctx context.Context, t storage.Table, ids []int64) (map[int64]bool, error)
}

// RowCounts maps table name to rows inserted.
type RowCounts map[string]int64

// Add merges other into c.
func (c RowCounts) Add(other RowCounts) {
	for k, v := range other {
		c[k] += v
	}
}

// Total sums all tables.
func (c RowCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Batch accumulates the rows produced by one discovery page.
//
// Rows are kept in five ordered sequences and written by Flush parents
// first, so foreign keys from the link tables always resolve. A Batch is not
// safe for concurrent use.
type Batch struct {
	dedup *Deduplicator

	movies      [][]any
	genres      [][]any
	people      [][]any
	movieGenres [][]any
	movieCrew   [][]any
}

// NewBatch returns an empty batch admitting genres and people through dedup.
func NewBatch(dedup *Deduplicator) *Batch {
	return &Batch{dedup: dedup}
}

// Add appends the rows for one movie detail.
//
// The movie row is tagged with lang, the language being ingested. Genre and
// person rows are appended only when the deduplicator admits their id; link
// rows are appended unless the genre was rejected by an earlier flush. A crew
// entry without a job yields a nil job. Cast is not stored.
func (b *Batch) Add(d *catalog.MovieDetail, lang string) {
	b.movies = append(b.movies, []any{
		d.ID,
		d.Title,
		nullString(d.OriginalTitle),
		nullString(d.Tagline),
		nullString(d.Overview),
		releaseYear(d.ReleaseDate),
		nullInt(d.Runtime),
		nullFloat(d.Popularity),
		nullFloat(d.VoteAverage),
		nullInt(d.VoteCount),
		lang,
		nullInt(d.Budget),
	})

	for _, g := range d.Genres {
		if b.dedup.AdmitGenre(g.ID) {
			b.genres = append(b.genres, []any{g.ID, g.Name})
		}
		if b.dedup.GenreRejected(g.ID) {
			continue
		}
		b.movieGenres = append(b.movieGenres, []any{d.ID, g.ID})
	}

	for _, c := range d.Credits.Crew {
		if b.dedup.AdmitPerson(c.ID) {
			b.people = append(b.people, []any{c.ID, c.Name, nullFloat(c.Popularity)})
		}
		b.movieCrew = append(b.movieCrew, []any{d.ID, c.ID, nullString(c.Job)})
	}
}

// Len returns the total number of pending rows.
func (b *Batch) Len() int {
	return len(b.movies) + len(b.genres) + len(b.people) + len(b.movieGenres) + len(b.movieCrew)
}

// Empty reports whether the batch holds no rows.
func (b *Batch) Empty() bool { return b.Len() == 0 }

// Flush writes every non-empty sequence in the order movies, genres, people,
// movie_genres, movie_crew and clears the batch, whether or not a write
// failed. It does not commit.
//
// When fewer genre rows were inserted than queued, the missing ids are looked
// up: a genre that is still absent lost a name collision to another id, so it
// is rejected and its movie_genres links are dropped before they are written.
func (b *Batch) Flush(ctx context.Context, w Inserter) (RowCounts, error) {
	defer b.reset()

	counts := RowCounts{}
	for _, seq := range b.sequences() {
		rows := *seq.rows
		if len(rows) == 0 {
			continue
		}
		n, err := w.InsertIgnore(ctx, storage.TableRows{Table: seq.table, Rows: rows})
		if err != nil {
			return counts, fmt.Errorf("flush %s: %w", seq.table.Name, err)
		}
		counts[seq.table.Name] += n

		if seq.table.Name == storage.Genres.Name && n < int64(len(rows)) {
			if err := b.dropRejectedGenres(ctx, w); err != nil {
				return counts, fmt.Errorf("flush %s: %w", seq.table.Name, err)
			}
		}
	}
	return counts, nil
}

type sequence struct {
	table storage.Table
	rows  *[][]any
}

// sequences lists the pending rows in write order. Rows are read through
// pointers so a sequence filtered mid-flush is written filtered.
func (b *Batch) sequences() []sequence {
	return []sequence{
		{storage.Movies, &b.movies},
		{storage.Genres, &b.genres},
		{storage.People, &b.people},
		{storage.MovieGenres, &b.movieGenres},
		{storage.MovieCrew, &b.movieCrew},
	}
}

func (b *Batch) dropRejectedGenres(ctx context.Context, w Inserter) error {
	ids := make([]int64, 0, len(b.genres))
	for _, row := range b.genres {
		ids = append(ids, row[0].(int64))
	}
	stored, err := w.ExistingIDs(ctx, storage.Genres, ids)
	if err != nil {
		return err
	}
	rejected := make(map[int64]bool)
	for _, id := range ids {
		if !stored[id] {
			rejected[id] = true
			b.dedup.RejectGenre(id)
		}
	}
	if len(rejected) == 0 {
		return nil
	}

	kept := b.movieGenres[:0]
	for _, row := range b.movieGenres {
		if !rejected[row[1].(int64)] {
			kept = append(kept, row)
		}
	}
	b.movieGenres = kept
	return nil
}

func (b *Batch) reset() {
	b.movies = nil
	b.genres = nil
	b.people = nil
	b.movieGenres = nil
	b.movieCrew = nil
}

// releaseYear is the first four characters of the release date as a number,
// or nil when the date is absent, short or not numeric.
func releaseYear(date *string) any {
	if date == nil || len(*date) < 4 {
		return nil
	}
	y, err := strconv.Atoi((*date)[:4])
	if err != nil {
		return nil
	}
	return int64(y)
}

// The null* helpers turn absent values into an untyped nil so drivers bind NULL.

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
