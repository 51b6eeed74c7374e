// The table definitions live here so the ingest package and every backend can
// share them without import cycles.
package storage

import "fmt"

// ColumnType is a backend-neutral column type. Backends map it to native DDL.
type ColumnType int

const (
	Integer ColumnType = iota
	BigInt
	Float
	String // Size > 0 is a bounded varchar, 0 is unbounded text
)

type Column struct {
	Name       string
	Type       ColumnType
	Size       int
	Nullable   bool
	References string // "table(column)"
}

type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	Unique     [][]string
}

type Index struct {
	Name    string
	Table   string
	Columns []string
}

// ColumnNames returns the insert column list in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// KeyIndices returns the positions of the primary-key columns within Columns.
func (t Table) KeyIndices() ([]int, error) {
	return t.columnIndices(t.PrimaryKey)
}

// SingleKey returns the primary-key column of a table keyed by one column.
func (t Table) SingleKey() (string, error) {
	if len(t.PrimaryKey) != 1 {
		return "", fmt.Errorf("%s: primary key has %d columns, want 1", t.Name, len(t.PrimaryKey))
	}
	return t.PrimaryKey[0], nil
}

func (t Table) columnIndices(names []string) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, k := range names {
		idx := -1
		for i, c := range t.Columns {
			if c.Name == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s: key column %q not in columns", t.Name, k)
		}
		out = append(out, idx)
	}
	return out, nil
}

var (
	Languages = Table{
		Name: "languages",
		Columns: []Column{
			{Name: "lang_code", Type: String, Size: 5},
			{Name: "lang_name", Type: String, Size: 50},
		},
		PrimaryKey: []string{"lang_code"},
	}

	Movies = Table{
		Name: "movies",
		Columns: []Column{
			{Name: "movie_id", Type: Integer},
			{Name: "title", Type: String, Size: 255},
			{Name: "original_title", Type: String, Size: 255, Nullable: true},
			{Name: "tagline", Type: String, Size: 255, Nullable: true},
			{Name: "overview", Type: String, Nullable: true},
			{Name: "release_year", Type: Integer, Nullable: true},
			{Name: "runtime", Type: Integer, Nullable: true},
			{Name: "popularity", Type: Float, Nullable: true},
			{Name: "vote_average", Type: Float, Nullable: true},
			{Name: "vote_count", Type: Integer, Nullable: true},
			{Name: "lang_code", Type: String, Size: 5, Nullable: true, References: "languages(lang_code)"},
			{Name: "budget", Type: BigInt, Nullable: true},
		},
		PrimaryKey: []string{"movie_id"},
	}

	Genres = Table{
		Name: "genres",
		Columns: []Column{
			{Name: "genre_id", Type: Integer},
			{Name: "name", Type: String, Size: 50},
		},
		PrimaryKey: []string{"genre_id"},
		Unique:     [][]string{{"name"}},
	}

	People = Table{
		Name: "people",
		Columns: []Column{
			{Name: "person_id", Type: Integer},
			{Name: "name", Type: String, Size: 255},
			{Name: "popularity", Type: Float, Nullable: true},
		},
		PrimaryKey: []string{"person_id"},
	}

	MovieGenres = Table{
		Name: "movie_genres",
		Columns: []Column{
			{Name: "movie_id", Type: Integer, References: "movies(movie_id)"},
			{Name: "genre_id", Type: Integer, References: "genres(genre_id)"},
		},
		PrimaryKey: []string{"movie_id", "genre_id"},
	}

	MovieCrew = Table{
		Name: "movie_crew",
		Columns: []Column{
			{Name: "movie_id", Type: Integer, References: "movies(movie_id)"},
			{Name: "person_id", Type: Integer, References: "people(person_id)"},
			{Name: "job", Type: String, Size: 100},
		},
		PrimaryKey: []string{"movie_id", "person_id", "job"},
	}
)

// Tables returns every table in dependency order (parents first).
func Tables() []Table {
	return []Table{Languages, Movies, Genres, People, MovieGenres, MovieCrew}
}

// Indexes returns the supporting indices used by the reporting queries.
// The full-text index is backend-specific and is not listed here.
func Indexes() []Index {
	return []Index{
		{Name: "idx_movies_lang_budget", Table: "movies", Columns: []string{"lang_code", "budget"}},
		{Name: "idx_movie_crew_job", Table: "movie_crew", Columns: []string{"job"}},
		{Name: "idx_movies_lang_vote", Table: "movies", Columns: []string{"lang_code", "vote_average"}},
		{Name: "idx_genres_name", Table: "genres", Columns: []string{"name"}},
	}
}
