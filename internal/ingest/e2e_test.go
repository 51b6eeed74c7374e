package ingest

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"movieetl/internal/catalog"
	"movieetl/internal/storage"
	"movieetl/internal/storage/sqlite"
)

func openSQLite(t *testing.T) (*sql.DB, storage.Gateway) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	gw := sqlite.New(db)
	if err := gw.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return db, gw
}

func tableCount(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestEndToEnd_FrenchTwoMovies(t *testing.T) {
	db, gw := openSQLite(t)

	drama := catalog.Genre{ID: 1, Name: "Drama"}
	cat := newFakeCatalog()
	cat.addPage("fr", 1, 5, 10, 11)
	cat.details[10] = detail(10, []catalog.Genre{drama}, crew(100, "Ann", "Director"))
	cat.details[11] = detail(11, []catalog.Genre{drama}, crew(100, "Ann", "Director"), crew(200, "Bo", "Writer"))
	cat.details[10].ReleaseDate = strPtr("1994-09-23")

	rep, err := NewDriver(cat, gw, Config{Languages: []string{"fr"}, TargetPerLanguage: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]int{
		"languages":    1,
		"movies":       2,
		"genres":       1,
		"people":       2,
		"movie_genres": 2,
		"movie_crew":   3,
	}
	for table, n := range want {
		if got := tableCount(t, db, table); got != n {
			t.Fatalf("%s rows=%d, want %d", table, got, n)
		}
	}
	if !reflect.DeepEqual(cat.discoverCalls, []string{"fr/1"}) {
		t.Fatalf("discover calls=%v, page 2 must not be requested", cat.discoverCalls)
	}

	var name string
	if err := db.QueryRow("SELECT lang_name FROM languages WHERE lang_code = 'fr'").Scan(&name); err != nil || name != "French" {
		t.Fatalf("lang_name=%q err=%v", name, err)
	}
	var year sql.NullInt64
	if err := db.QueryRow("SELECT release_year FROM movies WHERE movie_id = 10").Scan(&year); err != nil || year.Int64 != 1994 {
		t.Fatalf("release_year=%v err=%v", year, err)
	}
	if err := db.QueryRow("SELECT release_year FROM movies WHERE movie_id = 11").Scan(&year); err != nil || year.Valid {
		t.Fatalf("absent release date should store NULL, got %v err=%v", year, err)
	}
	if rep.Rows().Total() != 11 {
		t.Fatalf("reported rows=%v", rep.Rows())
	}
}

func TestEndToEnd_SecondRunIsNoOp(t *testing.T) {
	db, gw := openSQLite(t)

	newCatalog := func() *fakeCatalog {
		cat := newFakeCatalog()
		cat.addPage("en", 1, 1, 1, 2)
		cat.details[1] = detail(1, []catalog.Genre{{ID: 1, Name: "Drama"}}, crew(100, "Ann", ""), crew(100, "Ann", ""))
		cat.details[2] = detail(2, []catalog.Genre{{ID: 2, Name: "Comedy"}}, crew(100, "Ann", "Director"))
		return cat
	}
	cfg := Config{Languages: []string{"en"}, TargetPerLanguage: 2}

	if _, err := NewDriver(newCatalog(), gw, cfg).Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// A fresh driver has an empty deduplicator; storage must absorb the repeats.
	rep, err := NewDriver(newCatalog(), gw, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.Rows().Total() != 0 {
		t.Fatalf("second run inserted rows: %v", rep.Rows())
	}
	// The two null-job entries for movie 1 collapse into one row.
	if got := tableCount(t, db, "movie_crew"); got != 2 {
		t.Fatalf("movie_crew=%d, want 2", got)
	}
}

func TestEndToEnd_GenreNameCollision(t *testing.T) {
	db, gw := openSQLite(t)

	cat := newFakeCatalog()
	cat.addPage("en", 1, 1, 1, 2)
	cat.details[1] = detail(1, []catalog.Genre{{ID: 1, Name: "Drama"}})
	cat.details[2] = detail(2, []catalog.Genre{{ID: 99, Name: "Drama"}})
	cfg := Config{Languages: []string{"en"}, TargetPerLanguage: 2}

	if _, err := NewDriver(cat, gw, cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]int{"movies": 2, "genres": 1, "movie_genres": 1}
	for table, n := range want {
		if got := tableCount(t, db, table); got != n {
			t.Fatalf("%s rows=%d, want %d", table, got, n)
		}
	}

	// A later run starts with an empty deduplicator and meets id 99 first.
	again := newFakeCatalog()
	again.addPage("en", 1, 1, 3)
	again.details[3] = detail(3, []catalog.Genre{{ID: 99, Name: "Drama"}, {ID: 1, Name: "Drama"}})
	cfg.TargetPerLanguage = 1
	if _, err := NewDriver(again, gw, cfg).Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM movie_genres WHERE genre_id = 99").Scan(&n); err != nil || n != 0 {
		t.Fatalf("links to genre 99=%d err=%v", n, err)
	}
	if got := tableCount(t, db, "movie_genres"); got != 2 {
		t.Fatalf("movie_genres=%d, want 2", got)
	}
}

func TestEndToEnd_LongTaglineIsTruncated(t *testing.T) {
	db, gw := openSQLite(t)

	cat := newFakeCatalog()
	cat.addPage("en", 1, 1, 1)
	cat.details[1] = detail(1, nil)
	cat.details[1].Tagline = strPtr(strings.Repeat("é", 400))

	if _, err := NewDriver(cat, gw, Config{Languages: []string{"en"}, TargetPerLanguage: 1}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var tagline string
	if err := db.QueryRow("SELECT tagline FROM movies WHERE movie_id = 1").Scan(&tagline); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := utf8.RuneCountInString(tagline); got != 255 {
		t.Fatalf("tagline runes=%d, want 255", got)
	}
}
