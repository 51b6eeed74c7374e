package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"movieetl/internal/catalog"
	"movieetl/internal/storage"
)

var errUnavailable = errors.New("catalog unavailable")

// fakeCatalog serves canned pages and details and records every call.
type fakeCatalog struct {
	mu sync.Mutex

	pages       map[string]map[int]*catalog.DiscoverPage
	discoverErr map[string]error
	details     map[int64]*catalog.MovieDetail
	detailErr   map[int64]error

	discoverCalls []string
	detailCalls   []int64

	onDetail func(id int64)
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		pages:       map[string]map[int]*catalog.DiscoverPage{},
		discoverErr: map[string]error{},
		details:     map[int64]*catalog.MovieDetail{},
		detailErr:   map[int64]error{},
	}
}

func (f *fakeCatalog) Discover(ctx context.Context, lang string, page int) (*catalog.DiscoverPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls = append(f.discoverCalls, fmt.Sprintf("%s/%d", lang, page))
	if err := f.discoverErr[lang]; err != nil {
		return nil, err
	}
	if p, ok := f.pages[lang][page]; ok {
		return p, nil
	}
	return &catalog.DiscoverPage{Page: page}, nil
}

func (f *fakeCatalog) FetchDetail(ctx context.Context, id int64) (*catalog.MovieDetail, error) {
	f.mu.Lock()
	f.detailCalls = append(f.detailCalls, id)
	hook := f.onDetail
	d, ok := f.details[id]
	err := f.detailErr[id]
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &catalog.MovieDetail{ID: id, Title: fmt.Sprintf("Movie %d", id)}, nil
	}
	return d, nil
}

// addPage registers a discovery page of the given ids.
func (f *fakeCatalog) addPage(lang string, page, totalPages int, ids ...int64) {
	if f.pages[lang] == nil {
		f.pages[lang] = map[int]*catalog.DiscoverPage{}
	}
	p := &catalog.DiscoverPage{Page: page, TotalPages: totalPages}
	for _, id := range ids {
		p.Results = append(p.Results, catalog.MovieSummary{ID: id})
	}
	f.pages[lang][page] = p
}

func (f *fakeCatalog) detailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detailCalls)
}

// fakeStore records inserts and transaction boundaries.
type fakeStore struct {
	mu sync.Mutex

	ops    []string
	rows   map[string][][]any
	failOn string
	commit error

	// nameTaken lists genre ids whose insert is skipped as if another id
	// already held the same name.
	nameTaken map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string][][]any{}}
}

func (s *fakeStore) InsertIgnore(ctx context.Context, tr storage.TableRows) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "insert "+tr.Table.Name)
	if tr.Table.Name == s.failOn {
		return 0, errors.New("disk full")
	}
	var n int64
	for _, r := range tr.Rows {
		if tr.Table.Name == storage.Genres.Name && s.nameTaken[r[0].(int64)] {
			continue
		}
		s.rows[tr.Table.Name] = append(s.rows[tr.Table.Name], r)
		n++
	}
	return n, nil
}

func (s *fakeStore) ExistingIDs(ctx context.Context, t storage.Table, ids []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "lookup "+t.Name)
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := map[int64]bool{}
	for _, r := range s.rows[t.Name] {
		if id := r[0].(int64); want[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (s *fakeStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "commit")
	return s.commit
}

func (s *fakeStore) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "rollback")
	return nil
}

func (s *fakeStore) ids(table string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, r := range s.rows[table] {
		out = append(out, r[0].(int64))
	}
	return out
}

// countingPacer counts Wait calls.
type countingPacer struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return ctx.Err()
}

func strPtr(s string) *string { return &s }

func crew(id int64, name, job string) catalog.CrewMember {
	c := catalog.CrewMember{ID: id, Name: name}
	if job != "" {
		c.Job = strPtr(job)
	}
	return c
}

func detail(id int64, genres []catalog.Genre, members ...catalog.CrewMember) *catalog.MovieDetail {
	return &catalog.MovieDetail{
		ID:      id,
		Title:   fmt.Sprintf("Movie %d", id),
		Genres:  genres,
		Credits: catalog.Credits{Crew: members},
	}
}
