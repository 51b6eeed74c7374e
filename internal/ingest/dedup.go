package ingest

import "sync"

// Deduplicator remembers which genre and person ids have already been queued
// for insertion during this run. It only saves redundant writes; the storage
// layer's insert-if-absent remains the uniqueness guarantee.
//
// A Deduplicator is safe for concurrent use.
//
// It also remembers genre ids the database refused because another id
// already holds the same name; links to those genres are dropped.
type Deduplicator struct {
	mu       sync.Mutex
	genres   map[int64]struct{}
	people   map[int64]struct{}
	rejected map[int64]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		genres:   make(map[int64]struct{}),
		people:   make(map[int64]struct{}),
		rejected: make(map[int64]struct{}),
	}
}

// AdmitGenre reports true the first time id is seen and records it.
func (d *Deduplicator) AdmitGenre(id int64) bool {
	return d.admit(d.genres, id)
}

// AdmitPerson reports true the first time id is seen and records it.
func (d *Deduplicator) AdmitPerson(id int64) bool {
	return d.admit(d.people, id)
}

// RejectGenre marks a genre id whose row was not stored.
func (d *Deduplicator) RejectGenre(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[id] = struct{}{}
}

// GenreRejected reports whether RejectGenre was called for id.
func (d *Deduplicator) GenreRejected(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rejected[id]
	return ok
}

func (d *Deduplicator) admit(set map[int64]struct{}, id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	return true
}

// Seen returns the number of distinct genre and person ids admitted so far.
func (d *Deduplicator) Seen() (genres, people int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.genres), len(d.people)
}
