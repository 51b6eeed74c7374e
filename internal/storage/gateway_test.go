package storage

import (
	"context"
	"strings"
	"testing"
)

type fakeGateway struct{ closed int }

func (f *fakeGateway) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeGateway) InsertIgnore(ctx context.Context, rows TableRows) (int64, error) {
	return int64(len(rows.Rows)), nil
}
func (f *fakeGateway) ExistingIDs(ctx context.Context, t Table, ids []int64) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}
func (f *fakeGateway) Commit(ctx context.Context) error   { return nil }
func (f *fakeGateway) Rollback(ctx context.Context) error { return nil }
func (f *fakeGateway) Close() error                       { f.closed++; return nil }

func TestOpen_UsesRegisteredFactory(t *testing.T) {
	var gotDSN string
	Register("fake-open", func(ctx context.Context, cfg Config) (Gateway, error) {
		gotDSN = cfg.DSN
		return &fakeGateway{}, nil
	})

	gw, err := Open(context.Background(), Config{Kind: "fake-open", DSN: "mem://x"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gw == nil {
		t.Fatalf("expected gateway, got nil")
	}
	if gotDSN != "mem://x" {
		t.Fatalf("factory got DSN=%q, want mem://x", gotDSN)
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := Open(context.Background(), Config{Kind: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unsupported storage.kind=nope") {
		t.Fatalf("Open(nope) err=%v, want unsupported kind", err)
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Gateway, error) { return &fakeGateway{}, nil }
	Register("fake-dup", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("fake-dup", f)
}

func TestTables_ParentsBeforeLinks(t *testing.T) {
	t.Parallel()

	pos := map[string]int{}
	for i, tbl := range Tables() {
		pos[tbl.Name] = i
	}
	for _, tbl := range Tables() {
		for _, c := range tbl.Columns {
			if c.References == "" {
				continue
			}
			parent := c.References[:strings.Index(c.References, "(")]
			if pos[parent] >= pos[tbl.Name] {
				t.Fatalf("%s references %s which is not created earlier", tbl.Name, parent)
			}
		}
	}
}

func TestKeyIndices(t *testing.T) {
	t.Parallel()

	idx, err := MovieCrew.KeyIndices()
	if err != nil {
		t.Fatalf("KeyIndices: %v", err)
	}
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 1 || idx[2] != 2 {
		t.Fatalf("KeyIndices=%v, want [0 1 2]", idx)
	}

	bad := Table{Name: "x", Columns: []Column{{Name: "a"}}, PrimaryKey: []string{"b"}}
	if _, err := bad.KeyIndices(); err == nil {
		t.Fatalf("expected error for missing key column")
	}
}
