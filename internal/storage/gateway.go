package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Gateway.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// TableRows is one grouped write: rows aligned with Table.Columns.
type TableRows struct {
	Table Table
	Rows  [][]any
}

// Gateway owns the database connection and the transaction boundary of a run.
//
// A single transaction is opened lazily by the first write and stays open until
// Commit or Rollback. Every write is insert-if-absent: rows colliding on the
// table's primary key are skipped silently, never updated and never an error.
//
// Gateways are not safe for concurrent use; the ingestion driver is the only
// caller and it writes from one goroutine.
type Gateway interface {
	// EnsureSchema creates the tables and supporting indices if they do not exist.
	// Runs outside any open transaction when possible and is idempotent.
	EnsureSchema(ctx context.Context) error

	// InsertIgnore writes rows with insert-if-absent semantics inside the open
	// transaction (beginning one if needed). It returns the number of rows the
	// backend reports as inserted; skipped duplicates are not counted.
	InsertIgnore(ctx context.Context, rows TableRows) (int64, error)

	// ExistingIDs reports which ids are present in the single-column primary
	// key of t, as seen by the open transaction (beginning one if needed).
	// It tells apart rows skipped as already stored from rows skipped for
	// colliding on another unique constraint.
	ExistingIDs(ctx context.Context, t Table, ids []int64) (map[int64]bool, error)

	// Commit commits the open transaction. It is a no-op when none is open.
	Commit(ctx context.Context) error

	// Rollback discards the open transaction. It is a no-op when none is open.
	Rollback(ctx context.Context) error

	// Close rolls back any open transaction and releases the connection.
	Close() error
}

// Factory opens a Gateway for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Gateway, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Registering
//     the same kind twice would make backend selection ambiguous.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Gateway using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
