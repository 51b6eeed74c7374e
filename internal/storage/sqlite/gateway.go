package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"movieetl/internal/storage"
)

// maxParams matches the conservative SQLITE_MAX_VARIABLE_NUMBER default.
const maxParams = 999

func init() {
	storage.Register("sqlite", Open)
}

// Gateway implements storage.Gateway for SQLite.
//
// Key design points vs Postgres:
//   - Writes use INSERT OR IGNORE, which skips rows violating the primary key
//     or any UNIQUE constraint.
//   - The pool is pinned to one connection: SQLite serializes writers anyway and
//     an in-memory database only exists on the connection that created it.
//   - Foreign keys are enforced (PRAGMA foreign_keys=ON) so parent-before-link
//     ordering mistakes surface as errors instead of silent orphans.
type Gateway struct {
	db *sql.DB
	tx *sql.Tx
}

// Open opens a SQLite database; DSN is a file path or ":memory:".
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle. The caller keeps ownership of any pragmas.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// EnsureSchema creates the tables and indices if missing.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range buildSchemaSQL() {
		if _, err := g.execer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

// InsertIgnore inserts rows with INSERT OR IGNORE inside the open transaction.
func (g *Gateway) InsertIgnore(ctx context.Context, rows storage.TableRows) (int64, error) {
	if len(rows.Rows) == 0 {
		return 0, nil
	}
	values, err := storage.CoalesceKeyNulls(rows.Table, rows.Rows)
	if err != nil {
		return 0, err
	}
	values = storage.TruncateStrings(rows.Table, values)

	if err := g.begin(ctx); err != nil {
		return 0, err
	}

	columns := rows.Table.ColumnNames()
	var total int64
	for _, part := range storage.Chunk(values, len(columns), maxParams) {
		q, args := buildInsertSQL(rows.Table.Name, columns, part)
		res, err := g.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", rows.Table.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ExistingIDs looks ids up inside the open transaction, in chunks of maxParams.
func (g *Gateway) ExistingIDs(ctx context.Context, t storage.Table, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	key, err := t.SingleKey()
	if err != nil {
		return nil, err
	}
	if err := g.begin(ctx); err != nil {
		return nil, err
	}

	for _, part := range storage.ChunkIDs(ids, maxParams) {
		q, args := buildLookupSQL(t.Name, key, part)
		if err := collectIDs(ctx, g.tx, q, args, out); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", t.Name, err)
		}
	}
	return out, nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, q string, args []any, out map[int64]bool) error {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		out[id] = true
	}
	return rows.Err()
}

func (g *Gateway) begin(ctx context.Context) error {
	if g.tx != nil {
		return nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	g.tx = tx
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execer returns the open transaction when there is one; with a single pooled
// connection, going around it would block.
func (g *Gateway) execer() execer {
	if g.tx != nil {
		return g.tx
	}
	return g.db
}

func (g *Gateway) Commit(ctx context.Context) error {
	if g.tx == nil {
		return nil
	}
	tx := g.tx
	g.tx = nil
	return tx.Commit()
}

func (g *Gateway) Rollback(ctx context.Context) error {
	if g.tx == nil {
		return nil
	}
	tx := g.tx
	g.tx = nil
	return tx.Rollback()
}

func (g *Gateway) Close() error {
	rbErr := g.Rollback(context.Background())
	if err := g.db.Close(); err != nil {
		return err
	}
	return rbErr
}

// buildInsertSQL builds one INSERT OR IGNORE with a VALUES tuple per row.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row[:len(columns)]...)
	}
	return b.String(), args
}

// buildLookupSQL selects the key column for an IN list of ids.
func buildLookupSQL(table, key string, ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)", sqlIdent(key), sqlIdent(table), sqlIdent(key), placeholders), args
}

// buildSchemaSQL returns CREATE TABLE / CREATE INDEX statements.
// No full-text index: FTS5 needs a separate virtual table and is left to
// whoever provisions a reporting copy.
func buildSchemaSQL() []string {
	stmts := make([]string, 0, 10)
	for _, t := range storage.Tables() {
		stmts = append(stmts, buildCreateTableSQL(t))
	}
	for _, ix := range storage.Indexes() {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = sqlIdent(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			sqlIdent(ix.Name), sqlIdent(ix.Table), strings.Join(cols, ", ")))
	}
	return stmts
}

func buildCreateTableSQL(t storage.Table) string {
	var parts []string
	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c))
		if !c.Nullable {
			col += " NOT NULL"
		}
		// Enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}
	parts = append(parts, "PRIMARY KEY ("+joinIdentList(t.PrimaryKey)+")")
	for _, u := range t.Unique {
		parts = append(parts, "UNIQUE ("+joinIdentList(u)+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  "))
}

// sqliteType maps to the storage-class affinities SQLite actually uses.
func sqliteType(c storage.Column) string {
	switch c.Type {
	case storage.Float:
		return "REAL"
	case storage.String:
		return "TEXT"
	default:
		return "INTEGER"
	}
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

var _ storage.Gateway = (*Gateway)(nil)
