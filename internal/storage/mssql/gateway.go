package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"movieetl/internal/storage"
)

// SQL Server allows 2100 parameters per request; stay comfortably below it.
const maxParams = 2000

func init() {
	storage.Register("mssql", Open)
}

// Gateway implements storage.Gateway for Microsoft SQL Server.
//
// SQL Server has no INSERT IGNORE / ON CONFLICT, so writes are expressed as
//
//	INSERT INTO t (...) SELECT v.* FROM (VALUES ...) AS v(...)
//	WHERE NOT EXISTS (<primary key match>) AND NOT EXISTS (<unique match>)
//
// Unlike Postgres ON CONFLICT, this statement does not collapse duplicates
// inside the VALUES source, so each batch is deduped on the primary key and
// every unique set first (keep-first, stable order).
//
// Note on driver registration:
//   - This package does not import a SQL Server driver. The "sqlserver" driver
//     is registered by storage/all (github.com/microsoft/go-mssqldb).
type Gateway struct {
	db *sql.DB
	tx *sql.Tx
}

// Open constructs a Gateway using database/sql and the "sqlserver" driver,
// validating connectivity with PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// EnsureSchema creates tables and indices guarded by OBJECT_ID / sys.indexes checks.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range buildSchemaSQL() {
		var err error
		if g.tx != nil {
			_, err = g.tx.ExecContext(ctx, stmt)
		} else {
			_, err = g.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("mssql schema: %w", err)
		}
	}
	return nil
}

// InsertIgnore inserts rows that do not already exist, in parameter-bounded chunks.
func (g *Gateway) InsertIgnore(ctx context.Context, rows storage.TableRows) (int64, error) {
	if len(rows.Rows) == 0 {
		return 0, nil
	}
	values, err := storage.CoalesceKeyNulls(rows.Table, rows.Rows)
	if err != nil {
		return 0, err
	}
	values = storage.TruncateStrings(rows.Table, values)
	values, err = storage.DedupeRows(rows.Table, values)
	if err != nil {
		return 0, err
	}

	if err := g.begin(ctx); err != nil {
		return 0, err
	}

	columns := rows.Table.ColumnNames()
	var total int64
	for _, part := range storage.Chunk(values, len(columns), maxParams) {
		q, args := buildInsertNotExistsSQL(rows.Table, part)
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
		if err := g.collectIDs(ctx, q, args, out); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", t.Name, err)
		}
	}
	return out, nil
}

func (g *Gateway) collectIDs(ctx context.Context, q string, args []any, out map[int64]bool) error {
	rows, err := g.tx.QueryContext(ctx, q, args...)
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
		return fmt.Errorf("mssql begin: %w", err)
	}
	g.tx = tx
	return nil
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

// Close releases database resources held by this gateway.
func (g *Gateway) Close() error {
	rbErr := g.Rollback(context.Background())
	if err := g.db.Close(); err != nil {
		return err
	}
	return rbErr
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table v via VALUES, then inserts only those
// rows that match no existing row on the primary key or on any UNIQUE column set.
//
// The returned SQL is deterministic for a given input.
func buildInsertNotExistsSQL(t storage.Table, rows [][]any) (string, []any) {
	columns := t.ColumnNames()
	colList := identList(columns)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(colList)
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(") AS v(")
	b.WriteString(colList)
	b.WriteString(")")

	keySets := append([][]string{t.PrimaryKey}, t.Unique...)
	for i, set := range keySets {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString("NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(mssqlTableIdent(t.Name))
		b.WriteString(" t WHERE ")
		for j, c := range set {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString("t.")
			b.WriteString(mssqlIdent(c))
			b.WriteString(" = v.")
			b.WriteString(mssqlIdent(c))
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// buildLookupSQL selects the key column for an IN list of @pN parameters.
func buildLookupSQL(table, key string, ids []int64) (string, []any) {
	args := make([]any, len(ids))
	ph := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		ph[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		mssqlIdent(key), mssqlTableIdent(table), mssqlIdent(key), strings.Join(ph, ", ")), args
}

// buildSchemaSQL returns idempotent DDL for every table and index.
func buildSchemaSQL() []string {
	stmts := make([]string, 0, 10)
	for _, t := range storage.Tables() {
		stmts = append(stmts, wrapCreateIfMissing(t.Name, buildCreateTableDefs(t)))
	}
	for _, ix := range storage.Indexes() {
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
			ix.Name, ix.Table, mssqlIdent(ix.Name), mssqlTableIdent(ix.Table), identList(ix.Columns)))
	}
	return stmts
}

func buildCreateTableDefs(t storage.Table) string {
	parts := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		def := mssqlIdent(c.Name) + " " + mssqlType(c)
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		if c.References != "" {
			def += " REFERENCES " + c.References
		}
		parts = append(parts, def)
	}
	parts = append(parts, "PRIMARY KEY ("+identList(t.PrimaryKey)+")")
	for _, u := range t.Unique {
		parts = append(parts, "UNIQUE ("+identList(u)+")")
	}
	return strings.Join(parts, ", ")
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureSchema idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func mssqlType(c storage.Column) string {
	switch c.Type {
	case storage.BigInt:
		return "BIGINT"
	case storage.Float:
		return "FLOAT"
	case storage.String:
		if c.Size > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", c.Size)
		}
		return "NVARCHAR(MAX)"
	default:
		return "INT"
	}
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.movies" -> [dbo].[movies]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

var _ storage.Gateway = (*Gateway)(nil)
