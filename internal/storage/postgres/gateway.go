package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"movieetl/internal/storage"
)

// maxParams stays below Postgres's 65535 bind-parameter limit per statement.
const maxParams = 65000

func init() {
	storage.Register("postgres", Open)
}

// txBeginner is the slice of *pgxpool.Pool the gateway needs.
// Tests substitute a fake to exercise transaction handling without a server.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

/*
Gateway implements storage.Gateway for Postgres.

Writes use INSERT ... ON CONFLICT DO NOTHING, so a row that
already exists (from this run or an earlier one) is skipped without error.
All writes between two commits share one pgx.Tx.
*/
type Gateway struct {
	db    txBeginner
	close func()
	tx    pgx.Tx
}

// Open creates a Postgres-backed Gateway from a pgx DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Gateway{db: pool, close: pool.Close}, nil
}

// EnsureSchema creates tables and indices idempotently, outside the run's transaction.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range buildSchemaSQL() {
		if _, err := g.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

// InsertIgnore inserts rows in chunks inside the open transaction.
func (g *Gateway) InsertIgnore(ctx context.Context, rows storage.TableRows) (int64, error) {
	if len(rows.Rows) == 0 {
		return 0, nil
	}
	values, err := storage.CoalesceKeyNulls(rows.Table, rows.Rows)
	if err != nil {
		return 0, err
	}
	values = storage.TruncateStrings(rows.Table, values)

	tx, err := g.begin(ctx)
	if err != nil {
		return 0, err
	}

	// No conflict target: like MySQL's INSERT IGNORE, a collision on any unique
	// constraint (genres.name included) skips the row.
	columns := rows.Table.ColumnNames()
	var total int64
	for _, part := range storage.Chunk(values, len(columns), maxParams) {
		sql, args := buildInsertSQL(rows.Table.Name, columns, part, nil)
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", rows.Table.Name, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// ExistingIDs looks ids up with a single = ANY($1) query inside the open transaction.
func (g *Gateway) ExistingIDs(ctx context.Context, t storage.Table, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	key, err := t.SingleKey()
	if err != nil {
		return nil, err
	}
	tx, err := g.begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, buildLookupSQL(t.Name, key), ids)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", t.Name, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", t.Name, err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func buildLookupSQL(table, key string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)", pgIdent(key), pgIdent(table), pgIdent(key))
}

func (g *Gateway) begin(ctx context.Context) (pgx.Tx, error) {
	if g.tx != nil {
		return g.tx, nil
	}
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres begin: %w", err)
	}
	g.tx = tx
	return tx, nil
}

// Commit commits the open transaction, if any.
func (g *Gateway) Commit(ctx context.Context) error {
	if g.tx == nil {
		return nil
	}
	tx := g.tx
	g.tx = nil
	return tx.Commit(ctx)
}

// Rollback rolls back the open transaction, if any.
func (g *Gateway) Rollback(ctx context.Context) error {
	if g.tx == nil {
		return nil
	}
	tx := g.tx
	g.tx = nil
	return tx.Rollback(ctx)
}

// Close rolls back uncommitted work and closes the pool.
func (g *Gateway) Close() error {
	err := g.Rollback(context.Background())
	if g.close != nil {
		g.close()
	}
	return err
}

// buildInsertSQL constructs a single multi-row INSERT with numbered placeholders.
//
// It is pure and deterministic so placeholder numbering and the ON CONFLICT
// clause can be unit tested without a database.
//
// Constraints:
//   - every row must have len(columns) values.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range conflictColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	} else {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	return b.String(), args
}

// buildSchemaSQL returns the DDL statements in execution order.
func buildSchemaSQL() []string {
	stmts := make([]string, 0, 12)
	for _, t := range storage.Tables() {
		stmts = append(stmts, buildCreateTableSQL(t))
	}
	for _, ix := range storage.Indexes() {
		cols := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = pgIdent(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pgIdent(ix.Name), pgIdent(ix.Table), strings.Join(cols, ", ")))
	}
	stmts = append(stmts, `CREATE INDEX IF NOT EXISTS "ft_idx_movie_content" ON "movies" USING GIN `+
		`(to_tsvector('simple', coalesce("title", '') || ' ' || coalesce("overview", '') || ' ' || coalesce("tagline", '')))`)
	return stmts
}

func buildCreateTableSQL(t storage.Table) string {
	parts := make([]string, 0, len(t.Columns)+2+len(t.Unique))
	for _, c := range t.Columns {
		col := pgIdent(c.Name) + " " + pgType(c)
		if !c.Nullable {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}
	parts = append(parts, "PRIMARY KEY ("+identList(t.PrimaryKey)+")")
	for _, u := range t.Unique {
		parts = append(parts, "UNIQUE ("+identList(u)+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", pgIdent(t.Name), strings.Join(parts, ",\n  "))
}

func pgType(c storage.Column) string {
	switch c.Type {
	case storage.BigInt:
		return "BIGINT"
	case storage.Float:
		return "DOUBLE PRECISION"
	case storage.String:
		if c.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.Size)
		}
		return "TEXT"
	default:
		return "INTEGER"
	}
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

var _ storage.Gateway = (*Gateway)(nil)
