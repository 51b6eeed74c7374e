package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory dedupe keys (e.g. "fr" or "8429529").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps dedupe consistent across int/int64/string inputs.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// RowKey joins the normalized values at keyIdx into a single composite key.
func RowKey(row []any, keyIdx []int) string {
	var b strings.Builder
	for i, idx := range keyIdx {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(NormalizeKey(row[idx]))
	}
	return b.String()
}

// CoalesceKeyNulls returns rows where nil primary-key values are replaced by
// the column's zero value ("" for strings, 0 for numbers).
//
// Primary-key columns are NOT NULL on every supported backend, so a crew entry
// without a job is stored with an empty job. Two such entries for the same
// movie and person therefore collide and only the first persists.
//
// The input is not modified; rows needing a change are copied.
func CoalesceKeyNulls(t Table, rows [][]any) ([][]any, error) {
	keyIdx, err := t.KeyIndices()
	if err != nil {
		return nil, err
	}

	out := rows
	copied := false
	for i, row := range rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("%s: row %d has %d values, want %d", t.Name, i, len(row), len(t.Columns))
		}
		var fixed []any
		for _, idx := range keyIdx {
			if row[idx] != nil {
				continue
			}
			if fixed == nil {
				fixed = append([]any(nil), row...)
			}
			fixed[idx] = zeroValue(t.Columns[idx].Type)
		}
		if fixed == nil {
			continue
		}
		if !copied {
			out = append([][]any(nil), rows...)
			copied = true
		}
		out[i] = fixed
	}
	return out, nil
}

func zeroValue(ct ColumnType) any {
	switch ct {
	case String:
		return ""
	case Float:
		return float64(0)
	default:
		return int64(0)
	}
}

// TruncateStrings returns rows whose bounded string values are cut to the
// column Size, counted in runes.
//
// Postgres and SQL Server reject an over-long value outright, which would fail
// the whole page for one long tagline; truncating keeps the row, as MySQL's
// INSERT IGNORE does. The input is not modified; rows needing a change are
// copied. Rows must already have len(t.Columns) values.
func TruncateStrings(t Table, rows [][]any) [][]any {
	out := rows
	copied := false
	for i, row := range rows {
		var fixed []any
		for j, c := range t.Columns {
			if c.Type != String || c.Size <= 0 {
				continue
			}
			s, ok := row[j].(string)
			if !ok {
				continue
			}
			cut, changed := truncateRunes(s, c.Size)
			if !changed {
				continue
			}
			if fixed == nil {
				fixed = append([]any(nil), row...)
			}
			fixed[j] = cut
		}
		if fixed == nil {
			continue
		}
		if !copied {
			out = append([][]any(nil), rows...)
			copied = true
		}
		out[i] = fixed
	}
	return out
}

func truncateRunes(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	count := 0
	for pos := range s {
		if count == n {
			return s[:pos], true
		}
		count++
	}
	return s, false
}

// DedupeRows keeps the first row for each primary key and for each unique
// column set, preserving order.
//
// Postgres and SQLite collapse in-batch duplicates themselves; SQL Server's
// INSERT ... WHERE NOT EXISTS does not, so that backend calls this first.
func DedupeRows(t Table, rows [][]any) ([][]any, error) {
	keyIdx, err := t.KeyIndices()
	if err != nil {
		return nil, err
	}
	sets := [][]int{keyIdx}
	for _, u := range t.Unique {
		idx, err := t.columnIndices(u)
		if err != nil {
			return nil, err
		}
		sets = append(sets, idx)
	}

	seen := make([]map[string]struct{}, len(sets))
	for i := range seen {
		seen[i] = make(map[string]struct{}, len(rows))
	}
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		keys := make([]string, len(sets))
		dup := false
		for i, idx := range sets {
			keys[i] = RowKey(row, idx)
			if _, ok := seen[i][keys[i]]; ok {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for i, k := range keys {
			seen[i][k] = struct{}{}
		}
		out = append(out, row)
	}
	return out, nil
}

// ChunkIDs splits ids into parts of at most size elements.
func ChunkIDs(ids []int64, size int) [][]int64 {
	if size < 1 {
		size = 1
	}
	out := make([][]int64, 0, len(ids)/size+1)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

// Chunk splits rows so that each part uses at most maxParams bind parameters.
func Chunk(rows [][]any, columns, maxParams int) [][][]any {
	if columns < 1 {
		columns = 1
	}
	per := maxParams / columns
	if per < 1 {
		per = 1
	}
	out := make([][][]any, 0, len(rows)/per+1)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
