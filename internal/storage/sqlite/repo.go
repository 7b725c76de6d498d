// Package sqlite implements storage.Repository on modernc.org/sqlite.
//
// This is the default backend: the pipeline's target database is a local
// file (or :memory: in tests), which keeps the whole ETL dependency-free at
// runtime while still giving real upsert semantics via SQLite's ON CONFLICT
// clause.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"ouraetl/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureRelation creates the table if needed and adds any missing columns.
//
// SQLite cannot ADD COLUMN IF NOT EXISTS, so the existing column set is read
// from pragma_table_info first. Raw items gain fields over API versions;
// extending the table on the fly keeps old databases loadable.
func (r *Repo) EnsureRelation(ctx context.Context, spec storage.RelationSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("sqlite: relation name is empty")
	}

	parts := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		col := sqlIdent(c.Name) + " " + columnType(c.Kind)
		if c.Name == spec.KeyColumn {
			col += " PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(spec.Name), strings.Join(parts, ",\n  "))
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", spec.Name, err)
	}

	existing, err := r.columnSet(ctx, spec.Name)
	if err != nil {
		return err
	}
	for _, c := range spec.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sqlIdent(spec.Name), sqlIdent(c.Name), columnType(c.Kind))
		if _, err := r.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("sqlite: add column %s.%s: %w", spec.Name, c.Name, err)
		}
	}
	return nil
}

func (r *Repo) columnSet(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// Upsert applies the batch in one transaction using multi-row
// INSERT ... ON CONFLICT(key) DO UPDATE SET col=excluded.col.
//
// The statement is chunked to stay under SQLite's bind-parameter limit; the
// surrounding transaction keeps the batch atomic regardless of chunking.
func (r *Repo) Upsert(ctx context.Context, relation string, keyColumn string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	rows = storage.DedupeByKey(columns, keyColumn, storage.BindRows(rows))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	chunk := maxChunkRows(len(columns))
	var affected int64
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		n, err := upsertChunk(ctx, tx, relation, keyColumn, columns, rows[start:end])
		if err != nil {
			return 0, fmt.Errorf("sqlite: upsert %s: %w", relation, err)
		}
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

func upsertChunk(ctx context.Context, tx *sql.Tx, relation, keyColumn string, columns []string, rows [][]any) (int64, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(relation))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	b.WriteString(" ON CONFLICT(")
	b.WriteString(sqlIdent(keyColumn))
	b.WriteString(") DO UPDATE SET ")
	first := true
	for _, c := range columns {
		if c == keyColumn {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	if first {
		// Key-only relation: nothing to update, keep the insert idempotent.
		b.Reset()
		return insertIgnoreChunk(ctx, tx, relation, columns, rows)
	}

	res, err := tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func insertIgnoreChunk(ctx context.Context, tx *sql.Tx, relation string, columns []string, rows [][]any) (int64, error) {
	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(sqlIdent(relation))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	res, err := tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// maxChunkRows keeps each statement under SQLite's default bind limit.
func maxChunkRows(columns int) int {
	const maxParams = 30000
	if columns <= 0 {
		return 1
	}
	n := maxParams / columns
	if n < 1 {
		return 1
	}
	return n
}

func columnType(k storage.Kind) string {
	switch k {
	case storage.KindInteger, storage.KindBoolean:
		return "INTEGER"
	case storage.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
