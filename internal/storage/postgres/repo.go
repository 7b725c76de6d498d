// Package postgres implements storage.Repository on pgx.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ouraetl/internal/storage"
)

type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

// EnsureRelation creates the table if needed and extends it with any missing
// columns. ADD COLUMN IF NOT EXISTS makes the extension idempotent without a
// catalog read.
func (r *Repo) EnsureRelation(ctx context.Context, spec storage.RelationSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("postgres: relation name is empty")
	}

	parts := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		col := sqlIdent(c.Name) + " " + columnType(c.Kind)
		if c.Name == spec.KeyColumn {
			col += " PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", sqlIdent(spec.Name), strings.Join(parts, ",\n  "))
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", spec.Name, err)
	}

	for _, c := range spec.Columns {
		alter := fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			sqlIdent(spec.Name), sqlIdent(c.Name), columnType(c.Kind),
		)
		if _, err := r.pool.Exec(ctx, alter); err != nil {
			return fmt.Errorf("postgres: add column %s.%s: %w", spec.Name, c.Name, err)
		}
	}
	return nil
}

// Upsert applies the batch inside one transaction using multi-row
// INSERT ... ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col, chunked to
// stay under the wire-protocol parameter limit.
func (r *Repo) Upsert(ctx context.Context, relation string, keyColumn string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	rows = storage.DedupeByKey(columns, keyColumn, storage.BindRows(rows))

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chunk := maxChunkRows(len(columns))
	var affected int64
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}

		sql, args := buildUpsertSQL(relation, keyColumn, columns, rows[start:end])
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("postgres: upsert %s: %w", relation, err)
		}
		affected += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return affected, nil
}

func buildUpsertSQL(relation, keyColumn string, columns []string, rows [][]any) (string, []any) {
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
			b.WriteString("$")
			b.WriteString(strconv.Itoa(p))
			p++
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(sqlIdent(keyColumn))
	b.WriteString(")")

	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == keyColumn {
			continue
		}
		sets = append(sets, sqlIdent(c)+" = EXCLUDED."+sqlIdent(c))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	return b.String(), args
}

// maxChunkRows keeps each statement under the 65535 bind-parameter protocol
// limit with headroom.
func maxChunkRows(columns int) int {
	const maxParams = 60000
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
	case storage.KindInteger:
		return "BIGINT"
	case storage.KindReal:
		return "DOUBLE PRECISION"
	case storage.KindBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
