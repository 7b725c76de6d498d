// Package mssql implements storage.Repository on SQL Server.
//
// Upsert is a MERGE against a VALUES table constructor. SQL Server has no
// ON CONFLICT clause, and MERGE under HOLDLOCK is the standard way to get
// atomic insert-or-replace semantics there.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"ouraetl/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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

func (r *Repo) EnsureRelation(ctx context.Context, spec storage.RelationSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("mssql: relation name is empty")
	}

	parts := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		col := sqlIdent(c.Name) + " " + columnType(c.Kind, c.Name == spec.KeyColumn)
		if c.Name == spec.KeyColumn {
			col += " NOT NULL PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	ddl := fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (\n  %s\n);",
		strings.ReplaceAll(spec.Name, "'", "''"),
		sqlIdent(spec.Name),
		strings.Join(parts, ",\n  "),
	)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", spec.Name, err)
	}

	existing, err := r.columnSet(ctx, spec.Name)
	if err != nil {
		return err
	}
	for _, c := range spec.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		alter := fmt.Sprintf(
			"ALTER TABLE %s ADD %s %s",
			sqlIdent(spec.Name), sqlIdent(c.Name), columnType(c.Kind, false),
		)
		if _, err := r.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("mssql: add column %s.%s: %w", spec.Name, c.Name, err)
		}
	}
	return nil
}

func (r *Repo) columnSet(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = @p1`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("mssql: columns %s: %w", table, err)
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

		query, args := buildMergeSQL(relation, keyColumn, columns, rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: merge %s: %w", relation, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

func buildMergeSQL(relation, keyColumn string, columns []string, rows [][]any) (string, []any) {
	identList := make([]string, len(columns))
	for i, c := range columns {
		identList[i] = sqlIdent(c)
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(sqlIdent(relation))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

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
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			p++
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	b.WriteString(") AS src (")
	b.WriteString(strings.Join(identList, ", "))
	b.WriteString(") ON tgt.")
	b.WriteString(sqlIdent(keyColumn))
	b.WriteString(" = src.")
	b.WriteString(sqlIdent(keyColumn))

	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == keyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", sqlIdent(c), sqlIdent(c)))
	}
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	srcCols := make([]string, len(columns))
	for i, c := range columns {
		srcCols[i] = "src." + sqlIdent(c)
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(strings.Join(identList, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(srcCols, ", "))
	b.WriteString(");")

	return b.String(), args
}

// maxChunkRows keeps each MERGE under SQL Server's 2100 parameter limit.
func maxChunkRows(columns int) int {
	const maxParams = 2000
	if columns <= 0 {
		return 1
	}
	n := maxParams / columns
	if n < 1 {
		return 1
	}
	return n
}

func columnType(k storage.Kind, isKey bool) string {
	switch k {
	case storage.KindInteger:
		return "BIGINT"
	case storage.KindReal:
		return "FLOAT"
	case storage.KindBoolean:
		return "BIT"
	default:
		if isKey {
			// NVARCHAR(MAX) cannot carry a PRIMARY KEY constraint.
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func sqlIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}
