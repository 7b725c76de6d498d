package mssql

import (
	"strings"
	"testing"

	"ouraetl/internal/storage"
)

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "score"}
	rows := [][]any{
		{"a1", int64(82)},
		{"a2", int64(75)},
	}
	sql, args := buildMergeSQL("daily_sleep", "id", columns, rows)

	for _, frag := range []string{
		"MERGE INTO [daily_sleep] WITH (HOLDLOCK) AS tgt",
		"USING (VALUES (@p1, @p2), (@p3, @p4)) AS src ([id], [score])",
		"ON tgt.[id] = src.[id]",
		"WHEN MATCHED THEN UPDATE SET tgt.[score] = src.[score]",
		"WHEN NOT MATCHED THEN INSERT ([id], [score]) VALUES (src.[id], src.[score]);",
	} {
		if !strings.Contains(sql, frag) {
			t.Errorf("merge SQL missing %q:\n%s", frag, sql)
		}
	}
	if len(args) != 4 {
		t.Errorf("args = %d, want 4", len(args))
	}
}

func TestBuildMergeSQL_KeyOnly(t *testing.T) {
	t.Parallel()

	sql, _ := buildMergeSQL("tags", "id", []string{"id"}, [][]any{{"x"}})
	if strings.Contains(sql, "WHEN MATCHED") {
		t.Errorf("key-only merge must not update, got:\n%s", sql)
	}
	if !strings.Contains(sql, "WHEN NOT MATCHED THEN INSERT") {
		t.Errorf("key-only merge must still insert, got:\n%s", sql)
	}
}

func TestColumnType(t *testing.T) {
	t.Parallel()

	if got := columnType(storage.KindText, true); got != "NVARCHAR(450)" {
		t.Errorf("key text type = %q", got)
	}
	if got := columnType(storage.KindText, false); got != "NVARCHAR(MAX)" {
		t.Errorf("text type = %q", got)
	}
	if got := columnType(storage.KindBoolean, false); got != "BIT" {
		t.Errorf("boolean type = %q", got)
	}
}

func TestSQLIdent(t *testing.T) {
	t.Parallel()

	if got := sqlIdent("we]ird"); got != "[we]]ird]" {
		t.Errorf("sqlIdent = %s", got)
	}
}
