package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"ouraetl/internal/storage"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func sleepSpec() storage.RelationSpec {
	return storage.RelationSpec{
		Name:      "daily_sleep",
		KeyColumn: "id",
		Columns: []storage.ColumnSpec{
			{Name: "id", Kind: storage.KindText},
			{Name: "day", Kind: storage.KindText},
			{Name: "score", Kind: storage.KindInteger},
		},
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := sleepSpec()
	if err := repo.EnsureRelation(ctx, spec); err != nil {
		t.Fatalf("EnsureRelation: %v", err)
	}

	columns := []string{"id", "day", "score"}
	rows := [][]any{
		{"a1", "2026-08-20", json.Number("82")},
		{"a2", "2026-08-21", json.Number("75")},
	}
	if _, err := repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Same keys again with one changed value: replace, don't duplicate.
	rows[1][2] = json.Number("91")
	if _, err := repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows); err != nil {
		t.Fatalf("Upsert again: %v", err)
	}

	var n int
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM daily_sleep`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("row count after re-run = %d, want 2", n)
	}
	var score int
	if err := repo.db.QueryRow(`SELECT score FROM daily_sleep WHERE id = 'a2'`).Scan(&score); err != nil {
		t.Fatalf("select score: %v", err)
	}
	if score != 91 {
		t.Errorf("score after re-run = %d, want 91", score)
	}
}

func TestUpsert_DuplicateKeyInBatch(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := sleepSpec()
	if err := repo.EnsureRelation(ctx, spec); err != nil {
		t.Fatalf("EnsureRelation: %v", err)
	}

	columns := []string{"id", "day", "score"}
	rows := [][]any{
		{"a1", "2026-08-20", json.Number("10")},
		{"a1", "2026-08-20", json.Number("20")},
	}
	if _, err := repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var score int
	if err := repo.db.QueryRow(`SELECT score FROM daily_sleep WHERE id = 'a1'`).Scan(&score); err != nil {
		t.Fatalf("select: %v", err)
	}
	if score != 20 {
		t.Errorf("score = %d, want 20 (last write wins)", score)
	}
}

func TestEnsureRelation_AddsNewColumns(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := sleepSpec()
	if err := repo.EnsureRelation(ctx, spec); err != nil {
		t.Fatalf("EnsureRelation: %v", err)
	}

	// The API starts sending a new field: the relation grows a column.
	spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: "efficiency", Kind: storage.KindReal})
	if err := repo.EnsureRelation(ctx, spec); err != nil {
		t.Fatalf("EnsureRelation with new column: %v", err)
	}

	columns := []string{"id", "day", "score", "efficiency"}
	rows := [][]any{{"a1", "2026-08-20", json.Number("82"), json.Number("0.93")}}
	if _, err := repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows); err != nil {
		t.Fatalf("Upsert into extended relation: %v", err)
	}

	var eff float64
	if err := repo.db.QueryRow(`SELECT efficiency FROM daily_sleep WHERE id = 'a1'`).Scan(&eff); err != nil {
		t.Fatalf("select efficiency: %v", err)
	}
	if eff != 0.93 {
		t.Errorf("efficiency = %v, want 0.93", eff)
	}
}

func TestUpsert_NullsSurvive(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := sleepSpec()
	if err := repo.EnsureRelation(ctx, spec); err != nil {
		t.Fatalf("EnsureRelation: %v", err)
	}

	columns := []string{"id", "day", "score"}
	rows := [][]any{{"a1", "2026-08-20", nil}}
	if _, err := repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var score sql.NullInt64
	if err := repo.db.QueryRow(`SELECT score FROM daily_sleep WHERE id = 'a1'`).Scan(&score); err != nil {
		t.Fatalf("select: %v", err)
	}
	if score.Valid {
		t.Errorf("score = %v, want NULL", score.Int64)
	}
}
