package normalize

import (
	"errors"
	"strings"
	"testing"

	"ouraetl/internal/oura"
)

// decodeItems parses an API-style page the same way the pipeline does, so
// numeric values arrive as json.Number.
func decodeItems(t *testing.T, body string) []oura.RawItem {
	t.Helper()
	page, err := oura.DecodePage(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	return page.Data
}

func mustShape(t *testing.T, mt oura.MetricType) oura.Shape {
	t.Helper()
	s, err := oura.Lookup(mt)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", mt, err)
	}
	return s
}

func TestNormalize_DailySleepContributors(t *testing.T) {
	t.Parallel()

	items := decodeItems(t, `{"data": [{
		"id": "a1",
		"day": "2026-08-20",
		"score": 82,
		"timestamp": "2026-08-20T00:00:00+00:00",
		"contributors": {
			"deep_sleep": 99,
			"efficiency": 90,
			"latency": null
		}
	}], "next_token": null}`)

	primary, children, err := Normalize(mustShape(t, oura.DailySleep), items[0])
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if got := primary["id"]; got != "a1" {
		t.Errorf("primary id = %v, want a1", got)
	}
	if got := primary["day"]; got != "2026-08-20" {
		t.Errorf("primary day = %v, want 2026-08-20", got)
	}
	if _, ok := primary["contributors"]; ok {
		t.Error("primary row still carries the contributors container")
	}

	rows := children["sleep_contributors"]
	if len(rows) != 1 {
		t.Fatalf("sleep_contributors rows = %d, want 1", len(rows))
	}
	child := rows[0]
	if got := child["daily_sleep_id"]; got != "a1" {
		t.Errorf("child FK = %v, want a1", got)
	}
	if got, want := child["id"], ChildKey("a1", "contributors"); got != want {
		t.Errorf("child id = %v, want %v", got, want)
	}
	if child["deep_sleep"] == nil || child["efficiency"] == nil {
		t.Errorf("child missing contributor columns: %v", child)
	}
	if v, ok := child["latency"]; !ok || v != nil {
		t.Errorf("null contributor latency = %v (present=%v), want present nil", v, ok)
	}
}

func TestNormalize_SleepSampleSeries(t *testing.T) {
	t.Parallel()

	items := decodeItems(t, `{"data": [{
		"id": "s1",
		"day": "2026-08-20",
		"heart_rate": {
			"interval": 300,
			"items": [55, null, 58],
			"timestamp": "2026-08-20T01:00:00+00:00"
		},
		"hrv": {
			"interval": 300,
			"items": [],
			"timestamp": "2026-08-20T01:00:00+00:00"
		}
	}], "next_token": null}`)

	primary, children, err := Normalize(mustShape(t, oura.Sleep), items[0])
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, ok := primary["heart_rate"]; ok {
		t.Error("primary row still carries the heart_rate container")
	}

	rows := children["heart_rate_samples"]
	if len(rows) != 2 {
		t.Fatalf("heart_rate_samples rows = %d, want 2 (null entry skipped)", len(rows))
	}
	if got := rows[0]["value"]; got != 55.0 {
		t.Errorf("rows[0] value = %v, want 55", got)
	}
	if got := rows[1]["value"]; got != 58.0 {
		t.Errorf("rows[1] value = %v, want 58", got)
	}
	for _, r := range rows {
		if r["sleep_id"] != "s1" {
			t.Errorf("sample FK = %v, want s1", r["sleep_id"])
		}
		if r["timestamp"] != "2026-08-20T01:00:00+00:00" {
			t.Errorf("sample timestamp = %v", r["timestamp"])
		}
	}

	// Index-derived keys must survive the skipped null: the row for 58 keys
	// on position 2, not 1.
	if got, want := rows[1]["id"], ChildKey("s1", "heart_rate#2"); got != want {
		t.Errorf("rows[1] id = %v, want %v", got, want)
	}
	if len(children["hrv_samples"]) != 0 {
		t.Errorf("empty hrv series produced %d rows", len(children["hrv_samples"]))
	}
}

func TestNormalize_MissingID(t *testing.T) {
	t.Parallel()

	_, _, err := Normalize(mustShape(t, oura.DailySleep), oura.RawItem{"day": "2026-08-20"})
	if !errors.Is(err, ErrMissingID) {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
}

func TestNormalize_MalformedNestedDroppedSilently(t *testing.T) {
	t.Parallel()

	items := decodeItems(t, `{"data": [{
		"id": "x1",
		"contributors": [1, 2, 3],
		"score": 70
	}], "next_token": null}`)

	primary, children, err := Normalize(mustShape(t, oura.DailySleep), items[0])
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("malformed contributors produced child rows: %v", children)
	}
	if _, ok := primary["contributors"]; ok {
		t.Error("non-object container leaked into the primary row")
	}

	// Series object without a usable items array.
	items = decodeItems(t, `{"data": [{
		"id": "x2",
		"heart_rate": {"interval": 300, "timestamp": "t"}
	}], "next_token": null}`)
	_, children, err = Normalize(mustShape(t, oura.Sleep), items[0])
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("series without items produced child rows: %v", children)
	}
}

func TestChildKey_Deterministic(t *testing.T) {
	t.Parallel()

	a := ChildKey("parent-1", "contributors")
	b := ChildKey("parent-1", "contributors")
	if a != b {
		t.Fatalf("same inputs gave %s and %s", a, b)
	}
	if a == ChildKey("parent-2", "contributors") {
		t.Error("different parents collided")
	}
	if a == ChildKey("parent-1", "met#0") {
		t.Error("different discriminators collided")
	}
}

func TestAssemble_CollectsItemFailures(t *testing.T) {
	t.Parallel()

	items := decodeItems(t, `{"data": [
		{"id": "ok1", "score": 80, "contributors": {"deep_sleep": 90}},
		{"score": 10},
		{"id": "ok2", "score": 75}
	], "next_token": null}`)

	batches, itemErrs, err := Assemble(oura.DailySleep, items)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := len(batches["daily_sleep"]); got != 2 {
		t.Errorf("daily_sleep rows = %d, want 2", got)
	}
	if got := len(batches["sleep_contributors"]); got != 1 {
		t.Errorf("sleep_contributors rows = %d, want 1", got)
	}
	if len(itemErrs) != 1 {
		t.Fatalf("item errors = %d, want 1", len(itemErrs))
	}
	ie := itemErrs[0]
	if ie.Index != 1 || !errors.Is(ie, ErrMissingID) {
		t.Errorf("item error = %+v, want index 1 wrapping ErrMissingID", ie)
	}
}

func TestAssemble_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, _, err := Assemble(oura.MetricType("bogus"), nil)
	if !errors.Is(err, oura.ErrUnsupportedMetricType) {
		t.Fatalf("err = %v, want ErrUnsupportedMetricType", err)
	}
}

func TestColumnsAndFlatten(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{"id": "a", "score": 1},
		{"id": "b", "day": "2026-08-20"},
	}
	cols := Columns(rows)
	want := []string{"id", "day", "score"}
	if len(cols) != len(want) {
		t.Fatalf("columns = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("columns = %v, want %v", cols, want)
		}
	}

	flat := Flatten(rows, cols)
	if flat[0][1] != nil {
		t.Errorf("missing column should flatten to nil, got %v", flat[0][1])
	}
	if flat[1][1] != "2026-08-20" {
		t.Errorf("flat[1][1] = %v, want 2026-08-20", flat[1][1])
	}
}
