// RelationSpec and scalar-kind inference live here so the loader and every
// backend can share them without circular imports.
package storage

import (
	"encoding/json"
	"strings"
)

// Kind is the backend-independent scalar kind of a column. Backends map it
// to their own column types (TEXT/INTEGER/REAL, BIGINT/DOUBLE PRECISION,
// NVARCHAR/BIGINT/FLOAT, ...).
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindReal
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBoolean:
		return "boolean"
	default:
		return "text"
	}
}

// ParseKind maps a kind name back to a Kind. Unknown names fall back to
// text, which every backend can store.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer":
		return KindInteger
	case "real":
		return KindReal
	case "boolean":
		return KindBoolean
	default:
		return KindText
	}
}

// MarshalJSON / UnmarshalJSON serialize Kind by name so schema sidecar files
// stay readable and stable across releases.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k = ParseKind(s)
	return nil
}

type ColumnSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

type RelationSpec struct {
	Name      string       `json:"name"`
	KeyColumn string       `json:"key_column"`
	Columns   []ColumnSpec `json:"columns"`
}

// InferSpec derives a RelationSpec from a positional batch. Each column's
// kind is the widest kind seen across its non-nil values: a numeric column
// holding both 0 and 0.5 is real, not integer, and any other mix falls back
// to text. Columns that are nil in every row default to text.
func InferSpec(name, keyColumn string, columns []string, rows [][]any) RelationSpec {
	spec := RelationSpec{Name: name, KeyColumn: keyColumn}
	for i, c := range columns {
		kind, seen := KindText, false
		for _, r := range rows {
			if i >= len(r) || r[i] == nil {
				continue
			}
			k := InferKind(r[i])
			if !seen {
				kind, seen = k, true
				continue
			}
			kind = widenKind(kind, k)
		}
		spec.Columns = append(spec.Columns, ColumnSpec{Name: c, Kind: kind})
	}
	return spec
}

// widenKind merges two kinds observed in one column. Integer and real widen
// to real; any other disagreement falls back to text.
func widenKind(a, b Kind) Kind {
	if a == b {
		return a
	}
	if (a == KindInteger && b == KindReal) || (a == KindReal && b == KindInteger) {
		return KindReal
	}
	return KindText
}

// InferKind reports the scalar kind of one decoded value. nil maps to text
// (no information).
func InferKind(v any) Kind {
	switch t := v.(type) {
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return KindInteger
		}
		return KindReal
	case bool:
		return KindBoolean
	case float64, float32:
		return KindReal
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInteger
	default:
		return KindText
	}
}

// BindValue converts decoded JSON scalars into driver-friendly bind values.
// json.Number carries no type information for database/sql or pgx, so it is
// resolved to int64 when it parses exactly, float64 otherwise.
func BindValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// BindRows applies BindValue to every cell of a batch, returning a new slice.
func BindRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		b := make([]any, len(r))
		for j, v := range r {
			b[j] = BindValue(v)
		}
		out[i] = b
	}
	return out
}

// DedupeByKey keeps the last occurrence of each key within a batch.
// Multi-row upsert statements reject the same key appearing twice in one
// statement (Postgres: "cannot affect row a second time"), and last-write-
// wins matches the loader's replacement semantics anyway.
func DedupeByKey(columns []string, keyColumn string, rows [][]any) [][]any {
	keyIdx := -1
	for i, c := range columns {
		if c == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return rows
	}

	last := make(map[string]int, len(rows))
	for i, r := range rows {
		if keyIdx >= len(r) || r[keyIdx] == nil {
			continue
		}
		last[keyString(r[keyIdx])] = i
	}
	if len(last) == len(rows) {
		return rows
	}

	out := make([][]any, 0, len(last))
	for i, r := range rows {
		if keyIdx < len(r) && r[keyIdx] != nil {
			if last[keyString(r[keyIdx])] != i {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
