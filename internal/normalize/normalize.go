// Package normalize splits nested Oura records into flat relational rows.
//
// One raw item becomes one primary row (its top-level scalars) plus zero or
// more child rows extracted from declared nested structures: a contributors
// object becomes exactly one child row, a sample series becomes one child
// row per non-null entry. Surrogate child keys are derived deterministically
// from the parent id so repeated runs upsert instead of duplicating.
package normalize

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"ouraetl/internal/oura"
)

// Row is one flat record: column name -> scalar (or nil). Rows produced by
// this package never contain nested values.
type Row map[string]any

// Batches maps relation name -> rows accumulated for that relation.
type Batches map[string][]Row

// Normalize decomposes one raw item according to its shape descriptor.
//
// The primary row keeps every top-level key whose value is a scalar; any
// container value is excluded and, when declared in the shape, routed to a
// child batch. A declared nested field that is present but malformed (not an
// object, or an object without a usable items array for series) is treated
// as absent: analytics sub-rows are dropped silently, never escalated.
//
// A missing id is a hard failure: children cannot be linked to the item.
func Normalize(shape oura.Shape, item oura.RawItem) (Row, Batches, error) {
	id := oura.ItemID(item)
	if id == "" {
		return nil, nil, ErrMissingID
	}

	primary := make(Row, len(item))
	for k, v := range item {
		if oura.IsScalar(v) {
			primary[k] = v
		}
	}

	children := Batches{}

	if cs := shape.Contributors; cs != nil {
		if obj, ok := item[cs.Field].(map[string]any); ok {
			row := make(Row, len(obj)+2)
			row["id"] = ChildKey(id, cs.Field)
			row[cs.FKColumn] = id
			for k, v := range obj {
				row[k] = v
			}
			children[cs.Relation] = append(children[cs.Relation], row)
		}
	}

	for _, cs := range shape.Series {
		obj, ok := item[cs.Field].(map[string]any)
		if !ok {
			continue
		}
		items, ok := obj["items"].([]any)
		if !ok {
			continue
		}
		timestamp := obj["timestamp"]
		interval := obj["interval"]

		for i, raw := range items {
			v, ok := sampleValue(raw)
			if !ok {
				continue
			}
			children[cs.Relation] = append(children[cs.Relation], Row{
				"id":        ChildKey(id, cs.Field+"#"+strconv.Itoa(i)),
				cs.FKColumn: id,
				"timestamp": timestamp,
				"interval":  interval,
				"value":     v,
			})
		}
	}

	return primary, children, nil
}

// sampleValue coerces one series entry to float64. Nulls, NaNs and
// non-numeric entries produce no row at all.
func sampleValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Assemble normalizes a full page of raw items for one metric type and
// accumulates per-relation batches.
//
// Item-level failures (missing id) are collected and returned; the rest of
// the page is still processed. The only error return is an unsupported
// metric type, which is a configuration problem and fails the whole page
// before any item is touched.
func Assemble(t oura.MetricType, items []oura.RawItem) (Batches, []*ItemError, error) {
	shape, err := oura.Lookup(t)
	if err != nil {
		return nil, nil, err
	}

	batches := Batches{}
	var failures []*ItemError

	for i, item := range items {
		primary, children, err := Normalize(shape, item)
		if err != nil {
			failures = append(failures, &ItemError{
				Type:  t,
				Index: i,
				ID:    oura.ItemID(item),
				Err:   err,
			})
			continue
		}

		batches[shape.Relation] = append(batches[shape.Relation], primary)
		if cs := shape.Contributors; cs != nil {
			batches[cs.Relation] = append(batches[cs.Relation], children[cs.Relation]...)
		}
		for _, cs := range shape.Series {
			batches[cs.Relation] = append(batches[cs.Relation], children[cs.Relation]...)
		}
	}

	return batches, failures, nil
}

// Columns returns the union of column names across rows in deterministic
// order: "id" first when present, the rest sorted. Rows missing a column
// get nil in Flatten.
func Columns(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}

	_, hasID := seen["id"]
	delete(seen, "id")

	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)

	out := make([]string, 0, len(seen)+1)
	if hasID {
		out = append(out, "id")
	}
	return append(out, rest...)
}

// Flatten converts rows to positional form aligned to columns.
func Flatten(rows []Row, columns []string) [][]any {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		v := make([]any, len(columns))
		for i, c := range columns {
			v[i] = r[c]
		}
		out = append(out, v)
	}
	return out
}
