// Package columnstore persists flat record batches between the transform
// and load steps.
//
// A batch is written as a CSV file plus a JSON schema sidecar
// ("<file>.schema.json") carrying the relation spec: CSV alone cannot say
// whether "88" was an integer or a string, and the loader needs the scalar
// kinds back to type the destination columns. Nested values never reach
// this package from the normalizer, but Write stringifies them defensively
// since the format is strictly flat.
package columnstore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ouraetl/internal/storage"
)

// nullCell marks a NULL in the CSV body, the COPY convention. An empty cell
// is a real empty string, not NULL. Literal strings starting with a
// backslash get one more backslash on write so they cannot collide with the
// marker.
const nullCell = `\N`

// SidecarPath returns the schema sidecar path for a batch file.
func SidecarPath(path string) string { return path + ".schema.json" }

// WriteFile writes one relation batch. Row order is preserved. Columns come
// from spec.Columns; each row must be aligned to them.
func WriteFile(path string, spec storage.RelationSpec, rows [][]any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("columnstore: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("columnstore: write header: %w", err)
	}

	record := make([]string, len(spec.Columns))
	for _, row := range rows {
		for i := range spec.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			record[i] = encodeCell(v)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("columnstore: write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("columnstore: flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("columnstore: close %s: %w", path, err)
	}

	return writeSidecar(SidecarPath(path), spec)
}

// ReadFile reads a batch back: the sidecar spec plus positional rows with
// scalar kinds restored. NULL cells come back as nil.
func ReadFile(path string) (storage.RelationSpec, [][]any, error) {
	spec, err := readSidecar(SidecarPath(path))
	if err != nil {
		return storage.RelationSpec{}, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return storage.RelationSpec{}, nil, fmt.Errorf("columnstore: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(spec.Columns)

	records, err := r.ReadAll()
	if err != nil {
		return storage.RelationSpec{}, nil, fmt.Errorf("columnstore: read %s: %w", path, err)
	}
	if len(records) == 0 {
		return spec, nil, nil
	}

	// First record is the header; trust the sidecar for kinds but verify the
	// column names line up.
	for i, c := range spec.Columns {
		if records[0][i] != c.Name {
			return storage.RelationSpec{}, nil, fmt.Errorf(
				"columnstore: %s: header column %d is %q, schema says %q",
				path, i, records[0][i], c.Name,
			)
		}
	}

	rows := make([][]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]any, len(spec.Columns))
		for i, c := range spec.Columns {
			v, err := decodeCell(rec[i], c.Kind)
			if err != nil {
				return storage.RelationSpec{}, nil, fmt.Errorf("columnstore: %s column %s: %w", path, c.Name, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return spec, rows, nil
}

func writeSidecar(path string, spec storage.RelationSpec) error {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("columnstore: marshal schema: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("columnstore: write schema %s: %w", path, err)
	}
	return nil
}

func readSidecar(path string) (storage.RelationSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return storage.RelationSpec{}, fmt.Errorf("columnstore: read schema %s: %w", path, err)
	}
	var spec storage.RelationSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return storage.RelationSpec{}, fmt.Errorf("columnstore: decode schema %s: %w", path, err)
	}
	return spec, nil
}

func encodeCell(v any) string {
	switch t := v.(type) {
	case nil:
		return nullCell
	case string:
		if strings.HasPrefix(t, `\`) {
			return `\` + t
		}
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		// Containers should never get here; stringify rather than fail.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func decodeCell(s string, k storage.Kind) (any, error) {
	if s == nullCell {
		return nil, nil
	}
	switch k {
	case storage.KindInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer %q: %w", s, err)
		}
		return n, nil
	case storage.KindReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse real %q: %w", s, err)
		}
		return f, nil
	case storage.KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("parse boolean %q: %w", s, err)
		}
		return b, nil
	default:
		if strings.HasPrefix(s, `\`) {
			return s[1:], nil
		}
		return s, nil
	}
}
