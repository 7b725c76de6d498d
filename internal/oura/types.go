// Package oura defines the raw data model for the Oura v2 API and the
// per-metric-type shape descriptors that drive normalization.
package oura

import (
	"encoding/json"
	"fmt"
	"io"
)

// RawItem is one decoded record as received from the API: a mapping from
// field name to scalar, nested object, nested array, or null.
//
// Decoding must use json.Decoder.UseNumber so numeric fields arrive as
// json.Number and survive the scalar/container split without float rounding.
type RawItem map[string]any

// RawPage is the envelope the usercollection endpoints return.
type RawPage struct {
	Data      []RawItem `json:"data"`
	NextToken string    `json:"next_token,omitempty"`
}

// DecodePage decodes one API response body (or one raw file written during
// the extract step) into a RawPage.
func DecodePage(r io.Reader) (RawPage, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var page RawPage
	if err := dec.Decode(&page); err != nil {
		return RawPage{}, fmt.Errorf("oura: decode page: %w", err)
	}
	return page, nil
}

// IsScalar reports whether a decoded JSON value is a scalar for the purposes
// of the primary/child split: anything that is not a nested object or array.
// nil (JSON null) counts as a scalar.
func IsScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

// ItemID extracts the vendor-supplied primary key from a raw item.
// Returns "" when the field is missing, null, or not a string.
func ItemID(item RawItem) string {
	id, _ := item["id"].(string)
	return id
}
