package normalize

import (
	"errors"
	"fmt"

	"ouraetl/internal/oura"
)

// ErrMissingID marks a raw item with no usable primary key. Children cannot
// be linked without it, so the item is dropped (the page continues).
var ErrMissingID = errors.New("raw item missing id")

// ItemError describes a normalization failure for a single raw item. The
// assembler collects these instead of aborting the page.
type ItemError struct {
	Type  oura.MetricType
	Index int    // position within the source page
	ID    string // vendor id when known, "" otherwise
	Err   error
}

func (e *ItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("normalize %s item %d (id=%s): %v", e.Type, e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("normalize %s item %d: %v", e.Type, e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }
