package normalize

import (
	"github.com/google/uuid"
)

// childKeyNamespace is the fixed UUIDv5 namespace for surrogate child keys.
// Never change it: the derived keys are the primary keys of every child
// relation, and idempotent re-loads depend on them being stable across runs.
var childKeyNamespace = uuid.MustParse("8f1f2c6e-34a5-4f7e-9d0b-5a3c1e7b9a42")

// ChildKey derives the surrogate key for a child row from the parent item's
// id and a stable discriminator (the nested field name, plus the sample
// index for series rows).
//
// Determinism is what makes child-row upserts idempotent: re-running the
// pipeline over an already-loaded day regenerates the same keys and the
// loader replaces rows instead of accumulating duplicates.
func ChildKey(parentID, discriminator string) string {
	return uuid.NewSHA1(childKeyNamespace, []byte(parentID+"\x1f"+discriminator)).String()
}
