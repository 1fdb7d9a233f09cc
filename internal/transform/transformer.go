// Package transform adapts documents between the two supported schema
// generations at the store boundary. The store persists the canonical
// generation; callers may read and write either one. No other component
// branches on generation.
package transform

import (
	"fmt"
)

// Generation identifies a supported document schema generation.
type Generation string

const (
	GenR4 Generation = "r4"
	GenR5 Generation = "r5"
)

// Canonical is the generation documents are stored and indexed in.
const Canonical = GenR5

// ParseGeneration validates a generation name from a request.
func ParseGeneration(s string) (Generation, error) {
	switch Generation(s) {
	case GenR4:
		return GenR4, nil
	case GenR5:
		return GenR5, nil
	case "":
		return Canonical, nil
	default:
		return "", fmt.Errorf("unsupported schema generation %q (supported: r4, r5)", s)
	}
}

// FieldMapping relates one field across the two generations. OldName is the
// r4 field, NewName the r5 field. When ScalarToArray is set the r4 field
// holds a single value where the r5 field holds an array.
type FieldMapping struct {
	OldName       string
	NewName       string
	ScalarToArray bool
}

// Transformer applies per-resource-type field mappings in either direction.
// The mapping table is built once and never mutated.
type Transformer struct {
	byType map[string][]FieldMapping
}

// New builds a Transformer from per-type mappings.
func New(mappings map[string][]FieldMapping) *Transformer {
	byType := make(map[string][]FieldMapping, len(mappings))
	for rt, fields := range mappings {
		byType[rt] = append([]FieldMapping(nil), fields...)
	}
	return &Transformer{byType: byType}
}

// NewDefault builds a Transformer with the built-in mappings.
func NewDefault() *Transformer {
	return New(DefaultMappings())
}

// ToCanonical converts a document of either generation to the canonical
// shape. It is idempotent: a document already in canonical shape passes
// through unchanged. Unmapped fields are always carried over as-is.
func (t *Transformer) ToCanonical(resourceType string, doc map[string]interface{}) map[string]interface{} {
	return t.apply(resourceType, doc, true)
}

// ToGeneration converts a canonical document to the requested generation.
// Requesting the canonical generation returns a copy of the input.
func (t *Transformer) ToGeneration(resourceType string, gen Generation, doc map[string]interface{}) map[string]interface{} {
	if gen == Canonical {
		return copyDoc(doc)
	}
	return t.apply(resourceType, doc, false)
}

// apply rewrites mapped fields in the given direction. forward means
// old-to-new (toward canonical). A field already in target shape is left
// alone, which makes both directions idempotent.
func (t *Transformer) apply(resourceType string, doc map[string]interface{}, forward bool) map[string]interface{} {
	out := copyDoc(doc)
	for _, m := range t.byType[resourceType] {
		from, to := m.OldName, m.NewName
		if !forward {
			from, to = to, from
		}

		value, present := out[from]
		if from != to {
			if !present {
				continue
			}
			if _, occupied := out[to]; occupied {
				// Target already populated: the document is already in (or
				// partially in) the target generation. Keep the target value.
				delete(out, from)
				continue
			}
			delete(out, from)
		} else if !present {
			continue
		}

		if m.ScalarToArray {
			value = adjustCardinality(value, forward)
		}
		out[to] = value
	}
	return out
}

// adjustCardinality wraps a scalar into a one-element array going forward,
// and unwraps the first element going backward. Values already in target
// shape pass through.
func adjustCardinality(value interface{}, forward bool) interface{} {
	if forward {
		if _, isArray := value.([]interface{}); isArray {
			return value
		}
		return []interface{}{value}
	}
	if arr, isArray := value.([]interface{}); isArray {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return value
}

// copyDoc makes a shallow copy of the top level; mapped fields are only moved
// between keys, never mutated in place, so sharing nested values is safe.
func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// DefaultMappings returns the built-in field mappings between the r4 and r5
// generations for the resource types whose shapes changed between them.
func DefaultMappings() map[string][]FieldMapping {
	return map[string][]FieldMapping{
		"Encounter": {
			{OldName: "period", NewName: "actualPeriod"},
			{OldName: "hospitalization", NewName: "admission"},
			{OldName: "class", NewName: "class", ScalarToArray: true},
			{OldName: "reasonCode", NewName: "reason"},
		},
		"Medication": {
			{OldName: "form", NewName: "doseForm"},
		},
		"MedicationRequest": {
			{OldName: "medicationCodeableConcept", NewName: "medication"},
		},
		"Communication": {
			{OldName: "reasonCode", NewName: "reason"},
		},
		"DiagnosticReport": {
			{OldName: "media", NewName: "media", ScalarToArray: true},
		},
	}
}
