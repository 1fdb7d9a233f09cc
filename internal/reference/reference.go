// Package reference maintains the directed graph of cross-resource
// references. Rows are derived from the canonical document on every write and
// fully replaced; dangling targets are indexed as-is.
package reference

import (
	"strings"
)

// Target is a resolved reference destination.
type Target struct {
	Type string
	ID   string
}

// Ref is one reference-valued field of a source resource, normalized to its
// resolved target regardless of how the document encoded it.
type Ref struct {
	SourceType string
	SourceID   string
	// FieldPath is the dotted path of the field the reference was found at,
	// without array indices (e.g. "participant.individual").
	FieldPath string
	Target    Target
}

// ParseTarget normalizes the raw reference strings documents use:
//
//	"Patient/abc"                          -> {Patient abc}
//	"https://example.org/fhir/Patient/abc" -> {Patient abc}
//	"urn:uuid:..."                         -> {"" urn-id}
//	"abc"                                  -> {"" abc}
//
// The second return is false for empty or fragment-only references.
func ParseTarget(raw string) (Target, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return Target{}, false
	}

	if id, ok := strings.CutPrefix(raw, "urn:uuid:"); ok {
		if id == "" {
			return Target{}, false
		}
		return Target{ID: id}, true
	}

	// Strip a version suffix ("Patient/abc/_history/3").
	if i := strings.Index(raw, "/_history/"); i >= 0 {
		raw = raw[:i]
	}

	parts := strings.Split(raw, "/")
	switch {
	case len(parts) == 1:
		return Target{ID: parts[0]}, true
	default:
		// The last two segments of a relative or absolute URL are type/id.
		id := parts[len(parts)-1]
		typ := parts[len(parts)-2]
		if id == "" || typ == "" {
			return Target{}, false
		}
		return Target{Type: typ, ID: id}, true
	}
}

// TargetFromField resolves a reference-shaped document field to a Target.
// It accepts the object form {"reference": "Type/id", "type": "Type"} and the
// bare string form "Type/id". The declared type wins when the reference
// string carries none.
func TargetFromField(field interface{}) (Target, bool) {
	switch v := field.(type) {
	case string:
		return ParseTarget(v)
	case map[string]interface{}:
		raw, _ := v["reference"].(string)
		target, ok := ParseTarget(raw)
		if !ok {
			return Target{}, false
		}
		if target.Type == "" {
			if declared, _ := v["type"].(string); declared != "" {
				target.Type = declared
			}
		}
		return target, true
	default:
		return Target{}, false
	}
}
