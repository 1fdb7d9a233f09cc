package reference

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want Target
		ok   bool
	}{
		{"Patient/abc", Target{Type: "Patient", ID: "abc"}, true},
		{"https://example.org/fhir/Patient/abc", Target{Type: "Patient", ID: "abc"}, true},
		{"Patient/abc/_history/3", Target{Type: "Patient", ID: "abc"}, true},
		{"urn:uuid:3b99b3e0", Target{ID: "3b99b3e0"}, true},
		{"abc", Target{ID: "abc"}, true},
		{"#contained", Target{}, false},
		{"", Target{}, false},
		{"  Patient/abc ", Target{Type: "Patient", ID: "abc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseTarget(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, %v; want %+v, %v", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTargetFromFieldDeclaredType(t *testing.T) {
	field := map[string]interface{}{"reference": "abc", "type": "Patient"}
	got, ok := TargetFromField(field)
	if !ok || got.Type != "Patient" || got.ID != "abc" {
		t.Errorf("TargetFromField = %+v, %v", got, ok)
	}

	// An explicit type in the reference string wins over the declared one.
	field = map[string]interface{}{"reference": "Practitioner/xyz", "type": "Patient"}
	got, _ = TargetFromField(field)
	if got.Type != "Practitioner" {
		t.Errorf("declared type overrode reference string: %+v", got)
	}
}

func TestExtractWalksNestedStructures(t *testing.T) {
	idx := NewIndexer(zerolog.Nop())

	doc := map[string]interface{}{
		"resourceType": "Encounter",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
		"participant": []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": "Practitioner/d1"},
			},
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": "Practitioner/d2"},
			},
		},
		"serviceProvider": map[string]interface{}{"reference": "Organization/org1"},
	}

	refs := idx.Extract("Encounter", "e1", doc)

	want := []Ref{
		{SourceType: "Encounter", SourceID: "e1", FieldPath: "participant.individual", Target: Target{Type: "Practitioner", ID: "d1"}},
		{SourceType: "Encounter", SourceID: "e1", FieldPath: "participant.individual", Target: Target{Type: "Practitioner", ID: "d2"}},
		{SourceType: "Encounter", SourceID: "e1", FieldPath: "serviceProvider", Target: Target{Type: "Organization", ID: "org1"}},
		{SourceType: "Encounter", SourceID: "e1", FieldPath: "subject", Target: Target{Type: "Patient", ID: "p1"}},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("Extract =\n%+v\nwant\n%+v", refs, want)
	}
}

func TestExtractDeduplicatesRepeatedReferences(t *testing.T) {
	idx := NewIndexer(zerolog.Nop())

	doc := map[string]interface{}{
		"result": []interface{}{
			map[string]interface{}{"reference": "Observation/o1"},
			map[string]interface{}{"reference": "Observation/o1"},
		},
	}
	refs := idx.Extract("DiagnosticReport", "r1", doc)
	if len(refs) != 1 {
		t.Fatalf("refs = %d, want deduplicated 1", len(refs))
	}
}

func TestExtractIndexesDanglingTargets(t *testing.T) {
	idx := NewIndexer(zerolog.Nop())

	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "Patient/does-not-exist"},
	}
	refs := idx.Extract("Observation", "o1", doc)
	if len(refs) != 1 || refs[0].Target.ID != "does-not-exist" {
		t.Fatalf("dangling reference not indexed: %+v", refs)
	}
}

func TestExtractIgnoresFragmentsAndNonReferences(t *testing.T) {
	idx := NewIndexer(zerolog.Nop())

	doc := map[string]interface{}{
		"subject": map[string]interface{}{"reference": "#contained"},
		"note":    []interface{}{map[string]interface{}{"text": "no refs here"}},
		"count":   3.0,
	}
	if refs := idx.Extract("Observation", "o1", doc); len(refs) != 0 {
		t.Errorf("refs = %+v, want none", refs)
	}
}
