package transform

import (
	"reflect"
	"testing"
)

func TestParseGeneration(t *testing.T) {
	tests := []struct {
		in      string
		want    Generation
		wantErr bool
	}{
		{"r4", GenR4, false},
		{"r5", GenR5, false},
		{"", Canonical, false},
		{"r6", "", true},
		{"R4", "", true},
	}
	for _, tt := range tests {
		t.Run("in="+tt.in, func(t *testing.T) {
			got, err := ParseGeneration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseGeneration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseGeneration(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToCanonicalRenamesFields(t *testing.T) {
	tr := NewDefault()

	doc := map[string]interface{}{
		"resourceType": "Encounter",
		"status":       "finished",
		"period":       map[string]interface{}{"start": "2026-01-01"},
		"class":        map[string]interface{}{"code": "AMB"},
	}
	got := tr.ToCanonical("Encounter", doc)

	if _, stale := got["period"]; stale {
		t.Error("period not renamed to actualPeriod")
	}
	period, ok := got["actualPeriod"].(map[string]interface{})
	if !ok || period["start"] != "2026-01-01" {
		t.Errorf("actualPeriod = %v", got["actualPeriod"])
	}

	// class changed cardinality: scalar wraps into a one-element array.
	class, ok := got["class"].([]interface{})
	if !ok || len(class) != 1 {
		t.Fatalf("class = %v, want one-element array", got["class"])
	}

	// Unmapped fields pass through.
	if got["status"] != "finished" {
		t.Errorf("status = %v, want finished", got["status"])
	}
}

func TestToCanonicalIsIdempotent(t *testing.T) {
	tr := NewDefault()

	doc := map[string]interface{}{
		"resourceType": "Encounter",
		"period":       map[string]interface{}{"start": "2026-01-01"},
		"class":        map[string]interface{}{"code": "AMB"},
		"reasonCode":   []interface{}{map[string]interface{}{"text": "checkup"}},
	}

	once := tr.ToCanonical("Encounter", doc)
	twice := tr.ToCanonical("Encounter", once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second transform changed the document:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestToGenerationRoundTrip(t *testing.T) {
	tr := NewDefault()

	r4 := map[string]interface{}{
		"resourceType":    "Encounter",
		"status":          "in-progress",
		"period":          map[string]interface{}{"start": "2026-02-02"},
		"class":           map[string]interface{}{"code": "IMP"},
		"hospitalization": map[string]interface{}{"admitSource": "emd"},
	}

	canonical := tr.ToCanonical("Encounter", r4)
	back := tr.ToGeneration("Encounter", GenR4, canonical)

	if !reflect.DeepEqual(back["period"], r4["period"]) {
		t.Errorf("period round trip = %v, want %v", back["period"], r4["period"])
	}
	if !reflect.DeepEqual(back["class"], r4["class"]) {
		t.Errorf("class round trip = %v, want %v", back["class"], r4["class"])
	}
	if !reflect.DeepEqual(back["hospitalization"], r4["hospitalization"]) {
		t.Errorf("hospitalization round trip = %v", back["hospitalization"])
	}
	if _, leaked := back["actualPeriod"]; leaked {
		t.Error("actualPeriod leaked into r4 output")
	}
}

func TestToGenerationCanonicalIsCopy(t *testing.T) {
	tr := NewDefault()
	doc := map[string]interface{}{"resourceType": "Patient", "active": true}

	got := tr.ToGeneration("Patient", Canonical, doc)
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("canonical output = %v, want %v", got, doc)
	}
	got["active"] = false
	if doc["active"] != true {
		t.Error("output shares top-level map with input")
	}
}

func TestOccupiedTargetWins(t *testing.T) {
	// A document carrying both generations' fields keeps the canonical one.
	tr := NewDefault()
	doc := map[string]interface{}{
		"resourceType": "Medication",
		"form":         map[string]interface{}{"text": "old"},
		"doseForm":     map[string]interface{}{"text": "new"},
	}
	got := tr.ToCanonical("Medication", doc)

	doseForm, _ := got["doseForm"].(map[string]interface{})
	if doseForm["text"] != "new" {
		t.Errorf("doseForm = %v, want the already-canonical value", got["doseForm"])
	}
	if _, stale := got["form"]; stale {
		t.Error("form not removed when doseForm already present")
	}
}

func TestUnknownTypePassesThrough(t *testing.T) {
	tr := NewDefault()
	doc := map[string]interface{}{"resourceType": "Device", "status": "active"}
	if got := tr.ToCanonical("Device", doc); !reflect.DeepEqual(got, doc) {
		t.Errorf("ToCanonical changed an unmapped type: %v", got)
	}
}
