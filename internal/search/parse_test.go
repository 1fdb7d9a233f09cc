package search

import (
	"net/url"
	"testing"

	"github.com/clinrec/clinrec/internal/resource"
	"github.com/clinrec/clinrec/internal/searchparam"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	rules, err := searchparam.NewRuleTable(searchparam.DefaultRules())
	if err != nil {
		t.Fatalf("rule table: %v", err)
	}
	return NewParser(rules)
}

func mustParse(t *testing.T, resourceType string, values url.Values) Query {
	t.Helper()
	q, err := newTestParser(t).Parse(resourceType, values)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return q
}

func wantValidationError(t *testing.T, resourceType string, values url.Values) {
	t.Helper()
	_, err := newTestParser(t).Parse(resourceType, values)
	if !resource.IsValidation(err) {
		t.Errorf("Parse(%v) err = %v, want validation error", values, err)
	}
}

func TestParseDefaults(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{})
	if q.Sort != DefaultSort {
		t.Errorf("sort = %+v, want default", q.Sort)
	}
	if q.Count != DefaultPageSize {
		t.Errorf("count = %d, want %d", q.Count, DefaultPageSize)
	}
}

func TestParseSimpleCondition(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"gender": {"male"}})
	if len(q.Conditions) != 1 {
		t.Fatalf("conditions = %d, want 1", len(q.Conditions))
	}
	c := q.Conditions[0]
	if c.Rule.Name != "gender" || c.Modifier != ModNone {
		t.Errorf("condition = %+v", c)
	}
	if len(c.Values) != 1 || c.Values[0] != (CondValue{Prefix: PrefixEq, Raw: "male"}) {
		t.Errorf("values = %+v", c.Values)
	}
}

func TestParseORValues(t *testing.T) {
	q := mustParse(t, "Observation", url.Values{"status": {"final,amended"}})
	c := q.Conditions[0]
	if len(c.Values) != 2 || c.Values[0].Raw != "final" || c.Values[1].Raw != "amended" {
		t.Errorf("values = %+v", c.Values)
	}
}

func TestParseRejectsUnknowns(t *testing.T) {
	wantValidationError(t, "Spaceship", url.Values{})
	wantValidationError(t, "Patient", url.Values{"haircolor": {"red"}})
	wantValidationError(t, "Patient", url.Values{"_total": {"accurate"}})
	wantValidationError(t, "Patient", url.Values{"gender": {""}})
}

func TestParseModifierValidation(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"name:exact": {"Smith"}})
	if q.Conditions[0].Modifier != ModExact {
		t.Errorf("modifier = %v, want exact", q.Conditions[0].Modifier)
	}
	q = mustParse(t, "Patient", url.Values{"name:contains": {"mit"}})
	if q.Conditions[0].Modifier != ModContains {
		t.Errorf("modifier = %v, want contains", q.Conditions[0].Modifier)
	}

	// String modifiers on non-string parameters, and unknown modifiers, fail
	// loudly instead of matching nothing.
	wantValidationError(t, "Patient", url.Values{"gender:exact": {"male"}})
	wantValidationError(t, "Patient", url.Values{"birthdate:contains": {"2020"}})
	wantValidationError(t, "Patient", url.Values{"name:missing": {"true"}})
}

func TestParsePrefixesOnOrderedTypesOnly(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"birthdate": {"ge2020-01-01"}})
	v := q.Conditions[0].Values[0]
	if v.Prefix != PrefixGe || v.Raw != "2020-01-01" {
		t.Errorf("value = %+v, want ge prefix peeled", v)
	}

	// A string value starting with prefix letters is taken literally.
	q = mustParse(t, "Patient", url.Values{"name": {"lester"}})
	v = q.Conditions[0].Values[0]
	if v.Prefix != PrefixEq || v.Raw != "lester" {
		t.Errorf("value = %+v, prefix peeled off a string", v)
	}
}

func TestParseChain(t *testing.T) {
	q := mustParse(t, "Observation", url.Values{"subject.name": {"Smith"}})
	if len(q.Chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(q.Chains))
	}
	ch := q.Chains[0]
	if ch.RefRule.Name != "subject" || ch.TargetType != "Patient" || ch.Cond.Rule.Name != "name" {
		t.Errorf("chain = %+v", ch)
	}
}

func TestParseChainWithExplicitTargetType(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"general-practitioner:Organization.name": {"Clinic"}})
	ch := q.Chains[0]
	if ch.TargetType != "Organization" || ch.Cond.Rule.Name != "name" {
		t.Errorf("chain = %+v", ch)
	}
}

func TestParseChainErrors(t *testing.T) {
	// Ambiguous target without an explicit type.
	wantValidationError(t, "Patient", url.Values{"general-practitioner.name": {"x"}})
	// Explicit type outside the declared targets.
	wantValidationError(t, "Patient", url.Values{"general-practitioner:Encounter.status": {"x"}})
	// Chaining through a non-reference parameter.
	wantValidationError(t, "Observation", url.Values{"status.name": {"x"}})
	// More than one chain level.
	wantValidationError(t, "Observation", url.Values{"subject.organization.name": {"x"}})
	// Unknown parameter on the target type.
	wantValidationError(t, "Observation", url.Values{"subject.status": {"x"}})
}

func TestParseHas(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"_has:Observation:subject:status": {"final"}})
	if len(q.Has) != 1 {
		t.Fatalf("has = %d, want 1", len(q.Has))
	}
	h := q.Has[0]
	if h.SourceType != "Observation" || h.RefRule.Name != "subject" || h.Cond.Rule.Name != "status" {
		t.Errorf("has = %+v", h)
	}
	if h.Cond.Values[0].Raw != "final" {
		t.Errorf("has values = %+v", h.Cond.Values)
	}
}

func TestParseHasErrors(t *testing.T) {
	wantValidationError(t, "Patient", url.Values{"_has:Observation:subject": {"x"}})
	wantValidationError(t, "Patient", url.Values{"_has:Spaceship:subject:status": {"x"}})
	// refField must be a reference parameter of the source type.
	wantValidationError(t, "Patient", url.Values{"_has:Observation:status:code": {"x"}})
	// Nested reverse chains are rejected.
	wantValidationError(t, "Patient", url.Values{"_has:Observation:subject:_has:DiagnosticReport:result:status": {"x"}})
}

func TestParseInclude(t *testing.T) {
	q := mustParse(t, "Observation", url.Values{"_include": {"Observation:subject"}})
	if len(q.Includes) != 1 {
		t.Fatalf("includes = %d, want 1", len(q.Includes))
	}
	inc := q.Includes[0]
	if inc.ResourceType != "Observation" || inc.Param != "subject" {
		t.Errorf("include = %+v", inc)
	}
	if len(inc.Paths) != 1 || inc.Paths[0] != "subject" {
		t.Errorf("include paths = %v", inc.Paths)
	}
}

func TestParseRevInclude(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"_revinclude": {"Observation:subject"}})
	if len(q.RevIncludes) != 1 {
		t.Fatalf("revincludes = %d, want 1", len(q.RevIncludes))
	}
	if q.RevIncludes[0].ResourceType != "Observation" {
		t.Errorf("revinclude = %+v", q.RevIncludes[0])
	}
}

func TestParseIncludeErrors(t *testing.T) {
	wantValidationError(t, "Observation", url.Values{"_include": {"garbage"}})
	// _include type must match the searched type.
	wantValidationError(t, "Observation", url.Values{"_include": {"Encounter:subject"}})
	// The parameter must exist and be a reference.
	wantValidationError(t, "Observation", url.Values{"_include": {"Observation:status"}})
	wantValidationError(t, "Patient", url.Values{"_revinclude": {"Observation:nope"}})
}

func TestParseSort(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"_sort": {"_id"}})
	if q.Sort != (Sort{Key: SortID}) {
		t.Errorf("sort = %+v", q.Sort)
	}
	q = mustParse(t, "Patient", url.Values{"_sort": {"-_lastUpdated"}})
	if q.Sort != (Sort{Key: SortLastUpdated, Descending: true}) {
		t.Errorf("sort = %+v", q.Sort)
	}
	wantValidationError(t, "Patient", url.Values{"_sort": {"name"}})
}

func TestParseCount(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"_count": {"10"}})
	if q.Count != 10 {
		t.Errorf("count = %d, want 10", q.Count)
	}
	q = mustParse(t, "Patient", url.Values{"_count": {"99999"}})
	if q.Count != MaxPageSize {
		t.Errorf("count = %d, want clamped to %d", q.Count, MaxPageSize)
	}
	wantValidationError(t, "Patient", url.Values{"_count": {"0"}})
	wantValidationError(t, "Patient", url.Values{"_count": {"ten"}})
}

func TestParseCursorCarriedThrough(t *testing.T) {
	q := mustParse(t, "Patient", url.Values{"_cursor": {"abc.def"}})
	if q.Cursor != "abc.def" {
		t.Errorf("cursor = %q", q.Cursor)
	}
}
