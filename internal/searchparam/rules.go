package searchparam

import (
	"fmt"
	"strings"
)

// Component is one member of a composite search parameter. Its Path is
// resolved relative to the composite's GroupPath.
type Component struct {
	Name string
	Type ParamType
	Path string
}

// Rule declares how one search parameter is extracted from a resource type.
// For composite rules, GroupPath names the repeating group the components are
// drawn from and Paths is unused.
type Rule struct {
	Name  string
	Type  ParamType
	Paths []string

	// Targets lists the resource types a reference-typed parameter may point
	// at. Chained search uses it to resolve the target type of a chain.
	Targets []string

	GroupPath  string
	Components []Component
}

// ChainTarget resolves the target resource type of a chain through this rule.
// An explicit type wins; otherwise a sole declared target is used. The second
// return is false when the target is ambiguous or the explicit type is not
// among the declared targets.
func (r Rule) ChainTarget(explicit string) (string, bool) {
	if explicit != "" {
		if len(r.Targets) == 0 {
			return explicit, true
		}
		for _, t := range r.Targets {
			if t == explicit {
				return explicit, true
			}
		}
		return "", false
	}
	if len(r.Targets) == 1 {
		return r.Targets[0], true
	}
	return "", false
}

// ComponentParamName returns the stored parameter name for one component of a
// composite rule. Component rows are stored under "<rule>$<component>" so the
// planner can address each component independently while still joining them
// on the occurrence key.
func (r Rule) ComponentParamName(component string) string {
	return r.Name + "$" + component
}

// RuleTable is an immutable, type-indexed lookup of extraction rules. It is
// built once at startup and never mutated afterwards, so it is safe for
// unsynchronized concurrent reads.
type RuleTable struct {
	byType map[string]map[string]Rule
}

// NewRuleTable builds a RuleTable from per-type rule lists. It rejects
// duplicate parameter names within a type and malformed composite rules.
func NewRuleTable(rules map[string][]Rule) (*RuleTable, error) {
	byType := make(map[string]map[string]Rule, len(rules))
	for resourceType, list := range rules {
		named := make(map[string]Rule, len(list))
		for _, rule := range list {
			if rule.Name == "" {
				return nil, fmt.Errorf("%s: rule with empty name", resourceType)
			}
			if _, dup := named[rule.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate rule %q", resourceType, rule.Name)
			}
			if rule.Type == TypeComposite {
				if rule.GroupPath == "" {
					return nil, fmt.Errorf("%s/%s: composite rule without group path", resourceType, rule.Name)
				}
				if len(rule.Components) < 2 {
					return nil, fmt.Errorf("%s/%s: composite rule needs at least two components", resourceType, rule.Name)
				}
				for _, c := range rule.Components {
					if c.Type == TypeComposite {
						return nil, fmt.Errorf("%s/%s: composite component %q cannot itself be composite", resourceType, rule.Name, c.Name)
					}
				}
			} else if len(rule.Paths) == 0 {
				return nil, fmt.Errorf("%s/%s: rule without extraction paths", resourceType, rule.Name)
			}
			named[rule.Name] = rule
		}
		byType[resourceType] = named
	}
	return &RuleTable{byType: byType}, nil
}

// Lookup returns the rule for (resourceType, paramName).
func (t *RuleTable) Lookup(resourceType, paramName string) (Rule, bool) {
	rule, ok := t.byType[resourceType][paramName]
	return rule, ok
}

// Rules returns all rules for a resource type, keyed by parameter name.
func (t *RuleTable) Rules(resourceType string) map[string]Rule {
	return t.byType[resourceType]
}

// ResourceTypes returns the resource types the table has rules for, in
// unspecified order.
func (t *RuleTable) ResourceTypes() []string {
	types := make([]string, 0, len(t.byType))
	for rt := range t.byType {
		types = append(types, rt)
	}
	return types
}

// HasType reports whether the table knows the given resource type.
func (t *RuleTable) HasType(resourceType string) bool {
	_, ok := t.byType[resourceType]
	return ok
}

// ReferencePaths returns the extraction paths of a reference-typed parameter,
// used by the query planner to join through the reference index. The second
// return is false when the parameter is unknown or not reference-typed.
func (t *RuleTable) ReferencePaths(resourceType, paramName string) ([]string, bool) {
	rule, ok := t.Lookup(resourceType, paramName)
	if !ok || rule.Type != TypeReference {
		return nil, false
	}
	return rule.Paths, true
}

// SplitNameModifier splits "name:modifier" into its parts.
func SplitNameModifier(raw string) (name, modifier string) {
	if i := strings.Index(raw, ":"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// DefaultRules returns the built-in extraction rules for the clinical
// resource types the platform ships with. Deployments can extend or replace
// the set before constructing the table; once built it is immutable.
func DefaultRules() map[string][]Rule {
	return map[string][]Rule{
		"Patient": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "name", Type: TypeString, Paths: []string{"name.family", "name.given"}},
			{Name: "family", Type: TypeString, Paths: []string{"name.family"}},
			{Name: "given", Type: TypeString, Paths: []string{"name.given"}},
			{Name: "gender", Type: TypeToken, Paths: []string{"gender"}},
			{Name: "birthdate", Type: TypeDate, Paths: []string{"birthDate"}},
			{Name: "general-practitioner", Type: TypeReference, Paths: []string{"generalPractitioner"}, Targets: []string{"Practitioner", "Organization"}},
			{Name: "organization", Type: TypeReference, Paths: []string{"managingOrganization"}, Targets: []string{"Organization"}},
		},
		"Practitioner": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "name", Type: TypeString, Paths: []string{"name.family", "name.given"}},
		},
		"Organization": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "name", Type: TypeString, Paths: []string{"name"}},
		},
		"Observation": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "status", Type: TypeToken, Paths: []string{"status"}},
			{Name: "category", Type: TypeToken, Paths: []string{"category"}},
			{Name: "code", Type: TypeToken, Paths: []string{"code"}},
			{Name: "date", Type: TypeDate, Paths: []string{"effectiveDateTime", "effectivePeriod"}},
			{Name: "subject", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "patient", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "encounter", Type: TypeReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			{Name: "value-quantity", Type: TypeQuantity, Paths: []string{"valueQuantity"}},
			{Name: "value-string", Type: TypeString, Paths: []string{"valueString"}},
			{Name: "code-value-quantity", Type: TypeComposite, GroupPath: "component", Components: []Component{
				{Name: "code", Type: TypeToken, Path: "code"},
				{Name: "value", Type: TypeQuantity, Path: "valueQuantity"},
			}},
			{Name: "code-value-concept", Type: TypeComposite, GroupPath: "component", Components: []Component{
				{Name: "code", Type: TypeToken, Path: "code"},
				{Name: "value", Type: TypeToken, Path: "valueCodeableConcept"},
			}},
		},
		"Encounter": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "status", Type: TypeToken, Paths: []string{"status"}},
			{Name: "class", Type: TypeToken, Paths: []string{"class"}},
			{Name: "date", Type: TypeDate, Paths: []string{"actualPeriod"}},
			{Name: "subject", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "patient", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "participant", Type: TypeReference, Paths: []string{"participant.individual"}, Targets: []string{"Practitioner"}},
			{Name: "service-provider", Type: TypeReference, Paths: []string{"serviceProvider"}, Targets: []string{"Organization"}},
		},
		"Condition": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "code", Type: TypeToken, Paths: []string{"code"}},
			{Name: "clinical-status", Type: TypeToken, Paths: []string{"clinicalStatus"}},
			{Name: "onset-date", Type: TypeDate, Paths: []string{"onsetDateTime"}},
			{Name: "subject", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "patient", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "encounter", Type: TypeReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
		},
		"MedicationRequest": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "status", Type: TypeToken, Paths: []string{"status"}},
			{Name: "medication", Type: TypeToken, Paths: []string{"medication"}},
			{Name: "authoredon", Type: TypeDate, Paths: []string{"authoredOn"}},
			{Name: "subject", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "patient", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "requester", Type: TypeReference, Paths: []string{"requester"}, Targets: []string{"Practitioner"}},
			{Name: "priority", Type: TypeToken, Paths: []string{"priority"}},
		},
		"DiagnosticReport": {
			{Name: "identifier", Type: TypeToken, Paths: []string{"identifier"}},
			{Name: "status", Type: TypeToken, Paths: []string{"status"}},
			{Name: "code", Type: TypeToken, Paths: []string{"code"}},
			{Name: "date", Type: TypeDate, Paths: []string{"effectiveDateTime"}},
			{Name: "subject", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "patient", Type: TypeReference, Paths: []string{"subject"}, Targets: []string{"Patient"}},
			{Name: "result", Type: TypeReference, Paths: []string{"result"}, Targets: []string{"Observation"}},
		},
	}
}
