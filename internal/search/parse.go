// Package search parses external query requests, compiles them against the
// search parameter and reference indexes, and assembles result bundles.
package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/clinrec/clinrec/internal/resource"
	"github.com/clinrec/clinrec/internal/searchparam"
)

// Modifier is the closed set of supported search modifiers. Dispatch on
// modifiers is exhaustive: an unknown modifier fails at parse time instead of
// silently matching nothing.
type Modifier int

const (
	ModNone Modifier = iota
	ModExact
	ModContains
)

func (m Modifier) String() string {
	switch m {
	case ModNone:
		return ""
	case ModExact:
		return "exact"
	case ModContains:
		return "contains"
	default:
		return fmt.Sprintf("Modifier(%d)", int(m))
	}
}

// parseModifier validates a modifier against the parameter's type.
func parseModifier(raw string, paramName string, t searchparam.ParamType) (Modifier, error) {
	switch raw {
	case "":
		return ModNone, nil
	case "exact":
		if t != searchparam.TypeString {
			return 0, resource.Validationf("modifier :exact is not supported on %s parameter %q", t, paramName)
		}
		return ModExact, nil
	case "contains":
		if t != searchparam.TypeString {
			return 0, resource.Validationf("modifier :contains is not supported on %s parameter %q", t, paramName)
		}
		return ModContains, nil
	default:
		return 0, resource.Validationf("unsupported modifier %q on parameter %q", raw, paramName)
	}
}

// Prefix is a comparison prefix on date, number and quantity values.
type Prefix int

const (
	PrefixEq Prefix = iota
	PrefixNe
	PrefixGt
	PrefixLt
	PrefixGe
	PrefixLe
)

// Operator returns the SQL comparison operator for the prefix.
func (p Prefix) Operator() string {
	switch p {
	case PrefixEq:
		return "="
	case PrefixNe:
		return "<>"
	case PrefixGt:
		return ">"
	case PrefixLt:
		return "<"
	case PrefixGe:
		return ">="
	case PrefixLe:
		return "<="
	default:
		return "="
	}
}

// splitPrefix peels a comparison prefix off a raw value.
func splitPrefix(raw string) (Prefix, string) {
	if len(raw) < 2 {
		return PrefixEq, raw
	}
	switch raw[:2] {
	case "eq":
		return PrefixEq, raw[2:]
	case "ne":
		return PrefixNe, raw[2:]
	case "gt":
		return PrefixGt, raw[2:]
	case "lt":
		return PrefixLt, raw[2:]
	case "ge":
		return PrefixGe, raw[2:]
	case "le":
		return PrefixLe, raw[2:]
	default:
		return PrefixEq, raw
	}
}

// CondValue is one OR alternative of a condition.
type CondValue struct {
	Prefix Prefix
	Raw    string
}

// Condition is one predicate on the searched type's own parameters. Values
// are OR-matched; separate Conditions are AND-matched.
type Condition struct {
	Rule     searchparam.Rule
	Modifier Modifier
	Values   []CondValue
}

// ChainCondition is a forward chain: a predicate on a parameter of the
// resource a reference points at, e.g. subject.name=Smith or
// subject:Patient.name=Smith.
type ChainCondition struct {
	// RefRule is the reference parameter of the searched type.
	RefRule searchparam.Rule
	// TargetType is the resolved type of the referenced resource.
	TargetType string
	// Cond is the predicate evaluated against the target's parameters.
	Cond Condition
}

// HasCondition is a reverse chain (_has:Type:refField:param=v): match
// resources referenced by a Type through refField where the Type's param
// matches.
type HasCondition struct {
	// SourceType is the referencing resource type.
	SourceType string
	// RefRule is the SourceType's reference parameter pointing at the
	// searched type.
	RefRule searchparam.Rule
	// Cond is the predicate evaluated against the SourceType's parameters.
	Cond Condition
}

// Include is one _include or _revinclude directive, already validated against
// the rule table.
type Include struct {
	// ResourceType owns the reference parameter.
	ResourceType string
	// Param is the reference parameter name.
	Param string
	// Paths are the extraction paths of the parameter, used to match
	// reference index rows.
	Paths []string
}

// SortKey is the closed set of supported sort keys.
type SortKey int

const (
	SortLastUpdated SortKey = iota
	SortID
)

// Sort is the result ordering of a search.
type Sort struct {
	Key        SortKey
	Descending bool
}

// DefaultSort is last-updated descending, the stable default ordering.
var DefaultSort = Sort{Key: SortLastUpdated, Descending: true}

const (
	// DefaultPageSize bounds a page when _count is absent.
	DefaultPageSize = 50
	// MaxPageSize bounds _count.
	MaxPageSize = 500
	// MaxIncluded bounds the total number of included resources per bundle.
	MaxIncluded = 100
)

// Query is a parsed, validated search request.
type Query struct {
	ResourceType string
	Conditions   []Condition
	Chains       []ChainCondition
	Has          []HasCondition
	Includes     []Include
	RevIncludes  []Include
	Sort         Sort
	Count        int
	Cursor       string
}

// Parser validates raw request parameters against the extraction rule table.
type Parser struct {
	rules *searchparam.RuleTable
}

func NewParser(rules *searchparam.RuleTable) *Parser {
	return &Parser{rules: rules}
}

// Parse builds a Query from raw request values. Unknown parameters, unknown
// resource types and unsupported modifiers are ValidationErrors naming the
// offending input.
func (p *Parser) Parse(resourceType string, values url.Values) (Query, error) {
	if !p.rules.HasType(resourceType) {
		return Query{}, resource.Validationf("unknown resource type %q", resourceType)
	}

	q := Query{
		ResourceType: resourceType,
		Sort:         DefaultSort,
		Count:        DefaultPageSize,
	}

	for rawName, rawValues := range values {
		for _, rawValue := range rawValues {
			if err := p.parsePair(&q, rawName, rawValue); err != nil {
				return Query{}, err
			}
		}
	}
	return q, nil
}

func (p *Parser) parsePair(q *Query, rawName, rawValue string) error {
	switch {
	case rawName == "_sort":
		sort, err := parseSort(rawValue)
		if err != nil {
			return err
		}
		q.Sort = sort
		return nil
	case rawName == "_count":
		n, err := strconv.Atoi(rawValue)
		if err != nil || n < 1 {
			return resource.Validationf("invalid _count value %q", rawValue)
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		q.Count = n
		return nil
	case rawName == "_cursor":
		q.Cursor = rawValue
		return nil
	case rawName == "_include":
		inc, err := p.parseInclude(rawValue, q.ResourceType, false)
		if err != nil {
			return err
		}
		q.Includes = append(q.Includes, inc)
		return nil
	case rawName == "_revinclude":
		inc, err := p.parseInclude(rawValue, q.ResourceType, true)
		if err != nil {
			return err
		}
		q.RevIncludes = append(q.RevIncludes, inc)
		return nil
	case strings.HasPrefix(rawName, "_has:"):
		has, err := p.parseHas(q.ResourceType, rawName, rawValue)
		if err != nil {
			return err
		}
		q.Has = append(q.Has, has)
		return nil
	case strings.HasPrefix(rawName, "_"):
		return resource.Validationf("unsupported special parameter %q", rawName)
	}

	// A dot marks a forward chain through a reference parameter. The segment
	// before the dot may carry a target type as its modifier:
	// subject.name=Smith, subject:Patient.name=Smith.
	if head, rest, chained := strings.Cut(rawName, "."); chained {
		refName, targetType := searchparam.SplitNameModifier(head)
		chain, err := p.parseChain(q.ResourceType, refName, targetType, rest, rawValue)
		if err != nil {
			return err
		}
		q.Chains = append(q.Chains, chain)
		return nil
	}

	name, modifier := searchparam.SplitNameModifier(rawName)
	cond, err := p.parseCondition(q.ResourceType, name, modifier, rawValue)
	if err != nil {
		return err
	}
	q.Conditions = append(q.Conditions, cond)
	return nil
}

func (p *Parser) parseCondition(resourceType, name, modifier, rawValue string) (Condition, error) {
	rule, ok := p.rules.Lookup(resourceType, name)
	if !ok {
		return Condition{}, resource.Validationf("unknown search parameter %q on %s", name, resourceType)
	}

	mod, err := parseModifier(modifier, name, rule.Type)
	if err != nil {
		return Condition{}, err
	}

	var values []CondValue
	for _, part := range strings.Split(rawValue, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cv := CondValue{Prefix: PrefixEq, Raw: part}
		if hasPrefixSupport(rule.Type) {
			cv.Prefix, cv.Raw = splitPrefix(part)
		}
		values = append(values, cv)
	}
	if len(values) == 0 {
		return Condition{}, resource.Validationf("parameter %q has no value", name)
	}
	return Condition{Rule: rule, Modifier: mod, Values: values}, nil
}

// hasPrefixSupport reports whether comparison prefixes apply to the type.
func hasPrefixSupport(t searchparam.ParamType) bool {
	switch t {
	case searchparam.TypeDate, searchparam.TypeNumber, searchparam.TypeQuantity:
		return true
	default:
		return false
	}
}

func (p *Parser) parseChain(resourceType, refName, targetType, rest, rawValue string) (ChainCondition, error) {
	refRule, ok := p.rules.Lookup(resourceType, refName)
	if !ok {
		return ChainCondition{}, resource.Validationf("unknown search parameter %q on %s", refName, resourceType)
	}
	if refRule.Type != searchparam.TypeReference {
		return ChainCondition{}, resource.Validationf("parameter %q on %s is not a reference and cannot be chained", refName, resourceType)
	}

	target, ok := refRule.ChainTarget(targetType)
	if !ok {
		return ChainCondition{}, resource.Validationf(
			"chain through %q is ambiguous; specify a target type as %s:Type.%s", refName, refName, rest)
	}
	if !p.rules.HasType(target) {
		return ChainCondition{}, resource.Validationf("unknown chain target type %q", target)
	}

	if strings.Contains(rest, ".") {
		return ChainCondition{}, resource.Validationf("chains deeper than one level are not supported: %q", refName+"."+rest)
	}

	name, modifier := searchparam.SplitNameModifier(rest)
	cond, err := p.parseCondition(target, name, modifier, rawValue)
	if err != nil {
		return ChainCondition{}, err
	}
	return ChainCondition{RefRule: refRule, TargetType: target, Cond: cond}, nil
}

// parseHas parses "_has:Type:refField:param" names.
func (p *Parser) parseHas(resourceType, rawName, rawValue string) (HasCondition, error) {
	parts := strings.SplitN(strings.TrimPrefix(rawName, "_has:"), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return HasCondition{}, resource.Validationf("malformed _has parameter %q (want _has:Type:refField:param)", rawName)
	}
	sourceType, refField, paramPart := parts[0], parts[1], parts[2]

	if !p.rules.HasType(sourceType) {
		return HasCondition{}, resource.Validationf("unknown resource type %q in %q", sourceType, rawName)
	}
	refRule, ok := p.rules.Lookup(sourceType, refField)
	if !ok || refRule.Type != searchparam.TypeReference {
		return HasCondition{}, resource.Validationf("%s has no reference parameter %q", sourceType, refField)
	}
	if strings.HasPrefix(paramPart, "_has:") {
		return HasCondition{}, resource.Validationf("nested _has is not supported: %q", rawName)
	}

	name, modifier := searchparam.SplitNameModifier(paramPart)
	cond, err := p.parseCondition(sourceType, name, modifier, rawValue)
	if err != nil {
		return HasCondition{}, err
	}
	return HasCondition{SourceType: sourceType, RefRule: refRule, Cond: cond}, nil
}

// parseInclude parses "Type:refParam" directives. For _include the type must
// be the searched type; for _revinclude it is the referencing type.
func (p *Parser) parseInclude(rawValue, searchType string, rev bool) (Include, error) {
	owner, param, ok := strings.Cut(rawValue, ":")
	if !ok || owner == "" || param == "" {
		return Include{}, resource.Validationf("malformed include directive %q (want Type:refParam)", rawValue)
	}
	if !rev && owner != searchType {
		return Include{}, resource.Validationf("_include type %q does not match searched type %q", owner, searchType)
	}
	paths, ok := p.rules.ReferencePaths(owner, param)
	if !ok {
		return Include{}, resource.Validationf("%s has no reference parameter %q", owner, param)
	}
	return Include{ResourceType: owner, Param: param, Paths: paths}, nil
}

func parseSort(raw string) (Sort, error) {
	sort := Sort{}
	name := raw
	if strings.HasPrefix(raw, "-") {
		sort.Descending = true
		name = raw[1:]
	}
	switch name {
	case "_lastUpdated":
		sort.Key = SortLastUpdated
	case "_id":
		sort.Key = SortID
	default:
		return Sort{}, resource.Validationf("unsupported _sort key %q (supported: _lastUpdated, _id)", raw)
	}
	return sort, nil
}
