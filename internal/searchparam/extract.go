// Package searchparam derives typed, queryable facts from resource documents.
// Extraction is driven by a declarative per-type rule table loaded once at
// startup; rows for a resource are fully replaced on every write.
package searchparam

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrec/clinrec/internal/reference"
)

// Extractor turns a canonical document into Row values according to its rule
// table. A failure extracting one parameter is logged and skipped; it never
// aborts the write.
type Extractor struct {
	rules  *RuleTable
	logger zerolog.Logger
}

// NewExtractor creates an Extractor over an immutable rule table.
func NewExtractor(rules *RuleTable, logger zerolog.Logger) *Extractor {
	return &Extractor{rules: rules, logger: logger}
}

// Rules exposes the extractor's rule table for the query planner.
func (e *Extractor) Rules() *RuleTable { return e.rules }

// Extract derives all Row values for the current version of a resource.
// Repeating source elements yield one row per occurrence; composite rules
// yield one row per component per group occurrence, all stamped with the
// group's occurrence key.
func (e *Extractor) Extract(resourceType, resourceID string, doc map[string]interface{}) []Row {
	var rows []Row
	for _, rule := range e.sortedRules(resourceType) {
		extracted, err := e.extractRule(rule, doc)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("resource", resourceType+"/"+resourceID).
				Str("param", rule.Name).
				Msg("search parameter extraction skipped")
			continue
		}
		for i := range extracted {
			extracted[i].ResourceType = resourceType
			extracted[i].ResourceID = resourceID
			extracted[i].ResourceVersion = CurrentVersion
		}
		rows = append(rows, extracted...)
	}
	return rows
}

// sortedRules returns the type's rules in name order for deterministic output.
func (e *Extractor) sortedRules(resourceType string) []Rule {
	named := e.rules.Rules(resourceType)
	rules := make([]Rule, 0, len(named))
	for _, r := range named {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

func (e *Extractor) extractRule(rule Rule, doc map[string]interface{}) ([]Row, error) {
	if rule.Type == TypeComposite {
		return e.extractComposite(rule, doc)
	}

	var rows []Row
	for _, path := range rule.Paths {
		for _, node := range resolvePath(doc, path) {
			values, err := convert(rule.Type, node)
			if err != nil {
				return nil, fmt.Errorf("path %s: %w", path, err)
			}
			for _, v := range values {
				rows = append(rows, Row{ParamName: rule.Name, Value: v})
			}
		}
	}
	return rows, nil
}

// extractComposite emits component rows per repeating group occurrence. All
// component rows from one group share an occurrence key, so composite search
// can require components to match within a single occurrence instead of
// cross-matching values from different groups.
func (e *Extractor) extractComposite(rule Rule, doc map[string]interface{}) ([]Row, error) {
	var rows []Row
	for i, node := range resolvePath(doc, rule.GroupPath) {
		group, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s#%d", rule.GroupPath, i)
		for _, comp := range rule.Components {
			for _, leaf := range resolvePath(group, comp.Path) {
				values, err := convert(comp.Type, leaf)
				if err != nil {
					return nil, fmt.Errorf("group %s component %s: %w", key, comp.Name, err)
				}
				for _, v := range values {
					rows = append(rows, Row{
						ParamName:     rule.ComponentParamName(comp.Name),
						Value:         v,
						OccurrenceKey: key,
					})
				}
			}
		}
	}
	return rows, nil
}

// resolvePath walks a dotted path through the document, fanning out over
// arrays at every level. It returns every leaf node the path reaches.
func resolvePath(doc map[string]interface{}, path string) []interface{} {
	nodes := []interface{}{doc}
	for _, segment := range strings.Split(path, ".") {
		var next []interface{}
		for _, node := range nodes {
			m, ok := node.(map[string]interface{})
			if !ok {
				continue
			}
			child, present := m[segment]
			if !present || child == nil {
				continue
			}
			if arr, isArray := child.([]interface{}); isArray {
				next = append(next, arr...)
			} else {
				next = append(next, child)
			}
		}
		nodes = next
		if len(nodes) == 0 {
			break
		}
	}
	// A final fan-out: a path may land on an array value.
	var leaves []interface{}
	for _, node := range nodes {
		if arr, isArray := node.([]interface{}); isArray {
			leaves = append(leaves, arr...)
		} else {
			leaves = append(leaves, node)
		}
	}
	return leaves
}

// convert produces the typed values a document node yields for a parameter
// type. One node may yield several values (a CodeableConcept with multiple
// codings yields one token per coding).
func convert(t ParamType, node interface{}) ([]Value, error) {
	switch t {
	case TypeToken:
		tokens := tokensFrom(node)
		values := make([]Value, 0, len(tokens))
		for _, tok := range tokens {
			values = append(values, TokenValue(tok))
		}
		return values, nil
	case TypeString:
		strs := stringsFrom(node)
		values := make([]Value, 0, len(strs))
		for _, s := range strs {
			values = append(values, StringValue(s))
		}
		return values, nil
	case TypeReference:
		target, ok := reference.TargetFromField(node)
		if !ok {
			return nil, nil
		}
		return []Value{ReferenceValue(RefTarget{Type: target.Type, ID: target.ID})}, nil
	case TypeDate:
		ts, ok, err := dateFrom(node)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []Value{DateValue(ts)}, nil
	case TypeQuantity:
		q, ok, err := quantityFrom(node)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []Value{QuantityValue(q)}, nil
	case TypeNumber:
		n, ok, err := numberFrom(node)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []Value{NumberValue(n)}, nil
	case TypeURI:
		if s, ok := node.(string); ok && s != "" {
			return []Value{URIValue(s)}, nil
		}
		return nil, nil
	case TypeComposite:
		return nil, fmt.Errorf("composite type has no direct value conversion")
	default:
		return nil, fmt.Errorf("unhandled parameter type %s", t)
	}
}

// tokensFrom extracts coded values from the shapes token parameters take:
// bare codes, Coding, CodeableConcept, Identifier, and booleans.
func tokensFrom(node interface{}) []Token {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []Token{{Code: v}}
	case bool:
		return []Token{{Code: strconv.FormatBool(v)}}
	case float64:
		return []Token{{Code: strconv.FormatFloat(v, 'f', -1, 64)}}
	case map[string]interface{}:
		// CodeableConcept: one token per coding.
		if codings, ok := v["coding"].([]interface{}); ok {
			var tokens []Token
			for _, c := range codings {
				coding, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				code, _ := coding["code"].(string)
				system, _ := coding["system"].(string)
				if code != "" {
					tokens = append(tokens, Token{System: system, Code: code})
				}
			}
			return tokens
		}
		// Coding.
		if code, ok := v["code"].(string); ok && code != "" {
			system, _ := v["system"].(string)
			return []Token{{System: system, Code: code}}
		}
		// Identifier.
		if value, ok := v["value"].(string); ok && value != "" {
			system, _ := v["system"].(string)
			return []Token{{System: system, Code: value}}
		}
		return nil
	default:
		return nil
	}
}

// stringsFrom extracts string values; complex nodes contribute their string
// leaves in key order.
func stringsFrom(node interface{}) []string {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, stringsFrom(v[k])...)
		}
		return out
	case []interface{}:
		var out []string
		for _, item := range v {
			out = append(out, stringsFrom(item)...)
		}
		return out
	default:
		return nil
	}
}

func dateFrom(node interface{}) (time.Time, bool, error) {
	switch v := node.(type) {
	case string:
		ts, err := ParseFlexTime(v)
		if err != nil {
			return time.Time{}, false, err
		}
		return ts, true, nil
	case map[string]interface{}:
		// Period: index on the start, falling back to the end.
		if start, ok := v["start"].(string); ok && start != "" {
			ts, err := ParseFlexTime(start)
			return ts, err == nil, err
		}
		if end, ok := v["end"].(string); ok && end != "" {
			ts, err := ParseFlexTime(end)
			return ts, err == nil, err
		}
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, nil
	}
}

func quantityFrom(node interface{}) (Quantity, bool, error) {
	m, ok := node.(map[string]interface{})
	if !ok {
		// A bare number is accepted as a unitless quantity.
		if n, isNum := node.(float64); isNum {
			return Quantity{Value: n}, true, nil
		}
		return Quantity{}, false, nil
	}
	raw, present := m["value"]
	if !present {
		return Quantity{}, false, nil
	}
	n, ok, err := numberFrom(raw)
	if err != nil || !ok {
		return Quantity{}, false, err
	}
	q := Quantity{Value: n}
	if code, _ := m["code"].(string); code != "" {
		q.Unit = code
	} else if unit, _ := m["unit"].(string); unit != "" {
		q.Unit = unit
	}
	q.System, _ = m["system"].(string)
	return q, true, nil
}

func numberFrom(node interface{}) (float64, bool, error) {
	switch v := node.(type) {
	case float64:
		return v, true, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse number %q: %w", v, err)
		}
		return n, true, nil
	default:
		return 0, false, nil
	}
}

// ParseFlexTime parses the date precisions documents use, from bare years to
// full RFC 3339 timestamps.
func ParseFlexTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
