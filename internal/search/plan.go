package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clinrec/clinrec/internal/reference"
	"github.com/clinrec/clinrec/internal/resource"
	"github.com/clinrec/clinrec/internal/searchparam"
)

// Plan is a compiled search: one paged query and one count query over the
// same predicate set. The page query selects one row past the limit so the
// engine can tell whether a next page exists.
type Plan struct {
	PageSQL   string
	PageArgs  []interface{}
	CountSQL  string
	CountArgs []interface{}
	// Limit is the requested page size; PageSQL selects Limit+1 rows.
	Limit int
}

// BuildPlan compiles a parsed query into SQL over the resource, search_param
// and resource_ref tables. cursor, when non-nil, adds the keyset predicate
// for the next page.
func BuildPlan(q Query, cursor *Cursor) (Plan, error) {
	if cursor != nil && cursor.Sort != q.Sort.cursorKey() {
		return Plan{}, resource.Validationf("cursor was issued for a different sort order")
	}

	b := &builder{}
	where := []string{
		fmt.Sprintf("r.resource_type = %s", b.add(q.ResourceType)),
		"r.is_current",
		"NOT r.deleted",
	}

	for _, cond := range q.Conditions {
		clause, err := b.condExists("r.resource_type", "r.fhir_id", cond)
		if err != nil {
			return Plan{}, err
		}
		where = append(where, clause)
	}
	for _, chain := range q.Chains {
		clause, err := b.chainExists(chain)
		if err != nil {
			return Plan{}, err
		}
		where = append(where, clause)
	}
	for _, has := range q.Has {
		clause, err := b.hasExists(has)
		if err != nil {
			return Plan{}, err
		}
		where = append(where, clause)
	}

	countSQL := "SELECT COUNT(*) FROM resource r WHERE " + strings.Join(where, " AND ")
	countArgs := append([]interface{}(nil), b.args...)

	if cursor != nil {
		where = append(where, b.cursorClause(q.Sort, cursor))
	}

	pageSQL := fmt.Sprintf(
		"SELECT r.fhir_id, r.version_id, r.content, r.last_updated FROM resource r WHERE %s ORDER BY %s LIMIT %s",
		strings.Join(where, " AND "),
		orderBy(q.Sort),
		b.add(q.Count+1),
	)

	return Plan{
		PageSQL:   pageSQL,
		PageArgs:  b.args,
		CountSQL:  countSQL,
		CountArgs: countArgs,
		Limit:     q.Count,
	}, nil
}

func orderBy(s Sort) string {
	dir := "ASC"
	if s.Descending {
		dir = "DESC"
	}
	switch s.Key {
	case SortID:
		return fmt.Sprintf("r.fhir_id %s", dir)
	default:
		return fmt.Sprintf("r.last_updated %s, r.fhir_id %s", dir, dir)
	}
}

// builder accumulates positional arguments while clauses are assembled.
// Aliases get a running suffix so nested subqueries never collide.
type builder struct {
	args  []interface{}
	alias int
}

// add appends an argument and returns its placeholder.
func (b *builder) add(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) nextAlias(prefix string) string {
	b.alias++
	return fmt.Sprintf("%s%d", prefix, b.alias)
}

func (b *builder) cursorClause(s Sort, c *Cursor) string {
	op := ">"
	if s.Descending {
		op = "<"
	}
	if s.Key == SortID {
		return fmt.Sprintf("r.fhir_id %s %s", op, b.add(c.ID))
	}
	return fmt.Sprintf("(r.last_updated, r.fhir_id) %s (%s, %s)", op, b.add(c.LastUpdated), b.add(c.ID))
}

// condExists builds the EXISTS predicate for one condition against the
// search_param rows of the resource identified by the ownerType/ownerID SQL
// expressions. Used both for the searched resource itself ("r.resource_type",
// "r.fhir_id") and for chain targets ("rr.target_type", "rr.target_id").
func (b *builder) condExists(ownerType, ownerID string, cond Condition) (string, error) {
	if cond.Rule.Type == searchparam.TypeComposite {
		return b.compositeExists(ownerType, ownerID, cond)
	}

	sp := b.nextAlias("sp")
	var alternatives []string
	for _, cv := range cond.Values {
		clause, err := b.valueClause(sp, cond.Rule, cond.Modifier, cv)
		if err != nil {
			return "", err
		}
		alternatives = append(alternatives, clause)
	}

	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_param %[1]s WHERE %[1]s.resource_type = %[2]s AND %[1]s.resource_id = %[3]s AND %[1]s.resource_version = 'current' AND %[1]s.param_name = %[4]s AND (%[5]s))",
		sp, ownerType, ownerID, b.add(cond.Rule.Name), strings.Join(alternatives, " OR "),
	), nil
}

// compositeExists requires every component to match within one occurrence
// key, joining the component rows on it. Each OR alternative of the composite
// value gets its own EXISTS, since component correlation cannot be expressed
// as a disjunction inside one.
func (b *builder) compositeExists(ownerType, ownerID string, cond Condition) (string, error) {
	var alternatives []string
	for _, cv := range cond.Values {
		parts := strings.Split(cv.Raw, "$")
		if len(parts) != len(cond.Rule.Components) {
			return "", resource.Validationf(
				"composite parameter %q wants %d component values separated by $, got %d",
				cond.Rule.Name, len(cond.Rule.Components), len(parts))
		}

		aliases := make([]string, len(parts))
		for i := range parts {
			aliases[i] = b.nextAlias("c")
		}

		root := aliases[0]
		var joins, predicates []string
		for i, comp := range cond.Rule.Components {
			alias := aliases[i]
			if i > 0 {
				joins = append(joins, fmt.Sprintf(
					" JOIN search_param %[1]s ON %[1]s.resource_type = %[2]s.resource_type AND %[1]s.resource_id = %[2]s.resource_id AND %[1]s.occurrence_key = %[2]s.occurrence_key",
					alias, root))
			}

			cv := CondValue{Prefix: PrefixEq, Raw: parts[i]}
			if hasPrefixSupport(comp.Type) {
				cv.Prefix, cv.Raw = splitPrefix(parts[i])
			}
			componentRule := searchparam.Rule{Name: cond.Rule.ComponentParamName(comp.Name), Type: comp.Type}
			clause, err := b.valueClause(alias, componentRule, ModNone, cv)
			if err != nil {
				return "", err
			}
			predicates = append(predicates,
				fmt.Sprintf("%[1]s.resource_version = 'current' AND %[1]s.param_name = %[2]s AND %[3]s",
					alias, b.add(componentRule.Name), clause))
		}

		alternatives = append(alternatives, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM search_param %[1]s%[2]s WHERE %[1]s.resource_type = %[3]s AND %[1]s.resource_id = %[4]s AND %[5]s)",
			root, strings.Join(joins, ""), ownerType, ownerID, strings.Join(predicates, " AND "),
		))
	}

	if len(alternatives) == 1 {
		return alternatives[0], nil
	}
	return "(" + strings.Join(alternatives, " OR ") + ")", nil
}

// chainExists joins through the reference index into the target resource's
// own search parameter rows.
func (b *builder) chainExists(chain ChainCondition) (string, error) {
	rr := b.nextAlias("rr")
	inner, err := b.condExists(rr+".target_type", rr+".target_id", chain.Cond)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM resource_ref %[1]s WHERE %[1]s.source_type = r.resource_type AND %[1]s.source_id = r.fhir_id AND %[1]s.field_path = ANY(%[2]s) AND %[1]s.target_type = %[3]s AND %[4]s)",
		rr, b.add(chain.RefRule.Paths), b.add(chain.TargetType), inner,
	), nil
}

// hasExists traverses the reference index in reverse: match resources that a
// SourceType resource points at through the named reference parameter, where
// that source satisfies the predicate. Only live sources have search
// parameter rows, so tombstoned sources never match.
func (b *builder) hasExists(has HasCondition) (string, error) {
	rr := b.nextAlias("rr")
	inner, err := b.condExists(rr+".source_type", rr+".source_id", has.Cond)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM resource_ref %[1]s WHERE %[1]s.target_type = r.resource_type AND %[1]s.target_id = r.fhir_id AND %[1]s.source_type = %[2]s AND %[1]s.field_path = ANY(%[3]s) AND %[4]s)",
		rr, b.add(has.SourceType), b.add(has.RefRule.Paths), inner,
	), nil
}

// valueClause builds the typed comparison for one OR alternative against the
// dedicated value columns of the given search_param alias. The switch over
// the parameter type is exhaustive; every type reads only its own columns.
func (b *builder) valueClause(alias string, rule searchparam.Rule, mod Modifier, cv CondValue) (string, error) {
	switch rule.Type {
	case searchparam.TypeToken:
		return b.tokenClause(alias, cv.Raw), nil
	case searchparam.TypeString:
		return b.stringClause(alias, mod, cv.Raw), nil
	case searchparam.TypeReference:
		return b.referenceClause(alias, rule.Name, cv.Raw)
	case searchparam.TypeDate:
		ts, err := searchparam.ParseFlexTime(cv.Raw)
		if err != nil {
			return "", resource.Validationf("invalid date value %q for parameter %q", cv.Raw, rule.Name)
		}
		return fmt.Sprintf("%s.value_date %s %s", alias, cv.Prefix.Operator(), b.add(ts)), nil
	case searchparam.TypeNumber:
		n, err := parseFloat(cv.Raw)
		if err != nil {
			return "", resource.Validationf("invalid number value %q for parameter %q", cv.Raw, rule.Name)
		}
		return fmt.Sprintf("%s.value_number %s %s", alias, cv.Prefix.Operator(), b.add(n)), nil
	case searchparam.TypeQuantity:
		return b.quantityClause(alias, rule.Name, cv)
	case searchparam.TypeURI:
		return fmt.Sprintf("%s.value_uri = %s", alias, b.add(cv.Raw)), nil
	case searchparam.TypeComposite:
		return "", resource.Validationf("composite parameter %q cannot be matched as a plain value", rule.Name)
	default:
		return "", resource.Validationf("unsupported parameter type %s", rule.Type)
	}
}

// tokenClause matches "system|code", "|code" (explicitly no system), "system|"
// (any code in system) and bare "code" (any system) forms.
func (b *builder) tokenClause(alias, raw string) string {
	system, code, qualified := strings.Cut(raw, "|")
	switch {
	case !qualified:
		return fmt.Sprintf("%s.value_token_code = %s", alias, b.add(raw))
	case system == "":
		return fmt.Sprintf("(%s.value_token_system IS NULL AND %s.value_token_code = %s)", alias, alias, b.add(code))
	case code == "":
		return fmt.Sprintf("%s.value_token_system = %s", alias, b.add(system))
	default:
		return fmt.Sprintf("(%s.value_token_system = %s AND %s.value_token_code = %s)",
			alias, b.add(system), alias, b.add(code))
	}
}

func (b *builder) stringClause(alias string, mod Modifier, raw string) string {
	switch mod {
	case ModExact:
		return fmt.Sprintf("%s.value_string = %s", alias, b.add(raw))
	case ModContains:
		return fmt.Sprintf("%s.value_string ILIKE '%%' || %s || '%%'", alias, b.add(likeEscape(raw)))
	default:
		// Default string matching is case-insensitive prefix.
		return fmt.Sprintf("%s.value_string ILIKE %s || '%%'", alias, b.add(likeEscape(raw)))
	}
}

func (b *builder) referenceClause(alias, paramName, raw string) (string, error) {
	target, ok := reference.ParseTarget(raw)
	if !ok {
		return "", resource.Validationf("invalid reference value %q for parameter %q", raw, paramName)
	}
	if target.Type == "" {
		return fmt.Sprintf("%s.value_ref_id = %s", alias, b.add(target.ID)), nil
	}
	return fmt.Sprintf("(%s.value_ref_type = %s AND %s.value_ref_id = %s)",
		alias, b.add(target.Type), alias, b.add(target.ID)), nil
}

// quantityClause matches "number[|system[|unit]]" values.
func (b *builder) quantityClause(alias, paramName string, cv CondValue) (string, error) {
	parts := strings.Split(cv.Raw, "|")
	n, err := parseFloat(parts[0])
	if err != nil {
		return "", resource.Validationf("invalid quantity value %q for parameter %q", cv.Raw, paramName)
	}

	clause := fmt.Sprintf("%s.value_quantity %s %s", alias, cv.Prefix.Operator(), b.add(n))
	if len(parts) > 1 && parts[1] != "" {
		clause += fmt.Sprintf(" AND %s.value_quantity_system = %s", alias, b.add(parts[1]))
	}
	if len(parts) > 2 && parts[2] != "" {
		clause += fmt.Sprintf(" AND %s.value_quantity_unit = %s", alias, b.add(parts[2]))
	}
	if len(parts) > 1 {
		clause = "(" + clause + ")"
	}
	return clause, nil
}

func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
