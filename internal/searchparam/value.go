package searchparam

import (
	"fmt"
	"time"
)

// ParamType identifies the search parameter type. Every extracted value is
// tagged with its ParamType at construction time; storage routing and query
// planning switch on the tag and never infer the type from the runtime shape
// of the value.
type ParamType int

const (
	TypeToken ParamType = iota
	TypeString
	TypeReference
	TypeDate
	TypeQuantity
	TypeNumber
	TypeURI
	TypeComposite
)

// String returns the wire name of the parameter type.
func (t ParamType) String() string {
	switch t {
	case TypeToken:
		return "token"
	case TypeString:
		return "string"
	case TypeReference:
		return "reference"
	case TypeDate:
		return "date"
	case TypeQuantity:
		return "quantity"
	case TypeNumber:
		return "number"
	case TypeURI:
		return "uri"
	case TypeComposite:
		return "composite"
	default:
		return fmt.Sprintf("ParamType(%d)", int(t))
	}
}

// ParseParamType parses a wire name into a ParamType.
func ParseParamType(s string) (ParamType, error) {
	switch s {
	case "token":
		return TypeToken, nil
	case "string":
		return TypeString, nil
	case "reference":
		return TypeReference, nil
	case "date":
		return TypeDate, nil
	case "quantity":
		return TypeQuantity, nil
	case "number":
		return TypeNumber, nil
	case "uri":
		return TypeURI, nil
	case "composite":
		return TypeComposite, nil
	default:
		return 0, fmt.Errorf("unknown search parameter type %q", s)
	}
}

// Token is a coded value: a code optionally qualified by the system it is
// drawn from.
type Token struct {
	System string
	Code   string
}

// Quantity is a numeric value with an optional unit and unit system.
type Quantity struct {
	Value  float64
	Unit   string
	System string
}

// RefTarget is a normalized reference target.
type RefTarget struct {
	Type string
	ID   string
}

// Value is a tagged union of the typed representations a search parameter can
// take. The zero Value is invalid. Values are constructed only through the
// typed constructors below; accessors report whether the value actually holds
// the requested representation, so a token can never be read back as a string.
type Value struct {
	typ   ParamType
	token Token
	str   string
	ref   RefTarget
	date  time.Time
	qty   Quantity
	num   float64
	uri   string
}

func TokenValue(t Token) Value         { return Value{typ: TypeToken, token: t} }
func StringValue(s string) Value       { return Value{typ: TypeString, str: s} }
func ReferenceValue(r RefTarget) Value { return Value{typ: TypeReference, ref: r} }
func DateValue(t time.Time) Value      { return Value{typ: TypeDate, date: t} }
func QuantityValue(q Quantity) Value   { return Value{typ: TypeQuantity, qty: q} }
func NumberValue(n float64) Value      { return Value{typ: TypeNumber, num: n} }
func URIValue(u string) Value          { return Value{typ: TypeURI, uri: u} }

// Type returns the tag of the value.
func (v Value) Type() ParamType { return v.typ }

func (v Value) Token() (Token, bool) {
	return v.token, v.typ == TypeToken
}

func (v Value) Str() (string, bool) {
	return v.str, v.typ == TypeString
}

func (v Value) Reference() (RefTarget, bool) {
	return v.ref, v.typ == TypeReference
}

func (v Value) Date() (time.Time, bool) {
	return v.date, v.typ == TypeDate
}

func (v Value) Quantity() (Quantity, bool) {
	return v.qty, v.typ == TypeQuantity
}

func (v Value) Number() (float64, bool) {
	return v.num, v.typ == TypeNumber
}

func (v Value) URI() (string, bool) {
	return v.uri, v.typ == TypeURI
}

// Row is one indexed fact derived from a resource. A resource write fully
// replaces its rows; repeating source elements yield one Row per occurrence.
type Row struct {
	ResourceType string
	ResourceID   string
	// ResourceVersion is the version the row describes. Rows always describe
	// the current version; historical versions are not indexed.
	ResourceVersion string
	ParamName       string
	Value           Value
	// OccurrenceKey ties composite component rows drawn from the same
	// repeating group together. Empty for non-composite rows.
	OccurrenceKey string
}

// CurrentVersion is the ResourceVersion marker for rows describing the
// current version of a resource.
const CurrentVersion = "current"
