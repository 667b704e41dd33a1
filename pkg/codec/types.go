// Package codec compiles ClickHouse column type descriptors into RowBinary
// encoders and decoders.
//
// A descriptor such as "Map(String, Array(Nullable(Int32)))" is parsed once
// into a Type tree. CompileType then walks the tree and composes one encode
// closure and one decode closure per node, so per-row work never touches the
// descriptor string again.
//
// Encoders are permissive about their Go input (numbers may arrive as
// strings, dates as numbers, arrays as any slice); decoders always produce
// the same canonical shapes:
//
//	Int8..Int64, UInt8..UInt64   int8..int64, uint8..uint64
//	Int128..UInt256              *big.Int
//	Float32, Float64             float32, float64
//	Decimal                      float64
//	String, FixedString, JSON    string
//	Enum8, Enum16                string label
//	UUID, IPv4, IPv6             canonical string
//	Date, Date32, DateTime(64)   time.Time in UTC
//	Bool                         bool
//	Nullable(T)                  nil or T
//	Array(T)                     []any
//	Map(K, V)                    MapEntries
//	Tuple(...)                   []any
//	Nested(...)                  []map[string]any
package codec

import (
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// Kind identifies a node of a parsed type tree.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindInt128
	KindInt256
	KindUInt8
	KindUInt16
	KindUInt32
	KindUInt64
	KindUInt128
	KindUInt256
	KindFloat32
	KindFloat64
	KindBool
	KindString
	KindFixedString
	KindUUID
	KindDate
	KindDate32
	KindDateTime
	KindDateTime64
	KindDecimal
	KindEnum8
	KindEnum16
	KindIPv4
	KindIPv6
	KindJSON
	KindNullable
	KindArray
	KindMap
	KindTuple
	KindNested
	KindLowCardinality
)

var kindNames = map[Kind]string{
	KindUnknown:        "Unknown",
	KindInt8:           "Int8",
	KindInt16:          "Int16",
	KindInt32:          "Int32",
	KindInt64:          "Int64",
	KindInt128:         "Int128",
	KindInt256:         "Int256",
	KindUInt8:          "UInt8",
	KindUInt16:         "UInt16",
	KindUInt32:         "UInt32",
	KindUInt64:         "UInt64",
	KindUInt128:        "UInt128",
	KindUInt256:        "UInt256",
	KindFloat32:        "Float32",
	KindFloat64:        "Float64",
	KindBool:           "Bool",
	KindString:         "String",
	KindFixedString:    "FixedString",
	KindUUID:           "UUID",
	KindDate:           "Date",
	KindDate32:         "Date32",
	KindDateTime:       "DateTime",
	KindDateTime64:     "DateTime64",
	KindDecimal:        "Decimal",
	KindEnum8:          "Enum8",
	KindEnum16:         "Enum16",
	KindIPv4:           "IPv4",
	KindIPv6:           "IPv6",
	KindJSON:           "JSON",
	KindNullable:       "Nullable",
	KindArray:          "Array",
	KindMap:            "Map",
	KindTuple:          "Tuple",
	KindNested:         "Nested",
	KindLowCardinality: "LowCardinality",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// scalarKinds maps lowercase descriptor names without arguments.
var scalarKinds = map[string]Kind{
	"int8":     KindInt8,
	"tinyint":  KindInt8,
	"int16":    KindInt16,
	"smallint": KindInt16,
	"int32":    KindInt32,
	"int":      KindInt32,
	"int64":    KindInt64,
	"bigint":   KindInt64,
	"int128":   KindInt128,
	"int256":   KindInt256,
	"uint8":    KindUInt8,
	"uint16":   KindUInt16,
	"uint32":   KindUInt32,
	"uint64":   KindUInt64,
	"uint128":  KindUInt128,
	"uint256":  KindUInt256,
	"float32":  KindFloat32,
	"float64":  KindFloat64,
	"double":   KindFloat64,
	"bool":     KindBool,
	"boolean":  KindBool,
	"string":   KindString,
	"uuid":     KindUUID,
	"date":     KindDate,
	"date32":   KindDate32,
	"datetime": KindDateTime,
	"ipv4":     KindIPv4,
	"ipv6":     KindIPv6,
	"json":     KindJSON,
}

// Field is a tuple element or nested column. Name is empty for positional
// tuple elements.
type Field struct {
	Name string
	Type *Type
}

// EnumValue is one label of an Enum8/Enum16 domain.
type EnumValue struct {
	Label string
	Value int16
}

// Type is a parsed column type. Which fields are meaningful depends on Kind.
type Type struct {
	Kind Kind
	// Raw is the descriptor as given, trimmed.
	Raw string

	Elem   *Type   // Nullable, Array, LowCardinality
	Key    *Type   // Map
	Value  *Type   // Map
	Fields []Field // Tuple, Nested

	Length    int    // FixedString
	Precision int    // Decimal, DateTime64
	Scale     int    // Decimal
	Timezone  string // DateTime, DateTime64
	Enum      []EnumValue
}

// Parse parses a type descriptor. Kind names are matched case-insensitively;
// enum labels, field names and time zones keep their case.
//
// Descriptors that are syntactically fine but name an unmodelled type parse
// to KindUnknown and later encode as strings. A malformed argument of a known
// type (a non-numeric FixedString length, say) is a config error.
func Parse(descriptor string) (*Type, error) {
	s := strings.TrimSpace(descriptor)
	if s == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "empty type descriptor")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if kind, ok := scalarKinds[strings.ToLower(s)]; ok {
			return &Type{Kind: kind, Raw: s}, nil
		}
		return &Type{Kind: KindUnknown, Raw: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: missing closing parenthesis", s)
	}

	name := strings.ToLower(strings.TrimSpace(s[:open]))
	inner := s[open+1 : len(s)-1]
	args, err := splitArgs(inner)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "type "+strconv.Quote(s))
	}

	t := &Type{Raw: s}
	switch name {
	case "nullable", "lowcardinality", "array":
		if len(args) != 1 {
			return nil, argCountError(s, 1, len(args))
		}
		elem, err := Parse(args[0])
		if err != nil {
			return nil, err
		}
		t.Elem = elem
		t.Kind = map[string]Kind{"nullable": KindNullable, "lowcardinality": KindLowCardinality, "array": KindArray}[name]

	case "map":
		if len(args) != 2 {
			return nil, argCountError(s, 2, len(args))
		}
		if t.Key, err = Parse(args[0]); err != nil {
			return nil, err
		}
		if t.Value, err = Parse(args[1]); err != nil {
			return nil, err
		}
		t.Kind = KindMap

	case "tuple", "nested":
		if len(args) == 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: no elements", s)
		}
		t.Kind = KindTuple
		if name == "nested" {
			t.Kind = KindNested
		}
		for _, arg := range args {
			field, err := parseField(arg)
			if err != nil {
				return nil, err
			}
			if t.Kind == KindNested && field.Name == "" {
				return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: nested element %q has no name", s, arg)
			}
			t.Fields = append(t.Fields, field)
		}

	case "fixedstring":
		if len(args) != 1 {
			return nil, argCountError(s, 1, len(args))
		}
		n, err := parseIntArg(s, args[0])
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: length must be positive", s)
		}
		t.Kind, t.Length = KindFixedString, n

	case "decimal", "numeric":
		if len(args) < 1 || len(args) > 2 {
			return nil, argCountError(s, 2, len(args))
		}
		if t.Precision, err = parseIntArg(s, args[0]); err != nil {
			return nil, err
		}
		if len(args) == 2 {
			if t.Scale, err = parseIntArg(s, args[1]); err != nil {
				return nil, err
			}
		}
		t.Kind = KindDecimal

	case "decimal32", "decimal64", "decimal128", "decimal256":
		if len(args) != 1 {
			return nil, argCountError(s, 1, len(args))
		}
		if t.Scale, err = parseIntArg(s, args[0]); err != nil {
			return nil, err
		}
		t.Kind = KindDecimal
		t.Precision = map[string]int{"decimal32": 9, "decimal64": 18, "decimal128": 38, "decimal256": 76}[name]

	case "datetime":
		if len(args) > 1 {
			return nil, argCountError(s, 1, len(args))
		}
		t.Kind = KindDateTime
		if len(args) == 1 {
			if t.Timezone, err = parseTimezone(s, args[0]); err != nil {
				return nil, err
			}
		}

	case "datetime64":
		if len(args) < 1 || len(args) > 2 {
			return nil, argCountError(s, 2, len(args))
		}
		if t.Precision, err = parseIntArg(s, args[0]); err != nil {
			return nil, err
		}
		if t.Precision < 0 || t.Precision > 9 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: precision must be between 0 and 9", s)
		}
		t.Kind = KindDateTime64
		if len(args) == 2 {
			if t.Timezone, err = parseTimezone(s, args[1]); err != nil {
				return nil, err
			}
		}

	case "enum8", "enum16", "enum":
		if t.Enum, err = parseEnum(s, args); err != nil {
			return nil, err
		}
		t.Kind = KindEnum8
		if name == "enum16" || (name == "enum" && !fitsEnum8(t.Enum)) {
			t.Kind = KindEnum16
		}
		if t.Kind == KindEnum8 && !fitsEnum8(t.Enum) {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: value out of Enum8 range", s)
		}

	case "object":
		t.Kind = KindJSON

	default:
		t.Kind = KindUnknown
	}

	if t.Kind == KindDecimal {
		if t.Precision < 1 || t.Precision > 76 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: precision must be between 1 and 76", s)
		}
		if t.Scale < 0 || t.Scale > t.Precision {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: scale must be between 0 and precision", s)
		}
	}
	return t, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level tables.
func MustParse(descriptor string) *Type {
	t, err := Parse(descriptor)
	if err != nil {
		panic(err)
	}
	return t
}

func argCountError(s string, want, got int) error {
	return errors.Newf(errors.ErrorTypeConfig, "type %q: expected %d argument(s), got %d", s, want, got)
}

func parseIntArg(s, arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "type "+strconv.Quote(s)+": argument "+strconv.Quote(arg)+" is not a number")
	}
	return n, nil
}

func parseTimezone(s, arg string) (string, error) {
	tz, rest, err := unquote(arg)
	if err != nil || strings.TrimSpace(rest) != "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "type %q: time zone %s must be a quoted string", s, arg)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "type "+strconv.Quote(s)+": unknown time zone")
	}
	return tz, nil
}

// parseField parses a tuple or nested element, either "Type" or "name Type".
func parseField(arg string) (Field, error) {
	arg = strings.TrimSpace(arg)
	if sp := indexTopLevelSpace(arg); sp > 0 {
		name := strings.Trim(arg[:sp], "`\"")
		typ, err := Parse(arg[sp+1:])
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: typ}, nil
	}
	typ, err := Parse(arg)
	if err != nil {
		return Field{}, err
	}
	return Field{Type: typ}, nil
}

// indexTopLevelSpace returns the index of the first whitespace outside
// parentheses and quotes, or -1.
func indexTopLevelSpace(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && (c == ' ' || c == '\t' || c == '\n'):
			return i
		}
	}
	return -1
}

// splitArgs splits a comma-separated argument list at parenthesis depth 0,
// ignoring commas inside quoted strings. Arguments are trimmed.
func splitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var (
		args  []string
		depth int
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, errors.New(errors.ErrorTypeConfig, "unbalanced parentheses")
			}
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "unterminated quoted string")
	}
	if depth != 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "unbalanced parentheses")
	}
	return append(args, strings.TrimSpace(s[start:])), nil
}

// unquote reads a single-quoted string from the start of s and returns it
// with the remaining input. Backslash escapes and doubled quotes are
// understood.
func unquote(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s[0] != '\'' {
		return "", s, errors.New(errors.ErrorTypeConfig, "expected quoted string")
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == '\'' && i+1 < len(s) && s[i+1] == '\'':
			i++
			b.WriteByte('\'')
		case c == '\'':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", errors.New(errors.ErrorTypeConfig, "unterminated quoted string")
}

// parseEnum parses "'a' = 1, 'b' = 2". Values may be omitted, in which case
// labels are numbered from 1.
func parseEnum(s string, args []string) ([]EnumValue, error) {
	if len(args) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: empty enum", s)
	}
	values := make([]EnumValue, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	for i, arg := range args {
		label, rest, err := unquote(arg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "type "+strconv.Quote(s)+": bad enum label")
		}
		value := int64(i + 1)
		if rest = strings.TrimSpace(rest); rest != "" {
			if !strings.HasPrefix(rest, "=") {
				return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: expected '=' after enum label %q", s, label)
			}
			value, err = strconv.ParseInt(strings.TrimSpace(rest[1:]), 10, 16)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "type "+strconv.Quote(s)+": enum value for "+strconv.Quote(label)+" is not a 16-bit number")
			}
		}
		if _, dup := seen[label]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "type %q: duplicate enum label %q", s, label)
		}
		seen[label] = struct{}{}
		values = append(values, EnumValue{Label: label, Value: int16(value)})
	}
	return values, nil
}

func fitsEnum8(values []EnumValue) bool {
	for _, v := range values {
		if v.Value < -128 || v.Value > 127 {
			return false
		}
	}
	return true
}

// String renders the type in canonical form. Unknown types render as given.
func (t *Type) String() string {
	var b strings.Builder
	t.render(&b)
	return b.String()
}

func (t *Type) render(b *strings.Builder) {
	switch t.Kind {
	case KindUnknown:
		b.WriteString(t.Raw)
	case KindNullable, KindArray, KindLowCardinality:
		b.WriteString(t.Kind.String())
		b.WriteByte('(')
		t.Elem.render(b)
		b.WriteByte(')')
	case KindMap:
		b.WriteString("Map(")
		t.Key.render(b)
		b.WriteString(", ")
		t.Value.render(b)
		b.WriteByte(')')
	case KindTuple, KindNested:
		b.WriteString(t.Kind.String())
		b.WriteByte('(')
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			if f.Name != "" {
				b.WriteString(f.Name)
				b.WriteByte(' ')
			}
			f.Type.render(b)
		}
		b.WriteByte(')')
	case KindFixedString:
		b.WriteString("FixedString(" + strconv.Itoa(t.Length) + ")")
	case KindDecimal:
		b.WriteString("Decimal(" + strconv.Itoa(t.Precision) + ", " + strconv.Itoa(t.Scale) + ")")
	case KindDateTime:
		b.WriteString("DateTime")
		if t.Timezone != "" {
			b.WriteString("(" + quote(t.Timezone) + ")")
		}
	case KindDateTime64:
		b.WriteString("DateTime64(" + strconv.Itoa(t.Precision))
		if t.Timezone != "" {
			b.WriteString(", " + quote(t.Timezone))
		}
		b.WriteByte(')')
	case KindEnum8, KindEnum16:
		b.WriteString(t.Kind.String())
		b.WriteByte('(')
		for i, e := range t.Enum {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quote(e.Label) + " = " + strconv.Itoa(int(e.Value)))
		}
		b.WriteByte(')')
	default:
		b.WriteString(t.Kind.String())
	}
}

func quote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// IsComplex reports whether the type contains a Map, Tuple, Nested or
// LowCardinality node at any depth.
func (t *Type) IsComplex() bool {
	return t.Contains(KindMap, KindTuple, KindNested, KindLowCardinality)
}

// Contains reports whether any node of the tree has one of the given kinds.
func (t *Type) Contains(kinds ...Kind) bool {
	if t == nil {
		return false
	}
	for _, k := range kinds {
		if t.Kind == k {
			return true
		}
	}
	for _, f := range t.Fields {
		if f.Type.Contains(kinds...) {
			return true
		}
	}
	return t.Elem.Contains(kinds...) || t.Key.Contains(kinds...) || t.Value.Contains(kinds...)
}

// Base strips Nullable and LowCardinality wrappers.
func (t *Type) Base() *Type {
	for t.Kind == KindNullable || t.Kind == KindLowCardinality {
		t = t.Elem
	}
	return t
}

// IsNullable reports whether the outermost node, ignoring LowCardinality,
// is Nullable.
func (t *Type) IsNullable() bool {
	for t.Kind == KindLowCardinality {
		t = t.Elem
	}
	return t.Kind == KindNullable
}

// EnumLabels returns the labels of an enum type in declaration order.
func (t *Type) EnumLabels() []string {
	labels := make([]string, len(t.Enum))
	for i, e := range t.Enum {
		labels[i] = e.Label
	}
	return labels
}
