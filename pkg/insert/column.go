// Package insert turns application rows into the values a ClickHouse insert
// carries.
//
// A Plan is built once per table from its column definitions. It decides,
// per column, where a value comes from when the row does not carry one
// (computed function, generated UUID, static value or the server), which
// transport formats the table can use, and how each value is transformed for
// the chosen format. Plans are immutable and safe for concurrent use.
package insert

import (
	"github.com/ajitpratap0/rowpipe/pkg/codec"
)

// Row is an application row keyed by column key or wire name.
type Row map[string]any

// ComputeFunc derives a column value from the original input row. It never
// sees defaults applied to other columns.
type ComputeFunc func(row Row) (any, error)

// DefaultKind is how an absent value is filled in.
type DefaultKind int

const (
	// DefaultNone leaves the value absent.
	DefaultNone DefaultKind = iota
	// DefaultStatic uses a fixed value.
	DefaultStatic
	// DefaultComputed calls the column's ComputeFunc.
	DefaultComputed
	// DefaultGeneratedID generates a UUID client side.
	DefaultGeneratedID
)

func (k DefaultKind) String() string {
	switch k {
	case DefaultStatic:
		return "static"
	case DefaultComputed:
		return "computed"
	case DefaultGeneratedID:
		return "generated_id"
	default:
		return "none"
	}
}

// IDVersion selects the UUID version of a generated identifier.
type IDVersion string

const (
	IDNone IDVersion = ""
	IDv4   IDVersion = "v4"
	IDv7   IDVersion = "v7"
)

// ColumnDef describes one column as the schema knows it.
type ColumnDef struct {
	// Key is the application-side field name. Defaults to Name.
	Key string `yaml:"key,omitempty" json:"key,omitempty"`
	// Name is the ClickHouse column name.
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`

	// Default is a static default used when nothing else applies.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`
	// Compute derives a default from the input row.
	Compute ComputeFunc `yaml:"-" json:"-"`
	// GenerateID generates a UUID of this version for absent values.
	GenerateID IDVersion `yaml:"generate_id,omitempty" json:"generate_id,omitempty"`
	// ServerGenerated marks columns whose absent values the server fills in,
	// such as a generateUUIDv4() default. A local GenerateID is then skipped.
	ServerGenerated bool `yaml:"server_generated,omitempty" json:"server_generated,omitempty"`
	// DefaultExpr is the server-side DEFAULT expression, if any. Setting it
	// implies ServerGenerated.
	DefaultExpr string `yaml:"default_expr,omitempty" json:"default_expr,omitempty"`
	// Enum restricts the accepted values. Enum8/Enum16 types supply their
	// labels automatically.
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// PreparedColumn is a ColumnDef resolved against its parsed type.
type PreparedColumn struct {
	Key             string
	Column          codec.Column
	Type            *codec.Type
	DefaultKind     DefaultKind
	Static          any
	Compute         ComputeFunc
	IDVersion       IDVersion
	ServerGenerated bool
	DefaultExpr     string
	Enum            []string

	enumSet    map[string]struct{}
	canBinary  bool
	canCompact bool
}

// CanUseBinary reports whether this column can travel as RowBinary.
func (c *PreparedColumn) CanUseBinary() bool { return c.canBinary }

// CanUseCompact reports whether this column can travel positionally as
// JSONCompactEachRow.
func (c *PreparedColumn) CanUseCompact() bool { return c.canCompact }

func (c *PreparedColumn) inEnum(v any) bool {
	if c.enumSet == nil {
		return true
	}
	if s, ok := v.(string); ok {
		_, found := c.enumSet[s]
		return found
	}
	// Enum types also accept their declared numeric values.
	base := c.Type.Base()
	if base.Kind != codec.KindEnum8 && base.Kind != codec.KindEnum16 {
		return false
	}
	n, ok := asInt(v)
	if !ok {
		return false
	}
	for _, e := range base.Enum {
		if int64(e.Value) == n {
			return true
		}
	}
	return false
}
