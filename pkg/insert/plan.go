package insert

import (
	"fmt"

	"github.com/ajitpratap0/rowpipe/pkg/codec"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
)

// Plan is the per-table description of how rows are resolved and
// transformed before they are sent.
type Plan struct {
	columns []*PreparedColumn
	byKey   map[string]int
	byName  map[string]int

	canUseBinary          bool
	canUseCompactOrBinary bool

	rowCodec *codec.RowCodec
}

// Build prepares a plan. It parses every type descriptor, so malformed
// types and invalid defaults are reported here as config errors rather than
// while rows are processed.
func Build(columns []ColumnDef) (*Plan, error) {
	if len(columns) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "insert plan needs at least one column")
	}

	p := &Plan{
		columns:               make([]*PreparedColumn, 0, len(columns)),
		byKey:                 make(map[string]int, len(columns)),
		byName:                make(map[string]int, len(columns)),
		canUseBinary:          true,
		canUseCompactOrBinary: true,
	}
	wire := make([]codec.Column, 0, len(columns))

	for i, def := range columns {
		col, err := prepare(def)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("column %d (%q)", i, def.Name)).
				WithDetail("column", def.Name)
		}
		if _, dup := p.byName[col.Column.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate column name %q", col.Column.Name)
		}
		if _, dup := p.byKey[col.Key]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate column key %q", col.Key)
		}
		p.byKey[col.Key] = i
		p.byName[col.Column.Name] = i
		p.columns = append(p.columns, col)
		wire = append(wire, col.Column)

		p.canUseBinary = p.canUseBinary && col.canBinary
		p.canUseCompactOrBinary = p.canUseCompactOrBinary && col.canCompact
	}

	rc, err := codec.NewRowCodec(wire)
	if err != nil {
		return nil, err
	}
	p.rowCodec = rc
	return p, nil
}

func prepare(def ColumnDef) (*PreparedColumn, error) {
	if def.Name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "column name is required")
	}
	typ, err := codec.Parse(def.Type)
	if err != nil {
		return nil, err
	}

	col := &PreparedColumn{
		Key:             def.Key,
		Column:          codec.Column{Name: def.Name, Type: def.Type, Nullable: def.Nullable || typ.IsNullable()},
		Type:            typ,
		Static:          def.Default,
		Compute:         def.Compute,
		IDVersion:       def.GenerateID,
		ServerGenerated: def.ServerGenerated || def.DefaultExpr != "",
		DefaultExpr:     def.DefaultExpr,
	}
	if col.Key == "" {
		col.Key = def.Name
	}
	if def.Nullable && !typ.IsNullable() {
		col.Type = &codec.Type{Kind: codec.KindNullable, Raw: "Nullable(" + typ.Raw + ")", Elem: typ}
	}

	switch def.GenerateID {
	case IDNone, IDv4, IDv7:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown UUID version %q", def.GenerateID)
	}
	if def.GenerateID != IDNone {
		if k := typ.Base().Kind; k != codec.KindUUID && k != codec.KindString && k != codec.KindFixedString {
			return nil, errors.Newf(errors.ErrorTypeConfig, "generated IDs need a UUID or String column, not %s", typ)
		}
	}

	switch {
	case col.Compute != nil:
		col.DefaultKind = DefaultComputed
	case col.IDVersion != IDNone && !col.ServerGenerated:
		col.DefaultKind = DefaultGeneratedID
	case col.Static != nil:
		col.DefaultKind = DefaultStatic
	default:
		col.DefaultKind = DefaultNone
	}

	col.Enum = def.Enum
	if base := typ.Base(); len(col.Enum) == 0 && (base.Kind == codec.KindEnum8 || base.Kind == codec.KindEnum16) {
		col.Enum = base.EnumLabels()
	}
	if len(col.Enum) > 0 {
		col.enumSet = make(map[string]struct{}, len(col.Enum))
		for _, label := range col.Enum {
			col.enumSet[label] = struct{}{}
		}
	}

	switch {
	case col.ServerGenerated, typ.IsComplex():
		col.canBinary, col.canCompact = false, false
	case typ.Contains(codec.KindJSON):
		col.canBinary, col.canCompact = false, true
	default:
		col.canBinary, col.canCompact = true, true
	}

	if col.Static != nil {
		if !col.inEnum(col.Static) {
			return nil, col.enumError(col.Static)
		}
		scratch := rowbinary.NewWriter(64)
		if err := codec.CompileType(col.Type).Encode(scratch, col.Static); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "static default does not fit the column type")
		}
	}
	return col, nil
}

// Columns returns the prepared columns in declared order.
func (p *Plan) Columns() []*PreparedColumn {
	return append([]*PreparedColumn(nil), p.columns...)
}

// Len returns the number of columns.
func (p *Plan) Len() int { return len(p.columns) }

// Lookup finds a column by application key, then by wire name.
func (p *Plan) Lookup(keyOrName string) (*PreparedColumn, bool) {
	if i, ok := p.byKey[keyOrName]; ok {
		return p.columns[i], true
	}
	if i, ok := p.byName[keyOrName]; ok {
		return p.columns[i], true
	}
	return nil, false
}

// WireColumns returns the wire layout in declared order.
func (p *Plan) WireColumns() []codec.Column {
	return p.rowCodec.Columns()
}

// ColumnNames returns the wire column names in declared order.
func (p *Plan) ColumnNames() []string {
	names := make([]string, len(p.columns))
	for i, c := range p.columns {
		names[i] = c.Column.Name
	}
	return names
}

// CanUseBinary reports whether every column can travel as RowBinary.
func (p *Plan) CanUseBinary() bool { return p.canUseBinary }

// CanUseCompactOrBinary reports whether every column can travel
// positionally, as RowBinary or JSONCompactEachRow.
func (p *Plan) CanUseCompactOrBinary() bool { return p.canUseCompactOrBinary }

// RowCodec returns the compiled codec for the plan's wire layout.
func (p *Plan) RowCodec() *codec.RowCodec { return p.rowCodec }
