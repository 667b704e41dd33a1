package insert

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/ajitpratap0/rowpipe/pkg/codec"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/json"
)

// Process resolves and transforms one row. For JSONEachRow the result is a
// map[string]any keyed by wire column name; for RowBinary and
// JSONCompactEachRow it is a []any in column order. FormatAuto is resolved
// against the plan first.
//
// Enum violations and unresolvable server-generated values in positional
// formats are data errors. Everything else is coerced on a best-effort
// basis.
func (p *Plan) Process(row Row, format Format) (any, error) {
	format = Resolve(p, format)

	var (
		obj map[string]any
		pos []any
	)
	if format.Positional() {
		pos = make([]any, len(p.columns))
	} else {
		obj = make(map[string]any, len(p.columns))
	}

	for i, col := range p.columns {
		v, ok, err := p.resolve(col, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			if col.ServerGenerated {
				if !format.Positional() {
					continue
				}
				return nil, errors.Newf(errors.ErrorTypeData,
					"column %q has no value and is generated by the server; %s cannot express that", col.Column.Name, format).
					WithDetail("column", col.Column.Name)
			}
			if !format.Positional() {
				continue
			}
		}
		v, err = col.transform(v, format)
		if err != nil {
			return nil, err
		}
		if format.Positional() {
			pos[i] = v
		} else {
			obj[col.Column.Name] = v
		}
	}

	if format.Positional() {
		return pos, nil
	}
	return obj, nil
}

// ProcessBatch processes rows with one resolved format. The error of the
// first failing row carries its index as the "row" detail.
func (p *Plan) ProcessBatch(rows []Row, format Format) ([]any, Format, error) {
	format = Resolve(p, format)
	out := make([]any, len(rows))
	for i, row := range rows {
		v, err := p.Process(row, format)
		if err != nil {
			typ := errors.ErrorTypeData
			var e *errors.Error
			if errors.As(err, &e) {
				typ = e.Type
			}
			return nil, format, errors.Wrap(err, typ, fmt.Sprintf("row %d", i)).WithDetail("row", i)
		}
		out[i] = v
	}
	return out, format, nil
}

// Returning infers the row as it will be stored: explicit values, then
// computed, generated and static defaults, keyed by application key. It
// fails before anything is sent when a column has no value and relies on a
// server-side expression, since the stored value cannot be known.
//
// Inserting the returned row stores exactly the returned values, including
// any generated IDs.
func (p *Plan) Returning(row Row) (Row, error) {
	out := make(Row, len(p.columns))
	for _, col := range p.columns {
		v, ok, err := p.resolve(col, row)
		if err != nil {
			return nil, err
		}
		if !ok && col.ServerGenerated {
			expr := col.DefaultExpr
			if expr == "" {
				expr = "a server-generated value"
			}
			return nil, errors.Newf(errors.ErrorTypeData,
				"cannot infer column %q: no value given and it relies on %s", col.Column.Name, expr).
				WithDetail("column", col.Column.Name)
		}
		if ok && col.enumSet != nil && !col.inEnum(v) {
			return nil, col.enumError(v)
		}
		out[col.Key] = v
	}
	return out, nil
}

// lookup finds the explicit value of col in row. A present nil counts only
// for nullable columns.
func (p *Plan) lookup(col *PreparedColumn, row Row) (any, bool) {
	v, ok := row[col.Key]
	if !ok && col.Key != col.Column.Name {
		v, ok = row[col.Column.Name]
	}
	if !ok {
		return nil, false
	}
	if codec.IsNull(v) && !col.Column.Nullable {
		return nil, false
	}
	return v, true
}

// resolve applies the default precedence: explicit value, computed default,
// generated ID, static default. ok is false when none applies.
func (p *Plan) resolve(col *PreparedColumn, row Row) (any, bool, error) {
	if v, ok := p.lookup(col, row); ok {
		return v, true, nil
	}
	switch col.DefaultKind {
	case DefaultComputed:
		v, err := col.Compute(row)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("computing default of column %q", col.Column.Name)).
				WithDetail("column", col.Column.Name)
		}
		return v, true, nil
	case DefaultGeneratedID:
		id, err := newID(col.IDVersion)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.ErrorTypeInternal, "generating UUID")
		}
		if col.Type.Base().Kind == codec.KindUUID {
			return id, true, nil
		}
		return id.String(), true, nil
	case DefaultStatic:
		return col.Static, true, nil
	}
	return nil, false, nil
}

func newID(v IDVersion) (uuid.UUID, error) {
	if v == IDv7 {
		return uuid.NewV7()
	}
	return uuid.NewRandom()
}

// transform applies the per-column value transforms for format.
func (c *PreparedColumn) transform(v any, format Format) (any, error) {
	if codec.IsNull(v) {
		return nil, nil
	}
	if c.enumSet != nil && !c.inEnum(v) {
		return nil, c.enumError(v)
	}

	base := c.Type.Base()
	switch base.Kind {
	case codec.KindArray:
		if !isList(v) {
			return []any{}, nil
		}
	case codec.KindJSON:
		switch v.(type) {
		case string, []byte:
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("column %q: cannot serialise JSON payload", c.Column.Name))
			}
			return string(b), nil
		}
	case codec.KindDate, codec.KindDate32, codec.KindDateTime, codec.KindDateTime64:
		if format == FormatRowBinary {
			return v, nil
		}
		if ts, ok := v.(time.Time); ok {
			return formatTime(base, ts), nil
		}
	}
	return v, nil
}

func (c *PreparedColumn) enumError(v any) error {
	return errors.Newf(errors.ErrorTypeData, "column %q: value %v is not one of [%s]",
		c.Column.Name, v, strings.Join(c.Enum, ", ")).
		WithDetail("column", c.Column.Name).
		WithDetail("value", v).
		WithDetail("allowed", c.Enum)
}

// formatTime renders ts the way ClickHouse parses date text.
func formatTime(t *codec.Type, ts time.Time) string {
	switch t.Kind {
	case codec.KindDate, codec.KindDate32:
		return ts.Format(time.DateOnly)
	}
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	ts = ts.In(loc)
	if t.Kind == codec.KindDateTime || t.Precision == 0 {
		return ts.Format(time.DateTime)
	}
	return ts.Format(time.DateTime + "." + strings.Repeat("0", t.Precision))
}

func isList(v any) bool {
	switch v.(type) {
	case []any:
		return true
	case string, []byte:
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case float32:
		if float32(int64(x)) != x {
			return 0, false
		}
	case float64:
		if float64(int64(x)) != x {
			return 0, false
		}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
	default:
		return 0, false
	}
	n, err := cast.ToInt64E(v)
	return n, err == nil
}
