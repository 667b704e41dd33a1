package codec

import (
	"fmt"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
)

// Column is the wire layout of one column.
type Column struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// RowCodec encodes and decodes whole rows: the column values in declared
// order, with nothing between them.
type RowCodec struct {
	columns []Column
	codecs  []*Codec
}

// NewRowCodec compiles a codec for every column.
func NewRowCodec(columns []Column) (*RowCodec, error) {
	rc := &RowCodec{
		columns: append([]Column(nil), columns...),
		codecs:  make([]*Codec, len(columns)),
	}
	for i, col := range columns {
		c, err := Compile(col.Type, col.Nullable)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("column %q", col.Name)).
				WithDetail("column", col.Name)
		}
		rc.codecs[i] = c
	}
	return rc, nil
}

// Columns returns a copy of the column list.
func (rc *RowCodec) Columns() []Column {
	return append([]Column(nil), rc.columns...)
}

// Codec returns the codec of column i.
func (rc *RowCodec) Codec(i int) *Codec {
	return rc.codecs[i]
}

// EncodeRow appends one positional row. On error the writer holds a partial
// row and should be discarded.
func (rc *RowCodec) EncodeRow(w *rowbinary.Writer, row []any) error {
	if len(row) != len(rc.codecs) {
		return errors.Newf(errors.ErrorTypeData, "row has %d values, expected %d", len(row), len(rc.codecs))
	}
	for i, c := range rc.codecs {
		if err := c.Encode(w, row[i]); err != nil {
			return columnError(err, rc.columns[i].Name)
		}
	}
	return nil
}

// EncodeRows appends every row. Each element must be a positional []any.
func (rc *RowCodec) EncodeRows(w *rowbinary.Writer, rows []any) error {
	for n, r := range rows {
		row, ok := r.([]any)
		if !ok {
			return errors.Newf(errors.ErrorTypeData, "row %d is %T, expected a positional []any", n, r)
		}
		if err := rc.EncodeRow(w, row); err != nil {
			return errors.Wrap(err, typeOf(err), fmt.Sprintf("row %d", n)).WithDetail("row", n)
		}
	}
	return nil
}

// DecodeRow reads one row.
func (rc *RowCodec) DecodeRow(r *rowbinary.Reader) ([]any, error) {
	row := make([]any, len(rc.codecs))
	for i, c := range rc.codecs {
		v, err := c.Decode(r)
		if err != nil {
			return nil, columnError(err, rc.columns[i].Name)
		}
		row[i] = v
	}
	return row, nil
}

// DecodeAll reads rows until data is exhausted.
func (rc *RowCodec) DecodeAll(data []byte) ([][]any, error) {
	r := rowbinary.NewReader(data)
	var rows [][]any
	for r.Remaining() > 0 {
		row, err := rc.DecodeRow(r)
		if err != nil {
			return rows, errors.Wrap(err, typeOf(err), fmt.Sprintf("row %d", len(rows))).WithDetail("row", len(rows))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func columnError(err error, column string) error {
	return errors.Wrap(err, typeOf(err), fmt.Sprintf("column %q", column)).WithDetail("column", column)
}

// typeOf keeps the category of err when adding context to it.
func typeOf(err error) errors.ErrorType {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Type
	}
	return errors.ErrorTypeData
}
