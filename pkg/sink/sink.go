// Package sink delivers encoded insert batches to ClickHouse.
//
// HTTPSink talks to the ClickHouse HTTP interface. WriterSink writes request
// bodies to an io.Writer for dry runs.
package sink

import (
	"context"
	"strings"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/json"
)

// Sink accepts insert batches. Implementations must be safe for concurrent
// use.
type Sink interface {
	// SendRows sends processed rows in a JSON format: map[string]any rows
	// for JSONEachRow and []any rows for JSONCompactEachRow.
	SendRows(ctx context.Context, table string, columns []string, format insert.Format, rows []any) error
	// SendBinary sends a RowBinary body whose columns follow columns.
	SendBinary(ctx context.Context, table string, columns []string, body []byte) error
}

// InsertQuery returns the INSERT statement preceding a body.
func InsertQuery(table string, columns []string, format insert.Format) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		b.WriteString(" (")
		for i, c := range columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(c))
		}
		b.WriteString(")")
	}
	b.WriteString(" FORMAT ")
	b.WriteString(string(format))
	return b.String()
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "`", "\\`") + "`"
}

// EncodeRows renders rows as newline-delimited JSON.
func EncodeRows(format insert.Format, rows []any) ([]byte, error) {
	switch format {
	case insert.FormatJSONEachRow, insert.FormatJSONCompactEachRow:
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "SendRows cannot carry %s", format)
	}
	body, err := json.MarshalLines(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "encode "+string(format)+" rows")
	}
	return body, nil
}
