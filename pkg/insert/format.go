package insert

import (
	"strings"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// Format is a ClickHouse input format.
type Format string

const (
	FormatAuto               Format = "auto"
	FormatRowBinary          Format = "RowBinary"
	FormatJSONEachRow        Format = "JSONEachRow"
	FormatJSONCompactEachRow Format = "JSONCompactEachRow"
)

// ParseFormat accepts the format names case-insensitively, plus the short
// aliases binary, json and compact. The empty string means auto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "rowbinary", "binary":
		return FormatRowBinary, nil
	case "jsoneachrow", "json":
		return FormatJSONEachRow, nil
	case "jsoncompacteachrow", "compact":
		return FormatJSONCompactEachRow, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "unknown insert format %q", s)
}

// Positional reports whether rows travel as ordered value lists.
func (f Format) Positional() bool {
	return f == FormatRowBinary || f == FormatJSONCompactEachRow
}

// Resolve picks the format for a plan. An explicit override wins. For auto,
// RowBinary is used when every column supports it, then JSONCompactEachRow
// when the plan allows positional rows, and JSONEachRow otherwise.
func Resolve(plan *Plan, override Format) Format {
	if override != "" && override != FormatAuto {
		return override
	}
	switch {
	case plan.CanUseBinary():
		return FormatRowBinary
	case plan.CanUseCompactOrBinary():
		return FormatJSONCompactEachRow
	default:
		return FormatJSONEachRow
	}
}
