package insert

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/json"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
)

func mustBuild(t *testing.T, columns ...ColumnDef) *Plan {
	t.Helper()
	plan, err := Build(columns)
	require.NoError(t, err)
	return plan
}

func TestProcess_DefaultPrecedence(t *testing.T) {
	calls := 0
	plan := mustBuild(t,
		ColumnDef{Name: "explicit", Type: "Int32", Default: 1},
		ColumnDef{Name: "computed", Type: "Int32", Default: 2, Compute: func(r Row) (any, error) {
			calls++
			return 20, nil
		}},
		ColumnDef{Name: "static", Type: "Int32", Default: 3},
		ColumnDef{Name: "none", Type: "Int32", Nullable: true},
	)

	out, err := plan.Process(Row{"explicit": 10}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{10, 20, 3, nil}, out)
	assert.Equal(t, 1, calls)

	// an explicit value skips the computed default entirely
	out, err = plan.Process(Row{"explicit": 10, "computed": 99}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{10, 99, 3, nil}, out)
	assert.Equal(t, 1, calls)
}

func TestProcess_FalsyValuesArePresent(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "n", Type: "Int32", Default: 7},
		ColumnDef{Name: "s", Type: "String", Default: "fallback"},
		ColumnDef{Name: "b", Type: "Bool", Default: true},
		ColumnDef{Name: "f", Type: "Float64", Compute: func(Row) (any, error) { return 1.5, nil }},
	)

	out, err := plan.Process(Row{"n": 0, "s": "", "b": false, "f": 0.0}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{0, "", false, 0.0}, out)
}

func TestProcess_Nulls(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "nullable", Type: "String", Nullable: true, Default: "d"},
		ColumnDef{Name: "wrapped", Type: "Nullable(Int32)", Default: 4},
		ColumnDef{Name: "required", Type: "String", Default: "d"},
	)

	out, err := plan.Process(Row{"nullable": nil, "wrapped": nil, "required": nil}, FormatRowBinary)
	require.NoError(t, err)
	// an explicit nil is NULL where allowed and absent otherwise
	assert.Equal(t, []any{nil, nil, "d"}, out)

	out, err = plan.Process(Row{}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{"d", 4, "d"}, out)
}

func TestProcess_LookupByKeyThenName(t *testing.T) {
	plan := mustBuild(t, ColumnDef{Key: "userId", Name: "user_id", Type: "UInt64"})

	out, err := plan.Process(Row{"userId": 1, "user_id": 2}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, out)

	out, err = plan.Process(Row{"user_id": 2}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{2}, out)

	out, err = plan.Process(Row{"userId": 3}, FormatJSONEachRow)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": 3}, out)
}

func TestProcess_ComputeSeesOriginalRow(t *testing.T) {
	var seen Row
	plan := mustBuild(t,
		ColumnDef{Name: "a", Type: "Int32", Default: 1},
		ColumnDef{Name: "b", Type: "Int32", Compute: func(r Row) (any, error) {
			seen = r
			return len(r), nil
		}},
	)

	out, err := plan.Process(Row{"x": "y"}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 1}, out)
	assert.Equal(t, Row{"x": "y"}, seen)
}

func TestProcess_ComputeError(t *testing.T) {
	plan := mustBuild(t, ColumnDef{Name: "a", Type: "Int32", Compute: func(Row) (any, error) {
		return nil, errors.New(errors.ErrorTypeInternal, "boom")
	}})

	_, err := plan.Process(Row{}, FormatRowBinary)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Contains(t, err.Error(), "boom")
}

func TestProcess_GeneratedIDs(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "id", Type: "UUID", GenerateID: IDv4},
		ColumnDef{Name: "ref", Type: "String", GenerateID: IDv7},
	)

	out, err := plan.Process(Row{}, FormatRowBinary)
	require.NoError(t, err)
	values := out.([]any)

	id, ok := values[0].(uuid.UUID)
	require.True(t, ok)
	assert.Equal(t, uuid.Version(4), id.Version())

	ref, err := uuid.Parse(values[1].(string))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), ref.Version())

	again, err := plan.Process(Row{}, FormatRowBinary)
	require.NoError(t, err)
	assert.NotEqual(t, values[0], again.([]any)[0])

	explicit := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	out, err = plan.Process(Row{"id": explicit, "ref": explicit}, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, []any{explicit, explicit}, out)
}

func TestProcess_ServerGenerated(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "id", Type: "UUID", GenerateID: IDv4, DefaultExpr: "generateUUIDv4()"},
		ColumnDef{Name: "name", Type: "String"},
	)
	assert.Equal(t, FormatJSONEachRow, Resolve(plan, FormatAuto))

	out, err := plan.Process(Row{"name": "a"}, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "a"}, out)

	out, err = plan.Process(Row{"name": "a", "id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}, FormatJSONEachRow)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	for _, format := range []Format{FormatRowBinary, FormatJSONCompactEachRow} {
		_, err = plan.Process(Row{"name": "a"}, format)
		require.Error(t, err, format)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	}
}

func TestProcess_JSONOmitsAbsentColumns(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "a", Type: "Int32"},
		ColumnDef{Name: "b", Type: "Int32"},
	)

	out, err := plan.Process(Row{"a": 1}, FormatJSONEachRow)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	out, err = plan.Process(Row{"a": 1}, FormatJSONCompactEachRow)
	require.NoError(t, err)
	assert.Equal(t, []any{1, nil}, out)
}

func TestProcess_EnumValidation(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "level", Type: "Enum8('info' = 1, 'error' = 2)"},
		ColumnDef{Name: "color", Type: "String", Enum: []string{"red", "green"}, Nullable: true},
	)

	tests := []struct {
		name  string
		row   Row
		valid bool
	}{
		{"labels", Row{"level": "info", "color": "red"}, true},
		{"declared numeric value", Row{"level": 2, "color": "green"}, true},
		{"null override column", Row{"level": "error", "color": nil}, true},
		{"unknown label", Row{"level": "debug", "color": "red"}, false},
		{"undeclared numeric value", Row{"level": 3, "color": "red"}, false},
		{"integral float value", Row{"level": 1.0, "color": "red"}, true},
		{"fractional float value", Row{"level": 1.5, "color": "red"}, false},
		{"json number value", Row{"level": json.Number("2"), "color": "red"}, true},
		{"override rejects", Row{"level": "info", "color": "blue"}, false},
		{"override is case sensitive", Row{"level": "info", "color": "Red"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plan.Process(tt.row, FormatJSONEachRow)
			if tt.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeData))
		})
	}
}

func TestProcess_EnumErrorDetails(t *testing.T) {
	plan := mustBuild(t, ColumnDef{Name: "color", Type: "String", Enum: []string{"red", "green"}})

	_, err := plan.Process(Row{"color": "blue"}, FormatRowBinary)
	require.Error(t, err)

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	column, _ := e.Detail("column")
	value, _ := e.Detail("value")
	allowed, _ := e.Detail("allowed")
	assert.Equal(t, "color", column)
	assert.Equal(t, "blue", value)
	assert.Equal(t, []string{"red", "green"}, allowed)
	assert.Contains(t, err.Error(), "red, green")
}

func TestProcess_Transforms(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 3, 123456789, time.UTC)

	tests := []struct {
		name   string
		def    ColumnDef
		in     any
		format Format
		want   any
	}{
		{"array from scalar", ColumnDef{Name: "c", Type: "Array(String)"}, "x", FormatJSONEachRow, []any{}},
		{"array from map", ColumnDef{Name: "c", Type: "Array(Int32)"}, map[string]any{"a": 1}, FormatRowBinary, []any{}},
		{"array kept", ColumnDef{Name: "c", Type: "Array(Int32)"}, []int{1, 2}, FormatRowBinary, []int{1, 2}},
		{"json object", ColumnDef{Name: "c", Type: "JSON"}, map[string]any{"a": 1}, FormatJSONEachRow, `{"a":1}`},
		{"json list", ColumnDef{Name: "c", Type: "JSON"}, []any{1, "b"}, FormatJSONCompactEachRow, `[1,"b"]`},
		{"json text kept", ColumnDef{Name: "c", Type: "JSON"}, `{"a":1}`, FormatJSONEachRow, `{"a":1}`},
		{"date", ColumnDef{Name: "c", Type: "Date"}, ts, FormatJSONEachRow, "2024-03-09"},
		{"date32", ColumnDef{Name: "c", Type: "Date32"}, ts, FormatJSONCompactEachRow, "2024-03-09"},
		{"datetime", ColumnDef{Name: "c", Type: "DateTime"}, ts, FormatJSONEachRow, "2024-03-09 07:05:03"},
		{"datetime tz", ColumnDef{Name: "c", Type: "DateTime('Asia/Tokyo')"}, ts, FormatJSONEachRow, "2024-03-09 16:05:03"},
		{"datetime64 millis", ColumnDef{Name: "c", Type: "DateTime64(3)"}, ts, FormatJSONEachRow, "2024-03-09 07:05:03.123"},
		{"datetime64 micros", ColumnDef{Name: "c", Type: "DateTime64(6, 'UTC')"}, ts, FormatJSONEachRow, "2024-03-09 07:05:03.123456"},
		{"datetime64 zero precision", ColumnDef{Name: "c", Type: "DateTime64(0)"}, ts, FormatJSONEachRow, "2024-03-09 07:05:03"},
		{"datetime string kept", ColumnDef{Name: "c", Type: "DateTime"}, "2024-01-01 00:00:00", FormatJSONEachRow, "2024-01-01 00:00:00"},
		{"binary keeps time", ColumnDef{Name: "c", Type: "DateTime"}, ts, FormatRowBinary, ts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := mustBuild(t, tt.def)
			out, err := plan.Process(Row{"c": tt.in}, tt.format)
			require.NoError(t, err)
			if tt.format.Positional() {
				assert.Equal(t, tt.want, out.([]any)[0])
			} else {
				assert.Equal(t, tt.want, out.(map[string]any)["c"])
			}
		})
	}
}

func TestProcess_BinaryOutputEncodes(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "id", Type: "UUID", GenerateID: IDv4},
		ColumnDef{Name: "level", Type: "Enum8('info' = 1, 'error' = 2)", Default: "info"},
		ColumnDef{Name: "tags", Type: "Array(String)"},
		ColumnDef{Name: "at", Type: "DateTime64(3, 'UTC')"},
	)
	require.Equal(t, FormatRowBinary, Resolve(plan, FormatAuto))

	rows, format, err := plan.ProcessBatch([]Row{
		{"tags": []string{"a"}, "at": time.Unix(1, 0)},
		{"level": "error", "tags": "not a list", "at": time.Unix(2, 0)},
	}, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, FormatRowBinary, format)

	w := rowbinary.NewWriter(0)
	require.NoError(t, plan.RowCodec().EncodeRows(w, rows))

	decoded, err := plan.RowCodec().DecodeAll(w.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "info", decoded[0][1])
	assert.Equal(t, []any{"a"}, decoded[0][2])
	assert.Equal(t, "error", decoded[1][1])
	assert.Equal(t, []any{}, decoded[1][2])
}

func TestProcessBatch_ReportsRow(t *testing.T) {
	plan := mustBuild(t, ColumnDef{Name: "level", Type: "Enum8('a' = 1)"})

	_, _, err := plan.ProcessBatch([]Row{{"level": "a"}, {"level": "a"}, {"level": "z"}}, FormatRowBinary)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	row, ok := e.Detail("row")
	require.True(t, ok)
	assert.Equal(t, 2, row)
}

func TestReturning(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Key: "id", Name: "event_id", Type: "UUID", GenerateID: IDv7},
		ColumnDef{Name: "kind", Type: "String", Default: "click"},
		ColumnDef{Name: "size", Type: "Int32", Compute: func(r Row) (any, error) { return len(r), nil }},
		ColumnDef{Name: "note", Type: "String", Nullable: true},
	)

	got, err := plan.Returning(Row{"kind": "view"})
	require.NoError(t, err)

	id, ok := got["id"].(uuid.UUID)
	require.True(t, ok)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, "view", got["kind"])
	assert.Equal(t, 1, got["size"])
	assert.Nil(t, got["note"])

	// inserting the returned row keeps the generated id
	out, err := plan.Process(got, FormatRowBinary)
	require.NoError(t, err)
	assert.Equal(t, id, out.([]any)[0])
}

func TestReturning_ServerExpression(t *testing.T) {
	plan := mustBuild(t,
		ColumnDef{Name: "created", Type: "DateTime", DefaultExpr: "now()"},
		ColumnDef{Name: "name", Type: "String"},
	)

	_, err := plan.Returning(Row{"name": "a"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Contains(t, err.Error(), "now()")

	got, err := plan.Returning(Row{"name": "a", "created": "2024-01-01 00:00:00"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01 00:00:00", got["created"])
}

func TestReturning_Enum(t *testing.T) {
	plan := mustBuild(t, ColumnDef{Name: "level", Type: "Enum8('a' = 1)"})
	_, err := plan.Returning(Row{"level": "b"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}
