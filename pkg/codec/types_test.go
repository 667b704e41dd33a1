package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

func TestParse_Scalars(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"Int8", KindInt8},
		{"uint64", KindUInt64},
		{"  INT256 ", KindInt256},
		{"Float32", KindFloat32},
		{"String", KindString},
		{"UUID", KindUUID},
		{"Bool", KindBool},
		{"Date", KindDate},
		{"Date32", KindDate32},
		{"DateTime", KindDateTime},
		{"IPv4", KindIPv4},
		{"ipv6", KindIPv6},
		{"JSON", KindJSON},
		{"Object('json')", KindJSON},
		{"Point", KindUnknown},
		{"AggregateFunction(uniq, UInt64)", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, typ.Kind)
		})
	}
}

func TestParse_Wrappers(t *testing.T) {
	typ, err := Parse("Map(String, Array(Nullable(Int32)))")
	require.NoError(t, err)
	require.Equal(t, KindMap, typ.Kind)
	assert.Equal(t, KindString, typ.Key.Kind)
	require.Equal(t, KindArray, typ.Value.Kind)
	require.Equal(t, KindNullable, typ.Value.Elem.Kind)
	assert.Equal(t, KindInt32, typ.Value.Elem.Elem.Kind)
	assert.Equal(t, "Map(String, Array(Nullable(Int32)))", typ.String())

	typ, err = Parse("lowcardinality(nullable(string))")
	require.NoError(t, err)
	assert.Equal(t, KindLowCardinality, typ.Kind)
	assert.True(t, typ.IsNullable())
	assert.Equal(t, KindString, typ.Base().Kind)
}

func TestParse_TupleAndNested(t *testing.T) {
	typ, err := Parse("Tuple(String, Int64)")
	require.NoError(t, err)
	require.Len(t, typ.Fields, 2)
	assert.Empty(t, typ.Fields[0].Name)
	assert.Equal(t, KindInt64, typ.Fields[1].Type.Kind)

	typ, err = Parse("Tuple(id UInt32, ts DateTime64(3, 'UTC'))")
	require.NoError(t, err)
	require.Len(t, typ.Fields, 2)
	assert.Equal(t, "id", typ.Fields[0].Name)
	assert.Equal(t, "ts", typ.Fields[1].Name)
	assert.Equal(t, 3, typ.Fields[1].Type.Precision)
	assert.Equal(t, "UTC", typ.Fields[1].Type.Timezone)

	typ, err = Parse("Nested(UserID UInt64, Tags Array(String))")
	require.NoError(t, err)
	assert.Equal(t, KindNested, typ.Kind)
	assert.Equal(t, "UserID", typ.Fields[0].Name, "field names keep their case")
	assert.Equal(t, "Nested(UserID UInt64, Tags Array(String))", typ.String())

	_, err = Parse("Nested(UInt64)")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestParse_FixedArguments(t *testing.T) {
	typ, err := Parse("FixedString(16)")
	require.NoError(t, err)
	assert.Equal(t, 16, typ.Length)

	typ, err = Parse("Decimal(18, 4)")
	require.NoError(t, err)
	assert.Equal(t, KindDecimal, typ.Kind)
	assert.Equal(t, 18, typ.Precision)
	assert.Equal(t, 4, typ.Scale)

	typ, err = Parse("Decimal128(10)")
	require.NoError(t, err)
	assert.Equal(t, 38, typ.Precision)
	assert.Equal(t, 10, typ.Scale)

	typ, err = Parse("DateTime64(6)")
	require.NoError(t, err)
	assert.Equal(t, 6, typ.Precision)
	assert.Empty(t, typ.Timezone)

	typ, err = Parse("DateTime('UTC')")
	require.NoError(t, err)
	assert.Equal(t, KindDateTime, typ.Kind)
	assert.Equal(t, "UTC", typ.Timezone)
}

func TestParse_Enums(t *testing.T) {
	typ, err := Parse("Enum8('Active' = 1, 'in, active' = 2, 'it''s' = -3)")
	require.NoError(t, err)
	assert.Equal(t, KindEnum8, typ.Kind)
	assert.Equal(t, []string{"Active", "in, active", "it's"}, typ.EnumLabels())
	assert.Equal(t, int16(-3), typ.Enum[2].Value)

	typ, err = Parse("Enum('a', 'b')")
	require.NoError(t, err)
	assert.Equal(t, KindEnum8, typ.Kind)
	assert.Equal(t, int16(2), typ.Enum[1].Value)

	typ, err = Parse("Enum('a' = 1, 'b' = 1000)")
	require.NoError(t, err)
	assert.Equal(t, KindEnum16, typ.Kind)
}

func TestParse_ConfigErrors(t *testing.T) {
	tests := []string{
		"",
		"FixedString(abc)",
		"FixedString(0)",
		"FixedString(1, 2)",
		"Decimal(0, 0)",
		"Decimal(10, 11)",
		"Decimal(x, 2)",
		"DateTime64(12)",
		"DateTime64(3, UTC)",
		"DateTime('Not/AZone')",
		"Enum8('a' = 300)",
		"Enum8('a' = 1, 'a' = 2)",
		"Enum8(a = 1)",
		"Array(String",
		"Array(String, Int8)",
		"Map(String)",
		"Tuple()",
		"Nullable(FixedString(x))",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "got %v", err)
		})
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"String", []string{"String"}},
		{"String, Array(Int32)", []string{"String", "Array(Int32)"}},
		{"Map(String, Int8), Tuple(a Int8, b Int8)", []string{"Map(String, Int8)", "Tuple(a Int8, b Int8)"}},
		{"'a,b' = 1, 'c' = 2", []string{"'a,b' = 1", "'c' = 2"}},
		{`'a\',b' = 1`, []string{`'a\',b' = 1`}},
	}

	for _, tt := range tests {
		got, err := splitArgs(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "splitArgs(%q)", tt.in)
	}

	_, err := splitArgs("a), (b")
	assert.Error(t, err)
	_, err = splitArgs("'open")
	assert.Error(t, err)
}

func TestType_IsComplex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"String", false},
		{"Array(Nullable(Int32))", false},
		{"Map(String, String)", true},
		{"Array(Tuple(Int8, Int8))", true},
		{"Nested(a Int8)", true},
		{"Nullable(LowCardinality(String))", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MustParse(tt.in).IsComplex(), tt.in)
	}
}
