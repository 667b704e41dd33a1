package codec

import (
	"cmp"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/json"
)

// MapEntry is one key/value pair of a Map column.
type MapEntry struct {
	Key   any
	Value any
}

// MapEntries is an ordered list of map pairs. Map columns decode to
// MapEntries so that wire order survives, and encoders accept it to let
// callers control the order.
type MapEntries []MapEntry

// MarshalJSON renders the entries as a JSON object in order. Keys are
// stringified.
func (m MapEntries) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(cast.ToString(e.Key))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// Map converts the entries into a Go map with string keys.
func (m MapEntries) Map() map[string]any {
	out := make(map[string]any, len(m))
	for _, e := range m {
		out[cast.ToString(e.Key)] = e.Value
	}
	return out
}

func valueError(t *Type, v any, cause error) error {
	msg := fmt.Sprintf("cannot encode %T value %v as %s", v, v, t)
	if cause == nil {
		return errors.New(errors.ErrorTypeData, msg)
	}
	return errors.Wrap(cause, errors.ErrorTypeData, msg)
}

// IsNull reports whether v should be written as NULL: a nil interface or a
// nil pointer, map, slice or interface.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// number matches json.Number and look-alikes from other JSON decoders.
type number interface {
	String() string
	Int64() (int64, error)
	Float64() (float64, error)
}

// plain dereferences v and turns JSON numbers into their literal text, which
// cast and strconv understand without losing precision.
func plain(v any) any {
	v = deref(v)
	if n, ok := v.(number); ok {
		return n.String()
	}
	return v
}

// deref unwraps non-nil pointers so encoders can treat *T like T.
func deref(v any) any {
	for {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return v
		}
		switch v.(type) {
		case *big.Int, *decimal.Decimal:
			return v
		}
		v = rv.Elem().Interface()
	}
}

func toInt64(t *Type, v any, min, max int64) (int64, error) {
	v = plain(v)
	if b, ok := v.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	if fractional(v) {
		return 0, valueError(t, v, nil)
	}
	if s, ok := v.(string); ok {
		b, ok := parseIntText(s)
		if !ok || !b.IsInt64() || b.Int64() < min || b.Int64() > max {
			return 0, valueError(t, v, nil)
		}
		return b.Int64(), nil
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, valueError(t, v, err)
	}
	if u, ok := v.(uint64); ok && u > math.MaxInt64 {
		return 0, valueError(t, v, nil)
	}
	if n < min || n > max {
		return 0, valueError(t, v, nil)
	}
	return n, nil
}

func toUint64(t *Type, v any, max uint64) (uint64, error) {
	v = plain(v)
	var (
		n   uint64
		err error
	)
	switch x := v.(type) {
	case bool:
		if x {
			n = 1
		}
	case uint64:
		n = x
	case string:
		b, ok := parseIntText(x)
		if !ok || !b.IsUint64() {
			return 0, valueError(t, v, nil)
		}
		n = b.Uint64()
	default:
		if fractional(v) {
			return 0, valueError(t, v, nil)
		}
		var i int64
		i, err = cast.ToInt64E(v)
		if err == nil && i < 0 {
			return 0, valueError(t, v, nil)
		}
		n = uint64(i)
	}
	if err != nil {
		return 0, valueError(t, v, err)
	}
	if n > max {
		return 0, valueError(t, v, nil)
	}
	return n, nil
}

// parseIntText parses integer text in base 10. Leading zeros stay decimal;
// only an explicit 0x prefix selects hexadecimal.
func parseIntText(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	base := 10
	if body := strings.TrimLeft(s, "+-"); len(body) > 2 && (body[:2] == "0x" || body[:2] == "0X") {
		base = 0
	}
	return new(big.Int).SetString(s, base)
}

// fractional reports whether v is a float that no integer column can hold
// exactly.
func fractional(v any) bool {
	var f float64
	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	default:
		return false
	}
	return f != math.Trunc(f) || math.IsInf(f, 0)
}

func toFloat64(t *Type, v any) (float64, error) {
	f, err := cast.ToFloat64E(plain(v))
	if err != nil {
		return 0, valueError(t, v, err)
	}
	return f, nil
}

func toBool(t *Type, v any) (bool, error) {
	b, err := cast.ToBoolE(plain(v))
	if err != nil {
		return false, valueError(t, v, err)
	}
	return b, nil
}

func toBigInt(t *Type, v any) (*big.Int, error) {
	switch x := deref(v).(type) {
	case nil:
		return new(big.Int), nil
	case *big.Int:
		return x, nil
	case big.Int:
		return &x, nil
	case decimal.Decimal:
		if !x.Equal(x.Truncate(0)) {
			return nil, valueError(t, v, nil)
		}
		return x.BigInt(), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case uint:
		return new(big.Int).SetUint64(uint64(x)), nil
	case float32, float64:
		if fractional(x) {
			return nil, valueError(t, v, nil)
		}
		n, _ := big.NewFloat(cast.ToFloat64(x)).Int(nil)
		return n, nil
	case string:
		n, ok := parseIntText(x)
		if !ok {
			return nil, valueError(t, v, nil)
		}
		return n, nil
	case fmt.Stringer:
		n, ok := new(big.Int).SetString(x.String(), 10)
		if !ok {
			return nil, valueError(t, v, nil)
		}
		return n, nil
	default:
		n, err := cast.ToInt64E(x)
		if err != nil {
			return nil, valueError(t, v, err)
		}
		return big.NewInt(n), nil
	}
}

func toDecimal(t *Type, v any) (decimal.Decimal, error) {
	switch x := deref(v).(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return x, nil
	case *decimal.Decimal:
		return *x, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, valueError(t, v, err)
		}
		return d, nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return decimal.Zero, valueError(t, v, nil)
		}
		return decimal.NewFromFloat(x), nil
	case *big.Int:
		return decimal.NewFromBigInt(x, 0), nil
	case fmt.Stringer:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, valueError(t, v, err)
		}
		return d, nil
	default:
		n, err := cast.ToInt64E(x)
		if err != nil {
			return decimal.Zero, valueError(t, v, err)
		}
		return decimal.New(n, 0), nil
	}
}

// toText converts v to the payload of a String-like column. Byte slices are
// used verbatim; composite values become JSON.
func toText(v any) ([]byte, error) {
	switch x := deref(v).(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case fmt.Stringer:
		return []byte(x.String()), nil
	case map[string]any, []any, MapEntries:
		return json.Marshal(x)
	default:
		s, err := cast.ToStringE(x)
		if err == nil {
			return []byte(s), nil
		}
		return json.Marshal(x)
	}
}

func toUUID(t *Type, v any) ([16]byte, error) {
	switch x := deref(v).(type) {
	case nil:
		return uuid.Nil, nil
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return x, nil
	case []byte:
		if len(x) == 16 {
			return [16]byte(x), nil
		}
		id, err := uuid.ParseBytes(x)
		if err != nil {
			return uuid.Nil, valueError(t, v, err)
		}
		return id, nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return uuid.Nil, valueError(t, v, err)
		}
		return id, nil
	default:
		return uuid.Nil, valueError(t, v, nil)
	}
}

func toAddr(t *Type, v any, want4 bool) (netip.Addr, error) {
	switch x := deref(v).(type) {
	case nil:
		if want4 {
			return netip.IPv4Unspecified(), nil
		}
		return netip.IPv6Unspecified(), nil
	case netip.Addr:
		return x, nil
	case net.IP:
		addr, ok := netip.AddrFromSlice(x)
		if !ok {
			return netip.Addr{}, valueError(t, v, nil)
		}
		return addr, nil
	case string:
		addr, err := netip.ParseAddr(strings.TrimSpace(x))
		if err != nil {
			return netip.Addr{}, valueError(t, v, err)
		}
		if !want4 && addr.Is4() {
			addr = netip.AddrFrom16(addr.As16())
		}
		return addr, nil
	case []byte:
		addr, ok := netip.AddrFromSlice(x)
		if !ok {
			return netip.Addr{}, valueError(t, v, nil)
		}
		return addr, nil
	default:
		if !want4 {
			return netip.Addr{}, valueError(t, v, nil)
		}
		n, err := toUint64(t, x, math.MaxUint32)
		if err != nil {
			return netip.Addr{}, err
		}
		return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseTime parses the textual timestamp forms accepted by date columns.
// Strings without an offset are interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeData, "cannot parse %q as a timestamp", s)
}

// toTime converts v to a point in time. Numeric input is not accepted here;
// date encoders treat numbers as raw wire units before calling toTime.
func toTime(t *Type, v any, loc *time.Location) (time.Time, error) {
	switch x := deref(v).(type) {
	case nil:
		return time.Unix(0, 0).UTC(), nil
	case time.Time:
		return x, nil
	case string:
		ts, err := ParseTime(x, loc)
		if err != nil {
			return time.Time{}, valueError(t, v, err)
		}
		return ts, nil
	default:
		return time.Time{}, valueError(t, v, nil)
	}
}

// rawNumber returns v as an int64 when it is a Go number. Strings are not
// numbers here so "2024-01-01" keeps its meaning.
func rawNumber(v any) (int64, bool) {
	switch x := deref(v).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		if fractional(x) {
			return 0, false
		}
		n, err := cast.ToInt64E(x)
		return n, err == nil
	case interface{ Int64() (int64, error) }:
		n, err := x.Int64()
		return n, err == nil
	}
	return 0, false
}

// asSlice returns the elements of any slice or array. Anything else yields
// nil so Array columns encode it as an empty array.
func asSlice(v any) []any {
	switch x := deref(v).(type) {
	case []any:
		return x
	case nil, string:
		return nil
	}
	rv := reflect.ValueOf(deref(v))
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// asEntries returns the pairs of a map-like value. Go maps are sorted by key
// so that equal maps always produce equal bytes.
func asEntries(v any) MapEntries {
	switch x := deref(v).(type) {
	case MapEntries:
		return x
	case []MapEntry:
		return x
	case nil:
		return nil
	}
	rv := reflect.ValueOf(deref(v))
	if rv.Kind() != reflect.Map {
		return nil
	}
	entries := make(MapEntries, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, MapEntry{Key: iter.Key().Interface(), Value: iter.Value().Interface()})
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries MapEntries) {
	less := func(a, b MapEntry) int {
		if fa, ok := orderable(a.Key); ok {
			if fb, ok := orderable(b.Key); ok {
				return cmp.Compare(fa, fb)
			}
		}
		return cmp.Compare(fmt.Sprint(a.Key), fmt.Sprint(b.Key))
	}
	slices.SortStableFunc(entries, less)
}

func orderable(v any) (float64, bool) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	}
	return 0, false
}

// asTuple returns the elements of a tuple value: a slice, or a map projected
// onto the field names.
func asTuple(fields []Field, v any) []any {
	if m, ok := deref(v).(map[string]any); ok {
		out := make([]any, len(fields))
		for i, f := range fields {
			out[i] = m[f.Name]
		}
		return out
	}
	return asSlice(v)
}
