package codec

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/logger"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
)

// EncodeFunc appends one value to w.
type EncodeFunc func(w *rowbinary.Writer, v any) error

// DecodeFunc reads one value from r.
type DecodeFunc func(r *rowbinary.Reader) (any, error)

// Codec is the compiled encoder/decoder pair for one type. Codecs are
// immutable and safe for concurrent use.
type Codec struct {
	Type   *Type
	Encode EncodeFunc
	Decode DecodeFunc
}

// Compile parses descriptor and compiles it. When nullable is set and the
// descriptor is not already Nullable, the result is wrapped in Nullable.
func Compile(descriptor string, nullable bool) (*Codec, error) {
	t, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}
	if nullable && !t.IsNullable() {
		t = &Type{Kind: KindNullable, Raw: "Nullable(" + t.Raw + ")", Elem: t}
	}
	return CompileType(t), nil
}

// CompileType compiles an already parsed type.
func CompileType(t *Type) *Codec {
	return &Codec{Type: t, Encode: encoderFor(t), Decode: decoderFor(t)}
}

var fallbackSeen sync.Map

// noteFallback records that t has no dedicated codec. The warning is logged
// once per descriptor per process.
func noteFallback(t *Type) {
	metrics.CodecFallbacks.Inc()
	if _, loaded := fallbackSeen.LoadOrStore(t.Raw, struct{}{}); loaded {
		return
	}
	logger.With(zap.String("component", "codec")).Warn("unmodelled column type, encoding values as strings",
		zap.String("type", t.Raw))
}

func encoderFor(t *Type) EncodeFunc {
	switch t.Kind {
	case KindInt8:
		return signed(t, math.MinInt8, math.MaxInt8, func(w *rowbinary.Writer, n int64) { w.WriteInt8(int8(n)) })
	case KindInt16:
		return signed(t, math.MinInt16, math.MaxInt16, func(w *rowbinary.Writer, n int64) { w.WriteInt16(int16(n)) })
	case KindInt32:
		return signed(t, math.MinInt32, math.MaxInt32, func(w *rowbinary.Writer, n int64) { w.WriteInt32(int32(n)) })
	case KindInt64:
		return signed(t, math.MinInt64, math.MaxInt64, (*rowbinary.Writer).WriteInt64)
	case KindUInt8:
		return unsigned(t, math.MaxUint8, func(w *rowbinary.Writer, n uint64) { w.WriteUInt8(uint8(n)) })
	case KindUInt16:
		return unsigned(t, math.MaxUint16, func(w *rowbinary.Writer, n uint64) { w.WriteUInt16(uint16(n)) })
	case KindUInt32:
		return unsigned(t, math.MaxUint32, func(w *rowbinary.Writer, n uint64) { w.WriteUInt32(uint32(n)) })
	case KindUInt64:
		return unsigned(t, math.MaxUint64, (*rowbinary.Writer).WriteUInt64)
	case KindInt128:
		return wide(t, (*rowbinary.Writer).WriteInt128)
	case KindUInt128:
		return wide(t, (*rowbinary.Writer).WriteUInt128)
	case KindInt256:
		return wide(t, (*rowbinary.Writer).WriteInt256)
	case KindUInt256:
		return wide(t, (*rowbinary.Writer).WriteUInt256)

	case KindFloat32:
		return func(w *rowbinary.Writer, v any) error {
			f, err := toFloat64(t, v)
			if err != nil {
				return err
			}
			w.WriteFloat32(float32(f))
			return nil
		}
	case KindFloat64:
		return func(w *rowbinary.Writer, v any) error {
			f, err := toFloat64(t, v)
			if err != nil {
				return err
			}
			w.WriteFloat64(f)
			return nil
		}
	case KindBool:
		return func(w *rowbinary.Writer, v any) error {
			b, err := toBool(t, v)
			if err != nil {
				return err
			}
			w.WriteBool(b)
			return nil
		}

	case KindString, KindJSON:
		return encodeText
	case KindFixedString:
		return func(w *rowbinary.Writer, v any) error {
			b, err := toText(v)
			if err != nil {
				return valueError(t, v, err)
			}
			return w.WriteFixedString(b, t.Length)
		}
	case KindUUID:
		return func(w *rowbinary.Writer, v any) error {
			u, err := toUUID(t, v)
			if err != nil {
				return err
			}
			w.WriteUUID(u)
			return nil
		}

	case KindDate, KindDate32, KindDateTime, KindDateTime64:
		return dateEncoder(t)

	case KindDecimal:
		return func(w *rowbinary.Writer, v any) error {
			d, err := toDecimal(t, v)
			if err != nil {
				return err
			}
			return w.WriteDecimal(d, t.Precision, t.Scale)
		}

	case KindEnum8, KindEnum16:
		return enumEncoder(t)

	case KindIPv4:
		return func(w *rowbinary.Writer, v any) error {
			addr, err := toAddr(t, v, true)
			if err != nil {
				return err
			}
			return w.WriteIPv4(addr)
		}
	case KindIPv6:
		return func(w *rowbinary.Writer, v any) error {
			addr, err := toAddr(t, v, false)
			if err != nil {
				return err
			}
			return w.WriteIPv6(addr)
		}

	case KindNullable:
		inner := encoderFor(t.Elem)
		return func(w *rowbinary.Writer, v any) error {
			if IsNull(v) {
				w.WriteUInt8(1)
				return nil
			}
			w.WriteUInt8(0)
			return inner(w, v)
		}
	case KindLowCardinality:
		return encoderFor(t.Elem)

	case KindArray:
		elem := encoderFor(t.Elem)
		return func(w *rowbinary.Writer, v any) error {
			items := asSlice(v)
			w.WriteUVarint(uint64(len(items)))
			for _, item := range items {
				if err := elem(w, item); err != nil {
					return err
				}
			}
			return nil
		}
	case KindMap:
		key, val := encoderFor(t.Key), encoderFor(t.Value)
		return func(w *rowbinary.Writer, v any) error {
			entries := asEntries(v)
			w.WriteUVarint(uint64(len(entries)))
			for _, e := range entries {
				if err := key(w, e.Key); err != nil {
					return err
				}
				if err := val(w, e.Value); err != nil {
					return err
				}
			}
			return nil
		}
	case KindTuple:
		return tupleEncoder(t.Fields)
	case KindNested:
		tuple := tupleEncoder(t.Fields)
		return func(w *rowbinary.Writer, v any) error {
			items := asSlice(v)
			w.WriteUVarint(uint64(len(items)))
			for _, item := range items {
				if err := tuple(w, item); err != nil {
					return err
				}
			}
			return nil
		}

	default:
		noteFallback(t)
		return encodeText
	}
}

func signed(t *Type, min, max int64, put func(*rowbinary.Writer, int64)) EncodeFunc {
	return func(w *rowbinary.Writer, v any) error {
		n, err := toInt64(t, v, min, max)
		if err != nil {
			return err
		}
		put(w, n)
		return nil
	}
}

func unsigned(t *Type, max uint64, put func(*rowbinary.Writer, uint64)) EncodeFunc {
	return func(w *rowbinary.Writer, v any) error {
		n, err := toUint64(t, v, max)
		if err != nil {
			return err
		}
		put(w, n)
		return nil
	}
}

func wide(t *Type, put func(*rowbinary.Writer, *big.Int) error) EncodeFunc {
	return func(w *rowbinary.Writer, v any) error {
		n, err := toBigInt(t, v)
		if err != nil {
			return err
		}
		return put(w, n)
	}
}

func encodeText(w *rowbinary.Writer, v any) error {
	b, err := toText(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "cannot encode value as string")
	}
	w.WriteBytes(b)
	return nil
}

func tupleEncoder(fields []Field) EncodeFunc {
	encs := make([]EncodeFunc, len(fields))
	for i, f := range fields {
		encs[i] = encoderFor(f.Type)
	}
	return func(w *rowbinary.Writer, v any) error {
		items := asTuple(fields, v)
		for i, enc := range encs {
			var item any
			if i < len(items) {
				item = items[i]
			}
			if err := enc(w, item); err != nil {
				return err
			}
		}
		return nil
	}
}

func location(t *Type) *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// dateEncoder handles the four date kinds. Go numbers are taken as raw wire
// units (days, seconds or ticks); strings and time.Time are converted.
func dateEncoder(t *Type) EncodeFunc {
	loc := location(t)
	return func(w *rowbinary.Writer, v any) error {
		if n, ok := rawNumber(v); ok {
			switch t.Kind {
			case KindDate:
				if n < 0 || n > math.MaxUint16 {
					return valueError(t, v, nil)
				}
				w.WriteUInt16(uint16(n))
			case KindDate32:
				if n < math.MinInt32 || n > math.MaxInt32 {
					return valueError(t, v, nil)
				}
				w.WriteInt32(int32(n))
			case KindDateTime:
				if n < 0 || n > math.MaxUint32 {
					return valueError(t, v, nil)
				}
				w.WriteUInt32(uint32(n))
			default:
				w.WriteInt64(n)
			}
			return nil
		}

		ts, err := toTime(t, v, loc)
		if err != nil {
			return err
		}
		switch t.Kind {
		case KindDate, KindDate32:
			day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
			if t.Kind == KindDate {
				return w.WriteDate(day)
			}
			return w.WriteDate32(day)
		case KindDateTime:
			return w.WriteDateTime(ts)
		default:
			return w.WriteDateTime64(ts, t.Precision)
		}
	}
}

func enumEncoder(t *Type) EncodeFunc {
	byLabel := make(map[string]int16, len(t.Enum))
	byValue := make(map[int16]struct{}, len(t.Enum))
	for _, e := range t.Enum {
		byLabel[e.Label] = e.Value
		byValue[e.Value] = struct{}{}
	}
	return func(w *rowbinary.Writer, v any) error {
		var (
			value int16
			ok    bool
		)
		switch x := deref(v).(type) {
		case string:
			value, ok = byLabel[x]
		default:
			if n, isNum := rawNumber(x); isNum && n >= math.MinInt16 && n <= math.MaxInt16 {
				value = int16(n)
				_, ok = byValue[value]
			}
		}
		if !ok {
			return EnumError("", t, v)
		}
		if t.Kind == KindEnum8 {
			w.WriteInt8(int8(value))
		} else {
			w.WriteInt16(value)
		}
		return nil
	}
}

// EnumError reports a value outside an enum domain. The allowed labels are
// attached as the "allowed" detail.
func EnumError(column string, t *Type, v any) *errors.Error {
	labels := t.Base().EnumLabels()
	var err *errors.Error
	if column == "" {
		err = errors.Newf(errors.ErrorTypeData, "value %v is not in enum domain %v", v, labels)
	} else {
		err = errors.Newf(errors.ErrorTypeData, "column %q: value %v is not in enum domain %v", column, v, labels)
		err = err.WithDetail("column", column)
	}
	return err.WithDetail("value", v).WithDetail("allowed", labels)
}

func decoderFor(t *Type) DecodeFunc {
	switch t.Kind {
	case KindInt8:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt8() }
	case KindInt16:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt16() }
	case KindInt32:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt32() }
	case KindInt64:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt64() }
	case KindUInt8:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt8() }
	case KindUInt16:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt16() }
	case KindUInt32:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt32() }
	case KindUInt64:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt64() }
	case KindInt128:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt128() }
	case KindUInt128:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt128() }
	case KindInt256:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadInt256() }
	case KindUInt256:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadUInt256() }
	case KindFloat32:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadFloat32() }
	case KindFloat64:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadFloat64() }
	case KindBool:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadBool() }
	case KindFixedString:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadFixedString(t.Length) }
	case KindUUID:
		return func(r *rowbinary.Reader) (any, error) {
			u, err := r.ReadUUID()
			if err != nil {
				return nil, err
			}
			return uuid.UUID(u).String(), nil
		}
	case KindDate:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadDate() }
	case KindDate32:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadDate32() }
	case KindDateTime:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadDateTime() }
	case KindDateTime64:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadDateTime64(t.Precision) }
	case KindDecimal:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadDecimal(t.Precision, t.Scale) }
	case KindEnum8, KindEnum16:
		return enumDecoder(t)
	case KindIPv4:
		return func(r *rowbinary.Reader) (any, error) {
			addr, err := r.ReadIPv4()
			if err != nil {
				return nil, err
			}
			return addr.String(), nil
		}
	case KindIPv6:
		return func(r *rowbinary.Reader) (any, error) {
			addr, err := r.ReadIPv6()
			if err != nil {
				return nil, err
			}
			return addr.String(), nil
		}

	case KindNullable:
		inner := decoderFor(t.Elem)
		return func(r *rowbinary.Reader) (any, error) {
			flag, err := r.ReadUInt8()
			if err != nil {
				return nil, err
			}
			if flag != 0 {
				return nil, nil
			}
			return inner(r)
		}
	case KindLowCardinality:
		return decoderFor(t.Elem)

	case KindArray:
		elem := decoderFor(t.Elem)
		return func(r *rowbinary.Reader) (any, error) {
			n, err := readCount(r)
			if err != nil {
				return nil, err
			}
			out := make([]any, n)
			for i := range out {
				if out[i], err = elem(r); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	case KindMap:
		key, val := decoderFor(t.Key), decoderFor(t.Value)
		return func(r *rowbinary.Reader) (any, error) {
			n, err := readCount(r)
			if err != nil {
				return nil, err
			}
			out := make(MapEntries, n)
			for i := range out {
				if out[i].Key, err = key(r); err != nil {
					return nil, err
				}
				if out[i].Value, err = val(r); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	case KindTuple:
		tuple := tupleDecoder(t.Fields)
		return func(r *rowbinary.Reader) (any, error) { return tuple(r) }
	case KindNested:
		tuple := tupleDecoder(t.Fields)
		return func(r *rowbinary.Reader) (any, error) {
			n, err := readCount(r)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, n)
			for i := range out {
				items, err := tuple(r)
				if err != nil {
					return nil, err
				}
				rec := make(map[string]any, len(t.Fields))
				for j, f := range t.Fields {
					rec[f.Name] = items[j]
				}
				out[i] = rec
			}
			return out, nil
		}

	default:
		return func(r *rowbinary.Reader) (any, error) { return r.ReadString() }
	}
}

// readCount reads a container cardinality. Every element takes at least one
// byte, so a count larger than the remaining input is truncated data.
func readCount(r *rowbinary.Reader) (int, error) {
	n, err := r.ReadUVarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.Remaining()) {
		return 0, rowbinary.ErrUnexpectedEOF
	}
	return int(n), nil
}

func tupleDecoder(fields []Field) func(*rowbinary.Reader) ([]any, error) {
	decs := make([]DecodeFunc, len(fields))
	for i, f := range fields {
		decs[i] = decoderFor(f.Type)
	}
	return func(r *rowbinary.Reader) ([]any, error) {
		out := make([]any, len(decs))
		for i, dec := range decs {
			v, err := dec(r)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
}

func enumDecoder(t *Type) DecodeFunc {
	labels := make(map[int16]string, len(t.Enum))
	for _, e := range t.Enum {
		labels[e.Value] = e.Label
	}
	return func(r *rowbinary.Reader) (any, error) {
		var value int16
		if t.Kind == KindEnum8 {
			v, err := r.ReadInt8()
			if err != nil {
				return nil, err
			}
			value = int16(v)
		} else {
			v, err := r.ReadInt16()
			if err != nil {
				return nil, err
			}
			value = v
		}
		label, ok := labels[value]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "value %d is not declared in %s", value, t)
		}
		return label, nil
	}
}
