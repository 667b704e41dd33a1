// Package rowbinary implements the byte-level cursors used to produce and
// consume ClickHouse RowBinary data.
//
// RowBinary is not self-describing: a reader must know the column type
// sequence to make sense of the bytes. This package only knows about single
// values; package codec composes them into per-type and per-row codecs.
//
// All multi-byte primitives are little-endian. The exceptions are UUID, which
// is stored as two 64-bit halves whose bytes are reversed relative to the
// canonical textual order, and IPv6, which is stored in network order.
package rowbinary

import (
	"encoding/binary"
	"math"
	"math/big"
	"net/netip"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// DefaultCapacity is the initial capacity of writers created with a
// non-positive capacity and of pooled writers.
const DefaultCapacity = 4096

// Writer is a growable byte cursor. Every write first makes sure there is
// room for it, doubling the capacity as many times as needed; the capacity
// never shrinks. A Writer is not safe for concurrent use.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) ensure(n int) {
	need := len(w.buf) + n
	if need <= cap(w.buf) {
		return
	}
	c := cap(w.buf)
	if c == 0 {
		c = 64
	}
	for c < need {
		c *= 2
	}
	grown := make([]byte, len(w.buf), c)
	copy(grown, w.buf)
	w.buf = grown
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Cap returns the current capacity of the underlying buffer.
func (w *Writer) Cap() int { return cap(w.buf) }

// Bytes returns the written prefix without copying. The slice is only valid
// until the next write or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Finalize returns a copy of the written prefix. The copy stays valid after
// the writer is reset and reused.
func (w *Writer) Finalize() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// Reset empties the writer but keeps its capacity.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// Write implements io.Writer. It never fails.
func (w *Writer) Write(p []byte) (int, error) {
	w.ensure(len(p))
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *Writer) WriteUInt8(v uint8) {
	w.ensure(1)
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteInt8(v int8) { w.WriteUInt8(uint8(v)) }

func (w *Writer) WriteUInt16(v uint16) {
	w.ensure(2)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt16(v int16) { w.WriteUInt16(uint16(v)) }

func (w *Writer) WriteUInt32(v uint32) {
	w.ensure(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUInt32(uint32(v)) }

func (w *Writer) WriteUInt64(v uint64) {
	w.ensure(8)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) { w.WriteUInt64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUInt32(math.Float32bits(v)) }

func (w *Writer) WriteFloat64(v float64) { w.WriteUInt64(math.Float64bits(v)) }

// WriteBool writes a single byte, 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUInt8(1)
		return
	}
	w.WriteUInt8(0)
}

// WriteUVarint writes v as an unsigned LEB128 varint: seven payload bits per
// byte, least significant group first, with the high bit set on every byte
// but the last.
func (w *Writer) WriteUVarint(v uint64) {
	w.ensure(binary.MaxVarintLen64)
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteString writes a varint byte length followed by the UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	w.WriteUVarint(uint64(len(s)))
	w.ensure(len(s))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes a varint length followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUVarint(uint64(len(b)))
	w.ensure(len(b))
	w.buf = append(w.buf, b...)
}

// WriteFixedString writes exactly n bytes: b followed by zero padding.
// Input longer than n is rejected.
func (w *Writer) WriteFixedString(b []byte, n int) error {
	if len(b) > n {
		return errors.Newf(errors.ErrorTypeData, "value of %d bytes does not fit FixedString(%d)", len(b), n)
	}
	w.ensure(n)
	w.buf = append(w.buf, b...)
	for i := len(b); i < n; i++ {
		w.buf = append(w.buf, 0)
	}
	return nil
}

// WriteUUID writes the 16 UUID bytes as two 64-bit halves, each byte-reversed.
func (w *Writer) WriteUUID(u [16]byte) {
	w.ensure(16)
	for i := 7; i >= 0; i-- {
		w.buf = append(w.buf, u[i])
	}
	for i := 15; i >= 8; i-- {
		w.buf = append(w.buf, u[i])
	}
}

var (
	two64  = new(big.Int).Lsh(big.NewInt(1), 64)
	mask64 = new(big.Int).Sub(two64, big.NewInt(1))
)

// writeBigInt writes v as `words` little-endian 64-bit words in two's
// complement.
func (w *Writer) writeBigInt(v *big.Int, words int, signed bool) error {
	bits := uint(words * 64)
	if err := checkBigRange(v, bits, signed); err != nil {
		return err
	}
	x := new(big.Int).Set(v)
	if x.Sign() < 0 {
		x.Add(x, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	word := new(big.Int)
	w.ensure(words * 8)
	for i := 0; i < words; i++ {
		word.And(x, mask64)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, word.Uint64())
		x.Rsh(x, 64)
	}
	return nil
}

func checkBigRange(v *big.Int, bits uint, signed bool) error {
	var lo, hi *big.Int
	if signed {
		hi = new(big.Int).Lsh(big.NewInt(1), bits-1)
		lo = new(big.Int).Neg(hi)
	} else {
		lo = big.NewInt(0)
		hi = new(big.Int).Lsh(big.NewInt(1), bits)
	}
	if v.Cmp(lo) < 0 || v.Cmp(hi) >= 0 {
		kind := "UInt"
		if signed {
			kind = "Int"
		}
		return errors.Newf(errors.ErrorTypeData, "value %s overflows %s%d", v.String(), kind, bits)
	}
	return nil
}

func (w *Writer) WriteInt128(v *big.Int) error  { return w.writeBigInt(v, 2, true) }
func (w *Writer) WriteUInt128(v *big.Int) error { return w.writeBigInt(v, 2, false) }
func (w *Writer) WriteInt256(v *big.Int) error  { return w.writeBigInt(v, 4, true) }
func (w *Writer) WriteUInt256(v *big.Int) error { return w.writeBigInt(v, 4, false) }

// DecimalBits returns the storage width of Decimal(precision, _).
func DecimalBits(precision int) int {
	switch {
	case precision <= 9:
		return 32
	case precision <= 18:
		return 64
	case precision <= 38:
		return 128
	default:
		return 256
	}
}

// WriteDecimal writes round(d * 10^scale) in the width implied by precision.
func (w *Writer) WriteDecimal(d decimal.Decimal, precision, scale int) error {
	scaled := d.Shift(int32(scale)).Round(0).BigInt()
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	if scaled.CmpAbs(limit) >= 0 {
		return errors.Newf(errors.ErrorTypeData, "decimal %s overflows Decimal(%d, %d)", d.String(), precision, scale)
	}
	switch DecimalBits(precision) {
	case 32:
		if !scaled.IsInt64() || scaled.Int64() < math.MinInt32 || scaled.Int64() > math.MaxInt32 {
			return errors.Newf(errors.ErrorTypeData, "decimal %s overflows Decimal(%d, %d)", d.String(), precision, scale)
		}
		w.WriteInt32(int32(scaled.Int64()))
		return nil
	case 64:
		if !scaled.IsInt64() {
			return errors.Newf(errors.ErrorTypeData, "decimal %s overflows Decimal(%d, %d)", d.String(), precision, scale)
		}
		w.WriteInt64(scaled.Int64())
		return nil
	case 128:
		return w.WriteInt128(scaled)
	default:
		return w.WriteInt256(scaled)
	}
}

const secondsPerDay = 86400

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// WriteDate writes the number of days since 1970-01-01 as UInt16.
func (w *Writer) WriteDate(t time.Time) error {
	days := floorDiv(t.Unix(), secondsPerDay)
	if days < 0 || days > math.MaxUint16 {
		return errors.Newf(errors.ErrorTypeData, "date %s is outside the Date range", t.UTC().Format(time.DateOnly))
	}
	w.WriteUInt16(uint16(days))
	return nil
}

// WriteDate32 writes the number of days since 1970-01-01 as Int32.
func (w *Writer) WriteDate32(t time.Time) error {
	days := floorDiv(t.Unix(), secondsPerDay)
	if days < math.MinInt32 || days > math.MaxInt32 {
		return errors.Newf(errors.ErrorTypeData, "date %s is outside the Date32 range", t.UTC().Format(time.DateOnly))
	}
	w.WriteInt32(int32(days))
	return nil
}

// WriteDateTime writes the UNIX timestamp in seconds as UInt32.
func (w *Writer) WriteDateTime(t time.Time) error {
	sec := t.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return errors.Newf(errors.ErrorTypeData, "time %s is outside the DateTime range", t.UTC().Format(time.RFC3339))
	}
	w.WriteUInt32(uint32(sec))
	return nil
}

// WriteDateTime64 writes the number of 10^-precision second ticks since the
// epoch as Int64.
func (w *Writer) WriteDateTime64(t time.Time, precision int) error {
	if precision < 0 || precision > 9 {
		return errors.Newf(errors.ErrorTypeConfig, "DateTime64 precision %d is out of range", precision)
	}
	scale := pow10[precision]
	sec := t.Unix()
	if sec > math.MaxInt64/scale || sec < math.MinInt64/scale {
		return errors.Newf(errors.ErrorTypeData, "time %s overflows DateTime64(%d)", t.UTC().Format(time.RFC3339), precision)
	}
	ticks := sec*scale + int64(t.Nanosecond())/pow10[9-precision]
	w.WriteInt64(ticks)
	return nil
}

var pow10 = [...]int64{1, 10, 100, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9}

// WriteIPv4 packs the address high byte first into a UInt32 and writes it
// little-endian, which is the ClickHouse IPv4 column layout.
func (w *Writer) WriteIPv4(addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.Is4() {
		return errors.Newf(errors.ErrorTypeData, "%s is not an IPv4 address", addr)
	}
	a := addr.As4()
	w.WriteUInt32(uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3]))
	return nil
}

// WriteIPv6 writes the 16 address bytes in network order. IPv4 addresses are
// written in their IPv4-mapped form.
func (w *Writer) WriteIPv6(addr netip.Addr) error {
	if !addr.IsValid() {
		return errors.New(errors.ErrorTypeData, "invalid IPv6 address")
	}
	b := addr.As16()
	w.ensure(16)
	w.buf = append(w.buf, b[:]...)
	return nil
}
