package rowbinary

import (
	"encoding/binary"
	"math"
	"math/big"
	"net/netip"
	"time"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

var (
	// ErrUnexpectedEOF is returned when a read needs more bytes than remain.
	ErrUnexpectedEOF = errors.New(errors.ErrorTypeData, "rowbinary: unexpected end of buffer")
	// ErrVarintOverflow is returned for a varint longer than 64 bits.
	ErrVarintOverflow = errors.New(errors.ErrorTypeData, "rowbinary: varint overflows uint64")
)

// Reader is a bounded cursor over RowBinary bytes. Reads never panic on
// truncated input; they return ErrUnexpectedEOF instead.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Reset repositions the reader at the start of b.
func (r *Reader) Reset(b []byte) {
	r.buf = b
	r.off = 0
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadUInt8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUInt8()
	return int8(v), err
}

func (r *Reader) ReadUInt16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUInt16()
	return int16(v), err
}

func (r *Reader) ReadUInt32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUInt32()
	return int32(v), err
}

func (r *Reader) ReadUInt64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUInt64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUInt32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUInt64()
	return math.Float64frombits(v), err
}

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUInt8()
	return v != 0, err
}

// ReadUVarint reads an unsigned LEB128 varint.
func (r *Reader) ReadUVarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrVarintOverflow
	}
	r.off += n
	return v, nil
}

// ReadBytes reads a varint length followed by that many bytes. The returned
// slice aliases the reader's buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	return r.next(int(n))
}

// ReadString reads a varint length followed by UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFixedString reads n bytes and strips trailing NUL padding.
func (r *Reader) ReadFixedString(n int) (string, error) {
	b, err := r.next(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// ReadUUID reads two byte-reversed 64-bit halves and returns the UUID bytes
// in canonical order.
func (r *Reader) ReadUUID() ([16]byte, error) {
	var u [16]byte
	b, err := r.next(16)
	if err != nil {
		return u, err
	}
	for i := 0; i < 8; i++ {
		u[i] = b[7-i]
		u[8+i] = b[15-i]
	}
	return u, nil
}

func (r *Reader) readBigInt(words int, signed bool) (*big.Int, error) {
	b, err := r.next(words * 8)
	if err != nil {
		return nil, err
	}
	x := new(big.Int)
	word := new(big.Int)
	for i := words - 1; i >= 0; i-- {
		x.Lsh(x, 64)
		word.SetUint64(binary.LittleEndian.Uint64(b[i*8:]))
		x.Or(x, word)
	}
	bits := uint(words * 64)
	if signed && x.Bit(int(bits-1)) == 1 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	return x, nil
}

func (r *Reader) ReadInt128() (*big.Int, error)  { return r.readBigInt(2, true) }
func (r *Reader) ReadUInt128() (*big.Int, error) { return r.readBigInt(2, false) }
func (r *Reader) ReadInt256() (*big.Int, error)  { return r.readBigInt(4, true) }
func (r *Reader) ReadUInt256() (*big.Int, error) { return r.readBigInt(4, false) }

// ReadDecimal reads a scaled integer of the width implied by precision and
// divides it by 10^scale.
//
// The division happens in float64, so decimals wider than 64 bits (and large
// 64-bit ones) lose precision on this path. Callers needing exact values
// should read the raw integer with ReadInt128/ReadInt256 instead.
func (r *Reader) ReadDecimal(precision, scale int) (float64, error) {
	var f float64
	switch DecimalBits(precision) {
	case 32:
		v, err := r.ReadInt32()
		if err != nil {
			return 0, err
		}
		f = float64(v)
	case 64:
		v, err := r.ReadInt64()
		if err != nil {
			return 0, err
		}
		f = float64(v)
	case 128:
		v, err := r.ReadInt128()
		if err != nil {
			return 0, err
		}
		f, _ = new(big.Float).SetInt(v).Float64()
	default:
		v, err := r.ReadInt256()
		if err != nil {
			return 0, err
		}
		f, _ = new(big.Float).SetInt(v).Float64()
	}
	return f / math.Pow10(scale), nil
}

// ReadDate reads a UInt16 day number.
func (r *Reader) ReadDate() (time.Time, error) {
	days, err := r.ReadUInt16()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(days)*secondsPerDay, 0).UTC(), nil
}

// ReadDate32 reads an Int32 day number.
func (r *Reader) ReadDate32() (time.Time, error) {
	days, err := r.ReadInt32()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(days)*secondsPerDay, 0).UTC(), nil
}

// ReadDateTime reads a UInt32 UNIX timestamp.
func (r *Reader) ReadDateTime() (time.Time, error) {
	sec, err := r.ReadUInt32()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), 0).UTC(), nil
}

// ReadDateTime64 reads Int64 ticks of 10^-precision seconds.
func (r *Reader) ReadDateTime64(precision int) (time.Time, error) {
	if precision < 0 || precision > 9 {
		return time.Time{}, errors.Newf(errors.ErrorTypeConfig, "DateTime64 precision %d is out of range", precision)
	}
	ticks, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	scale := pow10[precision]
	sec := floorDiv(ticks, scale)
	rem := ticks - sec*scale
	return time.Unix(sec, rem*pow10[9-precision]).UTC(), nil
}

// ReadIPv4 reads a little-endian UInt32 and unpacks it high byte first.
func (r *Reader) ReadIPv4() (netip.Addr, error) {
	v, err := r.ReadUInt32()
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), nil
}

// ReadIPv6 reads 16 bytes in network order.
func (r *Reader) ReadIPv6() (netip.Addr, error) {
	b, err := r.next(16)
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom16([16]byte(b)), nil
}
