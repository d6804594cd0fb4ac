package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// Reader decodes little-endian values from a byte slice.
//
// Reader is a value type: copying it yields an independent cursor over the
// same bytes, which the dispatcher relies on to hand every listener a fresh
// read position.
type Reader struct {
	data    []byte
	off     int
	overrun bool
}

// NewReader returns a reader positioned at the start of data.
func NewReader(data []byte) Reader {
	return Reader{data: data}
}

// Offset returns the cursor position. It may exceed Len after an overrun.
func (r *Reader) Offset() int {
	return r.off
}

// Len returns the length of the underlying buffer.
func (r *Reader) Len() int {
	return len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.off >= len(r.data) {
		return 0
	}
	return len(r.data) - r.off
}

// Overrun reports whether any read ran past the end of the buffer.
func (r *Reader) Overrun() bool {
	return r.overrun
}

// Err returns ErrShortBuffer if a read ran past the end of the buffer.
func (r *Reader) Err() error {
	if r.overrun {
		return fmt.Errorf("%w: offset %d, length %d", ErrShortBuffer, r.off, len(r.data))
	}
	return nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) {
	if n <= 0 {
		return
	}
	if n > r.Remaining() {
		r.overrun = true
	}
	r.off += n
}

// Slice returns a reader over the next n bytes and advances past them.
func (r *Reader) Slice(n int) Reader {
	start := r.off
	r.Skip(n)
	if start >= len(r.data) {
		return Reader{}
	}
	end := start + n
	if end > len(r.data) {
		end = len(r.data)
	}
	return Reader{data: r.data[start:end], overrun: start+n > len(r.data)}
}

// take returns the next n bytes, zero-filled where the buffer is short.
func (r *Reader) take(n int) []byte {
	out := make([]byte, n)
	if r.off < len(r.data) {
		copy(out, r.data[r.off:])
	}
	if r.off+n > len(r.data) {
		r.overrun = true
	}
	r.off += n
	return out
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() uint8 {
	return r.take(1)[0]
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() uint16 {
	return binary.LittleEndian.Uint16(r.take(2))
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	return binary.LittleEndian.Uint32(r.take(4))
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	return binary.LittleEndian.Uint64(r.take(8))
}

// ReadInt8 reads a signed byte.
func (r *Reader) ReadInt8() int8 {
	return int8(r.ReadUint8())
}

// ReadInt16 reads a little-endian int16.
func (r *Reader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadBool reads a byte and reports whether it is non-zero.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadFloat32 reads an IEEE 754 float32.
func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadFloat64 reads an IEEE 754 float64.
func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	if avail := r.Remaining(); n > avail {
		// never allocate more than the buffer can hold
		out := make([]byte, avail)
		if avail > 0 {
			copy(out, r.data[r.off:])
		}
		r.Skip(n)
		return out
	}
	return r.take(n)
}

// ReadSafeString reads a string written by Writer.WriteSafeString. At most
// maxLen code units are kept; excess declared units are skipped so the
// cursor stays aligned. maxLen <= 0 selects limits.MaxSafeStringLength.
func (r *Reader) ReadSafeString(maxLen int) string {
	declared := int(r.ReadUint16())
	keep := declared
	if limit := clampMaxLen(maxLen); keep > limit {
		keep = limit
	}
	if avail := r.Remaining() / 2; keep > avail {
		keep = avail
	}

	units := make([]uint16, keep)
	for i := range units {
		units[i] = r.ReadUint16()
	}
	r.Skip(2 * (declared - keep))
	return string(utf16.Decode(units))
}

// ReadCompressedFloat reads a value written by Writer.WriteCompressedFloat.
func (r *Reader) ReadCompressedFloat(precision int) float64 {
	return float64(r.ReadInt16()) / pow10[clampPrecision(precision)]
}

// Next returns the next n bytes without copying and advances past them.
// It reports false if fewer than n bytes remain.
func (r *Reader) Next(n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	if n > r.Remaining() {
		r.Skip(n)
		return nil, false
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, true
}
