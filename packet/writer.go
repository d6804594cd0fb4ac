package packet

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/opd-ai/gamenet/limits"
)

// MaxCompressedPrecision is the highest precision tier of compressed floats.
const MaxCompressedPrecision = 3

var pow10 = [MaxCompressedPrecision + 1]float64{1, 10, 100, 1000}

// Writer appends little-endian encoded values to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with capacity for size bytes.
func NewWriter(size int) *Writer {
	if size < 0 {
		size = 0
	}
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset truncates the buffer, keeping its capacity.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16 appends v little-endian.
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteUint32 appends v little-endian.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteUint64 appends v little-endian.
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteInt8 appends v as one byte.
func (w *Writer) WriteInt8(v int8) {
	w.WriteUint8(uint8(v))
}

// WriteInt16 appends v little-endian.
func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

// WriteInt32 appends v little-endian.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteInt64 appends v little-endian.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteBool appends 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteFloat32 writes v, coercing NaN and infinities to zero.
func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(float32(finite(float64(v)))))
}

// WriteFloat64 writes v, coercing NaN and infinities to zero.
func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(finite(v)))
}

// WriteBytes appends raw bytes without a length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteSafeString writes s as a u16 code-unit count followed by UTF-16LE code
// units. Strings longer than maxLen code units are truncated before encoding;
// maxLen <= 0 selects limits.MaxSafeStringLength.
func (w *Writer) WriteSafeString(s string, maxLen int) {
	units := utf16.Encode([]rune(s))
	units = truncateUnits(units, clampMaxLen(maxLen))
	w.WriteUint16(uint16(len(units)))
	for _, u := range units {
		w.WriteUint16(u)
	}
}

// WriteCompressedFloat writes round(v*10^precision) as an i16, saturating at
// the i16 range. Precision is clamped to 0..MaxCompressedPrecision.
func (w *Writer) WriteCompressedFloat(v float64, precision int) {
	scaled := math.Round(finite(v) * pow10[clampPrecision(precision)])
	switch {
	case scaled > math.MaxInt16:
		scaled = math.MaxInt16
	case scaled < math.MinInt16:
		scaled = math.MinInt16
	}
	w.WriteInt16(int16(scaled))
}

// SafeStringSize returns the encoded size of s under the same truncation rule
// as WriteSafeString.
func SafeStringSize(s string, maxLen int) int {
	units := utf16.Encode([]rune(s))
	return 2 + 2*len(truncateUnits(units, clampMaxLen(maxLen)))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clampPrecision(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxCompressedPrecision {
		return MaxCompressedPrecision
	}
	return p
}

func clampMaxLen(maxLen int) int {
	if maxLen <= 0 || maxLen > math.MaxUint16 {
		return limits.MaxSafeStringLength
	}
	return maxLen
}

// truncateUnits cuts units to at most n code units without splitting a
// surrogate pair.
func truncateUnits(units []uint16, n int) []uint16 {
	if len(units) <= n {
		return units
	}
	units = units[:n]
	if n > 0 && utf16.IsSurrogate(rune(units[n-1])) && units[n-1] < 0xDC00 {
		units = units[:n-1]
	}
	return units
}
