package packet

import (
	"fmt"
	"reflect"

	"github.com/opd-ai/gamenet/limits"
)

const (
	// HashEmpty identifies the zero-payload keep-alive packet.
	HashEmpty uint16 = 0x0000
	// HashBundle identifies a container of sub-packets.
	HashBundle uint16 = 0xFFFF
)

// Packet is a message that can be written to and read from the wire.
type Packet interface {
	// Size returns the encoded body size, used to pre-size the writer.
	Size() int
	// Write encodes the body.
	Write(w *Writer)
	// Read decodes the body.
	Read(r *Reader)
}

// Factory returns a new zero value of a packet type.
type Factory func() Packet

// IsReserved reports whether hash is one of the reserved wire values.
func IsReserved(hash uint16) bool {
	return hash == HashEmpty || hash == HashBundle
}

// TypeName returns the fully-qualified name of p's concrete type.
func TypeName(p Packet) string {
	return typeName(reflect.TypeOf(p))
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Encode writes the hash header and body of p.
func Encode(reg *Registry, p Packet) ([]byte, error) {
	hash, ok := reg.HashOf(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, TypeName(p))
	}
	return EncodeWithHash(hash, p), nil
}

// EncodeWithHash writes hash followed by the body of p.
func EncodeWithHash(hash uint16, p Packet) []byte {
	w := NewWriter(limits.HeaderSize + p.Size())
	w.WriteUint16(hash)
	p.Write(w)
	return w.Bytes()
}

// PeekHash returns the type hash at the start of data.
func PeekHash(data []byte) (uint16, bool) {
	if len(data) < limits.HeaderSize {
		return 0, false
	}
	return uint16(data[0]) | uint16(data[1])<<8, true
}

// Decode constructs the registered type for data's hash and reads its body.
func Decode(reg *Registry, data []byte) (Packet, error) {
	hash, ok := PeekHash(data)
	if !ok {
		return nil, fmt.Errorf("%w: missing header", ErrShortBuffer)
	}
	factory, ok := reg.Lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownHash, hash)
	}
	p := factory()
	if p == nil {
		return nil, ErrNilFactory
	}
	r := NewReader(data[limits.HeaderSize:])
	p.Read(&r)
	if err := r.Err(); err != nil {
		return p, fmt.Errorf("decode %s: %w", TypeName(p), err)
	}
	return p, nil
}
