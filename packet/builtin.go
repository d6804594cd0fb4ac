package packet

import (
	"fmt"

	"github.com/opd-ai/gamenet/limits"
)

// BuiltinOwner owns the reserved packet types.
const BuiltinOwner = "gamenet/builtin"

// Empty is the zero-payload keep-alive.
type Empty struct{}

func (*Empty) Size() int { return 0 }
func (*Empty) Write(_ *Writer) {}
func (*Empty) Read(_ *Reader) {}

// Bundle batches complete encoded packets into one send.
//
// Wire layout: u32 item count, then per item a u16 length and the item's
// bytes (hash header included).
type Bundle struct {
	Items [][]byte
}

// NewBundle encodes items into a bundle.
func NewBundle(reg *Registry, items ...Packet) (*Bundle, error) {
	b := &Bundle{Items: make([][]byte, 0, len(items))}
	for _, p := range items {
		if p == nil {
			continue
		}
		data, err := Encode(reg, p)
		if err != nil {
			return nil, fmt.Errorf("bundle item: %w", err)
		}
		if err := b.Add(data); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add appends an already encoded packet.
func (b *Bundle) Add(data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("%w: bundle item of %d bytes", limits.ErrMessageTooLarge, len(data))
	}
	b.Items = append(b.Items, data)
	return nil
}

// Len returns the number of items.
func (b *Bundle) Len() int {
	return len(b.Items)
}

func (b *Bundle) Size() int {
	n := 4
	for _, item := range b.Items {
		n += 2 + len(item)
	}
	return n
}

func (b *Bundle) Write(w *Writer) {
	w.WriteUint32(uint32(len(b.Items)))
	for _, item := range b.Items {
		w.WriteUint16(uint16(len(item)))
		w.WriteBytes(item)
	}
}

func (b *Bundle) Read(r *Reader) {
	count := r.ReadUint32()
	b.Items = b.Items[:0]
	for i := uint32(0); i < count && i < limits.MaxBundleItems; i++ {
		item, ok := r.Next(int(r.ReadUint16()))
		if !ok {
			return
		}
		b.Items = append(b.Items, append([]byte(nil), item...))
	}
}

// RegisterBuiltins binds Empty and Bundle to their reserved hashes.
func RegisterBuiltins(reg *Registry) error {
	if err := reg.RegisterReserved(BuiltinOwner, HashEmpty, func() Packet { return &Empty{} }); err != nil {
		return err
	}
	return reg.RegisterReserved(BuiltinOwner, HashBundle, func() Packet { return &Bundle{} })
}
