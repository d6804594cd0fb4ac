package protocol

import (
	"fmt"

	"github.com/opd-ai/gamenet/packet"
)

// Owner is the registry owner of the session packets.
const Owner = "gamenet/protocol"

const (
	// MaxNameLength bounds usernames and host names on the wire.
	MaxNameLength = 32
	// MaxTextLength bounds free-form text such as kick reasons and alerts.
	MaxTextLength = 256
	// MaxTags bounds the host tag list.
	MaxTags = 16
)

// Factories returns the factories of every session packet.
func Factories() []packet.Factory {
	return []packet.Factory{
		func() packet.Packet { return &PacketMap{} },
		func() packet.Packet { return &Password{} },
		func() packet.Packet { return &Administration{} },
		func() packet.Packet { return &Handshake{} },
		func() packet.Packet { return &HostInfo{} },
		func() packet.Packet { return &Username{} },
		func() packet.Packet { return &Ping{} },
		func() packet.Packet { return &PingTable{} },
		func() packet.Packet { return &AdminList{} },
	}
}

// Register binds the reserved built-ins and every session packet into reg.
func Register(reg *packet.Registry) error {
	if err := packet.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	if _, err := reg.RegisterSet(Owner, Factories()...); err != nil {
		return fmt.Errorf("register protocol packets: %w", err)
	}
	return nil
}

// Release drops one reference taken by Register. Types shared with other
// sessions on the same registry stay registered until their last release.
func Release(reg *packet.Registry) {
	for _, f := range Factories() {
		reg.Unregister(Owner, f())
	}
	reg.Unregister(packet.BuiltinOwner, &packet.Empty{})
	reg.Unregister(packet.BuiltinOwner, &packet.Bundle{})
}

// Unregister removes the session packets owned by this package.
func Unregister(reg *packet.Registry) {
	reg.UnregisterOwner(Owner)
	reg.UnregisterOwner(packet.BuiltinOwner)
}

// HandshakeOp identifies a handshake step.
type HandshakeOp uint8

const (
	// AssignSelf tells a peer its own external id.
	AssignSelf HandshakeOp = iota
	// CreateOther announces another peer.
	CreateOther
	// DestroyOther announces a peer has left.
	DestroyOther
)

func (op HandshakeOp) String() string {
	switch op {
	case AssignSelf:
		return "AssignSelf"
	case CreateOther:
		return "CreateOther"
	case DestroyOther:
		return "DestroyOther"
	default:
		return fmt.Sprintf("HandshakeOp(%d)", uint8(op))
	}
}

// Handshake carries peer identity changes.
type Handshake struct {
	Op        HandshakeOp
	NetworkID uint16
}

func (p *Handshake) Size() int { return 3 }

func (p *Handshake) Write(w *packet.Writer) {
	w.WriteUint8(uint8(p.Op))
	w.WriteUint16(p.NetworkID)
}

func (p *Handshake) Read(r *packet.Reader) {
	p.Op = HandshakeOp(r.ReadUint8())
	p.NetworkID = r.ReadUint16()
}

// Password is sent by clients with an attempted password. From the server it
// is either a rejection (NetworkID 0, Text holds the remaining attempts) or an
// approval (NetworkID is the approved peer's id).
type Password struct {
	NetworkID uint16
	Text      string
}

// Approved reports whether a server reply approves the connection.
func (p *Password) Approved() bool {
	return p.NetworkID != 0
}

func (p *Password) Size() int { return 2 + packet.SafeStringSize(p.Text, MaxTextLength) }

func (p *Password) Write(w *packet.Writer) {
	w.WriteUint16(p.NetworkID)
	w.WriteSafeString(p.Text, MaxTextLength)
}

func (p *Password) Read(r *packet.Reader) {
	p.NetworkID = r.ReadUint16()
	p.Text = r.ReadSafeString(MaxTextLength)
}

// Username submits or announces a peer's display name.
type Username struct {
	NetworkID uint16
	Name      string
}

func (p *Username) Size() int { return 2 + packet.SafeStringSize(p.Name, MaxNameLength) }

func (p *Username) Write(w *packet.Writer) {
	w.WriteUint16(p.NetworkID)
	w.WriteSafeString(p.Name, MaxNameLength)
}

func (p *Username) Read(r *packet.Reader) {
	p.NetworkID = r.ReadUint16()
	p.Name = r.ReadSafeString(MaxNameLength)
}

// PacketMap announces the compaction table valid for this session.
type PacketMap struct {
	Hashes []uint16
}

// HashMap builds the compaction table.
func (p *PacketMap) HashMap() *packet.HashMap {
	return packet.NewHashMap(p.Hashes)
}

func (p *PacketMap) Size() int { return 2 + 2*len(p.Hashes) }

func (p *PacketMap) Write(w *packet.Writer) {
	w.WriteUint16(uint16(len(p.Hashes)))
	for _, h := range p.Hashes {
		w.WriteUint16(h)
	}
}

func (p *PacketMap) Read(r *packet.Reader) {
	p.Hashes = readIDs(r)
}

// AdminList privately lists the current admins.
type AdminList struct {
	IDs []uint16
}

func (p *AdminList) Size() int { return 2 + 2*len(p.IDs) }

func (p *AdminList) Write(w *packet.Writer) {
	w.WriteUint16(uint16(len(p.IDs)))
	for _, id := range p.IDs {
		w.WriteUint16(id)
	}
}

func (p *AdminList) Read(r *packet.Reader) {
	p.IDs = readIDs(r)
}

// readIDs reads a counted list of uint16s. A count larger than the buffer
// is clamped and the shortfall skipped, leaving the reader overrun.
func readIDs(r *packet.Reader) []uint16 {
	declared := int(r.ReadUint16())
	n := declared
	if avail := r.Remaining() / 2; n > avail {
		n = avail
	}
	var ids []uint16
	if n > 0 {
		ids = make([]uint16, n)
		for i := range ids {
			ids[i] = r.ReadUint16()
		}
	}
	r.Skip(2 * (declared - n))
	return ids
}
