package protocol

import (
	"fmt"

	"github.com/opd-ai/gamenet/packet"
)

// AdminOp identifies an administration request or notice.
type AdminOp uint8

const (
	Authorize AdminOp = iota
	Promote
	Demote
	Rename
	Kick
	Ban
	Alert
	Shutdown
)

var adminOpNames = [...]string{"Authorize", "Promote", "Demote", "Rename", "Kick", "Ban", "Alert", "Shutdown"}

func (op AdminOp) String() string {
	if int(op) < len(adminOpNames) {
		return adminOpNames[op]
	}
	return fmt.Sprintf("AdminOp(%d)", uint8(op))
}

// Valid reports whether op is a known operation.
func (op AdminOp) Valid() bool {
	return int(op) < len(adminOpNames)
}

// Administration carries admin requests from clients and admin notices from
// the server. NetworkID 0 means self or none.
type Administration struct {
	Op        AdminOp
	NetworkID uint16
	Text      string
}

func (p *Administration) Size() int { return 3 + packet.SafeStringSize(p.Text, MaxTextLength) }

func (p *Administration) Write(w *packet.Writer) {
	w.WriteUint8(uint8(p.Op))
	w.WriteUint16(p.NetworkID)
	w.WriteSafeString(p.Text, MaxTextLength)
}

func (p *Administration) Read(r *packet.Reader) {
	p.Op = AdminOp(r.ReadUint8())
	p.NetworkID = r.ReadUint16()
	p.Text = r.ReadSafeString(MaxTextLength)
}
