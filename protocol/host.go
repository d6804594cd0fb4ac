package protocol

import "github.com/opd-ai/gamenet/packet"

// HostInfo advertises a server. It never carries passwords.
type HostInfo struct {
	Name        string
	Tags        []string
	MaxPlayers  uint16
	Description string
	Private     bool
}

func (p *HostInfo) Size() int {
	n := packet.SafeStringSize(p.Name, MaxNameLength) + 1
	for _, tag := range p.tags() {
		n += packet.SafeStringSize(tag, MaxNameLength)
	}
	return n + 2 + packet.SafeStringSize(p.Description, MaxTextLength) + 1
}

func (p *HostInfo) Write(w *packet.Writer) {
	w.WriteSafeString(p.Name, MaxNameLength)
	tags := p.tags()
	w.WriteUint8(uint8(len(tags)))
	for _, tag := range tags {
		w.WriteSafeString(tag, MaxNameLength)
	}
	w.WriteUint16(p.MaxPlayers)
	w.WriteSafeString(p.Description, MaxTextLength)
	w.WriteBool(p.Private)
}

func (p *HostInfo) Read(r *packet.Reader) {
	p.Name = r.ReadSafeString(MaxNameLength)
	n := int(r.ReadUint8())
	if n > MaxTags {
		n = MaxTags
	}
	p.Tags = nil
	for i := 0; i < n; i++ {
		p.Tags = append(p.Tags, r.ReadSafeString(MaxNameLength))
	}
	p.MaxPlayers = r.ReadUint16()
	p.Description = r.ReadSafeString(MaxTextLength)
	p.Private = r.ReadBool()
}

func (p *HostInfo) tags() []string {
	if len(p.Tags) > MaxTags {
		return p.Tags[:MaxTags]
	}
	return p.Tags
}
