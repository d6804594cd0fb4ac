package protocol

import "github.com/opd-ai/gamenet/packet"

// Ping is a loopback probe. Clients stamp Timestamp (milliseconds) and report
// their last measured round trip in Latency; the server echoes it unchanged.
type Ping struct {
	Timestamp int64
	Latency   uint16
}

func (p *Ping) Size() int { return 10 }

func (p *Ping) Write(w *packet.Writer) {
	w.WriteInt64(p.Timestamp)
	w.WriteUint16(p.Latency)
}

func (p *Ping) Read(r *packet.Reader) {
	p.Timestamp = r.ReadInt64()
	p.Latency = r.ReadUint16()
}

// PingEntry is one row of the ping table.
type PingEntry struct {
	NetworkID uint16
	Latency   uint16
}

// PingTable is the server's snapshot of peer latencies.
type PingTable struct {
	Entries []PingEntry
}

// Latency returns the recorded latency of id.
func (p *PingTable) Latency(id uint16) (uint16, bool) {
	for _, e := range p.Entries {
		if e.NetworkID == id {
			return e.Latency, true
		}
	}
	return 0, false
}

func (p *PingTable) Size() int { return 2 + 4*len(p.Entries) }

func (p *PingTable) Write(w *packet.Writer) {
	w.WriteUint16(uint16(len(p.Entries)))
	for _, e := range p.Entries {
		w.WriteUint16(e.NetworkID)
		w.WriteUint16(e.Latency)
	}
}

func (p *PingTable) Read(r *packet.Reader) {
	declared := int(r.ReadUint16())
	n := declared
	if avail := r.Remaining() / 4; n > avail {
		n = avail
	}
	p.Entries = nil
	if n > 0 {
		p.Entries = make([]PingEntry, n)
		for i := range p.Entries {
			p.Entries[i] = PingEntry{NetworkID: r.ReadUint16(), Latency: r.ReadUint16()}
		}
	}
	r.Skip(4 * (declared - n))
}
