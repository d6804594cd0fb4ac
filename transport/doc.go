// Package transport provides the connection-oriented datagram transports the
// session layer runs on.
//
// # Architecture
//
// A Transport exposes a small capability set that the session core drives
// from its tick: bind, listen, accept, connect, send on one of two pipelines,
// poll events and disconnect. Implementations never call back into the
// session; everything observable is queued and drained by PollEvent and
// Accept.
//
//	type Transport interface {
//	    Bind(addr string) error
//	    Listen() error
//	    Accept() (ConnID, bool)
//	    Connect(addr string) (ConnID, error)
//	    Send(c ConnID, p Pipeline, data []byte) error
//	    PollEvent() (Event, bool)
//	    Disconnect(c ConnID) error
//	    State(c ConnID) State
//	    Update()
//	    ...
//	}
//
// # Pipelines
//
// Reliable is reliable-sequenced: frames are acknowledged, resent until
// acknowledged and delivered in order. Once MaxPacketCount frames are in
// flight for a connection, Send returns ErrQueueFull; callers retry on a
// later tick.
//
// Unreliable is unreliable-sequenced: frames may be lost, and a frame older
// than the newest one already delivered is dropped. Outbound unreliable
// frames pass through the Simulator stage, which applies the configured
// delay, jitter and drop rules.
//
// # Implementations
//
// UDPTransport runs over a single net.PacketConn:
//
//	t := transport.NewUDPTransport(transport.DefaultParameters())
//	if err := t.Bind(":7777"); err != nil {
//	    return err
//	}
//	_ = t.Listen()
//
// MemoryNetwork connects MemoryTransports in-process and delivers frames on
// Update, which makes client/server tests deterministic.
package transport
