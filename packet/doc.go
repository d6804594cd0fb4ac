// Package packet implements the wire identity and codec of the session layer.
//
// Every packet on the wire starts with a little-endian 16-bit type hash,
// followed by a body written with the Writer primitives:
//
//	+--------+---------------------------+
//	| hash   | body                      |
//	| u16 LE | Packet.Write(w) output    |
//	+--------+---------------------------+
//
// The hash is a CRC-16/CCITT of the packet type's fully-qualified Go name, so
// two processes that register the same types agree on identifiers without a
// handshake. Two values are reserved: HashEmpty (0x0000) marks a zero-payload
// keep-alive and HashBundle (0xFFFF) marks a container of sub-packets.
//
// # Registry
//
// A Registry maps hashes to factories. Entries are reference counted per
// owner so that a packet set registered by several sources is only removed
// once every owner has unregistered it:
//
//	reg := packet.NewRegistry()
//	hash, err := reg.Register("game", func() packet.Packet { return &Move{} })
//
// Registration of a second type that hashes to an occupied value is refused
// with ErrHashCollision.
//
// # Codec
//
// Writer and Reader carry fixed-width little-endian integers and floats, safe
// strings (u16 length + UTF-16 code units, truncated before encoding) and
// compressed floats (round(v*10^p) stored as i16, precision 0-3). NaN and
// infinities are written as zero.
//
// A Reader never panics. Reads past the end of the buffer return zero values
// and still advance the cursor; the overrun is recorded and reported by
// Reader.Err so callers can reject the packet.
package packet
