// Package protocol defines the packets the session layer itself speaks:
// handshakes, password and username negotiation, host advertisement,
// administration, pings and the packet map.
//
// Register binds all of them, together with the reserved keep-alive and
// bundle types, into a registry:
//
//	reg := packet.NewRegistry()
//	if err := protocol.Register(reg); err != nil {
//	    return err
//	}
//
// Application packets are registered separately by their own owners.
package protocol
