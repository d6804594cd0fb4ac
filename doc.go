// Package gamenet is a UDP client/server session layer for small multiplayer
// games.
//
// The module is split into packages that build on each other:
//
//   - limits: wire size constants and validation for untrusted input
//   - packet: the codec, the CRC16-keyed packet registry and packet maps
//   - protocol: the session packets exchanged by clients and servers
//   - dispatch: routing of inbound packets to prioritised listeners and spies
//   - transport: the Transport interface with UDP and in-memory implementations
//   - session: the state shared by clients and servers, including send queues
//   - client: connect, reconnect, heartbeat and session bookkeeping
//   - server: accept, password gate, usernames, readiness and admin authority
//   - nat: UPnP port mapping with retry on conflict and lease renewal
//
// # Getting Started
//
// A server and a client share nothing but packet registrations, so each
// typically owns its own registry:
//
//	srv := server.New(packet.NewRegistry(), server.DefaultConfig())
//	if err := srv.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	cl := client.New(packet.NewRegistry(), client.DefaultConfig())
//	cl.OnConnected(func() { _ = cl.SubmitUsername("alice") })
//	if err := cl.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer cl.Close()
//
// Neither side starts goroutines for networking. The application calls
// NetworkUpdate once per tick, typically 20 times a second:
//
//	for range time.Tick(50 * time.Millisecond) {
//	    srv.NetworkUpdate()
//	    cl.NetworkUpdate()
//	}
//
// Application packets implement packet.Packet and are registered before
// listening for them:
//
//	dispatch.MustListen(srv.Dispatcher(), func(from uint16, p *Chat) dispatch.Result {
//	    return dispatch.Processed
//	}, 0)
//
// The -serverAddress and -serverPort command-line flags override the
// configured endpoint unless the configuration marks it explicit.
package gamenet
