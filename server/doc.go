// Package server implements the accepting side of a session: connection
// lifecycle, password gate, username readiness and admin authority.
//
// Every accepted connection receives an external id from a rotating
// allocator (1..65535, wrapping, skipping live ids). Existing approved peers
// learn about it through a CreateOther handshake; the new peer receives
// AssignSelf, the host advertisement and a ping table snapshot, in that
// order. On a private server the peer then waits behind the password gate,
// where every packet other than pings and passwords is rejected before any
// listener sees it. Approval is answered with a welcome bundle introducing
// the peers already present.
//
// A connection is ready once it is approved and holds a valid username.
// Readiness may promote it to admin (when no admin password is configured,
// or when it is the local host) and publishes the admin set according to
// the visibility policy.
//
// Sends are queued on the shared session and expanded into per-connection
// queues on flush. When the transport reports a full queue for a
// connection, the rest of its sends wait for the next tick.
package server
