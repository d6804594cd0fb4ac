// Package session implements the core shared by clients and servers: the
// Closed/Open lifecycle, transport construction, outbound queues and inbound
// dispatch.
//
// The host application drives a session from a single tick. Open constructs
// the transport; Send encodes a packet, reports it to spies and appends it to
// the reliable or unreliable queue; the owning client or server drains those
// queues into the transport when it flushes. Inbound payloads go through
// Receive, which validates them and hands them to the dispatcher.
//
// Sending on a closed session, or sending a nil packet, is a no-op.
//
// # Endpoint overrides
//
// Open scans the process arguments once for
//
//	-serverAddress <host>
//	-serverPort <port>
//
// and applies them unless the configuration marks its address as explicit.
//
// # Time
//
// Every periodic behaviour above the transport (heartbeats, ping broadcasts,
// kick delays, attempt windows) is expressed as an Interval checked on each
// tick against the session Clock, so tests can drive time with a ManualClock.
package session
