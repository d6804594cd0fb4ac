// Package client implements the connecting side of a session.
//
// A Client moves through Disconnected, Connecting and Connected. Open
// resolves the server endpoint and issues a connect; every call to
// NetworkUpdate then pumps transport events, dispatches inbound packets,
// emits the keep-alive heartbeat and flushes queued sends to the server.
//
// When ReattemptFailedConnections is set, a failed or dropped connection is
// re-issued on the next tick until the client is closed or
// MaxReconnectAttempts is reached (0 retries forever).
//
// The client tracks the session state announced by the server: its own
// external id, known peers and their usernames, admins, host information and
// the ping table. These listeners run before application listeners and never
// consume, so applications may observe the same packets.
package client
