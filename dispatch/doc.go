// Package dispatch routes inbound packets to prioritized listeners and
// reports outbound packets to spies.
//
// A Dispatcher resolves the 16-bit type hash at the head of a datagram and
// walks the listeners registered for it in ascending priority. Every listener
// receives its own copy of the read cursor, so one that decodes only part of
// a packet cannot disturb the next. Listeners answer with a Result:
//
//   - Skipped: not applicable, try the next listener
//   - Processed: accepted, later listeners still run
//   - Consumed: accepted exclusively, routing stops
//   - Error: malformed or unauthorized, routing stops and the event is logged
//
// Registering a listener at an occupied priority probes upward to the next
// free slot, which keeps registration order as a secondary order among
// listeners asking for the same priority. This is a property of slot probing,
// not a FIFO guarantee.
//
// Before listeners run, an optional interceptor sees every packet, including
// each item of a bundle, and may consume or reject it. Servers use it to gate
// unapproved connections.
//
// The keep-alive hash is consumed without further work. The bundle hash is
// unpacked and each item dispatched in order. A registered type with no
// listeners is decoded through its factory and handed to the fallback sink;
// an unregistered hash is logged and discarded.
package dispatch
