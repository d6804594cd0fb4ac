// Package nat negotiates UDP port mappings with a NAT gateway so a server is
// reachable from outside the local network.
//
// A Mapper runs the whole negotiation off the tick:
//
//  1. discover a gateway device, bounded by DiscoveryTimeout
//  2. concurrently fetch the internal IPv4 and IPv6 addresses and the external
//     IP through the device
//  3. map the configured port for every resolved internal address
//
// If the gateway reports the port as taken (ErrPortInUse), the candidate port
// is incremented, wrapping from 65535 to 0, and the whole sequence is retried.
// Any other failure disables traversal for the run; the caller then opens its
// session unmapped.
//
// The result is delivered on a channel the tick polls with Mapper.Poll, so the
// session state is never touched from the negotiation goroutine. Mappings are
// renewed RenewMargin before their lease expires by deleting and recreating
// them, and deleted on Close.
//
// UPnP implements Discoverer with SSDP discovery and the WANIPConnection SOAP
// actions.
package nat
