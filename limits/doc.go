// Package limits provides centralized size constants and validation functions
// for the session layer.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1400 bytes): the largest datagram the transports emit.
//   - MaxSafeStringLength (512 code units): default bound for length-prefixed strings.
//   - MaxBundleItems / MaxBundleDepth: bounds for inbound bundle packets.
//   - MaxProcessingBuffer (1MB): the absolute maximum for any operation.
//
// # Validation Functions
//
//	if err := limits.ValidatePacket(data); err != nil {
//	    // ErrMessageEmpty, ErrMessageTruncated or ErrMessageTooLarge
//	}
//
// All network-received data should be validated with ValidatePacket before it
// is handed to the dispatcher.
package limits
