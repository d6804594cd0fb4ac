// Package limits provides centralized wire size limits for the session layer.
// This ensures consistent validation across the codec, dispatcher and transports.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram payload the session layer emits.
	// It stays below the common 1500 byte Ethernet MTU after IP/UDP headers.
	MaxPacketSize = 1400

	// MaxSafeStringLength is the default cap, in UTF-16 code units, for safe strings.
	MaxSafeStringLength = 512

	// MaxBundleItems bounds the item count declared by an inbound bundle.
	MaxBundleItems = 256

	// MaxBundleDepth bounds bundle-in-bundle recursion.
	MaxBundleDepth = 4

	// MaxProcessingBuffer is the absolute maximum for any operation.
	// This prevents memory exhaustion from hostile length fields (1MB limit).
	MaxProcessingBuffer = 1024 * 1024

	// HeaderSize is the size of the packet type hash that prefixes every packet.
	HeaderSize = 2
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageTruncated indicates a message too short to carry a packet header
	ErrMessageTruncated = errors.New("message truncated")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket validates an inbound datagram before it reaches the dispatcher.
// It must carry at least a type hash and fit in MaxProcessingBuffer.
func ValidatePacket(data []byte) error {
	if err := ValidateMessageSize(data, MaxProcessingBuffer); err != nil {
		return err
	}
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: size %d below header size %d", ErrMessageTruncated, len(data), HeaderSize)
	}
	return nil
}

// ValidateOutbound validates an encoded packet against the datagram limit.
func ValidateOutbound(data []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = MaxPacketSize
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: outbound size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return nil
}
