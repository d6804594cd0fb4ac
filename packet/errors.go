package packet

import "errors"

var (
	// ErrHashCollision indicates two distinct types hash to the same value
	ErrHashCollision = errors.New("packet hash collision")

	// ErrReservedHash indicates a type hashes to a reserved value
	ErrReservedHash = errors.New("packet hash is reserved")

	// ErrUnregistered indicates the packet type has no registry entry
	ErrUnregistered = errors.New("packet type not registered")

	// ErrUnknownHash indicates no type is registered for a wire hash
	ErrUnknownHash = errors.New("unknown packet hash")

	// ErrShortBuffer indicates a read ran past the end of the buffer
	ErrShortBuffer = errors.New("read past end of packet buffer")

	// ErrNilFactory indicates a factory was nil or returned nil
	ErrNilFactory = errors.New("packet factory returned nil")
)
