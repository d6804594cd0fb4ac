package dispatch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/packet"
)

// Listen registers a typed listener. The packet is decoded through the
// registered factory; a truncated packet is rejected with Error before fn
// runs. It returns the type hash and the slot used.
func Listen[T packet.Packet](d *Dispatcher, fn func(from uint16, p T) Result, priority int) (uint16, int, error) {
	var zero T
	hash, ok := d.reg.HashOf(zero)
	if !ok {
		return 0, 0, fmt.Errorf("listen: %w: %s", packet.ErrUnregistered, packet.TypeName(zero))
	}

	slot := d.AddListener(hash, func(from uint16, r *packet.Reader) Result {
		factory, ok := d.reg.Lookup(hash)
		if !ok {
			return Skipped
		}
		p, ok := factory().(T)
		if !ok {
			return Skipped
		}
		p.Read(r)
		if r.Overrun() {
			d.logger().WithFields(logrus.Fields{
				"function":    "dispatch.Listen",
				"from":        from,
				"packet_type": packet.TypeName(p),
			}).Warn("Truncated packet")
			return Error
		}
		return fn(from, p)
	}, priority)

	return hash, slot, nil
}

// MustListen is like Listen but panics if T is not registered.
func MustListen[T packet.Packet](d *Dispatcher, fn func(from uint16, p T) Result, priority int) (uint16, int) {
	hash, slot, err := Listen(d, fn, priority)
	if err != nil {
		panic(err)
	}
	return hash, slot
}
