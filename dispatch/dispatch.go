package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/limits"
	"github.com/opd-ai/gamenet/packet"
)

// Result is a listener's verdict on a packet.
type Result int

const (
	Skipped Result = iota
	Processed
	Consumed
	Error
)

func (r Result) String() string {
	switch r {
	case Skipped:
		return "Skipped"
	case Processed:
		return "Processed"
	case Consumed:
		return "Consumed"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Listener handles a packet body read from r. from is the sender's external id.
type Listener func(from uint16, r *packet.Reader) Result

// Interceptor runs before any listener. Returning Consumed or Error stops
// routing; any other result lets routing continue.
type Interceptor func(from uint16, hash uint16, r *packet.Reader) Result

// Fallback receives packets decoded through their factory because no
// listener was registered for their type.
type Fallback func(from uint16, p packet.Packet)

// Receiver is implemented by packet types that act on themselves when they
// arrive without a listener.
type Receiver interface {
	Receive(from uint16)
}

// Spy observes outbound packets. It cannot alter or block the send.
type Spy func(p packet.Packet, reliable bool)

type listenerSlot struct {
	priority int
	fn       Listener
}

type spySlot struct {
	priority int
	fn       Spy
}

// Dispatcher routes inbound packets and notifies spies of outbound ones.
type Dispatcher struct {
	mu          sync.RWMutex
	reg         *packet.Registry
	listeners   map[uint16][]listenerSlot
	spies       []spySlot
	interceptor Interceptor
	fallback    Fallback
	log         *logrus.Entry
}

// New creates a dispatcher resolving types through reg.
func New(reg *packet.Registry) *Dispatcher {
	return &Dispatcher{
		reg:       reg,
		listeners: make(map[uint16][]listenerSlot),
		log:       logrus.WithField("component", "dispatch"),
	}
}

// Registry returns the registry the dispatcher resolves types through.
func (d *Dispatcher) Registry() *packet.Registry {
	return d.reg
}

// SetLogger replaces the log entry used for routing diagnostics.
func (d *Dispatcher) SetLogger(log *logrus.Entry) {
	if log == nil {
		return
	}
	d.mu.Lock()
	d.log = log
	d.mu.Unlock()
}

// SetInterceptor installs the hook that runs before listeners.
func (d *Dispatcher) SetInterceptor(i Interceptor) {
	d.mu.Lock()
	d.interceptor = i
	d.mu.Unlock()
}

// SetFallback installs the sink for factory-decoded packets.
func (d *Dispatcher) SetFallback(f Fallback) {
	d.mu.Lock()
	d.fallback = f
	d.mu.Unlock()
}

// AddListener registers l for hash at priority, or at the first free slot
// above it. It returns the slot actually used.
func (d *Dispatcher) AddListener(hash uint16, l Listener, priority int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	slots := d.listeners[hash]
	for occupied(slots, priority) {
		priority++
	}
	slots = append(slots, listenerSlot{priority: priority, fn: l})
	sort.Slice(slots, func(i, j int) bool { return slots[i].priority < slots[j].priority })
	d.listeners[hash] = slots
	return priority
}

func occupied(slots []listenerSlot, priority int) bool {
	for _, s := range slots {
		if s.priority == priority {
			return true
		}
	}
	return false
}

// RemoveListener removes the listener at slot for hash.
func (d *Dispatcher) RemoveListener(hash uint16, slot int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	slots := d.listeners[hash]
	for i, s := range slots {
		if s.priority != slot {
			continue
		}
		slots = append(slots[:i:i], slots[i+1:]...)
		if len(slots) == 0 {
			delete(d.listeners, hash)
		} else {
			d.listeners[hash] = slots
		}
		return true
	}
	return false
}

// RemoveAll removes every listener for hash.
func (d *Dispatcher) RemoveAll(hash uint16) {
	d.mu.Lock()
	delete(d.listeners, hash)
	d.mu.Unlock()
}

// ListenerCount returns the number of listeners for hash.
func (d *Dispatcher) ListenerCount(hash uint16) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[hash])
}

// AddSpy registers s at priority, or at the first free slot above it.
func (d *Dispatcher) AddSpy(s Spy, priority int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.spyOccupied(priority) {
		priority++
	}
	d.spies = append(d.spies, spySlot{priority: priority, fn: s})
	sort.Slice(d.spies, func(i, j int) bool { return d.spies[i].priority < d.spies[j].priority })
	return priority
}

func (d *Dispatcher) spyOccupied(priority int) bool {
	for _, s := range d.spies {
		if s.priority == priority {
			return true
		}
	}
	return false
}

// RemoveSpy removes the spy at slot.
func (d *Dispatcher) RemoveSpy(slot int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.spies {
		if s.priority == slot {
			d.spies = append(d.spies[:i:i], d.spies[i+1:]...)
			return true
		}
	}
	return false
}

// NotifySpies reports an outbound packet to every spy in priority order.
func (d *Dispatcher) NotifySpies(p packet.Packet, reliable bool) {
	d.mu.RLock()
	spies := append([]spySlot(nil), d.spies...)
	d.mu.RUnlock()

	for _, s := range spies {
		s.fn(p, reliable)
	}
}

// Dispatch routes one inbound packet from the connection with external id from.
func (d *Dispatcher) Dispatch(from uint16, data []byte) Result {
	hash, ok := packet.PeekHash(data)
	if !ok {
		d.logger().WithFields(logrus.Fields{
			"function": "Dispatcher.Dispatch",
			"from":     from,
			"size":     len(data),
		}).Warn("Discarding packet without header")
		return Error
	}
	r := packet.NewReader(data[limits.HeaderSize:])
	return d.route(from, hash, &r, 0)
}

func (d *Dispatcher) route(from, hash uint16, r *packet.Reader, depth int) Result {
	if hash == packet.HashEmpty {
		return Consumed
	}

	d.mu.RLock()
	intercept := d.interceptor
	slots := append([]listenerSlot(nil), d.listeners[hash]...)
	d.mu.RUnlock()

	if intercept != nil {
		c := *r
		switch intercept(from, hash, &c) {
		case Consumed:
			*r = c
			return Consumed
		case Error:
			d.logger().WithFields(logrus.Fields{
				"function":    "Dispatcher.Dispatch",
				"from":        from,
				"packet_type": d.reg.Name(hash),
			}).Warn("Packet rejected by interceptor")
			return Error
		}
	}

	if hash == packet.HashBundle {
		return d.routeBundle(from, r, depth)
	}

	if len(slots) == 0 {
		return d.construct(from, hash, r)
	}

	result := Skipped
	committed := *r
	for i, s := range slots {
		c := *r
		switch s.fn(from, &c) {
		case Processed:
			committed = c
			result = Processed
		case Consumed:
			*r = c
			return Consumed
		case Error:
			d.logger().WithFields(logrus.Fields{
				"function":       "Dispatcher.Dispatch",
				"from":           from,
				"packet_type":    d.reg.Name(hash),
				"listener_index": i,
				"priority":       s.priority,
			}).Warn("Listener rejected packet")
			return Error
		}
	}
	*r = committed
	return result
}

func (d *Dispatcher) routeBundle(from uint16, r *packet.Reader, depth int) Result {
	log := d.logger().WithFields(logrus.Fields{
		"function": "Dispatcher.routeBundle",
		"from":     from,
		"depth":    depth,
	})
	if depth >= limits.MaxBundleDepth {
		log.Warn("Bundle nesting too deep")
		return Error
	}

	count := r.ReadUint32()
	if count > limits.MaxBundleItems {
		log.WithField("count", count).Warn("Bundle declares too many items")
		return Error
	}

	for i := uint32(0); i < count; i++ {
		item, ok := r.Next(int(r.ReadUint16()))
		if !ok {
			log.WithField("item", i).Warn("Bundle item truncated")
			return Error
		}
		hash, ok := packet.PeekHash(item)
		if !ok {
			log.WithField("item", i).Warn("Bundle item without header")
			return Error
		}
		sub := packet.NewReader(item[limits.HeaderSize:])
		if d.route(from, hash, &sub, depth+1) == Error {
			return Error
		}
	}
	return Consumed
}

func (d *Dispatcher) construct(from, hash uint16, r *packet.Reader) Result {
	log := d.logger().WithFields(logrus.Fields{
		"function": "Dispatcher.construct",
		"from":     from,
		"hash":     fmt.Sprintf("0x%04x", hash),
	})

	factory, ok := d.reg.Lookup(hash)
	if !ok {
		log.Warn("Discarding packet with unknown hash")
		return Skipped
	}
	p := factory()
	if p == nil {
		log.Error("Packet factory returned nil")
		return Error
	}
	p.Read(r)
	if r.Overrun() {
		log.WithField("packet_type", packet.TypeName(p)).Warn("Discarding truncated packet")
		return Error
	}

	if recv, ok := p.(Receiver); ok {
		recv.Receive(from)
	}

	d.mu.RLock()
	sink := d.fallback
	d.mu.RUnlock()
	if sink != nil {
		sink(from, p)
	}
	return Processed
}

func (d *Dispatcher) logger() *logrus.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.log
}
