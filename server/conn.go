package server

import (
	"net"
	"time"

	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

// Connection is a snapshot of one peer.
type Connection struct {
	InternalID      transport.ConnID
	ExternalID      uint16
	Address         string
	JoinTime        time.Time
	Username        string
	Ready           bool
	Admin           bool
	PendingPassword bool
	Latency         uint16
}

// Approved reports whether the peer passed the password gate.
func (c Connection) Approved() bool {
	return !c.PendingPassword
}

type conn struct {
	internal transport.ConnID
	id       uint16
	address  string
	joined   time.Time
	username string
	ready    bool
	admin    bool
	pending  bool
	latency  uint16

	passwordAttempts int
	adminAttempts    []time.Time

	kicked bool
	kickAt time.Time

	reliable   []session.Outbound
	unreliable []session.Outbound
}

func (c *conn) snapshot() Connection {
	return Connection{
		InternalID:      c.internal,
		ExternalID:      c.id,
		Address:         c.address,
		JoinTime:        c.joined,
		Username:        c.username,
		Ready:           c.ready,
		Admin:           c.admin,
		PendingPassword: c.pending,
		Latency:         c.latency,
	}
}

// approved reports whether c receives broadcasts.
func (c *conn) approved() bool {
	return !c.pending && !c.kicked
}

func (c *conn) queue(reliable bool) *[]session.Outbound {
	if reliable {
		return &c.reliable
	}
	return &c.unreliable
}

// table holds live connections densely; removal swaps the last entry into
// the freed slot.
type table struct {
	conns      []*conn
	byInternal map[transport.ConnID]int
	byID       map[uint16]*conn
}

func newTable() *table {
	return &table{
		byInternal: make(map[transport.ConnID]int),
		byID:       make(map[uint16]*conn),
	}
}

func (t *table) add(c *conn) {
	t.byInternal[c.internal] = len(t.conns)
	t.byID[c.id] = c
	t.conns = append(t.conns, c)
}

func (t *table) remove(c *conn) bool {
	i, ok := t.byInternal[c.internal]
	if !ok {
		return false
	}
	last := len(t.conns) - 1
	if i != last {
		moved := t.conns[last]
		t.conns[i] = moved
		t.byInternal[moved.internal] = i
	}
	t.conns[last] = nil
	t.conns = t.conns[:last]
	delete(t.byInternal, c.internal)
	delete(t.byID, c.id)
	return true
}

func (t *table) internal(id transport.ConnID) *conn {
	if i, ok := t.byInternal[id]; ok {
		return t.conns[i]
	}
	return nil
}

func (t *table) external(id uint16) *conn {
	return t.byID[id]
}

func (t *table) len() int {
	return len(t.conns)
}

// ids returns the external ids of connections matching keep, in table order.
func (t *table) ids(keep func(*conn) bool) []uint16 {
	ids := make([]uint16, 0, len(t.conns))
	for _, c := range t.conns {
		if keep == nil || keep(c) {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// idAllocator issues external ids from a rotating counter. 0 is never
// issued and ids held by live connections are skipped.
type idAllocator struct {
	last uint16
}

func (a *idAllocator) next(inUse func(uint16) bool) (uint16, bool) {
	for i := 0; i < 0xFFFF; i++ {
		a.last++
		if a.last == 0 {
			a.last = 1
		}
		if !inUse(a.last) {
			return a.last, true
		}
	}
	return 0, false
}

// hostOf strips the port from a transport address for ban matching.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
