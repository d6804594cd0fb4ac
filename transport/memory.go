package transport

import (
	"fmt"
	"net"
	"sync"
)

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string { return string(a) }

type memMessage struct {
	kind     frameKind
	from     *MemoryTransport
	fromConn ConnID
	toConn   ConnID
	pipeline Pipeline
	data     []byte
}

type memConn struct {
	id       ConnID
	remote   *MemoryTransport
	remoteID ConnID
	state    State
	sent     int
	limit    int
}

// MemoryNetwork links MemoryTransports by address within one process.
// Messages are delivered when the receiving transport runs Update.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	nextPort  int
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport), nextPort: 49152}
}

// Factory returns a Factory producing transports on this network.
func (n *MemoryNetwork) Factory() Factory {
	return func(params NetworkParameters) Transport {
		return n.NewTransport(params)
	}
}

// NewTransport creates an unbound transport on the network.
func (n *MemoryNetwork) NewTransport(params NetworkParameters) *MemoryTransport {
	return &MemoryTransport{
		network: n,
		params:  params.withDefaults(),
		conns:   make(map[ConnID]*memConn),
	}
}

func (n *MemoryNetwork) bind(addr string, t *MemoryTransport) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("bind %s: %w", addr, err)
	}
	if port == "0" || port == "" {
		n.nextPort++
		port = fmt.Sprint(n.nextPort)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	key := net.JoinHostPort(host, port)
	if _, taken := n.endpoints[key]; taken {
		return "", fmt.Errorf("bind %s: address in use", key)
	}
	n.endpoints[key] = t
	return key, nil
}

func (n *MemoryNetwork) lookup(addr string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[addr]; ok {
		return t
	}
	// allow "localhost" and unspecified hosts to reach loopback binds
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return n.endpoints[net.JoinHostPort("127.0.0.1", port)]
	}
	return nil
}

func (n *MemoryNetwork) unbind(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

// MemoryTransport is a deterministic in-process Transport.
type MemoryTransport struct {
	network *MemoryNetwork
	params  NetworkParameters

	mu        sync.Mutex
	addr      string
	listening bool
	closed    bool
	conns     map[ConnID]*memConn
	nextID    ConnID
	inbox     []memMessage
	accepted  []ConnID
	events    []Event
	limit     int
}

// Bind registers the transport under addr. Port 0 picks a free port.
func (t *MemoryTransport) Bind(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.addr != "" {
		return fmt.Errorf("transport: already bound to %s", t.addr)
	}
	key, err := t.network.bind(addr, t)
	if err != nil {
		return err
	}
	t.addr = key
	return nil
}

// Listen starts accepting connect requests.
func (t *MemoryTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr == "" {
		return ErrNotBound
	}
	t.listening = true
	return nil
}

// Accept returns the next accepted connection.
func (t *MemoryTransport) Accept() (ConnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.accepted) == 0 {
		return 0, false
	}
	id := t.accepted[0]
	t.accepted = t.accepted[1:]
	return id, true
}

// Connect sends a connect request to addr. A missing or non-listening remote
// yields EventDisconnect on the next Update.
func (t *MemoryTransport) Connect(addr string) (ConnID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	needBind := t.addr == ""
	t.mu.Unlock()
	if needBind {
		if err := t.Bind("127.0.0.1:0"); err != nil {
			return 0, err
		}
	}

	t.mu.Lock()
	id := t.allocID()
	c := &memConn{id: id, state: Connecting, limit: t.limit}
	t.conns[id] = c
	t.mu.Unlock()

	remote := t.network.lookup(addr)
	if remote == nil || !remote.post(memMessage{kind: frameConnect, from: t, fromConn: id}) {
		t.post(memMessage{kind: frameDisconnect, toConn: id})
		return id, nil
	}
	t.mu.Lock()
	c.remote = remote
	t.mu.Unlock()
	return id, nil
}

// Send delivers data to the remote on its next Update. It returns
// ErrQueueFull once the per-update send limit of c is reached.
func (t *MemoryTransport) Send(c ConnID, p Pipeline, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	conn, ok := t.conns[c]
	if !ok || conn.state != Connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if len(data) > t.params.MaxPacketSize {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), t.params.MaxPacketSize)
	}
	if conn.limit > 0 && conn.sent >= conn.limit {
		t.mu.Unlock()
		return ErrQueueFull
	}
	conn.sent++
	remote, remoteID := conn.remote, conn.remoteID
	t.mu.Unlock()

	remote.post(memMessage{
		kind:     frameReliable,
		from:     t,
		fromConn: c,
		toConn:   remoteID,
		pipeline: p,
		data:     append([]byte(nil), data...),
	})
	return nil
}

// SetSendLimit caps the sends accepted per Update on every current and
// future connection. 0 removes the cap.
func (t *MemoryTransport) SetSendLimit(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = n
	for _, c := range t.conns {
		c.limit = n
	}
}

// SetConnSendLimit caps the sends accepted per Update on one connection.
func (t *MemoryTransport) SetConnSendLimit(c ConnID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[c]; ok {
		conn.limit = n
	}
}

// PollEvent returns the next queued event.
func (t *MemoryTransport) PollEvent() (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return Event{}, false
	}
	ev := t.events[0]
	t.events = t.events[1:]
	return ev, true
}

// Disconnect notifies the remote and forgets c.
func (t *MemoryTransport) Disconnect(c ConnID) error {
	t.mu.Lock()
	conn, ok := t.conns[c]
	if !ok {
		t.mu.Unlock()
		return ErrNotConnected
	}
	delete(t.conns, c)
	t.mu.Unlock()

	if conn.remote != nil {
		conn.remote.post(memMessage{kind: frameDisconnect, from: t, fromConn: c, toConn: conn.remoteID})
	}
	return nil
}

// State returns the state of c.
func (t *MemoryTransport) State(c ConnID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[c]; ok {
		return conn.state
	}
	return Disconnected
}

// RemoteAddr returns the bound address of the remote end of c.
func (t *MemoryTransport) RemoteAddr(c ConnID) string {
	t.mu.Lock()
	conn, ok := t.conns[c]
	t.mu.Unlock()
	if !ok || conn.remote == nil {
		return ""
	}
	return conn.remote.address()
}

// LocalAddr returns the bound address.
func (t *MemoryTransport) LocalAddr() net.Addr {
	if a := t.address(); a != "" {
		return memAddr(a)
	}
	return nil
}

func (t *MemoryTransport) address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Update delivers queued messages and resets per-update send limits.
func (t *MemoryTransport) Update() {
	t.mu.Lock()
	inbox := t.inbox
	t.inbox = nil
	for _, c := range t.conns {
		c.sent = 0
	}
	t.mu.Unlock()

	for _, m := range inbox {
		t.handle(m)
	}
}

func (t *MemoryTransport) handle(m memMessage) {
	switch m.kind {
	case frameConnect:
		t.mu.Lock()
		id := t.allocID()
		t.conns[id] = &memConn{id: id, remote: m.from, remoteID: m.fromConn, state: Connected, limit: t.limit}
		t.accepted = append(t.accepted, id)
		t.mu.Unlock()
		m.from.post(memMessage{kind: frameAccept, from: t, fromConn: id, toConn: m.fromConn})

	case frameAccept:
		t.mu.Lock()
		if c, ok := t.conns[m.toConn]; ok && c.state == Connecting {
			c.state = Connected
			c.remote = m.from
			c.remoteID = m.fromConn
			t.events = append(t.events, Event{Type: EventConnect, Conn: c.id})
		}
		t.mu.Unlock()

	case frameDisconnect:
		t.mu.Lock()
		if _, ok := t.conns[m.toConn]; ok {
			delete(t.conns, m.toConn)
			t.events = append(t.events, Event{Type: EventDisconnect, Conn: m.toConn})
		}
		t.mu.Unlock()

	case frameReliable:
		t.mu.Lock()
		if c, ok := t.conns[m.toConn]; ok && c.state == Connected {
			t.events = append(t.events, Event{Type: EventData, Conn: c.id, Pipeline: m.pipeline, Data: m.data})
		}
		t.mu.Unlock()
	}
}

func (t *MemoryTransport) post(m memMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || (m.kind == frameConnect && !t.listening) {
		return false
	}
	t.inbox = append(t.inbox, m)
	return true
}

func (t *MemoryTransport) allocID() ConnID {
	t.nextID++
	return t.nextID
}

// Close disconnects every connection and unbinds the transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	conns := t.conns
	t.conns = make(map[ConnID]*memConn)
	addr := t.addr
	t.mu.Unlock()

	for id, c := range conns {
		if c.remote != nil {
			c.remote.post(memMessage{kind: frameDisconnect, from: t, fromConn: id, toConn: c.remoteID})
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if addr != "" {
		t.network.unbind(addr)
	}
	return nil
}
