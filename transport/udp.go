package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const inboxSize = 1024

type datagram struct {
	data []byte
	addr net.Addr
}

type inflightFrame struct {
	data   []byte
	sentAt time.Time
	sends  int
}

type udpPeer struct {
	id          ConnID
	addr        net.Addr
	key         string
	state       State
	token       uint32
	attempts    int
	lastAttempt time.Time
	lastRecv    time.Time

	nextSeq  uint16
	inflight map[uint16]*inflightFrame

	expected uint16
	pending  map[uint16][]byte

	unreliableSeq  uint16
	lastUnreliable uint16
	gotUnreliable  bool
}

func newUDPPeer(id ConnID, addr net.Addr, state State, token uint32, now time.Time) *udpPeer {
	return &udpPeer{
		id:          id,
		addr:        addr,
		key:         addr.String(),
		state:       state,
		token:       token,
		lastAttempt: now,
		lastRecv:    now,
		inflight:    make(map[uint16]*inflightFrame),
		pending:     make(map[uint16][]byte),
	}
}

// UDPTransport implements Transport over a single UDP socket.
//
// A background goroutine reads datagrams into a mailbox; all protocol state
// is advanced by Update on the caller's tick.
type UDPTransport struct {
	params    NetworkParameters
	conn      net.PacketConn
	listening bool
	closed    bool

	peers    map[ConnID]*udpPeer
	byAddr   map[string]*udpPeer
	nextID   ConnID
	accepted []ConnID
	events   []Event

	inbox  chan datagram
	sim    *Simulator
	now    func() time.Time
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport creates an unbound UDP transport.
func NewUDPTransport(params NetworkParameters) *UDPTransport {
	params = params.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"function":        "NewUDPTransport",
		"max_packet_size": params.MaxPacketSize,
		"window":          params.MaxPacketCount,
		"simulated":       params.Delay > 0 || params.Jitter > 0 || params.DropPercentage > 0 || params.DropInterval > 0,
	}).Debug("Creating UDP transport")

	return &UDPTransport{
		params: params,
		peers:  make(map[ConnID]*udpPeer),
		byAddr: make(map[string]*udpPeer),
		inbox:  make(chan datagram, inboxSize),
		sim:    NewSimulator(params),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewUDPFactory returns a Factory producing UDP transports.
func NewUDPFactory() Factory {
	return func(params NetworkParameters) Transport {
		return NewUDPTransport(params)
	}
}

// Bind opens the UDP socket on addr.
func (t *UDPTransport) Bind(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bindLocked(addr)
}

func (t *UDPTransport) bindLocked(addr string) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return fmt.Errorf("transport: already bound to %s", t.conn.LocalAddr())
	}

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	t.conn = conn

	logrus.WithFields(logrus.Fields{
		"function":   "UDPTransport.Bind",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport bound")

	t.wg.Add(1)
	go t.processPackets()
	return nil
}

// Listen starts accepting connect requests.
func (t *UDPTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotBound
	}
	t.listening = true
	return nil
}

// Accept returns the next connection accepted by Update.
func (t *UDPTransport) Accept() (ConnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.accepted) == 0 {
		return 0, false
	}
	id := t.accepted[0]
	t.accepted = t.accepted[1:]
	return id, true
}

// Connect starts a connection to addr, binding an ephemeral port if needed.
func (t *UDPTransport) Connect(addr string) (ConnID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.conn == nil {
		if err := t.bindLocked(":0"); err != nil {
			return 0, err
		}
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if existing, ok := t.byAddr[raddr.String()]; ok {
		return existing.id, nil
	}

	now := t.now()
	peer := newUDPPeer(t.allocID(), raddr, Connecting, rand.Uint32(), now)
	peer.attempts = 1
	t.addPeer(peer)
	t.writeFrame(peer, frame{kind: frameConnect, token: peer.token})

	logrus.WithFields(logrus.Fields{
		"function":    "UDPTransport.Connect",
		"remote_addr": peer.key,
		"conn":        peer.id,
	}).Info("Connecting")
	return peer.id, nil
}

// Send queues data to c on pipeline p.
func (t *UDPTransport) Send(c ConnID, p Pipeline, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	peer, ok := t.peers[c]
	if !ok || peer.state != Connected {
		return ErrNotConnected
	}
	if len(data) > t.params.MaxPacketSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), t.params.MaxPacketSize)
	}

	now := t.now()
	if p == Reliable {
		if len(peer.inflight) >= t.params.MaxPacketCount {
			return ErrQueueFull
		}
		seq := peer.nextSeq
		peer.nextSeq++
		buf := frame{kind: frameReliable, seq: seq, payload: data}.marshal()
		peer.inflight[seq] = &inflightFrame{data: buf, sentAt: now, sends: 1}
		t.write(buf, peer.addr)
		return nil
	}

	seq := peer.unreliableSeq
	peer.unreliableSeq++
	buf := frame{kind: frameUnreliable, seq: seq, payload: data}.marshal()
	addr := peer.addr
	if t.sim.Enabled() {
		t.sim.Submit(now, func() { t.write(buf, addr) })
		return nil
	}
	t.write(buf, addr)
	return nil
}

// PollEvent returns the next queued event.
func (t *UDPTransport) PollEvent() (Event, bool) {
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
func (t *UDPTransport) Disconnect(c ConnID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[c]
	if !ok {
		return ErrNotConnected
	}
	t.writeFrame(peer, frame{kind: frameDisconnect})
	t.removePeer(peer)
	return nil
}

// State returns the state of c.
func (t *UDPTransport) State(c ConnID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.peers[c]; ok {
		return peer.state
	}
	return Disconnected
}

// RemoteAddr returns the remote address of c.
func (t *UDPTransport) RemoteAddr(c ConnID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.peers[c]; ok {
		return peer.key
	}
	return ""
}

// LocalAddr returns the local address the transport is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// InFlight returns the number of unacknowledged reliable frames for c.
func (t *UDPTransport) InFlight(c ConnID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.peers[c]; ok {
		return len(peer.inflight)
	}
	return 0
}

// Update drains the mailbox and advances resends, connect retries and
// timeouts.
func (t *UDPTransport) Update() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	now := t.now()
drain:
	for {
		select {
		case d := <-t.inbox:
			t.handleDatagram(now, d)
		default:
			break drain
		}
	}

	t.sim.Release(now)

	for _, peer := range t.peers {
		switch peer.state {
		case Connecting:
			t.updateConnecting(now, peer)
		case Connected:
			t.updateConnected(now, peer)
		}
	}
}

func (t *UDPTransport) updateConnecting(now time.Time, peer *udpPeer) {
	if now.Sub(peer.lastAttempt) < t.params.ConnectTimeout {
		return
	}
	if peer.attempts >= t.params.MaxConnectAttempts {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.Update",
			"remote_addr": peer.key,
			"attempts":    peer.attempts,
		}).Warn("Connect attempts exhausted")
		t.dropPeer(peer)
		return
	}
	peer.attempts++
	peer.lastAttempt = now
	t.writeFrame(peer, frame{kind: frameConnect, token: peer.token})
}

func (t *UDPTransport) updateConnected(now time.Time, peer *udpPeer) {
	if now.Sub(peer.lastRecv) > t.params.DisconnectTimeout {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.Update",
			"remote_addr": peer.key,
			"idle":        now.Sub(peer.lastRecv).String(),
		}).Info("Connection timed out")
		t.dropPeer(peer)
		return
	}
	for _, f := range peer.inflight {
		if now.Sub(f.sentAt) >= t.params.ResendTimeout {
			f.sentAt = now
			f.sends++
			t.write(f.data, peer.addr)
		}
	}
}

func (t *UDPTransport) handleDatagram(now time.Time, d datagram) {
	f, err := parseFrame(d.data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.handleDatagram",
			"remote_addr": d.addr.String(),
			"size":        len(d.data),
		}).Debug("Discarding malformed frame")
		return
	}

	peer := t.byAddr[d.addr.String()]
	switch f.kind {
	case frameConnect:
		t.handleConnect(now, d.addr, peer, f.token)
		return
	case frameAccept:
		if peer != nil && peer.state == Connecting && peer.token == f.token {
			peer.state = Connected
			peer.lastRecv = now
			t.events = append(t.events, Event{Type: EventConnect, Conn: peer.id})
		}
		return
	}

	if peer == nil || peer.state != Connected {
		return
	}
	peer.lastRecv = now

	switch f.kind {
	case frameDisconnect:
		t.dropPeer(peer)
	case frameAck:
		delete(peer.inflight, f.seq)
	case frameReliable:
		t.receiveReliable(peer, f)
	case frameUnreliable:
		if !peer.gotUnreliable || seqNewer(f.seq, peer.lastUnreliable) {
			peer.gotUnreliable = true
			peer.lastUnreliable = f.seq
			t.deliver(peer, Unreliable, f.payload)
		}
	}
}

func (t *UDPTransport) handleConnect(now time.Time, addr net.Addr, peer *udpPeer, token uint32) {
	if !t.listening {
		return
	}
	if peer != nil {
		if peer.token == token {
			// accept was lost
			t.writeFrame(peer, frame{kind: frameAccept, token: token})
			return
		}
		// remote restarted on the same address
		t.dropPeer(peer)
	}

	peer = newUDPPeer(t.allocID(), addr, Connected, token, now)
	t.addPeer(peer)
	t.accepted = append(t.accepted, peer.id)
	t.writeFrame(peer, frame{kind: frameAccept, token: token})

	logrus.WithFields(logrus.Fields{
		"function":    "UDPTransport.handleConnect",
		"remote_addr": peer.key,
		"conn":        peer.id,
	}).Info("Accepted connection")
}

func (t *UDPTransport) receiveReliable(peer *udpPeer, f frame) {
	t.writeFrame(peer, frame{kind: frameAck, seq: f.seq})

	switch {
	case f.seq == peer.expected:
		t.deliver(peer, Reliable, f.payload)
		peer.expected++
		for {
			next, ok := peer.pending[peer.expected]
			if !ok {
				break
			}
			delete(peer.pending, peer.expected)
			t.deliver(peer, Reliable, next)
			peer.expected++
		}
	case seqNewer(f.seq, peer.expected) && int(f.seq-peer.expected) < 2*t.params.MaxPacketCount:
		if _, dup := peer.pending[f.seq]; !dup {
			peer.pending[f.seq] = append([]byte(nil), f.payload...)
		}
	}
}

func (t *UDPTransport) deliver(peer *udpPeer, p Pipeline, payload []byte) {
	t.events = append(t.events, Event{
		Type:     EventData,
		Conn:     peer.id,
		Pipeline: p,
		Data:     append([]byte(nil), payload...),
	})
}

func (t *UDPTransport) allocID() ConnID {
	t.nextID++
	return t.nextID
}

func (t *UDPTransport) addPeer(peer *udpPeer) {
	t.peers[peer.id] = peer
	t.byAddr[peer.key] = peer
}

func (t *UDPTransport) removePeer(peer *udpPeer) {
	delete(t.peers, peer.id)
	delete(t.byAddr, peer.key)
}

func (t *UDPTransport) dropPeer(peer *udpPeer) {
	t.removePeer(peer)
	t.events = append(t.events, Event{Type: EventDisconnect, Conn: peer.id})
}

func (t *UDPTransport) writeFrame(peer *udpPeer, f frame) {
	t.write(f.marshal(), peer.addr)
}

func (t *UDPTransport) write(buf []byte, addr net.Addr) {
	if t.conn == nil {
		return
	}
	if _, err := t.conn.WriteTo(buf, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.write",
			"remote_addr": addr.String(),
			"error":       err.Error(),
		}).Debug("Write failed")
	}
}

// Close notifies connected peers and releases the socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, peer := range t.peers {
		if peer.state == Connected {
			t.writeFrame(peer, frame{kind: frameDisconnect})
		}
	}
	t.peers = make(map[ConnID]*udpPeer)
	t.byAddr = make(map[string]*udpPeer)
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

// processPackets reads datagrams into the mailbox until the transport closes.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, t.params.MaxPacketSize+maxFrameOverhead+64)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		data, addr, err := t.readPacketData(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		select {
		case t.inbox <- datagram{data: data, addr: addr}:
		default:
			logrus.WithFields(logrus.Fields{
				"function":    "UDPTransport.processPackets",
				"remote_addr": addr.String(),
			}).Warn("Inbox full, dropping datagram")
		}
	}
}

// readPacketData reads one datagram with a short deadline so shutdown is
// noticed promptly.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), buffer[:n]...), addr, nil
}
