package client

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

// State is the connection state of a client.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// BuiltinPriority is the listener priority of the client's session
// bookkeeping. It sorts ahead of application listeners.
const BuiltinPriority = math.MinInt32

// ServerID is the sender id of every packet dispatched by a client.
const ServerID uint16 = 0

// Config configures a client.
type Config struct {
	Session session.Config
	// ReattemptFailedConnections re-issues connect after a failure or drop.
	ReattemptFailedConnections bool
	// MaxReconnectAttempts bounds consecutive reconnects; 0 is unbounded.
	MaxReconnectAttempts int
	// HeartbeatInterval is the keep-alive period while connected. Zero
	// selects DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// PingInterval is the latency probe period; 0 disables probing.
	PingInterval time.Duration
}

// DefaultHeartbeatInterval is the keep-alive period used when none is set.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Session:                    session.Config{Parameters: transport.DefaultParameters()},
		ReattemptFailedConnections: true,
		HeartbeatInterval:          DefaultHeartbeatInterval,
		PingInterval:               time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	return c
}

// Client is the connecting side of a session. NetworkUpdate must be called
// from a single goroutine; accessors may be called from any goroutine.
type Client struct {
	cfg  Config
	sess *session.Session
	log  *logrus.Entry

	heartbeat *session.Interval
	ping      *session.Interval
	slots     map[uint16]int

	mu         sync.RWMutex
	state      State
	conn       transport.ConnID
	closing    bool
	attempts   int
	selfID     uint16
	approved   bool
	rejection  string
	kickReason string
	hashMap    *packet.HashMap
	peers      map[uint16]string
	admins     map[uint16]bool
	hostInfo   *protocol.HostInfo
	pings      map[uint16]uint16
	latency    uint16

	onConnected    func()
	onDisconnected func()
	onApproved     func()
	onRejected     func(text string)
	onAdminNotice  func(p *protocol.Administration)
}

// New creates a client bound to reg. The session packets are registered on
// Open and released on Close.
func New(reg *packet.Registry, cfg Config) *Client {
	cfg = cfg.withDefaults()
	cfg.Session.Role = session.RoleClient
	sess := session.New(reg, cfg.Session)

	c := &Client{
		cfg:       cfg,
		sess:      sess,
		log:       sess.Logger(),
		heartbeat: &session.Interval{Every: cfg.HeartbeatInterval},
		ping:      &session.Interval{Every: cfg.PingInterval},
		peers:     make(map[uint16]string),
		admins:    make(map[uint16]bool),
		pings:     make(map[uint16]uint16),
	}
	sess.Dispatcher().SetInterceptor(c.intercept)
	return c
}

// Open registers the session packets, opens the session and connects to
// the resolved server endpoint. Opening an open client is a no-op.
func (c *Client) Open() error {
	if c.sess.IsOpen() {
		return nil
	}
	reg := c.sess.Registry()
	if err := protocol.Register(reg); err != nil {
		return fmt.Errorf("open client: %w", err)
	}
	if err := c.listen(); err != nil {
		c.unlisten()
		protocol.Release(reg)
		return fmt.Errorf("open client: %w", err)
	}
	if err := c.sess.Open(); err != nil {
		c.unlisten()
		protocol.Release(reg)
		return err
	}

	c.mu.Lock()
	c.closing = false
	c.attempts = 0
	c.mu.Unlock()

	return c.connect()
}

// Close disconnects from the server and closes the session. A closed client
// does not reconnect.
func (c *Client) Close() error {
	if !c.sess.IsOpen() {
		return nil
	}

	c.mu.Lock()
	c.closing = true
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if t := c.sess.Transport(); t != nil && state != Disconnected {
		_ = t.Disconnect(conn)
	}
	err := c.sess.Close()
	c.unlisten()
	protocol.Release(c.sess.Registry())

	wasConnected := c.reset()
	if wasConnected {
		c.fire(c.disconnectedCallback())
	}
	c.log.WithField("function", "Client.Close").Info("Client closed")
	return err
}

// Reconnect re-issues connect after the attempt budget was exhausted.
func (c *Client) Reconnect() error {
	if !c.sess.IsOpen() {
		return session.ErrNotOpen
	}
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.mu.Unlock()
	return c.connect()
}

func (c *Client) serverAddress() string {
	address, port := c.sess.Endpoint()
	if address == "" {
		address = "127.0.0.1"
	}
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

func (c *Client) connect() error {
	t := c.sess.Transport()
	if t == nil {
		return session.ErrNotOpen
	}
	addr := c.serverAddress()

	id, err := t.Connect(addr)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "Client.connect",
			"address":  addr,
			"error":    err.Error(),
		}).Error("Failed to connect")
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = id
	c.state = Connecting
	attempts := c.attempts
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "Client.connect",
		"address":  addr,
		"attempt":  attempts,
	}).Info("Connecting to server")
	return nil
}

// NetworkUpdate runs one tick: transport events, dispatch, heartbeat,
// reconnect and flush.
func (c *Client) NetworkUpdate() {
	t := c.sess.Transport()
	if t == nil {
		return
	}
	t.Update()

	for c.sess.IsOpen() {
		ev, ok := t.PollEvent()
		if !ok {
			break
		}
		c.handleEvent(ev)
	}
	if !c.sess.IsOpen() {
		return
	}

	now := c.sess.Clock().Now()
	switch c.State() {
	case Connected:
		if c.heartbeat.Due(now) {
			_ = c.sess.Send(&packet.Empty{}, false)
		}
		if c.ping.Due(now) {
			_ = c.Ping()
		}
	case Disconnected:
		c.maybeReconnect()
	}
	c.flush()
}

func (c *Client) handleEvent(ev transport.Event) {
	c.mu.RLock()
	current := ev.Conn == c.conn
	c.mu.RUnlock()
	if !current {
		return
	}

	switch ev.Type {
	case transport.EventConnect:
		now := c.sess.Clock().Now()
		c.heartbeat.Reset(now)
		c.ping.Reset(now)

		c.mu.Lock()
		c.state = Connected
		c.attempts = 0
		cb := c.onConnected
		c.mu.Unlock()

		c.log.WithField("function", "Client.handleEvent").Info("Connected to server")
		c.fire(cb)

	case transport.EventData:
		c.sess.Receive(ServerID, ev.Data)

	case transport.EventDisconnect:
		wasConnected := c.reset()
		c.log.WithFields(logrus.Fields{
			"function":      "Client.handleEvent",
			"was_connected": wasConnected,
		}).Info("Disconnected from server")
		if wasConnected {
			c.fire(c.disconnectedCallback())
		}
	}
}

// reset tears down per-connection state and reports whether the client was
// connected.
func (c *Client) reset() bool {
	c.sess.Drain(true)
	c.sess.Drain(false)
	c.heartbeat.Stop()
	c.ping.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	wasConnected := c.state == Connected
	c.state = Disconnected
	c.selfID = 0
	c.approved = false
	c.hashMap = nil
	c.hostInfo = nil
	c.latency = 0
	c.peers = make(map[uint16]string)
	c.admins = make(map[uint16]bool)
	c.pings = make(map[uint16]uint16)
	return wasConnected
}

func (c *Client) maybeReconnect() {
	c.mu.Lock()
	if c.closing || !c.cfg.ReattemptFailedConnections {
		c.mu.Unlock()
		return
	}
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		return
	}
	c.attempts++
	c.mu.Unlock()

	_ = c.connect()
}

// flush drains both queues to the server. Sends stay queued until the
// connection is up, and a full transport queue defers the rest to the next
// tick.
func (c *Client) flush() {
	t := c.sess.Transport()
	connected := c.State() == Connected
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for _, reliable := range []bool{true, false} {
		out := c.sess.Drain(reliable)
		if len(out) == 0 {
			continue
		}
		if !connected {
			c.sess.Requeue(reliable, out)
			continue
		}
		pipeline := transport.Unreliable
		if reliable {
			pipeline = transport.Reliable
		}
		for i := range out {
			err := t.Send(conn, pipeline, out[i].Data)
			if err == nil {
				continue
			}
			if errors.Is(err, transport.ErrQueueFull) {
				c.sess.Requeue(reliable, out[i:])
				break
			}
			c.log.WithFields(logrus.Fields{
				"function":    "Client.flush",
				"packet_type": out[i].Name,
				"pipeline":    pipeline.String(),
				"error":       err.Error(),
			}).Error("Failed to send packet")
		}
	}
}

// Send queues p for the server.
func (c *Client) Send(p packet.Packet, reliable bool) error {
	return c.sess.Send(p, reliable)
}

// SubmitPassword answers the server's password gate.
func (c *Client) SubmitPassword(password string) error {
	return c.sess.Send(&protocol.Password{Text: password}, true)
}

// SubmitUsername requests a display name.
func (c *Client) SubmitUsername(name string) error {
	return c.sess.Send(&protocol.Username{Name: name}, true)
}

// Authorize requests admin status with password.
func (c *Client) Authorize(password string) error {
	return c.Administrate(protocol.Authorize, 0, password)
}

// Administrate sends an admin request. The server discards requests other
// than Authorize unless this client is an admin.
func (c *Client) Administrate(op protocol.AdminOp, target uint16, text string) error {
	return c.sess.Send(&protocol.Administration{Op: op, NetworkID: target, Text: text}, true)
}

// Ping sends a latency probe stamped with the session clock.
func (c *Client) Ping() error {
	c.mu.RLock()
	latency := c.latency
	c.mu.RUnlock()
	now := c.sess.Clock().Now()
	return c.sess.Send(&protocol.Ping{Timestamp: now.UnixMilli(), Latency: latency}, false)
}

func (c *Client) fire(cb func()) {
	if cb != nil {
		cb()
	}
}

func (c *Client) disconnectedCallback() func() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onDisconnected
}

// intercept installs packet maps before any listener runs.
func (c *Client) intercept(from, hash uint16, r *packet.Reader) dispatch.Result {
	want, ok := c.sess.Registry().HashOf(&protocol.PacketMap{})
	if !ok || hash != want {
		return dispatch.Skipped
	}
	var p protocol.PacketMap
	p.Read(r)
	if r.Overrun() {
		return dispatch.Error
	}

	m := p.HashMap()
	c.mu.Lock()
	c.hashMap = m
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "Client.intercept",
		"hashes":   m.Len(),
	}).Debug("Installed packet map")
	return dispatch.Consumed
}

// Session returns the underlying session.
func (c *Client) Session() *session.Session { return c.sess }

// Dispatcher returns the session dispatcher for application listeners.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.sess.Dispatcher() }

// State returns the connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ReconnectAttempts returns the consecutive reconnects since the last
// successful connection.
func (c *Client) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// OnConnected sets the callback fired when the connection is established.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnDisconnected sets the callback fired when an established connection ends.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// OnApproved sets the callback fired when the server approves the client.
func (c *Client) OnApproved(fn func()) {
	c.mu.Lock()
	c.onApproved = fn
	c.mu.Unlock()
}

// OnRejected sets the callback fired on a password rejection.
func (c *Client) OnRejected(fn func(text string)) {
	c.mu.Lock()
	c.onRejected = fn
	c.mu.Unlock()
}

// OnAdministration sets the callback fired for every admin notice.
func (c *Client) OnAdministration(fn func(p *protocol.Administration)) {
	c.mu.Lock()
	c.onAdminNotice = fn
	c.mu.Unlock()
}
