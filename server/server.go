package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/nat"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

var (
	// ErrUnknownConnection indicates no live connection has the given id
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrProtected indicates the local host connection cannot be demoted,
	// kicked or banned
	ErrProtected = errors.New("connection is protected")
)

// BuiltinPriority is the listener priority of the server's protocol
// handlers. They sort ahead of application listeners.
const BuiltinPriority = math.MinInt32

// Server accepts connections and runs the session protocol for them.
// NetworkUpdate must be called from a single goroutine; the other methods
// may be called from any goroutine.
type Server struct {
	cfg  Config
	sess *session.Session
	log  *logrus.Entry

	slots      map[uint16]int
	gateAllow  map[uint16]bool
	pingTicker *session.Interval

	mapper     *nat.Mapper
	natPending bool
	natCancel  context.CancelFunc

	mu           sync.Mutex
	host         HostInfo
	table        *table
	ids          idAllocator
	bans         map[string]string
	listening    bool
	shuttingDown bool
	shutdownAt   time.Time

	onConnected    func(id uint16)
	onDisconnected func(id uint16)
	onReady        func(id uint16)
	onAdminChanged func(id uint16, admin bool)
	onShutdown     func(reason string)
}

// New creates a server bound to reg. The session packets are registered on
// Open and released on Close.
func New(reg *packet.Registry, cfg Config) *Server {
	cfg = cfg.withDefaults()
	cfg.Session.Role = session.RoleServer
	sess := session.New(reg, cfg.Session)

	s := &Server{
		cfg:        cfg,
		sess:       sess,
		log:        sess.Logger(),
		pingTicker: &session.Interval{Every: cfg.PingBroadcastInterval},
		host:       cfg.Host,
		table:      newTable(),
		bans:       make(map[string]string),
	}
	sess.Dispatcher().SetInterceptor(s.intercept)
	return s
}

// Open registers the session packets, opens the session and starts
// listening. With NAT configured, listening starts on the tick that
// receives the mapping result.
func (s *Server) Open() error {
	if s.sess.IsOpen() {
		return nil
	}
	reg := s.sess.Registry()
	if err := protocol.Register(reg); err != nil {
		return fmt.Errorf("open server: %w", err)
	}
	if err := s.listen(); err != nil {
		s.unlisten()
		protocol.Release(reg)
		return fmt.Errorf("open server: %w", err)
	}
	if err := s.sess.Open(); err != nil {
		s.unlisten()
		protocol.Release(reg)
		return err
	}

	s.mu.Lock()
	s.shuttingDown = false
	s.mu.Unlock()
	s.pingTicker.Reset(s.sess.Clock().Now())

	_, port := s.sess.Endpoint()
	if s.cfg.NAT != nil {
		s.startNAT(port)
		return nil
	}
	if err := s.bind(port); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

func (s *Server) startNAT(port uint16) {
	cfg := *s.cfg.NAT
	if cfg.Port == 0 {
		cfg.Port = port
	}
	disc := s.cfg.Discoverer
	if disc == nil {
		disc = nat.NewUPnP()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.natCancel = cancel
	s.mapper = nat.NewMapper(cfg, disc)
	s.mapper.SetClock(s.sess.Clock().Now)
	s.natPending = true
	s.mapper.Start(ctx)

	s.log.WithFields(logrus.Fields{
		"function": "Server.startNAT",
		"port":     cfg.Port,
	}).Info("Negotiating port mapping")
}

// pollNAT binds once the mapping result is available.
func (s *Server) pollNAT() {
	res, ok := s.mapper.Poll()
	if !ok {
		return
	}
	s.natPending = false

	_, port := s.sess.Endpoint()
	if res.Mapped {
		port = res.Port
	} else {
		s.log.WithFields(logrus.Fields{
			"function": "Server.pollNAT",
			"attempts": res.Attempts,
			"error":    fmt.Sprint(res.Err),
		}).Warn("Opening without port mapping")
	}
	if err := s.bind(port); err != nil {
		_ = s.Close()
	}
}

func (s *Server) bind(port uint16) error {
	t := s.sess.Transport()
	address, _ := s.sess.Endpoint()
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))

	if err := t.Bind(addr); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Server.bind",
			"address":  addr,
			"error":    err.Error(),
		}).Error("Failed to bind")
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := t.Listen(); err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Server.bind",
		"address":  addr,
		"private":  s.HostInfo().IsPrivate(),
	}).Info("Server listening")
	return nil
}

// Close disconnects every peer, removes port mappings and closes the
// session.
func (s *Server) Close() error {
	if !s.sess.IsOpen() {
		return nil
	}

	s.mu.Lock()
	conns := s.table.conns
	s.table = newTable()
	s.listening = false
	shuttingDown := s.shuttingDown
	s.shuttingDown = false
	cb := s.onDisconnected
	s.mu.Unlock()

	if t := s.sess.Transport(); t != nil {
		for _, c := range conns {
			_ = t.Disconnect(c.internal)
		}
	}

	if s.mapper != nil {
		if s.natCancel != nil {
			s.natCancel()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.mapper.Close(ctx, shuttingDown)
		cancel()
		if !shuttingDown {
			s.mapper.Wait()
		}
		s.mapper = nil
		s.natPending = false
	}

	err := s.sess.Close()
	s.unlisten()
	protocol.Release(s.sess.Registry())
	s.pingTicker.Stop()

	if cb != nil {
		for _, c := range conns {
			cb(c.id)
		}
	}
	s.log.WithFields(logrus.Fields{
		"function":    "Server.Close",
		"connections": len(conns),
	}).Info("Server closed")
	return err
}

// NetworkUpdate runs one tick: due kicks, accepts, transport events,
// periodic broadcasts and the managed flush.
func (s *Server) NetworkUpdate() {
	t := s.sess.Transport()
	if t == nil {
		return
	}
	if s.natPending {
		s.pollNAT()
		if s.natPending || !s.sess.IsOpen() {
			return
		}
	}

	now := s.sess.Clock().Now()
	t.Update()
	s.closeKicked(now)

	for {
		internal, ok := t.Accept()
		if !ok {
			break
		}
		s.accept(t, internal, now)
	}

	for s.sess.IsOpen() {
		ev, ok := t.PollEvent()
		if !ok {
			break
		}
		s.handleEvent(ev)
	}
	if !s.sess.IsOpen() {
		return
	}

	if s.pingTicker.Due(now) {
		s.broadcastPingTable()
	}
	if s.mapper != nil {
		s.mapper.Update(now)
	}
	s.flush(t)

	s.mu.Lock()
	shutdown := s.shuttingDown && !now.Before(s.shutdownAt)
	s.mu.Unlock()
	if shutdown {
		_ = s.Close()
	}
}

func (s *Server) handleEvent(ev transport.Event) {
	s.mu.Lock()
	c := s.table.internal(ev.Conn)
	var id uint16
	if c != nil {
		id = c.id
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	switch ev.Type {
	case transport.EventData:
		s.sess.Receive(id, ev.Data)
	case transport.EventDisconnect:
		s.drop(c, "disconnected")
	}
}

func (s *Server) accept(t transport.Transport, internal transport.ConnID, now time.Time) {
	address := t.RemoteAddr(internal)
	log := s.log.WithFields(logrus.Fields{
		"function": "Server.accept",
		"address":  address,
	})

	s.mu.Lock()
	if reason, banned := s.bans[hostOf(address)]; banned {
		s.mu.Unlock()
		log.WithField("reason", reason).Info("Refusing banned address")
		_ = t.Disconnect(internal)
		return
	}
	if limit := s.host.MaxPlayers; limit > 0 && s.table.len() >= int(limit) {
		s.mu.Unlock()
		log.WithField("max_players", limit).Info("Refusing connection, server full")
		_ = t.Disconnect(internal)
		return
	}
	id, ok := s.ids.next(func(id uint16) bool { return s.table.external(id) != nil })
	if !ok {
		s.mu.Unlock()
		log.Error("No external id available")
		_ = t.Disconnect(internal)
		return
	}

	c := &conn{
		internal: internal,
		id:       id,
		address:  address,
		joined:   now,
		pending:  s.host.IsPrivate(),
	}
	existing := s.table.ids((*conn).approved)
	s.table.add(c)
	everyone := s.table.ids(nil)
	host := s.host.Packet()
	pings := s.pingTableLocked()
	cb := s.onConnected
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"network_id": id,
		"pending":    c.pending,
	}).Info("Connection accepted")

	if len(existing) > 0 {
		_ = s.sess.Send(&protocol.Handshake{Op: protocol.CreateOther, NetworkID: id}, true, existing...)
	}
	_ = s.sess.Send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: id}, true, id)
	_ = s.sess.Send(host, true, everyone...)
	_ = s.sess.Send(pings, true, id)
	if s.cfg.AnnouncePacketMap {
		_ = s.sess.Send(&protocol.PacketMap{Hashes: s.sess.Registry().Hashes()}, true, id)
	}
	if !c.pending {
		s.welcome(c)
	}

	if cb != nil {
		cb(id)
	}
}

// drop removes c and tells the remaining peers.
func (s *Server) drop(c *conn, reason string) {
	s.mu.Lock()
	if !s.table.remove(c) {
		s.mu.Unlock()
		return
	}
	wasAdmin := c.admin
	c.admin = false
	c.ready = false
	c.pending = false
	c.adminAttempts = nil
	c.reliable = nil
	c.unreliable = nil
	cb := s.onDisconnected
	adminCb := s.onAdminChanged
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Server.drop",
		"network_id": c.id,
		"reason":     reason,
	}).Info("Connection dropped")

	_ = s.sess.Send(&protocol.Handshake{Op: protocol.DestroyOther, NetworkID: c.id}, true)

	if wasAdmin && adminCb != nil {
		adminCb(c.id, false)
	}
	if cb != nil {
		cb(c.id)
	}
}

// closeKicked disconnects kicked connections whose delay elapsed.
func (s *Server) closeKicked(now time.Time) {
	s.mu.Lock()
	var due []*conn
	for _, c := range s.table.conns {
		if c.kicked && !now.Before(c.kickAt) {
			due = append(due, c)
		}
	}
	s.mu.Unlock()

	t := s.sess.Transport()
	for _, c := range due {
		if t != nil {
			_ = t.Disconnect(c.internal)
		}
		s.drop(c, "kicked")
	}
}

// flush expands the shared queues into per-connection queues and drains
// each connection in order. A full transport queue defers the rest of that
// connection's sends to the next tick; any other error abandons the send.
func (s *Server) flush(t transport.Transport) {
	reliable := s.sess.Drain(true)
	unreliable := s.sess.Drain(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, batch := range []struct {
		out      []session.Outbound
		reliable bool
	}{{reliable, true}, {unreliable, false}} {
		for _, o := range batch.out {
			for _, c := range s.table.conns {
				if o.Broadcast() && !c.approved() {
					continue
				}
				if !o.Targeted(c.id) {
					continue
				}
				q := c.queue(batch.reliable)
				*q = append(*q, o)
			}
		}
	}

	for _, c := range s.table.conns {
		s.drainLocked(t, c)
	}
}

func (s *Server) drainLocked(t transport.Transport, c *conn) {
	for _, reliable := range []bool{true, false} {
		pipeline := transport.Unreliable
		if reliable {
			pipeline = transport.Reliable
		}
		q := c.queue(reliable)
		sent := 0
		for sent < len(*q) {
			o := (*q)[sent]
			err := t.Send(c.internal, pipeline, o.Data)
			if errors.Is(err, transport.ErrQueueFull) {
				*q = (*q)[sent:]
				s.log.WithFields(logrus.Fields{
					"function":   "Server.flush",
					"network_id": c.id,
					"deferred":   len(*q),
				}).Debug("Transport queue full, deferring")
				return
			}
			if err != nil {
				s.log.WithFields(logrus.Fields{
					"function":    "Server.flush",
					"network_id":  c.id,
					"packet_type": o.Name,
					"pipeline":    pipeline.String(),
					"error":       err.Error(),
				}).Error("Failed to send packet")
			}
			sent++
		}
		*q = nil
	}
}

func (s *Server) broadcastPingTable() {
	s.mu.Lock()
	pings := s.pingTableLocked()
	s.mu.Unlock()
	_ = s.sess.Send(pings, false)
}

func (s *Server) pingTableLocked() *protocol.PingTable {
	pings := &protocol.PingTable{}
	for _, c := range s.table.conns {
		if c.approved() {
			pings.Entries = append(pings.Entries, protocol.PingEntry{NetworkID: c.id, Latency: c.latency})
		}
	}
	sort.Slice(pings.Entries, func(i, j int) bool {
		return pings.Entries[i].NetworkID < pings.Entries[j].NetworkID
	})
	return pings
}

// Session returns the underlying session.
func (s *Server) Session() *session.Session { return s.sess }

// Dispatcher returns the session dispatcher for application listeners.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.sess.Dispatcher() }

// Listening reports whether the transport accepts connections.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Mapper returns the port mapper, or nil without NAT.
func (s *Server) Mapper() *nat.Mapper { return s.mapper }

// HostInfo returns the current host configuration.
func (s *Server) HostInfo() HostInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// SetHostInfo replaces the host configuration and re-advertises it to every
// connection. Connections already approved stay approved.
func (s *Server) SetHostInfo(h HostInfo) {
	s.mu.Lock()
	s.host = h
	everyone := s.table.ids(nil)
	s.mu.Unlock()

	if len(everyone) > 0 {
		_ = s.sess.Send(h.Packet(), true, everyone...)
	}
}

// Connections returns snapshots of every live connection ordered by id.
func (s *Server) Connections() []Connection {
	s.mu.Lock()
	out := make([]Connection, 0, s.table.len())
	for _, c := range s.table.conns {
		out = append(out, c.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// Connection returns a snapshot of the connection with external id.
func (s *Server) Connection(id uint16) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.table.external(id); c != nil {
		return c.snapshot(), true
	}
	return Connection{}, false
}

// OnConnected sets the callback fired after a connection is accepted.
func (s *Server) OnConnected(fn func(id uint16)) {
	s.mu.Lock()
	s.onConnected = fn
	s.mu.Unlock()
}

// OnDisconnected sets the callback fired after a connection is removed.
func (s *Server) OnDisconnected(fn func(id uint16)) {
	s.mu.Lock()
	s.onDisconnected = fn
	s.mu.Unlock()
}

// OnReady sets the callback fired when a connection becomes ready.
func (s *Server) OnReady(fn func(id uint16)) {
	s.mu.Lock()
	s.onReady = fn
	s.mu.Unlock()
}

// OnAdminChanged sets the callback fired on promotion and demotion.
func (s *Server) OnAdminChanged(fn func(id uint16, admin bool)) {
	s.mu.Lock()
	s.onAdminChanged = fn
	s.mu.Unlock()
}

// OnShutdown sets the callback fired when a shutdown is announced.
func (s *Server) OnShutdown(fn func(reason string)) {
	s.mu.Lock()
	s.onShutdown = fn
	s.mu.Unlock()
}
