package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

// fakeServer speaks the wire protocol over a raw memory transport.
type fakeServer struct {
	t     *testing.T
	reg   *packet.Registry
	tr    *transport.MemoryTransport
	conn  transport.ConnID
	clock *session.ManualClock
}

func testConfig(network *transport.MemoryNetwork, clock session.Clock) Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.Session.Address = "127.0.0.1"
	cfg.Session.Port = 7777
	cfg.Session.Explicit = true
	cfg.Session.NewTransport = network.Factory()
	cfg.Session.Clock = clock
	return cfg
}

func newFakeServer(t *testing.T, network *transport.MemoryNetwork, reg *packet.Registry, clock *session.ManualClock) *fakeServer {
	t.Helper()
	tr := network.NewTransport(transport.DefaultParameters())
	require.NoError(t, tr.Bind("127.0.0.1:7777"))
	require.NoError(t, tr.Listen())
	return &fakeServer{t: t, reg: reg, tr: tr, clock: clock}
}

// connected opens c against a fake server and completes the handshake.
func connected(t *testing.T, mutate func(*Config)) (*Client, *fakeServer) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	clock := session.NewManualClock(time.Unix(1700000000, 0))
	reg := packet.NewRegistry()
	srv := newFakeServer(t, network, reg, clock)

	cfg := testConfig(network, clock)
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(reg, cfg)
	require.NoError(t, c.Open())
	assert.Equal(t, Connecting, c.State())

	srv.accept()
	c.NetworkUpdate()
	require.Equal(t, Connected, c.State())
	return c, srv
}

func (s *fakeServer) accept() {
	s.t.Helper()
	s.tr.Update()
	id, ok := s.tr.Accept()
	require.True(s.t, ok, "no pending connection")
	s.conn = id
}

func (s *fakeServer) send(p packet.Packet) {
	s.t.Helper()
	data, err := packet.Encode(s.reg, p)
	require.NoError(s.t, err)
	require.NoError(s.t, s.tr.Send(s.conn, transport.Reliable, data))
}

func (s *fakeServer) receive() []packet.Packet {
	s.t.Helper()
	s.tr.Update()
	var out []packet.Packet
	for {
		ev, ok := s.tr.PollEvent()
		if !ok {
			return out
		}
		if ev.Type != transport.EventData {
			continue
		}
		p, err := packet.Decode(s.reg, ev.Data)
		require.NoError(s.t, err)
		out = append(out, p)
	}
}

func TestConnectLifecycle(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := session.NewManualClock(time.Unix(0, 0))
	reg := packet.NewRegistry()
	srv := newFakeServer(t, network, reg, clock)

	c := New(reg, testConfig(network, clock))
	connects := 0
	c.OnConnected(func() { connects++ })

	assert.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Open())
	require.NoError(t, c.Open(), "reopening is a no-op")
	assert.Equal(t, Connecting, c.State())

	srv.accept()
	c.NetworkUpdate()

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, 1, connects)
	assert.Zero(t, c.ReconnectAttempts())
}

func TestEmptyAddressTargetsLoopback(t *testing.T) {
	c, _ := connected(t, func(cfg *Config) { cfg.Session.Address = "" })
	assert.Equal(t, "127.0.0.1:7777", c.serverAddress())
}

func TestSessionBookkeeping(t *testing.T) {
	c, srv := connected(t, nil)

	srv.send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: 5})
	srv.send(&protocol.Handshake{Op: protocol.CreateOther, NetworkID: 3})
	srv.send(&protocol.Username{NetworkID: 3, Name: "bob"})
	srv.send(&protocol.HostInfo{Name: "arena", Tags: []string{"ctf"}, MaxPlayers: 8, Private: true})
	srv.send(&protocol.PingTable{Entries: []protocol.PingEntry{{NetworkID: 3, Latency: 42}}})
	srv.send(&protocol.AdminList{IDs: []uint16{3}})
	c.NetworkUpdate()

	assert.Equal(t, uint16(5), c.SelfID())
	assert.Equal(t, []uint16{3}, c.Peers())
	name, ok := c.Username(3)
	assert.True(t, ok)
	assert.Equal(t, "bob", name)
	require.NotNil(t, c.HostInfo())
	assert.Equal(t, "arena", c.HostInfo().Name)
	assert.True(t, c.HostInfo().Private)
	latency, ok := c.PeerLatency(3)
	assert.True(t, ok)
	assert.Equal(t, uint16(42), latency)
	assert.True(t, c.IsAdmin(3))
	assert.Equal(t, []uint16{3}, c.Admins())

	srv.send(&protocol.Handshake{Op: protocol.DestroyOther, NetworkID: 3})
	c.NetworkUpdate()

	assert.Empty(t, c.Peers())
	assert.False(t, c.IsAdmin(3))
	_, ok = c.PeerLatency(3)
	assert.False(t, ok)
}

func TestBookkeepingDoesNotConsume(t *testing.T) {
	c, srv := connected(t, nil)

	var seen []uint16
	dispatch.MustListen(c.Dispatcher(), func(_ uint16, p *protocol.Handshake) dispatch.Result {
		seen = append(seen, p.NetworkID)
		return dispatch.Consumed
	}, 0)

	srv.send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: 9})
	c.NetworkUpdate()

	assert.Equal(t, []uint16{9}, seen)
	assert.Equal(t, uint16(9), c.SelfID())
}

func TestPacketMapIsIntercepted(t *testing.T) {
	c, srv := connected(t, nil)

	called := false
	dispatch.MustListen(c.Dispatcher(), func(uint16, *protocol.PacketMap) dispatch.Result {
		called = true
		return dispatch.Processed
	}, 0)

	srv.send(&protocol.PacketMap{Hashes: []uint16{0x0b3d, 0x3b66}})
	c.NetworkUpdate()

	assert.False(t, called)
	require.NotNil(t, c.HashMap())
	assert.Equal(t, 2, c.HashMap().Len())
	assert.True(t, c.HashMap().Contains(0x3b66))
}

func TestPasswordReplies(t *testing.T) {
	c, srv := connected(t, nil)

	var rejections []string
	approvals := 0
	c.OnRejected(func(text string) { rejections = append(rejections, text) })
	c.OnApproved(func() { approvals++ })

	srv.send(&protocol.Password{Text: "2 attempts remaining"})
	c.NetworkUpdate()
	assert.False(t, c.Approved())
	assert.Equal(t, "2 attempts remaining", c.Rejection())

	srv.send(&protocol.Password{NetworkID: 4})
	c.NetworkUpdate()
	assert.True(t, c.Approved())
	assert.Empty(t, c.Rejection())
	assert.Equal(t, []string{"2 attempts remaining"}, rejections)
	assert.Equal(t, 1, approvals)
}

func TestAdministrationNotices(t *testing.T) {
	c, srv := connected(t, nil)

	var notices []protocol.AdminOp
	c.OnAdministration(func(p *protocol.Administration) { notices = append(notices, p.Op) })

	srv.send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: 2})
	srv.send(&protocol.Administration{Op: protocol.Promote, NetworkID: 2})
	srv.send(&protocol.Administration{Op: protocol.Alert, Text: "restart soon"})
	c.NetworkUpdate()
	assert.True(t, c.IsAdmin(2))

	srv.send(&protocol.Administration{Op: protocol.Demote, NetworkID: 2})
	srv.send(&protocol.Administration{Op: protocol.Kick, NetworkID: 2, Text: "Invalid Password"})
	c.NetworkUpdate()

	assert.False(t, c.IsAdmin(2))
	assert.Equal(t, "Invalid Password", c.KickReason())
	assert.Equal(t, []protocol.AdminOp{protocol.Promote, protocol.Alert, protocol.Demote, protocol.Kick}, notices)
}

func TestSendsWaitForConnection(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := session.NewManualClock(time.Unix(0, 0))
	reg := packet.NewRegistry()
	srv := newFakeServer(t, network, reg, clock)

	c := New(reg, testConfig(network, clock))
	require.NoError(t, c.Open())
	require.NoError(t, c.SubmitPassword("hunter2"))
	require.NoError(t, c.SubmitUsername("alice"))

	c.NetworkUpdate()
	assert.Equal(t, 2, c.Session().Pending(true), "held while connecting")

	srv.accept()
	c.NetworkUpdate()

	got := srv.receive()
	require.Len(t, got, 2)
	assert.Equal(t, &protocol.Password{Text: "hunter2"}, got[0])
	assert.Equal(t, &protocol.Username{Name: "alice"}, got[1])
}

func TestAdministrateRequests(t *testing.T) {
	c, srv := connected(t, nil)

	require.NoError(t, c.Authorize("secret"))
	require.NoError(t, c.Administrate(protocol.Kick, 4, "spam"))
	c.NetworkUpdate()

	got := srv.receive()
	require.Len(t, got, 2)
	assert.Equal(t, &protocol.Administration{Op: protocol.Authorize, Text: "secret"}, got[0])
	assert.Equal(t, &protocol.Administration{Op: protocol.Kick, NetworkID: 4, Text: "spam"}, got[1])
}

func TestHeartbeat(t *testing.T) {
	c, srv := connected(t, nil)
	clock := c.Session().Clock().(*session.ManualClock)

	clock.Advance(5 * time.Second)
	c.NetworkUpdate()
	assert.Empty(t, srv.receive())

	clock.Advance(5 * time.Second)
	c.NetworkUpdate()
	got := srv.receive()
	require.Len(t, got, 1)
	assert.IsType(t, &packet.Empty{}, got[0])
}

func TestHeartbeatDefaultsWhenUnset(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := connected(t, func(cfg *Config) { cfg.HeartbeatInterval = tt.interval })
			clock := c.Session().Clock().(*session.ManualClock)

			clock.Advance(DefaultHeartbeatInterval - time.Second)
			c.NetworkUpdate()
			assert.Empty(t, srv.receive())

			clock.Advance(time.Second)
			c.NetworkUpdate()
			got := srv.receive()
			require.Len(t, got, 1)
			assert.IsType(t, &packet.Empty{}, got[0])
		})
	}
}

func TestPingLatency(t *testing.T) {
	c, srv := connected(t, func(cfg *Config) { cfg.PingInterval = time.Second })
	clock := c.Session().Clock().(*session.ManualClock)

	clock.Advance(time.Second)
	c.NetworkUpdate()
	got := srv.receive()
	require.Len(t, got, 1)
	ping, ok := got[0].(*protocol.Ping)
	require.True(t, ok)

	clock.Advance(40 * time.Millisecond)
	srv.send(ping)
	c.NetworkUpdate()

	assert.Equal(t, uint16(40), c.Latency())
}

func TestFlushDefersOnQueueFull(t *testing.T) {
	c, srv := connected(t, nil)
	mt, ok := c.Session().Transport().(*transport.MemoryTransport)
	require.True(t, ok)
	mt.SetSendLimit(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SubmitUsername("name"))
	}

	c.NetworkUpdate()
	assert.Len(t, srv.receive(), 1)
	assert.Equal(t, 2, c.Session().Pending(true))

	c.NetworkUpdate()
	c.NetworkUpdate()
	assert.Len(t, srv.receive(), 2)
	assert.Zero(t, c.Session().Pending(true))
}

func TestReconnectAfterDrop(t *testing.T) {
	c, srv := connected(t, nil)
	drops := 0
	c.OnDisconnected(func() { drops++ })

	srv.send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: 1})
	c.NetworkUpdate()
	require.Equal(t, uint16(1), c.SelfID())

	require.NoError(t, srv.tr.Disconnect(srv.conn))
	c.NetworkUpdate()

	assert.Equal(t, 1, drops)
	assert.Equal(t, Connecting, c.State())
	assert.Equal(t, 1, c.ReconnectAttempts())
	assert.Zero(t, c.SelfID(), "state is torn down")

	srv.accept()
	c.NetworkUpdate()
	assert.Equal(t, Connected, c.State())
	assert.Zero(t, c.ReconnectAttempts())
}

func TestReconnectBudget(t *testing.T) {
	tests := []struct {
		name      string
		reattempt bool
		max       int
		ticks     int
		attempts  int
	}{
		{"disabled", false, 0, 3, 0},
		{"bounded", true, 2, 5, 2},
		{"unbounded", true, 0, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := transport.NewMemoryNetwork()
			cfg := testConfig(network, session.NewManualClock(time.Unix(0, 0)))
			cfg.ReattemptFailedConnections = tt.reattempt
			cfg.MaxReconnectAttempts = tt.max

			c := New(packet.NewRegistry(), cfg)
			drops := 0
			c.OnDisconnected(func() { drops++ })
			require.NoError(t, c.Open())

			for i := 0; i < tt.ticks; i++ {
				c.NetworkUpdate()
			}

			assert.Equal(t, tt.attempts, c.ReconnectAttempts())
			assert.Zero(t, drops, "never connected")
			if !tt.reattempt || tt.max > 0 {
				assert.Equal(t, Disconnected, c.State())
			}
		})
	}
}

func TestCloseStopsReconnecting(t *testing.T) {
	c, srv := connected(t, nil)
	drops := 0
	c.OnDisconnected(func() { drops++ })

	require.NoError(t, c.Close())
	assert.Equal(t, Disconnected, c.State())
	assert.False(t, c.Session().IsOpen())
	assert.Equal(t, 1, drops)

	srv.tr.Update()
	ev, ok := srv.tr.PollEvent()
	require.True(t, ok)
	assert.Equal(t, transport.EventDisconnect, ev.Type)

	c.NetworkUpdate()
	assert.Equal(t, Disconnected, c.State())
	assert.Zero(t, c.ReconnectAttempts())
	require.NoError(t, c.Close())
}

func TestReopenAfterClose(t *testing.T) {
	c, srv := connected(t, nil)
	require.NoError(t, c.Close())

	require.NoError(t, c.Open())
	srv.tr.Update()
	for {
		if _, ok := srv.tr.PollEvent(); !ok {
			break
		}
	}
	srv.accept()
	c.NetworkUpdate()
	assert.Equal(t, Connected, c.State())

	srv.send(&protocol.Handshake{Op: protocol.AssignSelf, NetworkID: 8})
	c.NetworkUpdate()
	assert.Equal(t, uint16(8), c.SelfID())
}
