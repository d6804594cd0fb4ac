package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/limits"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/transport"
)

// ErrNotOpen indicates an operation requiring an open session.
var ErrNotOpen = errors.New("session not open")

// State is the lifecycle state of a session.
type State uint8

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

// Role names which side of the protocol a session plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// DefaultPort is used when neither the configuration nor the command line
// names a port.
const DefaultPort uint16 = 7777

// Config configures a session.
type Config struct {
	Role Role
	// Address is the host to connect to (client) or bind (server).
	Address string
	// Port is the remote (client) or local (server) port.
	Port uint16
	// Explicit marks Address and Port as coded by the application; they then
	// take precedence over command-line overrides.
	Explicit bool
	// Args is scanned for endpoint overrides. Nil means os.Args[1:].
	Args []string
	// Parameters are passed to the transport factory.
	Parameters transport.NetworkParameters
	// NewTransport constructs the transport. Nil selects UDP.
	NewTransport transport.Factory
	// Clock is the session time source. Nil selects SystemClock.
	Clock Clock
	// Logger is the parent log entry. Nil selects the standard logger.
	Logger *logrus.Entry
}

// Outbound is one queued send.
type Outbound struct {
	Hash     uint16
	Name     string
	Data     []byte
	Targets  []uint16
	Reliable bool
}

// Broadcast reports whether the send targets every connection.
func (o *Outbound) Broadcast() bool {
	return len(o.Targets) == 0
}

// Targeted reports whether o is addressed to id.
func (o *Outbound) Targeted(id uint16) bool {
	if o.Broadcast() {
		return true
	}
	for _, t := range o.Targets {
		if t == id {
			return true
		}
	}
	return false
}

// Session is the transport lifecycle and queueing core shared by Client and
// Server.
type Session struct {
	mu         sync.Mutex
	id         uuid.UUID
	cfg        Config
	reg        *packet.Registry
	dispatcher *dispatch.Dispatcher
	clock      Clock
	log        *logrus.Entry

	state      State
	transport  transport.Transport
	address    string
	port       uint16
	reliable   []Outbound
	unreliable []Outbound
}

// New creates a closed session sharing reg with the host application.
func New(reg *packet.Registry, cfg Config) *Session {
	id := uuid.New()
	parent := cfg.Logger
	if parent == nil {
		parent = logrus.NewEntry(logrus.StandardLogger())
	}
	log := parent.WithFields(logrus.Fields{
		"session_id": id.String(),
		"role":       string(cfg.Role),
	})
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = transport.NewUDPFactory()
	}

	d := dispatch.New(reg)
	d.SetLogger(log)

	return &Session{
		id:         id,
		cfg:        cfg,
		reg:        reg,
		dispatcher: d,
		clock:      clock,
		log:        log,
	}
}

// Open resolves the endpoint, constructs the transport and moves to Open.
// Opening an open session is a no-op.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Open {
		return nil
	}

	s.address, s.port = s.resolveEndpoint()
	t := s.cfg.NewTransport(s.cfg.Parameters)
	if t == nil {
		return fmt.Errorf("open session: transport factory returned nil")
	}
	s.transport = t
	s.state = Open

	s.log.WithFields(logrus.Fields{
		"function": "Session.Open",
		"address":  s.address,
		"port":     s.port,
	}).Info("Session opened")
	return nil
}

func (s *Session) resolveEndpoint() (string, uint16) {
	address, port := s.cfg.Address, s.cfg.Port
	if !s.cfg.Explicit {
		args := s.cfg.Args
		if args == nil && len(os.Args) > 1 {
			args = os.Args[1:]
		}
		o := ParseEndpointOverrides(args)
		if o.HasAddress {
			address = o.Address
		}
		if o.HasPort {
			port = o.Port
		}
	}
	if port == 0 {
		port = DefaultPort
	}
	return address, port
}

// Close disposes the transport and queues and returns to Closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil
	}
	var err error
	if s.transport != nil {
		err = s.transport.Close()
	}
	s.transport = nil
	s.reliable = nil
	s.unreliable = nil
	s.state = Closed

	s.log.WithField("function", "Session.Close").Info("Session closed")
	return err
}

// Send encodes p, reports it to spies and queues it for targets (all
// connections when empty). It does nothing when the session is not open or
// p is nil.
func (s *Session) Send(p packet.Packet, reliable bool, targets ...uint16) error {
	if p == nil || !s.IsOpen() {
		return nil
	}

	s.dispatcher.NotifySpies(p, reliable)

	data, err := packet.Encode(s.reg, p)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.Send",
			"error":    err.Error(),
		}).Error("Failed to encode packet")
		return err
	}
	if err := limits.ValidateOutbound(data, s.cfg.Parameters.MaxPacketSize); err != nil {
		s.log.WithFields(logrus.Fields{
			"function":    "Session.Send",
			"packet_type": packet.TypeName(p),
			"error":       err.Error(),
		}).Error("Packet exceeds datagram limit")
		return err
	}

	hash, _ := packet.PeekHash(data)
	o := Outbound{
		Hash:     hash,
		Name:     packet.TypeName(p),
		Data:     data,
		Targets:  append([]uint16(nil), targets...),
		Reliable: reliable,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return nil
	}
	if reliable {
		s.reliable = append(s.reliable, o)
	} else {
		s.unreliable = append(s.unreliable, o)
	}
	return nil
}

// SendBundle merges items into a single bundle send.
func (s *Session) SendBundle(reliable bool, targets []uint16, items ...packet.Packet) error {
	b, err := packet.NewBundle(s.reg, items...)
	if err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}
	return s.Send(b, reliable, targets...)
}

// Drain removes and returns the queued sends of one pipeline, oldest first.
func (s *Session) Drain(reliable bool) []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	var q []Outbound
	if reliable {
		q, s.reliable = s.reliable, nil
	} else {
		q, s.unreliable = s.unreliable, nil
	}
	return q
}

// Requeue puts sends back at the front of their queue, preserving order.
func (s *Session) Requeue(reliable bool, out []Outbound) {
	if len(out) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return
	}
	if reliable {
		s.reliable = append(append([]Outbound(nil), out...), s.reliable...)
	} else {
		s.unreliable = append(append([]Outbound(nil), out...), s.unreliable...)
	}
}

// Pending returns the number of queued sends on one pipeline.
func (s *Session) Pending(reliable bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reliable {
		return len(s.reliable)
	}
	return len(s.unreliable)
}

// Receive validates an inbound payload from the connection with external id
// from and dispatches it.
func (s *Session) Receive(from uint16, data []byte) dispatch.Result {
	if err := limits.ValidatePacket(data); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "Session.Receive",
			"from":     from,
			"error":    err.Error(),
		}).Warn("Discarding invalid packet")
		return dispatch.Error
	}
	return s.dispatcher.Dispatch(from, data)
}

// ID returns the session instance id.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns the configured role.
func (s *Session) Role() Role { return s.cfg.Role }

// Registry returns the shared packet registry.
func (s *Session) Registry() *packet.Registry { return s.reg }

// Dispatcher returns the session dispatcher.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Clock returns the session time source.
func (s *Session) Clock() Clock { return s.clock }

// Logger returns the session log entry.
func (s *Session) Logger() *logrus.Entry { return s.log }

// Parameters returns the transport parameters.
func (s *Session) Parameters() transport.NetworkParameters { return s.cfg.Parameters }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the session is Open.
func (s *Session) IsOpen() bool {
	return s.State() == Open
}

// Transport returns the transport, or nil while closed.
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Endpoint returns the address and port resolved by Open.
func (s *Session) Endpoint() (string, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, s.port
}

// HostPort returns the resolved endpoint as host:port.
func (s *Session) HostPort() string {
	address, port := s.Endpoint()
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}
