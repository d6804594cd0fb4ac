package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrQueueFull indicates the reliable window of a connection is full.
	// It is transient: the send should be retried on a later tick.
	ErrQueueFull = errors.New("transport: outgoing queue full")

	// ErrNotConnected indicates the connection is unknown or not connected
	ErrNotConnected = errors.New("transport: connection not established")

	// ErrClosed indicates the transport has been closed
	ErrClosed = errors.New("transport: closed")

	// ErrNotBound indicates Listen was called before Bind
	ErrNotBound = errors.New("transport: not bound")

	// ErrPacketTooLarge indicates a payload exceeds MaxPacketSize
	ErrPacketTooLarge = errors.New("transport: packet exceeds maximum size")
)

// ConnID identifies a connection within one transport instance.
type ConnID uint32

// Pipeline selects the delivery guarantees of a send.
type Pipeline uint8

const (
	// Reliable is reliable-sequenced delivery.
	Reliable Pipeline = iota
	// Unreliable is unreliable-sequenced delivery through the simulator stage.
	Unreliable
)

func (p Pipeline) String() string {
	if p == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// State is the lifecycle state of a connection.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// EventType classifies transport events.
type EventType uint8

const (
	// EventConnect reports an outgoing connection was accepted by the remote.
	EventConnect EventType = iota + 1
	// EventData carries one received payload.
	EventData
	// EventDisconnect reports a connection closed, timed out or failed to connect.
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "Connect"
	case EventData:
		return "Data"
	case EventDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is one observable transport occurrence.
type Event struct {
	Type     EventType
	Conn     ConnID
	Pipeline Pipeline
	Data     []byte
}

// Transport is the capability set the session layer requires.
type Transport interface {
	// Bind opens the local endpoint.
	Bind(addr string) error
	// Listen starts accepting incoming connections.
	Listen() error
	// Accept returns the next accepted connection, if any.
	Accept() (ConnID, bool)
	// Connect starts connecting to addr. Completion is reported by EventConnect,
	// failure by EventDisconnect.
	Connect(addr string) (ConnID, error)
	// Send queues data on pipeline p.
	Send(c ConnID, p Pipeline, data []byte) error
	// PollEvent returns the next queued event, if any.
	PollEvent() (Event, bool)
	// Disconnect closes c without producing a local event.
	Disconnect(c ConnID) error
	// State returns the state of c.
	State(c ConnID) State
	// RemoteAddr returns the remote address of c.
	RemoteAddr(c ConnID) string
	// Update processes inbound frames, resends and timers.
	Update()
	// LocalAddr returns the bound address, or nil.
	LocalAddr() net.Addr
	// Close releases the endpoint and all connections.
	Close() error
}

// Factory constructs a transport from tuned parameters.
type Factory func(params NetworkParameters) Transport

// NetworkParameters tunes a transport. They are passed opaquely by the
// session core.
type NetworkParameters struct {
	// ConnectTimeout is the wait between connect attempts.
	ConnectTimeout time.Duration
	// MaxConnectAttempts bounds connect attempts before EventDisconnect.
	MaxConnectAttempts int
	// DisconnectTimeout drops a connection after this long without traffic.
	DisconnectTimeout time.Duration
	// ResendTimeout is the wait before an unacknowledged reliable frame is resent.
	ResendTimeout time.Duration
	// MaxPacketSize bounds a single payload.
	MaxPacketSize int
	// MaxPacketCount bounds reliable frames in flight per connection.
	MaxPacketCount int
	// Delay is the fixed artificial delay of the simulator stage.
	Delay time.Duration
	// Jitter is the maximum random deviation added to Delay.
	Jitter time.Duration
	// DropPercentage drops this percentage of simulated frames (0-100).
	DropPercentage int
	// DropInterval drops every Nth simulated frame; 0 disables it.
	DropInterval int
	// Seed seeds the simulator's random source; 0 uses the current time.
	Seed uint64
}

// DefaultParameters returns parameters suited to internet play.
func DefaultParameters() NetworkParameters {
	return NetworkParameters{
		ConnectTimeout:     time.Second,
		MaxConnectAttempts: 60,
		DisconnectTimeout:  30 * time.Second,
		ResendTimeout:      200 * time.Millisecond,
		MaxPacketSize:      1400,
		MaxPacketCount:     32,
	}
}

// withDefaults fills zero fields from DefaultParameters.
func (p NetworkParameters) withDefaults() NetworkParameters {
	d := DefaultParameters()
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = d.ConnectTimeout
	}
	if p.MaxConnectAttempts <= 0 {
		p.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if p.DisconnectTimeout <= 0 {
		p.DisconnectTimeout = d.DisconnectTimeout
	}
	if p.ResendTimeout <= 0 {
		p.ResendTimeout = d.ResendTimeout
	}
	if p.MaxPacketSize <= 0 {
		p.MaxPacketSize = d.MaxPacketSize
	}
	if p.MaxPacketCount <= 0 {
		p.MaxPacketCount = d.MaxPacketCount
	}
	if p.DropPercentage > 100 {
		p.DropPercentage = 100
	}
	return p
}
