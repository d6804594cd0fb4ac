package nat

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrPortInUse indicates the gateway already maps the requested port
	ErrPortInUse = errors.New("nat: port mapping conflict")

	// ErrNoDevice indicates no gateway device was discovered
	ErrNoDevice = errors.New("nat: no gateway device found")

	// ErrNoAddress indicates no internal address could be resolved
	ErrNoAddress = errors.New("nat: no internal address resolved")

	// ErrUnsupported indicates the device cannot perform the operation
	ErrUnsupported = errors.New("nat: operation not supported by device")

	// ErrClosed indicates the mapper was closed before negotiation finished
	ErrClosed = errors.New("nat: mapper closed")
)

// Mapping is one port mapping held on a gateway.
type Mapping struct {
	InternalIP   net.IP
	InternalPort uint16
	ExternalPort uint16
	Protocol     string
	Description  string
	Lease        time.Duration
}

// Device is a discovered NAT gateway.
type Device interface {
	InternalIPv4(ctx context.Context) (net.IP, error)
	InternalIPv6(ctx context.Context) (net.IP, error)
	ExternalIP(ctx context.Context) (net.IP, error)
	AddPortMapping(ctx context.Context, m Mapping) error
	DeletePortMapping(ctx context.Context, externalPort uint16, protocol string) error
}

// Discoverer finds a gateway device.
type Discoverer interface {
	Discover(ctx context.Context) (Device, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) (Device, error)

// Discover calls f.
func (f DiscovererFunc) Discover(ctx context.Context) (Device, error) {
	return f(ctx)
}

// Config tunes port mapping.
type Config struct {
	// Port is the first candidate port.
	Port uint16
	// Protocol is the mapped protocol, "UDP" by default.
	Protocol string
	// Description labels the mapping on the gateway.
	Description string
	// Lease is the requested mapping lifetime; 0 asks for a permanent mapping
	// and disables renewal.
	Lease time.Duration
	// RenewMargin is how long before expiry a mapping is recreated.
	RenewMargin time.Duration
	// DiscoveryTimeout bounds device discovery.
	DiscoveryTimeout time.Duration
	// OperationTimeout bounds each address fetch and mapping call.
	OperationTimeout time.Duration
	// MaxConflictRetries bounds port increments after ErrPortInUse; 0 means
	// every port may be tried once.
	MaxConflictRetries int
}

// DefaultConfig returns the mapping defaults for port.
func DefaultConfig(port uint16) Config {
	return Config{
		Port:               port,
		Protocol:           "UDP",
		Description:        "gamenet",
		Lease:              2 * time.Hour,
		RenewMargin:        time.Minute,
		DiscoveryTimeout:   3 * time.Second,
		OperationTimeout:   5 * time.Second,
		MaxConflictRetries: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Port)
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.Description == "" {
		c.Description = d.Description
	}
	if c.RenewMargin <= 0 {
		c.RenewMargin = d.RenewMargin
	}
	if c.Lease > 0 && c.RenewMargin >= c.Lease {
		c.RenewMargin = c.Lease / 2
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 65535
	}
	return c
}
