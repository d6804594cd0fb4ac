package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a mapping negotiation.
type Result struct {
	// Port is the port that was mapped, or the last candidate on failure.
	Port uint16
	// Mapped reports whether at least one mapping was created.
	Mapped bool
	// External is the gateway's external address, when reported.
	External net.IP
	// Mappings lists the created mappings.
	Mappings []Mapping
	// Attempts counts discovery/mapping sequences run.
	Attempts int
	// Err is the failure that disabled traversal.
	Err error
}

// Mapper negotiates and maintains port mappings.
type Mapper struct {
	cfg        Config
	discoverer Discoverer
	results    chan Result
	now        func() time.Time
	log        *logrus.Entry

	mu       sync.Mutex
	device   Device
	mappings []Mapping
	port     uint16
	disabled bool
	started  bool
	closed   bool
	renewAt  time.Time
	renewing bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMapper creates a mapper using discoverer to find the gateway.
func NewMapper(cfg Config, discoverer Discoverer) *Mapper {
	cfg = cfg.withDefaults()
	if cfg.Description == DefaultConfig(0).Description {
		cfg.Description = fmt.Sprintf("%s-%s", cfg.Description, uuid.NewString()[:8])
	}
	return &Mapper{
		cfg:        cfg,
		discoverer: discoverer,
		results:    make(chan Result, 1),
		port:       cfg.Port,
		now:        time.Now,
		log:        logrus.WithField("component", "nat"),
	}
}

// SetClock replaces the time source used to schedule renewals.
func (m *Mapper) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start runs the negotiation in the background. The result is available
// from Poll once it completes.
func (m *Mapper) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.closed = false
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.results <- m.Map(ctx)
	}()
}

// Poll returns the negotiation result once available.
func (m *Mapper) Poll() (Result, bool) {
	select {
	case r := <-m.results:
		return r, true
	default:
		return Result{}, false
	}
}

// Map runs the negotiation synchronously.
func (m *Mapper) Map(ctx context.Context) Result {
	port := m.cfg.Port
	res := Result{Port: port}

	for {
		res.Attempts++
		res.Port = port
		device, mappings, external, err := m.attempt(ctx, port)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.port = port
				m.mu.Unlock()
				// Close already ran and cannot see these mappings.
				m.rollback(context.Background(), device, mappings)
				res.Err = ErrClosed
				m.log.WithFields(logrus.Fields{
					"function": "Mapper.Map",
					"port":     port,
				}).Debug("Mapper closed during negotiation, mappings removed")
				return res
			}
			res.Mapped = len(mappings) > 0
			res.Mappings = mappings
			res.External = external
			m.device = device
			m.mappings = mappings
			m.port = port
			m.scheduleRenewal(m.now())
			m.mu.Unlock()

			m.log.WithFields(logrus.Fields{
				"function": "Mapper.Map",
				"port":     port,
				"external": ipString(external),
				"mappings": len(mappings),
				"attempts": res.Attempts,
			}).Info("Port mapping created")
			return res
		}

		if errors.Is(err, ErrPortInUse) && res.Attempts <= m.cfg.MaxConflictRetries {
			m.log.WithFields(logrus.Fields{
				"function": "Mapper.Map",
				"port":     port,
				"next":     port + 1,
			}).Warn("Port in use on gateway, retrying with next port")
			port++
			continue
		}

		m.mu.Lock()
		m.disabled = true
		m.port = port
		m.mu.Unlock()
		res.Err = err

		m.log.WithFields(logrus.Fields{
			"function": "Mapper.Map",
			"port":     port,
			"error":    err.Error(),
		}).Warn("NAT traversal disabled")
		return res
	}
}

// attempt runs one discovery and mapping sequence for port.
func (m *Mapper) attempt(ctx context.Context, port uint16) (Device, []Mapping, net.IP, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	device, err := m.discoverer.Discover(dctx)
	cancel()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if device == nil {
		return nil, nil, nil, ErrNoDevice
	}

	var v4, v6, external net.IP
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v4 = m.fetch(gctx, "internal_ipv4", device.InternalIPv4)
		return nil
	})
	g.Go(func() error {
		v6 = m.fetch(gctx, "internal_ipv6", device.InternalIPv6)
		return nil
	})
	g.Go(func() error {
		external = m.fetch(gctx, "external_ip", device.ExternalIP)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	if ctx.Err() != nil {
		return nil, nil, nil, ctx.Err()
	}

	var mappings []Mapping
	for _, ip := range []net.IP{v4, v6} {
		if ip == nil {
			continue
		}
		mapping := Mapping{
			InternalIP:   ip,
			InternalPort: port,
			ExternalPort: port,
			Protocol:     m.cfg.Protocol,
			Description:  m.cfg.Description,
			Lease:        m.cfg.Lease,
		}
		if err := m.add(ctx, device, mapping); err != nil {
			m.rollback(ctx, device, mappings)
			return nil, nil, nil, err
		}
		mappings = append(mappings, mapping)
	}
	if len(mappings) == 0 {
		return nil, nil, nil, ErrNoAddress
	}
	return device, mappings, external, nil
}

func (m *Mapper) fetch(ctx context.Context, what string, fn func(context.Context) (net.IP, error)) net.IP {
	octx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	ip, err := fn(octx)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Mapper.fetch",
			"address":  what,
			"error":    err.Error(),
		}).Debug("Address unavailable")
		return nil
	}
	return ip
}

func (m *Mapper) add(ctx context.Context, device Device, mapping Mapping) error {
	octx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	return device.AddPortMapping(octx, mapping)
}

func (m *Mapper) rollback(ctx context.Context, device Device, mappings []Mapping) {
	for _, mapping := range mappings {
		octx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
		_ = device.DeletePortMapping(octx, mapping.ExternalPort, mapping.Protocol)
		cancel()
	}
}

// scheduleRenewal must be called with m.mu held.
func (m *Mapper) scheduleRenewal(now time.Time) {
	if m.cfg.Lease <= 0 || len(m.mappings) == 0 {
		m.renewAt = time.Time{}
		return
	}
	m.renewAt = now.Add(m.cfg.Lease - m.cfg.RenewMargin)
}

// RenewAt returns when the mappings will next be renewed; zero if never.
func (m *Mapper) RenewAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewAt
}

// Update starts a background renewal when the lease is about to expire.
// It is called from the tick.
func (m *Mapper) Update(now time.Time) {
	m.mu.Lock()
	if m.disabled || m.renewing || m.renewAt.IsZero() || now.Before(m.renewAt) {
		m.mu.Unlock()
		return
	}
	m.renewing = true
	device := m.device
	mappings := append([]Mapping(nil), m.mappings...)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.renew(context.Background(), device, mappings, now)
	}()
}

// Renew deletes and recreates every mapping synchronously.
func (m *Mapper) Renew(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	if m.device == nil || m.renewing {
		m.mu.Unlock()
		return nil
	}
	m.renewing = true
	device := m.device
	mappings := append([]Mapping(nil), m.mappings...)
	m.mu.Unlock()

	return m.renew(ctx, device, mappings, now)
}

func (m *Mapper) renew(ctx context.Context, device Device, mappings []Mapping, now time.Time) error {
	var firstErr error
	for _, mapping := range mappings {
		octx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
		_ = device.DeletePortMapping(octx, mapping.ExternalPort, mapping.Protocol)
		err := device.AddPortMapping(octx, mapping)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	m.renewing = false
	closed := m.closed
	m.scheduleRenewal(now)
	m.mu.Unlock()
	if closed {
		m.rollback(context.Background(), device, mappings)
		return nil
	}

	log := m.log.WithFields(logrus.Fields{
		"function": "Mapper.renew",
		"mappings": len(mappings),
	})
	if firstErr != nil {
		log.WithError(firstErr).Error("Port mapping renewal failed")
		return firstErr
	}
	log.Debug("Port mappings renewed")
	return nil
}

// Close deletes all mappings. When shuttingDown is set the deletes run in
// the background and Close returns immediately. Mappings created by a
// negotiation or renewal still in flight are removed when it finishes; call
// Wait to block until then.
func (m *Mapper) Close(ctx context.Context, shuttingDown bool) {
	m.mu.Lock()
	m.closed = true
	device := m.device
	mappings := m.mappings
	m.mappings = nil
	m.device = nil
	m.renewAt = time.Time{}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if device == nil || len(mappings) == 0 {
		return
	}

	remove := func(ctx context.Context) {
		for _, mapping := range mappings {
			octx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
			if err := device.DeletePortMapping(octx, mapping.ExternalPort, mapping.Protocol); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "Mapper.Close",
					"port":     mapping.ExternalPort,
					"error":    err.Error(),
				}).Debug("Failed to delete port mapping")
			}
			cancel()
		}
	}

	if shuttingDown {
		go remove(context.Background())
		return
	}
	remove(ctx)
}

// Wait blocks until background negotiation and renewal finish.
func (m *Mapper) Wait() {
	m.wg.Wait()
}

// Disabled reports whether traversal was abandoned for this run.
func (m *Mapper) Disabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// Port returns the mapped port, or the last candidate.
func (m *Mapper) Port() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// Mappings returns the active mappings.
func (m *Mapper) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mapping(nil), m.mappings...)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
