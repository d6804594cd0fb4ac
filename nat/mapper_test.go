package nat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu       sync.Mutex
	v4       net.IP
	v6       net.IP
	external net.IP
	taken    map[uint16]bool
	failV6   bool
	addErr   error
	added    []Mapping
	deleted  []uint16
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		v4:       net.IPv4(192, 168, 1, 20).To4(),
		external: net.IPv4(203, 0, 113, 7).To4(),
		taken:    make(map[uint16]bool),
	}
}

func (d *fakeDevice) InternalIPv4(context.Context) (net.IP, error) {
	if d.v4 == nil {
		return nil, ErrNoAddress
	}
	return d.v4, nil
}

func (d *fakeDevice) InternalIPv6(context.Context) (net.IP, error) {
	if d.v6 == nil {
		return nil, ErrUnsupported
	}
	return d.v6, nil
}

func (d *fakeDevice) ExternalIP(context.Context) (net.IP, error) {
	return d.external, nil
}

func (d *fakeDevice) AddPortMapping(_ context.Context, m Mapping) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return d.addErr
	}
	if d.failV6 && m.InternalIP.To4() == nil {
		return ErrPortInUse
	}
	if d.taken[m.ExternalPort] {
		return ErrPortInUse
	}
	d.added = append(d.added, m)
	return nil
}

func (d *fakeDevice) DeletePortMapping(_ context.Context, port uint16, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, port)
	return nil
}

func (d *fakeDevice) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.added), len(d.deleted)
}

func staticDiscoverer(d Device) Discoverer {
	return DiscovererFunc(func(context.Context) (Device, error) {
		return d, nil
	})
}

func TestMapperMapsFirstPort(t *testing.T) {
	device := newFakeDevice()
	m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))

	res := m.Map(context.Background())

	require.NoError(t, res.Err)
	assert.True(t, res.Mapped)
	assert.Equal(t, uint16(7777), res.Port)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.External.Equal(device.external))
	require.Len(t, res.Mappings, 1)
	assert.Equal(t, "UDP", res.Mappings[0].Protocol)
	assert.False(t, m.Disabled())
	assert.Equal(t, uint16(7777), m.Port())
	assert.Len(t, m.Mappings(), 1)
}

func TestMapperConflictRetries(t *testing.T) {
	tests := []struct {
		name     string
		start    uint16
		taken    []uint16
		retries  int
		port     uint16
		attempts int
		mapped   bool
	}{
		{"single conflict", 7777, []uint16{7777}, 16, 7778, 2, true},
		{"wraps past 65535", 65535, []uint16{65535, 0}, 16, 1, 3, true},
		{"retries exhausted", 100, []uint16{100, 101, 102}, 2, 102, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newFakeDevice()
			for _, p := range tt.taken {
				device.taken[p] = true
			}
			cfg := DefaultConfig(tt.start)
			cfg.MaxConflictRetries = tt.retries
			m := NewMapper(cfg, staticDiscoverer(device))

			res := m.Map(context.Background())

			assert.Equal(t, tt.port, res.Port)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, tt.mapped, res.Mapped)
			assert.Equal(t, !tt.mapped, m.Disabled())
			if !tt.mapped {
				assert.ErrorIs(t, res.Err, ErrPortInUse)
			}
		})
	}
}

func TestMapperDisablesOnOtherErrors(t *testing.T) {
	t.Run("no device", func(t *testing.T) {
		m := NewMapper(DefaultConfig(7777), DiscovererFunc(func(context.Context) (Device, error) {
			return nil, errors.New("timeout")
		}))
		res := m.Map(context.Background())
		assert.ErrorIs(t, res.Err, ErrNoDevice)
		assert.False(t, res.Mapped)
		assert.Equal(t, 1, res.Attempts)
		assert.True(t, m.Disabled())
	})

	t.Run("mapping refused", func(t *testing.T) {
		device := newFakeDevice()
		device.addErr = errors.New("SOAP AddPortMapping failed: 501")
		m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))
		res := m.Map(context.Background())
		assert.Error(t, res.Err)
		assert.Equal(t, 1, res.Attempts)
		assert.True(t, m.Disabled())
	})

	t.Run("no internal address", func(t *testing.T) {
		device := newFakeDevice()
		device.v4 = nil
		m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))
		res := m.Map(context.Background())
		assert.ErrorIs(t, res.Err, ErrNoAddress)
		assert.True(t, m.Disabled())
	})
}

func TestMapperMapsBothFamilies(t *testing.T) {
	device := newFakeDevice()
	device.v6 = net.ParseIP("fd00::20")
	m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))

	res := m.Map(context.Background())

	require.NoError(t, res.Err)
	assert.Len(t, res.Mappings, 2)
}

func TestMapperRollsBackPartialMapping(t *testing.T) {
	device := newFakeDevice()
	device.v6 = net.ParseIP("fd00::20")
	device.failV6 = true
	cfg := DefaultConfig(7777)
	cfg.MaxConflictRetries = 1
	m := NewMapper(cfg, staticDiscoverer(device))

	res := m.Map(context.Background())

	assert.ErrorIs(t, res.Err, ErrPortInUse)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []uint16{7777, 7778}, device.deleted)
}

func TestMapperRenewal(t *testing.T) {
	device := newFakeDevice()
	cfg := DefaultConfig(7777)
	cfg.Lease = 10 * time.Minute
	cfg.RenewMargin = time.Minute
	m := NewMapper(cfg, staticDiscoverer(device))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return start })

	res := m.Map(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, start.Add(9*time.Minute), m.RenewAt())

	m.Update(start.Add(5 * time.Minute))
	m.Wait()
	added, deleted := device.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, deleted)

	renewal := start.Add(9 * time.Minute)
	m.Update(renewal)
	m.Wait()
	added, deleted = device.counts()
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, renewal.Add(9*time.Minute), m.RenewAt())
}

func TestMapperPermanentLeaseNeverRenews(t *testing.T) {
	device := newFakeDevice()
	cfg := DefaultConfig(7777)
	cfg.Lease = 0
	m := NewMapper(cfg, staticDiscoverer(device))

	require.NoError(t, m.Map(context.Background()).Err)
	assert.True(t, m.RenewAt().IsZero())
}

func TestMapperClose(t *testing.T) {
	device := newFakeDevice()
	m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))
	require.NoError(t, m.Map(context.Background()).Err)

	m.Close(context.Background(), false)

	assert.Equal(t, []uint16{7777}, device.deleted)
	assert.Empty(t, m.Mappings())
	assert.True(t, m.RenewAt().IsZero())

	// Closing again has nothing left to delete.
	m.Close(context.Background(), false)
	assert.Len(t, device.deleted, 1)
}

// gatedDevice holds AddPortMapping until released, ignoring cancellation
// the way a slow gateway that already accepted the request would.
type gatedDevice struct {
	*fakeDevice
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDevice) AddPortMapping(ctx context.Context, m Mapping) error {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.fakeDevice.AddPortMapping(ctx, m)
}

func TestMapperCloseDuringNegotiation(t *testing.T) {
	device := &gatedDevice{
		fakeDevice: newFakeDevice(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))

	m.Start(context.Background())
	<-device.entered
	m.Close(context.Background(), false)
	close(device.release)
	m.Wait()

	added, _ := device.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, []uint16{7777}, device.deleted, "the late mapping is removed")
	assert.Empty(t, m.Mappings())
	assert.True(t, m.RenewAt().IsZero())

	res, ok := m.Poll()
	require.True(t, ok)
	assert.False(t, res.Mapped)
	assert.ErrorIs(t, res.Err, ErrClosed)
}

func TestMapperStartAndPoll(t *testing.T) {
	device := newFakeDevice()
	m := NewMapper(DefaultConfig(7777), staticDiscoverer(device))

	_, ok := m.Poll()
	assert.False(t, ok)

	m.Start(context.Background())
	m.Start(context.Background())

	var res Result
	require.Eventually(t, func() bool {
		var ready bool
		res, ready = m.Poll()
		return ready
	}, time.Second, 5*time.Millisecond)

	assert.True(t, res.Mapped)
	assert.Equal(t, uint16(7777), res.Port)
	m.Wait()
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Port: 9000, Lease: time.Minute, RenewMargin: 2 * time.Minute}.withDefaults()

	assert.Equal(t, "UDP", cfg.Protocol)
	assert.Equal(t, 30*time.Second, cfg.RenewMargin)
	assert.Equal(t, 65535, cfg.MaxConflictRetries)
	assert.Positive(t, cfg.DiscoveryTimeout)
	assert.Positive(t, cfg.OperationTimeout)
}
