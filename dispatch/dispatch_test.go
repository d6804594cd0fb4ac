package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
)

func newDispatcher(t *testing.T) (*Dispatcher, *packet.Registry) {
	t.Helper()
	reg := packet.NewRegistry()
	require.NoError(t, protocol.Register(reg))
	return New(reg), reg
}

func encode(t *testing.T, reg *packet.Registry, p packet.Packet) []byte {
	t.Helper()
	data, err := packet.Encode(reg, p)
	require.NoError(t, err)
	return data
}

func hashOf(t *testing.T, reg *packet.Registry, p packet.Packet) uint16 {
	t.Helper()
	h, ok := reg.HashOf(p)
	require.True(t, ok)
	return h
}

func TestPriorityProbing(t *testing.T) {
	d, reg := newDispatcher(t)
	h := hashOf(t, reg, &protocol.Username{})

	var order []string
	record := func(name string) Listener {
		return func(uint16, *packet.Reader) Result {
			order = append(order, name)
			return Skipped
		}
	}

	assert.Equal(t, 0, d.AddListener(h, record("first"), 0))
	assert.Equal(t, 1, d.AddListener(h, record("second"), 0))
	assert.Equal(t, -5, d.AddListener(h, record("early"), -5))
	assert.Equal(t, 2, d.AddListener(h, record("third"), 1))

	d.Dispatch(1, encode(t, reg, &protocol.Username{Name: "a"}))
	assert.Equal(t, []string{"early", "first", "second", "third"}, order)
	assert.Equal(t, 4, d.ListenerCount(h))

	assert.True(t, d.RemoveListener(h, 1))
	assert.False(t, d.RemoveListener(h, 1))
	assert.Equal(t, 3, d.ListenerCount(h))
}

func TestStopsAtFirstConsumer(t *testing.T) {
	d, reg := newDispatcher(t)
	h := hashOf(t, reg, &protocol.Username{})

	var calls []int
	d.AddListener(h, func(uint16, *packet.Reader) Result { calls = append(calls, 0); return Processed }, 0)
	d.AddListener(h, func(uint16, *packet.Reader) Result { calls = append(calls, 1); return Consumed }, 1)
	d.AddListener(h, func(uint16, *packet.Reader) Result { calls = append(calls, 2); return Processed }, 2)

	res := d.Dispatch(1, encode(t, reg, &protocol.Username{Name: "x"}))
	assert.Equal(t, Consumed, res)
	assert.Equal(t, []int{0, 1}, calls)
}

func TestErrorStopsRouting(t *testing.T) {
	d, reg := newDispatcher(t)
	h := hashOf(t, reg, &protocol.Username{})

	reached := false
	d.AddListener(h, func(uint16, *packet.Reader) Result { return Error }, 0)
	d.AddListener(h, func(uint16, *packet.Reader) Result { reached = true; return Consumed }, 1)

	assert.Equal(t, Error, d.Dispatch(1, encode(t, reg, &protocol.Username{})))
	assert.False(t, reached)
}

func TestEachListenerGetsFreshCursor(t *testing.T) {
	d, reg := newDispatcher(t)
	h := hashOf(t, reg, &protocol.Username{})

	var ids []uint16
	d.AddListener(h, func(_ uint16, r *packet.Reader) Result {
		ids = append(ids, r.ReadUint16())
		r.ReadSafeString(0)
		return Processed
	}, 0)
	d.AddListener(h, func(_ uint16, r *packet.Reader) Result {
		ids = append(ids, r.ReadUint16())
		return Skipped
	}, 1)

	res := d.Dispatch(9, encode(t, reg, &protocol.Username{NetworkID: 77, Name: "abc"}))
	assert.Equal(t, Processed, res)
	assert.Equal(t, []uint16{77, 77}, ids)
}

func TestAllSkippedReturnsSkipped(t *testing.T) {
	d, reg := newDispatcher(t)
	h := hashOf(t, reg, &protocol.Username{})
	d.AddListener(h, func(uint16, *packet.Reader) Result { return Skipped }, 0)

	assert.Equal(t, Skipped, d.Dispatch(1, encode(t, reg, &protocol.Username{})))
}

func TestKeepAliveShortCircuits(t *testing.T) {
	d, reg := newDispatcher(t)
	intercepted := false
	d.SetInterceptor(func(uint16, uint16, *packet.Reader) Result { intercepted = true; return Skipped })

	assert.Equal(t, Consumed, d.Dispatch(1, encode(t, reg, &packet.Empty{})))
	assert.False(t, intercepted)
}

func TestInterceptorRunsFirst(t *testing.T) {
	tests := []struct {
		name          string
		verdict       Result
		want          Result
		listenerFired bool
	}{
		{"consumed stops", Consumed, Consumed, false},
		{"error stops", Error, Error, false},
		{"skipped continues", Skipped, Consumed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, reg := newDispatcher(t)
			fired := false
			_, _, err := Listen(d, func(uint16, *protocol.Ping) Result { fired = true; return Consumed }, 0)
			require.NoError(t, err)
			d.SetInterceptor(func(_ uint16, hash uint16, _ *packet.Reader) Result {
				assert.Equal(t, hashOf(t, reg, &protocol.Ping{}), hash)
				return tt.verdict
			})

			assert.Equal(t, tt.want, d.Dispatch(1, encode(t, reg, &protocol.Ping{Timestamp: 5})))
			assert.Equal(t, tt.listenerFired, fired)
		})
	}
}

func TestBundleDispatchesItemsInOrder(t *testing.T) {
	d, reg := newDispatcher(t)

	var seen []string
	MustListen(d, func(_ uint16, p *protocol.Username) Result {
		seen = append(seen, p.Name)
		return Consumed
	}, 0)
	MustListen(d, func(_ uint16, p *protocol.Handshake) Result {
		seen = append(seen, p.Op.String())
		return Consumed
	}, 0)

	b, err := packet.NewBundle(reg,
		&protocol.Username{Name: "a"},
		&protocol.Handshake{Op: protocol.CreateOther, NetworkID: 2},
		&packet.Empty{},
		&protocol.Username{Name: "b"},
	)
	require.NoError(t, err)

	assert.Equal(t, Consumed, d.Dispatch(1, encode(t, reg, b)))
	assert.Equal(t, []string{"a", "CreateOther", "b"}, seen)
}

func TestNestedBundle(t *testing.T) {
	d, reg := newDispatcher(t)
	count := 0
	MustListen(d, func(uint16, *protocol.Ping) Result { count++; return Consumed }, 0)

	inner, err := packet.NewBundle(reg, &protocol.Ping{}, &protocol.Ping{})
	require.NoError(t, err)
	outer, err := packet.NewBundle(reg, inner, &protocol.Ping{})
	require.NoError(t, err)

	assert.Equal(t, Consumed, d.Dispatch(1, encode(t, reg, outer)))
	assert.Equal(t, 3, count)
}

func TestBundleInterceptorSeesItems(t *testing.T) {
	d, reg := newDispatcher(t)
	pingHash := hashOf(t, reg, &protocol.Ping{})

	var hashes []uint16
	d.SetInterceptor(func(_ uint16, hash uint16, _ *packet.Reader) Result {
		hashes = append(hashes, hash)
		if hash == pingHash {
			return Error
		}
		return Skipped
	})

	b, err := packet.NewBundle(reg, &protocol.Username{}, &protocol.Ping{}, &protocol.Username{})
	require.NoError(t, err)

	assert.Equal(t, Error, d.Dispatch(1, encode(t, reg, b)))
	assert.Equal(t, []uint16{packet.HashBundle, hashOf(t, reg, &protocol.Username{}), pingHash}, hashes)
}

func TestMalformedBundle(t *testing.T) {
	d, _ := newDispatcher(t)

	w := packet.NewWriter(0)
	w.WriteUint16(packet.HashBundle)
	w.WriteUint32(1)
	w.WriteUint16(50)
	w.WriteBytes([]byte{1, 2})
	assert.Equal(t, Error, d.Dispatch(1, w.Bytes()))

	w.Reset()
	w.WriteUint16(packet.HashBundle)
	w.WriteUint32(1 << 20)
	assert.Equal(t, Error, d.Dispatch(1, w.Bytes()))
}

func TestFallbackConstructsRegisteredType(t *testing.T) {
	d, reg := newDispatcher(t)

	var got packet.Packet
	var sender uint16
	d.SetFallback(func(from uint16, p packet.Packet) { sender, got = from, p })

	res := d.Dispatch(4, encode(t, reg, &protocol.Username{NetworkID: 4, Name: "late"}))
	assert.Equal(t, Processed, res)
	assert.Equal(t, uint16(4), sender)
	assert.Equal(t, &protocol.Username{NetworkID: 4, Name: "late"}, got)
}

type receiverPacket struct {
	protocol.Ping
	from uint16
}

func (p *receiverPacket) Receive(from uint16) { p.from = from }

func TestFallbackCallsReceiver(t *testing.T) {
	d, reg := newDispatcher(t)
	_, err := reg.Register("test", func() packet.Packet { return &receiverPacket{} })
	require.NoError(t, err)

	var got *receiverPacket
	d.SetFallback(func(_ uint16, p packet.Packet) { got = p.(*receiverPacket) })

	d.Dispatch(12, encode(t, reg, &receiverPacket{}))
	require.NotNil(t, got)
	assert.Equal(t, uint16(12), got.from)
}

func TestUnknownHashDiscarded(t *testing.T) {
	d, _ := newDispatcher(t)
	called := false
	d.SetFallback(func(uint16, packet.Packet) { called = true })

	assert.Equal(t, Skipped, d.Dispatch(1, []byte{0x01, 0x00, 0xAA}))
	assert.False(t, called)
	assert.Equal(t, Error, d.Dispatch(1, []byte{0x01}))
}

func TestTruncatedPacketRejected(t *testing.T) {
	d, reg := newDispatcher(t)
	fired := false
	MustListen(d, func(uint16, *protocol.Ping) Result { fired = true; return Consumed }, 0)

	data := encode(t, reg, &protocol.Ping{Timestamp: 1})
	assert.Equal(t, Error, d.Dispatch(1, data[:5]))
	assert.False(t, fired)

	d.RemoveAll(hashOf(t, reg, &protocol.Ping{}))
	assert.Equal(t, Error, d.Dispatch(1, data[:5]), "fallback rejects truncated packets too")
}

func TestListenUnregisteredType(t *testing.T) {
	d := New(packet.NewRegistry())
	_, _, err := Listen(d, func(uint16, *protocol.Ping) Result { return Consumed }, 0)
	assert.ErrorIs(t, err, packet.ErrUnregistered)
	assert.Panics(t, func() {
		MustListen(d, func(uint16, *protocol.Ping) Result { return Consumed }, 0)
	})
}

func TestSpiesObserveInPriorityOrder(t *testing.T) {
	d, _ := newDispatcher(t)

	var order []int
	d.AddSpy(func(packet.Packet, bool) { order = append(order, 2) }, 5)
	d.AddSpy(func(packet.Packet, bool) { order = append(order, 1) }, 1)
	slot := d.AddSpy(func(p packet.Packet, reliable bool) {
		order = append(order, 3)
		assert.True(t, reliable)
		assert.IsType(t, &protocol.Ping{}, p)
	}, 5)
	assert.Equal(t, 6, slot)

	d.NotifySpies(&protocol.Ping{}, true)
	assert.Equal(t, []int{1, 2, 3}, order)

	assert.True(t, d.RemoveSpy(6))
	order = nil
	d.NotifySpies(&protocol.Ping{}, true)
	assert.Equal(t, []int{1, 2}, order)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "Consumed", Consumed.String())
	assert.Equal(t, "Result(9)", Result(9).String())
}
