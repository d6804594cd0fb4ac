package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedPair(t *testing.T) (*MemoryTransport, *MemoryTransport, ConnID, ConnID) {
	t.Helper()
	network := NewMemoryNetwork()

	server := network.NewTransport(DefaultParameters())
	require.NoError(t, server.Bind("127.0.0.1:7777"))
	require.NoError(t, server.Listen())

	client := network.NewTransport(DefaultParameters())
	cid, err := client.Connect("127.0.0.1:7777")
	require.NoError(t, err)
	assert.Equal(t, Connecting, client.State(cid))

	server.Update()
	sid, ok := server.Accept()
	require.True(t, ok)
	assert.Equal(t, Connected, server.State(sid))

	client.Update()
	ev, ok := client.PollEvent()
	require.True(t, ok)
	assert.Equal(t, Event{Type: EventConnect, Conn: cid}, ev)
	assert.Equal(t, Connected, client.State(cid))

	return server, client, sid, cid
}

func TestMemoryConnectAndExchange(t *testing.T) {
	server, client, sid, cid := connectedPair(t)

	require.NoError(t, client.Send(cid, Reliable, []byte("hello")))
	require.NoError(t, client.Send(cid, Unreliable, []byte("world")))
	server.Update()

	ev, ok := server.PollEvent()
	require.True(t, ok)
	assert.Equal(t, EventData, ev.Type)
	assert.Equal(t, sid, ev.Conn)
	assert.Equal(t, []byte("hello"), ev.Data)

	ev, ok = server.PollEvent()
	require.True(t, ok)
	assert.Equal(t, Unreliable, ev.Pipeline)

	_, ok = server.PollEvent()
	assert.False(t, ok)

	assert.Equal(t, client.LocalAddr().String(), server.RemoteAddr(sid))
	assert.Equal(t, "127.0.0.1:7777", client.RemoteAddr(cid))
}

func TestMemoryConnectWithoutListener(t *testing.T) {
	network := NewMemoryNetwork()
	client := network.NewTransport(DefaultParameters())

	cid, err := client.Connect("127.0.0.1:9999")
	require.NoError(t, err)
	client.Update()

	ev, ok := client.PollEvent()
	require.True(t, ok)
	assert.Equal(t, Event{Type: EventDisconnect, Conn: cid}, ev)
	assert.Equal(t, Disconnected, client.State(cid))
}

func TestMemorySendLimit(t *testing.T) {
	server, client, sid, _ := connectedPair(t)
	server.SetSendLimit(2)

	require.NoError(t, server.Send(sid, Reliable, []byte{1}))
	require.NoError(t, server.Send(sid, Reliable, []byte{2}))
	assert.ErrorIs(t, server.Send(sid, Reliable, []byte{3}), ErrQueueFull)

	server.Update()
	assert.NoError(t, server.Send(sid, Reliable, []byte{3}))

	client.Update()
	count := 0
	for {
		if _, ok := client.PollEvent(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestMemoryDisconnect(t *testing.T) {
	server, client, sid, cid := connectedPair(t)

	require.NoError(t, client.Disconnect(cid))
	assert.ErrorIs(t, client.Send(cid, Reliable, []byte{1}), ErrNotConnected)

	server.Update()
	ev, ok := server.PollEvent()
	require.True(t, ok)
	assert.Equal(t, Event{Type: EventDisconnect, Conn: sid}, ev)
	assert.Equal(t, Disconnected, server.State(sid))
}

func TestMemoryCloseNotifiesPeers(t *testing.T) {
	server, client, _, cid := connectedPair(t)

	require.NoError(t, server.Close())
	client.Update()
	ev, ok := client.PollEvent()
	require.True(t, ok)
	assert.Equal(t, EventDisconnect, ev.Type)
	assert.Equal(t, cid, ev.Conn)

	assert.ErrorIs(t, server.Bind("127.0.0.1:7777"), ErrClosed)
}

func TestMemoryBindConflicts(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.NewTransport(DefaultParameters())
	b := network.NewTransport(DefaultParameters())

	require.NoError(t, a.Bind("127.0.0.1:5000"))
	assert.Error(t, b.Bind("127.0.0.1:5000"))
	assert.ErrorIs(t, b.Listen(), ErrNotBound)
}

func TestMemoryPacketTooLarge(t *testing.T) {
	_, client, _, cid := connectedPair(t)
	err := client.Send(cid, Reliable, make([]byte, 2000))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}
