package packet

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otherMove struct{ chatPacket }

func TestRegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()

	h1, err := reg.Register("a", newMove)
	require.NoError(t, err)
	h2, err := reg.Register("a", newMove)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, Hash(TypeName(&movePacket{})), h1)
}

func TestRegisterRefusesCollisions(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterNamed("a", "game.Move", newMove)
	require.NoError(t, err)

	_, err = reg.RegisterNamed("b", "game.Move", func() Packet { return &otherMove{} })
	assert.ErrorIs(t, err, ErrHashCollision)

	f, ok := reg.Lookup(Hash("game.Move"))
	require.True(t, ok)
	assert.IsType(t, &movePacket{}, f())
}

func TestRegisterRefusesReservedHash(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.register("a", "x", HashEmpty, newChat, reflect.TypeOf(&chatPacket{}), false)
	assert.ErrorIs(t, err, ErrReservedHash)

	assert.Error(t, reg.RegisterReserved("a", 0x1234, newChat))
	assert.NoError(t, reg.RegisterReserved("a", HashBundle, newChat))

	h, ok := reg.HashOf(&chatPacket{})
	assert.True(t, ok)
	assert.Equal(t, HashBundle, h)
}

func TestRegisterNilFactory(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("a", nil)
	assert.ErrorIs(t, err, ErrNilFactory)
	_, err = reg.Register("a", func() Packet { return nil })
	assert.ErrorIs(t, err, ErrNilFactory)
}

func TestUnregisterReferenceCounting(t *testing.T) {
	reg := NewRegistry()
	hash, err := reg.Register("design-data", newMove)
	require.NoError(t, err)
	_, err = reg.Register("mod", newMove)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Owners(hash))

	assert.False(t, reg.Unregister("design-data", &movePacket{}))
	_, ok := reg.Lookup(hash)
	assert.True(t, ok, "still referenced by mod")

	assert.False(t, reg.Unregister("nobody", &movePacket{}))
	assert.True(t, reg.Unregister("mod", &movePacket{}))
	_, ok = reg.Lookup(hash)
	assert.False(t, ok)
	_, ok = reg.HashOf(&movePacket{})
	assert.False(t, ok)
}

func TestUnregisterOwner(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterSet("set", newMove, newChat)
	require.NoError(t, err)
	_, err = reg.Register("other", newChat)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.UnregisterOwner("set"))
	assert.Equal(t, 1, reg.Len())
	_, ok := reg.HashOf(&chatPacket{})
	assert.True(t, ok)
}

func TestRegisterSetRollsBack(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterNamed("x", TypeName(&chatPacket{}), func() Packet { return &otherMove{} })
	require.NoError(t, err)

	_, err = reg.RegisterSet("set", newMove, newChat)
	assert.ErrorIs(t, err, ErrHashCollision)
	_, ok := reg.HashOf(&movePacket{})
	assert.False(t, ok, "partial set rolled back")
}

func TestRegistryNameAndHashes(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("a", newChat)
	require.NoError(t, err)

	assert.Equal(t, TypeName(&chatPacket{}), reg.Name(h))
	assert.Equal(t, "unknown(0x0001)", reg.Name(0x0001))
	assert.Equal(t, []uint16{h}, reg.Hashes())

	reg.Reset()
	assert.Zero(t, reg.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = reg.Register("a", newMove)
				reg.Lookup(Hash(TypeName(&movePacket{})))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reg.Len())
}

func TestHashMap(t *testing.T) {
	m := NewHashMap([]uint16{0x3000, 0x0010, 0x3000, 0x0200})

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []uint16{0x0010, 0x0200, 0x3000}, m.Hashes())

	i, ok := m.Index(0x0200)
	require.True(t, ok)
	assert.Equal(t, uint16(1), i)

	h, ok := m.Hash(2)
	require.True(t, ok)
	assert.Equal(t, uint16(0x3000), h)

	_, ok = m.Hash(3)
	assert.False(t, ok)
	assert.False(t, m.Contains(0x9999))

	var nilMap *HashMap
	assert.Zero(t, nilMap.Len())
	assert.False(t, nilMap.Contains(1))
}
