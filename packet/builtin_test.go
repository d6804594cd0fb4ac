package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsUseReservedHashes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	data, err := Encode(reg, &Empty{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, data)

	h, ok := reg.HashOf(&Bundle{})
	assert.True(t, ok)
	assert.Equal(t, HashBundle, h)

	// idempotent
	assert.NoError(t, RegisterBuiltins(reg))
}

func TestBundleRoundTrip(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	_, err := reg.RegisterSet("test", newMove, newChat)
	require.NoError(t, err)

	b, err := NewBundle(reg, &chatPacket{Text: "one"}, nil, &movePacket{Name: "two"}, &chatPacket{Text: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())

	data, err := Encode(reg, b)
	require.NoError(t, err)

	out, err := Decode(reg, data)
	require.NoError(t, err)
	decoded := out.(*Bundle)
	require.Len(t, decoded.Items, 3)

	var texts []string
	for _, item := range decoded.Items {
		p, err := Decode(reg, item)
		require.NoError(t, err)
		switch v := p.(type) {
		case *chatPacket:
			texts = append(texts, v.Text)
		case *movePacket:
			texts = append(texts, v.Name)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestBundleRejectsUnregisteredItem(t *testing.T) {
	_, err := NewBundle(NewRegistry(), &chatPacket{})
	assert.ErrorIs(t, err, ErrUnregistered)
}

func TestBundleReadTruncatedItem(t *testing.T) {
	w := NewWriter(0)
	w.WriteUint32(2)
	w.WriteUint16(3)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteUint16(10)
	w.WriteBytes([]byte{4})

	var b Bundle
	r := NewReader(w.Bytes())
	b.Read(&r)
	assert.Len(t, b.Items, 1)
	assert.True(t, r.Overrun())
}
