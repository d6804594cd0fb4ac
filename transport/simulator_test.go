package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatorDisabledPassesThrough(t *testing.T) {
	s := NewSimulator(NetworkParameters{})
	assert.False(t, s.Enabled())

	delivered := 0
	assert.True(t, s.Submit(time.Now(), func() { delivered++ }))
	assert.Equal(t, 1, delivered)
	assert.Zero(t, s.Pending())
}

func TestSimulatorDropInterval(t *testing.T) {
	s := NewSimulator(NetworkParameters{DropInterval: 3})
	now := time.Now()

	delivered := 0
	for i := 0; i < 9; i++ {
		s.Submit(now, func() { delivered++ })
	}
	assert.Equal(t, 6, delivered)
	assert.Equal(t, uint64(3), s.Dropped())
}

func TestSimulatorDropPercentage(t *testing.T) {
	all := NewSimulator(NetworkParameters{DropPercentage: 100, Seed: 1})
	none := NewSimulator(NetworkParameters{Seed: 1})
	now := time.Now()

	for i := 0; i < 50; i++ {
		assert.False(t, all.Submit(now, func() {}))
		assert.True(t, none.Submit(now, func() {}))
	}
	assert.Equal(t, uint64(50), all.Dropped())
}

func TestSimulatorDelayAndJitter(t *testing.T) {
	s := NewSimulator(NetworkParameters{Delay: 100 * time.Millisecond, Jitter: 20 * time.Millisecond, Seed: 42})
	start := time.Unix(1000, 0)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Submit(start, func() { order = append(order, i) })
	}
	assert.Equal(t, 5, s.Pending())

	assert.Zero(t, s.Release(start.Add(79*time.Millisecond)))
	assert.Equal(t, 5, s.Release(start.Add(121*time.Millisecond)))
	assert.Len(t, order, 5)
	assert.Zero(t, s.Pending())
}
