package transport

import (
	"math/rand/v2"
	"sort"
	"time"
)

type heldFrame struct {
	release time.Time
	seq     uint64
	deliver func()
}

// Simulator degrades a pipeline with artificial delay, jitter and loss.
type Simulator struct {
	delay          time.Duration
	jitter         time.Duration
	dropPercentage int
	dropInterval   int

	rng     *rand.Rand
	count   uint64
	held    []heldFrame
	dropped uint64
}

// NewSimulator builds a simulator from params.
func NewSimulator(params NetworkParameters) *Simulator {
	seed := params.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Simulator{
		delay:          params.Delay,
		jitter:         params.Jitter,
		dropPercentage: params.DropPercentage,
		dropInterval:   params.DropInterval,
		rng:            rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// Enabled reports whether any degradation is configured.
func (s *Simulator) Enabled() bool {
	return s.delay > 0 || s.jitter > 0 || s.dropPercentage > 0 || s.dropInterval > 0
}

// Submit drops, delays or immediately runs deliver. It reports whether the
// frame survived the drop rules.
func (s *Simulator) Submit(now time.Time, deliver func()) bool {
	s.count++
	if s.dropInterval > 0 && s.count%uint64(s.dropInterval) == 0 {
		s.dropped++
		return false
	}
	if s.dropPercentage > 0 && s.rng.IntN(100) < s.dropPercentage {
		s.dropped++
		return false
	}

	wait := s.delay
	if s.jitter > 0 {
		wait += time.Duration(s.rng.Int64N(int64(2*s.jitter)+1)) - s.jitter
	}
	if wait <= 0 {
		deliver()
		return true
	}

	s.held = append(s.held, heldFrame{release: now.Add(wait), seq: s.count, deliver: deliver})
	sort.SliceStable(s.held, func(i, j int) bool { return s.held[i].release.Before(s.held[j].release) })
	return true
}

// Release runs every held frame due at now, in release order.
func (s *Simulator) Release(now time.Time) int {
	n := 0
	for n < len(s.held) && !s.held[n].release.After(now) {
		n++
	}
	due := s.held[:n]
	s.held = append([]heldFrame(nil), s.held[n:]...)
	for _, f := range due {
		f.deliver()
	}
	return n
}

// Pending returns the number of held frames.
func (s *Simulator) Pending() int {
	return len(s.held)
}

// Dropped returns the number of frames dropped so far.
func (s *Simulator) Dropped() uint64 {
	return s.dropped
}
