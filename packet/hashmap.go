package packet

import "sort"

// HashMap is a dense per-session compaction table: index i names the i-th
// hash in ascending order.
type HashMap struct {
	hashes []uint16
	index  map[uint16]uint16
}

// NewHashMap builds a table from hashes. Duplicates are removed.
func NewHashMap(hashes []uint16) *HashMap {
	sorted := append([]uint16(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m := &HashMap{index: make(map[uint16]uint16, len(sorted))}
	for _, h := range sorted {
		if _, dup := m.index[h]; dup {
			continue
		}
		m.index[h] = uint16(len(m.hashes))
		m.hashes = append(m.hashes, h)
	}
	return m
}

// Index returns the dense index of hash.
func (m *HashMap) Index(hash uint16) (uint16, bool) {
	if m == nil {
		return 0, false
	}
	i, ok := m.index[hash]
	return i, ok
}

// Hash returns the hash at a dense index.
func (m *HashMap) Hash(index uint16) (uint16, bool) {
	if m == nil || int(index) >= len(m.hashes) {
		return 0, false
	}
	return m.hashes[index], true
}

// Contains reports whether hash is valid for the session.
func (m *HashMap) Contains(hash uint16) bool {
	_, ok := m.Index(hash)
	return ok
}

// Len returns the number of hashes in the table.
func (m *HashMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.hashes)
}

// Hashes returns a copy of the table in index order.
func (m *HashMap) Hashes() []uint16 {
	if m == nil {
		return nil
	}
	return append([]uint16(nil), m.hashes...)
}
