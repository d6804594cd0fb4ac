package packet

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type entry struct {
	name    string
	typ     reflect.Type
	factory Factory
	owners  map[string]int
}

// Registry maps wire hashes to packet factories.
//
// A Registry is created by the host application and shared by every session
// it opens. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byHash map[uint16]*entry
	byType map[reflect.Type]uint16
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash: make(map[uint16]*entry),
		byType: make(map[reflect.Type]uint16),
	}
}

// Register adds the type produced by f under owner and returns its hash.
// The hash is derived from the type's fully-qualified Go name. Registering
// the same type again only adds the owner reference.
func (r *Registry) Register(owner string, f Factory) (uint16, error) {
	p, err := build(f)
	if err != nil {
		return 0, err
	}
	name := TypeName(p)
	return r.register(owner, name, Hash(name), f, reflect.TypeOf(p), false)
}

// RegisterNamed is like Register but hashes name instead of the Go type name,
// for peers that agree on identifiers from another naming scheme.
func (r *Registry) RegisterNamed(owner, name string, f Factory) (uint16, error) {
	p, err := build(f)
	if err != nil {
		return 0, err
	}
	return r.register(owner, name, Hash(name), f, reflect.TypeOf(p), false)
}

// RegisterReserved binds one of the reserved hashes to a built-in type.
func (r *Registry) RegisterReserved(owner string, hash uint16, f Factory) error {
	if !IsReserved(hash) {
		return fmt.Errorf("register reserved: 0x%04x is not a reserved hash", hash)
	}
	p, err := build(f)
	if err != nil {
		return err
	}
	_, err = r.register(owner, TypeName(p), hash, f, reflect.TypeOf(p), true)
	return err
}

// RegisterSet registers every factory under owner. On error the types added
// by this call are rolled back.
func (r *Registry) RegisterSet(owner string, factories ...Factory) ([]uint16, error) {
	hashes := make([]uint16, 0, len(factories))
	for _, f := range factories {
		hash, err := r.Register(owner, f)
		if err != nil {
			for _, h := range hashes {
				r.unregisterHash(owner, h)
			}
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (r *Registry) register(owner, name string, hash uint16, f Factory, typ reflect.Type, reserved bool) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[typ]; ok && existing != hash {
		return 0, fmt.Errorf("%w: %s already registered as 0x%04x", ErrHashCollision, name, existing)
	}
	if IsReserved(hash) && !reserved {
		return 0, fmt.Errorf("%w: %s hashes to 0x%04x", ErrReservedHash, name, hash)
	}

	if e, ok := r.byHash[hash]; ok {
		if e.typ != typ {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.Register",
				"hash":     fmt.Sprintf("0x%04x", hash),
				"existing": e.name,
				"rejected": name,
			}).Error("Packet hash collision")
			return 0, fmt.Errorf("%w: %s and %s both hash to 0x%04x", ErrHashCollision, e.name, name, hash)
		}
		e.owners[owner]++
		return hash, nil
	}

	r.byHash[hash] = &entry{
		name:    name,
		typ:     typ,
		factory: f,
		owners:  map[string]int{owner: 1},
	}
	r.byType[typ] = hash

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Register",
		"owner":    owner,
		"name":     name,
		"hash":     fmt.Sprintf("0x%04x", hash),
	}).Debug("Registered packet type")
	return hash, nil
}

// Unregister drops one reference held by owner on p's type. The mapping is
// removed once no owner references it.
func (r *Registry) Unregister(owner string, p Packet) bool {
	hash, ok := r.HashOf(p)
	if !ok {
		return false
	}
	return r.unregisterHash(owner, hash)
}

// UnregisterOwner drops every reference held by owner.
func (r *Registry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for hash, e := range r.byHash {
		if _, ok := e.owners[owner]; !ok {
			continue
		}
		delete(e.owners, owner)
		if len(e.owners) == 0 {
			delete(r.byHash, hash)
			delete(r.byType, e.typ)
			removed++
		}
	}
	return removed
}

func (r *Registry) unregisterHash(owner string, hash uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok || e.owners[owner] == 0 {
		return false
	}
	e.owners[owner]--
	if e.owners[owner] == 0 {
		delete(e.owners, owner)
	}
	if len(e.owners) > 0 {
		return false
	}
	delete(r.byHash, hash)
	delete(r.byType, e.typ)
	return true
}

// Lookup returns the factory registered for hash.
func (r *Registry) Lookup(hash uint16) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.factory, true
}

// HashOf returns the hash registered for p's type.
func (r *Registry) HashOf(p Packet) (uint16, bool) {
	if p == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash, ok := r.byType[reflect.TypeOf(p)]
	return hash, ok
}

// Name returns the registered type name for hash, or a hex placeholder.
func (r *Registry) Name(hash uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byHash[hash]; ok {
		return e.name
	}
	return fmt.Sprintf("unknown(0x%04x)", hash)
}

// Owners returns the number of owners referencing hash.
func (r *Registry) Owners(hash uint16) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byHash[hash]; ok {
		return len(e.owners)
	}
	return 0
}

// Hashes returns all registered hashes in ascending order.
func (r *Registry) Hashes() []uint16 {
	r.mu.RLock()
	hashes := make([]uint16, 0, len(r.byHash))
	for h := range r.byHash {
		hashes = append(hashes, h)
	}
	r.mu.RUnlock()

	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// Reset removes every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash = make(map[uint16]*entry)
	r.byType = make(map[reflect.Type]uint16)
}

func build(f Factory) (Packet, error) {
	if f == nil {
		return nil, ErrNilFactory
	}
	p := f()
	if p == nil {
		return nil, ErrNilFactory
	}
	return p, nil
}
