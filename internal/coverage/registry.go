package coverage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

// ErrDescriptorConflict is returned when a class id is registered twice with
// different metadata.
var ErrDescriptorConflict = errors.New("conflicting class descriptor")

type registryEntry struct {
	desc ClassDescriptor
	stub *probe.Array
}

// Registry holds the descriptors of every instrumented class.
type Registry struct {
	entries sync.Map // ClassID -> *registryEntry
}

// NewRegistry returns an empty descriptor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a descriptor. Registering the same descriptor again is a
// no-op; registering a different one under an existing id fails.
func (r *Registry) Register(desc ClassDescriptor) error {
	if desc.ProbeCount < 0 {
		return fmt.Errorf("class %s: negative probe count %d", desc.Name, desc.ProbeCount)
	}
	entry := &registryEntry{desc: desc, stub: probe.NewStub(desc.ProbeCount)}
	prev, loaded := r.entries.LoadOrStore(desc.ID, entry)
	if loaded && prev.(*registryEntry).desc != desc {
		existing := prev.(*registryEntry).desc
		return fmt.Errorf("%w: class id %d registered as %s (%d probes), got %s (%d probes)",
			ErrDescriptorConflict, desc.ID, existing.Name, existing.ProbeCount, desc.Name, desc.ProbeCount)
	}
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id ClassID) (ClassDescriptor, bool) {
	e, ok := r.entry(id)
	if !ok {
		return ClassDescriptor{}, false
	}
	return e.desc, true
}

// Len returns the number of registered classes.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// mustEntry returns the entry for id and panics when the class was never
// registered: instrumented code is calling with metadata the agent has not
// seen, so recording for it cannot be trusted.
func (r *Registry) mustEntry(id ClassID) *registryEntry {
	e, ok := r.entry(id)
	if !ok {
		panic(fmt.Sprintf("coverage: no descriptor registered for class id %d", id))
	}
	return e
}

func (r *Registry) entry(id ClassID) (*registryEntry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*registryEntry), true
}
