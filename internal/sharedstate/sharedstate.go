// Package sharedstate provides barrier-read access to other subsystems'
// shared state and assembles the typed per-event snapshot the coordinator
// consumes.
//
// Barrier semantics: a read for an event must never observe state set
// after that event was dispatched. Writes are versioned with the same
// monotonic sequence the coordinator stamps on events, and reads resolve
// the latest version at-or-before the barrier.
package sharedstate

import "sync"

// Shared-state owner names consumed by the analytics core.
const (
	OwnerConfiguration = "configuration"
	OwnerIdentity      = "identity"
	OwnerLifecycle     = "lifecycle"
	OwnerAssurance     = "assurance"
	OwnerPlaces        = "places"
)

// HardDependencies are always fetched before a snapshot is considered
// valid. SoftDependencies are fetched opportunistically for lifecycle and
// acquisition response handling; their absence never blocks processing.
var (
	HardDependencies = []string{OwnerConfiguration, OwnerIdentity}
	SoftDependencies = []string{OwnerLifecycle, OwnerAssurance, OwnerPlaces}
)

// Provider exposes shared state of other subsystems.
//
// SharedState returns the owner's state valid at-or-before the barrier
// sequence, or ok=false when the owner has no state at that point. The
// returned map is read-only to callers. Implementations must be safe for
// concurrent use.
type Provider interface {
	SharedState(owner string, barrier uint64) (map[string]any, bool)
}

// versioned is one shared-state write for an owner.
type versioned struct {
	version uint64
	data    map[string]any
}

// MemoryStates is an in-process Provider. Writes are appended per owner
// in version order; reads scan backwards for the newest version within
// the barrier.
type MemoryStates struct {
	mu     sync.RWMutex
	states map[string][]versioned
}

// NewMemoryStates returns an empty provider.
func NewMemoryStates() *MemoryStates {
	return &MemoryStates{states: make(map[string][]versioned)}
}

// Set records owner state at the given version.
// Versions must be set in non-decreasing order per owner; a write at a
// version equal to the newest replaces it.
func (m *MemoryStates) Set(owner string, version uint64, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.states[owner]
	if n := len(entries); n > 0 && entries[n-1].version == version {
		entries[n-1].data = data
		m.states[owner] = entries
		return
	}
	m.states[owner] = append(entries, versioned{version: version, data: data})
}

// SharedState implements Provider.
func (m *MemoryStates) SharedState(owner string, barrier uint64) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.states[owner]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].version <= barrier {
			return entries[i].data, true
		}
	}
	return nil, false
}
