package transport

import (
	"sync"
)

// DefaultFaultThreshold is how many unexpected closes a kind may suffer
// before it is excluded from selection
const DefaultFaultThreshold = 10

// FaultCounter counts unexpected connection closes per kind. Counts only
// ever grow. It is safe for concurrent use.
type FaultCounter struct {
	mu     sync.Mutex
	counts map[Kind]int
}

// NewFaultCounter creates a counter with every kind at zero
func NewFaultCounter() *FaultCounter {
	return &FaultCounter{counts: make(map[Kind]int)}
}

// Increment records one fault for kind and returns the new count
func (f *FaultCounter) Increment(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[kind]++
	return f.counts[kind]
}

// Count returns the faults recorded for kind
func (f *FaultCounter) Count(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind]
}

// Tripped reports whether kind has more faults than threshold. A
// non-positive threshold means DefaultFaultThreshold.
func (f *FaultCounter) Tripped(kind Kind, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultFaultThreshold
	}
	return f.Count(kind) > threshold
}

type registryKey struct {
	owner    Host
	kind     Kind
	endpoint string
}

// Registry holds the live transport instance for each owner, kind and
// endpoint. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[registryKey]Transport
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]Transport)}
}

// GetOrCreate returns the registered transport for owner, or registers the
// one built by create
func (r *Registry) GetOrCreate(owner Host, kind Kind, endpoint string, create func() Transport) Transport {
	key := registryKey{owner: owner, kind: kind, endpoint: endpoint}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.entries[key]; ok {
		return t
	}
	t := create()
	r.entries[key] = t
	return t
}

// Remove drops t from the registry. A newer instance registered under the
// same key is left alone.
func (r *Registry) Remove(owner Host, t Transport) {
	key := registryKey{owner: owner, kind: t.Kind(), endpoint: t.Endpoint().String()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == t {
		delete(r.entries, key)
	}
}

// Drain removes and returns every transport registered for owner
func (r *Registry) Drain(owner Host) []Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drained []Transport
	for key, t := range r.entries {
		if key.owner == owner {
			drained = append(drained, t)
			delete(r.entries, key)
		}
	}
	return drained
}

// Len returns the number of registered transports
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shared is the state every dispatcher in a process shares: the fault
// counter behind the websocket circuit breaker and the transport registry.
type Shared struct {
	Faults   *FaultCounter
	Registry *Registry
}

// NewShared creates fresh shared state. Tests use it to isolate cases.
func NewShared() *Shared {
	return &Shared{
		Faults:   NewFaultCounter(),
		Registry: NewRegistry(),
	}
}

var defaultShared = NewShared()

// DefaultShared returns the process-wide shared state. It lives for the
// whole process and is never reset.
func DefaultShared() *Shared {
	return defaultShared
}
