package proxy

import "sync"

// WorkerRegistry uniquifies upstream credentials across the concurrent
// miners of one port. Each pipeline claims the base string it wants to
// present upstream ("alias.worker") and receives a 1-based index; index 1
// means the base is used as-is, higher indexes get a "-k" suffix.
type WorkerRegistry struct {
	mu     sync.Mutex
	claims map[string]string // pipeline id -> claimed base
	counts map[string]int    // base -> active count
}

// NewWorkerRegistry creates an empty registry for one port.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		claims: make(map[string]string),
		counts: make(map[string]int),
	}
}

// Claim registers that connID now wants base and returns its index. A
// pipeline re-authorizing with a different base releases its previous one.
func (r *WorkerRegistry) Claim(connID, base string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.claims[connID]; ok && prev != base {
		r.decrement(prev)
	}

	k := r.counts[base] + 1
	r.counts[base] = k
	r.claims[connID] = base
	return k
}

// Release drops connID's final claim. It returns the claimed base (empty if
// the pipeline never authorized) and whether this release brought the base
// count to zero.
func (r *WorkerRegistry) Release(connID string) (base string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.claims[connID]
	if !ok {
		return "", false
	}
	delete(r.claims, connID)
	last = r.counts[base] <= 1
	r.decrement(base)
	return base, last
}

// Count reports the active count for a base.
func (r *WorkerRegistry) Count(base string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[base]
}

func (r *WorkerRegistry) decrement(base string) {
	c := r.counts[base]
	if c > 1 {
		r.counts[base] = c - 1
	} else if c == 1 {
		delete(r.counts, base)
	}
}
