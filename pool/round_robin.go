package pool

import (
	"sync"
	"sync/atomic"
)

// roundRobinStrategy is the candidate-iteration load balancer for §4.B
// acquisition step 1: a cursor-based "next N candidates" iterator rather
// than a single next-connection pick, since acquisition here needs to walk
// up to |entries| candidates and skip frozen/saturated ones.
type roundRobinStrategy struct {
	mu      sync.RWMutex
	entries []*ConnectionEntry
	index   map[string]int
	current uint64
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{index: make(map[string]int)}
}

func (r *roundRobinStrategy) Add(e *ConnectionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[e.Addr]; ok {
		return
	}
	r.index[e.Addr] = len(r.entries)
	r.entries = append(r.entries, e)
}

func (r *roundRobinStrategy) Remove(addr string) *ConnectionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[addr]
	if !ok {
		return nil
	}
	removed := r.entries[i]
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, addr)
	for a, idx := range r.index {
		if idx > i {
			r.index[a] = idx - 1
		}
	}
	return removed
}

func (r *roundRobinStrategy) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *roundRobinStrategy) ByAddr(addr string) *ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[addr]; ok {
		return r.entries[i]
	}
	return nil
}

// Candidates returns up to |entries| entries starting at the next
// round-robin cursor position, advancing the cursor once per call so
// concurrent acquisitions fan out across entries (§4.B step 1: "Iterate up
// to |entries| candidates from the load balancer").
func (r *roundRobinStrategy) Candidates() []*ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.entries)
	if n == 0 {
		return nil
	}
	start := int(atomic.AddUint64(&r.current, 1)-1) % n
	out := make([]*ConnectionEntry, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%n]
	}
	return out
}

func (r *roundRobinStrategy) All() []*ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ConnectionEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
