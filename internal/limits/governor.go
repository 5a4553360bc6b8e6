package limits

import "sync"

// Governor bounds the number of concurrent live-update connections per
// user with fixed-size slot counters.
type Governor struct {
	mu       sync.Mutex
	slots    map[string]int
	capacity int
}

// NewGovernor creates a governor allowing capacity concurrent slots per key.
func NewGovernor(capacity int) *Governor {
	return &Governor{
		slots:    make(map[string]int),
		capacity: capacity,
	}
}

// Acquire takes one slot for key. It returns false when the key is at
// capacity.
func (g *Governor) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots[key] >= g.capacity {
		return false
	}
	g.slots[key]++
	return true
}

// Release frees one slot for key. Safe to call even if the slot was never
// acquired.
func (g *Governor) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots[key] <= 1 {
		delete(g.slots, key)
		return
	}
	g.slots[key]--
}

// InUse reports the current slot count for key.
func (g *Governor) InUse(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[key]
}

// Reset drops all state. Intended for tests.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = make(map[string]int)
}
