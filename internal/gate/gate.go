// Package gate tracks which pictures have been reconstructed so frame jobs
// can block until their references are available.
package gate

import "sync"

// Handle is the set of ids a waiter requires.
type Handle struct {
	ids []int
}

// IDs returns the required ids.
func (h Handle) IDs() []int {
	return h.ids
}

// Gate is a satisfied-id bitmap guarded by a mutex and condition variable.
// Ids below the floor count as satisfied. Within one window bits are only
// ever set; Reset starts a new window.
type Gate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	floor     int
	satisfied []uint64
	poisoned  bool
}

// New creates a gate whose window starts at floor.
func New(floor int) *Gate {
	g := &Gate{floor: floor}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Require returns a handle for the given ids.
func (g *Gate) Require(ids ...int) Handle {
	return Handle{ids: append([]int(nil), ids...)}
}

// Wait blocks until every id in h is satisfied or the gate is poisoned.
// It returns false when poisoned.
func (g *Gate) Wait(h Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.poisoned && !g.allSatisfiedLocked(h.ids) {
		g.cond.Wait()
	}
	return !g.poisoned
}

// Satisfy marks id as reconstructed and wakes all waiters.
func (g *Gate) Satisfy(id int) {
	g.mu.Lock()
	if id >= g.floor {
		off := id - g.floor
		word := off / 64
		for len(g.satisfied) <= word {
			g.satisfied = append(g.satisfied, 0)
		}
		g.satisfied[word] |= 1 << uint(off%64)
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// IsSatisfied reports whether id is reconstructed in the current window.
func (g *Gate) IsSatisfied(id int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isSatisfiedLocked(id)
}

// Poison makes every current and future Wait return false until Reset.
func (g *Gate) Poison() {
	g.mu.Lock()
	g.poisoned = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Poisoned reports whether the gate is poisoned.
func (g *Gate) Poisoned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.poisoned
}

// Reset clears the bitmap and the poison and moves the floor. Called at
// IDR boundaries.
func (g *Gate) Reset(floor int) {
	g.mu.Lock()
	g.floor = floor
	g.satisfied = g.satisfied[:0]
	g.poisoned = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Floor returns the first id of the current window.
func (g *Gate) Floor() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.floor
}

func (g *Gate) allSatisfiedLocked(ids []int) bool {
	for _, id := range ids {
		if !g.isSatisfiedLocked(id) {
			return false
		}
	}
	return true
}

func (g *Gate) isSatisfiedLocked(id int) bool {
	if id < g.floor {
		return true
	}
	off := id - g.floor
	word := off / 64
	if word >= len(g.satisfied) {
		return false
	}
	return g.satisfied[word]&(1<<uint(off%64)) != 0
}
