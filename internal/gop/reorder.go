package gop

import (
	"fmt"
	"sort"
	"sync"

	"github.com/five82/encloop/internal/picture"
)

// Reorder buffers access units that complete out of display order and
// releases them sorted by POC.
type Reorder struct {
	mu          sync.Mutex
	pending     []picture.AccessUnit
	lastEmitted int
	emitted     bool
}

// NewReorder creates an empty reorder buffer.
func NewReorder() *Reorder {
	return &Reorder{}
}

// Push adds a completed access unit. Safe for concurrent use.
func (r *Reorder) Push(au picture.AccessUnit) {
	r.mu.Lock()
	r.pending = append(r.pending, au)
	r.mu.Unlock()
}

// Pending returns the number of buffered access units.
func (r *Reorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain returns every buffered access unit in increasing POC order and
// empties the buffer. It fails without draining if any POC is not
// strictly greater than the last one drained.
func (r *Reorder) Drain() ([]picture.AccessUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.pending
	sort.Slice(out, func(i, j int) bool { return out[i].POC < out[j].POC })

	prev, have := r.lastEmitted, r.emitted
	for _, au := range out {
		if have && au.POC <= prev {
			return nil, fmt.Errorf("access unit POC %d does not follow POC %d", au.POC, prev)
		}
		prev, have = au.POC, true
	}

	r.pending = nil
	r.lastEmitted, r.emitted = prev, have
	return out, nil
}

// Discard drops every buffered access unit.
func (r *Reorder) Discard() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	r.pending = nil
	return n
}

// LastEmitted returns the POC of the last drained access unit.
func (r *Reorder) LastEmitted() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEmitted, r.emitted
}
