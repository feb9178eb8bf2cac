package gop

import (
	"fmt"
	"sort"
	"sync"

	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/picture"
)

// Collector accepts pictures one at a time in decode order and releases a
// GOP once the queued pictures cover a contiguous display range starting
// at the next expected POC.
type Collector struct {
	mu     sync.Mutex
	next   int
	queued []picture.Picture
	seen   map[int]bool
	index  int
}

// NewCollector creates a collector expecting firstPOC next.
func NewCollector(firstPOC int) *Collector {
	return &Collector{
		next: firstPOC,
		seen: make(map[int]bool),
	}
}

// Add queues p and returns a complete GOP when one is ready.
func (c *Collector) Add(p picture.Picture) (Plan, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.POC < c.next || c.seen[p.POC] {
		return Plan{}, false, errors.NewMalformedGopError(
			fmt.Sprintf("POC %d already submitted or below next expected POC %d", p.POC, c.next))
	}
	c.seen[p.POC] = true
	c.queued = append(c.queued, p)

	if !c.contiguousLocked() {
		return Plan{}, false, nil
	}
	return c.releaseLocked(), true, nil
}

// Flush releases whatever is queued, even if the display range has holes.
func (c *Collector) Flush() (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queued) == 0 {
		return Plan{}, false
	}
	return c.releaseLocked(), true
}

// Queued returns the number of pictures waiting for their GOP to complete.
func (c *Collector) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// Next returns the next expected display POC.
func (c *Collector) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Collector) contiguousLocked() bool {
	pocs := make([]int, len(c.queued))
	for i, p := range c.queued {
		pocs[i] = p.POC
	}
	sort.Ints(pocs)
	for i, poc := range pocs {
		if poc != c.next+i {
			return false
		}
	}
	return true
}

func (c *Collector) releaseLocked() Plan {
	plan := Plan{Index: c.index, Pictures: c.queued}
	maxPOC := c.next - 1
	for _, p := range c.queued {
		maxPOC = max(maxPOC, p.POC)
		delete(c.seen, p.POC)
	}
	c.next = maxPOC + 1
	c.queued = nil
	c.index++
	return plan
}
