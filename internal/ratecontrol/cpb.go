package ratecontrol

import "sync"

// CPB bounds as fractions of CPB size.
const (
	CpbLowWater  = 0.1
	CpbHighWater = 0.9
)

type cpbEntry struct {
	estimate  float64
	target    float64
	actual    float64
	hasTarget bool
	final     bool
}

func (e *cpbEntry) bits() float64 {
	switch {
	case e.final:
		return e.actual
	case e.hasTarget:
		return e.target
	default:
		return e.estimate
	}
}

// CpbViolations counts buffer violations over the committed pictures and
// the pictures whose target could not keep the projection above the low
// water mark.
type CpbViolations struct {
	Underflows int // committed fullness below zero after removal
	Overflows  int // committed fullness above the CPB size after removal
	FloorRisks int // targets held at UnderflowFloorBits below the low water mark
}

// cpbLedger models decoder buffer fullness. Every picture arrives at the
// channel rate and is removed at its decode time. Entries live in a ring
// indexed by decode sequence modulo its capacity until they retire.
// Fullness is not clamped, so a coder that misses its targets shows up as
// a violation instead of being absorbed.
type cpbLedger struct {
	mu         sync.Mutex
	size       float64
	rate       float64
	fullness   float64 // after the last retired picture
	ring       []cpbEntry
	head       int // first unretired seq
	next       int // next seq to register
	violations CpbViolations
}

func newCpbLedger(size, initialFraction, ratePerPicture float64, gopSize int) *cpbLedger {
	capacity := 64
	for capacity < 2*gopSize {
		capacity *= 2
	}
	return &cpbLedger{
		size:     size,
		rate:     ratePerPicture,
		fullness: clamp(size*initialFraction, 0, size),
		ring:     make([]cpbEntry, capacity),
	}
}

func (c *cpbLedger) slot(seq int) *cpbEntry {
	return &c.ring[seq%len(c.ring)]
}

// register appends a picture with an estimated size and returns its seq.
func (c *cpbLedger) register(estimate float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next-c.head == len(c.ring) {
		c.growLocked()
	}
	seq := c.next
	*c.slot(seq) = cpbEntry{estimate: estimate}
	c.next++
	return seq
}

func (c *cpbLedger) growLocked() {
	grown := make([]cpbEntry, 2*len(c.ring))
	for s := c.head; s < c.next; s++ {
		grown[s%len(grown)] = *c.slot(s)
	}
	c.ring = grown
}

func (c *cpbLedger) live(seq int) bool {
	return seq >= c.head && seq < c.next
}

// fullnessBeforeLocked replays every unretired picture ahead of seq and
// returns the fullness just before seq arrives.
func (c *cpbLedger) fullnessBeforeLocked(seq int) float64 {
	f := c.fullness
	for s := c.head; s < seq && s < c.next; s++ {
		f += c.rate - c.slot(s).bits()
	}
	return f
}

// estimate returns the projected fullness just before seq is removed.
func (c *cpbLedger) estimate(seq int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullnessBeforeLocked(seq) + c.rate
}

// cpbClamp is the outcome of bounding one picture target.
type cpbClamp struct {
	bits    float64
	after   float64 // projected fullness after removal
	changed bool
	floored bool // held at UnderflowFloorBits with after below the low water mark
}

// clampTarget bounds target so that removing seq from a buffer holding p
// bits leaves it within the water marks, and records the result.
func (c *cpbLedger) clampTarget(seq int, target, p float64) cpbClamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	lo := p - CpbHighWater*c.size // below this the buffer overflows
	hi := p - CpbLowWater*c.size  // above this the buffer underflows

	bits := target
	if bits < lo {
		bits = lo
	}
	if bits > hi {
		bits = hi
	}
	floored := false
	if bits < UnderflowFloorBits {
		bits = UnderflowFloorBits
		floored = p-bits < CpbLowWater*c.size
	}
	if floored {
		c.violations.FloorRisks++
	}

	if c.live(seq) {
		e := c.slot(seq)
		e.target, e.hasTarget = bits, true
	}
	return cpbClamp{bits: bits, after: p - bits, changed: bits != target, floored: floored}
}

// finalize records the actual bits of seq.
func (c *cpbLedger) finalize(seq int, actual float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(seq) {
		e := c.slot(seq)
		e.actual, e.final = actual, true
	}
}

// retireThrough folds every entry up to and including seq into the
// committed fullness and returns the violations those entries caused.
func (c *cpbLedger) retireThrough(seq int) CpbViolations {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v CpbViolations
	for c.head <= seq && c.head < c.next {
		c.fullness += c.rate - c.slot(c.head).bits()
		switch {
		case c.fullness < 0:
			v.Underflows++
		case c.fullness > c.size:
			v.Overflows++
		}
		c.head++
	}
	c.violations.Underflows += v.Underflows
	c.violations.Overflows += v.Overflows
	return v
}

// abortFrom drops every unretired entry at or after seq.
func (c *cpbLedger) abortFrom(seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.head {
		seq = c.head
	}
	if seq < c.next {
		c.next = seq
	}
}

// committed returns the fullness after the last retired picture.
func (c *cpbLedger) committed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullness
}

// CpbFullness returns the fullness after the last committed picture.
func (m *Model) CpbFullness() float64 {
	return m.cpb.committed()
}

// CpbViolations returns the violations counted so far.
func (m *Model) CpbViolations() CpbViolations {
	m.cpb.mu.Lock()
	defer m.cpb.mu.Unlock()
	return m.cpb.violations
}
