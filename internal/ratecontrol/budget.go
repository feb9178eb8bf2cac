package ratecontrol

import (
	"math"
	"sync"

	"github.com/five82/encloop/internal/picture"
)

// Budget constants.
const (
	// SmoothingWindow is the number of pictures over which a sequence
	// deficit is paid back.
	SmoothingWindow = 40
	// MinGopBits and MinPictureBits floor GOP and picture allocations.
	MinGopBits     = 200.0
	MinPictureBits = 100.0
	// UnderflowFloorBits is the smallest target the CPB adjustment may set.
	UnderflowFloorBits = 200.0

	intraRefineBeta = 0.5582
	// Intra refinement may scale the weight-based target within these
	// factors.
	intraRefineMin = 0.5
	intraRefineMax = 4.0
)

// sequenceBudget tracks bits spent against the sequence target.
type sequenceBudget struct {
	mu          sync.Mutex
	avgPerPic   float64
	totalFrames int
	codedBits   float64
	codedPics   int
	skippedPics int
}

func newSequenceBudget(avgPerPic float64, totalFrames int) *sequenceBudget {
	return &sequenceBudget{avgPerPic: avgPerPic, totalFrames: totalFrames}
}

// perPicture returns the per-picture target that pays back the current
// deficit over the smoothing window.
func (b *sequenceBudget) perPicture() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := SmoothingWindow
	if b.totalFrames > 0 {
		if left := b.totalFrames - b.codedPics - b.skippedPics; left > 0 {
			window = min(window, left)
		}
	}
	deficit := b.codedBits - b.avgPerPic*float64(b.codedPics)
	return b.avgPerPic - deficit/float64(window)
}

func (b *sequenceBudget) commit(bits float64, pics int) {
	b.mu.Lock()
	b.codedBits += bits
	b.codedPics += pics
	b.mu.Unlock()
}

func (b *sequenceBudget) skip(pics int) {
	b.mu.Lock()
	b.skippedPics += pics
	b.mu.Unlock()
}

func (b *sequenceBudget) totals() (bits float64, pics int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codedBits, b.codedPics
}

// GopBudget distributes one GOP's target across its pictures by level
// weight. Allocations are reserved when a picture derives its target and
// the difference to the actual bits is released when it finishes.
type GopBudget struct {
	model    *Model
	mu       sync.Mutex
	target   float64
	bitsLeft float64
	weights  float64
	actual   float64
	done     int
	pictures []*PictureContext
	firstSeq int
	lastSeq  int
	ended    bool
}

// BeginGop starts a GOP given in decode order. It computes the GOP target,
// registers each picture's estimate with the CPB ledger in decode order,
// and creates one PictureContext per picture.
func (m *Model) BeginGop(pics []picture.Picture) *GopBudget {
	n := len(pics)
	target := math.Max(m.budget.perPicture()*float64(n), MinGopBits)

	gb := &GopBudget{
		model:    m,
		target:   target,
		bitsLeft: target,
		pictures: make([]*PictureContext, n),
	}

	for _, p := range pics {
		gb.weights += m.levelWeight(p.Level)
	}

	for i := range pics {
		w := m.levelWeight(pics[i].Level)
		seq := m.cpb.register(target * w / gb.weights)
		if i == 0 {
			gb.firstSeq = seq
		}
		gb.lastSeq = seq
		gb.pictures[i] = newPictureContext(m, gb, &pics[i], seq, w)
	}

	m.logger.Debug("GOP started",
		"pictures", n,
		"target_bits", math.Round(target),
		"first_seq", gb.firstSeq)
	return gb
}

// Picture returns the rate context of the i-th picture in decode order.
func (gb *GopBudget) Picture(i int) *PictureContext {
	return gb.pictures[i]
}

// Len returns the number of pictures in the GOP.
func (gb *GopBudget) Len() int {
	return len(gb.pictures)
}

// TargetBits returns the GOP target.
func (gb *GopBudget) TargetBits() float64 {
	return gb.target
}

// ActualBits returns the bits of every finished picture.
func (gb *GopBudget) ActualBits() float64 {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	return gb.actual
}

// allocate reserves a picture's share of the GOP. adjust may refine the
// weight-based share before it is reserved.
func (gb *GopBudget) allocate(weight float64, adjust func(share float64) float64) float64 {
	gb.mu.Lock()
	defer gb.mu.Unlock()

	share := MinPictureBits
	if gb.weights > 0 {
		share = math.Max(gb.bitsLeft*weight/gb.weights, MinPictureBits)
	}
	target := adjust(share)
	gb.bitsLeft -= target
	gb.weights -= weight
	return target
}

// release returns the difference between a reservation and actual bits.
func (gb *GopBudget) release(reserved, actual float64) {
	gb.mu.Lock()
	gb.bitsLeft += reserved - actual
	gb.actual += actual
	gb.done++
	gb.mu.Unlock()
}

// EndGop closes a GOP. A committed GOP charges its bits to the sequence
// budget and retires its CPB entries; an aborted one drops them.
func (m *Model) EndGop(gb *GopBudget, committed bool) {
	gb.mu.Lock()
	if gb.ended {
		gb.mu.Unlock()
		return
	}
	gb.ended = true
	actual := gb.actual
	gb.mu.Unlock()

	if committed {
		m.budget.commit(actual, len(gb.pictures))
		if v := m.cpb.retireThrough(gb.lastSeq); v.Underflows > 0 || v.Overflows > 0 {
			m.logger.Warn("CPB violated by committed GOP",
				"underflows", v.Underflows,
				"overflows", v.Overflows,
				"fullness", math.Round(m.cpb.committed()))
		}
	} else {
		m.budget.skip(len(gb.pictures))
		m.cpb.abortFrom(gb.firstSeq)
	}
	m.logger.Debug("GOP ended",
		"committed", committed,
		"target_bits", math.Round(gb.target),
		"actual_bits", math.Round(actual))
}

// CodedTotals returns the committed bits and picture count.
func (m *Model) CodedTotals() (bits float64, pictures int) {
	return m.budget.totals()
}

func (m *Model) levelWeight(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level >= MaxTemporalLevels {
		return 1
	}
	return m.weights[level]
}

// RefineIntraBits scales an intra picture's weight-based target by its
// intra cost, bounded to [0.5x, 4x] of the original.
func RefineIntraBits(orgBits, totalCost float64, pixels int) float64 {
	if orgBits <= 0 || totalCost <= 0 || pixels <= 0 {
		return orgBits
	}
	alpha := 0.30
	if orgBits*40 < float64(pixels) {
		alpha = 0.25
	}
	bits := alpha * math.Pow(totalCost*4/orgBits, intraRefineBeta) * orgBits
	return clamp(bits, orgBits*intraRefineMin, orgBits*intraRefineMax)
}
