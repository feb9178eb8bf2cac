package ratecontrol

import (
	"fmt"
	"math"
	"sync"

	"github.com/five82/encloop/internal/picture"
)

// PictureTarget is the outcome of DerivePictureTarget.
type PictureTarget struct {
	Bits          float64
	QP            int
	Lambda        float64
	CpbProjection float64 // fullness after removal
	CpbAdjusted   bool
}

// PictureStats summarizes a finished picture.
type PictureStats struct {
	POC           int
	Seq           int
	Level         int
	Intra         bool
	TargetBits    float64
	ActualBits    float64
	QP            int
	Lambda        float64
	AvgLambda     float64
	CpbProjection float64
	CpbAdjusted   bool
	Update        UpdateResult
}

type tileState struct {
	blocks     []int // raster order within the tile
	bitsLeft   float64
	weightLeft float64
	blocksLeft int
}

// PictureContext carries one picture's rate-control state from target
// derivation through block coding to the model update. Block fields are
// single-writer; picture counters are guarded by mu.
type PictureContext struct {
	model  *Model
	gop    *GopBudget
	seq    int
	poc    int
	level  TemporalLevel
	intra  bool
	weight float64
	pixels int
	costs  []float64

	mu         sync.Mutex
	derived    bool
	finished   bool
	target     PictureTarget
	version    uint64
	gridParams []Params
	blocks     []BlockContext
	tiles      []tileState
	tileOf     []int
	outputBits float64
	reported   int
}

func newPictureContext(m *Model, gb *GopBudget, p *picture.Picture, seq int, weight float64) *PictureContext {
	pc := &PictureContext{
		model:  m,
		gop:    gb,
		seq:    seq,
		poc:    p.POC,
		level:  TemporalLevel(p.Level),
		intra:  p.Intra,
		weight: weight,
		pixels: m.pixels,
		costs:  p.BlockCosts(m.gridWidth, m.gridHeight, m.blockSize),
	}

	n := m.gridWidth * m.gridHeight
	pc.blocks = make([]BlockContext, n)
	for i := range pc.blocks {
		pc.blocks[i].pixels = m.blockPixels(i)
		if pc.costs != nil {
			pc.blocks[i].intraCost = pc.costs[i]
		}
	}
	pc.tiles, pc.tileOf = m.splitTiles()
	return pc
}

// blockPixels returns the sample count of block i. Every block of the grid
// is full size.
func (m *Model) blockPixels(int) int {
	return m.blockSize * m.blockSize
}

// splitTiles partitions grid columns into tile columns and lists each
// tile's blocks in raster order.
func (m *Model) splitTiles() ([]tileState, []int) {
	tiles := make([]tileState, m.tileColumns)
	tileOf := make([]int, m.gridWidth*m.gridHeight)
	for t := range tiles {
		x0 := t * m.gridWidth / m.tileColumns
		x1 := (t + 1) * m.gridWidth / m.tileColumns
		for y := 0; y < m.gridHeight; y++ {
			for x := x0; x < x1; x++ {
				idx := y*m.gridWidth + x
				tiles[t].blocks = append(tiles[t].blocks, idx)
				tileOf[idx] = t
			}
		}
	}
	return tiles, tileOf
}

// POC returns the picture's display index.
func (pc *PictureContext) POC() int { return pc.poc }

// Seq returns the picture's decode sequence number.
func (pc *PictureContext) Seq() int { return pc.seq }

// Intra reports whether the picture is intra.
func (pc *PictureContext) Intra() bool { return pc.intra }

// Level returns the picture's temporal level.
func (pc *PictureContext) Level() TemporalLevel { return pc.level }

// Tiles returns the number of tile columns.
func (pc *PictureContext) Tiles() int { return len(pc.tiles) }

// TileBlocks returns the blocks of tile t in coding order.
func (pc *PictureContext) TileBlocks(t int) []int { return pc.tiles[t].blocks }

// Target returns the derived picture target.
func (pc *PictureContext) Target() PictureTarget {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.target
}

func (pc *PictureContext) totalCost() float64 {
	var sum float64
	for _, c := range pc.costs {
		sum += c
	}
	return sum
}

// DerivePictureTarget allocates the picture's share of the GOP, refines
// it for intra pictures, clamps it against the CPB projection, and maps
// the result to a lambda and QP. It also prepares block bit weights.
func (pc *PictureContext) DerivePictureTarget() (PictureTarget, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.derived {
		return pc.target, fmt.Errorf("POC %d: picture target already derived", pc.poc)
	}

	m := pc.model
	totalCost := pc.totalCost()

	var adjusted, floored bool
	var projection float64
	bits := pc.gop.allocate(pc.weight, func(share float64) float64 {
		if pc.intra {
			share = RefineIntraBits(share, totalCost, pc.pixels)
		}
		fullness := m.EstimateCpbFullness(pc.seq)
		cl := m.cpb.clampTarget(pc.seq, share, fullness)
		adjusted, projection, floored = cl.changed, cl.after, cl.floored
		return cl.bits
	})
	switch {
	case floored:
		m.logger.Warn("CPB projection below low water at minimum target",
			"poc", pc.poc, "seq", pc.seq, "bits", math.Round(bits), "projection", math.Round(projection))
	case adjusted:
		m.logger.Debug("Picture target clamped by CPB",
			"poc", pc.poc, "seq", pc.seq, "bits", math.Round(bits), "projection", math.Round(projection))
	}

	bpp := bits / float64(pc.pixels)
	costTerm := 0.0
	if pc.intra {
		costTerm = IntraCostTerm(totalCost, pc.pixels)
	}
	lambda := m.EstimatePictureLambda(pc.level, pc.intra, costTerm, bpp)
	qp := m.LambdaToQP(lambda, m.neighbor(pc.level, pc.intra))
	lambda = LambdaForQP(lambda, qp)
	m.recordQP(pc.level, pc.intra, qp)

	pc.version, pc.gridParams = m.snapshot(pc.level)
	pc.target = PictureTarget{
		Bits:          bits,
		QP:            qp,
		Lambda:        lambda,
		CpbProjection: projection,
		CpbAdjusted:   adjusted,
	}
	pc.initBlockWeights()
	pc.derived = true
	return pc.target, nil
}

// initBlockWeights spreads the picture target over the blocks. Inter
// weights follow each block's own model at the picture lambda; intra
// weights follow intra cost.
func (pc *PictureContext) initBlockWeights() {
	var sum float64
	for i := range pc.blocks {
		b := &pc.blocks[i]
		switch {
		case pc.intra && pc.costs != nil:
			b.weight = math.Max(b.intraCost, 1)
		case pc.intra:
			b.weight = float64(b.pixels)
		default:
			p := pc.gridParams[i]
			b.weight = float64(b.pixels) * math.Pow(pc.target.Lambda/p.Alpha, 1/p.Beta)
		}
		if !(b.weight > 0) || math.IsInf(b.weight, 0) {
			b.weight = float64(b.pixels)
		}
		sum += b.weight
	}

	scale := pc.target.Bits / sum
	for i := range pc.blocks {
		pc.blocks[i].weight *= scale
	}
	for t := range pc.tiles {
		ts := &pc.tiles[t]
		ts.bitsLeft, ts.weightLeft = 0, 0
		for _, idx := range ts.blocks {
			ts.bitsLeft += pc.blocks[idx].weight
		}
		ts.weightLeft = ts.bitsLeft
		ts.blocksLeft = len(ts.blocks)
	}
}

// Finish folds the picture into the model: one picture-level update plus
// block-grid updates for inter pictures, release of the GOP reservation,
// and the CPB ledger entry. Every block must have been reported.
func (pc *PictureContext) Finish() (PictureStats, error) {
	pc.mu.Lock()
	if !pc.derived {
		pc.mu.Unlock()
		return PictureStats{}, fmt.Errorf("POC %d: finish before target derivation", pc.poc)
	}
	if pc.finished {
		pc.mu.Unlock()
		return PictureStats{}, fmt.Errorf("POC %d: picture already finished", pc.poc)
	}
	if pc.reported != len(pc.blocks) {
		pc.mu.Unlock()
		return PictureStats{}, fmt.Errorf("POC %d: %d of %d blocks reported", pc.poc, pc.reported, len(pc.blocks))
	}
	pc.finished = true
	bits := pc.outputBits
	target := pc.target
	pc.mu.Unlock()

	m := pc.model
	avgLambda := pc.averageLambda()
	bpp := bits / float64(pc.pixels)

	update := UpdateIgnored
	if !pc.intra {
		obs := make([]BlockObservation, len(pc.blocks))
		for i := range pc.blocks {
			b := &pc.blocks[i]
			obs[i] = BlockObservation{Index: i, Bits: b.actualBits, Lambda: b.lambda, Pixels: b.pixels}
		}
		update = m.updateLevel(pc.level, bits, avgLambda, bpp, pc.poc, pc.version+1, obs)
	}

	pc.gop.release(target.Bits, bits)
	m.cpb.finalize(pc.seq, bits)

	return PictureStats{
		POC:           pc.poc,
		Seq:           pc.seq,
		Level:         int(pc.level),
		Intra:         pc.intra,
		TargetBits:    target.Bits,
		ActualBits:    bits,
		QP:            target.QP,
		Lambda:        target.Lambda,
		AvgLambda:     avgLambda,
		CpbProjection: target.CpbProjection,
		CpbAdjusted:   target.CpbAdjusted,
		Update:        update,
	}, nil
}

// averageLambda is the geometric mean of the block lambdas above the
// update threshold, or the picture lambda when there are none.
func (pc *PictureContext) averageLambda() float64 {
	var sum float64
	n := 0
	for i := range pc.blocks {
		if l := pc.blocks[i].lambda; l > MinUpdateLambda {
			sum += math.Log(l)
			n++
		}
	}
	if n == 0 {
		return pc.target.Lambda
	}
	return math.Exp(sum / float64(n))
}
