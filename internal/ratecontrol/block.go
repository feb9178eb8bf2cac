package ratecontrol

import (
	"fmt"
	"math"
)

// BlockSmoothingWindow is the number of upcoming blocks over which a tile's
// surplus or deficit is spread.
const BlockSmoothingWindow = 4

// BlockContext is one block's rate-control state. Only the thread coding
// the block writes it.
type BlockContext struct {
	pixels     int
	intraCost  float64
	weight     float64
	targetBits float64
	qp         int
	lambda     float64
	actualBits float64
	reported   bool
}

// BlockTarget is the outcome of DeriveBlockTarget.
type BlockTarget struct {
	Bits   float64
	QP     int
	Lambda float64
}

// Block returns a copy of block i's state.
func (pc *PictureContext) Block(i int) BlockContext {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.blocks[i]
}

// Weight returns the block's bit weight.
func (b BlockContext) Weight() float64 { return b.weight }

// TargetBits returns the block's target.
func (b BlockContext) TargetBits() float64 { return b.targetBits }

// ActualBits returns the bits reported for the block.
func (b BlockContext) ActualBits() float64 { return b.actualBits }

// QP returns the block's QP.
func (b BlockContext) QP() int { return b.qp }

// Lambda returns the block's lambda.
func (b BlockContext) Lambda() float64 { return b.lambda }

// DeriveBlockTarget returns the target, lambda and QP of block idx. The
// bits are the block weight corrected by the tile's running surplus over
// the next BlockSmoothingWindow blocks; the QP stays within
// NeighborQPDelta of the picture QP.
func (pc *PictureContext) DeriveBlockTarget(idx int) (BlockTarget, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if !pc.derived {
		return BlockTarget{}, fmt.Errorf("POC %d: block %d before picture target", pc.poc, idx)
	}
	if idx < 0 || idx >= len(pc.blocks) {
		return BlockTarget{}, fmt.Errorf("POC %d: block %d out of range", pc.poc, idx)
	}
	b := &pc.blocks[idx]
	if b.reported {
		return BlockTarget{}, fmt.Errorf("POC %d: block %d already coded", pc.poc, idx)
	}

	ts := &pc.tiles[pc.tileOf[idx]]
	window := float64(min(BlockSmoothingWindow, max(ts.blocksLeft, 1)))
	bits := math.Max(b.weight-(ts.weightLeft-ts.bitsLeft)/window, 1)
	bpp := bits / float64(b.pixels)

	m := pc.model
	pic := pc.target
	var lambda float64
	switch {
	case pc.intra && b.intraCost > 0:
		lambda = ClampLambda(IntraAlpha / 256 * math.Pow(IntraCostTerm(b.intraCost, b.pixels)/bpp, IntraBeta))
	case pc.intra:
		lambda = pic.Lambda
	default:
		p := pc.gridParams[idx]
		lambda = ClampLambda(p.Alpha * math.Pow(bpp, p.Beta))
	}
	lambda = clamp(lambda, QPToLambda(float64(pic.QP-NeighborQPDelta)), QPToLambda(float64(pic.QP+NeighborQPDelta)))

	qp := m.LambdaToQP(lambda, Neighbor{QP: pic.QP, Known: true})
	lambda = LambdaForQP(lambda, qp)

	b.targetBits = bits
	b.qp = qp
	b.lambda = lambda
	return BlockTarget{Bits: bits, QP: qp, Lambda: lambda}, nil
}

// ReportBlockResult records the coded bits of block idx at qp and lambda.
func (pc *PictureContext) ReportBlockResult(idx int, actualBits float64, qp int, lambda float64) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if idx < 0 || idx >= len(pc.blocks) {
		return fmt.Errorf("POC %d: block %d out of range", pc.poc, idx)
	}
	b := &pc.blocks[idx]
	if b.reported {
		return fmt.Errorf("POC %d: block %d reported twice", pc.poc, idx)
	}
	if actualBits < 0 || math.IsNaN(actualBits) {
		return fmt.Errorf("POC %d: block %d reported %v bits", pc.poc, idx, actualBits)
	}

	b.actualBits = actualBits
	b.qp = qp
	b.lambda = lambda
	b.reported = true

	ts := &pc.tiles[pc.tileOf[idx]]
	ts.bitsLeft -= actualBits
	ts.weightLeft -= b.weight
	ts.blocksLeft--

	pc.outputBits += actualBits
	pc.reported++
	return nil
}

// OutputBits returns the bits reported so far.
func (pc *PictureContext) OutputBits() float64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.outputBits
}
