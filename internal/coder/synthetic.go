package coder

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/five82/encloop/internal/config"
	"github.com/five82/encloop/internal/picture"
	"github.com/five82/encloop/internal/ratecontrol"
)

// Synthetic defaults.
const (
	DefaultMismatch      = 1.1
	DefaultIntraMismatch = 1.0
	DefaultNoise         = 0.05
)

// Synthetic produces block sizes from a ground-truth R-lambda curve instead
// of coding pixels. Inter blocks follow alpha*bpp^beta with the seed pair
// scaled by Mismatch and the block's relative complexity; intra blocks
// follow the intra cost model scaled by IntraMismatch. A deterministic
// per-block noise term of relative amplitude Noise is applied.
type Synthetic struct {
	BlockSize     int
	Mismatch      float64
	IntraMismatch float64
	Noise         float64

	// LevelScale multiplies the bits of pictures at each temporal level.
	// Missing entries count as 1.
	LevelScale []float64

	// FailAt, when set, is consulted before every block. A non-nil error
	// is returned as the block's error.
	FailAt func(poc, block int) error

	calls atomic.Int64
	bits  atomic.Uint64 // whole bits
}

// NewSynthetic returns a synthetic coder for the configured block size
// with the default mismatch and noise.
func NewSynthetic(cfg *config.Config) *Synthetic {
	return &Synthetic{
		BlockSize:     cfg.BlockSize,
		Mismatch:      DefaultMismatch,
		IntraMismatch: DefaultIntraMismatch,
		Noise:         DefaultNoise,
	}
}

// CodeBlock implements BlockCoder.
func (s *Synthetic) CodeBlock(ctx context.Context, pic *picture.Picture, blockIdx, qp int) (BlockResult, error) {
	if err := ctx.Err(); err != nil {
		return BlockResult{}, err
	}
	if s.FailAt != nil {
		if err := s.FailAt(pic.POC, blockIdx); err != nil {
			return BlockResult{}, err
		}
	}

	pixels := float64(s.BlockSize * s.BlockSize)
	lambda := ratecontrol.QPToLambda(float64(qp))

	var bpp float64
	cost, mean := blockCost(pic.Costs, blockIdx)
	if pic.Intra && cost > 0 {
		term := ratecontrol.IntraCostTerm(cost, int(pixels))
		bpp = term / math.Pow(256*lambda/(ratecontrol.IntraAlpha*orOne(s.IntraMismatch)), 1/ratecontrol.IntraBeta)
	} else {
		k := 1.0
		if mean > 0 {
			k = cost / mean
		}
		bpp = k * math.Pow(lambda/(ratecontrol.SeedAlpha*orOne(s.Mismatch)), 1/ratecontrol.SeedBeta)
	}

	if pic.Level >= 0 && pic.Level < len(s.LevelScale) && s.LevelScale[pic.Level] > 0 {
		bpp *= s.LevelScale[pic.Level]
	}
	bpp *= 1 + s.Noise*noise(pic.POC, blockIdx)

	bits := math.Max(math.Round(bpp*pixels), 1)
	step := math.Pow(2, float64(qp-4)/6)

	s.calls.Add(1)
	s.bits.Add(uint64(bits))
	return BlockResult{
		Bits:       bits,
		Distortion: pixels * step * step / 12,
	}, nil
}

// Calls returns the number of blocks coded.
func (s *Synthetic) Calls() int64 {
	return s.calls.Load()
}

// TotalBits returns the bits of every block coded.
func (s *Synthetic) TotalBits() uint64 {
	return s.bits.Load()
}

func orOne(v float64) float64 {
	if v > 0 {
		return v
	}
	return 1
}

// blockCost returns the cost of block idx and the mean block cost, or
// zeros when the picture carries no costs.
func blockCost(costs []float64, idx int) (cost, mean float64) {
	if idx < 0 || idx >= len(costs) {
		return 0, 0
	}
	var sum float64
	for _, c := range costs {
		sum += c
	}
	return costs[idx], sum / float64(len(costs))
}

// noise maps (poc, block) to a value in [-1, 1).
func noise(poc, block int) float64 {
	x := uint64(poc)*0x9E3779B97F4A7C15 ^ uint64(block)*0xBF58476D1CE4E5B9
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return float64(x>>11)/float64(1<<52) - 1
}
