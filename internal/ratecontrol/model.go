// Package ratecontrol implements R-lambda rate control: it turns a target
// bitrate into picture and block QP decisions and adapts its model from the
// bits each picture actually produced.
package ratecontrol

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/five82/encloop/internal/config"
	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/logging"
)

// Model seeds and bounds.
const (
	SeedAlpha      = 3.2003
	SeedBeta       = -1.367
	IntraAlpha     = 6.7542
	IntraBeta      = 1.7860
	IntraCostPower = 1.2517

	MinAlpha = 0.05
	MaxAlpha = 500.0
	MinBeta  = -3.0
	MaxBeta  = -0.1

	// Below these the gradient step is unreliable and the model decays
	// instead.
	MinUpdateBpp    = 0.0001
	MinUpdateLambda = 0.01

	// MaxTemporalLevels is the size of the per-level arrays.
	MaxTemporalLevels = config.MaxTemporalLevels
)

// TemporalLevel indexes the per-level model state.
type TemporalLevel int

// Valid reports whether l indexes one of n configured levels.
func (l TemporalLevel) Valid(n int) bool {
	return l >= 0 && int(l) < n && int(l) < MaxTemporalLevels
}

// Params is one (alpha, beta) pair of the R-lambda model.
type Params struct {
	Alpha float64
	Beta  float64
}

// UpdateResult is the outcome of a model update.
type UpdateResult int

const (
	// UpdateApplied means the gradient step was applied.
	UpdateApplied UpdateResult = iota
	// UpdateDecayed means the observation was degenerate and the model
	// decayed toward zero instead.
	UpdateDecayed
	// UpdateStale means a newer observation was already applied.
	UpdateStale
	// UpdateIgnored means the level was invalid or the model is closed.
	UpdateIgnored
)

// String returns the name of the result.
func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateDecayed:
		return "decayed"
	case UpdateStale:
		return "stale"
	case UpdateIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// levelState is one temporal level's model. Every field is guarded by mu.
type levelState struct {
	mu          sync.Mutex
	params      Params
	blocks      []Params
	updateCount uint64
	lastPOC     int
	hasPOC      bool
	lastQP      int
	hasQP       bool
	applied     uint64
	stale       uint64
	decayed     uint64
}

// intraState tracks the QP neighbor for intra pictures.
type intraState struct {
	mu     sync.Mutex
	lastQP int
	hasQP  bool
}

// BlockObservation is one block's coded result fed back to the block grid.
type BlockObservation struct {
	Index  int
	Bits   float64
	Lambda float64
	Pixels int
}

// Model is the sequence-level R-lambda rate controller.
type Model struct {
	targetBitrate float64
	frameRate     float64
	levels        int
	gridWidth     int
	gridHeight    int
	blockSize     int
	pixels        int
	minQP         int
	maxQP         int
	tileColumns   int
	seqBpp        float64
	alphaRate     float64
	betaRate      float64
	weights       [MaxTemporalLevels]float64

	state [MaxTemporalLevels]levelState
	intra intraState

	budget *sequenceBudget
	cpb    *cpbLedger

	closed atomic.Bool
	logger *logging.Logger
}

// InitSequence creates a model for the configured sequence.
func InitSequence(cfg *config.Config, logger *logging.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigError(err.Error())
	}

	m := &Model{
		targetBitrate: cfg.TargetBitrate,
		frameRate:     cfg.FrameRate,
		levels:        cfg.TemporalLevels,
		gridWidth:     cfg.GridWidth,
		gridHeight:    cfg.GridHeight,
		blockSize:     cfg.BlockSize,
		pixels:        cfg.PixelsPerPicture(),
		minQP:         cfg.MinQP,
		maxQP:         cfg.MaxQP,
		tileColumns:   cfg.TileColumns,
		seqBpp:        cfg.SequenceBpp(),
		logger:        logger.OrGlobal().WithPrefix("rc"),
	}
	m.alphaRate, m.betaRate = UpdateRates(m.seqBpp)
	m.weights = LevelWeights(m.seqBpp)

	blocks := cfg.BlockCount()
	for i := range m.state {
		st := &m.state[i]
		st.params = Params{Alpha: SeedAlpha, Beta: SeedBeta}
		if i < m.levels {
			st.blocks = make([]Params, blocks)
			for b := range st.blocks {
				st.blocks[b] = st.params
			}
		}
	}

	m.budget = newSequenceBudget(cfg.TargetBitrate/cfg.FrameRate, cfg.TotalFrames)
	m.cpb = newCpbLedger(cfg.EffectiveCpbSize(), cfg.CpbInitialFullness, cfg.TargetBitrate/cfg.FrameRate, cfg.GopSize)

	m.logger.Debug("Rate control initialized",
		"bitrate", m.targetBitrate,
		"fps", m.frameRate,
		"bpp", fmt.Sprintf("%.4f", m.seqBpp),
		"levels", m.levels,
		"alpha_rate", m.alphaRate,
		"beta_rate", m.betaRate,
		"cpb_size", m.cpb.size)
	return m, nil
}

// UpdateRates returns the alpha and beta step sizes for a sequence bpp.
func UpdateRates(seqBpp float64) (alphaRate, betaRate float64) {
	switch {
	case seqBpp < 0.03:
		return 0.01, 0.005
	case seqBpp < 0.08:
		return 0.05, 0.025
	case seqBpp < 0.2:
		return 0.1, 0.05
	case seqBpp < 0.5:
		return 0.2, 0.1
	default:
		return 0.4, 0.2
	}
}

// LevelWeights returns the bit-ratio weight of each temporal level.
func LevelWeights(seqBpp float64) [MaxTemporalLevels]float64 {
	var row [4]float64
	switch {
	case seqBpp > 0.2:
		row = [4]float64{15, 5, 4, 1}
	case seqBpp > 0.1:
		row = [4]float64{20, 6, 4, 1}
	case seqBpp > 0.05:
		row = [4]float64{25, 7, 4, 1}
	default:
		row = [4]float64{30, 8, 4, 1}
	}
	var w [MaxTemporalLevels]float64
	for i := range w {
		if i < len(row) {
			w[i] = row[i]
		} else {
			w[i] = 1
		}
	}
	return w
}

// Levels returns the number of configured temporal levels.
func (m *Model) Levels() int {
	return m.levels
}

// PixelsPerPicture returns the luma sample count of one picture.
func (m *Model) PixelsPerPicture() int {
	return m.pixels
}

// BitsPerPicture returns the average target bits per picture.
func (m *Model) BitsPerPicture() float64 {
	return m.targetBitrate / m.frameRate
}

// CpbSize returns the CPB size in bits.
func (m *Model) CpbSize() float64 {
	return m.cpb.size
}

// level returns the state for l, clamped into the configured range.
func (m *Model) level(l TemporalLevel) *levelState {
	if !l.Valid(m.levels) {
		l = TemporalLevel(clampInt(int(l), 0, m.levels-1))
	}
	return &m.state[l]
}

// LevelParams returns a snapshot of a level's parameters and update count.
func (m *Model) LevelParams(l TemporalLevel) (Params, uint64) {
	st := m.level(l)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.params, st.updateCount
}

// IntraCostTerm converts a picture's total intra cost into the per-pixel
// cost term used by the intra lambda model.
func IntraCostTerm(totalCost float64, pixels int) float64 {
	if totalCost <= 0 || pixels <= 0 {
		return 0
	}
	return math.Pow(totalCost/float64(pixels), IntraCostPower)
}

// EstimatePictureLambda returns the lambda expected to produce targetBpp.
// Inter pictures use alpha*bpp^beta of their level. Intra pictures use the
// fixed intra pair over costTerm/bpp; without a cost they fall back to the
// level model. Non-positive or non-finite bpp returns MaxLambda.
func (m *Model) EstimatePictureLambda(l TemporalLevel, isIntra bool, costTerm, targetBpp float64) float64 {
	if !(targetBpp > 0) || math.IsInf(targetBpp, 0) {
		return MaxLambda
	}

	if isIntra && costTerm > 0 && !math.IsInf(costTerm, 0) {
		return ClampLambda(IntraAlpha / 256 * math.Pow(costTerm/targetBpp, IntraBeta))
	}

	p, _ := m.LevelParams(l)
	return ClampLambda(p.Alpha * math.Pow(targetBpp, p.Beta))
}

// LambdaToQP maps lambda to a QP in the configured range and within
// NeighborQPDelta of nb.
func (m *Model) LambdaToQP(lambda float64, nb Neighbor) int {
	return LambdaToQP(lambda, m.minQP, m.maxQP, nb)
}

// UpdateModel folds one picture's observation into a level. The update
// applies iff updateCount is greater than the stored count, or equal with
// a larger POC; otherwise it is stale.
func (m *Model) UpdateModel(l TemporalLevel, observedBits, observedLambda, observedBpp float64, poc int, updateCount uint64) UpdateResult {
	return m.updateLevel(l, observedBits, observedLambda, observedBpp, poc, updateCount, nil)
}

func (m *Model) updateLevel(l TemporalLevel, observedBits, observedLambda, observedBpp float64, poc int, updateCount uint64, blocks []BlockObservation) UpdateResult {
	if m.closed.Load() || !l.Valid(m.levels) {
		return UpdateIgnored
	}

	st := &m.state[l]
	st.mu.Lock()
	defer st.mu.Unlock()

	if updateCount < st.updateCount || (updateCount == st.updateCount && st.hasPOC && poc <= st.lastPOC) {
		st.stale++
		m.logger.Debug("Stale model update discarded",
			"level", int(l), "poc", poc,
			"update_count", updateCount, "stored_count", st.updateCount, "stored_poc", st.lastPOC)
		return UpdateStale
	}
	st.updateCount = updateCount
	st.lastPOC = poc
	st.hasPOC = true

	result := m.step(&st.params, observedLambda, observedBpp, -5, -0.1)
	if result == UpdateDecayed {
		st.decayed++
		m.logger.Warn("Degenerate observation, model decayed",
			"level", int(l), "poc", poc,
			"bits", observedBits, "bpp", observedBpp, "lambda", observedLambda,
			"alpha", st.params.Alpha, "beta", st.params.Beta)
	} else {
		st.applied++
	}

	for _, b := range blocks {
		if b.Index < 0 || b.Index >= len(st.blocks) || b.Pixels <= 0 {
			continue
		}
		m.step(&st.blocks[b.Index], b.Lambda, b.Bits/float64(b.Pixels), -5, -1)
	}

	m.logger.Debug("Model updated",
		"level", int(l), "poc", poc, "result", result,
		"alpha", fmt.Sprintf("%.4f", st.params.Alpha),
		"beta", fmt.Sprintf("%.4f", st.params.Beta))
	return result
}

// step applies one log-domain gradient step to p, or decays it when the
// observation is degenerate. lnLo and lnHi bound ln(bpp) in the beta step.
func (m *Model) step(p *Params, observedLambda, observedBpp, lnLo, lnHi float64) UpdateResult {
	result := UpdateApplied
	if !(observedBpp > MinUpdateBpp) || !(observedLambda > MinUpdateLambda) ||
		math.IsInf(observedBpp, 0) || math.IsInf(observedLambda, 0) {
		p.Alpha *= 1 - m.alphaRate/2
		p.Beta *= 1 - m.betaRate/2
		result = UpdateDecayed
	} else {
		calLambda := p.Alpha * math.Pow(observedBpp, p.Beta)
		calLambda = clamp(calLambda, observedLambda/10, observedLambda*10)
		diff := math.Log(observedLambda) - math.Log(calLambda)
		lnBpp := clamp(math.Log(observedBpp), lnLo, lnHi)
		p.Alpha += m.alphaRate * diff * p.Alpha
		p.Beta += m.betaRate * diff * lnBpp
	}
	p.Alpha = clamp(p.Alpha, MinAlpha, MaxAlpha)
	p.Beta = clamp(p.Beta, MinBeta, MaxBeta)
	return result
}

// neighbor returns the QP neighbor for a picture.
func (m *Model) neighbor(l TemporalLevel, intra bool) Neighbor {
	if intra {
		m.intra.mu.Lock()
		defer m.intra.mu.Unlock()
		return Neighbor{QP: m.intra.lastQP, Known: m.intra.hasQP}
	}
	st := m.level(l)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Neighbor{QP: st.lastQP, Known: st.hasQP}
}

func (m *Model) recordQP(l TemporalLevel, intra bool, qp int) {
	if intra {
		m.intra.mu.Lock()
		m.intra.lastQP, m.intra.hasQP = qp, true
		m.intra.mu.Unlock()
		return
	}
	st := m.level(l)
	st.mu.Lock()
	st.lastQP, st.hasQP = qp, true
	st.mu.Unlock()
}

// snapshot returns the level's update count and a copy of its block grid.
func (m *Model) snapshot(l TemporalLevel) (uint64, []Params) {
	st := m.level(l)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.updateCount, append([]Params(nil), st.blocks...)
}

// EstimateCpbFullness projects the CPB fullness just before the picture
// with decode sequence seq is removed.
func (m *Model) EstimateCpbFullness(seq int) float64 {
	return m.cpb.estimate(seq)
}

// LevelStats summarizes one level's update history.
type LevelStats struct {
	Level       int
	Params      Params
	UpdateCount uint64
	Applied     uint64
	Stale       uint64
	Decayed     uint64
}

// Stats returns per-level update statistics.
func (m *Model) Stats() []LevelStats {
	out := make([]LevelStats, m.levels)
	for i := 0; i < m.levels; i++ {
		st := &m.state[i]
		st.mu.Lock()
		out[i] = LevelStats{
			Level:       i,
			Params:      st.params,
			UpdateCount: st.updateCount,
			Applied:     st.applied,
			Stale:       st.stale,
			Decayed:     st.decayed,
		}
		st.mu.Unlock()
	}
	return out
}

// Close ends the model lifecycle. Later updates are ignored.
func (m *Model) Close() {
	if m.closed.CompareAndSwap(false, true) {
		m.logger.Debug("Rate control closed")
	}
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	return m.closed.Load()
}
