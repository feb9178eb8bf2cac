package ratecontrol

import (
	"math"
	"testing"

	"github.com/five82/encloop/internal/config"
	"github.com/five82/encloop/internal/gop"
	"github.com/five82/encloop/internal/logging"
	"github.com/five82/encloop/internal/picture"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.TargetBitrate = 1_000_000
	cfg.FrameRate = 30
	cfg.GridWidth = 8
	cfg.GridHeight = 4
	cfg.BlockSize = 64
	cfg.TotalFrames = 32
	return cfg
}

func newTestModel(t *testing.T, cfg *config.Config) *Model {
	t.Helper()
	m, err := InitSequence(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("InitSequence() error = %v", err)
	}
	return m
}

// codePicture derives and reports every block, producing factor times the
// block target, then finishes the picture.
func codePicture(t *testing.T, pc *PictureContext, factor float64) PictureStats {
	t.Helper()
	if _, err := pc.DerivePictureTarget(); err != nil {
		t.Fatalf("DerivePictureTarget() error = %v", err)
	}
	for tile := 0; tile < pc.Tiles(); tile++ {
		for _, idx := range pc.TileBlocks(tile) {
			bt, err := pc.DeriveBlockTarget(idx)
			if err != nil {
				t.Fatalf("DeriveBlockTarget(%d) error = %v", idx, err)
			}
			if err := pc.ReportBlockResult(idx, bt.Bits*factor, bt.QP, bt.Lambda); err != nil {
				t.Fatalf("ReportBlockResult(%d) error = %v", idx, err)
			}
		}
	}
	st, err := pc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	return st
}

func TestInitSequenceRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FrameRate = 0
	if _, err := InitSequence(cfg, nil); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestSeeds(t *testing.T) {
	m := newTestModel(t, testConfig())
	for l := 0; l < m.Levels(); l++ {
		p, count := m.LevelParams(TemporalLevel(l))
		if p.Alpha != SeedAlpha || p.Beta != SeedBeta || count != 0 {
			t.Errorf("level %d seed = %+v count %d", l, p, count)
		}
	}
}

func TestEstimatePictureLambda(t *testing.T) {
	m := newTestModel(t, testConfig())

	tests := []struct {
		name     string
		intra    bool
		costTerm float64
		bpp      float64
		want     float64
	}{
		{"inter", false, 0, 0.1, SeedAlpha * math.Pow(0.1, SeedBeta)},
		{"intra", true, 13.5, 1.0, IntraAlpha / 256 * math.Pow(13.5, IntraBeta)},
		{"intra without cost uses level model", true, 0, 0.1, SeedAlpha * math.Pow(0.1, SeedBeta)},
		{"zero bpp", false, 0, 0, MaxLambda},
		{"negative bpp", false, 0, -0.5, MaxLambda},
		{"NaN bpp", true, 13.5, math.NaN(), MaxLambda},
		{"infinite bpp", false, 0, math.Inf(1), MaxLambda},
		{"tiny bpp clamps high", false, 0, 1e-9, MaxLambda},
		{"huge bpp clamps low", false, 0, 1e6, MinLambda},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.EstimatePictureLambda(0, tt.intra, tt.costTerm, tt.bpp)
			if math.Abs(got-tt.want) > 1e-9*tt.want {
				t.Errorf("EstimatePictureLambda() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQPBoundsOverBpp(t *testing.T) {
	m := newTestModel(t, testConfig())

	bpps := []float64{0, -1, -1e-9, math.NaN()}
	for bpp := 0.001; bpp <= 1.0; bpp += 0.001 {
		bpps = append(bpps, bpp)
	}

	for _, intra := range []bool{false, true} {
		for _, bpp := range bpps {
			lambda := m.EstimatePictureLambda(0, intra, 10, bpp)
			if lambda < MinLambda || lambda > MaxLambda {
				t.Fatalf("lambda %v out of range for bpp %v", lambda, bpp)
			}
			qp := m.LambdaToQP(lambda, Neighbor{})
			if qp < config.DefaultMinQP || qp > config.DefaultMaxQP {
				t.Fatalf("QP %d out of range for bpp %v intra %v", qp, bpp, intra)
			}
		}
	}

	if qp := m.LambdaToQP(m.EstimatePictureLambda(0, false, 0, 0), Neighbor{}); qp != config.DefaultMaxQP {
		t.Errorf("bpp 0 QP = %d, want %d", qp, config.DefaultMaxQP)
	}
}

func TestLambdaToQP(t *testing.T) {
	tests := []struct {
		name   string
		lambda float64
		min    int
		max    int
		nb     Neighbor
		want   int
	}{
		{"identity at qp 32", QPToLambda(32), 0, 51, Neighbor{}, 32},
		{"clamped to max", MaxLambda, 0, 40, Neighbor{}, 40},
		{"clamped to min", MinLambda, 10, 51, Neighbor{}, 10},
		{"neighbor pulls down", QPToLambda(40), 0, 51, Neighbor{QP: 30, Known: true}, 32},
		{"neighbor pulls up", QPToLambda(20), 0, 51, Neighbor{QP: 30, Known: true}, 28},
		{"neighbor within range", QPToLambda(31), 0, 51, Neighbor{QP: 30, Known: true}, 31},
		{"unknown neighbor ignored", QPToLambda(40), 0, 51, Neighbor{QP: 30}, 40},
		{"NaN lambda", math.NaN(), 0, 51, Neighbor{}, 51},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LambdaToQP(tt.lambda, tt.min, tt.max, tt.nb); got != tt.want {
				t.Errorf("LambdaToQP() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLambdaForQP(t *testing.T) {
	lambda := LambdaForQP(QPToLambda(40), 30)
	if got := int(math.Round(RawQP(lambda))); got != 30 && got != 31 {
		t.Errorf("clipped lambda maps to QP %d, want 30 or its upper edge", got)
	}
	if lambda > QPToLambda(30.5)+1e-12 {
		t.Errorf("lambda %v above QP 30 range", lambda)
	}
}

func TestUpdateModelStaleRule(t *testing.T) {
	m := newTestModel(t, testConfig())

	steps := []struct {
		count uint64
		poc   int
		want  UpdateResult
	}{
		{1, 8, UpdateApplied},
		{1, 4, UpdateStale},    // equal count, smaller POC
		{1, 8, UpdateStale},    // equal count, equal POC
		{1, 12, UpdateApplied}, // equal count, larger POC
		{0, 100, UpdateStale},  // smaller count
		{3, 2, UpdateApplied},  // larger count wins regardless of POC
		{2, 50, UpdateStale},
	}

	var lastCount uint64
	for i, s := range steps {
		got := m.UpdateModel(1, 5000, 20, 0.05, s.poc, s.count)
		if got != s.want {
			t.Errorf("step %d: UpdateModel(count=%d, poc=%d) = %v, want %v", i, s.count, s.poc, got, s.want)
		}
		_, count := m.LevelParams(1)
		if count < lastCount {
			t.Fatalf("step %d: update count decreased from %d to %d", i, lastCount, count)
		}
		lastCount = count
	}

	stats := m.Stats()[1]
	if stats.Applied != 3 || stats.Stale != 4 {
		t.Errorf("Stats() applied=%d stale=%d, want 3 and 4", stats.Applied, stats.Stale)
	}
}

func TestUpdateModelDirection(t *testing.T) {
	m := newTestModel(t, testConfig())

	// At lambda 20 the seed predicts bpp (20/3.2003)^(1/-1.367). Observing
	// twice that means the picture was more expensive than modelled, so
	// alpha must grow.
	predicted := math.Pow(20/SeedAlpha, 1/SeedBeta)
	if got := m.UpdateModel(0, 0, 20, 2*predicted, 8, 1); got != UpdateApplied {
		t.Fatalf("UpdateModel() = %v", got)
	}
	p, _ := m.LevelParams(0)
	if p.Alpha <= SeedAlpha {
		t.Errorf("alpha = %v, want > %v", p.Alpha, SeedAlpha)
	}

	if got := m.UpdateModel(2, 0, 20, predicted/2, 8, 1); got != UpdateApplied {
		t.Fatalf("UpdateModel() = %v", got)
	}
	p, _ = m.LevelParams(2)
	if p.Alpha >= SeedAlpha {
		t.Errorf("alpha = %v, want < %v", p.Alpha, SeedAlpha)
	}
}

func TestUpdateModelDecay(t *testing.T) {
	tests := []struct {
		name   string
		bpp    float64
		lambda float64
	}{
		{"zero bits", 0, 20},
		{"tiny lambda", 0.05, 0.001},
		{"NaN bpp", math.NaN(), 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel(t, testConfig())
			if got := m.UpdateModel(0, 0, tt.lambda, tt.bpp, 8, 1); got != UpdateDecayed {
				t.Fatalf("UpdateModel() = %v, want decayed", got)
			}
			p, count := m.LevelParams(0)
			if p.Alpha >= SeedAlpha {
				t.Errorf("alpha = %v, want decayed below seed", p.Alpha)
			}
			if p.Beta <= SeedBeta {
				t.Errorf("beta = %v, want decayed toward zero", p.Beta)
			}
			if count != 1 {
				t.Errorf("decay should advance update count, got %d", count)
			}
		})
	}
}

func TestUpdateModelClamps(t *testing.T) {
	m := newTestModel(t, testConfig())
	for i := 1; i <= 500; i++ {
		bpp := 1e-3
		if i%2 == 0 {
			bpp = 5
		}
		m.UpdateModel(0, 0, MaxLambda, bpp, i, uint64(i))
		m.UpdateModel(1, 0, MinLambda, 1/bpp, i, uint64(i))
	}
	for l := 0; l < 2; l++ {
		p, _ := m.LevelParams(TemporalLevel(l))
		if p.Alpha < MinAlpha || p.Alpha > MaxAlpha || p.Beta < MinBeta || p.Beta > MaxBeta {
			t.Errorf("level %d params out of bounds: %+v", l, p)
		}
	}
}

func TestUpdateModelIgnored(t *testing.T) {
	m := newTestModel(t, testConfig())
	if got := m.UpdateModel(TemporalLevel(MaxTemporalLevels), 0, 20, 0.1, 0, 1); got != UpdateIgnored {
		t.Errorf("invalid level: got %v, want ignored", got)
	}

	m.Close()
	if !m.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if got := m.UpdateModel(0, 0, 20, 0.1, 0, 1); got != UpdateIgnored {
		t.Errorf("closed model: got %v, want ignored", got)
	}
}

func TestUpdateTables(t *testing.T) {
	tests := []struct {
		bpp         float64
		alpha, beta float64
		weights     [4]float64
	}{
		{0.01, 0.01, 0.005, [4]float64{30, 8, 4, 1}},
		{0.06, 0.05, 0.025, [4]float64{25, 7, 4, 1}},
		{0.15, 0.1, 0.05, [4]float64{20, 6, 4, 1}},
		{0.3, 0.2, 0.1, [4]float64{15, 5, 4, 1}},
		{0.8, 0.4, 0.2, [4]float64{15, 5, 4, 1}},
	}

	for _, tt := range tests {
		a, b := UpdateRates(tt.bpp)
		if a != tt.alpha || b != tt.beta {
			t.Errorf("UpdateRates(%v) = %v, %v", tt.bpp, a, b)
		}
		w := LevelWeights(tt.bpp)
		for i, want := range tt.weights {
			if w[i] != want {
				t.Errorf("LevelWeights(%v)[%d] = %v, want %v", tt.bpp, i, w[i], want)
			}
		}
		if w[MaxTemporalLevels-1] != 1 {
			t.Errorf("deep level weight = %v, want 1", w[MaxTemporalLevels-1])
		}
	}
}

func TestRefineIntraBits(t *testing.T) {
	const pixels = 131072
	tests := []struct {
		name      string
		orgBits   float64
		totalCost float64
		check     func(got float64) bool
	}{
		{"no cost keeps target", 30000, 0, func(got float64) bool { return got == 30000 }},
		{"busy picture capped", 30000, 1e9, func(got float64) bool { return got == 120000 }},
		{"flat picture floored", 30000, 1, func(got float64) bool { return got == 15000 }},
		{"moderate", 30000, 2e5, func(got float64) bool { return got > 15000 && got < 120000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RefineIntraBits(tt.orgBits, tt.totalCost, pixels); !tt.check(got) {
				t.Errorf("RefineIntraBits() = %v", got)
			}
		})
	}
}

func TestGopBudgetFollowsLevelWeights(t *testing.T) {
	m := newTestModel(t, testConfig())
	plans := gop.PlanSequence(0, 9, 8, 32, 4)

	first := m.BeginGop(plans[0].Pictures)
	codePicture(t, first.Picture(0), 1)
	m.EndGop(first, true)

	gb := m.BeginGop(plans[1].Pictures)
	targets := map[int]float64{}
	for i := 0; i < gb.Len(); i++ {
		st := codePicture(t, gb.Picture(i), 1)
		targets[st.POC] = st.TargetBits
	}
	m.EndGop(gb, true)

	if !(targets[8] > targets[4] && targets[4] > targets[2] && targets[2] > targets[1]) {
		t.Errorf("targets do not follow level weights: %v", targets)
	}
	if math.Abs(targets[8]/targets[1]-15) > 1e-6 {
		t.Errorf("level 0 / level 3 ratio = %v, want 15", targets[8]/targets[1])
	}

	var sum float64
	for _, v := range targets {
		sum += v
	}
	if math.Abs(sum-gb.TargetBits()) > 1e-6*gb.TargetBits() {
		t.Errorf("sum of targets %v != GOP target %v", sum, gb.TargetBits())
	}
	if math.Abs(gb.ActualBits()-sum) > 1e-6*sum {
		t.Errorf("GOP actual %v != sum %v", gb.ActualBits(), sum)
	}

	bits, pics := m.CodedTotals()
	if pics != 9 || bits <= 0 {
		t.Errorf("CodedTotals() = %v, %d", bits, pics)
	}
}

func TestBlockTargets(t *testing.T) {
	cfg := testConfig()
	cfg.TileColumns = 2
	m := newTestModel(t, cfg)

	gb := m.BeginGop([]picture.Picture{{POC: 0, Level: 0}})
	pc := gb.Picture(0)
	pt, err := pc.DerivePictureTarget()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pc.DerivePictureTarget(); err == nil {
		t.Error("second DerivePictureTarget should fail")
	}

	if _, err := pc.Finish(); err == nil {
		t.Error("Finish before all blocks are reported should fail")
	}

	var sum float64
	for tile := 0; tile < pc.Tiles(); tile++ {
		for _, idx := range pc.TileBlocks(tile) {
			bt, err := pc.DeriveBlockTarget(idx)
			if err != nil {
				t.Fatal(err)
			}
			if bt.QP < pt.QP-NeighborQPDelta || bt.QP > pt.QP+NeighborQPDelta {
				t.Errorf("block %d QP %d outside picture QP %d +-%d", idx, bt.QP, pt.QP, NeighborQPDelta)
			}
			sum += bt.Bits
			if err := pc.ReportBlockResult(idx, bt.Bits, bt.QP, bt.Lambda); err != nil {
				t.Fatal(err)
			}
		}
	}
	if math.Abs(sum-pt.Bits) > 1e-6*pt.Bits {
		t.Errorf("sum of block targets %v != picture target %v", sum, pt.Bits)
	}

	if err := pc.ReportBlockResult(0, 1, pt.QP, pt.Lambda); err == nil {
		t.Error("reporting a block twice should fail")
	}
	if _, err := pc.DeriveBlockTarget(len(pc.TileBlocks(0)) * 100); err == nil {
		t.Error("out of range block should fail")
	}

	st, err := pc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if st.Update != UpdateApplied {
		t.Errorf("Finish update = %v, want applied", st.Update)
	}
	if math.Abs(pc.OutputBits()-pt.Bits) > 1e-6*pt.Bits {
		t.Errorf("OutputBits() = %v, want %v", pc.OutputBits(), pt.Bits)
	}
}

func TestBlockSmoothingCompensatesOvershoot(t *testing.T) {
	m := newTestModel(t, testConfig())
	gb := m.BeginGop([]picture.Picture{{POC: 0, Level: 0}})
	pc := gb.Picture(0)
	if _, err := pc.DerivePictureTarget(); err != nil {
		t.Fatal(err)
	}

	blocks := pc.TileBlocks(0)
	first, _ := pc.DeriveBlockTarget(blocks[0])
	if err := pc.ReportBlockResult(blocks[0], first.Bits*3, first.QP, first.Lambda); err != nil {
		t.Fatal(err)
	}
	second, _ := pc.DeriveBlockTarget(blocks[1])
	if second.Bits >= first.Bits {
		t.Errorf("block after overshoot target %v, want below %v", second.Bits, first.Bits)
	}
}

func TestConcurrentSameLevelPicturesStale(t *testing.T) {
	tests := []struct {
		name       string
		finish     []int // indices into the GOP in finish order
		wantResult []UpdateResult
	}{
		{"larger POC first", []int{1, 0}, []UpdateResult{UpdateApplied, UpdateStale}},
		{"smaller POC first", []int{0, 1}, []UpdateResult{UpdateApplied, UpdateApplied}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel(t, testConfig())
			gb := m.BeginGop([]picture.Picture{
				{POC: 1, Level: 3, Refs: []int{0}},
				{POC: 3, Level: 3, Refs: []int{0}},
			})

			// Both derive before either finishes, so both see the same
			// model version.
			for i := 0; i < 2; i++ {
				pc := gb.Picture(i)
				if _, err := pc.DerivePictureTarget(); err != nil {
					t.Fatal(err)
				}
				for tile := 0; tile < pc.Tiles(); tile++ {
					for _, idx := range pc.TileBlocks(tile) {
						bt, err := pc.DeriveBlockTarget(idx)
						if err != nil {
							t.Fatalf("DeriveBlockTarget(%d) error = %v", idx, err)
						}
						if err := pc.ReportBlockResult(idx, bt.Bits*1.2, bt.QP, bt.Lambda); err != nil {
							t.Fatalf("ReportBlockResult(%d) error = %v", idx, err)
						}
					}
				}
			}

			for n, i := range tt.finish {
				st, err := gb.Picture(i).Finish()
				if err != nil {
					t.Fatal(err)
				}
				if st.Update != tt.wantResult[n] {
					t.Errorf("finish %d (POC %d) = %v, want %v", n, st.POC, st.Update, tt.wantResult[n])
				}
			}
		})
	}
}

func TestCpbProjectionBoundedOverIntraPeriod(t *testing.T) {
	for _, factor := range []float64{1.0, 1.3, 0.7} {
		cfg := testConfig()
		cfg.CpbSize = 400_000
		m := newTestModel(t, cfg)
		size := m.CpbSize()

		for _, plan := range gop.PlanSequence(0, 33, 8, 32, 4) {
			gb := m.BeginGop(plan.Pictures)
			for i := 0; i < gb.Len(); i++ {
				pc := gb.Picture(i)
				// The estimate includes the picture's own arrival.
				est := m.EstimateCpbFullness(pc.Seq())
				if est < 0 || est > size+m.BitsPerPicture() {
					t.Fatalf("factor %v POC %d: estimate %v outside [0, %v]", factor, pc.POC(), est, size+m.BitsPerPicture())
				}
				st := codePicture(t, pc, factor)
				if st.CpbProjection < CpbLowWater*size-1e-6 || st.CpbProjection > CpbHighWater*size+1e-6 {
					t.Errorf("factor %v POC %d: projection %v outside [%v, %v]",
						factor, st.POC, st.CpbProjection, CpbLowWater*size, CpbHighWater*size)
				}
			}
			m.EndGop(gb, true)
			if f := m.CpbFullness(); f < 0 || f > size {
				t.Fatalf("factor %v: committed fullness %v outside [0, %v]", factor, f, size)
			}
		}
		if v := m.CpbViolations(); v != (CpbViolations{}) {
			t.Errorf("factor %v: violations = %+v, want none", factor, v)
		}
	}
}

func TestCpbUnderflowReported(t *testing.T) {
	cfg := testConfig()
	cfg.CpbSize = 400_000
	m := newTestModel(t, cfg)

	// Every picture costs four times the channel rate whatever its target.
	blocks := cfg.BlockCount()
	perBlock := 4 * m.BitsPerPicture() / float64(blocks)

	var floored int
	for _, plan := range gop.PlanSequence(0, 17, 8, 32, 4) {
		gb := m.BeginGop(plan.Pictures)
		for i := 0; i < gb.Len(); i++ {
			pc := gb.Picture(i)
			target, err := pc.DerivePictureTarget()
			if err != nil {
				t.Fatalf("DerivePictureTarget() error = %v", err)
			}
			if target.Bits == UnderflowFloorBits && target.CpbProjection < CpbLowWater*m.CpbSize() {
				floored++
			}
			for idx := 0; idx < blocks; idx++ {
				bt, err := pc.DeriveBlockTarget(idx)
				if err != nil {
					t.Fatalf("DeriveBlockTarget(%d) error = %v", idx, err)
				}
				if err := pc.ReportBlockResult(idx, perBlock, bt.QP, bt.Lambda); err != nil {
					t.Fatalf("ReportBlockResult(%d) error = %v", idx, err)
				}
			}
			if _, err := pc.Finish(); err != nil {
				t.Fatalf("Finish() error = %v", err)
			}
		}
		m.EndGop(gb, true)
	}

	if f := m.CpbFullness(); f >= 0 {
		t.Errorf("committed fullness = %v, want negative", f)
	}
	v := m.CpbViolations()
	if v.Underflows == 0 {
		t.Errorf("underflows = 0, want > 0 (%+v)", v)
	}
	if v.Overflows != 0 {
		t.Errorf("overflows = %d, want 0", v.Overflows)
	}
	if v.FloorRisks == 0 || v.FloorRisks != floored {
		t.Errorf("floor risks = %d, want %d floored targets", v.FloorRisks, floored)
	}
}

func TestPictureTargetFollowsFullnessEstimate(t *testing.T) {
	cfg := testConfig()
	cfg.CpbSize = 400_000
	m := newTestModel(t, cfg)
	plans := gop.PlanSequence(0, 9, 8, 32, 4)

	first := m.BeginGop(plans[0].Pictures)
	codePicture(t, first.Picture(0), 1)
	m.EndGop(first, true)

	gb := m.BeginGop(plans[1].Pictures)
	for i := 0; i < gb.Len(); i++ {
		pc := gb.Picture(i)
		est := m.EstimateCpbFullness(pc.Seq())
		st := codePicture(t, pc, 1)
		if diff := math.Abs(est - st.TargetBits - st.CpbProjection); diff > 1e-6 {
			t.Errorf("POC %d: projection %v, want estimate %v minus target %v",
				pc.POC(), st.CpbProjection, est, st.TargetBits)
		}
	}
	m.EndGop(gb, true)
}

func TestEndGopAbortDropsEntries(t *testing.T) {
	m := newTestModel(t, testConfig())
	plans := gop.PlanSequence(0, 9, 8, 32, 4)

	first := m.BeginGop(plans[0].Pictures)
	codePicture(t, first.Picture(0), 1)
	m.EndGop(first, true)
	before := m.CpbFullness()
	bits, pics := m.CodedTotals()

	gb := m.BeginGop(plans[1].Pictures)
	firstSeq := gb.Picture(0).Seq()
	codePicture(t, gb.Picture(0), 1)
	m.EndGop(gb, false)
	m.EndGop(gb, false) // second call is a no-op

	if m.CpbFullness() != before {
		t.Errorf("aborted GOP changed committed fullness: %v -> %v", before, m.CpbFullness())
	}
	if b, p := m.CodedTotals(); b != bits || p != pics {
		t.Errorf("aborted GOP changed totals: %v/%d -> %v/%d", bits, pics, b, p)
	}

	retry := m.BeginGop(plans[1].Pictures)
	if retry.Picture(0).Seq() != firstSeq {
		t.Errorf("seq after abort = %d, want %d", retry.Picture(0).Seq(), firstSeq)
	}
}

func TestIntraPictureUsesCosts(t *testing.T) {
	m := newTestModel(t, testConfig())
	costs := make([]float64, 32)
	for i := range costs {
		costs[i] = 4096 * 8
	}
	costs[0] = 4096 * 40

	gb := m.BeginGop([]picture.Picture{{POC: 0, Intra: true, Costs: costs}})
	pc := gb.Picture(0)
	st := codePicture(t, pc, 1)

	if st.Update != UpdateIgnored {
		t.Errorf("intra update = %v, want ignored", st.Update)
	}
	if pc.Block(0).TargetBits() <= pc.Block(1).TargetBits() {
		t.Errorf("busy intra block target %v should exceed flat block %v",
			pc.Block(0).TargetBits(), pc.Block(1).TargetBits())
	}
	if st.TargetBits <= m.BitsPerPicture() {
		t.Errorf("intra target %v should be refined above the average %v", st.TargetBits, m.BitsPerPicture())
	}
}
