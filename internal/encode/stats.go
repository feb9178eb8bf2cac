package encode

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/five82/encloop/internal/ratecontrol"
	"github.com/five82/encloop/internal/reporter"
	"github.com/five82/encloop/internal/util"
)

// Stats accumulates the pictures of committed GOPs.
type Stats struct {
	mu              sync.Mutex
	pictures        []ratecontrol.PictureStats
	gops            int
	failedGops      int
	droppedPictures int
}

// NewStats creates an empty statistics collector.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) commitGop(pics []ratecontrol.PictureStats) {
	s.mu.Lock()
	s.pictures = append(s.pictures, pics...)
	s.gops++
	s.mu.Unlock()
}

func (s *Stats) failGop(pictures int) {
	s.mu.Lock()
	s.failedGops++
	s.droppedPictures += pictures
	s.mu.Unlock()
}

// Pictures returns the statistics of every committed picture in POC order.
func (s *Stats) Pictures() []ratecontrol.PictureStats {
	s.mu.Lock()
	out := append([]ratecontrol.PictureStats(nil), s.pictures...)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].POC < out[j].POC })
	return out
}

// LevelSummary aggregates one temporal level.
type LevelSummary struct {
	Level     int
	Pictures  int
	TotalBits float64
	AvgBits   float64
	AvgQP     float64
	MinQP     int
	MaxQP     int
}

// Summary contains aggregated statistics of an encode.
type Summary struct {
	Pictures        int
	Gops            int
	FailedGops      int
	DroppedPictures int
	IntraPictures   int

	TotalBits       float64
	TargetBitrate   float64
	AchievedBitrate float64
	Deviation       float64 // percent, positive means overshoot

	// CPB projections after removal, over every committed picture.
	CpbMin      float64
	CpbMax      float64
	CpbAdjusted int

	StaleUpdates   int
	DecayedUpdates int

	Levels []LevelSummary
}

// Summary computes aggregated statistics for the given frame rate and
// target bitrate.
func (s *Stats) Summary(frameRate, targetBitrate float64) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Pictures:        len(s.pictures),
		Gops:            s.gops,
		FailedGops:      s.failedGops,
		DroppedPictures: s.droppedPictures,
		TargetBitrate:   targetBitrate,
	}
	if len(s.pictures) == 0 {
		return sum
	}

	levels := make(map[int]*LevelSummary)
	qpSums := make(map[int]float64)
	sum.CpbMin = math.MaxFloat64
	for _, p := range s.pictures {
		sum.TotalBits += p.ActualBits
		if p.Intra {
			sum.IntraPictures++
		}
		sum.CpbMin = min(sum.CpbMin, p.CpbProjection)
		sum.CpbMax = max(sum.CpbMax, p.CpbProjection)
		if p.CpbAdjusted {
			sum.CpbAdjusted++
		}
		switch p.Update {
		case ratecontrol.UpdateStale:
			sum.StaleUpdates++
		case ratecontrol.UpdateDecayed:
			sum.DecayedUpdates++
		}

		ls, ok := levels[p.Level]
		if !ok {
			ls = &LevelSummary{Level: p.Level, MinQP: p.QP, MaxQP: p.QP}
			levels[p.Level] = ls
		}
		ls.Pictures++
		ls.TotalBits += p.ActualBits
		ls.MinQP = min(ls.MinQP, p.QP)
		ls.MaxQP = max(ls.MaxQP, p.QP)
		qpSums[p.Level] += float64(p.QP)
	}

	if frameRate > 0 {
		sum.AchievedBitrate = sum.TotalBits * frameRate / float64(sum.Pictures)
	}
	sum.Deviation = util.CalculateDeviation(targetBitrate, sum.AchievedBitrate)

	for _, ls := range levels {
		ls.AvgBits = ls.TotalBits / float64(ls.Pictures)
		ls.AvgQP = qpSums[ls.Level] / float64(ls.Pictures)
		sum.Levels = append(sum.Levels, *ls)
	}
	sort.Slice(sum.Levels, func(i, j int) bool { return sum.Levels[i].Level < sum.Levels[j].Level })
	return sum
}

// OutputSummary writes the statistics to the reporter as verbose lines.
func OutputSummary(sum Summary, rep reporter.Reporter) {
	rep.Verbose("")
	rep.Verbose("=== Rate Control Statistics ===")
	rep.Verbose(fmt.Sprintf("Pictures: %d committed (%d intra) in %d GOPs",
		sum.Pictures, sum.IntraPictures, sum.Gops))
	if sum.FailedGops > 0 {
		rep.Verbose(fmt.Sprintf("Dropped: %d GOPs, %d pictures", sum.FailedGops, sum.DroppedPictures))
	}
	rep.Verbose(fmt.Sprintf("Bitrate: %s achieved, %s target (%+.1f%%)",
		util.FormatBitrate(sum.AchievedBitrate), util.FormatBitrate(sum.TargetBitrate), sum.Deviation))
	if sum.Pictures > 0 {
		rep.Verbose(fmt.Sprintf("CPB projection: min=%s, max=%s, %d targets clamped",
			util.FormatBits(sum.CpbMin), util.FormatBits(sum.CpbMax), sum.CpbAdjusted))
	}
	if sum.StaleUpdates > 0 || sum.DecayedUpdates > 0 {
		rep.Verbose(fmt.Sprintf("Model updates: %d stale, %d decayed", sum.StaleUpdates, sum.DecayedUpdates))
	}
	for _, ls := range sum.Levels {
		rep.Verbose(fmt.Sprintf("  Level %d: %d pictures, avg %s, QP %d-%d (avg %.1f)",
			ls.Level, ls.Pictures, util.FormatBits(ls.AvgBits), ls.MinQP, ls.MaxQP, ls.AvgQP))
	}
	rep.Verbose("=== End Rate Control Statistics ===")
	rep.Verbose("")
}
