// Package encode runs GOPs through the worker pool. Each picture becomes a
// frame job that waits for its references, codes its blocks under rate
// control, and hands its access unit back for display-order delivery.
package encode

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/five82/encloop/internal/coder"
	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/gate"
	"github.com/five82/encloop/internal/gop"
	"github.com/five82/encloop/internal/logging"
	"github.com/five82/encloop/internal/picture"
	"github.com/five82/encloop/internal/ratecontrol"
	"github.com/five82/encloop/internal/worker"
)

// Sink receives access units in strictly increasing POC order.
type Sink interface {
	EmitAccessUnit(au picture.AccessUnit) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(au picture.AccessUnit) error

// EmitAccessUnit calls f.
func (f SinkFunc) EmitAccessUnit(au picture.AccessUnit) error {
	return f(au)
}

// ProgressCallback is called after every committed GOP.
type ProgressCallback func(progress worker.Progress)

// PictureCallback is called from the coding worker as each picture
// finishes. It must be safe for concurrent use.
type PictureCallback func(stats ratecontrol.PictureStats, au picture.AccessUnit)

// GopResult describes the outcome of one EncodeGop call.
type GopResult struct {
	Index      int
	FirstPOC   int
	Pictures   int
	TargetBits float64
	ActualBits float64
	Committed  bool
	Emitted    int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithPictureCallback registers a per-picture callback.
func WithPictureCallback(cb PictureCallback) Option {
	return func(s *Scheduler) { s.onPicture = cb }
}

// WithProgressCallback registers a per-GOP progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(s *Scheduler) { s.onProgress = cb }
}

// WithTotalPictures sets the expected picture count for progress.
func WithTotalPictures(n int) Option {
	return func(s *Scheduler) { s.progress.PicturesTotal = n }
}

// Scheduler encodes GOPs one at a time, running the pictures of a GOP
// concurrently on the pool as their references allow.
type Scheduler struct {
	pool       *worker.Pool
	model      *ratecontrol.Model
	coder      coder.BlockCoder
	sink       Sink
	logger     *logging.Logger
	onPicture  PictureCallback
	onProgress ProgressCallback
	stats      *Stats

	mu       sync.Mutex // serializes EncodeGop
	gate     *gate.Gate
	reorder  *gop.Reorder
	failed   bool
	gopIndex int
	progress worker.Progress
}

// NewScheduler creates a scheduler over an existing pool and model.
func NewScheduler(pool *worker.Pool, model *ratecontrol.Model, c coder.BlockCoder, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:    pool,
		model:   model,
		coder:   c,
		sink:    sink,
		stats:   NewStats(),
		gate:    gate.New(0),
		reorder: gop.NewReorder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.OrGlobal().WithPrefix("encode")
	return s
}

// Stats returns the statistics of committed GOPs.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Failed reports whether the current window has failed. It stays failed
// until a GOP led by an intra picture arrives.
func (s *Scheduler) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Progress returns a snapshot of the committed progress.
func (s *Scheduler) Progress() worker.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// gopRun collects the statistics of one GOP's finished pictures.
type gopRun struct {
	mu      sync.Mutex
	results []ratecontrol.PictureStats
}

func (r *gopRun) add(st ratecontrol.PictureStats) {
	r.mu.Lock()
	r.results = append(r.results, st)
	r.mu.Unlock()
}

// EncodeGop codes one GOP given in decode order. It validates the
// reference graph, dispatches one frame job per picture, waits for all of
// them, and on success delivers the GOP's access units to the sink in
// display order. On failure nothing of the GOP is emitted, the window is
// marked failed, and the first root error is returned.
func (s *Scheduler) EncodeGop(ctx context.Context, pics []picture.Picture) (GopResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := GopResult{Index: s.gopIndex, Pictures: len(pics)}
	s.gopIndex++
	if len(pics) == 0 {
		return res, errors.NewMalformedGopError("empty GOP")
	}
	if err := ctx.Err(); err != nil {
		return res, errors.NewCancelledError(err)
	}

	pics = append([]picture.Picture(nil), pics...)
	plan := gop.Plan{Index: res.Index, Pictures: pics}
	res.FirstPOC = plan.MinPOC()

	switch {
	case plan.IntraLed():
		if s.failed {
			s.logger.Info("Window recovered at intra picture", "poc", pics[0].POC)
		}
		s.resetWindow(res.FirstPOC)
		s.failed = false
	case s.failed:
		s.stats.failGop(len(pics))
		err := errors.NewDependencyPoisonedError(pics[0].POC)
		s.logger.Warn("GOP rejected in failed window", "gop", res.Index, "first_poc", res.FirstPOC)
		return res, err
	}

	if last, ok := s.reorder.LastEmitted(); ok && res.FirstPOC <= last {
		s.failed = true
		s.stats.failGop(len(pics))
		return res, errors.NewMalformedGopError(
			fmt.Sprintf("GOP starts at POC %d, not after emitted POC %d", res.FirstPOC, last))
	}
	if err := gop.Validate(pics, s.model.Levels(), s.gate.IsSatisfied); err != nil {
		s.failed = true
		s.stats.failGop(len(pics))
		return res, err
	}

	gb := s.model.BeginGop(pics)
	res.TargetBits = gb.TargetBits()
	run := &gopRun{results: make([]ratecontrol.PictureStats, 0, len(pics))}

	jobs := make([]*worker.Job, 0, len(pics))
	var rootErr error
	for i := range pics {
		pic := &pics[i]
		pc := gb.Picture(i)
		job := worker.NewJob(worker.FrameJob, pic.POC, func() error {
			ok := false
			defer func() {
				if !ok {
					s.gate.Poison()
				}
			}()
			err := s.codePicture(ctx, run, pc, pic)
			ok = err == nil
			return err
		})
		if err := s.pool.Dispatch(ctx, job); err != nil {
			rootErr = err
			s.gate.Poison()
			break
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		err := job.Wait()
		if err == nil {
			continue
		}
		if rootErr == nil || (errors.IsDependencyPoisoned(rootErr) && !errors.IsDependencyPoisoned(err)) {
			rootErr = err
		}
	}
	// A job is done before its worker is released; wait for the release
	// so the next GOP starts on an idle pool.
	s.pool.WaitAllFree()

	res.ActualBits = gb.ActualBits()
	if rootErr != nil {
		s.model.EndGop(gb, false)
		discarded := s.reorder.Discard()
		s.failed = true
		s.stats.failGop(len(pics))
		s.logger.Error("GOP failed",
			"gop", res.Index,
			"first_poc", res.FirstPOC,
			"discarded", discarded,
			"error", rootErr)
		return res, rootErr
	}

	s.model.EndGop(gb, true)
	s.stats.commitGop(run.results)
	res.Committed = true

	aus, err := s.reorder.Drain()
	if err != nil {
		s.reorder.Discard()
		return res, errors.NewOperationFailedError("restoring display order", err)
	}
	for _, au := range aus {
		if err := s.sink.EmitAccessUnit(au); err != nil {
			return res, errors.NewSinkError(au.POC, err)
		}
		res.Emitted++
	}

	s.progress.GopsComplete++
	s.progress.PicturesComplete += len(pics)
	s.progress.BitsComplete += res.ActualBits
	if s.onProgress != nil {
		s.onProgress(s.progress)
	}

	s.logger.Debug("GOP committed",
		"gop", res.Index,
		"first_poc", res.FirstPOC,
		"pictures", len(pics),
		"target_bits", math.Round(res.TargetBits),
		"actual_bits", math.Round(res.ActualBits))
	return res, nil
}

// resetWindow starts a new reference window at floor. Dispatch is paused
// and the pool drained so no job of the previous window sees the reset.
func (s *Scheduler) resetWindow(floor int) {
	s.pool.Pause()
	defer s.pool.Resume()
	s.pool.WaitAllFree()
	s.gate.Reset(floor)
}

// codePicture is the body of a frame job.
func (s *Scheduler) codePicture(ctx context.Context, run *gopRun, pc *ratecontrol.PictureContext, pic *picture.Picture) error {
	refs := s.gate.Require(pic.Refs...)
	if !s.gate.Wait(refs) {
		s.logger.Debug("References poisoned", "poc", pic.POC, "refs", refs.IDs())
		return errors.NewDependencyPoisonedError(pic.POC)
	}

	target, err := pc.DerivePictureTarget()
	if err != nil {
		return errors.NewOperationFailedError("deriving picture target", err)
	}

	blocks := 0
	for t := 0; t < pc.Tiles(); t++ {
		blocks += len(pc.TileBlocks(t))
	}
	payloads := make([][]byte, blocks)
	if err := s.codeTiles(ctx, pc, pic, payloads); err != nil {
		return err
	}

	st, err := pc.Finish()
	if err != nil {
		return errors.NewOperationFailedError("finishing picture", err)
	}
	s.gate.Satisfy(pic.POC)

	au := picture.AccessUnit{
		POC:     pic.POC,
		Type:    pic.Type(),
		Level:   pic.Level,
		Bits:    st.ActualBits,
		QP:      target.QP,
		Lambda:  target.Lambda,
		Payload: bytes.Join(payloads, nil),
	}
	s.reorder.Push(au)
	run.add(st)
	if s.onPicture != nil {
		s.onPicture(st, au)
	}

	s.logger.Debug("Picture coded",
		"poc", pic.POC,
		"type", au.Type,
		"level", pic.Level,
		"qp", target.QP,
		"target_bits", math.Round(target.Bits),
		"actual_bits", math.Round(st.ActualBits),
		"update", st.Update)
	return nil
}

// codeTiles codes every tile column of a picture. Tiles other than the
// first are offered to idle workers; a tile no worker takes runs inline so
// a frame job never blocks on the pool.
func (s *Scheduler) codeTiles(ctx context.Context, pc *ratecontrol.PictureContext, pic *picture.Picture, payloads [][]byte) error {
	n := pc.Tiles()
	if n == 1 {
		return s.codeTile(ctx, pc, pic, 0, payloads)
	}

	var firstErr error
	offloaded := make([]*worker.Job, 0, n-1)
	for t := 1; t < n; t++ {
		job := worker.NewJob(worker.TileJob, t, func() error {
			return s.codeTile(ctx, pc, pic, t, payloads)
		})
		if s.pool.TryDispatch(job) {
			offloaded = append(offloaded, job)
			continue
		}
		job.Run()
		if err := job.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.codeTile(ctx, pc, pic, 0, payloads); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, job := range offloaded {
		if err := job.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// codeTile runs the block loop of one tile in raster order.
func (s *Scheduler) codeTile(ctx context.Context, pc *ratecontrol.PictureContext, pic *picture.Picture, tile int, payloads [][]byte) error {
	for _, idx := range pc.TileBlocks(tile) {
		bt, err := pc.DeriveBlockTarget(idx)
		if err != nil {
			return errors.NewOperationFailedError("deriving block target", err)
		}

		res, err := s.coder.CodeBlock(ctx, pic, idx, bt.QP)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.NewCancelledError(ctxErr)
			}
			return errors.NewBlockCoderError(pic.POC, idx, err)
		}

		if err := pc.ReportBlockResult(idx, res.Bits, bt.QP, bt.Lambda); err != nil {
			return errors.NewBlockCoderError(pic.POC, idx, err)
		}
		payloads[idx] = res.Payload
	}
	return nil
}
