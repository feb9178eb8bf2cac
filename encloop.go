// Package encloop provides a parallel GOP encoding loop with R-lambda rate
// control.
//
// Pictures are submitted in decode order. Once a GOP's display range is
// complete its pictures are coded concurrently on a fixed pool of OS-thread
// workers, each picture waiting only for its references. Access units reach
// the sink in display order.
//
// Basic usage:
//
//	enc, err := encloop.New(
//	    encloop.WithTargetBitrate(2_000_000),
//	    encloop.WithSink(sink),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer enc.Close()
//
//	for _, pic := range pictures {
//	    if err := enc.SubmitPicture(ctx, pic); err != nil && encloop.IsFatal(err) {
//	        log.Fatal(err)
//	    }
//	}
//	result, err := enc.Finish(ctx)
package encloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/five82/encloop/internal/coder"
	"github.com/five82/encloop/internal/config"
	"github.com/five82/encloop/internal/encode"
	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/gop"
	"github.com/five82/encloop/internal/logging"
	"github.com/five82/encloop/internal/picture"
	"github.com/five82/encloop/internal/ratecontrol"
	"github.com/five82/encloop/internal/reporter"
	"github.com/five82/encloop/internal/util"
	"github.com/five82/encloop/internal/worker"
)

// Re-exported types
type (
	Config      = config.Config
	Preset      = config.Preset
	Picture     = picture.Picture
	AccessUnit  = picture.AccessUnit
	Sink        = encode.Sink
	SinkFunc    = encode.SinkFunc
	BlockCoder  = coder.BlockCoder
	BlockResult = coder.BlockResult
	GopResult   = encode.GopResult
	Summary     = encode.Summary
	Reporter    = reporter.Reporter
)

const (
	PresetRandomAccess = config.PresetRandomAccess
	PresetLowDelay     = config.PresetLowDelay
	PresetFast         = config.PresetFast
)

// refsPerPicture is the reference count assumed when sizing workers.
const refsPerPicture = 2

// ParsePreset converts a preset string to a Preset value.
func ParsePreset(s string) (Preset, error) {
	return config.ParsePreset(s)
}

// NewConfig returns a configuration with default values.
func NewConfig() *Config {
	return config.NewConfig()
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.LoadFile(path)
}

// IsFatal reports whether an error must end the session. Other errors only
// drop the current window, which recovers at the next intra picture.
func IsFatal(err error) bool {
	return errors.IsFatal(err)
}

// Encoder is the main entry point for encoding.
type Encoder struct {
	config    *config.Config
	sessionID string
	logger    *logging.Logger
	reporter  reporter.Reporter
	coder     coder.BlockCoder
	sink      encode.Sink
	workers   int

	pool      *worker.Pool
	model     *ratecontrol.Model
	scheduler *encode.Scheduler
	collector *gop.Collector

	start     time.Time
	closeOnce sync.Once
}

// Result contains the outcome of an encode session.
type Result struct {
	SessionID string
	Summary   Summary
	Levels    []ratecontrol.LevelStats
	Duration  time.Duration
}

// Option configures the encoder.
type Option func(*Encoder)

// New creates an Encoder from the default configuration and the given
// options, and starts its worker pool.
func New(opts ...Option) (*Encoder, error) {
	return NewWithConfig(config.NewConfig(), opts...)
}

// NewWithConfig creates an Encoder from cfg. Options are applied on top of
// cfg, which the encoder keeps.
func NewWithConfig(cfg *Config, opts ...Option) (*Encoder, error) {
	e := &Encoder{config: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigError(err.Error())
	}

	e.sessionID = uuid.NewString()
	e.logger = e.logger.OrGlobal().WithAttrs("session", e.sessionID)
	if e.reporter == nil {
		e.reporter = reporter.NullReporter{}
	}
	if e.coder == nil {
		e.coder = coder.NewSynthetic(cfg)
	}
	if e.sink == nil {
		e.sink = encode.SinkFunc(func(picture.AccessUnit) error { return nil })
	}

	e.workers = encode.CalculateWorkers(cfg.ResolveWorkers(), cfg.Width(), cfg.Height(), refsPerPicture, 0.5)

	model, err := ratecontrol.InitSequence(cfg, e.logger)
	if err != nil {
		return nil, err
	}
	pool, err := worker.NewPool(e.workers,
		worker.WithLogger(e.logger),
		worker.WithThread(worker.PlatformThread(cfg.ResponsiveEncoding)))
	if err != nil {
		model.Close()
		return nil, err
	}
	e.model = model
	e.pool = pool
	e.collector = gop.NewCollector(0)
	e.scheduler = encode.NewScheduler(pool, model, e.coder, e.sink,
		encode.WithLogger(e.logger),
		encode.WithTotalPictures(cfg.TotalFrames),
		encode.WithPictureCallback(e.pictureEncoded),
		encode.WithProgressCallback(e.progress))

	e.start = time.Now()
	e.reportSession()
	e.logger.Info("Encode session started",
		"workers", e.workers,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width(), cfg.Height()),
		"target_bitrate", cfg.TargetBitrate,
		"gop_size", cfg.GopSize,
		"intra_period", cfg.IntraPeriod)
	return e, nil
}

// WithPreset applies a GOP structure preset.
func WithPreset(p Preset) Option {
	return func(e *Encoder) {
		e.config.ApplyPreset(p)
	}
}

// WithTargetBitrate sets the target bitrate in bits per second.
func WithTargetBitrate(bps float64) Option {
	return func(e *Encoder) {
		e.config.TargetBitrate = bps
	}
}

// WithFrameRate sets the sequence frame rate.
func WithFrameRate(fps float64) Option {
	return func(e *Encoder) {
		e.config.FrameRate = fps
	}
}

// WithGrid sets the block grid.
func WithGrid(width, height, blockSize int) Option {
	return func(e *Encoder) {
		e.config.GridWidth = width
		e.config.GridHeight = height
		e.config.BlockSize = blockSize
	}
}

// WithWorkers sets the worker count. Zero selects automatically.
func WithWorkers(n int) Option {
	return func(e *Encoder) {
		e.config.Workers = n
	}
}

// WithTotalFrames sets the expected sequence length.
func WithTotalFrames(n int) Option {
	return func(e *Encoder) {
		e.config.TotalFrames = n
	}
}

// WithResponsive lowers worker thread priority.
func WithResponsive() Option {
	return func(e *Encoder) {
		e.config.ResponsiveEncoding = true
	}
}

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Encoder) {
		e.logger = l
	}
}

// WithReporter sets the reporter that receives session events.
func WithReporter(r Reporter) Option {
	return func(e *Encoder) {
		e.reporter = r
	}
}

// WithCoder sets the block coder. Defaults to the synthetic coder.
func WithCoder(c BlockCoder) Option {
	return func(e *Encoder) {
		e.coder = c
	}
}

// WithSink sets the access unit sink. Defaults to discarding.
func WithSink(s Sink) Option {
	return func(e *Encoder) {
		e.sink = s
	}
}

// SessionID returns the encoder's session id.
func (e *Encoder) SessionID() string {
	return e.sessionID
}

// Workers returns the number of pool workers.
func (e *Encoder) Workers() int {
	return e.workers
}

// SubmitPicture queues one picture in decode order. When the picture
// completes a GOP, the GOP is encoded before SubmitPicture returns.
func (e *Encoder) SubmitPicture(ctx context.Context, pic Picture) error {
	plan, ok, err := e.collector.Add(pic)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = e.encodeGop(ctx, plan.Pictures)
	return err
}

// EncodeGop encodes one GOP given in decode order, bypassing the picture
// queue.
func (e *Encoder) EncodeGop(ctx context.Context, pics []Picture) (GopResult, error) {
	return e.encodeGop(ctx, pics)
}

// Flush encodes whatever pictures are still queued.
func (e *Encoder) Flush(ctx context.Context) error {
	plan, ok := e.collector.Flush()
	if !ok {
		return nil
	}
	_, err := e.encodeGop(ctx, plan.Pictures)
	return err
}

// Summary returns the statistics of the pictures committed so far.
func (e *Encoder) Summary() Summary {
	return e.scheduler.Stats().Summary(e.config.FrameRate, e.config.TargetBitrate)
}

// Finish flushes queued pictures, reports the session outcome and returns
// it. The encoder stays open until Close.
func (e *Encoder) Finish(ctx context.Context) (*Result, error) {
	flushErr := e.Flush(ctx)
	if flushErr != nil && errors.IsFatal(flushErr) {
		return nil, flushErr
	}

	res := &Result{
		SessionID: e.sessionID,
		Summary:   e.Summary(),
		Levels:    e.model.Stats(),
		Duration:  time.Since(e.start),
	}
	e.reportOutcome(res)
	e.logger.Info("Encode session complete",
		"pictures", res.Summary.Pictures,
		"failed_gops", res.Summary.FailedGops,
		"achieved_bitrate", res.Summary.AchievedBitrate,
		"deviation_pct", res.Summary.Deviation,
		"duration", res.Duration)
	return res, flushErr
}

// Close stops the worker pool and closes the rate model. Safe to call more
// than once.
func (e *Encoder) Close() {
	e.closeOnce.Do(func() {
		e.pool.Shutdown()
		e.model.Close()
	})
}

func (e *Encoder) encodeGop(ctx context.Context, pics []Picture) (GopResult, error) {
	res, err := e.scheduler.EncodeGop(ctx, pics)

	gs := reporter.GopSummary{
		Index:      res.Index,
		FirstPOC:   res.FirstPOC,
		Pictures:   res.Pictures,
		TargetBits: res.TargetBits,
		ActualBits: res.ActualBits,
		Committed:  res.Committed,
	}
	if err != nil {
		gs.Error = err.Error()
	}
	e.reporter.GopComplete(gs)

	switch {
	case err == nil:
	case errors.IsCancelled(err):
	case errors.IsDependencyPoisoned(err):
		e.reporter.Warning(fmt.Sprintf("GOP %d dropped: waiting for the next intra picture", res.Index))
	default:
		e.reporter.Error(reporter.ReporterError{
			Title:      "GOP failed",
			Message:    err.Error(),
			Context:    fmt.Sprintf("GOP %d, first POC %d", res.Index, res.FirstPOC),
			Suggestion: suggestionFor(err),
		})
	}
	return res, err
}

func suggestionFor(err error) string {
	switch {
	case errors.IsKind(err, errors.KindMalformedGop):
		return "Check that pictures are submitted in decode order with references inside the GOP or already coded"
	case errors.IsKind(err, errors.KindBlockCoder):
		return "The window recovers at the next intra picture"
	case errors.IsKind(err, errors.KindSink):
		return "Check the output destination"
	case errors.IsFatal(err):
		return "Reduce the worker count"
	default:
		return ""
	}
}

func (e *Encoder) pictureEncoded(st ratecontrol.PictureStats, au picture.AccessUnit) {
	e.reporter.PictureEncoded(reporter.PictureUpdate{
		POC:           st.POC,
		Level:         st.Level,
		Type:          au.Type.String(),
		QP:            st.QP,
		Lambda:        st.Lambda,
		TargetBits:    st.TargetBits,
		ActualBits:    st.ActualBits,
		CpbProjection: st.CpbProjection,
		CpbAdjusted:   st.CpbAdjusted,
		ModelUpdate:   st.Update.String(),
	})
}

func (e *Encoder) progress(p worker.Progress) {
	elapsed := time.Since(e.start)
	snap := reporter.ProgressSnapshot{
		PicturesComplete: p.PicturesComplete,
		PicturesTotal:    p.PicturesTotal,
		GopsComplete:     p.GopsComplete,
		Percent:          float32(p.Percent()),
		BitsComplete:     p.BitsComplete,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.FPS = float32(float64(p.PicturesComplete) / secs)
	}
	if snap.FPS > 0 && p.PicturesTotal > p.PicturesComplete {
		remaining := float64(p.PicturesTotal-p.PicturesComplete) / float64(snap.FPS)
		snap.ETA = time.Duration(remaining * float64(time.Second))
	}
	if p.PicturesComplete > 0 {
		snap.Bitrate = util.FormatBitrate(p.BitsComplete * e.config.FrameRate / float64(p.PicturesComplete))
	}
	e.reporter.EncodingProgress(snap)
}

func (e *Encoder) reportSession() {
	info := util.GetSystemInfo()
	e.reporter.Hardware(reporter.HardwareSummary{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Arch:          info.Arch,
		LogicalCores:  info.LogicalCores,
		PhysicalCores: info.PhysicalCores,
		TotalMemory:   info.TotalMemory,
	})

	cfg := e.config
	preset := "custom"
	if cfg.Preset != nil {
		preset = cfg.Preset.String()
	}
	e.reporter.SessionStarted(reporter.SessionSummary{
		SessionID:      e.sessionID,
		Preset:         preset,
		Resolution:     fmt.Sprintf("%dx%d", cfg.Width(), cfg.Height()),
		TargetBitrate:  cfg.TargetBitrate,
		FrameRate:      cfg.FrameRate,
		GopSize:        cfg.GopSize,
		IntraPeriod:    cfg.IntraPeriod,
		TemporalLevels: cfg.TemporalLevels,
		Workers:        e.workers,
		TileColumns:    cfg.TileColumns,
		CpbSize:        e.model.CpbSize(),
		TotalFrames:    cfg.TotalFrames,
	})
}

func (e *Encoder) reportOutcome(res *Result) {
	sum := res.Summary
	out := reporter.SessionOutcome{
		SessionID:       res.SessionID,
		Pictures:        sum.Pictures,
		Gops:            sum.Gops,
		FailedGops:      sum.FailedGops,
		TotalBits:       sum.TotalBits,
		TargetBitrate:   sum.TargetBitrate,
		AchievedBitrate: sum.AchievedBitrate,
		Deviation:       sum.Deviation,
		CpbMin:          sum.CpbMin,
		CpbMax:          sum.CpbMax,
		CpbSize:         e.model.CpbSize(),
		TotalTime:       res.Duration,
	}

	byLevel := make(map[int]encode.LevelSummary, len(sum.Levels))
	for _, ls := range sum.Levels {
		byLevel[ls.Level] = ls
	}
	for _, st := range res.Levels {
		ls := byLevel[st.Level]
		out.Levels = append(out.Levels, reporter.LevelOutcome{
			Level:          st.Level,
			Pictures:       ls.Pictures,
			AvgBits:        ls.AvgBits,
			AvgQP:          ls.AvgQP,
			Alpha:          st.Params.Alpha,
			Beta:           st.Params.Beta,
			StaleUpdates:   st.Stale,
			DecayedUpdates: st.Decayed,
		})
	}

	encode.OutputSummary(sum, e.reporter)
	e.reporter.SessionComplete(out)
}
