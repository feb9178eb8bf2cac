package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/five82/encloop"
	"github.com/five82/encloop/internal/coder"
	"github.com/five82/encloop/internal/config"
	"github.com/five82/encloop/internal/gop"
	"github.com/five82/encloop/internal/logging"
	"github.com/five82/encloop/internal/picture"
	"github.com/five82/encloop/internal/reporter"
)

// simulateArgs holds the parsed flags of the simulate command.
type simulateArgs struct {
	configPath string
	preset     string
	logDir     string
	verbose    bool
	jsonOutput bool
	pictures   bool
	luma       bool

	bitrate     float64
	frameRate   float64
	frames      int
	gopSize     int
	intraPeriod int
	levels      int
	gridWidth   int
	gridHeight  int
	blockSize   int
	workers     int
	tiles       int
	cpbSize     float64
	responsive  bool

	mismatch float64
	noise    float64
}

func newSimulateCommand() *cobra.Command {
	var sa simulateArgs
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Encode a synthetic sequence and report the rate control outcome",
		Long: `Runs a synthetic sequence through the full encoding loop: GOP
scheduling on the worker pool, picture and block rate control, and
display-order delivery. Block sizes come from a synthetic coder whose
rate-lambda curve deliberately differs from the model's seed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, sa)
		},
	}

	defaults := config.NewConfig()
	f := cmd.Flags()
	f.StringVarP(&sa.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&sa.preset, "preset", "", "GOP preset (random-access, low-delay, fast)")
	f.StringVarP(&sa.logDir, "log-dir", "l", "", "Write a run log to this directory")
	f.BoolVarP(&sa.verbose, "verbose", "v", false, "Verbose output")
	f.BoolVar(&sa.jsonOutput, "json", false, "Emit NDJSON progress events on stdout")
	f.BoolVar(&sa.pictures, "picture-events", false, "Include per-picture events in JSON output")
	f.BoolVar(&sa.luma, "luma", true, "Generate luma planes so intra pictures use block costs")

	f.Float64VarP(&sa.bitrate, "bitrate", "b", defaults.TargetBitrate, "Target bitrate in bits per second")
	f.Float64Var(&sa.frameRate, "fps", defaults.FrameRate, "Frame rate")
	f.IntVarP(&sa.frames, "frames", "n", 96, "Number of pictures to encode")
	f.IntVar(&sa.gopSize, "gop-size", defaults.GopSize, "GOP size")
	f.IntVar(&sa.intraPeriod, "intra-period", defaults.IntraPeriod, "Intra period (0 = first picture only)")
	f.IntVar(&sa.levels, "levels", defaults.TemporalLevels, "Temporal levels")
	f.IntVar(&sa.gridWidth, "grid-width", defaults.GridWidth, "Block grid width")
	f.IntVar(&sa.gridHeight, "grid-height", defaults.GridHeight, "Block grid height")
	f.IntVar(&sa.blockSize, "block-size", defaults.BlockSize, "Block size in luma samples")
	f.IntVarP(&sa.workers, "workers", "w", 0, "Worker threads (0 = auto)")
	f.IntVar(&sa.tiles, "tiles", defaults.TileColumns, "Tile columns per picture")
	f.Float64Var(&sa.cpbSize, "cpb-size", 0, "CPB size in bits (0 = one second of bitrate)")
	f.BoolVar(&sa.responsive, "responsive", false, "Lower worker thread priority")

	f.Float64Var(&sa.mismatch, "mismatch", coder.DefaultMismatch, "Synthetic coder alpha relative to the model seed")
	f.Float64Var(&sa.noise, "noise", coder.DefaultNoise, "Synthetic coder relative noise")
	return cmd
}

func buildConfig(cmd *cobra.Command, sa simulateArgs) (*config.Config, error) {
	cfg := config.NewConfig()
	if sa.configPath != "" {
		loaded, err := config.LoadFile(sa.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// The preset is applied before explicit flags so they can override it.
	if sa.preset != "" {
		p, err := config.ParsePreset(sa.preset)
		if err != nil {
			return nil, err
		}
		cfg.ApplyPreset(p)
	}

	changed := cmd.Flags().Changed
	if changed("bitrate") {
		cfg.TargetBitrate = sa.bitrate
	}
	if changed("fps") {
		cfg.FrameRate = sa.frameRate
	}
	if changed("gop-size") {
		cfg.GopSize = sa.gopSize
	}
	if changed("intra-period") {
		cfg.IntraPeriod = sa.intraPeriod
	}
	if changed("levels") {
		cfg.TemporalLevels = sa.levels
	}
	if changed("grid-width") {
		cfg.GridWidth = sa.gridWidth
	}
	if changed("grid-height") {
		cfg.GridHeight = sa.gridHeight
	}
	if changed("block-size") {
		cfg.BlockSize = sa.blockSize
	}
	if changed("workers") {
		cfg.Workers = sa.workers
	}
	if changed("tiles") {
		cfg.TileColumns = sa.tiles
	}
	if changed("cpb-size") {
		cfg.CpbSize = sa.cpbSize
	}
	if sa.responsive {
		cfg.ResponsiveEncoding = true
	}
	if changed("frames") || cfg.TotalFrames == 0 {
		cfg.TotalFrames = sa.frames
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSimulate(cmd *cobra.Command, sa simulateArgs) error {
	cfg, err := buildConfig(cmd, sa)
	if err != nil {
		return err
	}

	runLog, err := openRunLog(sa.logDir)
	if err != nil {
		return err
	}
	defer func() { _ = runLog.Close() }()

	level := logging.LevelWarn
	if sa.verbose {
		level = logging.LevelDebug
	}
	var logOut io.Writer = os.Stderr
	if runLog != nil {
		// The run log gets everything; stderr stays quiet.
		logOut = runLog.Writer()
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Output: logOut, Enabled: true, JSON: sa.jsonOutput})
	logging.SetGlobal(logger)
	if runLog != nil {
		logger.Info("Run log opened", "path", runLog.FilePath())
	}

	var rep reporter.Reporter
	if sa.jsonOutput {
		jr := reporter.NewJSONReporterWithWriter(cmd.OutOrStdout())
		jr.SetPictureEvents(sa.pictures)
		rep = jr
	} else {
		rep = reporter.NewTerminalReporterWithWriters(cmd.OutOrStdout(), cmd.ErrOrStderr(), sa.verbose)
	}

	synth := coder.NewSynthetic(cfg)
	synth.Mismatch = sa.mismatch
	synth.Noise = sa.noise

	var emitted int
	var emittedBits float64
	sink := encloop.SinkFunc(func(au picture.AccessUnit) error {
		emitted++
		emittedBits += au.Bits
		return nil
	})

	enc, err := encloop.NewWithConfig(cfg,
		encloop.WithLogger(logger),
		encloop.WithReporter(rep),
		encloop.WithCoder(synth),
		encloop.WithSink(sink))
	if err != nil {
		return err
	}
	defer enc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, plan := range gop.PlanSequence(0, cfg.TotalFrames, cfg.GopSize, cfg.IntraPeriod, cfg.TemporalLevels) {
		for _, pic := range plan.Pictures {
			if sa.luma {
				attachLuma(&pic, cfg)
			}
			err := enc.SubmitPicture(ctx, pic)
			if err == nil {
				continue
			}
			if encloop.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			logger.Warn("Continuing after GOP failure", "poc", pic.POC, "error", err)
		}
	}

	res, err := enc.Finish(ctx)
	if err != nil && (res == nil || encloop.IsFatal(err)) {
		return err
	}
	logger.Debug("Sink totals", "access_units", emitted, "bits", emittedBits)
	if res.Summary.FailedGops > 0 {
		return fmt.Errorf("%d of %d GOPs failed", res.Summary.FailedGops, res.Summary.Gops+res.Summary.FailedGops)
	}
	return nil
}

func openRunLog(dir string) (*logging.RunLog, error) {
	if dir == "" {
		return nil, nil
	}
	runLog, err := logging.OpenRunLog(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return runLog, nil
}

// attachLuma gives intra pictures a synthetic luma plane whose texture
// varies from block to block.
func attachLuma(pic *picture.Picture, cfg *config.Config) {
	if !pic.Intra {
		return
	}
	w, h := cfg.Width(), cfg.Height()
	luma := make([]byte, w*h)
	for y := 0; y < h; y++ {
		by := y / cfg.BlockSize
		for x := 0; x < w; x++ {
			bx := x / cfg.BlockSize
			amp := 1 + (bx*7+by*3+pic.POC)%5
			luma[y*w+x] = byte(128 + amp*((x^y)%16) - amp*8)
		}
	}
	pic.Luma = luma
	pic.Width = w
	pic.Height = h
	pic.Stride = w
}
