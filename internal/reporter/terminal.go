package reporter

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/five82/encloop/internal/util"
	"github.com/schollz/progressbar/v3"
)

// TerminalReporter outputs human-friendly text to the terminal.
type TerminalReporter struct {
	mu         sync.Mutex
	out        io.Writer
	errOut     io.Writer
	verbose    bool
	pictures   bool
	progress   *progressbar.ProgressBar
	maxPercent float32
	cyan       *color.Color
	green      *color.Color
	yellow     *color.Color
	red        *color.Color
	magenta    *color.Color
	faint      *color.Color
	bold       *color.Color
}

// NewTerminalReporter creates a terminal reporter on stdout and stderr.
func NewTerminalReporter(verbose bool) *TerminalReporter {
	return NewTerminalReporterWithWriters(os.Stdout, os.Stderr, verbose)
}

// NewTerminalReporterWithWriters creates a terminal reporter with custom
// writers. Progress bars and errors go to errOut.
func NewTerminalReporterWithWriters(out, errOut io.Writer, verbose bool) *TerminalReporter {
	return &TerminalReporter{
		out:      out,
		errOut:   errOut,
		verbose:  verbose,
		pictures: verbose,
		cyan:     color.New(color.FgCyan, color.Bold),
		green:    color.New(color.FgGreen),
		yellow:   color.New(color.FgYellow, color.Bold),
		red:      color.New(color.FgRed, color.Bold),
		magenta:  color.New(color.FgMagenta),
		faint:    color.New(color.Faint),
		bold:     color.New(color.Bold),
	}
}

func (r *TerminalReporter) finishProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress != nil {
		_ = r.progress.Finish()
		r.progress = nil
	}
	r.maxPercent = 0
}

// printLabel prints a bold label with fixed width padding followed by a value.
// Width is applied to the plain text before styling to ensure proper alignment.
func (r *TerminalReporter) printLabel(width int, label, value string) {
	paddedLabel := fmt.Sprintf("%-*s", width, label)
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.bold.Sprint(paddedLabel), value)
}

func (r *TerminalReporter) Hardware(summary HardwareSummary) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = r.cyan.Fprintln(r.out, "HARDWARE")
	r.printLabel(10, "Hostname:", summary.Hostname)
	r.printLabel(10, "Platform:", fmt.Sprintf("%s/%s", summary.OS, summary.Arch))
	r.printLabel(10, "Cores:", fmt.Sprintf("%d logical, %d physical", summary.LogicalCores, summary.PhysicalCores))
	r.printLabel(10, "Memory:", util.FormatBytes(summary.TotalMemory))
}

func (r *TerminalReporter) SessionStarted(summary SessionSummary) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = r.cyan.Fprintln(r.out, "ENCODING")
	const w = 12
	r.printLabel(w, "Session:", summary.SessionID)
	r.printLabel(w, "Preset:", summary.Preset)
	r.printLabel(w, "Resolution:", summary.Resolution)
	r.printLabel(w, "Target:", fmt.Sprintf("%s at %.2f fps", util.FormatBitrate(summary.TargetBitrate), summary.FrameRate))
	r.printLabel(w, "GOP:", fmt.Sprintf("%d (intra period %d, %d levels)", summary.GopSize, summary.IntraPeriod, summary.TemporalLevels))
	r.printLabel(w, "Workers:", fmt.Sprintf("%d (%d tile columns)", summary.Workers, summary.TileColumns))
	r.printLabel(w, "CPB:", util.FormatBits(summary.CpbSize))

	r.finishProgress()
	if summary.TotalFrames <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = progressbar.NewOptions64(
		100,
		progressbar.OptionSetDescription(""),
		progressbar.OptionSetWidth(40),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(r.errOut),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "Encoding [",
			BarEnd:        "]",
		}),
	)
}

func (r *TerminalReporter) PictureEncoded(update PictureUpdate) {
	if !r.pictures {
		return
	}
	line := fmt.Sprintf("POC %4d %s L%d QP %2d  %s / %s",
		update.POC, update.Type, update.Level, update.QP,
		util.FormatBits(update.ActualBits), util.FormatBits(update.TargetBits))
	if update.CpbAdjusted {
		line += r.yellow.Sprint(" cpb")
	}
	if update.ModelUpdate == "stale" || update.ModelUpdate == "decayed" {
		line += r.faint.Sprintf(" (%s)", update.ModelUpdate)
	}
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.magenta.Sprint("›"), line)
}

func (r *TerminalReporter) GopComplete(summary GopSummary) {
	if summary.Committed {
		if r.verbose {
			_, _ = fmt.Fprintf(r.out, "  %s GOP %d: %d pictures, %s (target %s)\n",
				r.green.Sprint("✓"), summary.Index, summary.Pictures,
				util.FormatBits(summary.ActualBits), util.FormatBits(summary.TargetBits))
		}
		return
	}
	_, _ = fmt.Fprintf(r.out, "  %s GOP %d from POC %d dropped: %s\n",
		r.red.Sprint("✗"), summary.Index, summary.FirstPOC, summary.Error)
}

func (r *TerminalReporter) EncodingProgress(progress ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.progress == nil {
		return
	}

	clamped := min(max(progress.Percent, 0), 100)
	if clamped >= r.maxPercent {
		r.maxPercent = clamped
		_ = r.progress.Set64(int64(clamped))
	}

	desc := fmt.Sprintf("%d/%d pictures, %s, fps %.1f, eta %s",
		progress.PicturesComplete, progress.PicturesTotal, progress.Bitrate,
		progress.FPS, util.FormatDurationFromSecs(int64(progress.ETA.Seconds())))
	r.progress.Describe(desc)
}

func (r *TerminalReporter) SessionComplete(outcome SessionOutcome) {
	r.finishProgress()

	_, _ = fmt.Fprintln(r.out)
	_, _ = r.cyan.Fprintln(r.out, "RESULTS")
	const w = 10
	r.printLabel(w, "Pictures:", fmt.Sprintf("%d in %d GOPs", outcome.Pictures, outcome.Gops))
	if outcome.FailedGops > 0 {
		r.printLabel(w, "Dropped:", r.red.Sprintf("%d GOPs", outcome.FailedGops))
	}
	r.printLabel(w, "Bits:", util.FormatBits(outcome.TotalBits))

	deviation := fmt.Sprintf("%+.1f%%", outcome.Deviation)
	if outcome.Deviation > 15 || outcome.Deviation < -15 {
		deviation = r.yellow.Sprint(deviation)
	} else {
		deviation = r.green.Sprint(deviation)
	}
	r.printLabel(w, "Bitrate:", fmt.Sprintf("%s (target %s, %s)",
		util.FormatBitrate(outcome.AchievedBitrate), util.FormatBitrate(outcome.TargetBitrate), deviation))
	if outcome.CpbSize > 0 {
		r.printLabel(w, "CPB:", fmt.Sprintf("%.0f%% - %.0f%%",
			outcome.CpbMin/outcome.CpbSize*100, outcome.CpbMax/outcome.CpbSize*100))
	}
	r.printLabel(w, "Time:", util.FormatDurationFromSecs(int64(outcome.TotalTime.Seconds())))

	for _, l := range outcome.Levels {
		r.printLabel(w, fmt.Sprintf("Level %d:", l.Level), fmt.Sprintf("%d pictures, avg %s, avg QP %.1f",
			l.Pictures, util.FormatBits(l.AvgBits), l.AvgQP))
	}
}

func (r *TerminalReporter) Warning(message string) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = r.yellow.Fprintf(r.out, "WARN: %s\n", message)
}

func (r *TerminalReporter) Error(err ReporterError) {
	_, _ = fmt.Fprintln(r.errOut)
	_, _ = r.red.Fprintf(r.errOut, "ERROR %s\n", err.Title)
	_, _ = fmt.Fprintf(r.errOut, "  %s\n", err.Message)
	if err.Context != "" {
		_, _ = fmt.Fprintf(r.errOut, "  Context: %s\n", err.Context)
	}
	if err.Suggestion != "" {
		_, _ = fmt.Fprintf(r.errOut, "  Suggestion: %s\n", err.Suggestion)
	}
}

func (r *TerminalReporter) Verbose(message string) {
	if !r.verbose {
		return
	}
	_, _ = fmt.Fprintf(r.out, "  %s\n", r.faint.Sprint(message))
}
