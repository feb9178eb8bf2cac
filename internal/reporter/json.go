package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// progressInterval is the longest gap between two progress events when the
// percentage bucket does not advance.
const progressInterval = 5 * time.Second

// JSONReporter outputs NDJSON events, one object per line.
type JSONReporter struct {
	writer             io.Writer
	mu                 sync.Mutex
	lastProgressBucket int
	heartbeat          *rate.Sometimes
	pictures           bool
}

// NewJSONReporter creates a new JSON reporter that writes to stdout.
func NewJSONReporter() *JSONReporter {
	return NewJSONReporterWithWriter(os.Stdout)
}

// NewJSONReporterWithWriter creates a JSON reporter with a custom writer.
func NewJSONReporterWithWriter(w io.Writer) *JSONReporter {
	return &JSONReporter{
		writer:             w,
		lastProgressBucket: -1,
		heartbeat:          &rate.Sometimes{Interval: progressInterval},
		pictures:           true,
	}
}

// SetPictureEvents enables or disables per-picture events.
func (r *JSONReporter) SetPictureEvents(enabled bool) {
	r.mu.Lock()
	r.pictures = enabled
	r.mu.Unlock()
}

func (r *JSONReporter) timestamp() int64 {
	return time.Now().Unix()
}

func (r *JSONReporter) write(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(r.writer, string(data))
}

func (r *JSONReporter) Hardware(summary HardwareSummary) {
	r.write(map[string]interface{}{
		"type":           "hardware",
		"hostname":       summary.Hostname,
		"os":             summary.OS,
		"arch":           summary.Arch,
		"logical_cores":  summary.LogicalCores,
		"physical_cores": summary.PhysicalCores,
		"total_memory":   summary.TotalMemory,
		"timestamp":      r.timestamp(),
	})
}

func (r *JSONReporter) SessionStarted(summary SessionSummary) {
	r.mu.Lock()
	r.lastProgressBucket = -1
	r.heartbeat = &rate.Sometimes{Interval: progressInterval}
	r.mu.Unlock()

	r.write(map[string]interface{}{
		"type":            "session_started",
		"session_id":      summary.SessionID,
		"preset":          summary.Preset,
		"resolution":      summary.Resolution,
		"target_bitrate":  summary.TargetBitrate,
		"frame_rate":      summary.FrameRate,
		"gop_size":        summary.GopSize,
		"intra_period":    summary.IntraPeriod,
		"temporal_levels": summary.TemporalLevels,
		"workers":         summary.Workers,
		"tile_columns":    summary.TileColumns,
		"cpb_size":        summary.CpbSize,
		"total_frames":    summary.TotalFrames,
		"timestamp":       r.timestamp(),
	})
}

func (r *JSONReporter) PictureEncoded(update PictureUpdate) {
	r.mu.Lock()
	enabled := r.pictures
	r.mu.Unlock()
	if !enabled {
		return
	}

	r.write(map[string]interface{}{
		"type":           "picture_encoded",
		"poc":            update.POC,
		"level":          update.Level,
		"frame_type":     update.Type,
		"qp":             update.QP,
		"lambda":         update.Lambda,
		"target_bits":    update.TargetBits,
		"actual_bits":    update.ActualBits,
		"cpb_projection": update.CpbProjection,
		"cpb_adjusted":   update.CpbAdjusted,
		"model_update":   update.ModelUpdate,
		"timestamp":      r.timestamp(),
	})
}

func (r *JSONReporter) GopComplete(summary GopSummary) {
	event := map[string]interface{}{
		"type":        "gop_complete",
		"index":       summary.Index,
		"first_poc":   summary.FirstPOC,
		"pictures":    summary.Pictures,
		"target_bits": summary.TargetBits,
		"actual_bits": summary.ActualBits,
		"committed":   summary.Committed,
		"timestamp":   r.timestamp(),
	}
	if summary.Error != "" {
		event["error"] = summary.Error
	}
	r.write(event)
}

// EncodingProgress emits when the whole-percent bucket advances, near
// completion, or at most once per progressInterval otherwise.
func (r *JSONReporter) EncodingProgress(progress ProgressSnapshot) {
	bucket := int(progress.Percent)

	r.mu.Lock()
	advanced := bucket > r.lastProgressBucket
	if advanced {
		r.lastProgressBucket = bucket
	}
	heartbeat := r.heartbeat
	r.mu.Unlock()

	emit := advanced || progress.Percent >= 99.0
	if emit {
		// Keeps the heartbeat from firing right after a bucket event.
		heartbeat.Do(func() {})
	} else {
		heartbeat.Do(func() { emit = true })
	}
	if !emit {
		return
	}

	r.write(map[string]interface{}{
		"type":              "encoding_progress",
		"stage":             "encoding",
		"pictures_complete": progress.PicturesComplete,
		"pictures_total":    progress.PicturesTotal,
		"gops_complete":     progress.GopsComplete,
		"percent":           progress.Percent,
		"fps":               progress.FPS,
		"eta_seconds":       int64(progress.ETA.Seconds()),
		"bits_complete":     progress.BitsComplete,
		"bitrate":           progress.Bitrate,
		"timestamp":         r.timestamp(),
	})
}

func (r *JSONReporter) SessionComplete(outcome SessionOutcome) {
	levels := make([]map[string]interface{}, len(outcome.Levels))
	for i, l := range outcome.Levels {
		levels[i] = map[string]interface{}{
			"level":           l.Level,
			"pictures":        l.Pictures,
			"avg_bits":        l.AvgBits,
			"avg_qp":          l.AvgQP,
			"alpha":           l.Alpha,
			"beta":            l.Beta,
			"stale_updates":   l.StaleUpdates,
			"decayed_updates": l.DecayedUpdates,
		}
	}

	r.write(map[string]interface{}{
		"type":              "session_complete",
		"session_id":        outcome.SessionID,
		"pictures":          outcome.Pictures,
		"gops":              outcome.Gops,
		"failed_gops":       outcome.FailedGops,
		"total_bits":        outcome.TotalBits,
		"target_bitrate":    outcome.TargetBitrate,
		"achieved_bitrate":  outcome.AchievedBitrate,
		"deviation_percent": outcome.Deviation,
		"cpb_min":           outcome.CpbMin,
		"cpb_max":           outcome.CpbMax,
		"cpb_size":          outcome.CpbSize,
		"duration_seconds":  outcome.TotalTime.Seconds(),
		"levels":            levels,
		"timestamp":         r.timestamp(),
	})
}

func (r *JSONReporter) Warning(message string) {
	r.write(map[string]interface{}{
		"type":      "warning",
		"message":   message,
		"timestamp": r.timestamp(),
	})
}

func (r *JSONReporter) Error(err ReporterError) {
	r.write(map[string]interface{}{
		"type":       "error",
		"title":      err.Title,
		"message":    err.Message,
		"context":    err.Context,
		"suggestion": err.Suggestion,
		"timestamp":  r.timestamp(),
	})
}

func (r *JSONReporter) Verbose(message string) {
	r.write(map[string]interface{}{
		"type":      "verbose",
		"message":   message,
		"timestamp": r.timestamp(),
	})
}
