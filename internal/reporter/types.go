// Package reporter provides progress reporting interfaces and implementations.
package reporter

import "time"

// HardwareSummary contains hardware information.
type HardwareSummary struct {
	Hostname      string
	OS            string
	Arch          string
	LogicalCores  int
	PhysicalCores int
	TotalMemory   uint64
}

// SessionSummary describes the encode session before the first GOP.
type SessionSummary struct {
	SessionID      string
	Preset         string
	Resolution     string
	TargetBitrate  float64
	FrameRate      float64
	GopSize        int
	IntraPeriod    int
	TemporalLevels int
	Workers        int
	TileColumns    int
	CpbSize        float64
	TotalFrames    int
}

// PictureUpdate describes one coded picture.
type PictureUpdate struct {
	POC           int
	Level         int
	Type          string
	QP            int
	Lambda        float64
	TargetBits    float64
	ActualBits    float64
	CpbProjection float64
	CpbAdjusted   bool
	ModelUpdate   string
}

// GopSummary describes one finished GOP.
type GopSummary struct {
	Index      int
	FirstPOC   int
	Pictures   int
	TargetBits float64
	ActualBits float64
	Committed  bool
	Error      string
}

// ProgressSnapshot contains encoding progress information.
type ProgressSnapshot struct {
	PicturesComplete int
	PicturesTotal    int
	GopsComplete     int
	Percent          float32
	FPS              float32
	ETA              time.Duration
	BitsComplete     float64
	Bitrate          string
}

// LevelOutcome summarizes the pictures of one temporal level.
type LevelOutcome struct {
	Level          int
	Pictures       int
	AvgBits        float64
	AvgQP          float64
	Alpha          float64
	Beta           float64
	StaleUpdates   uint64
	DecayedUpdates uint64
}

// SessionOutcome contains final encoding results.
type SessionOutcome struct {
	SessionID       string
	Pictures        int
	Gops            int
	FailedGops      int
	TotalBits       float64
	TargetBitrate   float64
	AchievedBitrate float64
	Deviation       float64 // percent
	CpbMin          float64
	CpbMax          float64
	CpbSize         float64
	TotalTime       time.Duration
	Levels          []LevelOutcome
}

// ReporterError contains error information.
type ReporterError struct {
	Title      string
	Message    string
	Context    string
	Suggestion string
}
