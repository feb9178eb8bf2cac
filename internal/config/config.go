// Package config provides configuration types and defaults for encloop.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/five82/encloop/internal/util"
)

// Default constants
const (
	// DefaultTargetBitrate is the target bitrate in bits per second.
	DefaultTargetBitrate = 1_000_000

	// DefaultFrameRate is the sequence frame rate.
	DefaultFrameRate = 30.0

	// DefaultGopSize is the hierarchical-B GOP length.
	DefaultGopSize = 8

	// DefaultIntraPeriod is the distance between intra pictures.
	DefaultIntraPeriod = 32

	// DefaultTemporalLevels is the number of inter temporal levels for the
	// default GOP (log2(8)+1).
	DefaultTemporalLevels = 4

	// DefaultGridWidth and DefaultGridHeight are the block grid dimensions.
	DefaultGridWidth  = 30
	DefaultGridHeight = 17

	// DefaultBlockSize is the block (LCU) edge length in luma samples.
	DefaultBlockSize = 64

	// DefaultTileColumns disables tile fan-out.
	DefaultTileColumns = 1

	// DefaultCpbInitialFullness is the CPB fullness at sequence start as a
	// fraction of CPB size.
	DefaultCpbInitialFullness = 0.5

	// DefaultMinQP and DefaultMaxQP bound every picture and block QP.
	DefaultMinQP = 0
	DefaultMaxQP = 51

	// MaxTemporalLevels is the size of the per-level model arrays.
	MaxTemporalLevels = 8

	// MaxTileColumns bounds tile fan-out.
	MaxTileColumns = 64
)

// Preset represents a bundled GOP structure.
type Preset string

const (
	PresetRandomAccess Preset = "random-access"
	PresetLowDelay     Preset = "low-delay"
	PresetFast         Preset = "fast"
)

// ParsePreset parses a string into a Preset.
func ParsePreset(s string) (Preset, error) {
	switch strings.ToLower(s) {
	case "random-access", "ra":
		return PresetRandomAccess, nil
	case "low-delay", "ld":
		return PresetLowDelay, nil
	case "fast":
		return PresetFast, nil
	default:
		return "", fmt.Errorf("%w: '%s', valid options: random-access, low-delay, fast", ErrInvalidPreset, s)
	}
}

// String returns the string representation of the preset.
func (p Preset) String() string {
	return string(p)
}

// PresetValues contains bundled parameter values for a preset.
type PresetValues struct {
	GopSize        int
	IntraPeriod    int
	TemporalLevels int
	TileColumns    int
}

// GetPresetValues returns the values for a given preset.
func GetPresetValues(p Preset) PresetValues {
	switch p {
	case PresetRandomAccess:
		return PresetValues{
			GopSize:        DefaultGopSize,
			IntraPeriod:    DefaultIntraPeriod,
			TemporalLevels: DefaultTemporalLevels,
			TileColumns:    DefaultTileColumns,
		}
	case PresetLowDelay:
		// Every picture is its own GOP; parallelism comes from tiles.
		return PresetValues{
			GopSize:        1,
			IntraPeriod:    0,
			TemporalLevels: 1,
			TileColumns:    4,
		}
	case PresetFast:
		return PresetValues{
			GopSize:        16,
			IntraPeriod:    64,
			TemporalLevels: 5,
			TileColumns:    2,
		}
	default:
		return GetPresetValues(PresetRandomAccess)
	}
}

// Config holds all configuration for an encode session.
type Config struct {
	// Rate
	TargetBitrate float64 `yaml:"target_bitrate"` // bits per second
	FrameRate     float64 `yaml:"frame_rate"`

	// GOP structure
	GopSize        int `yaml:"gop_size"`
	IntraPeriod    int `yaml:"intra_period"` // 0 means only the first picture is intra
	TemporalLevels int `yaml:"temporal_levels"`

	// Block grid
	GridWidth  int `yaml:"grid_width"`
	GridHeight int `yaml:"grid_height"`
	BlockSize  int `yaml:"block_size"`

	// Concurrency
	Workers            int  `yaml:"workers"` // 0 selects automatically
	TileColumns        int  `yaml:"tile_columns"`
	ResponsiveEncoding bool `yaml:"responsive_encoding"` // Lower worker thread priority

	// Coded picture buffer
	CpbSize            float64 `yaml:"cpb_size"` // bits, 0 means one second of target bitrate
	CpbInitialFullness float64 `yaml:"cpb_initial_fullness"`

	// Sequence
	TotalFrames int `yaml:"total_frames"` // 0 when unknown
	MinQP       int `yaml:"min_qp"`
	MaxQP       int `yaml:"max_qp"`

	// Selected preset (optional)
	Preset *Preset `yaml:"-"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		TargetBitrate:      DefaultTargetBitrate,
		FrameRate:          DefaultFrameRate,
		GopSize:            DefaultGopSize,
		IntraPeriod:        DefaultIntraPeriod,
		TemporalLevels:     DefaultTemporalLevels,
		GridWidth:          DefaultGridWidth,
		GridHeight:         DefaultGridHeight,
		BlockSize:          DefaultBlockSize,
		TileColumns:        DefaultTileColumns,
		CpbInitialFullness: DefaultCpbInitialFullness,
		MinQP:              DefaultMinQP,
		MaxQP:              DefaultMaxQP,
	}
}

// ApplyPreset applies the given preset to the config.
func (c *Config) ApplyPreset(p Preset) {
	values := GetPresetValues(p)
	c.Preset = &p
	c.GopSize = values.GopSize
	c.IntraPeriod = values.IntraPeriod
	c.TemporalLevels = values.TemporalLevels
	c.TileColumns = values.TileColumns
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.TargetBitrate <= 0 || math.IsNaN(c.TargetBitrate) || math.IsInf(c.TargetBitrate, 0) {
		return fmt.Errorf("%w: must be > 0, got %v", ErrInvalidBitrate, c.TargetBitrate)
	}

	if c.FrameRate <= 0 || math.IsNaN(c.FrameRate) || math.IsInf(c.FrameRate, 0) {
		return fmt.Errorf("%w: must be > 0, got %v", ErrInvalidFrameRate, c.FrameRate)
	}

	if c.GopSize < 1 {
		return fmt.Errorf("%w: gop_size must be >= 1, got %d", ErrInvalidGop, c.GopSize)
	}

	if c.IntraPeriod < 0 || (c.IntraPeriod > 0 && c.IntraPeriod%c.GopSize != 0) {
		return fmt.Errorf("%w: intra_period must be 0 or a multiple of gop_size %d, got %d",
			ErrInvalidGop, c.GopSize, c.IntraPeriod)
	}

	if c.TemporalLevels < 1 || c.TemporalLevels > MaxTemporalLevels {
		return fmt.Errorf("%w: temporal_levels must be 1-%d, got %d",
			ErrInvalidGop, MaxTemporalLevels, c.TemporalLevels)
	}

	if c.GridWidth < 1 || c.GridHeight < 1 || c.BlockSize < 1 {
		return fmt.Errorf("%w: %dx%d blocks of %d", ErrInvalidGrid, c.GridWidth, c.GridHeight, c.BlockSize)
	}

	if c.Workers < 0 {
		return fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidWorkers, c.Workers)
	}

	if c.TileColumns < 1 || c.TileColumns > MaxTileColumns || c.TileColumns > c.GridWidth {
		return fmt.Errorf("%w: must be 1-%d, got %d", ErrInvalidTiles, min(MaxTileColumns, c.GridWidth), c.TileColumns)
	}

	if c.CpbSize < 0 || math.IsNaN(c.CpbSize) {
		return fmt.Errorf("%w: cpb_size must be >= 0, got %v", ErrInvalidCpb, c.CpbSize)
	}

	if c.CpbInitialFullness < 0 || c.CpbInitialFullness > 1 {
		return fmt.Errorf("%w: cpb_initial_fullness must be 0-1, got %v", ErrInvalidCpb, c.CpbInitialFullness)
	}

	if c.TotalFrames < 0 {
		return fmt.Errorf("%w: total_frames must be >= 0, got %d", ErrInvalidGop, c.TotalFrames)
	}

	if c.MinQP < DefaultMinQP || c.MaxQP > DefaultMaxQP || c.MinQP > c.MaxQP {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidQPRange, c.MinQP, c.MaxQP)
	}

	return nil
}

// Width returns the luma width covered by the block grid.
func (c *Config) Width() int {
	return c.GridWidth * c.BlockSize
}

// Height returns the luma height covered by the block grid.
func (c *Config) Height() int {
	return c.GridHeight * c.BlockSize
}

// PixelsPerPicture returns the number of luma samples in one picture.
func (c *Config) PixelsPerPicture() int {
	return c.Width() * c.Height()
}

// BlockCount returns the number of blocks in one picture.
func (c *Config) BlockCount() int {
	return c.GridWidth * c.GridHeight
}

// EffectiveCpbSize returns the CPB size in bits, defaulting to one second
// of target bitrate.
func (c *Config) EffectiveCpbSize() float64 {
	if c.CpbSize > 0 {
		return c.CpbSize
	}
	return c.TargetBitrate
}

// SequenceBpp returns the average target bits per pixel.
func (c *Config) SequenceBpp() float64 {
	return c.TargetBitrate / c.FrameRate / float64(c.PixelsPerPicture())
}

// ResolveWorkers returns Workers, or AutoWorkers when it is 0.
func (c *Config) ResolveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return AutoWorkers(c.ResponsiveEncoding)
}

// AutoWorkers returns a worker count based on physical cores. When
// responsive is set one core is left for the rest of the system.
func AutoWorkers(responsive bool) int {
	n := util.PhysicalCores()
	if responsive {
		n--
	}
	return max(n, 1)
}

// LoadFile reads a YAML configuration file on top of the defaults. A preset
// named in the file is applied before the file's explicit fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	var probe struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := NewConfig()
	if probe.Preset != "" {
		p, err := ParsePreset(probe.Preset)
		if err != nil {
			return nil, err
		}
		cfg.ApplyPreset(p)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
