package config

import "errors"

// Sentinel errors for configuration validation.
var (
	// ErrInvalidPreset indicates an unknown preset name was provided.
	ErrInvalidPreset = errors.New("invalid preset")

	// ErrInvalidBitrate indicates a non-positive target bitrate.
	ErrInvalidBitrate = errors.New("target bitrate out of range")

	// ErrInvalidFrameRate indicates a non-positive or non-finite frame rate.
	ErrInvalidFrameRate = errors.New("frame rate out of range")

	// ErrInvalidGop indicates an inconsistent GOP size, intra period or
	// temporal level count.
	ErrInvalidGop = errors.New("GOP structure invalid")

	// ErrInvalidGrid indicates an empty block grid or block size.
	ErrInvalidGrid = errors.New("block grid invalid")

	// ErrInvalidWorkers indicates a negative worker count.
	ErrInvalidWorkers = errors.New("worker count out of range")

	// ErrInvalidTiles indicates more tile columns than grid columns.
	ErrInvalidTiles = errors.New("tile columns out of range")

	// ErrInvalidCpb indicates a bad CPB size or initial fullness.
	ErrInvalidCpb = errors.New("CPB configuration invalid")

	// ErrInvalidQPRange indicates MinQP > MaxQP or a bound outside 0-51.
	ErrInvalidQPRange = errors.New("QP range invalid")
)
