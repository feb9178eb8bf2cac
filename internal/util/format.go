// Package util provides utility functions for formatting and host probing.
package util

import (
	"fmt"
	"math"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// FormatBytes formats bytes with appropriate binary units (B, KiB, MiB, GiB).
func FormatBytes(bytes uint64) string {
	bf := float64(bytes)
	switch {
	case bf >= GiB:
		return fmt.Sprintf("%.2f GiB", bf/GiB)
	case bf >= MiB:
		return fmt.Sprintf("%.2f MiB", bf/MiB)
	case bf >= KiB:
		return fmt.Sprintf("%.2f KiB", bf/KiB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatBits formats a bit count using decimal units (bit, kbit, Mbit).
func FormatBits(bits float64) string {
	switch {
	case bits >= 1e6:
		return fmt.Sprintf("%.2f Mbit", bits/1e6)
	case bits >= 1e3:
		return fmt.Sprintf("%.2f kbit", bits/1e3)
	default:
		return fmt.Sprintf("%.0f bit", bits)
	}
}

// FormatBitrate formats a rate in bits per second using decimal units.
func FormatBitrate(bps float64) string {
	if bps < 0 || math.IsNaN(bps) || math.IsInf(bps, 0) {
		return "n/a"
	}
	switch {
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f kbps", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bps", bps)
	}
}

// FormatDuration formats seconds as HH:MM:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 || seconds != seconds { // NaN check
		return "??:??:??"
	}

	totalSecs := int64(seconds)
	hours := totalSecs / 3600
	minutes := (totalSecs % 3600) / 60
	secs := totalSecs % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
}

// FormatDurationFromSecs formats seconds as HH:MM:SS from an int64.
func FormatDurationFromSecs(secs int64) string {
	hours := secs / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// CalculateDeviation returns the signed percentage by which actual differs
// from target. Positive values mean actual overshot the target.
func CalculateDeviation(target, actual float64) float64 {
	if target == 0 {
		return 0
	}
	return (actual - target) / target * 100
}
