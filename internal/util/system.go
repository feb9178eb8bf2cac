package util

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo contains information about the host system.
type SystemInfo struct {
	Hostname      string
	LogicalCores  int
	PhysicalCores int
	TotalMemory   uint64
	OS            string
	Arch          string
}

// GetSystemInfo collects system information.
func GetSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	info := SystemInfo{
		Hostname:      hostname,
		LogicalCores:  LogicalCores(),
		PhysicalCores: PhysicalCores(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
	if vm, err := mem.VirtualMemoryWithContext(context.Background()); err == nil {
		info.TotalMemory = vm.Total
	}
	return info
}

// AvailableMemoryBytes returns the memory available for new allocations.
// Returns 0 if memory cannot be determined.
func AvailableMemoryBytes() uint64 {
	vm, err := mem.VirtualMemoryWithContext(context.Background())
	if err != nil {
		return 0
	}
	return vm.Available
}

// MaxUnitsForMemory calculates how many units of unitBytes fit into
// memFraction of available memory. Returns at least 1.
func MaxUnitsForMemory(unitBytes uint64, memFraction float64) int {
	available := AvailableMemoryBytes()
	if available == 0 || unitBytes == 0 {
		return 1
	}

	usable := uint64(float64(available) * memFraction)
	if usable < unitBytes {
		return 1
	}

	return max(int(usable/unitBytes), 1)
}

// LogicalCores returns the number of logical CPU cores (includes hyperthreads).
func LogicalCores() int {
	n, err := cpu.CountsWithContext(context.Background(), true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// PhysicalCores returns the number of physical CPU cores.
// Falls back to LogicalCores()/2 if detection fails.
func PhysicalCores() int {
	logical := LogicalCores()
	n, err := cpu.CountsWithContext(context.Background(), false)
	if err == nil && n > 0 && n <= logical {
		return n
	}
	if logical > 1 {
		return logical / 2
	}
	return 1
}
