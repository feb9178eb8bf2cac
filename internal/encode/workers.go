package encode

import "github.com/five82/encloop/internal/util"

// workerOverheadBytes is the estimated per-worker coder state on top of
// the picture buffers a frame job touches.
const workerOverheadBytes = 64 << 20

// CalculateWorkers caps the requested worker count so that the pictures
// in flight fit in memFraction of available system memory. Each worker
// holds one picture of width x height luma plus its reference pictures.
//
// Returns at least 1.
func CalculateWorkers(requested, width, height, refsPerPicture int, memFraction float64) int {
	workers := max(requested, 1)

	memWorkers := util.MaxUnitsForMemory(WorkerMemoryBytes(width, height, refsPerPicture), memFraction)
	if memWorkers < workers {
		workers = memWorkers
	}
	return max(workers, 1)
}

// WorkerMemoryBytes returns the estimated memory per worker in bytes: the
// 4:2:0 picture being coded, its references, and coder overhead.
func WorkerMemoryBytes(width, height, refsPerPicture int) uint64 {
	frame := uint64(max(width, 0)) * uint64(max(height, 0)) * 3 / 2
	return frame*uint64(1+max(refsPerPicture, 0)) + workerOverheadBytes
}
