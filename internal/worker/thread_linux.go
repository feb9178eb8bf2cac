//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type priorityThread struct {
	nice int
}

func newPriorityThread(nice int) Thread {
	return priorityThread{nice: nice}
}

// Setup lowers the priority of the calling thread only. The caller must
// hold the OS thread locked.
func (t priorityThread) Setup(worker int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), t.nice); err != nil {
		return fmt.Errorf("worker %d: setpriority(%d): %w", worker, t.nice, err)
	}
	return nil
}
