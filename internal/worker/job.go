// Package worker provides the fixed OS-thread worker pool that runs frame
// and tile jobs.
package worker

import (
	"fmt"
	"sync/atomic"
)

// Kind distinguishes frame jobs from tile jobs.
type Kind int

const (
	// FrameJob codes one picture. ID is the POC.
	FrameJob Kind = iota
	// TileJob codes one tile column of a picture. ID is the tile index.
	TileJob
)

// String returns the name of the job kind.
func (k Kind) String() string {
	switch k {
	case FrameJob:
		return "frame"
	case TileJob:
		return "tile"
	default:
		return "unknown"
	}
}

// Job is a unit of work owned by one worker until it completes.
type Job struct {
	Kind Kind
	ID   int

	fn       func() error
	done     chan struct{}
	finished atomic.Bool
	err      error
	panicked bool
}

// NewJob creates a job that runs fn.
func NewJob(kind Kind, id int, fn func() error) *Job {
	return &Job{
		Kind: kind,
		ID:   id,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Done returns a channel closed when the job completes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Finished reports whether the job has completed.
func (j *Job) Finished() bool {
	return j.finished.Load()
}

// Wait blocks until the job completes and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Err returns the job's error. Only meaningful after completion.
func (j *Job) Err() error {
	if !j.finished.Load() {
		return nil
	}
	return j.err
}

// Panicked reports whether the work function panicked.
func (j *Job) Panicked() bool {
	return j.finished.Load() && j.panicked
}

// Run executes the job on the calling goroutine. Used for inline tile
// execution when no worker is free.
func (j *Job) Run() {
	j.run()
}

func (j *Job) run() {
	defer close(j.done)
	defer j.finished.Store(true)
	defer func() {
		if r := recover(); r != nil {
			j.panicked = true
			j.err = fmt.Errorf("%s job %d panicked: %v", j.Kind, j.ID, r)
		}
	}()
	if j.fn == nil {
		return
	}
	j.err = j.fn()
}
