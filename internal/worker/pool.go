package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/five82/encloop/internal/errors"
	"github.com/five82/encloop/internal/logging"
)

// State is the lifecycle state of one worker.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateRunning
	StateShuttingDown
	StateTerminated
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dispatch polling bounds.
const (
	DefaultMinBackoff = 50 * time.Microsecond
	DefaultMaxBackoff = time.Millisecond
)

// slot is one worker's mailbox. The worker blocks on cond until a job is
// assigned or shutdown is requested.
type slot struct {
	mu       sync.Mutex
	cond     *sync.Cond
	job      *Job
	state    State
	shutdown bool
	jobs     uint64
}

// Pool is a fixed set of OS-thread-bound workers. Each job is assigned to
// exactly one worker; a worker is busy while it holds an unfinished job.
type Pool struct {
	mu       sync.Mutex
	idle     *sync.Cond
	slots    []*slot
	busy     []bool
	busyN    int
	paused   bool
	closed   bool
	shutOnce sync.Once
	wg       sync.WaitGroup

	thread     Thread
	logger     *logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	dispatched atomic.Uint64
	completed  atomic.Uint64
	panics     atomic.Uint64
	polls      atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithThread sets the per-thread setup.
func WithThread(t Thread) Option {
	return func(p *Pool) { p.thread = t }
}

// WithBackoff sets the dispatch polling bounds.
func WithBackoff(minBackoff, maxBackoff time.Duration) Option {
	return func(p *Pool) {
		p.minBackoff = minBackoff
		p.maxBackoff = max(maxBackoff, minBackoff)
	}
}

// NewPool starts n workers. If any worker fails its thread setup, the
// workers already started are shut down and a ResourceExhaustion error is
// returned.
func NewPool(n int, opts ...Option) (*Pool, error) {
	if n < 1 {
		return nil, errors.NewConfigError("worker pool needs at least one thread")
	}

	p := &Pool{
		slots:      make([]*slot, n),
		busy:       make([]bool, n),
		thread:     noopThread{},
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	p.idle = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.OrGlobal().WithPrefix("pool")

	for i := range p.slots {
		s := &slot{state: StateIdle}
		s.cond = sync.NewCond(&s.mu)
		p.slots[i] = s
	}

	for i := 0; i < n; i++ {
		ready := make(chan error, 1)
		p.wg.Add(1)
		go p.run(i, ready)
		if err := <-ready; err != nil {
			// Workers that never started still hold a slot; mark them
			// terminated so Shutdown does not wait on them.
			for j := i; j < n; j++ {
				p.slots[j].mu.Lock()
				p.slots[j].shutdown = true
				p.slots[j].state = StateTerminated
				p.slots[j].mu.Unlock()
			}
			p.Shutdown()
			p.logger.Error("Worker thread setup failed", "worker", i, "error", err)
			return nil, errors.NewResourceExhaustionError("starting worker threads", err)
		}
	}

	p.logger.Debug("Worker pool started", "workers", n)
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.slots)
}

func (p *Pool) run(i int, ready chan<- error) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := p.thread.Setup(i); err != nil {
		ready <- err
		return
	}
	ready <- nil

	s := p.slots[i]
	for {
		s.mu.Lock()
		for s.job == nil && !s.shutdown {
			s.cond.Wait()
		}
		if s.job == nil {
			s.state = StateTerminated
			s.mu.Unlock()
			return
		}
		job := s.job
		s.state = StateRunning
		s.mu.Unlock()

		job.run()
		if job.panicked {
			p.panics.Add(1)
			p.logger.Error("Job panicked", "kind", job.Kind, "id", job.ID, "error", job.err)
		}

		s.mu.Lock()
		s.job = nil
		s.jobs++
		if s.shutdown {
			s.state = StateShuttingDown
		} else {
			s.state = StateIdle
		}
		s.mu.Unlock()

		p.completed.Add(1)
		p.release(i)
	}
}

// release marks worker i free and wakes WaitAllFree when none are busy.
func (p *Pool) release(i int) {
	p.mu.Lock()
	p.busy[i] = false
	p.busyN--
	if p.busyN == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// claimLocked reserves the first free worker. Returns -1 if none is free.
func (p *Pool) claimLocked() int {
	if p.paused {
		return -1
	}
	for i, b := range p.busy {
		if !b {
			p.busy[i] = true
			p.busyN++
			return i
		}
	}
	return -1
}

func (p *Pool) assign(i int, job *Job) {
	s := p.slots[i]
	s.mu.Lock()
	s.job = job
	s.state = StateDispatched
	s.mu.Unlock()
	s.cond.Signal()
	p.dispatched.Add(1)
}

// Dispatch hands job to the first free worker. When every worker is busy
// or the pool is paused it polls with bounded exponential backoff. It
// returns an error if the pool is shut down or ctx is done first.
func (p *Pool) Dispatch(ctx context.Context, job *Job) error {
	backoff := p.minBackoff
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return errors.NewPoolClosedError()
		}
		i := p.claimLocked()
		p.mu.Unlock()

		if i >= 0 {
			p.assign(i, job)
			return nil
		}

		p.polls.Add(1)
		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			return errors.NewCancelledError(ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// TryDispatch makes a single pass over the workers and reports whether the
// job was handed off. The caller runs the job itself on false.
func (p *Pool) TryDispatch(job *Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	i := p.claimLocked()
	p.mu.Unlock()

	if i < 0 {
		return false
	}
	p.assign(i, job)
	return true
}

// WaitAllFree blocks until no worker holds a job.
func (p *Pool) WaitAllFree() {
	p.mu.Lock()
	for p.busyN > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Pause stops new dispatches. Running jobs are unaffected.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume allows dispatch again after Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// Paused reports whether dispatch is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Shutdown signals every worker, lets running jobs finish, and joins all
// worker threads. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.shutOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		for _, s := range p.slots {
			s.mu.Lock()
			s.shutdown = true
			if s.state == StateIdle {
				s.state = StateShuttingDown
			}
			s.mu.Unlock()
			s.cond.Signal()
		}
		p.wg.Wait()
		p.logger.Debug("Worker pool stopped",
			"dispatched", p.dispatched.Load(),
			"completed", p.completed.Load())
	})
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers    int
	Busy       int
	Paused     bool
	Closed     bool
	Dispatched uint64
	Completed  uint64
	Panics     uint64
	Polls      uint64
	States     []State
	JobCounts  []uint64
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Workers: len(p.slots),
		Busy:    p.busyN,
		Paused:  p.paused,
		Closed:  p.closed,
	}
	p.mu.Unlock()

	st.Dispatched = p.dispatched.Load()
	st.Completed = p.completed.Load()
	st.Panics = p.panics.Load()
	st.Polls = p.polls.Load()
	st.States = make([]State, len(p.slots))
	st.JobCounts = make([]uint64, len(p.slots))
	for i, s := range p.slots {
		s.mu.Lock()
		st.States[i] = s.state
		st.JobCounts[i] = s.jobs
		s.mu.Unlock()
	}
	return st
}
