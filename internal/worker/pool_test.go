package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/five82/encloop/internal/errors"
)

func newTestPool(t *testing.T, n int, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(n, opts...)
	if err != nil {
		t.Fatalf("NewPool(%d) error = %v", n, err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestNewPoolRejectsZero(t *testing.T) {
	if _, err := NewPool(0); !errors.IsKind(err, errors.KindConfig) {
		t.Errorf("NewPool(0) error = %v, want config error", err)
	}
}

func TestNJobsOnNWorkers(t *testing.T) {
	const n = 4
	p := newTestPool(t, n)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(n)

	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = NewJob(FrameJob, i, func() error {
			started.Done()
			<-release
			return nil
		})
		if err := p.Dispatch(context.Background(), jobs[i]); err != nil {
			t.Fatalf("Dispatch(%d) error = %v", i, err)
		}
	}

	waitOrFail(t, &started, "all N jobs should be running concurrently")

	// The (N+1)th dispatch must block until a worker frees.
	extra := NewJob(FrameJob, n, func() error { return nil })
	dispatched := make(chan error, 1)
	go func() { dispatched <- p.Dispatch(context.Background(), extra) }()

	select {
	case <-dispatched:
		t.Fatal("dispatch returned while every worker was busy")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-dispatched:
		if err != nil {
			t.Fatalf("blocked Dispatch error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not proceed after workers freed")
	}

	if err := extra.Wait(); err != nil {
		t.Errorf("extra job error = %v", err)
	}
	p.WaitAllFree()

	st := p.Stats()
	if st.Dispatched != n+1 || st.Completed != n+1 {
		t.Errorf("Stats() dispatched=%d completed=%d, want %d", st.Dispatched, st.Completed, n+1)
	}
	if st.Busy != 0 {
		t.Errorf("Stats().Busy = %d after WaitAllFree", st.Busy)
	}
}

func TestEachJobRunsExactlyOnce(t *testing.T) {
	p := newTestPool(t, 3)

	var runs atomic.Int64
	jobs := make([]*Job, 100)
	for i := range jobs {
		jobs[i] = NewJob(TileJob, i, func() error {
			runs.Add(1)
			return nil
		})
		if err := p.Dispatch(context.Background(), jobs[i]); err != nil {
			t.Fatal(err)
		}
	}
	for _, j := range jobs {
		if err := j.Wait(); err != nil {
			t.Fatal(err)
		}
		if !j.Finished() {
			t.Error("Finished() false after Wait")
		}
	}
	if runs.Load() != 100 {
		t.Errorf("runs = %d, want 100", runs.Load())
	}
}

func TestJobErrorAndPanic(t *testing.T) {
	p := newTestPool(t, 1)

	boom := stderrors.New("boom")
	failing := NewJob(FrameJob, 1, func() error { return boom })
	panicking := NewJob(FrameJob, 2, func() error { panic("bad block") })

	for _, j := range []*Job{failing, panicking} {
		if err := p.Dispatch(context.Background(), j); err != nil {
			t.Fatal(err)
		}
	}

	if err := failing.Wait(); !stderrors.Is(err, boom) {
		t.Errorf("failing job error = %v, want %v", err, boom)
	}
	if err := panicking.Wait(); err == nil || !panicking.Panicked() {
		t.Errorf("panicking job error = %v, panicked = %v", err, panicking.Panicked())
	}

	// The worker survives the panic.
	after := NewJob(FrameJob, 3, func() error { return nil })
	if err := p.Dispatch(context.Background(), after); err != nil {
		t.Fatal(err)
	}
	if err := after.Wait(); err != nil {
		t.Errorf("job after panic error = %v", err)
	}
	if p.Stats().Panics != 1 {
		t.Errorf("Stats().Panics = %d, want 1", p.Stats().Panics)
	}
}

func TestTryDispatch(t *testing.T) {
	p := newTestPool(t, 1)

	release := make(chan struct{})
	first := NewJob(FrameJob, 0, func() error { <-release; return nil })
	if !p.TryDispatch(first) {
		t.Fatal("TryDispatch should succeed on an idle pool")
	}

	second := NewJob(TileJob, 1, func() error { return nil })
	if p.TryDispatch(second) {
		t.Fatal("TryDispatch should fail when every worker is busy")
	}

	// Inline fallback.
	second.Run()
	if !second.Finished() {
		t.Error("inline Run did not finish the job")
	}

	close(release)
	if err := first.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestPauseResume(t *testing.T) {
	p := newTestPool(t, 2)
	p.Pause()
	if !p.Paused() {
		t.Fatal("Paused() = false after Pause")
	}

	if p.TryDispatch(NewJob(TileJob, 0, nil)) {
		t.Fatal("TryDispatch should fail while paused")
	}

	job := NewJob(FrameJob, 0, func() error { return nil })
	done := make(chan error, 1)
	go func() { done <- p.Dispatch(context.Background(), job) }()

	select {
	case <-done:
		t.Fatal("Dispatch returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not proceed after Resume")
	}
	if err := job.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchContextCancelled(t *testing.T) {
	p := newTestPool(t, 1)
	p.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Dispatch(ctx, NewJob(FrameJob, 0, nil))
	if !errors.IsCancelled(err) {
		t.Errorf("Dispatch() error = %v, want cancelled", err)
	}
}

func TestShutdown(t *testing.T) {
	p, err := NewPool(3)
	if err != nil {
		t.Fatal(err)
	}

	ran := make(chan struct{})
	job := NewJob(FrameJob, 0, func() error {
		time.Sleep(10 * time.Millisecond)
		close(ran)
		return nil
	})
	if err := p.Dispatch(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	p.Shutdown()
	p.Shutdown() // idempotent

	select {
	case <-ran:
	default:
		t.Error("Shutdown should let a running job finish")
	}

	for i, s := range p.Stats().States {
		if s != StateTerminated {
			t.Errorf("worker %d state = %v, want terminated", i, s)
		}
	}

	err = p.Dispatch(context.Background(), NewJob(FrameJob, 1, nil))
	if !errors.IsKind(err, errors.KindPoolClosed) {
		t.Errorf("Dispatch after Shutdown error = %v, want pool closed", err)
	}
	if p.TryDispatch(NewJob(TileJob, 1, nil)) {
		t.Error("TryDispatch after Shutdown should fail")
	}
}

func TestThreadSetupFailure(t *testing.T) {
	setupErr := stderrors.New("EAGAIN")
	thread := ThreadFunc(func(worker int) error {
		if worker == 2 {
			return setupErr
		}
		return nil
	})

	_, err := NewPool(4, WithThread(thread))
	if !errors.IsKind(err, errors.KindResourceExhaustion) {
		t.Fatalf("NewPool() error = %v, want resource exhaustion", err)
	}
	if !stderrors.Is(err, setupErr) {
		t.Errorf("NewPool() error should wrap the setup error")
	}
}

func TestPlatformThread(t *testing.T) {
	if err := PlatformThread(false).Setup(0); err != nil {
		t.Errorf("non-responsive setup error = %v", err)
	}

	// Raising niceness is always permitted, so the responsive pool must
	// start.
	p := newTestPool(t, 2, WithThread(PlatformThread(true)))
	job := NewJob(FrameJob, 0, func() error { return nil })
	if err := p.Dispatch(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := job.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestProgressPercent(t *testing.T) {
	if (Progress{}).Percent() != 0 {
		t.Error("Percent() with no total should be 0")
	}
	if got := (Progress{PicturesComplete: 8, PicturesTotal: 32}).Percent(); got != 25 {
		t.Errorf("Percent() = %v, want 25", got)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}
