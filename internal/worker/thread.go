package worker

// Thread applies platform setup to a worker's locked OS thread before it
// accepts jobs.
type Thread interface {
	Setup(worker int) error
}

// ThreadFunc adapts a function to the Thread interface.
type ThreadFunc func(worker int) error

// Setup calls f.
func (f ThreadFunc) Setup(worker int) error {
	return f(worker)
}

type noopThread struct{}

func (noopThread) Setup(int) error { return nil }

// ResponsiveNice is the niceness applied to worker threads in responsive
// mode.
const ResponsiveNice = 10

// PlatformThread returns the platform thread setup. When responsive is set,
// worker threads run at lower scheduling priority where supported.
func PlatformThread(responsive bool) Thread {
	if !responsive {
		return noopThread{}
	}
	return newPriorityThread(ResponsiveNice)
}
