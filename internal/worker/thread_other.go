//go:build !linux

package worker

func newPriorityThread(int) Thread {
	return noopThread{}
}
