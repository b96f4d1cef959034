package rdm

import "github.com/cognusion/semaphore"

// fetchAdmission bounds the number of range HTTP round trips in flight at
// once. A job's own range count is already bounded by MaxConcurrency via
// the planner, but a process running several jobs concurrently can still
// exhaust file descriptors; fetchAdmission is sized once
// (defaultAdmissionSize workers' worth) and, unless a caller supplies their own via
// Config.Admission, shared process-wide across every strategy.
type fetchAdmission struct {
	sem semaphore.Semaphore
}

// defaultAdmissionSize is generous enough to never throttle a single
// reasonably-configured job, while still capping runaway concurrent jobs.
const defaultAdmissionSize = 64

var processAdmission = newFetchAdmission(defaultAdmissionSize)

func newFetchAdmission(size int) *fetchAdmission {
	if size < 1 {
		size = 1
	}
	return &fetchAdmission{sem: semaphore.NewSemaphore(size)}
}

// acquire blocks until a slot is free or ctx is done, whichever comes
// first. It returns a release func that must be called exactly once if
// acquire returned true.
func (a *fetchAdmission) acquire(ctx doneWaiter) (release func(), ok bool) {
	acquired := make(chan struct{})
	go func() {
		a.sem.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return a.sem.Unlock, true
	case <-ctx.Done():
		// The goroutine above will still acquire eventually and leak a
		// held slot forever unless we drain it; spin a draining
		// goroutine that releases as soon as the stale Lock completes.
		go func() {
			<-acquired
			a.sem.Unlock()
		}()
		return func() {}, false
	}
}

// doneWaiter is satisfied by context.Context; narrowed to avoid importing
// context in this file purely for a type name.
type doneWaiter interface {
	Done() <-chan struct{}
}
