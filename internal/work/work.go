// Package work provides the deferred-worker abstraction the engine uses
// for response draining and reverse notification dispatch.
//
// A Worker owns one goroutine and one task. Schedule requests coalesce:
// scheduling while a run is pending or in progress guarantees at least one
// more run, never a queue of them. This mirrors how a kernel work item
// behaves and keeps interrupt-side scheduling non-blocking.
package work

import "sync"

// Worker runs its task on a dedicated goroutine whenever scheduled.
type Worker struct {
	task    func()
	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New starts a worker for the given task. The task runs only on the
// worker goroutine, never on the scheduler's.
func New(task func()) *Worker {
	w := &Worker{
		task:    task,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.trigger:
			w.task()
		}
	}
}

// Schedule requests a task run. Non-blocking and safe from any goroutine;
// a no-op after CancelSync.
func (w *Worker) Schedule() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// CancelSync stops the worker and waits for any in-progress task run to
// finish. A run that was scheduled but not yet started is discarded.
// Idempotent; after return the task is guaranteed not to be running and
// never will again.
func (w *Worker) CancelSync() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
	w.mu.Unlock()
	<-w.done
}
