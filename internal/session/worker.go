package session

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// worker runs one session's jobs one at a time, in submission order.
type worker struct {
	mu     sync.Mutex
	closed bool
	jobs   *chanx.UnboundedChan[func()]
	done   chan struct{}
}

func newWorker() *worker {
	w := &worker{
		jobs: chanx.NewUnboundedChan[func()](context.Background(), 8),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for job := range w.jobs.Out {
		job()
	}
}

// submit queues job. It reports false once the worker is closed.
func (w *worker) submit(job func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.jobs.In <- job
	return true
}

// close stops accepting jobs. Jobs already queued still run.
func (w *worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.jobs.In)
	}
}
