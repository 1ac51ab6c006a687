package bo

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/exp/slog"
)

// CloseWorker destroys buffer objects on a single background goroutine so that the last owner of an
// object does not block on the kernel.
type CloseWorker struct {
	logger  *slog.Logger
	pool    *ants.Pool
	closeFn func(*BufferObject)

	lock     sync.Mutex
	idle     *sync.Cond
	queue    []*BufferObject
	draining bool
	closed   bool
	// inFlight counts objects pushed and not yet destroyed or dropped
	inFlight int
}

// NewCloseWorker creates a CloseWorker that calls closeFn once for every pushed object
func NewCloseWorker(logger *slog.Logger, closeFn func(*BufferObject)) (*CloseWorker, error) {
	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to start the close worker")
	}

	worker := &CloseWorker{
		logger:  logger,
		pool:    pool,
		closeFn: closeFn,
	}
	worker.idle = sync.NewCond(&worker.lock)
	return worker, nil
}

// Push queues an object for destruction. After Close, objects are destroyed on the calling goroutine.
func (w *CloseWorker) Push(obj *BufferObject) {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		w.closeFn(obj)
		return
	}

	w.inFlight++
	w.queue = append(w.queue, obj)
	if w.draining {
		w.lock.Unlock()
		return
	}
	w.draining = true
	w.lock.Unlock()

	err := w.pool.Submit(w.drain)
	if err != nil {
		w.logger.Warn("CloseWorker::Push could not submit, draining inline", slog.Any("error", err))
		w.drain()
	}
}

func (w *CloseWorker) drain() {
	for {
		w.lock.Lock()
		if len(w.queue) == 0 {
			w.draining = false
			w.lock.Unlock()
			return
		}

		obj := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.lock.Unlock()

		w.closeFn(obj)
		w.finished(1)
	}
}

func (w *CloseWorker) finished(count int) {
	w.lock.Lock()
	w.inFlight -= count
	if w.inFlight == 0 {
		w.idle.Broadcast()
	}
	w.lock.Unlock()
}

func (w *CloseWorker) waitIdleLocked() {
	for w.inFlight > 0 {
		w.idle.Wait()
	}
}

// Pending returns the number of objects pushed but not yet destroyed
func (w *CloseWorker) Pending() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	return len(w.queue)
}

// Flush blocks until every pushed object has been destroyed
func (w *CloseWorker) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.waitIdleLocked()
}

// Close stops the worker. With flush, queued objects are destroyed first; without it they are dropped
// and returned to the caller.
func (w *CloseWorker) Close(flush bool) []*BufferObject {
	w.lock.Lock()
	w.closed = true

	var dropped []*BufferObject
	if !flush {
		dropped = w.queue
		w.queue = nil
		w.inFlight -= len(dropped)
	}
	w.waitIdleLocked()
	w.lock.Unlock()

	w.pool.Release()

	return dropped
}
