package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"murmur/internal/model"
)

const defaultPersistTimeout = 5 * time.Second

type persistOp struct {
	id     string
	job    model.Job
	delete bool
}

// writeBehind hands store mutations to the persister on a single
// goroutine, in the order they were enqueued. Enqueue never blocks, so
// a slow or hung backend cannot stall store readers or writers.
type writeBehind struct {
	persister Persister
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	queue    []persistOp
	enqueued uint64
	written  uint64
	advanced chan struct{} // closed and replaced whenever written grows
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriteBehind(p Persister, timeout time.Duration, logger *slog.Logger) *writeBehind {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	w := &writeBehind{
		persister: p,
		timeout:   timeout,
		logger:    logger,
		advanced:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writeBehind) save(job model.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.enqueued++
	w.queue = append(w.queue, persistOp{id: job.ID, job: job})
	w.notify()
}

func (w *writeBehind) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.enqueued++
	w.queue = append(w.queue, persistOp{id: id, delete: true})
	w.notify()
}

func (w *writeBehind) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// signalLocked wakes Flush waiters; w.mu must be held.
func (w *writeBehind) signalLocked() {
	close(w.advanced)
	w.advanced = make(chan struct{})
}

func (w *writeBehind) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
		case <-w.stop:
			w.drain()
			return
		}
		w.drain()
	}
}

func (w *writeBehind) drain() {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, op := range batch {
			w.apply(op)
			w.mu.Lock()
			w.written++
			w.signalLocked()
			w.mu.Unlock()
		}
	}
}

func (w *writeBehind) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if op.delete {
		if err := w.persister.Delete(ctx, op.id); err != nil {
			w.logger.Warn("job_persist_delete_failed", "job_id", op.id, "error", err)
		}
		return
	}
	if err := w.persister.Save(ctx, op.job); err != nil {
		w.logger.Warn("job_persist_failed", "job_id", op.id, "status", op.job.Status, "error", err)
	}
}

// flush waits until everything enqueued before the call has been handed
// to the persister.
func (w *writeBehind) flush(ctx context.Context) error {
	w.mu.Lock()
	target := w.enqueued
	for w.written < target {
		ch := w.advanced
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
	}
	w.mu.Unlock()
	return nil
}

// close drains pending writes and stops the goroutine.
func (w *writeBehind) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
