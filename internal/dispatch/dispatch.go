// Package dispatch implements the serial executor every engine operation runs on.
//
// A Dispatcher owns one worker goroutine and an unbounded FIFO queue. Every
// mutation of recognition/synthesis state and every platform call is posted
// here, which gives a total order across callers without any locking in the
// state machines themselves. Callback delivery uses a second Dispatcher per
// channel so a slow host can never stall the engine loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned when work is offered to a dispatcher that has shut down.
var ErrClosed = errors.New("dispatcher closed")

// Task is a unit of work executed on the dispatcher goroutine.
type Task func()

// Dispatcher is a single-consumer task queue with a dedicated worker.
type Dispatcher struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	done chan struct{}
}

// New creates a dispatcher and starts its worker goroutine.
func New(name string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		name:   name,
		logger: logger.With("dispatcher", name),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Name returns the dispatcher identifier used in logs.
func (d *Dispatcher) Name() string { return d.name }

// Post enqueues task and returns immediately. It reports false when the
// dispatcher is closed, in which case the task is dropped.
func (d *Dispatcher) Post(task Task) bool {
	if task == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, task)
	d.cond.Signal()
	return true
}

// Call posts fn and blocks until it has run on the dispatcher goroutine.
// It must not be called from a task running on the same dispatcher.
func (d *Dispatcher) Call(fn func()) error {
	finished := make(chan struct{})
	if !d.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	<-finished
	return nil
}

// Sync waits until every task posted before it has executed.
func (d *Dispatcher) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if !d.Post(func() { close(barrier) }) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting work, lets already-queued tasks finish and waits for
// the worker to exit. Calling Close more than once is safe.
func (d *Dispatcher) Close() {
	d.Shutdown()
	<-d.done
}

// Shutdown stops accepting work and returns at once. The worker still runs
// the queued tasks before exiting; Done reports when it has.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.cond.Signal()
	}
}

// Done is closed once the worker goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.execute(task)
	}
}

// execute runs a single task; a panic is logged and swallowed so one bad task
// cannot take down the loop.
func (d *Dispatcher) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
