package bridge

import (
	"context"
	"sync"
	"sync/atomic"
)

// loop is the single serialization domain for registry mutation, adapter
// notification and the pending lookup. Tasks run one at a time in post
// order. The queue is unbounded so a task may post follow-up work from
// inside the loop without deadlocking.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 || l.closed {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}

// post enqueues fn. It returns false once the loop is closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Task claim states for exec.
const (
	taskPending int32 = iota
	taskRunning
	taskAbandoned
)

// exec runs fn on the loop and waits for it. An error means fn did not
// run and never will: a task whose caller gave up before it started is
// skipped. It must not be called from the loop goroutine.
func (l *loop) exec(ctx context.Context, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		if !state.CompareAndSwap(taskPending, taskRunning) {
			return
		}
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(taskPending, taskAbandoned) {
			return ctx.Err()
		}
		// Already running; it is not interruptible.
		<-finished
		return nil
	case <-l.stopped:
		if state.CompareAndSwap(taskPending, taskAbandoned) {
			return ErrClosed
		}
		<-finished
		return nil
	}
}

// close stops the loop after the task in progress. Queued tasks are
// dropped.
func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
	<-l.stopped
}
