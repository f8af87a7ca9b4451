package worker

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Config describes a worker goroutine that consumes tasks from a bounded
// queue and fires a timeout callback when the queue stays idle for too long.
// Viewer sessions use the timeout to tear down negotiations that never see
// an answer.
type Config[T any] struct {
	// The size of the bounded task queue.
	ChannelSize int
	// Idle period after which OnTimeout fires.
	Timeout time.Duration
	// Called once Timeout elapses without a task.
	OnTimeout func()
	// Called for every received task.
	OnTask func(T)
}

// Worker wraps the task queue so the sender can detect a closed worker.
// There is no race-free way to test a bare channel for closedness in Go,
// hence the mutex.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stop closes the task queue unless already closed.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Send enqueues a task without blocking. Returns ErrWorkerTooBusy when the
// queue is full and ErrWorkerClosed after Stop.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Start launches the worker goroutine. It runs until Stop is called.
func Start[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming}
}
