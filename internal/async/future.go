// Package async bridges the single driver goroutine and the shared worker
// pool. Work is submitted without blocking and its result is polled on later
// ticks.
package async

import (
	"fmt"
	"time"
)

// Submitter runs tasks off the calling goroutine. *resource.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

// Future is the handle of a task submitted to a Submitter.
type Future[T any] struct {
	done      chan struct{}
	value     T
	err       error
	submitted time.Time
}

// Go submits fn to pool and returns its Future. If the pool rejects the task
// the Future is already complete with that error.
func Go[T any](pool Submitter, now time.Time, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), submitted: now}
	if err := pool.Submit(f.run(fn)); err != nil {
		f.err = err
		close(f.done)
	}
	return f
}

func (f *Future[T]) run(fn func() (T, error)) func() {
	return func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("async: task panicked: %v", r)
			}
		}()
		f.value, f.err = fn()
	}
}

// Done reports whether the task finished. It never blocks.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of a finished task. Calling it before Done
// reports true returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	if !f.Done() {
		var zero T
		return zero, nil
	}
	return f.value, f.err
}

// Wait blocks until the task finishes. Only call it from a worker.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Submitted returns the time passed to Go.
func (f *Future[T]) Submitted() time.Time {
	return f.submitted
}
