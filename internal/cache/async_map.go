// Package cache tracks many keyed asynchronous requests at once and disposes
// of the results nobody collected.
package cache

import (
	"hlswall/internal/async"
	"time"
)

// AsyncMap holds at most one in-flight or completed request per key. Results
// that are not pulled within the timeout are handed to the disposer on a
// worker. Every method must be called from the same goroutine.
type AsyncMap[K comparable, In any, Out any] struct {
	work    func(In) (Out, error)
	dispose func(Out)
	timeout time.Duration
	entries map[K]*async.Future[Out]
}

// NewAsyncMap creates a map running work for every pushed key. dispose may be
// nil when results hold no resources.
func NewAsyncMap[K comparable, In any, Out any](work func(In) (Out, error), dispose func(Out), timeout time.Duration) *AsyncMap[K, In, Out] {
	return &AsyncMap[K, In, Out]{
		work:    work,
		dispose: dispose,
		timeout: timeout,
		entries: make(map[K]*async.Future[Out]),
	}
}

// Push submits work(in) under key unless a request for key already exists.
// It reports whether a new request was submitted.
func (m *AsyncMap[K, In, Out]) Push(pool async.Submitter, now time.Time, key K, in In) bool {
	if _, found := m.entries[key]; found {
		return false
	}
	work := m.work
	m.entries[key] = async.Go(pool, now, func() (Out, error) { return work(in) })
	return true
}

// Pull delivers and removes the request for key if it finished. It reports
// whether a request for key existed, finished or not. A delivered result is
// owned by onSuccess.
func (m *AsyncMap[K, In, Out]) Pull(key K, onSuccess func(Out), onError func(error)) bool {
	f, found := m.entries[key]
	if !found {
		return false
	}
	if !f.Done() {
		return true
	}
	delete(m.entries, key)
	out, err := f.Result()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return true
	}
	if onSuccess != nil {
		onSuccess(out)
	}
	return true
}

// Has reports whether a request exists for key.
func (m *AsyncMap[K, In, Out]) Has(key K) bool {
	_, found := m.entries[key]
	return found
}

// CleanupTimedOut disposes every request submitted at least timeout before
// now and returns how many were removed.
func (m *AsyncMap[K, In, Out]) CleanupTimedOut(pool async.Submitter, now time.Time) int {
	removed := 0
	for key, f := range m.entries {
		if now.Sub(f.Submitted()) >= m.timeout {
			delete(m.entries, key)
			m.disposeOn(pool, f)
			removed++
		}
	}
	return removed
}

// Cleanup disposes every request and returns how many were removed.
func (m *AsyncMap[K, In, Out]) Cleanup(pool async.Submitter) int {
	removed := len(m.entries)
	for key, f := range m.entries {
		delete(m.entries, key)
		m.disposeOn(pool, f)
	}
	return removed
}

// Len returns the number of tracked requests.
func (m *AsyncMap[K, In, Out]) Len() int {
	return len(m.entries)
}

// disposeOn waits for f on a worker and disposes a successful result.
func (m *AsyncMap[K, In, Out]) disposeOn(pool async.Submitter, f *async.Future[Out]) {
	if m.dispose == nil {
		return
	}
	task := func() {
		if out, err := f.Wait(); err == nil {
			m.dispose(out)
		}
	}
	if err := pool.Submit(task); err != nil {
		// Without a worker the result still has to be released once it lands.
		go task()
	}
}
