// Package asynctest provides deterministic Submitters for tests.
package asynctest

import (
	"errors"
	"sync"
)

// ErrRejected is returned by Rejecting.
var ErrRejected = errors.New("asynctest: submission rejected")

// Inline runs every task synchronously inside Submit.
type Inline struct{}

// Submit runs task before returning.
func (Inline) Submit(task func()) error {
	task()
	return nil
}

// Rejecting refuses every task.
type Rejecting struct{}

// Submit always fails.
func (Rejecting) Submit(func()) error {
	return ErrRejected
}

// Manual queues tasks until the test runs them.
type Manual struct {
	mu    sync.Mutex
	tasks []func()
}

// Submit queues task.
func (m *Manual) Submit(task func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

// Pending returns the number of queued tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunNext runs the oldest queued task and reports whether there was one.
func (m *Manual) RunNext() bool {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return false
	}
	task := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	task()
	return true
}

// RunAll runs queued tasks, including ones queued while running, until none
// remain. It returns how many ran.
func (m *Manual) RunAll() int {
	n := 0
	for m.RunNext() {
		n++
	}
	return n
}
