package async

import "time"

// Coalescer keeps at most one task in flight. Inputs pushed while a task runs
// are remembered, and only the latest one is submitted once the slot frees.
// Every method must be called from the same goroutine.
type Coalescer[In comparable, Out any] struct {
	work            func(In) (Out, error)
	allowDuplicates bool

	requested    In
	hasRequested bool

	running   *Future[Out]
	runningIn In
}

// NewCoalescer creates a Coalescer running work. When allowDuplicates is false
// a Push equal to the pending input is ignored. An input equal to the running
// one is still remembered.
func NewCoalescer[In comparable, Out any](work func(In) (Out, error), allowDuplicates bool) *Coalescer[In, Out] {
	return &Coalescer[In, Out]{work: work, allowDuplicates: allowDuplicates}
}

// Push records in as the next input to run.
func (c *Coalescer[In, Out]) Push(in In) {
	if !c.allowDuplicates && c.hasRequested && c.requested == in {
		return
	}
	c.requested = in
	c.hasRequested = true
}

// Fetch delivers a finished result exactly once and then submits the pending
// input if the slot is free. Callbacks run on the calling goroutine.
func (c *Coalescer[In, Out]) Fetch(pool Submitter, onSuccess func(In, Out), onError func(In, error)) {
	if c.running != nil && c.running.Done() {
		f, in := c.running, c.runningIn
		c.running = nil
		var zero In
		c.runningIn = zero

		out, err := f.Result()
		if err != nil {
			if onError != nil {
				onError(in, err)
			}
		} else if onSuccess != nil {
			onSuccess(in, out)
		}
	}

	if c.running == nil && c.hasRequested {
		in := c.requested
		var zero In
		c.requested = zero
		c.hasRequested = false

		work := c.work
		c.runningIn = in
		c.running = Go(pool, time.Now(), func() (Out, error) { return work(in) })
	}
}

// Requested reports whether an input is waiting to be submitted.
func (c *Coalescer[In, Out]) Requested() bool {
	return c.hasRequested
}

// Active reports whether a task is in flight or finished but not yet delivered.
func (c *Coalescer[In, Out]) Active() bool {
	return c.running != nil
}

// Idle reports whether nothing is pending or running.
func (c *Coalescer[In, Out]) Idle() bool {
	return !c.hasRequested && c.running == nil
}
