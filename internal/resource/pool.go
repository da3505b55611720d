// Package resource owns the process-wide resources shared by every session:
// a small worker pool for blocking work, one HTTP client with an outgoing
// request limiter, and free-lists of large reusable buffers.
package resource

import (
	"errors"
	"fmt"
	"hlswall/internal/logger"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// ErrPoolExhausted is returned when a free-list already handed out its
// maximum number of buffers.
var ErrPoolExhausted = errors.New("resource: buffer pool exhausted")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("resource: pool closed")

// Options configures a Pool.
type Options struct {
	Workers         int
	SegmentBufSize  int
	SegmentBufLimit int
	AudioBufSize    int
	AudioBufLimit   int
	// RequestsPerSec caps outgoing HTTP requests. Zero disables the limit.
	RequestsPerSec int
	UserAgent      string
	HeaderTimeout  time.Duration
}

// Stats is a point-in-time view of the pool's usage.
type Stats struct {
	SegmentAllocated int `json:"segment_allocated"`
	SegmentFree      int `json:"segment_free"`
	AudioAllocated   int `json:"audio_allocated"`
	AudioFree        int `json:"audio_free"`
	RunningWorkers   int `json:"running_workers"`
	QueuedTasks      int `json:"queued_tasks"`
}

// Pool bundles the shared workers, HTTP client and buffer free-lists.
type Pool struct {
	workers   *ants.Pool
	size      int
	client    *http.Client
	limiter   ratelimit.Limiter
	userAgent string
	logger    logger.Logger

	segments freeList[byte]
	audio    freeList[int16]

	mu      sync.Mutex
	active  int
	backlog []func()
	closed  bool
}

// New creates a pool from opts.
func New(opts Options, log logger.Logger) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("resource: workers must be positive, got %d", opts.Workers)
	}
	workers, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
		log.Errorf("Worker task panicked: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("resource: failed to create worker pool: %w", err)
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RequestsPerSec > 0 {
		limiter = ratelimit.New(opts.RequestsPerSec)
	}

	headerTimeout := opts.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = 3 * time.Second
	}

	return &Pool{
		workers: workers,
		size:    opts.Workers,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       30 * time.Second,
			},
		},
		limiter:   limiter,
		userAgent: opts.UserAgent,
		logger:    log,
		segments:  freeList[byte]{size: opts.SegmentBufSize, limit: opts.SegmentBufLimit},
		audio:     freeList[int16]{size: opts.AudioBufSize, limit: opts.AudioBufLimit},
	}, nil
}

// Submit runs task on a worker. It never blocks: once every worker is busy the
// task is queued and picked up by the next worker that finishes.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.active >= p.size {
		p.backlog = append(p.backlog, task)
		p.mu.Unlock()
		return nil
	}
	p.active++
	p.mu.Unlock()

	if err := p.workers.Submit(func() { p.drain(task) }); err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return fmt.Errorf("resource: submit failed: %w", err)
	}
	return nil
}

// drain runs task and then keeps the worker busy until the backlog is empty.
func (p *Pool) drain(task func()) {
	for task != nil {
		p.run(task)

		p.mu.Lock()
		if len(p.backlog) == 0 {
			p.active--
			task = nil
		} else {
			task = p.backlog[0]
			p.backlog[0] = nil
			p.backlog = p.backlog[1:]
		}
		p.mu.Unlock()
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Worker task panicked: %v", r)
		}
	}()
	task()
}

// Do sends req through the shared client, waiting on the request limiter first.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	p.limiter.Take()
	if p.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	return p.client.Do(req)
}

// AcquireSegment hands out an empty segment-sized buffer.
func (p *Pool) AcquireSegment() (*SegmentBuffer, error) {
	b, err := p.segments.acquire()
	if err != nil {
		return nil, fmt.Errorf("segment buffer: %w", err)
	}
	return &SegmentBuffer{buf: b}, nil
}

// ReleaseSegment returns b to the free-list. b must not be used afterwards.
func (p *Pool) ReleaseSegment(b *SegmentBuffer) {
	if b == nil || b.buf == nil {
		return
	}
	p.segments.release(b.buf)
	b.buf = nil
	b.n = 0
}

// AcquireAudio hands out an audio sample buffer of Options.AudioBufSize samples.
func (p *Pool) AcquireAudio() ([]int16, error) {
	b, err := p.audio.acquire()
	if err != nil {
		return nil, fmt.Errorf("audio buffer: %w", err)
	}
	return b, nil
}

// ReleaseAudio returns b to the free-list. Slices of a foreign size are dropped.
func (p *Pool) ReleaseAudio(b []int16) {
	p.audio.release(b)
}

// Stats reports current usage.
func (p *Pool) Stats() Stats {
	sa, sf := p.segments.stats()
	aa, af := p.audio.stats()
	p.mu.Lock()
	queued := len(p.backlog)
	p.mu.Unlock()
	return Stats{
		SegmentAllocated: sa,
		SegmentFree:      sf,
		AudioAllocated:   aa,
		AudioFree:        af,
		RunningWorkers:   p.workers.Running(),
		QueuedTasks:      queued,
	}
}

// Close stops accepting tasks and waits up to timeout for running and queued
// tasks to finish.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if err := p.workers.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("resource: release workers: %w", err)
	}
	p.client.CloseIdleConnections()
	return nil
}
