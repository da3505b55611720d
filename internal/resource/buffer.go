package resource

import (
	"errors"
	"io"
	"sync"
)

// ErrBufferFull is returned when a segment does not fit in one buffer.
var ErrBufferFull = errors.New("resource: segment buffer full")

// freeList hands out fixed-size slices. It grows lazily up to limit and never
// shrinks.
type freeList[T any] struct {
	mu        sync.Mutex
	size      int
	limit     int
	allocated int
	free      [][]T
}

func (f *freeList[T]) acquire() ([]T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.free); n > 0 {
		b := f.free[n-1]
		f.free[n-1] = nil
		f.free = f.free[:n-1]
		return b, nil
	}
	if f.allocated >= f.limit {
		return nil, ErrPoolExhausted
	}
	f.allocated++
	return make([]T, f.size), nil
}

func (f *freeList[T]) release(b []T) {
	if cap(b) != f.size {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.free) >= f.allocated {
		return
	}
	f.free = append(f.free, b[:f.size])
}

func (f *freeList[T]) stats() (allocated, free int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocated, len(f.free)
}

// SegmentBuffer holds the bytes of one downloaded segment.
type SegmentBuffer struct {
	buf []byte
	n   int
}

// ReadFrom fills the buffer from r until EOF. It fails with ErrBufferFull if r
// has more data than the buffer can hold.
func (b *SegmentBuffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		if b.n == len(b.buf) {
			var extra [1]byte
			n, err := r.Read(extra[:])
			if n > 0 {
				return total, ErrBufferFull
			}
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if err != nil {
				return total, err
			}
			continue
		}
		n, err := r.Read(b.buf[b.n:])
		b.n += n
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Bytes returns the filled part of the buffer.
func (b *SegmentBuffer) Bytes() []byte {
	return b.buf[:b.n]
}

// Len returns the number of filled bytes.
func (b *SegmentBuffer) Len() int {
	return b.n
}

// Reset empties the buffer for reuse.
func (b *SegmentBuffer) Reset() {
	b.n = 0
}
