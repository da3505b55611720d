package media

import (
	"errors"
	"fmt"
	"hlswall/internal/resource"
	"io"
	"time"
)

// SegmentBuffers takes back the buffer a source was opened over.
// *resource.Pool satisfies it.
type SegmentBuffers interface {
	ReleaseSegment(b *resource.SegmentBuffer)
}

// FrameSource decodes one segment. It serves frames by timestamp and queues
// the audio met along the way. It is not safe for concurrent use; ownership
// moves from the worker that opens it to the driver goroutine.
type FrameSource struct {
	segment int64
	dec     Decoder
	data    *resource.SegmentBuffer
	buffers SegmentBuffers
	audio   AudioBuffers

	zero      time.Duration
	lookahead *Frame
	first     time.Duration
	images    int
	delta     time.Duration
	eof       bool

	queue   []AudioChunk
	floor   time.Duration
	floored bool
	dropped int
	closed  bool
}

// Open creates a source for segment over data. It decodes up to the first
// image, queueing any audio that precedes it. On failure everything passed
// in is released.
func Open(segment int64, factory DecoderFactory, data *resource.SegmentBuffer, buffers SegmentBuffers, audio AudioBuffers) (*FrameSource, error) {
	dec, err := factory.Open(data.Bytes())
	if err != nil {
		buffers.ReleaseSegment(data)
		return nil, fmt.Errorf("media: open segment %d: %w", segment, err)
	}

	s := &FrameSource{
		segment: segment,
		dec:     dec,
		data:    data,
		buffers: buffers,
		audio:   audio,
	}

	var leading []Unit
	for {
		u, err := dec.Grab()
		if errors.Is(err, io.EOF) {
			s.Close()
			return nil, ErrNoFrames
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("media: decode segment %d: %w", segment, err)
		}
		if u.Image != nil {
			s.zero = u.Timestamp
			s.lookahead = s.frame(u)
			break
		}
		if u.Audio != nil {
			leading = append(leading, u)
		}
	}
	for _, u := range leading {
		s.enqueue(u)
	}
	return s, nil
}

// Segment returns the absolute index of the decoded segment.
func (s *FrameSource) Segment() int64 {
	return s.segment
}

// Delta returns the spacing of the first two frames, or zero before the
// second frame was decoded.
func (s *FrameSource) Delta() time.Duration {
	return s.delta
}

// Dropped returns how many audio units were lost to buffer exhaustion.
func (s *FrameSource) Dropped() int {
	return s.dropped
}

// FrameAt returns the newest frame at or before ts. It returns nil when no
// frame newer than the previously returned one is due yet. A decode error ends
// the source; the frame found so far is still returned with it.
func (s *FrameSource) FrameAt(ts time.Duration) (*Frame, error) {
	if s.closed {
		return nil, nil
	}

	var candidate *Frame
	if s.lookahead != nil {
		if s.lookahead.Timestamp > ts {
			return nil, nil
		}
		candidate = s.lookahead
		s.lookahead = nil
		if s.closeEnough(candidate, ts) {
			return candidate, nil
		}
	}

	for !s.eof {
		u, err := s.dec.Grab()
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			s.eof = true
			return candidate, fmt.Errorf("media: decode segment %d: %w", s.segment, err)
		}
		if u.Audio != nil {
			s.enqueue(u)
			continue
		}
		if u.Image == nil {
			continue
		}

		f := s.frame(u)
		if f.Timestamp > ts {
			s.lookahead = f
			return candidate, nil
		}
		candidate = f
		if s.closeEnough(candidate, ts) {
			return candidate, nil
		}
	}
	return candidate, nil
}

func (s *FrameSource) closeEnough(f *Frame, ts time.Duration) bool {
	return s.delta > 0 && ts-f.Timestamp <= s.delta
}

// frame converts an image unit and learns the frame spacing.
func (s *FrameSource) frame(u Unit) *Frame {
	rel := u.Timestamp - s.zero
	switch s.images {
	case 0:
		s.first = rel
	case 1:
		if d := rel - s.first; d > 0 {
			s.delta = d
		}
	}
	s.images++
	return &Frame{Image: *u.Image, Timestamp: rel}
}

// DrainRemainingAudio decodes the rest of the segment and queues its audio.
func (s *FrameSource) DrainRemainingAudio() error {
	for !s.eof && !s.closed {
		u, err := s.dec.Grab()
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			s.eof = true
			return fmt.Errorf("media: decode segment %d: %w", s.segment, err)
		}
		if u.Audio != nil {
			s.enqueue(u)
		}
	}
	return nil
}

// DiscardAudioBefore drops queued audio earlier than ts and keeps dropping
// audio decoded later that would fall before it.
func (s *FrameSource) DiscardAudioBefore(ts time.Duration) {
	s.floor = ts
	s.floored = true
	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.Timestamp < ts {
			c.Release()
			continue
		}
		kept = append(kept, c)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
}

// TakeAudio hands every queued chunk to the caller, oldest first.
func (s *FrameSource) TakeAudio() []AudioChunk {
	q := s.queue
	s.queue = nil
	return q
}

// Queued returns the number of chunks waiting in the queue.
func (s *FrameSource) Queued() int {
	return len(s.queue)
}

func (s *FrameSource) enqueue(u Unit) {
	a := u.Audio
	if a.SampleRate <= 0 || (a.Bits != 8 && a.Bits != 16) {
		s.dropped++
		return
	}
	ts := u.Timestamp - s.zero
	frames := a.Frames()
	for offset := 0; offset < frames; {
		chunkTs := ts + time.Duration(offset)*time.Second/time.Duration(a.SampleRate)
		buf, err := s.audio.AcquireAudio()
		if err != nil {
			s.dropped++
			return
		}
		n := Downmix(buf, a, offset)
		if n == 0 {
			s.audio.ReleaseAudio(buf)
			return
		}
		offset += n
		chunk := NewAudioChunk(s.audio, s.segment, chunkTs, a.SampleRate, buf[:n])
		if s.floored && chunkTs < s.floor {
			chunk.Release()
			continue
		}
		s.queue = append(s.queue, chunk)
	}
}

// Close releases the decoder, the queued audio and the segment buffer.
func (s *FrameSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.dec != nil {
		err = s.dec.Close()
	}
	for _, c := range s.queue {
		c.Release()
	}
	s.queue = nil
	s.lookahead = nil
	s.buffers.ReleaseSegment(s.data)
	s.data = nil
	return err
}
