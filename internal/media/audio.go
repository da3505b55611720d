package media

import (
	"encoding/binary"
	"time"
)

// AudioBuffers hands out pooled sample buffers. *resource.Pool satisfies it.
type AudioBuffers interface {
	AcquireAudio() ([]int16, error)
	ReleaseAudio(b []int16)
}

// AudioChunk is a block of mono 16-bit samples. Samples is backed by a pooled
// buffer which the consumer must hand back with Release.
type AudioChunk struct {
	// Segment is the absolute index of the segment the samples came from.
	Segment int64
	// Timestamp is relative to the first frame of that segment.
	Timestamp  time.Duration
	SampleRate int
	Samples    []int16

	pool AudioBuffers
}

// Duration returns the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Before orders chunks by segment, then by timestamp.
func (c AudioChunk) Before(other AudioChunk) bool {
	if c.Segment != other.Segment {
		return c.Segment < other.Segment
	}
	return c.Timestamp < other.Timestamp
}

// Release returns the sample buffer to its pool.
func (c AudioChunk) Release() {
	if c.pool != nil && c.Samples != nil {
		c.pool.ReleaseAudio(c.Samples)
	}
}

// NewAudioChunk builds a chunk whose samples belong to pool.
func NewAudioChunk(pool AudioBuffers, segment int64, ts time.Duration, rate int, samples []int16) AudioChunk {
	return AudioChunk{Segment: segment, Timestamp: ts, SampleRate: rate, Samples: samples, pool: pool}
}

// Downmix converts frames of a starting at frame offset into mono 16-bit
// samples in dst and returns how many frames were written. Channels are
// averaged; 8-bit samples are signed.
func Downmix(dst []int16, a *Audio, offset int) int {
	frames := a.Frames() - offset
	if frames <= 0 || a.Channels <= 0 {
		return 0
	}
	if frames > len(dst) {
		frames = len(dst)
	}

	bytesPerSample := a.Bits / 8
	frameSize := bytesPerSample * a.Channels
	for i := 0; i < frames; i++ {
		base := (offset + i) * frameSize
		var sum int32
		for ch := 0; ch < a.Channels; ch++ {
			p := base + ch*bytesPerSample
			if bytesPerSample == 1 {
				sum += int32(int8(a.Data[p])) << 8
			} else {
				sum += int32(int16(binary.LittleEndian.Uint16(a.Data[p:])))
			}
		}
		dst[i] = int16(sum / int32(a.Channels))
	}
	return frames
}
