// Package session drives every visible stream from the single driver
// goroutine. A Manager keys sessions by locator, bounds their total cost and
// evicts the ones nobody looked up recently.
package session

import (
	"context"
	"hlswall/internal/async"
	"hlswall/internal/hls"
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"hlswall/internal/observe"
	"hlswall/internal/resource"
	"time"
)

// Kind selects the session implementation for a locator.
type Kind int

const (
	KindVideo Kind = iota
	KindImage
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVector:
		return "vector"
	default:
		return "video"
	}
}

// Key identifies a session. Width and Height are only set for vector
// images, which are rasterized once per requested size.
type Key struct {
	Locator string
	Kind    Kind
	Width   int
	Height  int
}

// Surface receives frames. It is only called from the driver goroutine.
type Surface interface {
	Upload(f *media.Frame)
	Close()
}

// Voice plays audio chunks and owns them once queued.
type Voice interface {
	Queue(c media.AudioChunk)
	// Stop drops everything queued so far.
	Stop()
	Close()
}

// Output creates the render and audio collaborators of a session.
type Output interface {
	NewSurface(id string, key Key) Surface
	NewVoice(id string, key Key) Voice
}

// Resources is what sessions need from the shared resource pool.
// *resource.Pool satisfies it.
type Resources interface {
	async.Submitter
	AcquireSegment() (*resource.SegmentBuffer, error)
	ReleaseSegment(b *resource.SegmentBuffer)
	AcquireAudio() ([]int16, error)
	ReleaseAudio(b []int16)
}

// Fetcher loads playlists, segments and images. *hls.Client satisfies it.
type Fetcher interface {
	FetchPlaylist(ctx context.Context, locator string) (*hls.Playlist, error)
	FetchSegment(ctx context.Context, uri string, buffers hls.SegmentBuffers) (*resource.SegmentBuffer, error)
}

// Deps bundles the collaborators shared by all sessions.
type Deps struct {
	Resources Resources
	Fetcher   Fetcher
	Decoders  media.DecoderFactory
	Output    Output
	Metrics   *observe.Metrics
	Logger    logger.Logger
}

// Session is one live display.
type Session interface {
	// Tick advances the session to now. It never blocks.
	Tick(now time.Time)
	// Info reports the session state for the status API.
	Info() Info
	// Close releases everything the session holds.
	Close()
}

// Info is a snapshot of one session. OffsetMillis is the position inside
// Segment.
type Info struct {
	ID             string    `json:"id"`
	Locator        string    `json:"locator"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	Cost           int       `json:"cost"`
	LastUsed       time.Time `json:"last_used"`
	Sequence       int64     `json:"sequence,omitempty"`
	Segment        int64     `json:"segment,omitempty"`
	OffsetMillis   int64     `json:"offset_ms,omitempty"`
	IntervalMillis int64     `json:"refresh_interval_ms,omitempty"`
	Prefetched     int       `json:"prefetched,omitempty"`
	Frames         int64     `json:"frames"`
	AudioChunks    int64     `json:"audio_chunks,omitempty"`
	Resyncs        int64     `json:"resyncs,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

var _ Resources = (*resource.Pool)(nil)
var _ Fetcher = (*hls.Client)(nil)
