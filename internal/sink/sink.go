// Package sink is the headless output of the wall. Surfaces keep the last
// uploaded frame for the status API and voices account for the audio they were
// handed before giving the buffers back.
package sink

import (
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"hlswall/internal/session"
	"image"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Headless creates surfaces and voices and looks them up by session id. It
// is safe for concurrent use.
type Headless struct {
	surfaces *xsync.MapOf[string, *Surface]
	voices   *xsync.MapOf[string, *Voice]
	logger   logger.Logger
}

// New creates an empty sink.
func New(log logger.Logger) *Headless {
	return &Headless{
		surfaces: xsync.NewMapOf[string, *Surface](),
		voices:   xsync.NewMapOf[string, *Voice](),
		logger:   log,
	}
}

// NewSurface implements session.Output.
func (s *Headless) NewSurface(id string, key session.Key) session.Surface {
	surf := &Surface{id: id, key: key, sink: s}
	s.surfaces.Store(id, surf)
	s.logger.Debugf("Surface %s created for %s", id, key.Locator)
	return surf
}

// NewVoice implements session.Output.
func (s *Headless) NewVoice(id string, key session.Key) session.Voice {
	v := &Voice{id: id, sink: s}
	s.voices.Store(id, v)
	return v
}

// Surface returns the surface of session id.
func (s *Headless) Surface(id string) (*Surface, bool) {
	return s.surfaces.Load(id)
}

// Voice returns the voice of session id.
func (s *Headless) Voice(id string) (*Voice, bool) {
	return s.voices.Load(id)
}

// Snapshot returns a copy of the last frame shown for session id.
func (s *Headless) Snapshot(id string) (*image.RGBA, bool) {
	surf, ok := s.Surface(id)
	if !ok {
		return nil, false
	}
	return surf.Snapshot()
}

// Len returns the number of open surfaces.
func (s *Headless) Len() int {
	return s.surfaces.Size()
}

// Surface holds the latest frame of one session.
type Surface struct {
	id   string
	key  session.Key
	sink *Headless

	mu        sync.Mutex
	frame     media.Image
	timestamp time.Duration
	uploads   int64
	has       bool
}

// Upload copies the pixels of f. The frame itself stays owned by the caller.
func (s *Surface) Upload(f *media.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := f.Image
	rows := img.Height * img.Stride
	if rows > len(img.Pix) {
		rows = len(img.Pix)
	}
	if cap(s.frame.Pix) < rows {
		s.frame.Pix = make([]byte, rows)
	}
	s.frame.Pix = s.frame.Pix[:rows]
	copy(s.frame.Pix, img.Pix[:rows])
	s.frame.Width = img.Width
	s.frame.Height = img.Height
	s.frame.Stride = img.Stride
	s.frame.Format = img.Format
	s.timestamp = f.Timestamp
	s.uploads++
	s.has = true
}

// Snapshot converts the last frame to RGBA.
func (s *Surface) Snapshot() (*image.RGBA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return nil, false
	}
	return s.frame.ToRGBA(), true
}

// Key returns the session key the surface was created for.
func (s *Surface) Key() session.Key {
	return s.key
}

// Uploads returns how many frames were uploaded.
func (s *Surface) Uploads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Close implements session.Surface.
func (s *Surface) Close() {
	s.sink.surfaces.Compute(s.id, func(old *Surface, loaded bool) (*Surface, bool) {
		return old, !loaded || old == s
	})
}

// VoiceStats describes the audio a voice received.
type VoiceStats struct {
	Chunks  int64         `json:"chunks"`
	Samples int64         `json:"samples"`
	Queued  time.Duration `json:"queued"`
	Stops   int64         `json:"stops"`
}

// Voice accounts for queued audio. Chunks are released as soon as they are
// counted.
type Voice struct {
	id   string
	sink *Headless

	mu    sync.Mutex
	stats VoiceStats
}

// Queue implements session.Voice.
func (v *Voice) Queue(c media.AudioChunk) {
	v.mu.Lock()
	v.stats.Chunks++
	v.stats.Samples += int64(len(c.Samples))
	v.stats.Queued += c.Duration()
	v.mu.Unlock()
	c.Release()
}

// Stop implements session.Voice.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats.Queued = 0
	v.stats.Stops++
}

// Stats returns a copy of the counters.
func (v *Voice) Stats() VoiceStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// Close implements session.Voice.
func (v *Voice) Close() {
	v.sink.voices.Compute(v.id, func(old *Voice, loaded bool) (*Voice, bool) {
		return old, !loaded || old == v
	})
}

var _ session.Output = (*Headless)(nil)
