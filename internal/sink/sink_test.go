package sink_test

import (
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"hlswall/internal/session"
	"hlswall/internal/sink"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBuffers struct {
	released int
}

func (c *countingBuffers) AcquireAudio() ([]int16, error) {
	return make([]int16, 8), nil
}

func (c *countingBuffers) ReleaseAudio([]int16) {
	c.released++
}

func rgbFrame(v byte) *media.Frame {
	pix := make([]byte, 2*2*3)
	for i := range pix {
		pix[i] = v
	}
	return &media.Frame{
		Image:     media.Image{Pix: pix, Width: 2, Height: 2, Stride: 6, Format: media.RGB24},
		Timestamp: 40 * time.Millisecond,
	}
}

func TestSurface_KeepsCopyOfLastFrame(t *testing.T) {
	s := sink.New(logger.Nop())
	surf := s.NewSurface("a", session.Key{Locator: "http://x/live.m3u8"})

	_, ok := s.Snapshot("a")
	assert.False(t, ok, "nothing uploaded yet")

	f := rgbFrame(10)
	surf.Upload(f)
	f.Image.Pix[0] = 99
	surf.Upload(rgbFrame(20))

	img, ok := s.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, 2, img.Bounds().Dx())
	px := img.RGBAAt(0, 0)
	assert.Equal(t, uint8(20), px.R)
	assert.Equal(t, uint8(255), px.A)

	own, _ := s.Surface("a")
	assert.Equal(t, int64(2), own.Uploads())
}

func TestSurface_CloseForgetsSurface(t *testing.T) {
	s := sink.New(logger.Nop())
	surf := s.NewSurface("a", session.Key{})
	assert.Equal(t, 1, s.Len())

	surf.Close()
	assert.Zero(t, s.Len())
	_, ok := s.Snapshot("a")
	assert.False(t, ok)
}

func TestVoice_ReleasesAndCounts(t *testing.T) {
	s := sink.New(logger.Nop())
	v := s.NewVoice("a", session.Key{})
	bufs := &countingBuffers{}

	samples, _ := bufs.AcquireAudio()
	v.Queue(media.NewAudioChunk(bufs, 3, 0, 1000, samples))
	v.Queue(media.NewAudioChunk(bufs, 3, 8*time.Millisecond, 1000, samples))
	assert.Equal(t, 2, bufs.released)

	own, ok := s.Voice("a")
	require.True(t, ok)
	stats := own.Stats()
	assert.Equal(t, int64(2), stats.Chunks)
	assert.Equal(t, int64(16), stats.Samples)
	assert.Equal(t, 16*time.Millisecond, stats.Queued)

	v.Stop()
	stats = own.Stats()
	assert.Zero(t, stats.Queued)
	assert.Equal(t, int64(1), stats.Stops)

	v.Close()
	_, ok = s.Voice("a")
	assert.False(t, ok)
}
