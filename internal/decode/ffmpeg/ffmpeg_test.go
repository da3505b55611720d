package ffmpeg

import (
	"bytes"
	"hlswall/internal/logger"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{Path: "ffmpeg", Width: 2, Height: 1, FrameRate: 10, SampleRate: 1000}
}

func TestDecoder_MergesByTimestamp(t *testing.T) {
	video := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6}, 3)
	audio := make([]byte, 120*4)
	closed := 0
	d := newDecoder(bytes.NewReader(video), bytes.NewReader(audio), testOptions(), func() error {
		closed++
		return nil
	})
	d.chunk = 50

	type got struct {
		video bool
		ts    time.Duration
	}
	var units []got
	for {
		u, err := d.Grab()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		units = append(units, got{video: u.Image != nil, ts: u.Timestamp})
		if u.Audio != nil {
			assert.Equal(t, 16, u.Audio.Bits)
			assert.Equal(t, 2, u.Audio.Channels)
		}
	}

	ms := time.Millisecond
	assert.Equal(t, []got{
		{true, 0},
		{false, 0},
		{false, 50 * ms},
		{true, 100 * ms},
		{false, 100 * ms},
		{true, 200 * ms},
	}, units)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, closed)
}

func TestDecoder_DropsPartialFrames(t *testing.T) {
	video := append(bytes.Repeat([]byte{9}, 6), 1, 2)
	audio := []byte{1, 0, 2, 0, 3}
	d := newDecoder(bytes.NewReader(video), bytes.NewReader(audio), testOptions(), nil)

	u, err := d.Grab()
	require.NoError(t, err)
	require.NotNil(t, u.Image)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9}, u.Image.Pix)

	u, err = d.Grab()
	require.NoError(t, err)
	require.NotNil(t, u.Audio)
	assert.Len(t, u.Audio.Data, 4)

	_, err = d.Grab()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFactory_Args(t *testing.T) {
	f := NewFactory(Options{Path: "ffmpeg", Width: 640, Height: 360, FrameRate: 30, SampleRate: 48000}, logger.Nop())

	video := f.videoArgs()
	assert.Contains(t, video, "640x360")
	assert.Contains(t, video, "rgb24")
	assert.Contains(t, video, "-an")

	audio := f.audioArgs()
	assert.Contains(t, audio, "s16le")
	assert.Contains(t, audio, "48000")
	assert.Contains(t, audio, "-vn")
}

func TestFactory_MissingBinary(t *testing.T) {
	f := NewFactory(Options{Path: "/nonexistent/ffmpeg", Width: 2, Height: 2, FrameRate: 30, SampleRate: 48000}, logger.Nop())
	_, err := f.Open([]byte("segment"))
	assert.Error(t, err)
}
