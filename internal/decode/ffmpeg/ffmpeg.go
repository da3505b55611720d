// Package ffmpeg decodes segments by piping them through ffmpeg. One process
// produces raw RGB24 frames and another interleaved 16-bit stereo PCM; the
// decoder merges both outputs by timestamp.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// audioChunkFrames is the number of sample frames read per audio unit.
const audioChunkFrames = 1024

// Options configures the ffmpeg output format.
type Options struct {
	Path       string
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
}

// Factory starts ffmpeg for every opened segment.
type Factory struct {
	opts   Options
	logger logger.Logger
}

// NewFactory creates a new decoder factory.
func NewFactory(opts Options, log logger.Logger) *Factory {
	return &Factory{opts: opts, logger: log}
}

func (f *Factory) videoArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", f.opts.Width, f.opts.Height),
		"-r", strconv.Itoa(f.opts.FrameRate),
		"pipe:1",
	}
}

func (f *Factory) audioArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-ac", "2",
		"-ar", strconv.Itoa(f.opts.SampleRate),
		"pipe:1",
	}
}

type process struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr bytes.Buffer
}

func (f *Factory) start(ctx context.Context, data []byte, args []string) (*process, error) {
	cmd := exec.CommandContext(ctx, f.opts.Path, args...)
	cmd.Stdin = bytes.NewReader(data)
	p := &process{cmd: cmd}
	cmd.Stderr = &p.stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: failed to start %s: %w", f.opts.Path, err)
	}
	p.out = out
	return p, nil
}

// wait reaps the process. Exit errors after a kill are expected.
func (f *Factory) wait(p *process, name string) {
	if err := p.cmd.Wait(); err != nil && !strings.Contains(err.Error(), "signal: killed") {
		f.logger.Debugf("ffmpeg %s process exited: %v", name, err)
	}
	if p.stderr.Len() > 0 {
		f.logger.Debugf("ffmpeg %s stderr: %s", name, strings.TrimSpace(p.stderr.String()))
	}
}

// Open implements media.DecoderFactory.
func (f *Factory) Open(data []byte) (media.Decoder, error) {
	ctx, cancel := context.WithCancel(context.Background())
	video, err := f.start(ctx, data, f.videoArgs())
	if err != nil {
		cancel()
		return nil, err
	}
	audio, err := f.start(ctx, data, f.audioArgs())
	if err != nil {
		cancel()
		f.wait(video, "video")
		return nil, err
	}

	d := newDecoder(video.out, audio.out, f.opts, func() error {
		cancel()
		f.wait(video, "video")
		f.wait(audio, "audio")
		return nil
	})
	return d, nil
}

// Decoder merges the video and audio outputs of ffmpeg. Video timestamps come
// from the frame index and audio timestamps from the sample count.
type Decoder struct {
	video *bufio.Reader
	audio *bufio.Reader
	opts  Options
	chunk int

	frames  int64
	samples int64

	nextVideo *media.Unit
	nextAudio *media.Unit
	videoEOF  bool
	audioEOF  bool

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func newDecoder(video, audio io.Reader, opts Options, closeFn func() error) *Decoder {
	frameSize := opts.Width * opts.Height * 3
	return &Decoder{
		video:   bufio.NewReaderSize(video, max(frameSize, 4096)),
		audio:   bufio.NewReaderSize(audio, audioChunkFrames*4),
		opts:    opts,
		chunk:   audioChunkFrames,
		closeFn: closeFn,
	}
}

// Grab implements media.Decoder.
func (d *Decoder) Grab() (media.Unit, error) {
	if d.nextVideo == nil && !d.videoEOF {
		u, err := d.readVideo()
		switch {
		case errors.Is(err, io.EOF):
			d.videoEOF = true
		case err != nil:
			return media.Unit{}, err
		default:
			d.nextVideo = &u
		}
	}
	if d.nextAudio == nil && !d.audioEOF {
		u, err := d.readAudio()
		switch {
		case errors.Is(err, io.EOF):
			d.audioEOF = true
		case err != nil:
			return media.Unit{}, err
		default:
			d.nextAudio = &u
		}
	}

	switch {
	case d.nextVideo != nil && (d.nextAudio == nil || d.nextVideo.Timestamp <= d.nextAudio.Timestamp):
		u := *d.nextVideo
		d.nextVideo = nil
		return u, nil
	case d.nextAudio != nil:
		u := *d.nextAudio
		d.nextAudio = nil
		return u, nil
	}
	return media.Unit{}, io.EOF
}

func (d *Decoder) readVideo() (media.Unit, error) {
	stride := d.opts.Width * 3
	pix := make([]byte, stride*d.opts.Height)
	if _, err := io.ReadFull(d.video, pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return media.Unit{}, io.EOF
		}
		return media.Unit{}, err
	}
	ts := time.Duration(d.frames) * time.Second / time.Duration(d.opts.FrameRate)
	d.frames++
	return media.Unit{
		Timestamp: ts,
		Image: &media.Image{
			Pix:    pix,
			Width:  d.opts.Width,
			Height: d.opts.Height,
			Stride: stride,
			Format: media.RGB24,
		},
	}, nil
}

func (d *Decoder) readAudio() (media.Unit, error) {
	data := make([]byte, d.chunk*4)
	n, err := io.ReadFull(d.audio, data)
	n -= n % 4
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			return media.Unit{}, io.EOF
		}
		return media.Unit{}, err
	}
	ts := time.Duration(d.samples) * time.Second / time.Duration(d.opts.SampleRate)
	d.samples += int64(n / 4)
	return media.Unit{
		Timestamp: ts,
		Audio: &media.Audio{
			Bits:       16,
			Channels:   2,
			SampleRate: d.opts.SampleRate,
			Data:       data[:n],
		},
	}, nil
}

// Close implements media.Decoder. It stops both processes.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		if d.closeFn != nil {
			d.closeErr = d.closeFn()
		}
	})
	return d.closeErr
}

var _ media.DecoderFactory = (*Factory)(nil)
