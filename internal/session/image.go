package session

import (
	"bytes"
	"context"
	"fmt"
	"hlswall/internal/async"
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageOptions configures static image sessions.
type ImageOptions struct {
	RetryInterval time.Duration
	// MaxWidth and MaxHeight bound the uploaded picture. Larger images are
	// scaled down keeping their aspect ratio. Zero disables scaling.
	MaxWidth  int
	MaxHeight int
}

// ImageSession shows a static picture. It is fetched once; failures are
// retried after the retry interval.
type ImageSession struct {
	id      string
	locator string
	kind    Kind
	opts    ImageOptions
	decode  func(data []byte) (*media.Frame, error)
	deps    Deps
	logger  logger.Logger
	surface Surface
	ctx     context.Context
	cancel  context.CancelFunc

	loads   *async.Coalescer[string, *media.Frame]
	loaded  bool
	retryAt time.Time
	now     time.Time
	closed  bool

	frames    int64
	lastError string
}

// NewImageSession creates a session for the image at locator.
func NewImageSession(id, locator string, opts ImageOptions, deps Deps) *ImageSession {
	decode := func(data []byte) (*media.Frame, error) {
		return DecodeImage(data, opts.MaxWidth, opts.MaxHeight)
	}
	return newPictureSession(id, Key{Locator: locator, Kind: KindImage}, opts, decode, deps)
}

// NewVectorSession creates a session rasterizing the SVG at locator to fit
// width x height.
func NewVectorSession(id, locator string, width, height int, opts ImageOptions, deps Deps) *ImageSession {
	decode := func(data []byte) (*media.Frame, error) {
		return RasterizeSVG(data, width, height)
	}
	key := Key{Locator: locator, Kind: KindVector, Width: width, Height: height}
	return newPictureSession(id, key, opts, decode, deps)
}

func newPictureSession(id string, key Key, opts ImageOptions, decode func([]byte) (*media.Frame, error), deps Deps) *ImageSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ImageSession{
		id:      id,
		locator: key.Locator,
		kind:    key.Kind,
		opts:    opts,
		decode:  decode,
		deps:    deps,
		logger:  deps.Logger.With("session", id, "locator", key.Locator),
		surface: deps.Output.NewSurface(id, key),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.loads = async.NewCoalescer(s.load, true)
	return s
}

// Loaded reports whether the picture was uploaded.
func (s *ImageSession) Loaded() bool {
	return s.loaded
}

// load runs on a worker.
func (s *ImageSession) load(locator string) (*media.Frame, error) {
	buf, err := s.deps.Fetcher.FetchSegment(s.ctx, locator, s.deps.Resources)
	if err != nil {
		return nil, err
	}
	defer s.deps.Resources.ReleaseSegment(buf)
	return s.decode(buf.Bytes())
}

// DecodeImage decodes a PNG, JPEG, GIF, BMP or WebP picture into an RGBA
// frame, scaling it down to fit maxW x maxH.
func DecodeImage(data []byte, maxW, maxH int) (*media.Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxW, maxH)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}

	return &media.Frame{Image: media.Image{
		Pix:    dst.Pix,
		Width:  w,
		Height: h,
		Stride: dst.Stride,
		Format: media.RGBA,
	}}, nil
}

func fit(w, h, maxW, maxH int) (int, int) {
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return w, h
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// Tick implements Session.
func (s *ImageSession) Tick(now time.Time) {
	if s.closed {
		return
	}
	s.now = now
	s.loads.Fetch(s.deps.Resources, s.onLoaded, s.onError)
	if s.loaded || !s.loads.Idle() || now.Before(s.retryAt) {
		return
	}
	s.loads.Push(s.locator)
	s.loads.Fetch(s.deps.Resources, s.onLoaded, s.onError)
}

func (s *ImageSession) onLoaded(_ string, f *media.Frame) {
	s.loaded = true
	s.lastError = ""
	s.surface.Upload(f)
	s.frames++
	s.deps.Metrics.FrameUploaded()
	s.logger.Infof("Image loaded (%dx%d)", f.Image.Width, f.Image.Height)
}

func (s *ImageSession) onError(_ string, err error) {
	s.lastError = err.Error()
	s.retryAt = s.now.Add(s.opts.RetryInterval)
	s.logger.Warnf("Image load failed, retrying in %s: %v", s.opts.RetryInterval, err)
}

// Info implements Session.
func (s *ImageSession) Info() Info {
	state := "loading"
	switch {
	case s.closed:
		state = "closed"
	case s.loaded:
		state = "loaded"
	case s.lastError != "":
		state = "failed"
	}
	return Info{
		ID:        s.id,
		Locator:   s.locator,
		Kind:      s.kind.String(),
		State:     state,
		Frames:    s.frames,
		LastError: s.lastError,
	}
}

// Close implements Session.
func (s *ImageSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.surface.Close()
}
