// Package media wraps a decode collaborator and exposes one segment as a
// source of frames addressed by timestamp plus a queue of mono audio chunks.
package media

import (
	"errors"
	"image"
	"image/color"
	"time"
)

// ErrNoFrames is returned when a segment decodes without a single image.
var ErrNoFrames = errors.New("media: segment contains no video frames")

// PixelFormat describes the layout of Image.Pix.
type PixelFormat int

const (
	// RGB24 stores three bytes per pixel.
	RGB24 PixelFormat = iota
	// RGBA stores four bytes per pixel, non-premultiplied.
	RGBA
)

// BytesPerPixel returns the pixel size of the format.
func (f PixelFormat) BytesPerPixel() int {
	if f == RGBA {
		return 4
	}
	return 3
}

func (f PixelFormat) String() string {
	if f == RGBA {
		return "rgba"
	}
	return "rgb24"
}

// Image is a decoded picture. It is owned by whoever holds it and never
// mutated after decode.
type Image struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// ToRGBA converts the picture to a standard library image.
func (img *Image) ToRGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	bpp := img.Format.BytesPerPixel()
	for y := 0; y < img.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			p := row[x*bpp:]
			a := uint8(0xff)
			if bpp == 4 {
				a = p[3]
			}
			out.SetRGBA(x, y, color.RGBA{R: p[0], G: p[1], B: p[2], A: a})
		}
	}
	return out
}

// Audio is a decoded block of interleaved PCM samples.
type Audio struct {
	// Bits is 8 (signed) or 16 (signed little-endian).
	Bits       int
	Channels   int
	SampleRate int
	Data       []byte
}

// Frames returns the number of sample frames in the block.
func (a *Audio) Frames() int {
	size := a.Bits / 8 * a.Channels
	if size <= 0 {
		return 0
	}
	return len(a.Data) / size
}

// Unit is one decoded item. Exactly one of Image and Audio is set.
type Unit struct {
	// Timestamp is the presentation time reported by the decoder.
	Timestamp time.Duration
	Image     *Image
	Audio     *Audio
}

// Decoder yields the units of one segment in decode order.
type Decoder interface {
	// Grab returns the next unit, or io.EOF once the segment is exhausted.
	Grab() (Unit, error)
	Close() error
}

// DecoderFactory opens a Decoder over the complete bytes of a segment.
type DecoderFactory interface {
	Open(data []byte) (Decoder, error)
}

// Frame is an image with a timestamp relative to its source's first frame.
type Frame struct {
	Image     Image
	Timestamp time.Duration
}
