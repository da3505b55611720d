// Package mediatest provides scripted decoders for tests.
package mediatest

import (
	"encoding/binary"
	"errors"
	"hlswall/internal/media"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownSegment is returned by Factory.Open for unscripted data.
var ErrUnknownSegment = errors.New("mediatest: unknown segment")

// Factory opens decoders that replay scripted units. Segments are looked up
// by the exact bytes passed to Open.
type Factory struct {
	mu      sync.Mutex
	scripts map[string][]media.Unit
	opens   atomic.Int32
	closes  atomic.Int32
	// Fallback, if set, is replayed for data without a script.
	Fallback []media.Unit
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{scripts: make(map[string][]media.Unit)}
}

// Script registers the units decoded from data.
func (f *Factory) Script(data string, units ...media.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[data] = units
}

// Open implements media.DecoderFactory.
func (f *Factory) Open(data []byte) (media.Decoder, error) {
	f.mu.Lock()
	units, ok := f.scripts[string(data)]
	if !ok && f.Fallback != nil {
		units, ok = f.Fallback, true
	}
	f.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSegment
	}
	f.opens.Add(1)
	return &Decoder{units: units, onClose: func() { f.closes.Add(1) }}, nil
}

// Opens returns how many decoders were opened.
func (f *Factory) Opens() int {
	return int(f.opens.Load())
}

// Closes returns how many decoders were closed.
func (f *Factory) Closes() int {
	return int(f.closes.Load())
}

// Decoder replays a fixed list of units.
type Decoder struct {
	units   []media.Unit
	pos     int
	closed  bool
	onClose func()
	// Err, if set, is returned once the units run out instead of io.EOF.
	Err error
}

// NewDecoder replays units.
func NewDecoder(units ...media.Unit) *Decoder {
	return &Decoder{units: units}
}

// Grab implements media.Decoder.
func (d *Decoder) Grab() (media.Unit, error) {
	if d.pos >= len(d.units) {
		if d.Err != nil {
			return media.Unit{}, d.Err
		}
		return media.Unit{}, io.EOF
	}
	u := d.units[d.pos]
	d.pos++
	return u, nil
}

// Close implements media.Decoder.
func (d *Decoder) Close() error {
	if !d.closed && d.onClose != nil {
		d.onClose()
	}
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Decoder) Closed() bool {
	return d.closed
}

// Static returns a factory for a single decoder.
type Static struct{ D media.Decoder }

// Open implements media.DecoderFactory.
func (s Static) Open([]byte) (media.Decoder, error) { return s.D, nil }

// Image returns a 2x2 RGB image unit at ts whose pixels are all v.
func Image(ts time.Duration, v byte) media.Unit {
	pix := make([]byte, 2*2*3)
	for i := range pix {
		pix[i] = v
	}
	return media.Unit{
		Timestamp: ts,
		Image:     &media.Image{Pix: pix, Width: 2, Height: 2, Stride: 6, Format: media.RGB24},
	}
}

// Frames returns one image unit per timestamp, in milliseconds.
func Frames(ms ...int) []media.Unit {
	units := make([]media.Unit, 0, len(ms))
	for i, m := range ms {
		units = append(units, Image(time.Duration(m)*time.Millisecond, byte(i)))
	}
	return units
}

// Audio returns a 16-bit stereo unit at ts holding the given frames, each
// written to both channels.
func Audio(ts time.Duration, rate int, samples ...int16) media.Unit {
	data := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		data = binary.LittleEndian.AppendUint16(data, uint16(s))
		data = binary.LittleEndian.AppendUint16(data, uint16(s))
	}
	return media.Unit{
		Timestamp: ts,
		Audio:     &media.Audio{Bits: 16, Channels: 2, SampleRate: rate, Data: data},
	}
}
