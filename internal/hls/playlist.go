package hls

import (
	"errors"
	"fmt"
	"hlswall/internal/models"
	"io"
	"math"
	"time"

	"github.com/etherlabsio/go-m3u8/m3u8"
)

// ErrNoSegments is returned for media playlists without segments.
var ErrNoSegments = errors.New("hls: playlist has no media segments")

// Variant is one rendition listed by a master playlist.
type Variant struct {
	URI       string
	Bandwidth int
}

// MasterPlaylistError is returned by Parse for master playlists. Variants
// are in playlist order.
type MasterPlaylistError struct {
	Variants []Variant
}

func (e *MasterPlaylistError) Error() string {
	return fmt.Sprintf("hls: master playlist with %d variants", len(e.Variants))
}

// Playlist is an immutable snapshot of a live media playlist window.
type Playlist struct {
	// Sequence is the media sequence number of the first segment.
	Sequence int64
	// Segments are ordered by Index, starting at Sequence.
	Segments []models.Segment
	// TargetDuration is the advertised maximum segment duration.
	TargetDuration time.Duration
}

// Parse reads an HLS media playlist from r.
func Parse(r io.Reader) (*Playlist, error) {
	pl, err := m3u8.Read(r)
	if err != nil {
		return nil, fmt.Errorf("hls: failed to parse playlist: %w", err)
	}
	if pl.IsMaster() {
		master := &MasterPlaylistError{}
		for _, item := range pl.Playlists() {
			if item.IFrame || item.URI == "" {
				continue
			}
			master.Variants = append(master.Variants, Variant{URI: item.URI, Bandwidth: item.Bandwidth})
		}
		return nil, master
	}

	items := pl.Segments()
	if len(items) == 0 {
		return nil, ErrNoSegments
	}

	p := &Playlist{
		Sequence:       int64(pl.Sequence),
		Segments:       make([]models.Segment, 0, len(items)),
		TargetDuration: time.Duration(pl.Target) * time.Second,
	}
	for i, item := range items {
		if item.Duration < 0 || math.IsNaN(item.Duration) {
			return nil, fmt.Errorf("hls: segment %q has invalid duration %v", item.Segment, item.Duration)
		}
		p.Segments = append(p.Segments, models.Segment{
			URI:      item.Segment,
			Duration: time.Duration(item.Duration * float64(time.Second)),
			Index:    p.Sequence + int64(i),
		})
	}
	return p, nil
}

// FirstIndex returns the absolute index of the first segment.
func (p *Playlist) FirstIndex() int64 {
	return p.Sequence
}

// LastIndex returns the absolute index of the newest segment.
func (p *Playlist) LastIndex() int64 {
	return p.Sequence + int64(len(p.Segments)) - 1
}

// Segment returns the segment with the given absolute index.
func (p *Playlist) Segment(index int64) (models.Segment, bool) {
	pos := index - p.Sequence
	if pos < 0 || pos >= int64(len(p.Segments)) {
		return models.Segment{}, false
	}
	return p.Segments[pos], true
}

// Last returns the newest segment.
func (p *Playlist) Last() models.Segment {
	return p.Segments[len(p.Segments)-1]
}

// TotalDuration sums every segment duration in the window.
func (p *Playlist) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// Newer reports whether p advanced past old. A nil old is always older.
func (p *Playlist) Newer(old *Playlist) bool {
	return old == nil || p.Sequence > old.Sequence
}
