package models

import "time"

// Segment represents one media segment of a live playlist window.
// It is shared by the playlist parser and the stream sessions.
type Segment struct {
	// URI is the segment location exactly as written in the playlist, usually
	// relative to the playlist locator.
	URI string
	// Duration is the advertised playback length of the segment.
	Duration time.Duration
	// Index is the absolute media sequence number: the playlist's base
	// sequence plus the segment's position in the window.
	Index int64
}
