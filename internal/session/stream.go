package session

import (
	"context"
	"hlswall/internal/async"
	"hlswall/internal/cache"
	"hlswall/internal/config"
	"hlswall/internal/hls"
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"hlswall/internal/models"
	"time"
)

// State is the playback state of a StreamSession.
type State int

const (
	Uninitialized State = iota
	SeekingLiveEdge
	Playing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SeekingLiveEdge:
		return "seeking"
	case Playing:
		return "playing"
	default:
		return "closed"
	}
}

// retuneThreshold is the relative change needed before the refresh interval
// follows a new segment duration.
const retuneThreshold = 0.1

// Timeline is the playback cursor of a stream.
type Timeline struct {
	Index    int64
	Offset   time.Duration
	Duration time.Duration
}

// StreamSession plays one live HLS stream.
type StreamSession struct {
	id      string
	locator string
	cfg     config.Stream
	deps    Deps
	logger  logger.Logger
	surface Surface
	voice   Voice

	ctx    context.Context
	cancel context.CancelFunc

	state    State
	playlist *hls.Playlist
	// newest is the last accepted playlist. It survives resyncs so the
	// sequence only ever advances.
	newest *hls.Playlist
	cursor Timeline

	playlists      *async.Coalescer[string, *hls.Playlist]
	interval       time.Duration
	nextPlaylistAt time.Time

	sources  *cache.AsyncMap[int64, models.Segment, *media.FrameSource]
	failed   map[int64]time.Time
	current  *media.FrameSource
	retiring []*async.Future[[]media.AudioChunk]

	discardAt      time.Duration
	pendingDiscard bool

	lastAudio    media.AudioChunk
	hasLastAudio bool

	now         time.Time
	lastTick    time.Time
	lastCleanup time.Time

	frames    int64
	chunks    int64
	resyncs   int64
	lastError string
}

// NewStreamSession creates a session for locator. Nothing is fetched until
// the first Tick.
func NewStreamSession(id, locator string, cfg config.Stream, deps Deps) *StreamSession {
	key := Key{Locator: locator, Kind: KindVideo}
	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSession{
		id:       id,
		locator:  locator,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("session", id, "locator", locator),
		surface:  deps.Output.NewSurface(id, key),
		voice:    deps.Output.NewVoice(id, key),
		ctx:      ctx,
		cancel:   cancel,
		interval: cfg.InitialInterval,
		failed:   make(map[int64]time.Time),
	}
	s.playlists = async.NewCoalescer(s.fetchPlaylist, false)
	s.sources = cache.NewAsyncMap[int64](s.openSegment, closeSource, cfg.SourceTimeout)
	return s
}

// ID returns the session identifier.
func (s *StreamSession) ID() string {
	return s.id
}

// State returns the playback state.
func (s *StreamSession) State() State {
	return s.state
}

// Playlist returns the playlist currently in use, if any.
func (s *StreamSession) Playlist() *hls.Playlist {
	return s.playlist
}

// Cursor returns the playback position.
func (s *StreamSession) Cursor() Timeline {
	return s.cursor
}

// RefreshInterval returns the current playlist polling interval.
func (s *StreamSession) RefreshInterval() time.Duration {
	return s.interval
}

func (s *StreamSession) fetchPlaylist(locator string) (*hls.Playlist, error) {
	return s.deps.Fetcher.FetchPlaylist(s.ctx, locator)
}

// openSegment runs on a worker: it downloads the segment and opens a source
// over it.
func (s *StreamSession) openSegment(seg models.Segment) (*media.FrameSource, error) {
	start := time.Now()
	uri, err := hls.ResolveURL(s.locator, seg.URI)
	if err != nil {
		s.deps.Metrics.SegmentOpened("error", time.Since(start))
		return nil, err
	}
	buf, err := s.deps.Fetcher.FetchSegment(s.ctx, uri, s.deps.Resources)
	if err != nil {
		s.deps.Metrics.SegmentOpened("error", time.Since(start))
		return nil, err
	}
	src, err := media.Open(seg.Index, s.deps.Decoders, buf, s.deps.Resources, s.deps.Resources)
	if err != nil {
		s.deps.Metrics.SegmentOpened("error", time.Since(start))
		return nil, err
	}
	s.deps.Metrics.SegmentOpened("ok", time.Since(start))
	return src, nil
}

func closeSource(src *media.FrameSource) {
	src.Close()
}

// Tick advances playback by the wall time elapsed since the previous tick.
func (s *StreamSession) Tick(now time.Time) {
	if s.state == Closed {
		return
	}
	var elapsed time.Duration
	if !s.lastTick.IsZero() {
		elapsed = now.Sub(s.lastTick)
	}
	s.lastTick = now
	s.now = now
	if s.lastCleanup.IsZero() {
		s.lastCleanup = now
	}

	s.pollPlaylist()

	switch s.state {
	case Uninitialized:
		if s.playlist != nil {
			s.state = SeekingLiveEdge
			s.seek()
		}
	case SeekingLiveEdge:
		if s.playlist != nil {
			s.seek()
		}
	case Playing:
		s.advance(elapsed)
	}

	if s.state == Playing {
		s.acquireSource()
		s.prefetch()
		s.render()
	}
	s.deliverAudio()
	s.requestPlaylist()

	if now.Sub(s.lastCleanup) >= s.cfg.CleanupInterval {
		s.cleanup(now)
	}
}

// pollPlaylist collects a finished playlist request.
func (s *StreamSession) pollPlaylist() {
	s.playlists.Fetch(s.deps.Resources, s.onPlaylist, s.onPlaylistError)
}

func (s *StreamSession) onPlaylist(_ string, pl *hls.Playlist) {
	s.nextPlaylistAt = s.now.Add(s.interval)
	if !pl.Newer(s.newest) {
		s.deps.Metrics.PlaylistFetched("stale")
		s.logger.Debugf("Ignoring playlist with sequence %d, newest is %d", pl.Sequence, s.newest.Sequence)
		return
	}
	s.deps.Metrics.PlaylistFetched("ok")
	s.playlist = pl
	s.newest = pl
	s.lastError = ""
	s.retune(pl.Last().Duration)
	s.nextPlaylistAt = s.now.Add(s.interval)
}

func (s *StreamSession) onPlaylistError(_ string, err error) {
	s.deps.Metrics.PlaylistFetched("error")
	s.logger.Warnf("Playlist request failed: %v", err)
	s.lastError = err.Error()
	s.interval = s.cfg.FailingInterval
	s.nextPlaylistAt = s.now.Add(s.interval)
}

// retune follows the encoder cadence, ignoring changes under the threshold.
func (s *StreamSession) retune(newest time.Duration) {
	next := time.Duration(float64(newest) * s.cfg.RefreshFactor)
	if next <= 0 {
		return
	}
	diff := next - s.interval
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) >= retuneThreshold*float64(s.interval) {
		s.logger.Debugf("Playlist refresh interval %s -> %s", s.interval, next)
		s.interval = next
	}
}

// requestPlaylist asks for a new playlist when none is stored or the cursor
// is within one segment of the window's end.
func (s *StreamSession) requestPlaylist() {
	if !s.playlists.Idle() || s.now.Before(s.nextPlaylistAt) {
		return
	}
	if s.playlist != nil && s.state == Playing && s.playlist.LastIndex()-s.cursor.Index > 1 {
		return
	}
	s.playlists.Push(s.locator)
	s.nextPlaylistAt = s.now.Add(s.interval)
	s.playlists.Fetch(s.deps.Resources, s.onPlaylist, s.onPlaylistError)
}

// seek places the cursor safe-latency behind the live edge of the playlist.
func (s *StreamSession) seek() {
	s.cursor = LiveEdge(s.playlist, s.cfg.SafeLatency)
	s.discardAt = s.cursor.Offset
	s.pendingDiscard = true
	s.state = Playing
	s.logger.Infof("Seeked to segment %d at %s (sequence %d, %d segments)",
		s.cursor.Index, s.cursor.Offset, s.playlist.Sequence, len(s.playlist.Segments))
}

// LiveEdge returns the cursor that lies latency behind the end of pl,
// starting mid-segment. Windows shorter than latency start at their first
// segment.
func LiveEdge(pl *hls.Playlist, latency time.Duration) Timeline {
	var behind time.Duration
	for i := len(pl.Segments) - 1; i >= 0; i-- {
		seg := pl.Segments[i]
		if behind+seg.Duration >= latency {
			return Timeline{
				Index:    seg.Index,
				Offset:   seg.Duration - (latency - behind),
				Duration: seg.Duration,
			}
		}
		behind += seg.Duration
	}
	first := pl.Segments[0]
	return Timeline{Index: first.Index, Duration: first.Duration}
}

// advance rolls the cursor forward, crossing as many segments as needed.
func (s *StreamSession) advance(elapsed time.Duration) {
	s.cursor.Offset += elapsed
	for {
		seg, ok := s.playlist.Segment(s.cursor.Index)
		if !ok {
			s.resync()
			return
		}
		s.cursor.Duration = seg.Duration
		if s.cursor.Offset < seg.Duration {
			return
		}
		s.cursor.Offset -= seg.Duration
		s.cursor.Index++
		s.switchSegment()
	}
}

// switchSegment retires the current source once the cursor left its segment.
func (s *StreamSession) switchSegment() {
	s.pendingDiscard = false
	if s.current == nil {
		return
	}
	old := s.current
	s.current = nil
	s.retiring = append(s.retiring, async.Go(s.deps.Resources, s.now, func() ([]media.AudioChunk, error) {
		err := old.DrainRemainingAudio()
		chunks := old.TakeAudio()
		old.Close()
		return chunks, err
	}))
}

// resync drops the playlist and the source and seeks again once a fresh
// playlist arrives.
func (s *StreamSession) resync() {
	s.resyncs++
	s.deps.Metrics.Resynced()
	s.logger.Warnf("Cursor at segment %d left the playlist window, resyncing", s.cursor.Index)

	s.state = SeekingLiveEdge
	s.playlist = nil
	s.pendingDiscard = false
	s.dropCurrent()
	s.dropRetiring()
	s.voice.Stop()
	s.hasLastAudio = false

	s.nextPlaylistAt = s.now
	s.playlists.Push(s.locator)
	s.playlists.Fetch(s.deps.Resources, s.onPlaylist, s.onPlaylistError)
}

func (s *StreamSession) dropCurrent() {
	if s.current == nil {
		return
	}
	old := s.current
	s.current = nil
	if err := s.deps.Resources.Submit(func() { old.Close() }); err != nil {
		old.Close()
	}
}

func (s *StreamSession) dropRetiring() {
	for _, f := range s.retiring {
		release := func() {
			chunks, _ := f.Wait()
			for _, c := range chunks {
				c.Release()
			}
		}
		if err := s.deps.Resources.Submit(release); err != nil {
			go release()
		}
	}
	s.retiring = nil
}

// acquireSource makes sure the segment under the cursor has a source and
// collects it once opened.
func (s *StreamSession) acquireSource() {
	if s.current != nil {
		return
	}
	idx := s.cursor.Index
	if s.failedRecently(idx) {
		return
	}
	seg, ok := s.playlist.Segment(idx)
	if !ok {
		return
	}
	s.sources.Push(s.deps.Resources, s.now, idx, seg)
	s.sources.Pull(idx, func(src *media.FrameSource) {
		if s.pendingDiscard {
			src.DiscardAudioBefore(s.discardAt)
			s.pendingDiscard = false
		}
		s.current = src
	}, func(err error) {
		s.logger.Warnf("Failed to open segment %d: %v", idx, err)
		s.lastError = err.Error()
		s.failed[idx] = s.now.Add(s.cfg.SourceTimeout)
	})
}

// prefetch requests the next segment's source ahead of need.
func (s *StreamSession) prefetch() {
	next := s.cursor.Index + 1
	seg, ok := s.playlist.Segment(next)
	if !ok || s.failedRecently(next) {
		return
	}
	s.sources.Push(s.deps.Resources, s.now, next, seg)
}

func (s *StreamSession) failedRecently(idx int64) bool {
	until, found := s.failed[idx]
	return found && s.now.Before(until)
}

func (s *StreamSession) render() {
	if s.current == nil {
		return
	}
	f, err := s.current.FrameAt(s.cursor.Offset)
	if err != nil {
		s.logger.Warnf("Decoding segment %d failed: %v", s.current.Segment(), err)
		s.lastError = err.Error()
	}
	if f != nil {
		s.surface.Upload(f)
		s.frames++
		s.deps.Metrics.FrameUploaded()
	}
}

// deliverAudio hands audio to the voice in segment order. Audio of the
// current source waits until every retired segment finished draining.
func (s *StreamSession) deliverAudio() {
	for len(s.retiring) > 0 {
		f := s.retiring[0]
		if !f.Done() {
			return
		}
		s.retiring[0] = nil
		s.retiring = s.retiring[1:]
		chunks, err := f.Result()
		if err != nil {
			s.logger.Warnf("Draining trailing audio failed: %v", err)
		}
		for _, c := range chunks {
			s.queueAudio(c)
		}
	}
	if s.current != nil {
		for _, c := range s.current.TakeAudio() {
			s.queueAudio(c)
		}
	}
}

// queueAudio enforces strictly increasing (segment, timestamp) order.
func (s *StreamSession) queueAudio(c media.AudioChunk) {
	if s.hasLastAudio && !s.lastAudio.Before(c) {
		c.Release()
		s.deps.Metrics.AudioChunk("dropped")
		return
	}
	s.lastAudio = media.AudioChunk{Segment: c.Segment, Timestamp: c.Timestamp}
	s.hasLastAudio = true
	s.chunks++
	s.voice.Queue(c)
	s.deps.Metrics.AudioChunk("queued")
}

// cleanup disposes prefetched sources nobody used and forgets old failures.
func (s *StreamSession) cleanup(now time.Time) {
	s.lastCleanup = now
	if n := s.sources.CleanupTimedOut(s.deps.Resources, now); n > 0 {
		s.logger.Debugf("Disposed %d unused segment sources", n)
	}
	for idx, until := range s.failed {
		if !now.Before(until) {
			delete(s.failed, idx)
		}
	}
}

// Info implements Session.
func (s *StreamSession) Info() Info {
	info := Info{
		ID:             s.id,
		Locator:        s.locator,
		Kind:           KindVideo.String(),
		State:          s.state.String(),
		Segment:        s.cursor.Index,
		OffsetMillis:   s.cursor.Offset.Milliseconds(),
		IntervalMillis: s.interval.Milliseconds(),
		Prefetched:     s.sources.Len(),
		Frames:         s.frames,
		AudioChunks:    s.chunks,
		Resyncs:        s.resyncs,
		LastError:      s.lastError,
	}
	if s.playlist != nil {
		info.Sequence = s.playlist.Sequence
	}
	return info
}

// Close implements Session.
func (s *StreamSession) Close() {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.cancel()
	s.sources.Cleanup(s.deps.Resources)
	s.dropCurrent()
	s.dropRetiring()
	s.voice.Stop()
	s.voice.Close()
	s.surface.Close()
	s.logger.Infof("Session closed")
}
