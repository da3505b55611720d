package session

import (
	"context"
	"errors"
	"fmt"
	"hlswall/internal/async/asynctest"
	"hlswall/internal/config"
	"hlswall/internal/hls"
	"hlswall/internal/logger"
	"hlswall/internal/media"
	"hlswall/internal/media/mediatest"
	"hlswall/internal/models"
	"hlswall/internal/resource"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

const testLocator = "http://cdn.example/live/index.m3u8"

// segmentURI is what the fake fetcher receives for a segment of testLocator.
func segmentURI(idx int64) string {
	return fmt.Sprintf("http://cdn.example/live/seg%d.ts", idx)
}

func playlist(seq int64, durations ...time.Duration) *hls.Playlist {
	pl := &hls.Playlist{Sequence: seq, TargetDuration: 6 * time.Second}
	for i, d := range durations {
		idx := seq + int64(i)
		pl.Segments = append(pl.Segments, models.Segment{
			URI:      fmt.Sprintf("seg%d.ts", idx),
			Duration: d,
			Index:    idx,
		})
	}
	return pl
}

func uniform(seq int64, n int, d time.Duration) *hls.Playlist {
	durations := make([]time.Duration, n)
	for i := range durations {
		durations[i] = d
	}
	return playlist(seq, durations...)
}

// testResources runs tasks on a Manual submitter and takes buffers from a real
// pool.
type testResources struct {
	*resource.Pool
	manual *asynctest.Manual
}

func (r *testResources) Submit(task func()) error {
	return r.manual.Submit(task)
}

func newTestResources(t *testing.T) *testResources {
	t.Helper()
	p, err := resource.New(resource.Options{
		Workers:         1,
		SegmentBufSize:  4096,
		SegmentBufLimit: 16,
		AudioBufSize:    64,
		AudioBufLimit:   256,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(time.Second) })
	return &testResources{Pool: p, manual: &asynctest.Manual{}}
}

// fakeFetcher replays playlists in order, repeating the last one, and serves
// segment bodies from memory.
type fakeFetcher struct {
	mu          sync.Mutex
	playlists   []*hls.Playlist
	playlistErr error
	playlistReq int
	bodies      map[string][]byte
	segmentErr  map[string]error
	segmentReq  map[string]int
}

func newFakeFetcher(playlists ...*hls.Playlist) *fakeFetcher {
	return &fakeFetcher{
		playlists:  playlists,
		bodies:     make(map[string][]byte),
		segmentErr: make(map[string]error),
		segmentReq: make(map[string]int),
	}
}

func (f *fakeFetcher) FetchPlaylist(_ context.Context, _ string) (*hls.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistReq++
	if f.playlistErr != nil {
		return nil, f.playlistErr
	}
	if len(f.playlists) == 0 {
		return nil, errors.New("no playlist scripted")
	}
	pl := f.playlists[0]
	if len(f.playlists) > 1 {
		f.playlists = f.playlists[1:]
	}
	return pl, nil
}

func (f *fakeFetcher) FetchSegment(_ context.Context, uri string, buffers hls.SegmentBuffers) (*resource.SegmentBuffer, error) {
	f.mu.Lock()
	f.segmentReq[uri]++
	err := f.segmentErr[uri]
	body, found := f.bodies[uri]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		body = []byte(uri)
	}
	buf, err := buffers.AcquireSegment()
	if err != nil {
		return nil, err
	}
	if _, err := buf.ReadFrom(strings.NewReader(string(body))); err != nil {
		buffers.ReleaseSegment(buf)
		return nil, err
	}
	return buf, nil
}

func (f *fakeFetcher) push(pl ...*hls.Playlist) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlists = append(f.playlists, pl...)
}

func (f *fakeFetcher) requests(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segmentReq[uri]
}

func (f *fakeFetcher) playlistRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playlistReq
}

type fakeSurface struct {
	uploads []media.Frame
	closed  bool
}

func (s *fakeSurface) Upload(f *media.Frame) {
	s.uploads = append(s.uploads, *f)
}

func (s *fakeSurface) Close() {
	s.closed = true
}

type queuedChunk struct {
	Segment   int64
	Timestamp time.Duration
}

type fakeVoice struct {
	chunks []queuedChunk
	stops  int
	closed bool
}

func (v *fakeVoice) Queue(c media.AudioChunk) {
	v.chunks = append(v.chunks, queuedChunk{Segment: c.Segment, Timestamp: c.Timestamp})
	c.Release()
}

func (v *fakeVoice) Stop() {
	v.stops++
}

func (v *fakeVoice) Close() {
	v.closed = true
}

type fakeOutput struct {
	surfaces map[string]*fakeSurface
	voices   map[string]*fakeVoice
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{surfaces: make(map[string]*fakeSurface), voices: make(map[string]*fakeVoice)}
}

func (o *fakeOutput) NewSurface(id string, _ Key) Surface {
	s := &fakeSurface{}
	o.surfaces[id] = s
	return s
}

func (o *fakeOutput) NewVoice(id string, _ Key) Voice {
	v := &fakeVoice{}
	o.voices[id] = v
	return v
}

func testStreamConfig() config.Stream {
	return config.Stream{
		SafeLatency:     8 * time.Second,
		RefreshFactor:   0.7,
		InitialInterval: 500 * ms,
		FailingInterval: 5 * time.Second,
		SourceTimeout:   10 * time.Second,
		CleanupInterval: 10 * time.Second,
	}
}

// streamHarness drives a StreamSession tick by tick with a manual clock.
type streamHarness struct {
	t       *testing.T
	res     *testResources
	fetcher *fakeFetcher
	factory *mediatest.Factory
	out     *fakeOutput
	now     time.Time
	s       *StreamSession
}

func newStreamHarness(t *testing.T, cfg config.Stream, playlists ...*hls.Playlist) *streamHarness {
	t.Helper()
	h := &streamHarness{
		t:       t,
		res:     newTestResources(t),
		fetcher: newFakeFetcher(playlists...),
		factory: mediatest.NewFactory(),
		out:     newFakeOutput(),
		now:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.factory.Fallback = mediatest.Frames(0, 4000, 5000)
	h.s = NewStreamSession("s1", testLocator, cfg, Deps{
		Resources: h.res,
		Fetcher:   h.fetcher,
		Decoders:  h.factory,
		Output:    h.out,
		Logger:    logger.Nop(),
	})
	return h
}

// step advances the clock by d, ticks, and then lets every queued task run.
func (h *streamHarness) step(d time.Duration) {
	h.tick(d)
	h.settle()
}

func (h *streamHarness) tick(d time.Duration) {
	h.now = h.now.Add(d)
	h.s.Tick(h.now)
}

func (h *streamHarness) settle() {
	h.res.manual.RunAll()
}

// start fetches the first playlist, seeks and opens the sources it asks for.
func (h *streamHarness) start() {
	h.step(0)
	h.step(10 * ms)
}

func (h *streamHarness) surface() *fakeSurface {
	return h.out.surfaces["s1"]
}

func (h *streamHarness) voice() *fakeVoice {
	return h.out.voices["s1"]
}
