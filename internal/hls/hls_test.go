package hls_test

import (
	"context"
	"hlswall/internal/hls"
	"hlswall/internal/logger"
	"hlswall/internal/resource"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:4.000,
seg100.ts
#EXTINF:4.000,
seg101.ts
#EXTINF:3.500,
seg102.ts
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
high/index.m3u8
`

func TestParse_MediaPlaylist(t *testing.T) {
	pl, err := hls.Parse(strings.NewReader(livePlaylist))
	require.NoError(t, err)

	assert.Equal(t, int64(100), pl.Sequence)
	require.Len(t, pl.Segments, 3)
	assert.Equal(t, "seg101.ts", pl.Segments[1].URI)
	assert.Equal(t, int64(102), pl.Segments[2].Index)
	assert.Equal(t, 3500*time.Millisecond, pl.Segments[2].Duration)
	assert.Equal(t, 11500*time.Millisecond, pl.TotalDuration())
	assert.Equal(t, int64(100), pl.FirstIndex())
	assert.Equal(t, int64(102), pl.LastIndex())
	assert.Equal(t, "seg102.ts", pl.Last().URI)

	seg, ok := pl.Segment(101)
	require.True(t, ok)
	assert.Equal(t, "seg101.ts", seg.URI)
	_, ok = pl.Segment(99)
	assert.False(t, ok)
	_, ok = pl.Segment(103)
	assert.False(t, ok)
}

func TestParse_Rejects(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"no segments", "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:1\n"},
		{"invalid duration", "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:-1.0,\nseg.ts\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := hls.Parse(strings.NewReader(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParse_MasterPlaylist(t *testing.T) {
	_, err := hls.Parse(strings.NewReader(masterPlaylist))
	require.Error(t, err)
	assert.NotErrorIs(t, err, hls.ErrNoSegments)

	var master *hls.MasterPlaylistError
	require.ErrorAs(t, err, &master)
	assert.Equal(t, []hls.Variant{
		{URI: "low/index.m3u8", Bandwidth: 1280000},
		{URI: "high/index.m3u8", Bandwidth: 5000000},
	}, master.Variants)
}

func TestPlaylist_Newer(t *testing.T) {
	old := &hls.Playlist{Sequence: 10}
	assert.True(t, (&hls.Playlist{Sequence: 11}).Newer(old))
	assert.False(t, (&hls.Playlist{Sequence: 10}).Newer(old))
	assert.False(t, (&hls.Playlist{Sequence: 9}).Newer(old))
	assert.True(t, (&hls.Playlist{Sequence: 0}).Newer(nil))
}

func TestResolveURL(t *testing.T) {
	testCases := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{"relative file", "https://cdn.example.com/live/index.m3u8", "seg1.ts", "https://cdn.example.com/live/seg1.ts"},
		{"relative dir", "https://cdn.example.com/live/index.m3u8", "../vod/seg1.ts", "https://cdn.example.com/vod/seg1.ts"},
		{"absolute path", "https://cdn.example.com/live/index.m3u8", "/other/seg1.ts", "https://cdn.example.com/other/seg1.ts"},
		{"absolute url", "https://cdn.example.com/live/index.m3u8", "https://edge.example.net/s.ts", "https://edge.example.net/s.ts"},
		{"query kept", "https://cdn.example.com/live/index.m3u8?token=1", "seg1.ts?token=2", "https://cdn.example.com/live/seg1.ts?token=2"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := hls.ResolveURL(tc.base, tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func newPool(t *testing.T) *resource.Pool {
	t.Helper()
	p, err := resource.New(resource.Options{
		Workers:         1,
		SegmentBufSize:  64,
		SegmentBufLimit: 1,
		AudioBufSize:    1,
		AudioBufLimit:   1,
		UserAgent:       "hlswall-test",
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(time.Second) })
	return p
}

func newClient(pool *resource.Pool) *hls.Client {
	return hls.NewClient(pool, logger.Nop(), hls.ClientOptions{
		PlaylistTimeout: time.Second,
		SegmentTimeout:  time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
	})
}

func TestClient_FetchPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(livePlaylist))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient(newPool(t))

	t.Run("ok", func(t *testing.T) {
		pl, err := c.FetchPlaylist(context.Background(), srv.URL+"/live/index.m3u8")
		require.NoError(t, err)
		assert.Len(t, pl.Segments, 3)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.FetchPlaylist(context.Background(), srv.URL+"/missing.m3u8")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})
}

func TestClient_FetchPlaylistFollowsVariant(t *testing.T) {
	var masterHits, variantHits atomic.Int32
	var variantDown atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		masterHits.Add(1)
		w.Write([]byte(masterPlaylist))
	})
	mux.HandleFunc("GET /live/low/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		variantHits.Add(1)
		if variantDown.Load() {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Write([]byte(livePlaylist))
	})
	mux.HandleFunc("GET /live/empty.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-INDEPENDENT-SEGMENTS\n#EXT-X-STREAM-INF:BANDWIDTH=1\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient(newPool(t))
	locator := srv.URL + "/live/master.m3u8"

	pl, err := c.FetchPlaylist(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pl.Sequence)
	assert.Equal(t, srv.URL+"/live/low/seg100.ts", pl.Segments[0].URI)

	// The chosen variant is refreshed directly.
	_, err = c.FetchPlaylist(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, int32(1), masterHits.Load())
	assert.Equal(t, int32(2), variantHits.Load())

	// A failing variant sends the next refresh back to the master playlist.
	variantDown.Store(true)
	_, err = c.FetchPlaylist(context.Background(), locator)
	require.Error(t, err)
	variantDown.Store(false)
	_, err = c.FetchPlaylist(context.Background(), locator)
	require.NoError(t, err)
	assert.Equal(t, int32(2), masterHits.Load())

	_, err = c.FetchPlaylist(context.Background(), srv.URL+"/live/empty.m3u8")
	assert.Error(t, err)
}

func TestClient_FetchSegmentRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	pool := newPool(t)
	c := newClient(pool)

	buf, err := c.FetchSegment(context.Background(), srv.URL+"/seg.ts", pool)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(buf.Bytes()))
	assert.Equal(t, int32(3), hits.Load())
	pool.ReleaseSegment(buf)
	assert.Equal(t, 1, pool.Stats().SegmentFree)
}

func TestClient_FetchSegmentFailureReleasesBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pool := newPool(t)
	c := newClient(pool)

	_, err := c.FetchSegment(context.Background(), srv.URL+"/seg.ts", pool)
	require.Error(t, err)
	assert.Equal(t, 1, pool.Stats().SegmentFree)
}

func TestClient_FetchSegmentTooLarge(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 65)))
	}))
	defer srv.Close()

	pool := newPool(t)
	c := newClient(pool)

	_, err := c.FetchSegment(context.Background(), srv.URL+"/seg.ts", pool)
	assert.ErrorIs(t, err, resource.ErrBufferFull)
	assert.Equal(t, int32(1), hits.Load(), "oversized segments are not retried")
}
