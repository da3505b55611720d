package hls

import (
	"context"
	"errors"
	"fmt"
	"hlswall/internal/logger"
	"hlswall/internal/resource"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Doer sends HTTP requests. *resource.Pool satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SegmentBuffers hands out pooled segment buffers. *resource.Pool satisfies it.
type SegmentBuffers interface {
	AcquireSegment() (*resource.SegmentBuffer, error)
	ReleaseSegment(b *resource.SegmentBuffer)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	PlaylistTimeout time.Duration
	SegmentTimeout  time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
}

// ErrNoVariants is returned for master playlists that list no playable
// rendition.
var ErrNoVariants = errors.New("hls: master playlist has no variants")

// Client fetches live playlists and their segments from the origin server.
type Client struct {
	http   Doer
	logger logger.Logger
	opts   ClientOptions
	// variants maps master playlist locators to the media playlist followed.
	variants *xsync.MapOf[string, string]
}

// NewClient creates a new HLS client.
func NewClient(doer Doer, log logger.Logger, opts ClientOptions) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Client{http: doer, logger: log, opts: opts, variants: xsync.NewMapOf[string, string]()}
}

// FetchPlaylist fetches the media playlist at locator and parses it. Master
// playlists are followed to their first variant, which is remembered for the
// next refresh. Segment URIs of a followed variant are made absolute.
func (c *Client) FetchPlaylist(ctx context.Context, locator string) (*Playlist, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PlaylistTimeout)
	defer cancel()

	if variant, found := c.variants.Load(locator); found {
		pl, err := c.fetchVariant(ctx, variant)
		if err != nil {
			c.variants.Delete(locator)
		}
		return pl, err
	}

	pl, err := c.fetchPlaylist(ctx, locator)
	var master *MasterPlaylistError
	if !errors.As(err, &master) {
		return pl, err
	}
	if len(master.Variants) == 0 {
		return nil, fmt.Errorf("playlist %s: %w", locator, ErrNoVariants)
	}
	variant, err := ResolveURL(locator, master.Variants[0].URI)
	if err != nil {
		return nil, err
	}
	c.logger.Infof("Playlist %s lists %d variants, following %s", locator, len(master.Variants), variant)

	pl, err = c.fetchVariant(ctx, variant)
	if err != nil {
		return nil, err
	}
	c.variants.Store(locator, variant)
	return pl, nil
}

func (c *Client) fetchVariant(ctx context.Context, variant string) (*Playlist, error) {
	pl, err := c.fetchPlaylist(ctx, variant)
	if err != nil {
		return nil, err
	}
	for i := range pl.Segments {
		uri, err := ResolveURL(variant, pl.Segments[i].URI)
		if err != nil {
			return nil, err
		}
		pl.Segments[i].URI = uri
	}
	return pl, nil
}

func (c *Client) fetchPlaylist(ctx context.Context, locator string) (*Playlist, error) {
	c.logger.Debugf("Fetching playlist from URL: %s", locator)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create new request for playlist: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist from %s: %w", locator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: received status code %d from %s", resp.StatusCode, locator)
	}

	pl, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("playlist %s: %w", locator, err)
	}
	c.logger.Debugf("Fetched playlist %s: sequence %d, %d segments", locator, pl.Sequence, len(pl.Segments))
	return pl, nil
}

// FetchSegment downloads the segment at uri into a pooled buffer, retrying
// transient failures. The caller owns the returned buffer.
func (c *Client) FetchSegment(ctx context.Context, uri string, buffers SegmentBuffers) (*resource.SegmentBuffer, error) {
	buf, err := buffers.AcquireSegment()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				buffers.ReleaseSegment(buf)
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}

		buf.Reset()
		lastErr = c.fetchOnce(ctx, uri, buf, attempt)
		if lastErr == nil {
			c.logger.Debugf("Downloaded segment %s (%d bytes)", uri, buf.Len())
			return buf, nil
		}
		if ctx.Err() != nil || errors.Is(lastErr, resource.ErrBufferFull) {
			break
		}
		c.logger.Warnf("%v", lastErr)
	}

	buffers.ReleaseSegment(buf)
	return nil, fmt.Errorf("failed to download segment %s: %w", uri, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, uri string, buf *resource.SegmentBuffer, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SegmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for segment %s: %w", uri, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download attempt %d failed for segment %s: %w", attempt, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("download attempt %d for segment %s received non-200 status: %d", attempt, uri, resp.StatusCode)
	}

	if _, err := buf.ReadFrom(resp.Body); err != nil {
		if errors.Is(err, resource.ErrBufferFull) {
			return err
		}
		return fmt.Errorf("download attempt %d for segment %s failed while reading body: %w", attempt, uri, err)
	}
	return nil
}

// ResolveURL resolves ref against the playlist locator base.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL '%s': %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse path '%s': %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
