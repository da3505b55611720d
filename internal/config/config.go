package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the fully processed application configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Driver    Driver    `yaml:"driver"`
	Resources Resources `yaml:"resources"`
	Stream    Stream    `yaml:"stream"`
	Manager   Manager   `yaml:"manager"`
	Decoder   Decoder   `yaml:"decoder"`
	// Displays lists the locators kept alive by the daemon. Each one is looked
	// up on every tick, the way a visible screen would.
	Displays []Display `yaml:"displays"`
}

// Server configures the status HTTP server.
type Server struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

// Driver configures the single goroutine that ticks the session manager.
type Driver struct {
	TickRate int `yaml:"tick_rate"`
}

// Resources configures the shared worker pool, HTTP client and buffer free-lists.
type Resources struct {
	Workers         int           `yaml:"workers"`
	SegmentBufSize  int           `yaml:"segment_buffer_size"`
	SegmentBufLimit int           `yaml:"segment_buffer_limit"`
	AudioBufSize    int           `yaml:"audio_buffer_samples"`
	AudioBufLimit   int           `yaml:"audio_buffer_limit"`
	RequestsPerSec  int           `yaml:"requests_per_second"`
	UserAgent       string        `yaml:"user_agent"`
	HeaderTimeout   time.Duration `yaml:"header_timeout"`
}

// Stream configures every video stream session.
type Stream struct {
	SafeLatency            time.Duration `yaml:"safe_latency"`
	RefreshFactor          float64       `yaml:"refresh_factor"`
	InitialInterval        time.Duration `yaml:"initial_interval"`
	FailingInterval        time.Duration `yaml:"failing_interval"`
	PlaylistTimeout        time.Duration `yaml:"playlist_timeout"`
	SegmentTimeout         time.Duration `yaml:"segment_timeout"`
	SourceTimeout          time.Duration `yaml:"source_timeout"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	ImageRetryInterval     time.Duration `yaml:"image_retry_interval"`
	SegmentFetchAttempts   int           `yaml:"segment_fetch_attempts"`
	SegmentFetchRetryDelay time.Duration `yaml:"segment_fetch_retry_delay"`
}

// Manager configures the cost-bounded session cache.
type Manager struct {
	CostBudget      int           `yaml:"cost_budget"`
	VideoCost       int           `yaml:"video_cost"`
	ImageCost       int           `yaml:"image_cost"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Decoder configures the ffmpeg decode collaborator.
type Decoder struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FrameRate  int    `yaml:"frame_rate"`
	SampleRate int    `yaml:"sample_rate"`
}

// Display is a single locator kept alive by the daemon.
type Display struct {
	Name    string `yaml:"name"`
	Locator string `yaml:"locator"`
	// Width and Height are the render size requested for vector images.
	// Zero falls back to the decoder size.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Default returns the configuration used when a field is left empty.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:   ":8080",
			LogLevel: "info",
		},
		Driver: Driver{TickRate: 30},
		Resources: Resources{
			Workers:         2,
			SegmentBufSize:  1 << 23,
			SegmentBufLimit: 16,
			AudioBufSize:    4096,
			AudioBufLimit:   1024,
			UserAgent:       "hlswall/1.0",
			HeaderTimeout:   3 * time.Second,
		},
		Stream: Stream{
			SafeLatency:            8 * time.Second,
			RefreshFactor:          0.7,
			InitialInterval:        500 * time.Millisecond,
			FailingInterval:        5 * time.Second,
			PlaylistTimeout:        5 * time.Second,
			SegmentTimeout:         5 * time.Second,
			SourceTimeout:          10 * time.Second,
			CleanupInterval:        10 * time.Second,
			ImageRetryInterval:     30 * time.Second,
			SegmentFetchAttempts:   3,
			SegmentFetchRetryDelay: 100 * time.Millisecond,
		},
		Manager: Manager{
			CostBudget:      20 * 30,
			VideoCost:       30,
			ImageCost:       1,
			IdleTimeout:     15 * time.Second,
			CleanupInterval: 5 * time.Second,
		},
		Decoder: Decoder{
			FFmpegPath: "ffmpeg",
			Width:      640,
			Height:     360,
			FrameRate:  30,
			SampleRate: 48000,
		},
	}
}

// LoadConfig reads and parses the configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file at %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML document on top of the defaults and validates it.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Driver.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("driver.tick_rate must be positive, got %d", cfg.Driver.TickRate))
	}

	r := cfg.Resources
	if r.Workers <= 0 {
		errs = append(errs, fmt.Errorf("resources.workers must be positive, got %d", r.Workers))
	}
	if r.SegmentBufSize <= 0 || r.SegmentBufLimit <= 0 {
		errs = append(errs, errors.New("resources.segment_buffer_size and segment_buffer_limit must be positive"))
	}
	if r.AudioBufSize <= 0 || r.AudioBufLimit <= 0 {
		errs = append(errs, errors.New("resources.audio_buffer_samples and audio_buffer_limit must be positive"))
	}
	if r.RequestsPerSec < 0 {
		errs = append(errs, fmt.Errorf("resources.requests_per_second must not be negative, got %d", r.RequestsPerSec))
	}

	s := cfg.Stream
	if s.SafeLatency <= 0 {
		errs = append(errs, fmt.Errorf("stream.safe_latency must be positive, got %s", s.SafeLatency))
	}
	if s.RefreshFactor <= 0 || s.RefreshFactor > 1 {
		errs = append(errs, fmt.Errorf("stream.refresh_factor must be in (0, 1], got %g", s.RefreshFactor))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"initial_interval", s.InitialInterval},
		{"failing_interval", s.FailingInterval},
		{"playlist_timeout", s.PlaylistTimeout},
		{"segment_timeout", s.SegmentTimeout},
		{"source_timeout", s.SourceTimeout},
		{"cleanup_interval", s.CleanupInterval},
		{"image_retry_interval", s.ImageRetryInterval},
	} {
		if f.d <= 0 {
			errs = append(errs, fmt.Errorf("stream.%s must be positive, got %s", f.name, f.d))
		}
	}
	if s.SegmentFetchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("stream.segment_fetch_attempts must be positive, got %d", s.SegmentFetchAttempts))
	}

	m := cfg.Manager
	if m.VideoCost <= 0 || m.ImageCost <= 0 {
		errs = append(errs, errors.New("manager.video_cost and image_cost must be positive"))
	}
	if m.CostBudget < m.VideoCost {
		errs = append(errs, fmt.Errorf("manager.cost_budget %d cannot hold a single video session of cost %d", m.CostBudget, m.VideoCost))
	}
	if m.IdleTimeout <= 0 || m.CleanupInterval <= 0 {
		errs = append(errs, errors.New("manager.idle_timeout and cleanup_interval must be positive"))
	}

	d := cfg.Decoder
	if d.Width <= 0 || d.Height <= 0 || d.FrameRate <= 0 || d.SampleRate <= 0 {
		errs = append(errs, errors.New("decoder.width, height, frame_rate and sample_rate must be positive"))
	}

	type displayKey struct {
		locator       string
		width, height int
	}
	seen := make(map[displayKey]bool, len(cfg.Displays))
	for i, disp := range cfg.Displays {
		if disp.Locator == "" {
			errs = append(errs, fmt.Errorf("displays[%d].locator is required", i))
			continue
		}
		if disp.Width < 0 || disp.Height < 0 {
			errs = append(errs, fmt.Errorf("displays[%d] size must not be negative, got %dx%d", i, disp.Width, disp.Height))
		}
		key := displayKey{disp.Locator, disp.Width, disp.Height}
		if seen[key] {
			errs = append(errs, fmt.Errorf("displays[%d].locator %q is duplicated", i, disp.Locator))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}
