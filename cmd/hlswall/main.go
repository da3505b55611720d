package main

import (
	"context"
	"errors"
	"flag"
	"hlswall/internal/api"
	"hlswall/internal/config"
	"hlswall/internal/decode/ffmpeg"
	"hlswall/internal/hls"
	"hlswall/internal/logger"
	"hlswall/internal/observe"
	"hlswall/internal/resource"
	"hlswall/internal/session"
	"hlswall/internal/sink"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Parse command-line arguments
	listenAddr := flag.String("l", "", "HTTP listen address (overrides server.listen)")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug)")
	configFile := flag.String("c", "", "Path to the YAML config file")
	flag.Parse()

	// 2. Load configuration
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			logger.NewLogger("error").Errorf("Failed to load configuration: %v", err)
			os.Exit(1)
		}
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}

	// 3. Initialize logger
	log := logger.NewLogger(cfg.Server.LogLevel)
	log.Infof("Starting HLS wall...")
	log.Infof("Log level set to: %s", cfg.Server.LogLevel)
	log.Infof("Configuration loaded with %d displays", len(cfg.Displays))

	if err := run(cfg, log); err != nil {
		log.Errorf("Exited with error: %v", err)
		os.Exit(1)
	}
	log.Infof("Exited gracefully")
}

func run(cfg *config.Config, log logger.Logger) error {
	// 4. Initialize shared resources and metrics
	pool, err := resource.New(resource.Options{
		Workers:         cfg.Resources.Workers,
		SegmentBufSize:  cfg.Resources.SegmentBufSize,
		SegmentBufLimit: cfg.Resources.SegmentBufLimit,
		AudioBufSize:    cfg.Resources.AudioBufSize,
		AudioBufLimit:   cfg.Resources.AudioBufLimit,
		RequestsPerSec:  cfg.Resources.RequestsPerSec,
		UserAgent:       cfg.Resources.UserAgent,
		HeaderTimeout:   cfg.Resources.HeaderTimeout,
	}, log.With("component", "pool"))
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(5 * time.Second); err != nil {
			log.Warnf("Worker pool did not drain: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mp, err := observe.NewPrometheusProvider(reg)
	if err != nil {
		return err
	}
	defer mp.Shutdown(context.Background())
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return err
	}
	if err := observe.RegisterPoolStats(mp, pool.Stats); err != nil {
		return err
	}

	// 5. Initialize collaborators and the session manager
	client := hls.NewClient(pool, log.With("component", "hls"), hls.ClientOptions{
		PlaylistTimeout: cfg.Stream.PlaylistTimeout,
		SegmentTimeout:  cfg.Stream.SegmentTimeout,
		MaxRetries:      cfg.Stream.SegmentFetchAttempts,
		RetryDelay:      cfg.Stream.SegmentFetchRetryDelay,
	})
	decoders := ffmpeg.NewFactory(ffmpeg.Options{
		Path:       cfg.Decoder.FFmpegPath,
		Width:      cfg.Decoder.Width,
		Height:     cfg.Decoder.Height,
		FrameRate:  cfg.Decoder.FrameRate,
		SampleRate: cfg.Decoder.SampleRate,
	}, log.With("component", "ffmpeg"))
	output := sink.New(log.With("component", "sink"))

	mgr := session.NewManager(session.ManagerOptions{
		Manager: cfg.Manager,
		Stream:  cfg.Stream,
		Image: session.ImageOptions{
			RetryInterval: cfg.Stream.ImageRetryInterval,
			MaxWidth:      cfg.Decoder.Width,
			MaxHeight:     cfg.Decoder.Height,
		},
	}, session.Deps{
		Resources: pool,
		Fetcher:   client,
		Decoders:  decoders,
		Output:    output,
		Metrics:   metrics,
		Logger:    log,
	})

	// 6. Set up the status API
	router := api.New(mgr, output, pool.Stats, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.With("component", "api"))
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 7. Run the driver and the server until a shutdown signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		drive(ctx, cfg, mgr, log)
		return nil
	})

	g.Go(func() error {
		log.Infof("Server starting on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Infof("Server is shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// drive ticks the manager until ctx is done. It is the only goroutine that
// touches sessions.
func drive(ctx context.Context, cfg *config.Config, mgr *session.Manager, log logger.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Driver.TickRate))
	defer ticker.Stop()

	failing := make([]bool, len(cfg.Displays))
	for {
		select {
		case <-ctx.Done():
			n := mgr.Cleanup(time.Time{})
			log.Infof("Driver stopped, closed %d sessions", n)
			return
		case now := <-ticker.C:
			for i, d := range cfg.Displays {
				_, err := mgr.GetSized(d.Locator, d.Width, d.Height, now)
				if err != nil && !failing[i] {
					log.Warnf("Display %s (%s) has no session: %v", d.Name, d.Locator, err)
				}
				failing[i] = err != nil
			}
			mgr.Tick(now)
		}
	}
}
