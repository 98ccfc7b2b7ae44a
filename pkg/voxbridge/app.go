package voxbridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/pkg/ari"
	"github.com/voxbridge/voxbridge/pkg/configutil"
	"github.com/voxbridge/voxbridge/pkg/lifecycle"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/redact"
	"github.com/voxbridge/voxbridge/pkg/resilience"
	"github.com/voxbridge/voxbridge/pkg/sink"
	"github.com/voxbridge/voxbridge/pkg/transcribe"
)

// App assembles and supervises the whole capture service: control-plane
// client, UDP ingest, call lifecycle, and the per-call pipelines.
type App struct {
	cfg Config
	log *slog.Logger

	control   *ari.Client
	registry  *media.PortRegistry
	router    *media.Router
	manager   *lifecycle.Manager
	pipelines *capturePipeline
	results   sink.ResultSink
	obs       *metrics.AsyncObserver
}

func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	log := logging.NewComponentLogger(logger, "app")
	obs := metrics.NewAsyncObserver(metrics.NewSlogObserver(logger), 256)

	results, err := sink.New(cfg.Sink.Provider, cfg.Sink.Settings, logger)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	factory, err := newUpstreamFactory(cfg.Upstream, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	registry := media.NewPortRegistry(logger)
	router := media.NewRouter(media.RouterConfig{
		Host:       cfg.Media.Host,
		Port:       cfg.Media.Port,
		HeaderSize: cfg.Media.HeaderSize,
		Swap16:     cfg.Media.Swap16,
	}, registry, logger, obs)

	control := ari.NewClient(ari.ClientConfig{
		URL:          cfg.Control.URL,
		Application:  cfg.Control.Application,
		Username:     cfg.Control.Username,
		Password:     cfg.Control.Password,
		MediaFormat:  cfg.Control.MediaFormat,
		ExternalHost: cfg.Control.ExternalHost,
	}, logger)

	pipelines := newCapturePipeline(cfg.Stream, factory, results, obs, redact.New(cfg.Privacy.RedactPII), logger)

	manager := lifecycle.NewManager(lifecycle.ManagerConfig{
		QueueDepth: cfg.Calls.QueueDepth,
		SwapPolicy: media.SwapPolicy(cfg.Calls.SwapPolicy),
	}, control, registry, pipelines, obs, logger)

	return &App{
		cfg:       cfg,
		log:       log,
		control:   control,
		registry:  registry,
		router:    router,
		manager:   manager,
		pipelines: pipelines,
		results:   results,
		obs:       obs,
	}, nil
}

// Run starts the ingest socket and the control-plane event stream, then
// blocks until ctx is cancelled or a fatal component error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.router.Start(ctx); err != nil {
		return err
	}
	a.log.Info("media ingest listening",
		"host", a.cfg.Media.Host,
		"port", a.cfg.Media.Port)

	events, err := a.control.StreamEvents(ctx, resilience.BackoffConfig{
		Base:       time.Duration(a.cfg.Control.Reconnect.BaseMs) * time.Millisecond,
		Multiplier: a.cfg.Control.Reconnect.Multiplier,
		Max:        time.Duration(a.cfg.Control.Reconnect.MaxMs) * time.Millisecond,
		Jitter:     a.cfg.Control.Reconnect.Jitter,
	})
	if err != nil {
		return err
	}
	a.log.Info("control plane connected",
		"url", a.cfg.Control.URL,
		"application", a.cfg.Control.Application)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return <-a.router.Done() })
	g.Go(func() error { return a.manager.Run(ctx, events) })
	return g.Wait()
}

// Drain waits for active call pipelines to publish their aggregates, then
// releases the sink and the metrics pipeline. Used at shutdown.
func (a *App) Drain() error {
	a.pipelines.Wait()
	err := a.results.Close()
	a.obs.Close()
	return err
}

func newUpstreamFactory(cfg VendorConfig, logger *slog.Logger) (transcribe.TranscriberFactory, error) {
	switch cfg.Provider {
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "utterance_end_ms", "interim", "punctuate"},
		}); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var dc transcribe.DeepgramConfig
		if err := configutil.DecodeSettings(cfg.Settings, &dc); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		return transcribe.NewDeepgramFactory(dc, logger)
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Provider)
	}
}
