package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/prometheus/client_golang/prometheus"

	"sustainbench-ee/internal/config"
	"sustainbench-ee/internal/earthengine"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/observability"
	"sustainbench-ee/internal/offline"
	"sustainbench-ee/internal/ratelimit"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App holds the process-wide services shared by every command
type App struct {
	settings *config.UserSettings
	log      logging.Logger

	mu       sync.Mutex
	backend  export.Backend
	executor *offline.Executor // set when the offline backend is active
	store    *export.Store

	metrics         *observability.ExportCollector
	metricsServer   *http.Server
	shutdownTracing func(context.Context) error

	phClient   posthog.Client
	distinctID string
}

// NewApp creates a new App
func NewApp(ctx context.Context, settings *config.UserSettings, log logging.Logger) (*App, error) {
	metrics, err := observability.NewExportCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize PostHog
	var phClient posthog.Client
	key := PostHogKey
	if settings.PostHogKey != "" {
		key = settings.PostHogKey
	}
	if key != "" {
		phConfig := posthog.Config{
			Endpoint: PostHogHost,
		}
		client, err := posthog.NewWithConfig(key, phConfig)
		if err != nil {
			log.Warn(ctx, "failed to initialize PostHog", logging.Err(err))
		} else {
			phClient = client
		}
	}

	return &App{
		settings:        settings,
		log:             log,
		metrics:         metrics,
		shutdownTracing: shutdownTracing,
		phClient:        phClient,
		distinctID:      uuid.NewString(),
	}, nil
}

// Backend returns the configured export backend, creating it on first use
func (a *App) Backend(ctx context.Context) (export.Backend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend != nil {
		return a.backend, nil
	}

	switch a.settings.Backend {
	case config.BackendOffline:
		cat, err := offline.LoadCatalog(a.settings.CatalogDir)
		if err != nil {
			return nil, err
		}
		a.executor = offline.NewExecutor(cat, a.settings.OutputDir, a.log)
		a.backend = a.executor
		a.log.Info(ctx, "offline backend ready",
			logging.String("catalog", a.settings.CatalogDir),
			logging.String("output", a.settings.OutputDir),
		)
	case config.BackendEarthEngine:
		limiter := ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), a.log)
		limiter.SetOnRecovered(func(path string) {
			a.log.Info(ctx, "earth engine rate limit lifted", logging.String("path", path))
		})
		client, err := earthengine.NewClient(ctx, a.settings.Project,
			earthengine.WithLogger(a.log),
			earthengine.WithRateLimit(limiter),
		)
		if err != nil {
			return nil, err
		}
		a.backend = client
	default:
		return nil, fmt.Errorf("unknown backend %q", a.settings.Backend)
	}
	return a.backend, nil
}

// Store opens the persistent task store
func (a *App) Store() (*export.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	s, err := export.OpenStore(a.settings.StateDir, a.log)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *App) exportOptions(store *export.Store) []export.Option {
	return []export.Option{
		export.WithStore(store),
		export.WithMetrics(a.metrics),
		export.WithLogger(a.log),
	}
}

// Exporter builds an exporter that tracks export_started events
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	backend, err := a.Backend(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	opts := append(a.exportOptions(store), export.WithOnStarted(func(t *export.ExportTask) {
		a.TrackEvent("export_started", map[string]interface{}{
			"target":  string(t.Target),
			"backend": a.settings.Backend,
		})
	}))
	return export.NewExporter(backend, opts...), nil
}

// Waiter builds a waiter that reports progress and tracks export_finished
func (a *App) Waiter(ctx context.Context, progress export.ProgressSink) (*export.Waiter, error) {
	backend, err := a.Backend(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	retry := ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), a.log)
	retry.SetOnLimit(func(e ratelimit.Event) {
		a.log.Warn(ctx, "status check failed, backing off",
			logging.String("task", e.Key),
			logging.Int("attempt", e.RetryAttempt),
			logging.String("next_retry", e.NextRetryAt.Format(time.RFC3339)),
		)
	})
	opts := append(a.exportOptions(store),
		export.WithProgress(progress),
		export.WithOnReport(func(r export.Report) {
			a.TrackEvent("export_finished", map[string]interface{}{
				"state":           string(r.State),
				"elapsed_minutes": r.ElapsedMinutes,
				"backend":         a.settings.Backend,
			})
		}),
	)
	w := export.NewWaiter(backend, retry, opts...)
	w.PollInterval = time.Duration(a.settings.PollIntervalSeconds) * time.Second
	w.MaxConcurrent = int64(a.settings.MaxConcurrentChecks)
	if a.settings.Backend == config.BackendOffline {
		// Offline exports finish in process; there is nothing to wait for.
		w.PollInterval = 100 * time.Millisecond
	}
	return w, nil
}

// ServeMetrics exposes /metrics on addr until Shutdown
func (a *App) ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(ctx, "metrics server failed", logging.Err(err))
		}
	}()
	a.log.Info(ctx, "serving metrics", logging.String("addr", addr))
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient == nil {
		return
	}
	if props == nil {
		props = map[string]interface{}{}
	}
	props["version"] = AppVersion
	props["os"] = goruntime.GOOS
	props["arch"] = goruntime.GOARCH
	a.phClient.Enqueue(posthog.Capture{
		DistinctId: a.distinctID,
		Event:      event,
		Properties: props,
	})
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	if a.executor != nil {
		a.executor.Wait()
	}
	if a.metricsServer != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.metricsServer.Shutdown(sctx)
		cancel()
	}
	observability.ShutdownWithTimeout(ctx, a.shutdownTracing, a.log)
	if a.phClient != nil {
		a.phClient.Close()
	}
	_ = a.log.Sync()
}
