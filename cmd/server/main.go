// Package main implements the runs-queue server that hands test buckets to workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shavakan/runs-queue/internal/handler"
	"github.com/Shavakan/runs-queue/pkg/admin"
	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/config"
	"github.com/Shavakan/runs-queue/pkg/events"
	"github.com/Shavakan/runs-queue/pkg/history"
	"github.com/Shavakan/runs-queue/pkg/housekeeping"
	"github.com/Shavakan/runs-queue/pkg/logging"
	"github.com/Shavakan/runs-queue/pkg/metrics"
	"github.com/Shavakan/runs-queue/pkg/tracing"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var serverLog = logging.WithComponent(logging.LogTypeServer, "main")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logging.Init(os.Getenv("RUNS_QUEUE_LOG_LEVEL"))
		serverLog.Error("failed to load config", slog.String(logging.KeyError, err.Error()))
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		serverLog.Error("server failed", slog.String(logging.KeyError, err.Error()))
		os.Exit(1)
	}
	serverLog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	serverLog.Info("starting runs-queue server", slog.String(logging.KeyAddr, cfg.ListenAddr))

	tp, err := tracing.Init(ctx, tracing.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownWithTimeout("tracing", tp.Shutdown)

	valkeyClient, err := initValkey(ctx, cfg)
	if err != nil {
		return err
	}
	if valkeyClient != nil {
		defer closeQuietly("valkey", valkeyClient.Close)
	}

	storage, closeStorage, err := initHistoryStorage(cfg, valkeyClient)
	if err != nil {
		return err
	}
	defer closeQuietly("history", closeStorage)

	// The emitter shares valkeyClient and is not closed on its own.
	emitter := initEvents(cfg, valkeyClient)

	publisher, prometheusHandler := initMetrics(cfg)
	defer closeQuietly("metrics", publisher.Close)

	clk := clock.RealClock{}
	tracker := aliveness.NewTracker(aliveness.Config{
		MaxSilence:   cfg.MaxSilence(),
		KnownWorkers: cfg.Workers.KnownWorkerIDs(),
	}, clk)
	denylist := balancing.NewDenylist()
	seedWorkers(cfg.Workers, tracker, denylist)

	queue := balancing.New(balancing.Config{CheckAgainLater: cfg.CheckAgainLater}, balancing.Deps{
		Storage:     storage,
		Aliveness:   tracker,
		Permissions: denylist,
		Metrics:     publisher,
		Events:      emitter,
		Tracer:      tracing.NewQueueTracer(),
		Clock:       clk,
	})

	scheduler := housekeeping.NewScheduler(
		housekeeping.NewTasks(queue, tracker, publisher),
		housekeeping.SchedulerConfig{
			StuckBucketsInterval: cfg.StuckSweepInterval,
			QueueStateInterval:   cfg.StateMetricsInterval,
		},
		clk,
	)
	scheduler.SetMetrics(publisher)

	mux := http.NewServeMux()
	handler.NewWorkerHandler(queue, tracker, denylist, handler.Config{
		ReportAliveInterval: cfg.ReportAliveInterval,
		NumberOfRetries:     cfg.NumberOfRetries,
	}).RegisterRoutes(mux)
	admin.NewHandler(queue, tracker, emitter, cfg.AdminSecret).RegisterRoutes(mux)
	registerProcessRoutes(mux, cfg, valkeyPing(valkeyClient), prometheusHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           tracing.NewHTTPMiddleware().Wrap(mux),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ReadTimeout:       config.RequestTimeout,
		WriteTimeout:      config.RequestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	_ = publisher.PublishServiceCheck(ctx, "runs_queue.server", metrics.ServiceCheckOK, "started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		serverLog.Info("server listening", slog.String(logging.KeyAddr, server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		serverLog.Info("shutdown signal received, gracefully stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func initValkey(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.ValkeyAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.ValkeyAddr,
		Password: cfg.ValkeyPassword,
		DB:       cfg.ValkeyDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, config.ShortTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.ValkeyAddr, err)
	}
	serverLog.Info("connected to valkey", slog.String(logging.KeyAddr, cfg.ValkeyAddr))
	return client, nil
}

// initHistoryStorage returns the configured test history storage and its
// closer. Valkey-backed history shares the server's client, which the caller
// closes.
func initHistoryStorage(cfg *config.Config, client *redis.Client) (history.Storage, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.HistoryBackend {
	case config.HistoryBackendValkey:
		if client == nil {
			return nil, nil, errors.New("valkey history backend requires a valkey client")
		}
		serverLog.Info("using valkey history storage", slog.String(logging.KeyBackend, cfg.HistoryBackend))
		return history.NewValkeyStorageWithClient(client, cfg.KeyPrefix, cfg.HistoryTTL), noClose, nil
	case config.HistoryBackendBadger:
		s, err := history.NewBadgerStorage(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		serverLog.Info("using badger history storage",
			slog.String(logging.KeyBackend, cfg.HistoryBackend),
			slog.String("path", cfg.BadgerPath))
		return s, s.Close, nil
	case config.HistoryBackendMemory, "":
		serverLog.Info("using in-memory history storage", slog.String(logging.KeyBackend, config.HistoryBackendMemory))
		return history.NewMemoryStorage(), noClose, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

func initEvents(cfg *config.Config, client *redis.Client) events.Emitter {
	if !cfg.EventsEnabled || client == nil {
		serverLog.Info("queue events disabled")
		return events.NoopEmitter{}
	}
	stream := cfg.KeyPrefix + "events"
	serverLog.Info("queue events enabled", slog.String(logging.KeyStream, stream))
	return events.NewValkeyEmitterWithClient(client, stream, cfg.EventsMaxLen)
}

func initMetrics(cfg *config.Config) (metrics.Publisher, http.Handler) {
	var publishers []metrics.Publisher
	var prometheusHandler http.Handler

	if cfg.PrometheusEnabled {
		prom := metrics.NewPrometheusPublisher(metrics.PrometheusConfig{Namespace: cfg.MetricsNamespace})
		publishers = append(publishers, prom)
		prometheusHandler = prom.Handler()
		serverLog.Info("prometheus metrics enabled", slog.String("path", cfg.PrometheusPath))
	}

	if cfg.DatadogEnabled {
		dd, err := metrics.NewDatadogPublisher(metrics.DatadogConfig{
			Address:   cfg.DatadogAddr,
			Namespace: cfg.MetricsNamespace,
			Tags:      cfg.DatadogTags,
		})
		if err != nil {
			serverLog.Warn("failed to create datadog publisher, continuing without datadog",
				slog.String(logging.KeyError, err.Error()))
		} else {
			publishers = append(publishers, dd)
			serverLog.Info("datadog metrics enabled", slog.String(logging.KeyAddr, cfg.DatadogAddr))
		}
	}

	switch len(publishers) {
	case 0:
		serverLog.Info("no metrics backends enabled")
		return metrics.NoopPublisher{}, nil
	case 1:
		return publishers[0], prometheusHandler
	default:
		return metrics.NewMultiPublisher(publishers...), prometheusHandler
	}
}

// seedWorkers applies the workers file to the aliveness tracker and denylist.
func seedWorkers(wf *config.WorkersFile, tracker *aliveness.Tracker, denylist *balancing.Denylist) {
	if wf == nil {
		return
	}
	for _, id := range wf.DisabledWorkerIDs() {
		tracker.DisableWorker(id)
	}
	for _, entry := range wf.Denylist {
		if len(entry.JobGroups) == 0 {
			denylist.DenyAll(entry.Worker)
			continue
		}
		denylist.DenyGroups(entry.Worker, entry.JobGroups...)
	}
	serverLog.Info("workers file applied",
		slog.Int("known_workers", len(wf.Workers)),
		slog.Int("denylist_entries", len(wf.Denylist)))
}

func valkeyPing(client *redis.Client) func(context.Context) error {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func registerProcessRoutes(mux *http.ServeMux, cfg *config.Config, ping func(context.Context) error, prometheusHandler http.Handler) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "OK\n")
	})
	mux.HandleFunc("GET /ready", makeReadinessHandler(ping))

	if prometheusHandler != nil {
		mux.Handle(cfg.PrometheusPath, prometheusHandler)
	}
}

func makeReadinessHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(pingCtx); err != nil {
				serverLog.Warn("readiness check failed", slog.String(logging.KeyError, err.Error()))
				http.Error(w, "Valkey not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "OK\n")
	}
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		serverLog.Warn("close failed", slog.String(logging.KeyComponent, name), slog.String(logging.KeyError, err.Error()))
	}
}

func shutdownWithTimeout(name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupTimeout)
	defer cancel()
	closeQuietly(name, func() error { return shutdown(ctx) })
}
