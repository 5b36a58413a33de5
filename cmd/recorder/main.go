// Command recorder is the probe+ring+recorder binary: it attaches the
// kernel eBPF probe, consumes its ring buffer, demultiplexes events into
// per-connection pipelines, and persists the results through the
// configured storage sink. It must run as root, since attaching the probe
// requires CAP_BPF/CAP_SYS_ADMIN.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	live "github.com/mina-net/debugger/internal/aggregator/live"
	"github.com/mina-net/debugger/internal/config"
	"github.com/mina-net/debugger/internal/metrics"
	"github.com/mina-net/debugger/internal/orchestrator"
	"github.com/mina-net/debugger/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/mina-debugger/config.yaml", "path to the recorder YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mina-recorder: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if os.Geteuid() != 0 {
		logger.Error("mina-recorder must run as root to attach the eBPF probe")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("p2p_port", cfg.P2PPort),
		slog.String("storage_driver", string(cfg.Storage.Driver)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.NewRecorder(registry)

	sink, closeSink, err := buildSink(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to build storage sink", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeSink()

	broadcaster := live.NewBroadcaster(logger, 0)
	defer broadcaster.Close()
	sink = live.NewPublishingSink(sink, broadcaster)

	svc := orchestrator.New(cfg, logger, orchestrator.WithSink(sink), orchestrator.WithMetrics(m))
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start recorder", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", svc.HealthzHandler)
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/live", live.NewHandler(broadcaster, logger, 0))

	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics/healthz server listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	svc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.Any("error", err))
	}

	logger.Info("mina-recorder exited cleanly")
}

// buildSink constructs the storage.Sink the recorder ships events to,
// according to cfg.Storage.Driver, and returns a cleanup function that
// releases it. For the sqlite driver, a non-empty UpstreamDSN opens a
// Postgres store and wires it as the queue's drain target; otherwise the
// queue accumulates locally with no upstream.
func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Recorder) (storage.Sink, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		store, err := storage.New(ctx, cfg.Storage.DSN, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, func() { store.Close(context.Background()) }, nil

	case config.StorageDriverSQLite:
		var upstream storage.Sink
		var closeUpstream func()
		if cfg.Storage.UpstreamDSN != "" {
			store, err := storage.New(ctx, cfg.Storage.UpstreamDSN, 0, 0)
			if err != nil {
				return nil, nil, fmt.Errorf("open upstream postgres store: %w", err)
			}
			upstream = store
			closeUpstream = func() { store.Close(context.Background()) }
		}

		q, err := storage.NewQueue(cfg.Storage.DSN, upstream, logger)
		if err != nil {
			if closeUpstream != nil {
				closeUpstream()
			}
			return nil, nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		if m != nil {
			m.QueueDepth.Set(float64(q.Depth()))
		}
		return q, func() {
			if err := q.Close(); err != nil {
				logger.Warn("error closing sqlite queue", slog.Any("error", err))
			}
			if closeUpstream != nil {
				closeUpstream()
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogLevelDebug:
		l = slog.LevelDebug
	case config.LogLevelWarn:
		l = slog.LevelWarn
	case config.LogLevelError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
