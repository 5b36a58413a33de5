// Command aggregator is the HTTPS query service binary: it loads config,
// opens the Postgres canonical store, and serves the read-only connection
// and stream-message query API, with or without TLS.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rest "github.com/mina-net/debugger/internal/aggregator"
	"github.com/mina-net/debugger/internal/audit"
	"github.com/mina-net/debugger/internal/config"
	"github.com/mina-net/debugger/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/mina-debugger/config.yaml", "path to the aggregator YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mina-aggregator: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.Aggregator.ListenAddr),
	)

	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == config.StorageDriverSQLite {
		if cfg.Storage.UpstreamDSN == "" {
			logger.Error("aggregator requires storage.upstream_dsn when storage.driver is sqlite")
			os.Exit(1)
		}
		dsn = cfg.Storage.UpstreamDSN
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, dsn, 0, 0)
	if err != nil {
		logger.Error("failed to open postgres store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())

	var pubKey *rsa.PublicKey
	if cfg.Aggregator.JWTSigningKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.Aggregator.JWTSigningKeyFile)
		if err != nil {
			logger.Error("failed to read JWT signing key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pemBytes)
		if err != nil {
			logger.Error("failed to parse JWT signing key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("aggregator.jwt_signing_key_file not configured; query endpoints are unauthenticated (dev mode)")
	}

	srv := rest.NewServer(store)
	if cfg.Aggregator.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.Aggregator.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.Any("error", err))
			os.Exit(1)
		}
		defer auditLog.Close()
		srv = srv.WithAudit(auditLog)
		logger.Info("query auditing enabled", slog.String("path", cfg.Aggregator.AuditLogPath))
	}
	handler := rest.NewRouter(srv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.Aggregator.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tlsConfigured := cfg.Aggregator.TLS.Cert != "" && cfg.Aggregator.TLS.Key != ""
		if tlsConfigured {
			logger.Info("aggregator listening (TLS)", slog.String("addr", cfg.Aggregator.ListenAddr))
			errCh <- httpServer.ListenAndServeTLS(cfg.Aggregator.TLS.Cert, cfg.Aggregator.TLS.Key)
			return
		}
		logger.Warn("aggregator.tls not configured; serving plain HTTP (dev mode)")
		logger.Info("aggregator listening", slog.String("addr", cfg.Aggregator.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("aggregator server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("aggregator server shutdown error", slog.Any("error", err))
	}

	logger.Info("mina-aggregator exited cleanly")
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
