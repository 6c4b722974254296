// Command odin-ws runs the WebSocket pub/sub gateway: it binds the
// transport listener, starts the broker's single-writer event loop, and
// serves health/metrics over a small HTTP side-channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odin-gateway/odin-ws/internal/broker"
	"github.com/odin-gateway/odin-ws/internal/cache"
	"github.com/odin-gateway/odin-ws/internal/channel"
	"github.com/odin-gateway/odin-ws/internal/config"
	"github.com/odin-gateway/odin-ws/internal/logging"
	"github.com/odin-gateway/odin-ws/internal/metrics"
	"github.com/odin-gateway/odin-ws/internal/state"
	"github.com/odin-gateway/odin-ws/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := buildChannelRegistry()
	metricsRegistry := metrics.NewRegistry()

	st, closeState, err := buildState(ctx, cfg, logger, registry, metricsRegistry)
	if err != nil {
		logger.Fatal("failed to initialize backing state", zap.Error(err))
	}
	defer closeState()

	b := broker.New(cfg.WebSocket.EventQueueSize, registry, st, logger, metricsRegistry)
	go b.Run(ctx)

	transportServer := transport.NewServer(cfg, logger, b, metricsRegistry)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gctx, cfg, b, metricsRegistry, logger)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	transportServer.Stop()
	if err := g.Wait(); err != nil {
		logger.Error("http server error", zap.Error(err))
	}
	logger.Info("transport stopped")
}

// buildChannelRegistry installs the reference channel set: a static
// channel returning a fixed value from backing state, and a query
// channel reading a single row from the backing store.
func buildChannelRegistry() channel.Registry {
	return channel.NewRegistry(
		channel.NewStaticChannel("reward"),
		channel.NewQueryChannel("13", "13"),
	)
}

// buildState wires the backing store (and, if configured, the read-through
// cache) that channels read from. Returns a fatal error if the registry
// needs a store and none is configured.
func buildState(ctx context.Context, cfg config.Config, logger *zap.Logger, registry channel.Registry, metricsRegistry *metrics.Registry) (*state.State, func(), error) {
	needsStore := false
	for _, ch := range registry {
		if _, ok := ch.(channel.QueryChannel); ok {
			needsStore = true
			break
		}
	}

	if !needsStore {
		return &state.State{Static: staticPayload(), Metrics: metricsRegistry}, func() {}, nil
	}

	if cfg.Store.DSN == "" {
		return nil, nil, fmt.Errorf("config: store.dsn is required (registry has a channel backed by the store)")
	}

	pool, err := state.New(ctx, state.Config{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns})
	if err != nil {
		return nil, nil, err
	}

	var chCache state.ChannelCache
	var closeCache func() error
	if cfg.Cache.DSN != "" {
		redisCache, err := cache.New(cfg.Cache.DSN, cfg.Cache.TTL)
		if err != nil {
			logger.Warn("channel cache unavailable, querying the store directly", zap.Error(err))
		} else {
			chCache = redisCache
			closeCache = redisCache.Close
		}
	}

	st := &state.State{Pool: pool, Cache: chCache, Static: staticPayload(), Metrics: metricsRegistry}

	closer := func() {
		pool.Close()
		if closeCache != nil {
			_ = closeCache()
		}
	}

	return st, closer, nil
}

func staticPayload() json.RawMessage {
	return json.RawMessage(`{"version":"alpha"}`)
}

func runHTTPServer(ctx context.Context, cfg config.Config, b *broker.Broker, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clients":   b.ClientCount(),
		})
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
