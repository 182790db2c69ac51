package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"offcache/internal/cachestore"
	"offcache/internal/offcache"
	"offcache/internal/server"
	"offcache/internal/telemetry"
)

func run(configPath string, opts ...offcache.Option) error {
	cfg, err := offcache.LoadConfig(configPath, opts...)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting offcache",
		"version", version,
		"addr", cfg.Server.Addr,
		"origin", cfg.Server.Origin,
		"cache_version", cfg.Cache.Version,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	store, err := cachestore.Open(cachestore.Options{
		Driver:        cfg.Cache.Storage.Driver,
		Path:          cfg.Cache.Storage.Path,
		MaxEntryBytes: cfg.MaxEntryBytes(),
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var resolver *dnscache.Resolver
	if cfg.Network.DNSCache {
		resolver = &dnscache.Resolver{}
	}
	deps := offcache.Deps{
		Store:   store,
		Network: offcache.NewHTTPNetwork(cfg.Network.Timeout, resolver),
		Metrics: metrics,
		Logger:  slog.Default(),
	}

	ctrl, err := offcache.NewController(cfg, deps)
	if err != nil {
		return err
	}
	proxy, err := offcache.New(cfg, deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(server.Deps{Controller: ctrl, Gatherer: gatherer}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	rl := &reloader{
		g:      g,
		path:   configPath,
		opts:   opts,
		origin: cfg.Server.Origin,
		ctrl:   ctrl,
		deps:   deps,
	}
	rl.register(gctx, proxy, cfg.InstallRetry())
	g.Go(func() error { return rl.loop(gctx) })
	if every := cfg.StatsEvery(); every > 0 {
		g.Go(func() error { return ctrl.StatsLoop(gctx, every) })
	}
	if resolver != nil {
		g.Go(func() error { return offcache.RefreshLoop(gctx, resolver, 5*time.Minute) })
	}

	slog.Info("offcache ready", "addr", cfg.Server.Addr)

	err = g.Wait()
	if p := ctrl.Active(); p != nil {
		p.Wait()
	}
	if err != nil {
		return err
	}
	slog.Info("offcache stopped")
	return nil
}

// reloader re-reads the config on SIGHUP. A new cache.version registers a
// new proxy; the origin and storage stay as they were at startup.
type reloader struct {
	g      *errgroup.Group
	path   string
	opts   []offcache.Option
	origin string
	ctrl   *offcache.Controller
	deps   offcache.Deps

	cur    *offcache.Proxy
	cancel context.CancelFunc
}

// register starts retrying registration of p and abandons the previous
// attempt, so an older version can never claim after a newer one.
func (rl *reloader) register(ctx context.Context, p *offcache.Proxy, retry time.Duration) {
	if rl.cancel != nil {
		rl.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	rl.cur, rl.cancel = p, cancel
	rl.g.Go(func() error {
		defer cancel()
		return rl.ctrl.RegisterLoop(rctx, p, retry)
	})
}

func (rl *reloader) loop(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cfg, err := offcache.LoadConfig(rl.path, rl.opts...)
		if err != nil {
			slog.Error("reload failed", "error", err)
			continue
		}
		if cfg.Server.Origin != rl.origin {
			slog.Warn("server.origin change needs a restart, keeping the old origin",
				"old", rl.origin, "new", cfg.Server.Origin)
			cfg.Server.Origin = rl.origin
		}
		if cfg.Cache.Version == rl.cur.Version() {
			slog.Info("reload: cache version unchanged", "cache_version", cfg.Cache.Version)
			continue
		}

		next, err := offcache.New(cfg, rl.deps)
		if err != nil {
			slog.Error("reload failed", "error", err)
			continue
		}
		slog.Info("reload: registering new cache version",
			"previous", rl.cur.Version(), "cache_version", next.Version())
		rl.register(ctx, next, cfg.InstallRetry())
	}
}

func newLogger(cfg offcache.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
