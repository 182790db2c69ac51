package offcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"offcache/internal/cachestore"
	"offcache/internal/telemetry"
)

// Deps holds the collaborators of a Proxy and a Controller.
type Deps struct {
	Store   cachestore.Storage
	Network Network
	Metrics *telemetry.Metrics // nil = no metrics
	Logger  *slog.Logger       // nil = slog.Default()
}

type strategyFunc func(ctx context.Context, req *http.Request, key string) (Result, error)

// Proxy is one version of the offline cache: it owns the generation named
// by cfg.Cache.Version and resolves requests against it.
type Proxy struct {
	cfg     Config
	store   cachestore.Storage
	net     Network
	metrics *telemetry.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	writeErrLog *rateLimitedLogger
	strategies  map[StrategyKind]strategyFunc

	mu    sync.Mutex
	state State
	cache cachestore.Cache

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Proxy, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("offcache: nil store")
	}
	if deps.Network == nil {
		return nil, errors.New("offcache: nil network")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("version", cfg.Cache.Version))

	p := &Proxy{
		cfg:         cfg,
		store:       deps.Store,
		net:         deps.Network,
		metrics:     deps.Metrics,
		logger:      logger,
		tracer:      telemetry.Tracer("offcache"),
		writeErrLog: newRateLimitedLogger(logger, time.Minute),
		bgSem:       make(chan struct{}, 16),
	}
	p.strategies = map[StrategyKind]strategyFunc{
		CacheFirst:   p.cacheFirst,
		NetworkFirst: p.networkFirst,
		Bypass:       p.bypass,
	}
	return p, nil
}

func (p *Proxy) Version() string { return p.cfg.Cache.Version }

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) current() cachestore.Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache
}

// Wait blocks until detached cache writes have finished.
func (p *Proxy) Wait() { p.wg.Wait() }

// Fetch resolves one request with the strategy its path routes to.
// Requests the proxy does not intercept go to the network untouched.
func (p *Proxy) Fetch(ctx context.Context, req *http.Request) (Result, error) {
	start := time.Now()
	kind, route := p.route(req)

	ctx, span := p.tracer.Start(ctx, "offcache.fetch", trace.WithAttributes(
		attribute.String("offcache.route", route),
		attribute.String("url.path", req.URL.Path),
	))
	defer span.End()

	res, err := p.strategies[kind](ctx, req, RequestKey(req.URL))
	res.Route = route
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveRequest(route, "error", time.Since(start).Seconds())
		return res, err
	}
	span.SetAttributes(attribute.String("offcache.source", string(res.Source)))
	p.metrics.ObserveRequest(route, string(res.Source), time.Since(start).Seconds())
	return res, nil
}

// route returns the strategy for req and its label: the first matching
// rule, else the default.
func (p *Proxy) route(req *http.Request) (StrategyKind, string) {
	if !Intercepts(req) {
		return Bypass, string(Bypass)
	}
	if r := p.pickRule(req.URL.Path); r != nil {
		return r.kind, string(r.kind)
	}
	return p.cfg.defaultKind, "default"
}

func (p *Proxy) pickRule(path string) *Rule {
	for i := range p.cfg.Rules {
		r := &p.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func (p *Proxy) cacheFirst(ctx context.Context, req *http.Request, key string) (Result, error) {
	if snap, ok := p.match(ctx, req, key); ok {
		return Result{Snapshot: snap, Source: SourceHit}, nil
	}
	snap, err := p.fetchNetwork(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if cacheable(snap) {
		p.storeDetached(ctx, key, snap)
	}
	return Result{Snapshot: snap, Source: SourceMiss}, nil
}

func (p *Proxy) networkFirst(ctx context.Context, req *http.Request, key string) (Result, error) {
	snap, netErr := p.fetchNetwork(ctx, req)
	if netErr == nil {
		if cacheable(snap) {
			p.storeDetached(ctx, key, snap)
		}
		return Result{Snapshot: snap, Source: SourceNetwork}, nil
	}

	if cached, ok := p.match(ctx, req, key); ok {
		return Result{Snapshot: cached, Source: SourceFallback}, nil
	}
	if acceptsHTML(req) {
		if shell, ok := p.matchShell(ctx); ok {
			return Result{Snapshot: shell, Source: SourceShell}, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrNoFallback, netErr)
}

func (p *Proxy) bypass(ctx context.Context, req *http.Request, _ string) (Result, error) {
	snap, err := p.fetchNetwork(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Snapshot: snap, Source: SourceBypass}, nil
}

func (p *Proxy) fetchNetwork(ctx context.Context, req *http.Request) (cachestore.Snapshot, error) {
	resp, err := p.net.Fetch(ctx, req.Clone(ctx))
	if err != nil {
		p.metrics.NetworkError()
		return cachestore.Snapshot{}, err
	}
	snap, err := captureResponse(resp, req, p.cfg.originURL)
	if err != nil {
		p.metrics.NetworkError()
		return cachestore.Snapshot{}, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return snap, nil
}

func (p *Proxy) match(ctx context.Context, req *http.Request, key string) (cachestore.Snapshot, bool) {
	c := p.current()
	if c == nil {
		return cachestore.Snapshot{}, false
	}
	snap, ok, err := c.Match(ctx, key)
	if err != nil {
		p.logger.Warn("cache match failed", slog.String("key", key), slog.Any("error", err))
		return cachestore.Snapshot{}, false
	}
	if !ok || !varyMatches(snap, req.Header) {
		return cachestore.Snapshot{}, false
	}
	return snap, true
}

// matchShell looks up the page shell by URL alone.
func (p *Proxy) matchShell(ctx context.Context) (cachestore.Snapshot, bool) {
	c := p.current()
	if c == nil {
		return cachestore.Snapshot{}, false
	}
	snap, ok, err := c.Match(ctx, RequestKey(p.resolve(p.cfg.Cache.Shell)))
	if err != nil {
		p.logger.Warn("shell match failed", slog.Any("error", err))
		return cachestore.Snapshot{}, false
	}
	return snap, ok
}

// storeDetached writes snap in the background. The caller's response never
// waits for it and never sees its error.
func (p *Proxy) storeDetached(ctx context.Context, key string, snap cachestore.Snapshot) {
	c := p.current()
	if c == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.bgSem <- struct{}{}
		defer func() { <-p.bgSem }()

		if err := c.Put(ctx, key, snap); err != nil {
			result := "error"
			if errors.Is(err, cachestore.ErrQuotaExceeded) {
				result = "quota_exceeded"
			}
			p.metrics.CacheWrite(result)
			p.writeErrLog.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		p.metrics.CacheWrite("ok")
	}()
}

// resolve turns a manifest path or shell path into an absolute URL in the
// proxy scope.
func (p *Proxy) resolve(ref string) *url.URL {
	u, err := url.Parse(ref)
	if err != nil {
		return p.cfg.originURL.JoinPath(ref)
	}
	return p.cfg.originURL.ResolveReference(u)
}

func acceptsHTML(req *http.Request) bool {
	for _, v := range req.Header.Values("Accept") {
		if strings.Contains(v, "text/html") {
			return true
		}
	}
	return false
}
