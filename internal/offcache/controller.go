package offcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"offcache/internal/telemetry"
)

// Controller routes requests to the active Proxy version. It is both an
// http.Handler (reverse proxy in front of the origin) and an
// http.RoundTripper (client-side interception). While no version is active
// every request goes straight to the network.
type Controller struct {
	origin  *url.URL
	net     Network
	metrics *telemetry.Metrics
	logger  *slog.Logger
	stats   *statsCollector

	regMu   sync.Mutex
	active  atomic.Pointer[Proxy]
	pending atomic.Pointer[Proxy]
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if deps.Network == nil {
		return nil, errors.New("offcache: nil network")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		origin:  cfg.originURL,
		net:     deps.Network,
		metrics: deps.Metrics,
		logger:  logger,
		stats:   newStatsCollector(),
	}, nil
}

// Active returns the proxy serving requests, or nil.
func (c *Controller) Active() *Proxy { return c.active.Load() }

// Register installs p, activates it immediately without waiting for the
// current version to go idle, and claims all subsequent requests for it.
// The previous version becomes redundant.
func (c *Controller) Register(ctx context.Context, p *Proxy) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	if c.active.Load() == p {
		return nil
	}
	c.pending.Store(p)
	defer c.pending.CompareAndSwap(p, nil)

	if p.State() == StateUninstalled {
		if err := p.Install(ctx); err != nil {
			return err
		}
	}
	// An abandoned registration must not claim.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Activate(ctx); err != nil {
		return err
	}

	prev := c.active.Swap(p)
	prevVersion := ""
	if prev != nil {
		prev.markRedundant()
		prevVersion = prev.Version()
	}
	c.metrics.SetActiveVersion(prevVersion, p.Version())
	c.logger.Info("version claimed clients",
		slog.String("version", p.Version()),
		slog.String("previous", prevVersion),
	)
	return nil
}

// RegisterLoop retries Register every retry interval until it succeeds or
// ctx ends. Failures are only logged.
func (c *Controller) RegisterLoop(ctx context.Context, p *Proxy, retry time.Duration) error {
	for {
		err := c.Register(ctx, p)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrBadState) {
			c.logger.Error("registration abandoned", slog.String("version", p.Version()), slog.Any("error", err))
			return nil
		}
		c.logger.Warn("registration failed",
			slog.String("version", p.Version()),
			slog.Any("error", err),
			slog.Duration("retry_in", retry),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}

// Ready reports ErrNotActive until a version has been activated.
func (c *Controller) Ready(context.Context) error {
	if c.active.Load() == nil {
		return ErrNotActive
	}
	return nil
}

// RoundTrip resolves req through the active version. Non-GET and non-http(s)
// requests, and every request while nothing is active, go to the network
// untouched.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	p := c.active.Load()
	if p == nil || !Intercepts(req) {
		return c.net.Fetch(req.Context(), req)
	}
	res, err := p.Fetch(req.Context(), req)
	if err != nil {
		c.stats.ObserveFailure()
		return nil, err
	}
	c.stats.Observe(res.Source, len(res.Snapshot.Body))
	return res.Response(req), nil
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out, err := c.originRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p := c.active.Load()
	if p == nil || !Intercepts(out) {
		c.passThrough(w, out)
		return
	}

	res, err := p.Fetch(r.Context(), out)
	if err != nil {
		c.stats.ObserveFailure()
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("route", res.Route),
			slog.Any("error", err),
		)
		setOffcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	c.stats.Observe(res.Source, len(res.Snapshot.Body))
	writeSnapshot(w, res, string(res.Source))
}

// originRequest rewrites an incoming request onto the origin.
func (c *Controller) originRequest(r *http.Request) (*http.Request, error) {
	target := strings.TrimRight(c.origin.String(), "/") + r.URL.RequestURI()
	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	// Stored bodies are identity-encoded.
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

func (c *Controller) passThrough(w http.ResponseWriter, req *http.Request) {
	resp, err := c.net.Fetch(req.Context(), req)
	if err != nil {
		setOffcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	setOffcacheHeaders(w.Header(), string(SourceBypass))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeSnapshot(w http.ResponseWriter, res Result, source string) {
	for k, vs := range res.Snapshot.Header {
		if strings.EqualFold(k, "X-Offcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffcacheHeaders(w.Header(), source)
	w.WriteHeader(res.Snapshot.Status)
	_, _ = w.Write(res.Snapshot.Body)
}

func setOffcacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Offcache", source)
	}
	ensureExposedHeader(h, "X-Offcache")
}

// ensureExposedHeader lets page scripts read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// Status describes the controller for the admin endpoint.
type Status struct {
	Version        string   `json:"version,omitempty"`
	State          string   `json:"state"`
	Pending        string   `json:"pending,omitempty"`
	PendingState   string   `json:"pending_state,omitempty"`
	Generations    []string `json:"generations,omitempty"`
	Entries        int      `json:"entries"`
	Responses      uint64   `json:"responses"`
	FromCache      uint64   `json:"from_cache"`
	FromNetwork    uint64   `json:"from_network"`
	FailedRequests uint64   `json:"failed_requests"`
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	ss := c.stats.Snapshot()
	st := Status{
		State:          StateUninstalled.String(),
		Responses:      ss.TotalResponses,
		FromCache:      ss.FromCache,
		FromNetwork:    ss.FromNetwork,
		FailedRequests: ss.Failed,
	}
	if p := c.pending.Load(); p != nil {
		st.Pending = p.Version()
		st.PendingState = p.State().String()
	}
	p := c.active.Load()
	if p == nil {
		return st, nil
	}
	st.Version = p.Version()
	st.State = p.State().String()

	names, err := p.store.Names(ctx)
	if err != nil {
		return st, err
	}
	st.Generations = names
	if cache := p.current(); cache != nil {
		keys, err := cache.Keys(ctx)
		if err != nil {
			return st, err
		}
		st.Entries = len(keys)
	}
	return st, nil
}
