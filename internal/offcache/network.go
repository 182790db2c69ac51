package offcache

import (
	"context"
	"hash/crc32"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"offcache/internal/cachestore"
)

// Network performs real fetches. Implementations must be safe for
// concurrent use.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPNetwork fetches with an http.Client and follows redirects.
type HTTPNetwork struct {
	client *http.Client
}

// NewHTTPNetwork builds the default network. A zero timeout leaves fetches
// unbounded; a nil resolver dials with the system resolver.
func NewHTTPNetwork(timeout time.Duration, resolver *dnscache.Resolver) *HTTPNetwork {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &HTTPNetwork{client: &http.Client{Transport: t, Timeout: timeout}}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return n.client.Do(req.WithContext(ctx))
}

// RefreshLoop keeps the dnscache resolver warm until ctx is done.
func RefreshLoop(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			resolver.Refresh(true)
		}
	}
}

// captureResponse reads resp fully and closes it.
func captureResponse(resp *http.Response, req *http.Request, scope *url.URL) (cachestore.Snapshot, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Snapshot{}, err
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	snap := cachestore.Snapshot{
		URL:      final.String(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		Type:     responseType(final, resp.Header, scope),
		Vary:     captureVary(resp.Header, req.Header),
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

// responseType classifies the response against the proxy scope: same
// origin is basic, cross origin with CORS headers is cors, anything else is
// opaque.
func responseType(u *url.URL, h http.Header, scope *url.URL) string {
	if scope != nil && strings.EqualFold(u.Scheme, scope.Scheme) && strings.EqualFold(u.Host, scope.Host) {
		return cachestore.TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return cachestore.TypeCORS
	}
	return cachestore.TypeOpaque
}

// cacheable: only complete same-origin successes are stored.
func cacheable(snap cachestore.Snapshot) bool {
	return snap.Status == http.StatusOK && snap.Type == cachestore.TypeBasic
}

// captureVary records the request header values a response varies on.
// Accept-Encoding is skipped: bodies are stored decoded.
func captureVary(resp, req http.Header) map[string]string {
	var out map[string]string
	for _, v := range resp.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name == "" || name == "Accept-Encoding" {
				continue
			}
			if out == nil {
				out = map[string]string{}
			}
			if name == "*" {
				out[name] = ""
				continue
			}
			out[name] = req.Get(name)
		}
	}
	return out
}

func varyMatches(snap cachestore.Snapshot, req http.Header) bool {
	for name, want := range snap.Vary {
		if name == "*" {
			return false
		}
		if req.Get(name) != want {
			return false
		}
	}
	return true
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	return out
}

// hopByHopHeaders must not be forwarded between client and origin.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}
