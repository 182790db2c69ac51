package offcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"offcache/internal/cachestore"
)

const testOrigin = "https://site.test"

var errOffline = errors.New("network unreachable")

type fakePage struct {
	status int
	body   string
	header http.Header
}

// fakeOrigin serves canned pages by path and records every fetch attempt.
type fakeOrigin struct {
	mu      sync.Mutex
	pages   map[string]fakePage
	calls   []string
	offline bool
}

func newFakeOrigin(pages map[string]string) *fakeOrigin {
	o := &fakeOrigin{pages: map[string]fakePage{}}
	for path, body := range pages {
		o.set(path, body)
	}
	return o
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = fakePage{status: http.StatusOK, body: body}
}

func (o *fakeOrigin) setPage(path string, pg fakePage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = pg
}

func (o *fakeOrigin) setOffline(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = v
}

func (o *fakeOrigin) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *fakeOrigin) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, req.Method+" "+req.URL.String())
	if o.offline {
		return nil, errOffline
	}
	pg, ok := o.pages[req.URL.Path]
	if !ok {
		pg = fakePage{status: http.StatusNotFound, body: "not found"}
	}
	h := http.Header{"Content-Type": {"text/plain"}}
	for k, vs := range pg.header {
		h[k] = vs
	}
	return &http.Response{
		StatusCode: pg.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(pg.body)),
		Request:    req,
	}, nil
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestProxy(t *testing.T, store cachestore.Storage, net Network, version string, manifest ...string) *Proxy {
	t.Helper()
	cfg := Config{
		Server: ServerConfig{Origin: testOrigin},
		Cache:  CacheConfig{Version: version, Manifest: manifest},
	}
	p, err := New(cfg, Deps{Store: store, Network: net, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func installAndActivate(t *testing.T, p *Proxy) {
	t.Helper()
	ctx := context.Background()
	if err := p.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := p.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func getReq(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func fetch(t *testing.T, p *Proxy, req *http.Request) Result {
	t.Helper()
	res, err := p.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch %s: %v", req.URL, err)
	}
	return res
}

func cached(t *testing.T, p *Proxy, path string) (cachestore.Snapshot, bool) {
	t.Helper()
	p.Wait()
	c := p.current()
	if c == nil {
		return cachestore.Snapshot{}, false
	}
	snap, ok, err := c.Match(context.Background(), RequestKey(getReq(t, path).URL))
	if err != nil {
		t.Fatal(err)
	}
	return snap, ok
}

var siteAssets = map[string]string{
	"/":           "<html>root</html>",
	"/index.html": "<html>index v1</html>",
	"/icon.svg":   "<svg>icon</svg>",
}

func TestNonGetPassesThrough(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/", "/index.html", "/icon.svg")
	installAndActivate(t, p)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		before := origin.callCount()
		req, _ := http.NewRequest(method, testOrigin+"/icon.svg", nil)
		res := fetch(t, p, req)
		if res.Source != SourceBypass {
			t.Errorf("%s: source = %q, want bypass", method, res.Source)
		}
		if got := origin.callCount() - before; got != 1 {
			t.Errorf("%s: network calls = %d, want 1", method, got)
		}
	}
}

func TestIntercepts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		method string
		url    string
		want   bool
	}{
		{http.MethodGet, "https://site.test/a.js", true},
		{"", "http://site.test/", true},
		{http.MethodPost, "https://site.test/a.js", false},
		{http.MethodGet, "ftp://site.test/a.js", false},
		{http.MethodGet, "chrome-extension://abc/x.js", false},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, tt.url, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := Intercepts(req); got != tt.want {
			t.Errorf("Intercepts(%s %s) = %v, want %v", tt.method, tt.url, got, tt.want)
		}
	}
}

func TestCacheFirstHitMakesNoNetworkCall(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/", "/index.html", "/icon.svg")
	installAndActivate(t, p)

	before := origin.callCount()
	origin.setOffline(true)
	res := fetch(t, p, getReq(t, "/icon.svg"))
	if res.Source != SourceHit {
		t.Errorf("source = %q, want hit", res.Source)
	}
	if string(res.Snapshot.Body) != "<svg>icon</svg>" {
		t.Errorf("body = %q", res.Snapshot.Body)
	}
	if got := origin.callCount() - before; got != 0 {
		t.Errorf("network calls = %d, want 0", got)
	}
	if res.Route != string(CacheFirst) {
		t.Errorf("route = %q, want cache-first", res.Route)
	}
}

func TestCacheFirstMissStoresResponse(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	origin.set("/lh/1.jpeg", "jpeg-bytes")
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/")
	installAndActivate(t, p)

	res := fetch(t, p, getReq(t, "/lh/1.jpeg"))
	if res.Source != SourceMiss {
		t.Fatalf("first source = %q, want miss", res.Source)
	}
	if _, ok := cached(t, p, "/lh/1.jpeg"); !ok {
		t.Fatal("miss was not stored")
	}

	origin.setOffline(true)
	res = fetch(t, p, getReq(t, "/lh/1.jpeg"))
	if res.Source != SourceHit || string(res.Snapshot.Body) != "jpeg-bytes" {
		t.Errorf("second fetch = %q %q, want hit jpeg-bytes", res.Source, res.Snapshot.Body)
	}
}

func TestCacheFirstDoesNotStoreErrorsOrOpaque(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/")
	installAndActivate(t, p)

	// 404 passes through to the caller but is not persisted.
	res := fetch(t, p, getReq(t, "/missing.png"))
	if res.Snapshot.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Snapshot.Status)
	}
	if _, ok := cached(t, p, "/missing.png"); ok {
		t.Error("404 was stored")
	}

	origin.set("/font.woff2", "font")
	req, _ := http.NewRequest(http.MethodGet, "https://cdn.test/font.woff2", nil)
	res = fetch(t, p, req)
	if res.Snapshot.Type != cachestore.TypeOpaque {
		t.Errorf("type = %q, want opaque", res.Snapshot.Type)
	}
	p.Wait()
	if _, ok, _ := p.current().Match(context.Background(), RequestKey(req.URL)); ok {
		t.Error("cross-origin response was stored")
	}
}

func TestCacheFirstNetworkErrorWithoutEntry(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/")
	installAndActivate(t, p)

	origin.setOffline(true)
	_, err := p.Fetch(context.Background(), getReq(t, "/lh/9.jpeg"))
	if !errors.Is(err, errOffline) {
		t.Errorf("err = %v, want network error", err)
	}
}

func TestNetworkFirstOnlineOverwritesCache(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/", "/index.html", "/icon.svg")
	installAndActivate(t, p)

	origin.set("/index.html", "<html>index v2</html>")
	res := fetch(t, p, getReq(t, "/index.html"))
	if res.Source != SourceNetwork || string(res.Snapshot.Body) != "<html>index v2</html>" {
		t.Fatalf("online fetch = %q %q", res.Source, res.Snapshot.Body)
	}
	snap, ok := cached(t, p, "/index.html")
	if !ok || string(snap.Body) != "<html>index v2</html>" {
		t.Errorf("cached body = %q, want updated copy", snap.Body)
	}

	origin.setOffline(true)
	res = fetch(t, p, getReq(t, "/index.html"))
	if res.Source != SourceFallback {
		t.Errorf("offline source = %q, want fallback", res.Source)
	}
	if string(res.Snapshot.Body) != "<html>index v2</html>" {
		t.Errorf("offline body = %q, want the just-updated copy", res.Snapshot.Body)
	}
}

func TestNetworkFirstShellFallback(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/", "/index.html")
	installAndActivate(t, p)
	origin.setOffline(true)

	req := getReq(t, "/rsvp.html")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	res := fetch(t, p, req)
	if res.Source != SourceShell {
		t.Fatalf("source = %q, want shell", res.Source)
	}
	if string(res.Snapshot.Body) != "<html>index v1</html>" {
		t.Errorf("body = %q, want the page shell", res.Snapshot.Body)
	}

	// Scripts get no shell.
	_, err := p.Fetch(context.Background(), getReq(t, "/app.js"))
	if !errors.Is(err, ErrNoFallback) || !errors.Is(err, errOffline) {
		t.Errorf("err = %v, want ErrNoFallback wrapping the network error", err)
	}
}

func TestVaryMismatchMisses(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	origin.setPage("/lh/hello.svg", fakePage{
		status: http.StatusOK,
		body:   "hello",
		header: http.Header{"Vary": {"Accept-Language, Accept-Encoding"}},
	})
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/")
	installAndActivate(t, p)

	en := getReq(t, "/lh/hello.svg")
	en.Header.Set("Accept-Language", "en")
	fetch(t, p, en)
	p.Wait()

	res := fetch(t, p, en.Clone(context.Background()))
	if res.Source != SourceHit {
		t.Errorf("same language: source = %q, want hit", res.Source)
	}
	fr := getReq(t, "/lh/hello.svg")
	fr.Header.Set("Accept-Language", "fr")
	if res := fetch(t, p, fr); res.Source != SourceMiss {
		t.Errorf("other language: source = %q, want miss", res.Source)
	}
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(map[string]string{"/": "tiny"})
	origin.set("/lh/big.jpeg", strings.Repeat("x", 100))
	store := cachestore.WithQuota(cachestore.NewMemory(), 16)
	p := newTestProxy(t, store, origin, "v1", "/")
	installAndActivate(t, p)

	res := fetch(t, p, getReq(t, "/lh/big.jpeg"))
	if res.Source != SourceMiss || len(res.Snapshot.Body) != 100 {
		t.Errorf("fetch = %q (%d bytes), want full network response", res.Source, len(res.Snapshot.Body))
	}
	if _, ok := cached(t, p, "/lh/big.jpeg"); ok {
		t.Error("over-quota body was stored")
	}
}

func TestRouteRules(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, cachestore.NewMemory(), newFakeOrigin(nil), "v1", "/")

	tests := []struct {
		path string
		want StrategyKind
	}{
		{"/lh/1.jpeg", CacheFirst},
		{"/LH/notes.txt", CacheFirst},
		{"/assets/song.MP3", CacheFirst},
		{"/", NetworkFirst},
		{"/index.html", NetworkFirst},
		{"/blog/index.html", NetworkFirst},
		{"/assets/app.js", NetworkFirst},
		{"/assets/app.css", NetworkFirst},
		{"/robots.txt", CacheFirst}, // default
	}
	for _, tt := range tests {
		kind, _ := p.route(getReq(t, tt.path))
		if kind != tt.want {
			t.Errorf("route(%s) = %s, want %s", tt.path, kind, tt.want)
		}
	}

	post, _ := http.NewRequest(http.MethodPost, testOrigin+"/lh/1.jpeg", nil)
	if kind, label := p.route(post); kind != Bypass || label != "bypass" {
		t.Errorf("route(POST) = %s %s, want bypass", kind, label)
	}
}

func TestRequestKeyDropsFragment(t *testing.T) {
	t.Parallel()
	a := getReq(t, "/index.html?x=1#top")
	b := getReq(t, "/index.html?x=1")
	if RequestKey(a.URL) != RequestKey(b.URL) {
		t.Errorf("keys differ: %q vs %q", RequestKey(a.URL), RequestKey(b.URL))
	}
	if want := "GET https://site.test/index.html?x=1"; RequestKey(b.URL) != want {
		t.Errorf("key = %q, want %q", RequestKey(b.URL), want)
	}
}
