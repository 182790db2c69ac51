package offcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"testing"

	"offcache/internal/cachestore"
)

func TestInstallConcreteScenario(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/", "/index.html", "/icon.svg")

	if err := p.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.State() != StateInstalled {
		t.Errorf("state = %s, want installed", p.State())
	}
	if got := origin.callCount(); got != 3 {
		t.Errorf("install fetches = %d, want 3", got)
	}
	if err := p.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	origin.setOffline(true)
	res := fetch(t, p, getReq(t, "/icon.svg"))
	if res.Source != SourceHit || string(res.Snapshot.Body) != "<svg>icon</svg>" {
		t.Errorf("icon = %q %q, want hit from install", res.Source, res.Snapshot.Body)
	}
	if got := origin.callCount(); got != 3 {
		t.Errorf("network calls after install = %d, want 3", got)
	}
}

func TestInstallFailureKeepsNothing(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	store := cachestore.NewMemory()
	p := newTestProxy(t, store, origin, "v1", "/", "/index.html", "/missing.svg")
	ctx := context.Background()

	err := p.Install(ctx)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	if p.State() != StateUninstalled {
		t.Errorf("state = %s, want uninstalled", p.State())
	}
	if ok, _ := store.Has(ctx, "v1"); ok {
		t.Error("failed install left a generation behind")
	}
	if err := p.Activate(ctx); !errors.Is(err, ErrBadState) {
		t.Errorf("Activate before install: err = %v, want ErrBadState", err)
	}

	// Retrying after the origin recovers succeeds.
	origin.set("/missing.svg", "<svg/>")
	if err := p.Install(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestInstallNetworkError(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	origin.setOffline(true)
	p := newTestProxy(t, cachestore.NewMemory(), origin, "v1", "/")

	err := p.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) || !errors.Is(err, errOffline) {
		t.Errorf("err = %v, want ErrInstallFailed wrapping the network error", err)
	}
}

func TestInstallTwiceIsRejected(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, cachestore.NewMemory(), newFakeOrigin(siteAssets), "v1", "/")
	if err := p.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Install(context.Background()); !errors.Is(err, ErrBadState) {
		t.Errorf("second Install: err = %v, want ErrBadState", err)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	store := cachestore.NewMemory()
	ctx := context.Background()
	manifest := []string{"/", "/index.html", "/icon.svg"}

	contents := func(p *Proxy) map[string]string {
		keys, err := p.current().Keys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]string{}
		for _, k := range keys {
			snap, _, _ := p.current().Match(ctx, k)
			out[k] = string(snap.Body)
		}
		return out
	}

	first := newTestProxy(t, store, origin, "v1", manifest...)
	installAndActivate(t, first)
	want := contents(first)

	second := newTestProxy(t, store, origin, "v1", manifest...)
	installAndActivate(t, second)
	got := contents(second)

	if len(got) != len(want) || len(got) != 3 {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if names, _ := store.Names(ctx); !slices.Equal(names, []string{"v1"}) {
		t.Errorf("generations = %v, want [v1]", names)
	}
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := cachestore.NewMemory()
	for _, name := range []string{"wedding-lh-v0", "scratch"} {
		if _, err := store.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	p := newTestProxy(t, store, newFakeOrigin(siteAssets), "v1", "/")
	installAndActivate(t, p)

	if p.State() != StateActive {
		t.Errorf("state = %s, want active", p.State())
	}
	if names, _ := store.Names(ctx); !slices.Equal(names, []string{"v1"}) {
		t.Errorf("generations = %v, want [v1]", names)
	}
}

// failingDelete refuses to delete one generation.
type failingDelete struct {
	cachestore.Storage
	name string
}

func (f failingDelete) Delete(ctx context.Context, name string) (bool, error) {
	if name == f.name {
		return false, errors.New("disk busy")
	}
	return f.Storage.Delete(ctx, name)
}

func TestActivateCleanupIsBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := cachestore.NewMemory()
	for _, name := range []string{"a", "b"} {
		if _, err := mem.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	store := failingDelete{Storage: mem, name: "a"}
	p := newTestProxy(t, store, newFakeOrigin(siteAssets), "v1", "/")
	installAndActivate(t, p)

	if p.State() != StateActive {
		t.Errorf("state = %s, want active", p.State())
	}
	if names, _ := mem.Names(ctx); !slices.Equal(names, []string{"a", "v1"}) {
		t.Errorf("generations = %v, want [a v1]", names)
	}
}

func TestGenerationIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	origin := newFakeOrigin(siteAssets)
	store := cachestore.NewMemory()
	ctrl := newTestController(t, origin)

	v1 := newTestProxy(t, store, origin, "v1", "/", "/index.html", "/icon.svg")
	if err := ctrl.Register(ctx, v1); err != nil {
		t.Fatal(err)
	}
	oldCache := v1.current()

	origin.set("/icon.svg", "<svg>icon v2</svg>")
	v2 := newTestProxy(t, store, origin, "v2", "/", "/icon.svg")
	if err := ctrl.Register(ctx, v2); err != nil {
		t.Fatal(err)
	}

	if v1.State() != StateRedundant {
		t.Errorf("v1 state = %s, want redundant", v1.State())
	}
	if ok, _ := store.Has(ctx, "v1"); ok {
		t.Error("v1 generation still exists")
	}
	for _, path := range []string{"/", "/index.html", "/icon.svg"} {
		if _, ok, _ := oldCache.Match(ctx, RequestKey(getReq(t, path).URL)); ok {
			t.Errorf("%s still retrievable from v1", path)
		}
	}

	// The v1-only asset is gone for the new version too.
	origin.setOffline(true)
	if _, err := ctrl.Active().Fetch(ctx, getReq(t, "/index.html")); !errors.Is(err, ErrNoFallback) {
		t.Errorf("v1-only asset: err = %v, want ErrNoFallback", err)
	}
	res := fetch(t, ctrl.Active(), getReq(t, "/icon.svg"))
	if string(res.Snapshot.Body) != "<svg>icon v2</svg>" {
		t.Errorf("icon = %q, want v2 copy", res.Snapshot.Body)
	}
}

func TestRedundantWritesFailQuietly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	origin := newFakeOrigin(siteAssets)
	origin.set("/lh/late.jpeg", "late")
	store := cachestore.NewMemory()

	v1 := newTestProxy(t, store, origin, "v1", "/")
	installAndActivate(t, v1)
	if _, err := store.Delete(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	res := fetch(t, v1, getReq(t, "/lh/late.jpeg"))
	if res.Source != SourceMiss || res.Snapshot.Status != http.StatusOK {
		t.Errorf("fetch = %q %d", res.Source, res.Snapshot.Status)
	}
	v1.Wait()
	if ok, _ := store.Has(ctx, "v1"); ok {
		t.Error("write into a deleted generation recreated it")
	}
}

func TestInstallAdoptsStoredGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	origin := newFakeOrigin(siteAssets)
	store := cachestore.NewMemory()
	manifest := []string{"/", "/index.html", "/icon.svg"}

	installAndActivate(t, newTestProxy(t, store, origin, "v1", manifest...))
	calls := origin.callCount()

	origin.setOffline(true)
	p := newTestProxy(t, store, origin, "v1", manifest...)
	if err := p.Install(ctx); err != nil {
		t.Fatalf("Install offline with a stored generation: %v", err)
	}
	if p.State() != StateInstalled {
		t.Errorf("state = %s, want installed", p.State())
	}
	if got := origin.callCount(); got != calls {
		t.Errorf("network calls = %d, want %d", got, calls)
	}

	// A generation missing a manifest entry is installed again.
	origin.setOffline(false)
	origin.set("/story.html", "<html>story</html>")
	partial := newTestProxy(t, store, origin, "v1", "/", "/story.html")
	if err := partial.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if got := origin.callCount(); got != calls+2 {
		t.Errorf("network calls = %d, want %d", got, calls+2)
	}
}

// failingMatch is a storage whose generations cannot be read.
type failingMatch struct {
	cachestore.Storage
}

func (f failingMatch) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	c, err := f.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return unreadableCache{c}, nil
}

type unreadableCache struct {
	cachestore.Cache
}

func (unreadableCache) Match(context.Context, string) (cachestore.Snapshot, bool, error) {
	return cachestore.Snapshot{}, false, errors.New("read error")
}

func TestInstallLogsMatchErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := cachestore.NewMemory()
	var buf bytes.Buffer
	cfg := Config{
		Server: ServerConfig{Origin: testOrigin},
		Cache:  CacheConfig{Version: "v1", Manifest: []string{"/", "/icon.svg"}},
	}
	p, err := New(cfg, Deps{
		Store:   failingMatch{mem},
		Network: newFakeOrigin(siteAssets),
		Logger:  slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Install(ctx); err != nil {
		t.Fatal(err)
	}

	if n := strings.Count(buf.String(), "cache match failed"); n != 2 {
		t.Errorf("logged match failures = %d, want 2:\n%s", n, buf.String())
	}
	c, err := mem.Open(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if keys, _ := c.Keys(ctx); len(keys) != 2 {
		t.Errorf("stored entries = %d, want 2", len(keys))
	}
}
