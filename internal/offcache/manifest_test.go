package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"slices"
	"testing"

	"offcache/internal/cachestore"
)

func gzipString(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestDiscoverManifestFromSitemaps(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	origin.set("/sitemap.xml", `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://site.test/pages.xml.gz</loc></sitemap>
  <sitemap><loc>https://site.test/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	origin.set("/pages.xml.gz", gzipString(t, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://site.test/story.html </loc></url>
  <url><loc>https://site.test/index.html</loc></url>
  <url><loc>https://site.test/gallery?page=2</loc></url>
  <url><loc>https://elsewhere.test/x.html</loc></url>
  <url><loc>https://site.test/api/guests</loc></url>
</urlset>`))

	cfg := Config{
		Server: ServerConfig{Origin: testOrigin},
		Cache: CacheConfig{
			Version:  "v1",
			Manifest: []string{"/", "/index.html"},
			Sitemaps: []string{"/sitemap.xml"},
		},
		Rules: append(DefaultRules(), Rule{Match: "PathPrefix(/api/)", Priority: 1, Strategy: "bypass"}),
	}
	p, err := New(cfg, Deps{Store: cachestore.NewMemory(), Network: origin, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	got := p.discoverManifest(context.Background())
	want := []string{"/", "/index.html", "/story.html", "/gallery?page=2"}
	if !slices.Equal(got, want) {
		t.Errorf("manifest = %v, want %v", got, want)
	}
}

func TestDiscoverManifestSitemapFailureKeepsManifest(t *testing.T) {
	t.Parallel()
	origin := newFakeOrigin(siteAssets)
	cfg := Config{
		Server: ServerConfig{Origin: testOrigin},
		Cache: CacheConfig{
			Version:  "v1",
			Manifest: []string{"/", "/index.html"},
			Sitemaps: []string{"/missing-sitemap.xml"},
		},
	}
	p, err := New(cfg, Deps{Store: cachestore.NewMemory(), Network: origin, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.discoverManifest(context.Background()); !slices.Equal(got, []string{"/", "/index.html"}) {
		t.Errorf("manifest = %v", got)
	}
}

func TestPathFromLoc(t *testing.T) {
	t.Parallel()
	p := newTestProxy(t, cachestore.NewMemory(), newFakeOrigin(nil), "v1", "/")
	tests := []struct {
		loc  string
		want string
		ok   bool
	}{
		{"https://site.test/a.html", "/a.html", true},
		{"https://SITE.test/b?x=1", "/b?x=1", true},
		{"/relative", "/relative", true},
		{"plain", "/plain", true},
		{"http://site.test/a.html", "", false},
		{"https://other.test/a.html", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := p.pathFromLoc(tt.loc)
		if ok != tt.ok || got != tt.want {
			t.Errorf("pathFromLoc(%q) = %q %v, want %q %v", tt.loc, got, ok, tt.want, tt.ok)
		}
	}
}
