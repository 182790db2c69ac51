package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverManifest returns the configured manifest followed by any
// same-origin pages listed in the configured sitemaps. Sitemap failures are
// logged and leave the configured manifest as is.
func (p *Proxy) discoverManifest(ctx context.Context) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(p.cfg.Cache.Manifest))
	add := func(path string) bool {
		if _, ok := seen[path]; ok {
			return false
		}
		seen[path] = struct{}{}
		out = append(out, path)
		return true
	}
	for _, m := range p.cfg.Cache.Manifest {
		add(m)
	}
	if len(p.cfg.Cache.Sitemaps) == 0 {
		return out
	}

	added, ignored, err := p.discoverSitemaps(ctx, add)
	if err != nil {
		p.logger.Warn("manifest discovery failed", slog.Any("error", err))
	}
	p.logger.Info("manifest discovery", slog.Int("added", added), slog.Int("ignored", ignored))
	return out
}

func (p *Proxy) discoverSitemaps(ctx context.Context, add func(string) bool) (added, ignored int, _ error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(p.cfg.Cache.Sitemaps))
	for _, sm := range p.cfg.Cache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, p.resolve(sm).String())
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return added, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := p.fetchSitemap(ctx, smURL)
		if err != nil {
			return added, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, p.resolve(nested).String())
			}
		}
		for _, loc := range doc.URLs {
			path, ok := p.pathFromLoc(loc)
			if !ok {
				ignored++
				continue
			}
			if r := p.pickRule(path); r != nil && r.kind == Bypass {
				ignored++
				continue
			}
			if add(path) {
				added++
			}
		}
	}
	return added, ignored, nil
}

func (p *Proxy) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := p.net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may already have been decoded by the transport.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc maps a sitemap <loc> to a path in the proxy scope. Locations
// on other origins are rejected.
func (p *Proxy) pathFromLoc(loc string) (string, bool) {
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		if !strings.EqualFold(u.Host, p.cfg.originURL.Host) || !strings.EqualFold(u.Scheme, p.cfg.originURL.Scheme) {
			return "", false
		}
	}
	path := u.EscapedPath()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, true
}
