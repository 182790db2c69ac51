package offcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"offcache/internal/cachestore"
)

// installConcurrency bounds parallel manifest fetches.
const installConcurrency = 8

// Install opens this version's generation and fills it with every manifest
// asset. Either all assets are fetched with status 200 or nothing from this
// attempt is kept; the proxy then returns to StateUninstalled and Install
// may be called again.
//
// A generation left by an earlier process for the same version is adopted
// without touching the network when it still holds every configured
// manifest entry.
func (p *Proxy) Install(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateUninstalled {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("install %s: %w: %s", p.Version(), ErrBadState, st)
	}
	p.state = StateInstalling
	p.mu.Unlock()

	if cache, n, ok := p.adopt(ctx); ok {
		p.mu.Lock()
		p.state = StateInstalled
		p.cache = cache
		p.mu.Unlock()
		p.metrics.Install("adopted")
		p.logger.Info("adopted existing generation", slog.Int("entries", n))
		return nil
	}

	start := time.Now()
	cache, n, err := p.install(ctx)

	p.mu.Lock()
	if err != nil {
		p.state = StateUninstalled
	} else {
		p.state = StateInstalled
		p.cache = cache
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.Install("error")
		p.logger.Error("install failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	p.metrics.Install("ok")
	p.logger.Info("installed",
		slog.Int("assets", n),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// adopt reuses the stored generation for this version if it is complete.
func (p *Proxy) adopt(ctx context.Context) (cachestore.Cache, int, bool) {
	name := p.Version()
	ok, err := p.store.Has(ctx, name)
	if err != nil {
		p.logger.Warn("check generation failed", slog.Any("error", err))
		return nil, 0, false
	}
	if !ok {
		return nil, 0, false
	}
	cache, err := p.store.Open(ctx, name)
	if err != nil {
		p.logger.Warn("open generation failed", slog.Any("error", err))
		return nil, 0, false
	}
	for _, path := range p.cfg.Cache.Manifest {
		key := RequestKey(p.resolve(path))
		_, found, err := cache.Match(ctx, key)
		if err != nil {
			p.logger.Warn("cache match failed", slog.String("key", key), slog.Any("error", err))
			return nil, 0, false
		}
		if !found {
			p.logger.Info("stored generation incomplete, reinstalling", slog.String("missing", path))
			return nil, 0, false
		}
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		p.logger.Warn("list generation failed", slog.Any("error", err))
		return nil, 0, false
	}
	return cache, len(keys), true
}

func (p *Proxy) install(ctx context.Context) (cachestore.Cache, int, error) {
	manifest := p.discoverManifest(ctx)

	snaps := make([]cachestore.Snapshot, len(manifest))
	keys := make([]string, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, path := range manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, p.resolve(path).String(), nil)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			snap, err := p.fetchNetwork(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if snap.Status != http.StatusOK {
				return fmt.Errorf("%s: unexpected status %d", path, snap.Status)
			}
			snaps[i] = snap
			keys[i] = RequestKey(req.URL)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	name := p.Version()
	existed, err := p.store.Has(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("check generation: %w", err)
	}
	cache, err := p.store.Open(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("open generation: %w", err)
	}
	for i, key := range keys {
		// Unchanged entries are left as they are.
		cur, ok, err := cache.Match(ctx, key)
		if err != nil {
			p.logger.Warn("cache match failed", slog.String("key", key), slog.Any("error", err))
		}
		if ok && cur.Hash32 == snaps[i].Hash32 && cur.Status == snaps[i].Status {
			continue
		}
		if err := cache.Put(ctx, key, snaps[i]); err != nil {
			if !existed {
				if _, derr := p.store.Delete(context.WithoutCancel(ctx), name); derr != nil {
					err = errors.Join(err, fmt.Errorf("discard generation: %w", derr))
				}
			}
			return nil, 0, fmt.Errorf("store %s: %w", manifest[i], err)
		}
	}
	return cache, len(keys), nil
}

// Activate deletes every generation other than this version's, then marks
// the proxy active. Cleanup is best effort: failures are logged and the
// leftovers are retried by the next activation.
func (p *Proxy) Activate(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateInstalled {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("activate %s: %w: %s", p.Version(), ErrBadState, st)
	}
	p.state = StateActivating
	p.mu.Unlock()

	deleted, err := p.sweep(ctx)
	if err != nil {
		p.logger.Warn("stale generation cleanup incomplete", slog.Any("error", err))
	}

	p.mu.Lock()
	p.state = StateActive
	p.mu.Unlock()

	p.logger.Info("activated", slog.Int("stale_generations_deleted", deleted))
	return nil
}

func (p *Proxy) sweep(ctx context.Context) (int, error) {
	names, err := p.store.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("list generations: %w", err)
	}
	var (
		deleted int
		errs    []error
	)
	for _, name := range names {
		if name == p.Version() {
			continue
		}
		if _, err := p.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %q: %w", name, err))
			continue
		}
		deleted++
		p.metrics.GenerationDeleted()
		p.logger.Info("deleted stale generation", slog.String("generation", name))
	}
	return deleted, errors.Join(errs...)
}

// markRedundant retires a replaced version. Requests it is still resolving
// finish; their cache writes fail quietly once the generation is gone.
func (p *Proxy) markRedundant() {
	p.mu.Lock()
	p.state = StateRedundant
	p.mu.Unlock()
}
