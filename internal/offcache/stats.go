package offcache

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// statsCollector tracks served responses for the periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	fromCache   atomic.Uint64
	fromNetwork atomic.Uint64
	failed      atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	switch src {
	case SourceHit, SourceFallback, SourceShell:
		s.fromCache.Add(1)
	default:
		s.fromNetwork.Add(1)
	}

	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveFailure() { s.failed.Add(1) }

type statsSnapshot struct {
	TotalResponses uint64
	FromCache      uint64
	FromNetwork    uint64
	Failed         uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		TotalResponses: s.totalResponses.Load(),
		FromCache:      s.fromCache.Load(),
		FromNetwork:    s.fromNetwork.Load(),
		Failed:         s.failed.Load(),
	}
	if out.TotalResponses == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / out.TotalResponses
	return out
}

// StatsLoop logs a summary line every interval until ctx is done.
func (c *Controller) StatsLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			ss := c.stats.Snapshot()
			version := ""
			if p := c.Active(); p != nil {
				version = p.Version()
			}
			c.logger.Info("stats",
				slog.String("version", version),
				slog.Uint64("responses", ss.TotalResponses),
				slog.Uint64("from_cache", ss.FromCache),
				slog.Uint64("from_network", ss.FromNetwork),
				slog.Uint64("failed", ss.Failed),
				slog.String("resp_min", formatBytes(ss.MinRespBytes)),
				slog.String("resp_avg", formatBytes(ss.AvgRespBytes)),
				slog.String("resp_max", formatBytes(ss.MaxRespBytes)),
			)
		}
	}
}
