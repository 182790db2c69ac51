package offcache

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger emits at most one record per interval and reports how
// many were suppressed in between.
type rateLimitedLogger struct {
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		args = append(args, slog.Int("suppressed", suppressed))
	}
	l.logger.Warn(msg, args...)
}
