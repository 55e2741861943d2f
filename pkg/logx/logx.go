// Package logx carries zap helpers shared across components.
package logx

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"merosslink/pkg/clock"
)

// Limiter rate-limits repeated log lines by key, typically
// "<issue-code>:<device-id>". The first occurrence within a period is
// emitted, later ones are counted and folded into the next emitted line.
type Limiter struct {
	clock  clock.Clock
	period time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	last       time.Time
	suppressed int
}

// NewLimiter builds a limiter emitting at most one line per key per period.
func NewLimiter(c clock.Clock, period time.Duration) *Limiter {
	if c == nil {
		c = clock.New()
	}
	return &Limiter{
		clock:   c,
		period:  period,
		entries: map[string]*limiterEntry{},
	}
}

// Log emits msg at level unless key logged within the period. Suppressed
// repetitions are reported on the next emitted line.
func (l *Limiter) Log(logger *zap.Logger, level zapcore.Level, key, msg string, fields ...zap.Field) {
	now := l.clock.Now()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{}
		l.entries[key] = entry
	}
	if ok && now.Sub(entry.last) < l.period {
		entry.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	entry.last = now
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	if ce := logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Warn is shorthand for Log at warn level.
func (l *Limiter) Warn(logger *zap.Logger, key, msg string, fields ...zap.Field) {
	l.Log(logger, zapcore.WarnLevel, key, msg, fields...)
}

// Reset forgets a key so its next occurrence logs immediately. Used when the
// underlying condition clears.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}
