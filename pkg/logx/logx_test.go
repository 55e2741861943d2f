package logx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"merosslink/pkg/clock"
)

func TestLimiter(t *testing.T) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	limiter := NewLimiter(fake, time.Minute)

	limiter.Warn(logger, "5001:dev1", "key rejected")
	limiter.Warn(logger, "5001:dev1", "key rejected")
	limiter.Warn(logger, "5001:dev1", "key rejected")
	assert.Equal(t, 1, logs.Len(), "repeats within the period are suppressed")

	limiter.Warn(logger, "5001:dev2", "key rejected")
	assert.Equal(t, 2, logs.Len(), "different key logs independently")

	fake.Advance(2 * time.Minute)
	limiter.Warn(logger, "5001:dev1", "key rejected")
	require.Equal(t, 3, logs.Len())

	last := logs.All()[2]
	assert.Equal(t, int64(2), last.ContextMap()["suppressed"], "suppressed count surfaces on next line")
}

func TestLimiterReset(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	limiter := NewLimiter(fake, time.Hour)

	limiter.Warn(logger, "tz:dev1", "timezone mismatch")
	limiter.Warn(logger, "tz:dev1", "timezone mismatch")
	assert.Equal(t, 1, logs.Len())

	limiter.Reset("tz:dev1")
	limiter.Warn(logger, "tz:dev1", "timezone mismatch")
	assert.Equal(t, 2, logs.Len(), "reset key logs again immediately")
}
