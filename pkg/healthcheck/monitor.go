package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor tracks a mutable set of checkers (devices come and go at runtime)
// and periodically logs the aggregate picture.
type Monitor struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor builds a monitor reporting every interval.
func NewMonitor(logger *zap.Logger, interval time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Monitor{
		logger:   logger.With(zap.String("component", "healthcheck")),
		interval: interval,
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker under its own name.
func (m *Monitor) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[checker.Name()] = checker
}

// Unregister removes a checker by name.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// CheckAll snapshots every registered component.
func (m *Monitor) CheckAll(ctx context.Context) *Snapshot {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	for name, c := range checkers {
		result := c.Check(ctx)
		if result.Timestamp.IsZero() {
			result.Timestamp = time.Now()
		}
		results[name] = result
	}

	return &Snapshot{
		OverallStatus: Overall(results),
		Components:    results,
		Timestamp:     time.Now(),
	}
}

// Run logs a periodic snapshot until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := m.CheckAll(ctx)
			unhealthy := 0
			for _, r := range snapshot.Components {
				if r.Status == StatusUnhealthy {
					unhealthy++
				}
			}
			m.logger.Info("health snapshot",
				zap.String("status", string(snapshot.OverallStatus)),
				zap.Int("components", len(snapshot.Components)),
				zap.Int("unhealthy", unhealthy))
		}
	}
}
