// Package healthcheck aggregates liveness snapshots from device engines and
// broker connections.
package healthcheck

import (
	"context"
	"time"
)

// Status grades a component's health.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates reduced service, e.g. a device reachable on
	// only one of its transports.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the status cannot be determined yet.
	StatusUnknown Status = "unknown"
)

// Result is one component's health snapshot.
type Result struct {
	ComponentName string         `json:"component"`
	Status        Status         `json:"status"`
	Message       string         `json:"message,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Details       map[string]any `json:"details,omitempty"`
}

// Checker is implemented by components that report health: device engines
// report transport state, broker connections report session state.
type Checker interface {
	Check(ctx context.Context) *Result
	Name() string
}

// Snapshot contains results from every registered component.
type Snapshot struct {
	OverallStatus Status             `json:"status"`
	Components    map[string]*Result `json:"components"`
	Timestamp     time.Time          `json:"timestamp"`
}

// IsHealthy reports whether every component is healthy.
func (s *Snapshot) IsHealthy() bool {
	return s.OverallStatus == StatusHealthy
}

// Overall folds component results into a single grade: any unhealthy wins,
// then degraded or unknown, empty reads as unknown.
func Overall(results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			status = StatusDegraded
		}
	}
	return status
}
