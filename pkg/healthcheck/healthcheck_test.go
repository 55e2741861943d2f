package healthcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) *Result {
	return &Result{ComponentName: c.name, Status: c.status}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusUnknown},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unknown counts as degraded", []Status{StatusHealthy, StatusUnknown}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := map[string]*Result{}
			for i, s := range tt.statuses {
				results[string(rune('a'+i))] = &Result{Status: s}
			}
			assert.Equal(t, tt.want, Overall(results))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor(nil, 0)
	m.Register(staticChecker{name: "device-1", status: StatusHealthy})
	m.Register(staticChecker{name: "device-2", status: StatusDegraded})

	snapshot := m.CheckAll(context.Background())
	require.Len(t, snapshot.Components, 2)
	assert.Equal(t, StatusDegraded, snapshot.OverallStatus)
	assert.False(t, snapshot.IsHealthy())
	assert.False(t, snapshot.Components["device-1"].Timestamp.IsZero())

	m.Unregister("device-2")
	snapshot = m.CheckAll(context.Background())
	require.Len(t, snapshot.Components, 1)
	assert.True(t, snapshot.IsHealthy())
}
