package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

type fakeMonitor struct {
	alerts map[domain.ResourceType]domain.ResourceAlert
}

func (f *fakeMonitor) SystemHealthSummary() domain.SystemHealthSummary {
	return domain.SystemHealthSummary{OverallStatus: domain.StatusNormal, TotalResources: 6, HealthyResources: 6}
}

func (f *fakeMonitor) CurrentMetrics() *domain.ResourceMetrics {
	return &domain.ResourceMetrics{MemoryPercent: 40}
}

func (f *fakeMonitor) ActiveAlerts() map[domain.ResourceType]domain.ResourceAlert { return f.alerts }

type fakeLimiter struct {
	calls []string
}

func (f *fakeLimiter) Stats() domain.LimiterStats          { return domain.LimiterStats{ConcurrentRequestsLimit: 100} }
func (f *fakeLimiter) HealthStatus() domain.LimiterHealth { return domain.LimiterHealth{Status: "healthy"} }
func (f *fakeLimiter) ForceLoadShedding(on bool) {
	if on {
		f.calls = append(f.calls, "on")
	} else {
		f.calls = append(f.calls, "off")
	}
}
func (f *fakeLimiter) ClearLoadSheddingOverride() { f.calls = append(f.calls, "auto") }

type fakeStats struct{ resets int }

func (f *fakeStats) Get24hStats() domain.DailyStats { return domain.DailyStats{RetentionHours: 24} }
func (f *fakeStats) ResetStats()                    { f.resets++ }

type fakeHistory struct {
	items []domain.AlertHistoryItem
	err   error
	limit int
}

func (f *fakeHistory) ListRecent(_ context.Context, _ time.Time, limit int) ([]domain.AlertHistoryItem, error) {
	f.limit = limit
	return f.items, f.err
}

func newService(t *testing.T, history AlertHistory) (*MonitoringService, *fakeMonitor, *fakeLimiter, *fakeStats) {
	t.Helper()
	mon := &fakeMonitor{alerts: map[domain.ResourceType]domain.ResourceAlert{
		domain.ResourceMemory: {ID: "m", ResourceType: domain.ResourceMemory, Status: domain.StatusWarning},
		domain.ResourceCPU:    {ID: "c", ResourceType: domain.ResourceCPU, Status: domain.StatusCritical},
	}}
	lim := &fakeLimiter{}
	st := &fakeStats{}
	return NewMonitoringService(mon, lim, st, history, nil, "node-1", zaptest.NewLogger(t)), mon, lim, st
}

func TestAlerts_SortedWithHistory(t *testing.T) {
	h := &fakeHistory{items: []domain.AlertHistoryItem{{InstanceID: "node-1"}}}
	s, _, _, _ := newService(t, h)

	view := s.Alerts(context.Background(), time.Now().Add(-time.Hour), 50)
	require.Len(t, view.Active, 2)
	assert.Equal(t, domain.ResourceCPU, view.Active[0].ResourceType)
	assert.Equal(t, domain.ResourceMemory, view.Active[1].ResourceType)
	assert.Len(t, view.History, 1)
	assert.Equal(t, 50, h.limit)
}

func TestAlerts_HistoryFailureDegrades(t *testing.T) {
	s, _, _, _ := newService(t, &fakeHistory{err: errors.New("db down")})

	view := s.Alerts(context.Background(), time.Now(), 10)
	assert.Len(t, view.Active, 2)
	assert.Nil(t, view.History)
}

func TestSetShedOverride_LocalWithoutRedis(t *testing.T) {
	s, _, lim, _ := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, s.SetShedOverride(ctx, domain.ShedOverrideRequest{Target: "*", Mode: "on"}, "op-1"))
	require.NoError(t, s.SetShedOverride(ctx, domain.ShedOverrideRequest{Target: "node-1", Mode: "off"}, "op-1"))
	require.NoError(t, s.SetShedOverride(ctx, domain.ShedOverrideRequest{Target: "node-1", Mode: "auto"}, "op-1"))
	assert.Equal(t, []string{"on", "off", "auto"}, lim.calls)

	err := s.SetShedOverride(ctx, domain.ShedOverrideRequest{Target: "node-2", Mode: "on"}, "op-1")
	assert.ErrorIs(t, err, ErrInvalidOverride)
}

func TestSetShedOverride_Validation(t *testing.T) {
	s, _, lim, _ := newService(t, nil)

	err := s.SetShedOverride(context.Background(), domain.ShedOverrideRequest{Target: "*", Mode: "sometimes"}, "op-1")
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = s.SetShedOverride(context.Background(), domain.ShedOverrideRequest{Mode: "on"}, "op-1")
	assert.ErrorIs(t, err, ErrInvalidOverride)
	assert.Empty(t, lim.calls)
}

func TestViews(t *testing.T) {
	s, _, _, st := newService(t, nil)

	assert.Equal(t, 24, s.Stats().RetentionHours)
	assert.Equal(t, 40.0, s.Resources().Metrics.MemoryPercent)
	assert.Equal(t, "healthy", s.Limiter().Health.Status)

	s.ResetStats("op-1")
	assert.Equal(t, 1, st.resets)
}
