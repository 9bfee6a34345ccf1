package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/monitor"
)

// scriptedSampler отдает текущий снимок или ошибку и считает вызовы.
type scriptedSampler struct {
	metrics *domain.ResourceMetrics
	err     error
	calls   int
}

func (s *scriptedSampler) sampler() monitor.SamplerFunc {
	return func(ctx context.Context) (*domain.ResourceMetrics, error) {
		s.calls++
		if s.err != nil {
			return nil, s.err
		}
		m := *s.metrics
		return &m, nil
	}
}

func newFallback(t *testing.T, s *scriptedSampler) (*FallbackLoadSource, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewFallbackLoadSource(s.sampler(), zaptest.NewLogger(t))
	src.clock = func() time.Time { return now }
	return src, &now
}

func TestFallbackLoadSource_FailsTowardSafetyUntilFirstSample(t *testing.T) {
	s := &scriptedSampler{err: errors.New("meminfo unreadable")}
	src, _ := newFallback(t, s)

	assert.Equal(t, domain.ResourceLoad{MemoryPercent: 100, CPUPercent: 100}, src.CurrentLoad())
	// Без успешного сэмпла кэша нет: каждый вызов пробует снова
	src.CurrentLoad()
	assert.Equal(t, 2, s.calls)
}

func TestFallbackLoadSource_RecoversThenKeepsLastGood(t *testing.T) {
	s := &scriptedSampler{err: errors.New("transient")}
	src, now := newFallback(t, s)
	require.Equal(t, 100.0, src.CurrentLoad().MemoryPercent)

	// 1. Сэмплер ожил: берутся только память и CPU, FD и I/O не измерены
	s.err = nil
	s.metrics = &domain.ResourceMetrics{
		MemoryPercent:           41,
		CPUPercent:              12,
		FileDescriptorsPercent:  99,
		FileDescriptorsMeasured: true,
		DiskIOPercent:           99,
		DiskIOMeasured:          true,
	}
	load := src.CurrentLoad()
	assert.Equal(t, domain.ResourceLoad{MemoryPercent: 41, CPUPercent: 12}, load)
	assert.False(t, load.FDMeasured)
	assert.False(t, load.IOMeasured)

	// 2. Внутри окна сэмплер не вызывается
	calls := s.calls
	*now = now.Add(500 * time.Millisecond)
	assert.Equal(t, load, src.CurrentLoad())
	assert.Equal(t, calls, s.calls)

	// 3. Сбой после окна отдает последнее удачное значение, а не 100%
	s.err = errors.New("transient again")
	*now = now.Add(2 * time.Second)
	assert.Equal(t, load, src.CurrentLoad())
	assert.Equal(t, calls+1, s.calls)
}

func TestFallbackLoadSource_HostUnmeasuredIsFailure(t *testing.T) {
	s := &scriptedSampler{metrics: &domain.ResourceMetrics{HostMetricsUnavailable: true}}
	src, _ := newFallback(t, s)

	assert.Equal(t, domain.ResourceLoad{MemoryPercent: 100, CPUPercent: 100}, src.CurrentLoad())
}

func TestLoadFromMetrics(t *testing.T) {
	assert.Equal(t, domain.ResourceLoad{}, LoadFromMetrics(nil))

	load := LoadFromMetrics(&domain.ResourceMetrics{
		MemoryPercent:           30,
		CPUPercent:              20,
		FileDescriptorsPercent:  10,
		FileDescriptorsMeasured: true,
	})
	assert.Equal(t, domain.ResourceLoad{MemoryPercent: 30, CPUPercent: 20, FDPercent: 10, FDMeasured: true}, load)

	load = LoadFromMetrics(&domain.ResourceMetrics{HostMetricsUnavailable: true})
	assert.Equal(t, 100.0, load.MemoryPercent)
	assert.Equal(t, 100.0, load.CPUPercent)
}

func TestFallbackLoadSource_HostUnmeasuredRejects(t *testing.T) {
	src := NewFallbackLoadSource(monitor.SamplerFunc(func(ctx context.Context) (*domain.ResourceMetrics, error) {
		return &domain.ResourceMetrics{HostMetricsUnavailable: true}, nil
	}), zaptest.NewLogger(t))
	l, err := NewResourceLimiter(infra.DefaultLimiterConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := l.CheckRequestLimits("api", 5)
	assert.Equal(t, domain.ActionReject, d.Action)
}
