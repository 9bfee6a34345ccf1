package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/monitor"
)

// LoadSource — источник текущей нагрузки для решений допуска. Вызов не должен блокироваться.
type LoadSource interface {
	CurrentLoad() domain.ResourceLoad
}

// LoadSourceFunc — адаптер функции к LoadSource.
type LoadSourceFunc func() domain.ResourceLoad

func (f LoadSourceFunc) CurrentLoad() domain.ResourceLoad { return f() }

// MonitorLoadSource читает последний снимок ResourceMonitor.
type MonitorLoadSource struct {
	monitor *monitor.ResourceMonitor
}

func NewMonitorLoadSource(m *monitor.ResourceMonitor) *MonitorLoadSource {
	return &MonitorLoadSource{monitor: m}
}

func (s *MonitorLoadSource) CurrentLoad() domain.ResourceLoad {
	return LoadFromMetrics(s.monitor.CurrentMetrics())
}

// LoadFromMetrics проецирует снимок монитора в нагрузку лимитера.
// Неизмеренные память и CPU хоста считаются полной загрузкой.
func LoadFromMetrics(m *domain.ResourceMetrics) domain.ResourceLoad {
	if m == nil {
		return domain.ResourceLoad{}
	}
	load := domain.ResourceLoad{
		MemoryPercent: m.MemoryPercent,
		CPUPercent:    m.CPUPercent,
		FDPercent:     m.FileDescriptorsPercent,
		FDMeasured:    m.FileDescriptorsMeasured,
		IOPercent:     m.DiskIOPercent,
		IOMeasured:    m.DiskIOMeasured,
	}
	if m.HostMetricsUnavailable {
		load.MemoryPercent, load.CPUPercent = 100, 100
	}
	return load
}

// fallbackMinInterval — не чаще одного прямого сэмпла на это окно.
const fallbackMinInterval = time.Second

var errHostUnmeasured = errors.New("host memory and cpu are not measured on this platform")

// FallbackLoadSource сэмплирует ОС напрямую, когда монитор не подключен.
// Отдает только память и CPU: FD и I/O всегда "не измерены".
// Если ни одного успешного сэмпла еще не было, отдает 100% (fail toward safety).
type FallbackLoadSource struct {
	sampler monitor.Sampler
	logger  *zap.Logger

	clock func() time.Time

	mu       sync.Mutex
	last     domain.ResourceLoad
	hasLast  bool
	sampleAt time.Time
}

func NewFallbackLoadSource(sampler monitor.Sampler, logger *zap.Logger) *FallbackLoadSource {
	return &FallbackLoadSource{sampler: sampler, logger: logger.Named("fallback-load"), clock: time.Now}
}

func (s *FallbackLoadSource) CurrentLoad() domain.ResourceLoad {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.hasLast && now.Sub(s.sampleAt) < fallbackMinInterval {
		return s.last
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	m, err := s.sampler.Sample(ctx)
	s.sampleAt = now
	if err == nil && m.HostMetricsUnavailable {
		err = errHostUnmeasured
	}
	if err != nil {
		s.logger.Warn("direct resource sampling failed", zap.Error(err))
		if !s.hasLast {
			return domain.ResourceLoad{MemoryPercent: 100, CPUPercent: 100}
		}
		return s.last
	}

	s.last = domain.ResourceLoad{MemoryPercent: m.MemoryPercent, CPUPercent: m.CPUPercent}
	s.hasLast = true
	return s.last
}
