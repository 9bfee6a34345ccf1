package monitor

import (
	"context"
	"runtime"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

// Sampler снимает один полный снимок ресурсов.
// Ошибка означает, что снимок непригоден целиком (например, нет /proc/meminfo);
// сбои отдельных подсистем (I/O, сеть, FD) реализация обязана гасить сама.
type Sampler interface {
	Sample(ctx context.Context) (*domain.ResourceMetrics, error)
}

// SamplerFunc — адаптер функции к Sampler (удобно в тестах).
type SamplerFunc func(ctx context.Context) (*domain.ResourceMetrics, error)

func (f SamplerFunc) Sample(ctx context.Context) (*domain.ResourceMetrics, error) {
	return f(ctx)
}

// cpuCounters — сырые счетчики /proc/stat для расчета процента между тиками.
type cpuCounters struct {
	busy  float64
	total float64
}

func cpuPercent(prev, cur cpuCounters) float64 {
	totalDelta := cur.total - prev.total
	if totalDelta <= 0 {
		return 0
	}
	busyDelta := cur.busy - prev.busy
	if busyDelta < 0 {
		busyDelta = 0
	}
	return clampPercent(busyDelta / totalDelta * 100)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func perSecond(prev, cur uint64, seconds float64) float64 {
	if seconds <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

func bytesToMB(b float64) float64 {
	return b / (1024 * 1024)
}

func numCPU() int {
	return runtime.NumCPU()
}
