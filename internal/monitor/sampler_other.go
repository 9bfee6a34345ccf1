//go:build !linux

package monitor

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// ProcSampler на платформах без procfs видит только рантайм процесса.
// Память и CPU хоста помечаются HostMetricsUnavailable, остальное — флагами "не измерено".
type ProcSampler struct {
	logger *zap.Logger
}

func NewProcSampler(_ infra.MonitorConfig, logger *zap.Logger) (*ProcSampler, error) {
	logger.Named("sampler").Warn("procfs is not available on this platform, host metrics are not measured",
		zap.String("goos", runtime.GOOS))
	return &ProcSampler{logger: logger.Named("sampler")}, nil
}

func (s *ProcSampler) Sample(ctx context.Context) (*domain.ResourceMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &domain.ResourceMetrics{
		HostMetricsUnavailable: true,
		CPUCount:               numCPU(),
		Goroutines:             runtime.NumGoroutine(),
		ProcessMemoryMB:        bytesToMB(float64(ms.Sys)),
		Timestamp:              time.Now(),
	}, nil
}
