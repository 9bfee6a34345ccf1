package monitor

import (
	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// Classify относит значение к уровню по тройке порогов (побеждает наибольший превышенный)
// и возвращает сработавший порог. Для NORMAL порог — warning.
func Classify(value float64, t domain.ResourceThresholds) (domain.AlertStatus, float64) {
	switch {
	case value >= t.Exhaustion:
		return domain.StatusExhausted, t.Exhaustion
	case value >= t.Critical:
		return domain.StatusCritical, t.Critical
	case value >= t.Warning:
		return domain.StatusWarning, t.Warning
	default:
		return domain.StatusNormal, t.Warning
	}
}

// resourceValue достает из снимка процент загрузки ресурса.
// ok == false — значение не измерено и оценка порогов для ресурса пропускается.
func resourceValue(rt domain.ResourceType, m *domain.ResourceMetrics, cfg infra.MonitorConfig) (float64, bool) {
	switch rt {
	case domain.ResourceMemory:
		return m.MemoryPercent, !m.HostMetricsUnavailable
	case domain.ResourceCPU:
		return m.CPUPercent, !m.HostMetricsUnavailable
	case domain.ResourceDiskIO:
		return m.DiskIOPercent, cfg.EnableIOMonitoring && m.DiskIOMeasured
	case domain.ResourceNetwork:
		return m.NetworkUtilization, cfg.EnableNetworkMonitoring && m.NetworkMeasured
	case domain.ResourceFileDescriptors:
		return m.FileDescriptorsPercent, m.FileDescriptorsMeasured
	case domain.ResourceThreads:
		if cfg.MaxThreads <= 0 || m.ThreadsCount == 0 {
			return 0, false
		}
		return float64(m.ThreadsCount) / float64(cfg.MaxThreads) * 100, true
	}
	return 0, false
}
