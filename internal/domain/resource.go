package domain

import (
	"fmt"
	"time"
)

// ResourceType — тип наблюдаемого системного ресурса.
type ResourceType string

const (
	ResourceMemory          ResourceType = "memory"
	ResourceCPU             ResourceType = "cpu"
	ResourceDiskIO          ResourceType = "disk_io"
	ResourceNetwork         ResourceType = "network"
	ResourceFileDescriptors ResourceType = "file_descriptors"
	ResourceThreads         ResourceType = "threads"
)

// AllResourceTypes фиксирует порядок обхода ресурсов при оценке порогов.
var AllResourceTypes = []ResourceType{
	ResourceMemory,
	ResourceCPU,
	ResourceDiskIO,
	ResourceNetwork,
	ResourceFileDescriptors,
	ResourceThreads,
}

// AlertStatus — уровень серьезности состояния ресурса.
type AlertStatus string

const (
	StatusNormal    AlertStatus = "normal"
	StatusWarning   AlertStatus = "warning"
	StatusCritical  AlertStatus = "critical"
	StatusExhausted AlertStatus = "exhausted"
)

// Severity возвращает числовой ранг статуса: EXHAUSTED > CRITICAL > WARNING > NORMAL.
func (s AlertStatus) Severity() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusExhausted:
		return 3
	default:
		return 0
	}
}

// ResourceThresholds — тройка порогов в процентах.
// Порядок warning < critical < exhaustion проверяется только при валидации конфига.
type ResourceThresholds struct {
	Warning    float64 `json:"warning_threshold" mapstructure:"warning"`
	Critical   float64 `json:"critical_threshold" mapstructure:"critical"`
	Exhaustion float64 `json:"exhaustion_threshold" mapstructure:"exhaustion"`
}

// Validate проверяет монотонность порогов.
func (t ResourceThresholds) Validate() error {
	if t.Warning < 0 || t.Exhaustion > 100 {
		return fmt.Errorf("thresholds must be within [0, 100], got %.1f/%.1f/%.1f", t.Warning, t.Critical, t.Exhaustion)
	}
	if !(t.Warning < t.Critical && t.Critical < t.Exhaustion) {
		return fmt.Errorf("thresholds must satisfy warning < critical < exhaustion, got %.1f/%.1f/%.1f", t.Warning, t.Critical, t.Exhaustion)
	}
	return nil
}

// ResourceMetrics — снимок состояния ресурсов. После публикации не изменяется:
// каждый тик сэмплера создает новый снимок целиком.
type ResourceMetrics struct {
	// Память
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`

	// true — память и CPU хоста не измерены (нет procfs), проценты выше недостоверны
	HostMetricsUnavailable bool `json:"host_metrics_unavailable,omitempty"`

	// CPU. LoadAverage == nil означает "не измерено" (платформа не поддерживает).
	CPUPercent  float64   `json:"cpu_percent"`
	CPUCount    int       `json:"cpu_count"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	// Дисковый I/O
	DiskReadMBPerSec  float64 `json:"disk_read_mb_per_sec"`
	DiskWriteMBPerSec float64 `json:"disk_write_mb_per_sec"`
	DiskIOPercent     float64 `json:"disk_io_percent"`
	DiskIOMeasured    bool    `json:"disk_io_measured"`

	// Сеть
	NetworkBytesSentPerSec float64 `json:"network_bytes_sent_per_sec"`
	NetworkBytesRecvPerSec float64 `json:"network_bytes_recv_per_sec"`
	NetworkConnections     int     `json:"network_connections"`
	NetworkMeasured        bool    `json:"network_measured"`

	// Файловые дескрипторы процесса
	FileDescriptorsUsed     int     `json:"file_descriptors_used"`
	FileDescriptorsLimit    int     `json:"file_descriptors_limit"`
	FileDescriptorsPercent  float64 `json:"file_descriptors_percent"`
	FileDescriptorsMeasured bool    `json:"file_descriptors_measured"`

	// Процесс
	ThreadsCount       int     `json:"threads_count"`
	ProcessMemoryMB    float64 `json:"process_memory_mb"`
	ProcessCPUPercent  float64 `json:"process_cpu_percent"`
	Goroutines         int     `json:"goroutines"`
	NetworkUtilization float64 `json:"network_utilization_percent"`

	Timestamp time.Time `json:"timestamp"`
}

// ResourceAlert — активный алерт по одному типу ресурса.
// В карте активных алертов на каждый ResourceType приходится не более одного алерта.
type ResourceAlert struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	Status       AlertStatus  `json:"status"`
	CurrentValue float64      `json:"current_value"`
	Threshold    float64      `json:"threshold"`
	Timestamp    time.Time    `json:"timestamp"`
	Message      string       `json:"message"`
}

// AlertEvent — запись для истории алертов (поднятие или восстановление).
type AlertEvent struct {
	Alert     ResourceAlert `json:"alert"`
	Recovered bool          `json:"recovered"`
}

// SystemHealthSummary — агрегированная сводка здоровья системы.
type SystemHealthSummary struct {
	OverallStatus    AlertStatus     `json:"overall_status"`
	HealthPercentage float64         `json:"health_percentage"`
	HealthyResources int             `json:"healthy_resources"`
	TotalResources   int             `json:"total_resources"`
	ActiveAlerts     []ResourceAlert `json:"active_alerts"`
	MemoryPercent    float64         `json:"memory_percent"`
	CPUPercent       float64         `json:"cpu_percent"`
	FDPercent        *float64        `json:"file_descriptors_percent"`
	MonitoringActive bool            `json:"monitoring_active"`
	LastUpdate       time.Time       `json:"last_update"`
}
