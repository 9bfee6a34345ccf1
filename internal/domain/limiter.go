package domain

import "time"

// LimitAction — решение допуска для входящего запроса.
type LimitAction string

const (
	ActionAllow    LimitAction = "allow"
	ActionThrottle LimitAction = "throttle"
	ActionReject   LimitAction = "reject"
	ActionQueue    LimitAction = "queue"
)

// LimitReason — причина ограничения. Пустая строка означает отсутствие причины (ALLOW).
type LimitReason string

const (
	ReasonNone           LimitReason = ""
	ReasonMemoryPressure LimitReason = "memory_pressure"
	ReasonCPUOverload    LimitReason = "cpu_overload"
	ReasonIOSaturation   LimitReason = "io_saturation"
	ReasonFDExhaustion   LimitReason = "fd_exhaustion"
	ReasonRateLimited    LimitReason = "rate_limited"
	ReasonQueueFull      LimitReason = "queue_full"
)

// ResourceLoad — текущая нагрузка, на основании которой принимается решение.
// FD и IO без флага *Measured — "не измерено", а не "ноль".
type ResourceLoad struct {
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	FDPercent     float64 `json:"fd_percent"`
	FDMeasured    bool    `json:"fd_measured"`
	IOPercent     float64 `json:"io_percent"`
	IOMeasured    bool    `json:"io_measured"`
}

// AsMap возвращает словарную форму нагрузки; неизмеренные значения отдаются как nil.
func (l ResourceLoad) AsMap() map[string]any {
	m := map[string]any{
		"memory_percent": l.MemoryPercent,
		"cpu_percent":    l.CPUPercent,
		"fd_percent":     nil,
		"io_percent":     nil,
	}
	if l.FDMeasured {
		m["fd_percent"] = l.FDPercent
	}
	if l.IOMeasured {
		m["io_percent"] = l.IOPercent
	}
	return m
}

// LimitingDecision — результат CheckRequestLimits. Создается заново на каждый вызов.
type LimitingDecision struct {
	Action       LimitAction    `json:"action"`
	Reason       LimitReason    `json:"reason,omitempty"`
	DelaySeconds float64        `json:"delay_seconds"`
	Message      string         `json:"message"`
	CurrentLoad  map[string]any `json:"current_load"`
}

// Delay переводит задержку в time.Duration для вызывающего кода.
func (d LimitingDecision) Delay() time.Duration {
	return time.Duration(d.DelaySeconds * float64(time.Second))
}

// LimiterStats — проекция счетчиков и флагов лимитера.
type LimiterStats struct {
	CurrentConcurrentRequests int            `json:"current_concurrent_requests"`
	ConcurrentRequestsLimit   int            `json:"concurrent_requests_limit"`
	QueueSize                 int            `json:"queue_size"`
	QueueSizeLimit            int            `json:"queue_size_limit"`
	IsLoadShedding            bool           `json:"is_load_shedding"`
	LoadSheddingForced        bool           `json:"load_shedding_forced"`
	ThrottlingActive          bool           `json:"throttling_active"`
	CurrentThrottleDelayMs    float64        `json:"current_throttle_delay_ms"`
	CurrentLoad               map[string]any `json:"current_load"`
	DecisionCounts            map[string]int `json:"decision_counts"`
	MonitoringActive          bool           `json:"monitoring_active"`
}

// LimiterHealth — статус здоровья лимитера для мониторингового API.
type LimiterHealth struct {
	Status             string         `json:"status"` // healthy, degraded, critical
	IsLoadShedding     bool           `json:"is_load_shedding"`
	ThrottlingActive   bool           `json:"throttling_active"`
	ConcurrencyPercent float64        `json:"concurrency_utilization_percent"`
	QueueUtilization   float64        `json:"queue_utilization_percent"`
	CurrentLoad        map[string]any `json:"current_load"`
	AcceptingRequests  bool           `json:"accepting_requests"`
	Timestamp          time.Time      `json:"timestamp"`
}
