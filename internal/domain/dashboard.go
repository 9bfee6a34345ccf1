package domain

import "time"

// ResourcesView — ответ /monitoring/resources: сводка здоровья и последний снимок.
type ResourcesView struct {
	Summary SystemHealthSummary `json:"summary"`
	Metrics *ResourceMetrics    `json:"metrics"`
}

// LimiterView — ответ /monitoring/limiter.
type LimiterView struct {
	Stats  LimiterStats  `json:"stats"`
	Health LimiterHealth `json:"health"`
}

// AlertHistoryItem — запись журнала алертов.
type AlertHistoryItem struct {
	InstanceID string        `json:"instance_id"`
	Alert      ResourceAlert `json:"alert"`
	Recovered  bool          `json:"recovered"`
}

// AlertsView — активные алерты инстанса и (если подключена база) история.
type AlertsView struct {
	Active  []ResourceAlert    `json:"active"`
	History []AlertHistoryItem `json:"history,omitempty"`
	Since   time.Time          `json:"since"`
}

// ShedOverrideRequest — команда оператора на load shedding.
type ShedOverrideRequest struct {
	Target string `json:"target"` // id инстанса или "*"
	Mode   string `json:"mode"`   // on, off, auto
}
