package domain

import "time"

// HourlyBucket — завершенный час запросов (снимок current_hour_requests при ротации).
type HourlyBucket struct {
	Hour              time.Time        `json:"hour"`
	TotalRequests     int64            `json:"total_requests"`
	ByEndpoint        map[string]int64 `json:"requests_by_endpoint"`
	TotalResponseTime float64          `json:"total_response_time_ms"`
}

// ActivityPoint — точка почасовой активности для дашборда.
type ActivityPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// RequestStats — статистика HTTP-запросов за окно.
type RequestStats struct {
	TotalRequests       int64            `json:"total_requests"`
	CurrentHourRequests int64            `json:"current_hour_requests"`
	RequestsByEndpoint  map[string]int64 `json:"requests_by_endpoint"`
	HourlyBreakdown     []ActivityPoint  `json:"hourly_breakdown"`
	AvgResponseTimeMs   float64          `json:"avg_response_time_ms"`
	ErrorRate           float64          `json:"error_rate"`
	ErrorsLastHour      int              `json:"errors_last_hour"`
}

// AgentStats — статистика выполнения агентов.
type AgentStats struct {
	TotalExecutions      int                `json:"total_executions"`
	SuccessfulExecutions int                `json:"successful_executions"`
	FailedExecutions     int                `json:"failed_executions"`
	SuccessRate          float64            `json:"success_rate"`
	AvgExecutionTimeMs   float64            `json:"avg_execution_time_ms"`
	AgentsByType         map[string]int     `json:"agents_by_type"`
	AvgTimeByType        map[string]float64 `json:"avg_execution_time_by_type_ms"`
}

// WebSocketStats — здоровье WebSocket-соединений.
type WebSocketStats struct {
	ActiveConnections     int            `json:"active_connections"`
	TotalEvents           int            `json:"total_events"`
	EventsByType          map[string]int `json:"events_by_type"`
	ConnectionAttempts    int            `json:"connection_attempts"`
	ConnectionFailures    int            `json:"connection_failures"`
	ConnectionSuccessRate float64        `json:"connection_success_rate"`
	Disconnects           int            `json:"disconnects"`
}

// ErrorRateStats — распределение ошибок по категориям и типам.
type ErrorRateStats struct {
	TotalErrors         int                `json:"total_errors"`
	ErrorsLastHour      int                `json:"errors_last_hour"`
	ErrorsByCategory    map[string]int     `json:"errors_by_category"`
	ErrorsByType        map[string]int     `json:"errors_by_type"`
	ErrorRateByCategory map[string]float64 `json:"error_rate_by_category"`
	RecentErrors        []ErrorEvent       `json:"recent_errors"`
}

// DailyStats — полный ответ Get24hStats.
type DailyStats struct {
	RequestCounts    RequestStats              `json:"request_counts"`
	AgentStats       AgentStats                `json:"agent_stats"`
	WebSocketMetrics WebSocketStats            `json:"websocket_metrics"`
	ErrorRates       ErrorRateStats            `json:"error_rates"`
	ExternalSources  map[string]map[string]any `json:"external_sources,omitempty"`
	Timestamp        time.Time                 `json:"timestamp"`
	RetentionHours   int                       `json:"retention_hours"`
}

// AgentExecution — сырое событие выполнения агента.
type AgentExecution struct {
	AgentType       string    `json:"agent_type"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	Success         bool      `json:"success"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// WebSocketEvent — сырое событие WebSocket.
type WebSocketEvent struct {
	EventType    string         `json:"event_type"`
	ConnectionID string         `json:"connection_id"`
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ErrorEvent — единая воронка для всех ошибок (api, agent, websocket, ...).
type ErrorEvent struct {
	Category  string         `json:"category"`
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
