package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
)

type Metrics struct {
	// Latency: время обработки запроса за допуском
	RequestDuration *prometheus.HistogramVec

	// Admission: решения лимитера по действию и причине
	Decisions *prometheus.CounterVec

	// Saturation: текущая загрузка ресурсов (последний снимок монитора)
	ResourceUsage *prometheus.GaugeVec

	// Alerts: поднятые алерты и текущая severity по ресурсу (0 - норма)
	AlertsRaised   *prometheus.CounterVec
	AlertsSeverity *prometheus.GaugeVec

	// Флаги лимитера (0/1)
	LoadShedding prometheus.Gauge
	Throttling   prometheus.Gauge

	// Внешние источники: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Alert log: заполненность буфера (backpressure)
	AlertLogBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opscore_request_duration_seconds",
			Help:    "Histogram of admitted request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "status"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opscore_admission_decisions_total",
			Help: "Admission decisions by action and reason.",
		}, []string{"action", "reason"}),

		ResourceUsage: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "opscore_resource_usage_percent",
			Help: "Latest sampled resource usage in percent.",
		}, []string{"resource"}),

		AlertsRaised: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opscore_resource_alerts_total",
			Help: "Resource alerts raised by resource and status.",
		}, []string{"resource", "status"}),

		AlertsSeverity: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "opscore_resource_alert_severity",
			Help: "Active alert severity per resource (0=normal, 3=exhausted).",
		}, []string{"resource"}),

		LoadShedding: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opscore_load_shedding_active",
			Help: "Whether load shedding is active (0/1).",
		}),

		Throttling: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opscore_throttling_active",
			Help: "Whether throttling is active (0/1).",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "opscore_circuit_breaker_state",
			Help: "State of external metrics source breakers (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),

		AlertLogBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opscore_alert_log_buffer_utilization",
			Help: "Current number of alert events waiting to be persisted.",
		}),
	}
}

// OnAlert — колбэк монитора: счетчик поднятых алертов и текущая severity.
func (m *Metrics) OnAlert(e domain.AlertEvent) {
	rt := string(e.Alert.ResourceType)
	if e.Recovered {
		m.AlertsSeverity.WithLabelValues(rt).Set(0)
		return
	}
	m.AlertsRaised.WithLabelValues(rt, string(e.Alert.Status)).Inc()
	m.AlertsSeverity.WithLabelValues(rt).Set(float64(e.Alert.Status.Severity()))
}

// ObserveResources переносит снимок монитора в gauge. Неизмеренные ресурсы не публикуются.
func (m *Metrics) ObserveResources(rm *domain.ResourceMetrics) {
	if rm == nil {
		return
	}
	if !rm.HostMetricsUnavailable {
		m.ResourceUsage.WithLabelValues(string(domain.ResourceMemory)).Set(rm.MemoryPercent)
		m.ResourceUsage.WithLabelValues(string(domain.ResourceCPU)).Set(rm.CPUPercent)
	}
	if rm.FileDescriptorsMeasured {
		m.ResourceUsage.WithLabelValues(string(domain.ResourceFileDescriptors)).Set(rm.FileDescriptorsPercent)
	}
	if rm.DiskIOMeasured {
		m.ResourceUsage.WithLabelValues(string(domain.ResourceDiskIO)).Set(rm.DiskIOPercent)
	}
	if rm.NetworkMeasured {
		m.ResourceUsage.WithLabelValues(string(domain.ResourceNetwork)).Set(rm.NetworkUtilization)
	}
}

// OnFlagsChanged реализует limiter.FlagObserver.
func (m *Metrics) OnFlagsChanged(flags limiter.Flags) {
	m.LoadShedding.Set(boolGauge(flags.IsLoadShedding))
	m.Throttling.Set(boolGauge(flags.ThrottlingActive))
}

// OnDecision реализует limiter.DecisionObserver.
func (m *Metrics) OnDecision(_ string, d domain.LimitingDecision) {
	m.Decisions.WithLabelValues(string(d.Action), string(d.Reason)).Inc()
}

// LimiterStatsSource — часть лимитера, из которой снимаются gauge конкурентности.
type LimiterStatsSource interface {
	Stats() domain.LimiterStats
}

// RegisterLimiterGauges публикует занятые слоты и глубину очереди. Значения
// читаются в момент скрейпа, отдельного цикла обновления нет.
func RegisterLimiterGauges(reg prometheus.Registerer, l LimiterStatsSource) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opscore_concurrent_requests",
		Help: "Requests currently holding a concurrency slot.",
	}, func() float64 { return float64(l.Stats().CurrentConcurrentRequests) })

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opscore_request_queue_depth",
		Help: "Requests waiting for a concurrency slot.",
	}, func() float64 { return float64(l.Stats().QueueSize) })
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
