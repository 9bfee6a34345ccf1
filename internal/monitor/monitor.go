package monitor

/*
ResourceMonitor — единственный источник телеметрии ресурсов процесса и хоста.

- Сэмплинг: раз в CollectionInterval снимается новый ResourceMetrics целиком;
  current/previous заменяются, но никогда не мутируются после публикации.
- Алерты: на каждый ResourceType активен не более одного алерта.
  Повторный алерт того же уровня подавляется до истечения AlertCooldown,
  эскалация или смена уровня проходит сразу. Восстановление до NORMAL
  снимает алерт без кулдауна.
- Колбэки вызываются синхронно; паника одного колбэка не мешает остальным.
*/

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// loopErrorBackoff — пауза цикла после ошибки сэмплинга.
const loopErrorBackoff = 5 * time.Second

// AlertCallback получает поднятия и восстановления алертов.
type AlertCallback func(event domain.AlertEvent)

// CallbackID — дескриптор подписки для RemoveAlertCallback.
type CallbackID uint64

type callbackEntry struct {
	id CallbackID
	cb AlertCallback
}

// Option настраивает монитор при создании.
type Option func(*ResourceMonitor)

// WithClock подменяет источник времени (кулдаун считается по нему).
func WithClock(clock func() time.Time) Option {
	return func(m *ResourceMonitor) { m.clock = clock }
}

// WithSampleObserver вызывается после каждого успешного снимка (экспорт метрик).
func WithSampleObserver(fn func(*domain.ResourceMetrics)) Option {
	return func(m *ResourceMonitor) { m.observers = append(m.observers, fn) }
}

type ResourceMonitor struct {
	cfg       infra.MonitorConfig
	sampler   Sampler
	logger    *zap.Logger
	clock     func() time.Time
	observers []func(*domain.ResourceMetrics)

	metricsMu sync.RWMutex
	current   *domain.ResourceMetrics
	previous  *domain.ResourceMetrics

	// Критическая секция машины состояний алертов
	alertsMu     sync.Mutex
	activeAlerts map[domain.ResourceType]domain.ResourceAlert
	lastAlertAt  map[domain.ResourceType]time.Time

	cbMu      sync.RWMutex
	callbacks []callbackEntry
	nextCbID  CallbackID

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastNumGC atomic.Uint32
}

// NewResourceMonitor создает монитор. Невалидный конфиг — ошибка на старте.
func NewResourceMonitor(cfg infra.MonitorConfig, sampler Sampler, logger *zap.Logger, opts ...Option) (*ResourceMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("%w: monitor sampler is required", infra.ErrInvalidConfig)
	}

	m := &ResourceMonitor{
		cfg:          cfg,
		sampler:      sampler,
		logger:       logger.With(zap.String("mod", "resource-monitor")),
		clock:        time.Now,
		current:      &domain.ResourceMetrics{},
		activeAlerts: make(map[domain.ResourceType]domain.ResourceAlert),
		lastAlertAt:  make(map[domain.ResourceType]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start запускает цикл сэмплинга. Повторный вызов на работающем мониторе ничего не делает.
// Первый снимок снимается синхронно, чтобы данные были до первого интервала.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running.Load() {
		return
	}

	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("initial resource sample failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running.Store(true)
	m.wg.Add(1)
	go m.loop(loopCtx)

	m.logger.Info("resource monitoring started",
		zap.Duration("interval", m.cfg.CollectionInterval),
		zap.Duration("alert_cooldown", m.cfg.AlertCooldown))
}

// Stop отменяет цикл и дожидается его завершения.
func (m *ResourceMonitor) Stop() {
	m.runMu.Lock()
	if !m.running.Load() {
		m.runMu.Unlock()
		return
	}
	m.cancel()
	m.running.Store(false)
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("resource monitoring stopped")
}

func (m *ResourceMonitor) IsRunning() bool {
	return m.running.Load()
}

func (m *ResourceMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				m.logger.Error("resource monitoring tick failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(loopErrorBackoff):
				}
			}
		}
	}
}

// Refresh выполняет один тик: снимок, оценка порогов, GC-эвристика.
func (m *ResourceMonitor) Refresh(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during resource sampling: %v", r)
		}
	}()

	metrics, err := m.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample resources: %w", err)
	}
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = m.clock()
	}

	m.metricsMu.Lock()
	m.previous = m.current
	m.current = metrics
	m.metricsMu.Unlock()

	m.checkThresholds(metrics)
	for _, fn := range m.observers {
		fn(metrics)
	}

	if m.cfg.EnableGCMonitoring {
		m.maybeCollectGarbage()
	}
	return nil
}

func (m *ResourceMonitor) checkThresholds(metrics *domain.ResourceMetrics) {
	for _, rt := range domain.AllResourceTypes {
		thresholds, enabled := m.cfg.Thresholds[rt]
		if !enabled {
			continue
		}
		value, ok := resourceValue(rt, metrics, m.cfg)
		if !ok {
			m.clearUnmeasured(rt)
			continue
		}
		m.evaluate(rt, value, thresholds)
	}
}

// evaluate — переход машины состояний для одного ресурса.
func (m *ResourceMonitor) evaluate(rt domain.ResourceType, value float64, thresholds domain.ResourceThresholds) {
	status, threshold := Classify(value, thresholds)
	now := m.clock()

	m.alertsMu.Lock()
	existing, active := m.activeAlerts[rt]

	if status == domain.StatusNormal {
		if !active {
			m.alertsMu.Unlock()
			return
		}
		delete(m.activeAlerts, rt)
		m.alertsMu.Unlock()

		m.logger.Info("resource recovered",
			zap.String("resource", string(rt)),
			zap.Float64("value", value),
			zap.String("previous_status", string(existing.Status)))

		recovered := existing
		recovered.Status = domain.StatusNormal
		recovered.CurrentValue = value
		recovered.Timestamp = now
		recovered.Message = fmt.Sprintf("%s usage recovered to %.1f%%", rt, value)
		m.dispatch(domain.AlertEvent{Alert: recovered, Recovered: true})
		return
	}

	if active && existing.Status == status && now.Sub(m.lastAlertAt[rt]) < m.cfg.AlertCooldown {
		m.alertsMu.Unlock()
		return
	}

	alert := domain.ResourceAlert{
		ID:           uuid.New().String(),
		ResourceType: rt,
		Status:       status,
		CurrentValue: value,
		Threshold:    threshold,
		Timestamp:    now,
		Message:      fmt.Sprintf("%s usage %.1f%% reached %s threshold %.1f%%", rt, value, status, threshold),
	}
	m.activeAlerts[rt] = alert
	m.lastAlertAt[rt] = now
	m.alertsMu.Unlock()

	fields := []zap.Field{
		zap.String("resource", string(rt)),
		zap.String("status", string(status)),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold),
	}
	if status == domain.StatusWarning {
		m.logger.Warn("resource alert", fields...)
	} else {
		m.logger.Error("resource alert", fields...)
	}

	m.dispatch(domain.AlertEvent{Alert: alert})
}

// clearUnmeasured снимает активный алерт ресурса, который перестал измеряться.
func (m *ResourceMonitor) clearUnmeasured(rt domain.ResourceType) {
	m.alertsMu.Lock()
	existing, active := m.activeAlerts[rt]
	if !active {
		m.alertsMu.Unlock()
		return
	}
	delete(m.activeAlerts, rt)
	m.alertsMu.Unlock()

	m.logger.Warn("resource is no longer measured, alert cleared",
		zap.String("resource", string(rt)),
		zap.String("previous_status", string(existing.Status)))

	cleared := existing
	cleared.Status = domain.StatusNormal
	cleared.Timestamp = m.clock()
	cleared.Message = fmt.Sprintf("%s is no longer measured, alert cleared", rt)
	m.dispatch(domain.AlertEvent{Alert: cleared, Recovered: true})
}

func (m *ResourceMonitor) dispatch(event domain.AlertEvent) {
	m.cbMu.RLock()
	callbacks := make([]callbackEntry, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, entry := range callbacks {
		m.safeCall(entry, event)
	}
}

func (m *ResourceMonitor) safeCall(entry callbackEntry, event domain.AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked",
				zap.Uint64("callback_id", uint64(entry.id)),
				zap.Any("panic", r))
		}
	}()
	entry.cb(event)
}

// maybeCollectGarbage принудительно отдает память ОС, если куча выросла выше
// водяной метки, а рантайм с прошлого тика сам не собирал мусор.
func (m *ResourceMonitor) maybeCollectGarbage() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	watermark := uint64(m.cfg.GCHeapWatermarkMB) * 1024 * 1024
	idle := m.lastNumGC.Swap(ms.NumGC) == ms.NumGC
	if watermark == 0 || ms.HeapAlloc < watermark || !idle {
		return
	}

	debug.FreeOSMemory()
	m.logger.Debug("forced garbage collection",
		zap.Uint64("heap_alloc_mb", ms.HeapAlloc/1024/1024),
		zap.Int("watermark_mb", m.cfg.GCHeapWatermarkMB))
}

// AddAlertCallback регистрирует наблюдателя алертов.
func (m *ResourceMonitor) AddAlertCallback(cb AlertCallback) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCbID++
	m.callbacks = append(m.callbacks, callbackEntry{id: m.nextCbID, cb: cb})
	return m.nextCbID
}

// RemoveAlertCallback снимает подписку. Неизвестный id игнорируется.
func (m *ResourceMonitor) RemoveAlertCallback(id CallbackID) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, entry := range m.callbacks {
		if entry.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// CurrentMetrics возвращает текущий снимок. Снимок не мутируется, копия не нужна.
func (m *ResourceMonitor) CurrentMetrics() *domain.ResourceMetrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.current
}

// PreviousMetrics возвращает снимок прошлого тика (nil до второго тика).
func (m *ResourceMonitor) PreviousMetrics() *domain.ResourceMetrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.previous
}

// ActiveAlerts возвращает копию карты активных алертов.
func (m *ResourceMonitor) ActiveAlerts() map[domain.ResourceType]domain.ResourceAlert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make(map[domain.ResourceType]domain.ResourceAlert, len(m.activeAlerts))
	for rt, a := range m.activeAlerts {
		out[rt] = a
	}
	return out
}

// IsResourceHealthy — true, если по ресурсу нет активного алерта.
func (m *ResourceMonitor) IsResourceHealthy(rt domain.ResourceType) bool {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	_, active := m.activeAlerts[rt]
	return !active
}

// SystemHealthSummary — худший уровень среди активных алертов и доля здоровых ресурсов.
func (m *ResourceMonitor) SystemHealthSummary() domain.SystemHealthSummary {
	alerts := m.ActiveAlerts()
	total := len(domain.AllResourceTypes)

	overall := domain.StatusNormal
	list := make([]domain.ResourceAlert, 0, len(alerts))
	for _, a := range alerts {
		if a.Status.Severity() > overall.Severity() {
			overall = a.Status
		}
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ResourceType < list[j].ResourceType })

	healthy := total - len(alerts)
	summary := domain.SystemHealthSummary{
		OverallStatus:    overall,
		HealthPercentage: float64(healthy) / float64(total) * 100,
		HealthyResources: healthy,
		TotalResources:   total,
		ActiveAlerts:     list,
		MonitoringActive: m.IsRunning(),
	}

	if cur := m.CurrentMetrics(); cur != nil {
		summary.MemoryPercent = cur.MemoryPercent
		summary.CPUPercent = cur.CPUPercent
		summary.LastUpdate = cur.Timestamp
		if cur.FileDescriptorsMeasured {
			fd := cur.FileDescriptorsPercent
			summary.FDPercent = &fd
		}
	}
	return summary
}
