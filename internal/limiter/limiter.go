package limiter

/*
ResourceLimiter превращает телеметрию ресурсов и счетчики конкурентности
в решения допуска: ALLOW / THROTTLE / REJECT / QUEUE.

- CheckRequestLimits — чистое решение: счетчики конкурентности не меняет.
  Проверки идут в строгом порядке и обрываются на первой сработавшей:
  load shedding -> память -> CPU -> FD -> I/O -> конкурентность -> RPS.
- AcquireRequestSlot / ReleaseRequestSlot обрамляют выполнение запроса.
  Release терпит лишние вызовы (счетчик не уходит ниже нуля).
- Фоновый цикл раз в MonitoringInterval пересчитывает флаги
  is_load_shedding (с гистерезисом shed/recovery) и throttling_active.
*/

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// ErrQueueFull — очередь ожидания слота заполнена.
var ErrQueueFull = errors.New("limiter: request queue is full")

// sheddingPriorityCutoff — при load shedding проходят только приоритеты <= 3 (1 — высший).
const sheddingPriorityCutoff = 3

// Flags — состояние системных флагов лимитера.
type Flags struct {
	IsLoadShedding   bool                `json:"is_load_shedding"`
	Forced           bool                `json:"forced"`
	ThrottlingActive bool                `json:"throttling_active"`
	Load             domain.ResourceLoad `json:"load"`
	ChangedAt        time.Time           `json:"changed_at"`
}

// FlagObserver получает уведомления о смене флагов (метрики, Redis, gRPC health).
type FlagObserver interface {
	OnFlagsChanged(flags Flags)
}

// FlagObserverFunc — адаптер функции к FlagObserver.
type FlagObserverFunc func(flags Flags)

func (f FlagObserverFunc) OnFlagsChanged(flags Flags) { f(flags) }

// DecisionObserver получает каждое принятое решение (метрики).
type DecisionObserver interface {
	OnDecision(requestType string, decision domain.LimitingDecision)
}

// Option настраивает лимитер при создании.
type Option func(*ResourceLimiter)

// WithFlagObserver добавляет наблюдателя за флагами.
func WithFlagObserver(obs FlagObserver) Option {
	return func(l *ResourceLimiter) { l.flagObservers = append(l.flagObservers, obs) }
}

// WithDecisionObserver добавляет наблюдателя за решениями.
func WithDecisionObserver(obs DecisionObserver) Option {
	return func(l *ResourceLimiter) { l.decisionObservers = append(l.decisionObservers, obs) }
}

type ResourceLimiter struct {
	cfg    infra.LimiterConfig
	source LoadSource
	logger *zap.Logger
	rps    *rate.Limiter

	flagObservers     []FlagObserver
	decisionObservers []DecisionObserver

	// Критическая секция: счетчики конкурентности, очередь, флаги
	mu                     sync.Mutex
	concurrent             int
	queued                 int
	slotFreed              chan struct{}
	isLoadShedding         bool
	shedOverride           *bool
	throttlingActive       bool
	currentThrottleDelayMs float64
	decisionCounts         map[domain.LimitAction]int

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewResourceLimiter создает лимитер. source == nil — ошибка: прямой сэмплинг
// подключается явно через NewFallbackLoadSource на уровне сборки приложения.
func NewResourceLimiter(cfg infra.LimiterConfig, source LoadSource, logger *zap.Logger, opts ...Option) (*ResourceLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: limiter load source is required", infra.ErrInvalidConfig)
	}

	l := &ResourceLimiter{
		cfg:                    cfg,
		source:                 source,
		logger:                 logger.With(zap.String("mod", "resource-limiter")),
		slotFreed:              make(chan struct{}),
		currentThrottleDelayMs: cfg.ThrottleDelayBaseMs,
		decisionCounts:         make(map[domain.LimitAction]int),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RequestsPerSecond))
		}
		l.rps = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Start запускает цикл пересчета флагов. Повторный вызов ничего не делает.
func (l *ResourceLimiter) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running.Load() {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running.Store(true)
	l.wg.Add(1)
	go l.loop(loopCtx)

	l.logger.Info("resource limiter started",
		zap.Duration("interval", l.cfg.MonitoringInterval),
		zap.Float64("shed_threshold", l.cfg.ShedLoadThreshold),
		zap.Float64("recovery_threshold", l.cfg.RecoveryThreshold))
}

// Stop отменяет цикл и дожидается его завершения.
func (l *ResourceLimiter) Stop() {
	l.runMu.Lock()
	if !l.running.Load() {
		l.runMu.Unlock()
		return
	}
	l.cancel()
	l.running.Store(false)
	l.runMu.Unlock()

	l.wg.Wait()
	l.logger.Info("resource limiter stopped")
}

func (l *ResourceLimiter) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.safeUpdateFlags(); err != nil {
				l.logger.Error("limiter flag update failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

func (l *ResourceLimiter) safeUpdateFlags() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during flag update: %v", r)
		}
	}()
	l.UpdateFlags()
	return nil
}

// UpdateFlags пересчитывает флаги по текущей нагрузке. Вызывается циклом,
// доступен и напрямую (оверрайды оператора, тесты).
func (l *ResourceLimiter) UpdateFlags() {
	load := l.source.CurrentLoad()

	l.mu.Lock()
	prevShed, prevThrottle := l.isLoadShedding, l.throttlingActive

	switch {
	case l.shedOverride != nil:
		l.isLoadShedding = *l.shedOverride
	case !l.cfg.EnableLoadShedding:
		l.isLoadShedding = false
	case !l.isLoadShedding:
		if load.MemoryPercent > l.cfg.ShedLoadThreshold || load.CPUPercent > l.cfg.ShedLoadThreshold {
			l.isLoadShedding = true
		}
	default:
		// Гистерезис: снимаем флаг, только когда оба ресурса ниже recovery
		if load.MemoryPercent < l.cfg.RecoveryThreshold && load.CPUPercent < l.cfg.RecoveryThreshold {
			l.isLoadShedding = false
		}
	}

	throttle := l.cfg.EnableThrottling &&
		(load.MemoryPercent > l.cfg.MemoryLimitPercent || load.CPUPercent > l.cfg.CPULimitPercent)
	if l.throttlingActive && !throttle {
		l.currentThrottleDelayMs = l.cfg.ThrottleDelayBaseMs
	}
	l.throttlingActive = throttle

	flags := Flags{
		IsLoadShedding:   l.isLoadShedding,
		Forced:           l.shedOverride != nil,
		ThrottlingActive: l.throttlingActive,
		Load:             load,
		ChangedAt:        time.Now(),
	}
	l.mu.Unlock()

	if flags.IsLoadShedding != prevShed {
		if flags.IsLoadShedding {
			l.logger.Warn("load shedding activated",
				zap.Float64("memory_percent", load.MemoryPercent),
				zap.Float64("cpu_percent", load.CPUPercent),
				zap.Bool("forced", flags.Forced))
		} else {
			l.logger.Info("load shedding deactivated",
				zap.Float64("memory_percent", load.MemoryPercent),
				zap.Float64("cpu_percent", load.CPUPercent))
		}
	}
	if flags.ThrottlingActive != prevThrottle {
		l.logger.Info("throttling state changed", zap.Bool("active", flags.ThrottlingActive))
	}
	if flags.IsLoadShedding != prevShed || flags.ThrottlingActive != prevThrottle {
		for _, obs := range l.flagObservers {
			obs.OnFlagsChanged(flags)
		}
	}
}

// ForceLoadShedding закрепляет флаг load shedding вручную (команда оператора).
func (l *ResourceLimiter) ForceLoadShedding(on bool) {
	l.mu.Lock()
	l.shedOverride = &on
	l.mu.Unlock()
	l.logger.Warn("load shedding override set", zap.Bool("on", on))
	l.UpdateFlags()
}

// ClearLoadSheddingOverride возвращает флаг под управление гистерезиса.
func (l *ResourceLimiter) ClearLoadSheddingOverride() {
	l.mu.Lock()
	l.shedOverride = nil
	l.mu.Unlock()
	l.logger.Info("load shedding override cleared")
	l.UpdateFlags()
}

// CheckRequestLimits принимает решение допуска. Счетчики конкурентности не меняет.
// priority: 1 — наивысший; при load shedding проходят только priority <= 3.
func (l *ResourceLimiter) CheckRequestLimits(requestType string, priority int) domain.LimitingDecision {
	load := l.source.CurrentLoad()

	l.mu.Lock()
	shedding := l.isLoadShedding
	concurrent := l.concurrent
	queued := l.queued
	l.mu.Unlock()

	decision := l.decide(load, shedding, concurrent, queued, priority)

	l.mu.Lock()
	l.decisionCounts[decision.Action]++
	if decision.Action == domain.ActionThrottle {
		l.currentThrottleDelayMs = decision.DelaySeconds * 1000
	}
	l.mu.Unlock()

	if decision.Action != domain.ActionAllow {
		l.logger.Debug("request limited",
			zap.String("request_type", requestType),
			zap.Int("priority", priority),
			zap.String("action", string(decision.Action)),
			zap.String("reason", string(decision.Reason)),
			zap.Float64("delay_seconds", decision.DelaySeconds))
	}
	for _, obs := range l.decisionObservers {
		obs.OnDecision(requestType, decision)
	}
	return decision
}

func (l *ResourceLimiter) decide(load domain.ResourceLoad, shedding bool, concurrent, queued, priority int) domain.LimitingDecision {
	current := load.AsMap()
	mk := func(action domain.LimitAction, reason domain.LimitReason, delaySec float64, msg string) domain.LimitingDecision {
		return domain.LimitingDecision{Action: action, Reason: reason, DelaySeconds: delaySec, Message: msg, CurrentLoad: current}
	}

	// 1. Load shedding: причина упрощенно помечается как memory pressure
	if shedding && priority > sheddingPriorityCutoff {
		return mk(domain.ActionReject, domain.ReasonMemoryPressure, 0,
			fmt.Sprintf("load shedding active, priority %d rejected", priority))
	}

	// 2. Память
	if load.MemoryPercent > l.cfg.MemoryLimitPercent {
		if load.MemoryPercent > l.cfg.ShedLoadThreshold {
			return mk(domain.ActionReject, domain.ReasonMemoryPressure, 0,
				fmt.Sprintf("memory usage %.1f%% above shed threshold %.1f%%", load.MemoryPercent, l.cfg.ShedLoadThreshold))
		}
		if l.cfg.EnableThrottling {
			delay := l.throttleDelayMs(load.MemoryPercent, l.cfg.MemoryLimitPercent)
			return mk(domain.ActionThrottle, domain.ReasonMemoryPressure, delay/1000,
				fmt.Sprintf("memory usage %.1f%% above limit %.1f%%", load.MemoryPercent, l.cfg.MemoryLimitPercent))
		}
	}

	// 3. CPU
	if load.CPUPercent > l.cfg.CPULimitPercent {
		if load.CPUPercent > l.cfg.ShedLoadThreshold {
			return mk(domain.ActionReject, domain.ReasonCPUOverload, 0,
				fmt.Sprintf("cpu usage %.1f%% above shed threshold %.1f%%", load.CPUPercent, l.cfg.ShedLoadThreshold))
		}
		if l.cfg.EnableThrottling {
			delay := l.throttleDelayMs(load.CPUPercent, l.cfg.CPULimitPercent)
			return mk(domain.ActionThrottle, domain.ReasonCPUOverload, delay/1000,
				fmt.Sprintf("cpu usage %.1f%% above limit %.1f%%", load.CPUPercent, l.cfg.CPULimitPercent))
		}
	}

	// 4. FD: деградированного режима нет, только отказ. Неизмеренное значение пропускаем.
	if load.FDMeasured && load.FDPercent > l.cfg.FDLimitPercent {
		return mk(domain.ActionReject, domain.ReasonFDExhaustion, 0,
			fmt.Sprintf("file descriptor usage %.1f%% above limit %.1f%%", load.FDPercent, l.cfg.FDLimitPercent))
	}

	// 4.1 I/O (включается io_limit_percent > 0)
	if l.cfg.IOLimitPercent > 0 && load.IOMeasured && load.IOPercent > l.cfg.IOLimitPercent && l.cfg.EnableThrottling {
		delay := l.throttleDelayMs(load.IOPercent, l.cfg.IOLimitPercent)
		return mk(domain.ActionThrottle, domain.ReasonIOSaturation, delay/1000,
			fmt.Sprintf("disk io %.1f%% above limit %.1f%%", load.IOPercent, l.cfg.IOLimitPercent))
	}

	// 5. Конкурентность
	if concurrent >= l.cfg.ConcurrentRequestsLimit {
		if l.cfg.EnableRequestQueuing && queued < l.cfg.QueueSizeLimit {
			return mk(domain.ActionQueue, domain.ReasonNone, 0,
				fmt.Sprintf("concurrency limit %d reached, request queued (%d/%d)", l.cfg.ConcurrentRequestsLimit, queued+1, l.cfg.QueueSizeLimit))
		}
		return mk(domain.ActionReject, domain.ReasonQueueFull, 0,
			fmt.Sprintf("concurrency limit %d reached and queue is full", l.cfg.ConcurrentRequestsLimit))
	}

	// 5.1 Глобальный RPS: только подсматриваем токены, решение остается без побочных эффектов
	if l.rps != nil {
		if tokens := l.rps.Tokens(); tokens < 1 {
			delayMs := math.Min((1-tokens)/float64(l.rps.Limit())*1000, l.cfg.ThrottleDelayMaxMs)
			return mk(domain.ActionThrottle, domain.ReasonRateLimited, delayMs/1000,
				fmt.Sprintf("request rate above %.1f rps", float64(l.rps.Limit())))
		}
	}

	return mk(domain.ActionAllow, domain.ReasonNone, 0, "request allowed")
}

// throttleDelayMs — экспоненциальная по величине превышения задержка:
// min(base * (1 + overage)^factor, max), overage = (usage - limit) / limit.
func (l *ResourceLimiter) throttleDelayMs(usage, limit float64) float64 {
	if usage <= limit || limit <= 0 {
		return 0
	}
	overage := (usage - limit) / limit
	delay := l.cfg.ThrottleDelayBaseMs * math.Pow(1+overage, l.cfg.ThrottleBackoffFactor)
	return math.Min(delay, l.cfg.ThrottleDelayMaxMs)
}

// AcquireRequestSlot атомарно занимает слот, если есть место. Не блокируется.
func (l *ResourceLimiter) AcquireRequestSlot(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.concurrent >= l.cfg.ConcurrentRequestsLimit {
		l.logger.Debug("request slot unavailable",
			zap.String("request_id", requestID),
			zap.Int("concurrent", l.concurrent))
		return false
	}
	l.concurrent++
	if l.rps != nil {
		l.rps.Allow()
	}
	return true
}

// ReleaseRequestSlot освобождает слот. Лишний release не уводит счетчик ниже нуля.
func (l *ResourceLimiter) ReleaseRequestSlot(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.concurrent > 0 {
		l.concurrent--
	} else {
		l.logger.Debug("release without matching acquire", zap.String("request_id", requestID))
	}
	// Будим всех ожидающих: кто первым возьмет mu, тот и займет слот
	close(l.slotFreed)
	l.slotFreed = make(chan struct{})
}

// WaitForSlot ставит запрос (получивший QUEUE) в ограниченную очередь и ждет слота.
// Возвращает ErrQueueFull сразу, если очередь полна, или ctx.Err() при отмене.
// Успешный возврат означает занятый слот: вызывающий обязан сделать ReleaseRequestSlot.
func (l *ResourceLimiter) WaitForSlot(ctx context.Context, requestID string) error {
	l.mu.Lock()
	if l.concurrent < l.cfg.ConcurrentRequestsLimit {
		l.concurrent++
		l.mu.Unlock()
		return nil
	}
	if !l.cfg.EnableRequestQueuing || l.queued >= l.cfg.QueueSizeLimit {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.queued++

	for {
		wake := l.slotFreed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.queued--
			l.mu.Unlock()
			l.logger.Debug("queued request cancelled", zap.String("request_id", requestID), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-wake:
		}

		l.mu.Lock()
		if l.concurrent < l.cfg.ConcurrentRequestsLimit {
			l.concurrent++
			l.queued--
			l.mu.Unlock()
			return nil
		}
	}
}

// Stats — проекция счетчиков, флагов и текущей нагрузки.
func (l *ResourceLimiter) Stats() domain.LimiterStats {
	load := l.source.CurrentLoad()

	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int, len(l.decisionCounts))
	for action, n := range l.decisionCounts {
		counts[string(action)] = n
	}
	return domain.LimiterStats{
		CurrentConcurrentRequests: l.concurrent,
		ConcurrentRequestsLimit:   l.cfg.ConcurrentRequestsLimit,
		QueueSize:                 l.queued,
		QueueSizeLimit:            l.cfg.QueueSizeLimit,
		IsLoadShedding:            l.isLoadShedding,
		LoadSheddingForced:        l.shedOverride != nil,
		ThrottlingActive:          l.throttlingActive,
		CurrentThrottleDelayMs:    l.currentThrottleDelayMs,
		CurrentLoad:               load.AsMap(),
		DecisionCounts:            counts,
		MonitoringActive:          l.running.Load(),
	}
}

// HealthStatus: critical — идет load shedding, degraded — троттлинг,
// почти исчерпанная конкурентность или непустая очередь.
func (l *ResourceLimiter) HealthStatus() domain.LimiterHealth {
	s := l.Stats()

	concurrency := float64(s.CurrentConcurrentRequests) / float64(s.ConcurrentRequestsLimit) * 100
	queueUtil := 0.0
	if s.QueueSizeLimit > 0 {
		queueUtil = float64(s.QueueSize) / float64(s.QueueSizeLimit) * 100
	}

	status := "healthy"
	switch {
	case s.IsLoadShedding:
		status = "critical"
	case s.ThrottlingActive || concurrency >= 90 || s.QueueSize > 0:
		status = "degraded"
	}

	return domain.LimiterHealth{
		Status:             status,
		IsLoadShedding:     s.IsLoadShedding,
		ThrottlingActive:   s.ThrottlingActive,
		ConcurrencyPercent: concurrency,
		QueueUtilization:   queueUtil,
		CurrentLoad:        s.CurrentLoad,
		AcceptingRequests:  !s.IsLoadShedding,
		Timestamp:          time.Now(),
	}
}

// IsLoadShedding — текущее значение флага.
func (l *ResourceLimiter) IsLoadShedding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLoadShedding
}
