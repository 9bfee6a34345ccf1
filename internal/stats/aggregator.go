package stats

/*
Aggregator сворачивает поток событий (HTTP-запросы, выполнение агентов,
WebSocket, ошибки) в скользящую 24-часовую статистику с ограниченной памятью.

- Запросы: живой счетчик текущего часа + кольцо из RetentionHours
  завершенных часов. Раз в RolloverInterval фоновый цикл сравнивает час
  по часам (clock) с currentHourStart и при смене часа переносит счетчик в кольцо.
- Агенты, WebSocket, ошибки: кольцевые буферы последних BufferSize событий.
- Все ошибки стекаются в RecordError — единую воронку.
- Get24hStats каждый раз считается заново, без кэша.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/ringbuffer"
)

// Категории ошибок
const (
	CategoryAPI       = "api"
	CategoryAgent     = "agent"
	CategoryWebSocket = "websocket"
)

// errorRateNormalization — делитель для error_rate_by_category (емкость буфера ошибок).
const errorRateNormalization = 1000.0

// MetricsSource — необязательный внешний поставщик метрик.
// Отсутствие данных — штатное состояние: ok == false без ошибки.
type MetricsSource interface {
	Name() string
	TryFetch(ctx context.Context) (data map[string]any, ok bool, err error)
}

// BucketSink принимает завершенный час (например, для сохранения в Postgres).
type BucketSink interface {
	SaveBucket(ctx context.Context, bucket domain.HourlyBucket) error
}

// Option настраивает агрегатор.
type Option func(*Aggregator)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetricsSource добавляет внешний источник метрик.
func WithMetricsSource(src MetricsSource) Option {
	return func(a *Aggregator) { a.sources = append(a.sources, src) }
}

// WithBucketSink подключает приемник завершенных часов.
func WithBucketSink(sink BucketSink) Option {
	return func(a *Aggregator) { a.sink = sink }
}

type Aggregator struct {
	cfg     infra.StatsConfig
	logger  *zap.Logger
	now     func() time.Time
	sources []MetricsSource
	sink    BucketSink

	// Критическая секция ротации: счетчик текущего часа + кольцо часов
	mu                  sync.Mutex
	currentHourStart    time.Time
	currentTotal        int64
	currentByEndpoint   map[string]int64
	currentResponseTime float64
	buckets             *ringbuffer.RingBuffer[domain.HourlyBucket]

	agentExecutions *ringbuffer.RingBuffer[domain.AgentExecution]
	websocketEvents *ringbuffer.RingBuffer[domain.WebSocketEvent]
	errorEvents     *ringbuffer.RingBuffer[domain.ErrorEvent]

	wsMu               sync.Mutex
	activeConnections  map[string]struct{}
	connectionAttempts int
	connectionFailures int
	disconnects        int

	extMu    sync.RWMutex
	external map[string]map[string]any

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAggregator(cfg infra.StatsConfig, logger *zap.Logger, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:               cfg,
		logger:            logger.With(zap.String("mod", "stats-aggregator")),
		now:               time.Now,
		currentByEndpoint: make(map[string]int64),
		activeConnections: make(map[string]struct{}),
		external:          make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.buckets, err = ringbuffer.New[domain.HourlyBucket](cfg.RetentionHours); err != nil {
		return nil, err
	}
	if a.agentExecutions, err = ringbuffer.New[domain.AgentExecution](cfg.BufferSize); err != nil {
		return nil, err
	}
	if a.websocketEvents, err = ringbuffer.New[domain.WebSocketEvent](cfg.BufferSize); err != nil {
		return nil, err
	}
	if a.errorEvents, err = ringbuffer.New[domain.ErrorEvent](cfg.BufferSize); err != nil {
		return nil, err
	}
	a.currentHourStart = a.now().Truncate(time.Hour)
	return a, nil
}

// Start запускает цикл ротации часов. Повторный вызов ничего не делает.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running.Load() {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running.Store(true)
	a.wg.Add(1)
	go a.loop(loopCtx)

	a.logger.Info("stats aggregator started",
		zap.Duration("rollover_interval", a.cfg.RolloverInterval),
		zap.Int("retention_hours", a.cfg.RetentionHours))
}

// Stop останавливает цикл и дожидается его завершения.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running.Load() {
		a.runMu.Unlock()
		return
	}
	a.cancel()
	a.running.Store(false)
	a.runMu.Unlock()

	a.wg.Wait()
	a.logger.Info("stats aggregator stopped")
}

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RolloverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick: ротация + опрос внешних источников. Сбой внешнего источника ротацию не прерывает.
func (a *Aggregator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("stats rollover tick panicked", zap.Any("panic", r))
		}
	}()

	if bucket, rolled := a.CheckRollover(); rolled && a.sink != nil {
		if err := a.sink.SaveBucket(ctx, bucket); err != nil {
			a.logger.Warn("failed to persist hourly bucket",
				zap.Time("hour", bucket.Hour), zap.Error(err))
		}
	}
	a.collectExternal(ctx)
}

// CheckRollover переносит счетчик текущего часа в кольцо, если час сменился.
// Повторный вызов в пределах того же часа ничего не делает.
func (a *Aggregator) CheckRollover() (domain.HourlyBucket, bool) {
	hour := a.now().Truncate(time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !hour.After(a.currentHourStart) {
		return domain.HourlyBucket{}, false
	}

	bucket := domain.HourlyBucket{
		Hour:              a.currentHourStart,
		TotalRequests:     a.currentTotal,
		ByEndpoint:        a.currentByEndpoint,
		TotalResponseTime: a.currentResponseTime,
	}
	a.buckets.Push(bucket)

	a.currentHourStart = hour
	a.currentTotal = 0
	a.currentByEndpoint = make(map[string]int64)
	a.currentResponseTime = 0

	a.logger.Debug("hourly bucket rolled over",
		zap.Time("hour", bucket.Hour),
		zap.Int64("requests", bucket.TotalRequests))
	return bucket, true
}

func (a *Aggregator) collectExternal(ctx context.Context) {
	for _, src := range a.sources {
		data, ok, err := src.TryFetch(ctx)
		if err != nil {
			a.logger.Debug("external metrics source unavailable",
				zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		a.extMu.Lock()
		a.external[src.Name()] = data
		a.extMu.Unlock()
	}
}

// RecordRequest учитывает HTTP-запрос. Коды >= 400 дополнительно идут как ошибка api.
func (a *Aggregator) RecordRequest(endpoint string, statusCode int, responseTimeMs float64) {
	a.mu.Lock()
	a.currentTotal++
	a.currentByEndpoint[endpoint]++
	a.currentResponseTime += responseTimeMs
	a.mu.Unlock()

	if statusCode >= 400 {
		a.RecordError(CategoryAPI, httpErrorType(statusCode), map[string]any{
			"endpoint":         endpoint,
			"status_code":      statusCode,
			"response_time_ms": responseTimeMs,
		})
	}
}

// RecordAgentExecution учитывает выполнение агента; неуспех идет как ошибка agent.
func (a *Aggregator) RecordAgentExecution(agentType string, executionTimeMs float64, success bool, correlationID string) {
	a.agentExecutions.Push(domain.AgentExecution{
		AgentType:       agentType,
		ExecutionTimeMs: executionTimeMs,
		Success:         success,
		CorrelationID:   correlationID,
		Timestamp:       a.now(),
	})

	if !success {
		details := map[string]any{"execution_time_ms": executionTimeMs}
		if correlationID != "" {
			details["correlation_id"] = correlationID
		}
		a.RecordError(CategoryAgent, agentType+"_failure", details)
	}
}

// RecordWebSocketEvent учитывает событие WebSocket. connect+success добавляет
// соединение в активные, disconnect удаляет; неуспех идет как ошибка websocket.
func (a *Aggregator) RecordWebSocketEvent(eventType, connectionID string, success bool, data map[string]any) {
	a.websocketEvents.Push(domain.WebSocketEvent{
		EventType:    eventType,
		ConnectionID: connectionID,
		Success:      success,
		Data:         data,
		Timestamp:    a.now(),
	})

	a.wsMu.Lock()
	switch eventType {
	case "connect":
		a.connectionAttempts++
		if success {
			a.activeConnections[connectionID] = struct{}{}
		} else {
			a.connectionFailures++
		}
	case "disconnect":
		a.disconnects++
		delete(a.activeConnections, connectionID)
	}
	a.wsMu.Unlock()

	if !success {
		details := map[string]any{"connection_id": connectionID}
		for k, v := range data {
			details[k] = v
		}
		a.RecordError(CategoryWebSocket, eventType+"_failure", details)
	}
}

// RecordError — единая воронка ошибок.
func (a *Aggregator) RecordError(category, errorType string, details map[string]any) {
	a.errorEvents.Push(domain.ErrorEvent{
		Category:  category,
		ErrorType: errorType,
		Details:   details,
		Timestamp: a.now(),
	})
}

// Get24hStats собирает статистику из текущего содержимого буферов.
func (a *Aggregator) Get24hStats() domain.DailyStats {
	now := a.now()
	errs := a.errorEvents.GetAll()

	out := domain.DailyStats{
		RequestCounts:    a.requestStats(now, errs),
		AgentStats:       a.agentStats(),
		WebSocketMetrics: a.websocketStats(),
		ErrorRates:       a.errorStats(now, errs),
		Timestamp:        now,
		RetentionHours:   a.cfg.RetentionHours,
	}

	a.extMu.RLock()
	if len(a.external) > 0 {
		out.ExternalSources = make(map[string]map[string]any, len(a.external))
		for name, data := range a.external {
			out.ExternalSources[name] = data
		}
	}
	a.extMu.RUnlock()
	return out
}

func (a *Aggregator) requestStats(now time.Time, errs []domain.ErrorEvent) domain.RequestStats {
	a.mu.Lock()
	buckets := a.buckets.GetAll()
	currentTotal := a.currentTotal
	currentRT := a.currentResponseTime
	byEndpoint := make(map[string]int64, len(a.currentByEndpoint))
	for ep, n := range a.currentByEndpoint {
		byEndpoint[ep] = n
	}
	currentHour := a.currentHourStart
	a.mu.Unlock()

	total := currentTotal
	totalRT := currentRT
	breakdown := make([]domain.ActivityPoint, 0, len(buckets)+1)
	for _, b := range buckets {
		total += b.TotalRequests
		totalRT += b.TotalResponseTime
		for ep, n := range b.ByEndpoint {
			byEndpoint[ep] += n
		}
		breakdown = append(breakdown, domain.ActivityPoint{Hour: b.Hour.Format(time.RFC3339), Count: b.TotalRequests})
	}
	breakdown = append(breakdown, domain.ActivityPoint{Hour: currentHour.Format(time.RFC3339), Count: currentTotal})

	errorsLastHour := 0
	cutoff := now.Add(-time.Hour)
	for _, e := range errs {
		if e.Category == CategoryAPI && e.Timestamp.After(cutoff) {
			errorsLastHour++
		}
	}

	avgRT := 0.0
	if total > 0 {
		avgRT = totalRT / float64(total)
	}

	// Приближение: ошибки за последний час делятся на все запросы окна
	return domain.RequestStats{
		TotalRequests:       total,
		CurrentHourRequests: currentTotal,
		RequestsByEndpoint:  byEndpoint,
		HourlyBreakdown:     breakdown,
		AvgResponseTimeMs:   avgRT,
		ErrorRate:           float64(errorsLastHour) / float64(max(total, 1)),
		ErrorsLastHour:      errorsLastHour,
	}
}

func (a *Aggregator) agentStats() domain.AgentStats {
	execs := a.agentExecutions.GetAll()

	st := domain.AgentStats{
		TotalExecutions: len(execs),
		AgentsByType:    make(map[string]int),
		AvgTimeByType:   make(map[string]float64),
	}
	var totalTime float64
	timeByType := make(map[string]float64)
	for _, e := range execs {
		if e.Success {
			st.SuccessfulExecutions++
		} else {
			st.FailedExecutions++
		}
		totalTime += e.ExecutionTimeMs
		st.AgentsByType[e.AgentType]++
		timeByType[e.AgentType] += e.ExecutionTimeMs
	}

	st.SuccessRate = float64(st.SuccessfulExecutions) / float64(max(st.TotalExecutions, 1))
	if st.TotalExecutions > 0 {
		st.AvgExecutionTimeMs = totalTime / float64(st.TotalExecutions)
	}
	for t, sum := range timeByType {
		st.AvgTimeByType[t] = sum / float64(st.AgentsByType[t])
	}
	return st
}

func (a *Aggregator) websocketStats() domain.WebSocketStats {
	events := a.websocketEvents.GetAll()

	st := domain.WebSocketStats{
		TotalEvents:  len(events),
		EventsByType: make(map[string]int),
	}
	for _, e := range events {
		st.EventsByType[e.EventType]++
	}

	a.wsMu.Lock()
	st.ActiveConnections = len(a.activeConnections)
	st.ConnectionAttempts = a.connectionAttempts
	st.ConnectionFailures = a.connectionFailures
	st.Disconnects = a.disconnects
	a.wsMu.Unlock()

	st.ConnectionSuccessRate = float64(st.ConnectionAttempts-st.ConnectionFailures) / float64(max(st.ConnectionAttempts, 1))
	return st
}

// recentErrorsLimit — сколько последних ошибок отдавать в ответе.
const recentErrorsLimit = 10

func (a *Aggregator) errorStats(now time.Time, errs []domain.ErrorEvent) domain.ErrorRateStats {
	st := domain.ErrorRateStats{
		TotalErrors:         len(errs),
		ErrorsByCategory:    make(map[string]int),
		ErrorsByType:        make(map[string]int),
		ErrorRateByCategory: make(map[string]float64),
	}
	cutoff := now.Add(-time.Hour)
	for _, e := range errs {
		st.ErrorsByCategory[e.Category]++
		st.ErrorsByType[e.ErrorType]++
		if e.Timestamp.After(cutoff) {
			st.ErrorsLastHour++
		}
	}
	// Приближение: нормируем на емкость буфера, а не на реальный объем запросов
	for cat, n := range st.ErrorsByCategory {
		st.ErrorRateByCategory[cat] = float64(n) / errorRateNormalization
	}

	recent := errs
	if len(recent) > recentErrorsLimit {
		recent = recent[len(recent)-recentErrorsLimit:]
	}
	st.RecentErrors = append([]domain.ErrorEvent(nil), recent...)
	return st
}

// ResetStats очищает все буферы, множества и счетчики.
func (a *Aggregator) ResetStats() {
	a.mu.Lock()
	a.currentHourStart = a.now().Truncate(time.Hour)
	a.currentTotal = 0
	a.currentByEndpoint = make(map[string]int64)
	a.currentResponseTime = 0
	a.buckets.Clear()
	a.mu.Unlock()

	a.agentExecutions.Clear()
	a.websocketEvents.Clear()
	a.errorEvents.Clear()

	a.wsMu.Lock()
	a.activeConnections = make(map[string]struct{})
	a.connectionAttempts = 0
	a.connectionFailures = 0
	a.disconnects = 0
	a.wsMu.Unlock()

	a.extMu.Lock()
	a.external = make(map[string]map[string]any)
	a.extMu.Unlock()

	a.logger.Info("statistics reset")
}

// IsRunning — запущен ли цикл ротации.
func (a *Aggregator) IsRunning() bool { return a.running.Load() }

func httpErrorType(code int) string {
	return fmt.Sprintf("HTTP %d", code)
}
