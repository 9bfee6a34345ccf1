package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// ErrInvalidOverride — неизвестный режим или пустая цель оверрайда.
var ErrInvalidOverride = errors.New("invalid shed override")

// ResourceSource — то, что сервису нужно от ResourceMonitor.
type ResourceSource interface {
	SystemHealthSummary() domain.SystemHealthSummary
	CurrentMetrics() *domain.ResourceMetrics
	ActiveAlerts() map[domain.ResourceType]domain.ResourceAlert
}

// LimiterSource — то, что сервису нужно от ResourceLimiter.
type LimiterSource interface {
	Stats() domain.LimiterStats
	HealthStatus() domain.LimiterHealth
	ForceLoadShedding(on bool)
	ClearLoadSheddingOverride()
}

// StatsSource — то, что сервису нужно от StatsAggregator.
type StatsSource interface {
	Get24hStats() domain.DailyStats
	ResetStats()
}

// AlertHistory — журнал алертов (Postgres). Необязателен.
type AlertHistory interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]domain.AlertHistoryItem, error)
}

type MonitoringService struct {
	monitor    ResourceSource
	limiter    LimiterSource
	stats      StatsSource
	history    AlertHistory
	rdb        *redis.Client
	instanceID string
	logger     *zap.Logger
}

func NewMonitoringService(
	monitor ResourceSource,
	limiter LimiterSource,
	stats StatsSource,
	history AlertHistory,
	rdb *redis.Client,
	instanceID string,
	logger *zap.Logger,
) *MonitoringService {
	return &MonitoringService{
		monitor:    monitor,
		limiter:    limiter,
		stats:      stats,
		history:    history,
		rdb:        rdb,
		instanceID: instanceID,
		logger:     logger.Named("monitoring-service"),
	}
}

func (s *MonitoringService) Stats() domain.DailyStats {
	return s.stats.Get24hStats()
}

func (s *MonitoringService) ResetStats(actor string) {
	s.stats.ResetStats()
	s.logger.Warn("statistics reset by operator", zap.String("user_id", actor))
}

func (s *MonitoringService) Resources() domain.ResourcesView {
	return domain.ResourcesView{
		Summary: s.monitor.SystemHealthSummary(),
		Metrics: s.monitor.CurrentMetrics(),
	}
}

func (s *MonitoringService) Limiter() domain.LimiterView {
	return domain.LimiterView{
		Stats:  s.limiter.Stats(),
		Health: s.limiter.HealthStatus(),
	}
}

// Alerts: активные алерты всегда, история — если подключена база.
// Сбой базы не ломает ответ: отдаем активные и пишем предупреждение.
func (s *MonitoringService) Alerts(ctx context.Context, since time.Time, limit int) domain.AlertsView {
	active := s.monitor.ActiveAlerts()
	view := domain.AlertsView{Active: make([]domain.ResourceAlert, 0, len(active)), Since: since}
	for _, a := range active {
		view.Active = append(view.Active, a)
	}
	sort.Slice(view.Active, func(i, j int) bool {
		return view.Active[i].ResourceType < view.Active[j].ResourceType
	})

	if s.history == nil {
		return view
	}
	items, err := s.history.ListRecent(ctx, since, limit)
	if err != nil {
		s.logger.Warn("alert history unavailable", zap.Error(err))
		return view
	}
	view.History = items
	return view
}

// SetShedOverride — унифицированный механизм переключения оверрайда.
// С Redis: сохраняет команду (переживает рестарт) и транслирует сигнал всем инстансам.
// Без Redis: применяет к локальному лимитеру, если цель — этот инстанс.
func (s *MonitoringService) SetShedOverride(ctx context.Context, req domain.ShedOverrideRequest, actor string) error {
	switch req.Mode {
	case "on", "off", "auto":
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidOverride, req.Mode)
	}
	if req.Target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidOverride)
	}

	payload := fmt.Sprintf("%s:%s", req.Target, req.Mode)

	if s.rdb == nil {
		if req.Target != "*" && req.Target != s.instanceID {
			return fmt.Errorf("%w: target %q is not reachable without redis", ErrInvalidOverride, req.Target)
		}
		s.applyLocal(req.Mode)
		s.logger.Warn("shed override applied locally",
			zap.String("mode", req.Mode), zap.String("user_id", actor))
		return nil
	}

	// 1. Persistence: "auto" снимает сохраненную команду
	var err error
	if req.Mode == "auto" {
		err = s.rdb.Del(ctx, infra.RedisKeyShedOverride).Err()
	} else {
		err = s.rdb.Set(ctx, infra.RedisKeyShedOverride, payload, 0).Err()
	}
	if err != nil {
		s.logger.Error("failed to persist shed override", zap.String("payload", payload), zap.Error(err))
		return fmt.Errorf("persist shed override: %w", err)
	}

	// 2. Real-time Signaling
	if err := s.rdb.Publish(ctx, infra.RedisChanShedOverride, payload).Err(); err != nil {
		s.logger.Warn("runtime signal delivery failed",
			zap.String("channel", infra.RedisChanShedOverride),
			zap.Error(err))
	} else {
		s.logger.Info("shed override published",
			zap.String("payload", payload),
			zap.String("user_id", actor))
	}
	return nil
}

func (s *MonitoringService) applyLocal(mode string) {
	switch mode {
	case "on":
		s.limiter.ForceLoadShedding(true)
	case "off":
		s.limiter.ForceLoadShedding(false)
	default:
		s.limiter.ClearLoadSheddingOverride()
	}
}
