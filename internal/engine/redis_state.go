package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
)

// stateStore — подмножество redis.Cmdable, нужное публикатору.
type stateStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// instanceStateTTL — состояние инстанса протухает, если он перестал публиковать.
const instanceStateTTL = 10 * time.Minute

type flagsMessage struct {
	InstanceID string        `json:"instance_id"`
	Flags      limiter.Flags `json:"flags"`
}

type alertMessage struct {
	InstanceID string               `json:"instance_id"`
	Alert      domain.ResourceAlert `json:"alert"`
	Recovered  bool                 `json:"recovered"`
}

// RedisStatePublisher раздает флаги лимитера и алерты монитора соседним инстансам.
// Публикация асинхронная: колбэки монитора и лимитера не ждут Redis.
type RedisStatePublisher struct {
	store      stateStore
	instanceID string
	logger     *zap.Logger
	timeout    time.Duration
}

func NewRedisStatePublisher(store stateStore, instanceID string, logger *zap.Logger) *RedisStatePublisher {
	return &RedisStatePublisher{
		store:      store,
		instanceID: instanceID,
		logger:     logger.With(zap.String("mod", "redis-publisher"), zap.String("instance", instanceID)),
		timeout:    3 * time.Second,
	}
}

// OnFlagsChanged реализует limiter.FlagObserver.
func (p *RedisStatePublisher) OnFlagsChanged(flags limiter.Flags) {
	go func() {
		if err := p.PublishFlags(context.Background(), flags); err != nil {
			p.logger.Warn("failed to publish limiter flags", zap.Error(err))
		}
	}()
}

// OnAlert — колбэк монитора.
func (p *RedisStatePublisher) OnAlert(e domain.AlertEvent) {
	go func() {
		if err := p.PublishAlert(context.Background(), e); err != nil {
			p.logger.Warn("failed to publish resource alert", zap.Error(err))
		}
	}()
}

// PublishFlags сохраняет состояние инстанса и рассылает переход флагов.
func (p *RedisStatePublisher) PublishFlags(ctx context.Context, flags limiter.Flags) error {
	payload, err := json.Marshal(flagsMessage{InstanceID: p.instanceID, Flags: flags})
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	return p.withRetry(ctx, func(ctx context.Context) error {
		if err := p.store.Set(ctx, infra.InstanceStateKey(p.instanceID), payload, instanceStateTTL).Err(); err != nil {
			return err
		}
		return p.store.Publish(ctx, infra.RedisChanLimiterFlags, payload).Err()
	})
}

// PublishAlert рассылает поднятие или восстановление алерта.
func (p *RedisStatePublisher) PublishAlert(ctx context.Context, e domain.AlertEvent) error {
	payload, err := json.Marshal(alertMessage{InstanceID: p.instanceID, Alert: e.Alert, Recovered: e.Recovered})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return p.withRetry(ctx, func(ctx context.Context) error {
		return p.store.Publish(ctx, infra.RedisChanResourceAlerts, payload).Err()
	})
}

func (p *RedisStatePublisher) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	return r.Do(func() error {
		tCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return fn(tCtx)
	})
}

// Значения сигнала оверрайда
const (
	overrideOn   = "on"
	overrideOff  = "off"
	overrideAuto = "auto"
	allInstances = "*"
)

// OverrideController — то, чем управляет оператор (ResourceLimiter).
type OverrideController interface {
	ForceLoadShedding(on bool)
	ClearLoadSheddingOverride()
}

// OverrideListener применяет команды оператора из Redis к локальному лимитеру.
// Формат: "instance:on|off|auto", instance "*" — все инстансы.
type OverrideListener struct {
	rdb        *redis.Client
	ctrl       OverrideController
	instanceID string
	logger     *zap.Logger
}

func NewOverrideListener(rdb *redis.Client, ctrl OverrideController, instanceID string, logger *zap.Logger) *OverrideListener {
	return &OverrideListener{
		rdb:        rdb,
		ctrl:       ctrl,
		instanceID: instanceID,
		logger:     logger.With(zap.String("mod", "shed-override"), zap.String("instance", instanceID)),
	}
}

// Run блокируется до отмены ctx.
func (l *OverrideListener) Run(ctx context.Context) {
	l.logger.Info("shed override listener started", zap.String("chan", infra.RedisChanShedOverride))
	ListenStateResilient(ctx, l.rdb, l.logger, infra.RedisChanShedOverride, l.sync, l.Apply)
	l.logger.Info("shed override listener stopped")
}

// sync подтягивает сохраненный оверрайд: команды, отправленные пока инстанс был офлайн.
func (l *OverrideListener) sync(ctx context.Context) error {
	val, err := l.rdb.Get(ctx, infra.RedisKeyShedOverride).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get shed override: %w", err)
	}
	if sig, ok := ParseSignal(val); ok {
		l.Apply(sig)
	}
	return nil
}

// Apply применяет один сигнал; чужие инстансы игнорируются.
func (l *OverrideListener) Apply(sig Signal) {
	if sig.Target != allInstances && sig.Target != l.instanceID {
		return
	}
	switch sig.Value {
	case overrideOn, "true":
		l.ctrl.ForceLoadShedding(true)
	case overrideOff, "false":
		l.ctrl.ForceLoadShedding(false)
	case overrideAuto:
		l.ctrl.ClearLoadSheddingOverride()
	default:
		l.logger.Warn("unknown override value", zap.String("value", sig.Value))
	}
}
