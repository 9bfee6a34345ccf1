// Package app держит общие на процесс экземпляры монитора, лимитера и агрегатора.
// Используется только внешним слоем сборки (cmd); компоненты получают
// зависимости явно через конструкторы.
package app

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
	"github.com/xela07ax/spaceai-opscore/internal/monitor"
	"github.com/xela07ax/spaceai-opscore/internal/stats"
)

// Options — опции компонентов, которые внешний слой передает при сборке.
type Options struct {
	Monitor []monitor.Option
	Limiter []limiter.Option
	Stats   []stats.Option
}

var (
	settingsMu sync.Mutex
	cfg        = defaultConfig()
	logger     = zap.NewNop()
	opts       Options

	monitorOnce sync.Once
	monitorInst *monitor.ResourceMonitor
	monitorErr  error

	limiterOnce sync.Once
	limiterInst *limiter.ResourceLimiter
	limiterErr  error

	statsOnce sync.Once
	statsInst *stats.Aggregator
	statsErr  error
)

func defaultConfig() infra.Config {
	return infra.Config{
		Monitor: infra.DefaultMonitorConfig(),
		Limiter: infra.DefaultLimiterConfig(),
		Stats:   infra.DefaultStatsConfig(),
	}
}

// Configure задает конфигурацию и опции. Действует только на еще не созданные экземпляры.
func Configure(c infra.Config, l *zap.Logger, o Options) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	cfg = c
	if l != nil {
		logger = l
	}
	opts = o
}

func settings() (infra.Config, *zap.Logger, Options) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	return cfg, logger, opts
}

// DefaultMonitor возвращает общий ResourceMonitor (создается при первом вызове).
func DefaultMonitor() (*monitor.ResourceMonitor, error) {
	monitorOnce.Do(func() {
		c, log, o := settings()
		sampler, err := monitor.NewProcSampler(c.Monitor, log)
		if err != nil {
			monitorErr = err
			return
		}
		monitorInst, monitorErr = monitor.NewResourceMonitor(c.Monitor, sampler, log, o.Monitor...)
	})
	return monitorInst, monitorErr
}

// DefaultLimiter возвращает общий ResourceLimiter. Нагрузку берет из общего монитора;
// если монитор не собрался, сэмплирует ОС напрямую.
func DefaultLimiter() (*limiter.ResourceLimiter, error) {
	limiterOnce.Do(func() {
		c, log, o := settings()

		var source limiter.LoadSource
		if m, err := DefaultMonitor(); err == nil {
			source = limiter.NewMonitorLoadSource(m)
		} else {
			log.Warn("resource monitor unavailable, limiter falls back to direct sampling", zap.Error(err))
			sampler, sErr := monitor.NewProcSampler(c.Monitor, log)
			if sErr != nil {
				limiterErr = sErr
				return
			}
			source = limiter.NewFallbackLoadSource(sampler, log)
		}
		limiterInst, limiterErr = limiter.NewResourceLimiter(c.Limiter, source, log, o.Limiter...)
	})
	return limiterInst, limiterErr
}

// DefaultAggregator возвращает общий StatsAggregator.
func DefaultAggregator() (*stats.Aggregator, error) {
	statsOnce.Do(func() {
		c, log, o := settings()
		statsInst, statsErr = stats.NewAggregator(c.Stats, log, o.Stats...)
	})
	return statsInst, statsErr
}
