package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spaceai-opscore/internal/alertlog"
	"github.com/xela07ax/spaceai-opscore/internal/app"
	"github.com/xela07ax/spaceai-opscore/internal/console/handler"
	"github.com/xela07ax/spaceai-opscore/internal/console/server"
	"github.com/xela07ax/spaceai-opscore/internal/console/service"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/engine"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/infra/auth"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
	"github.com/xela07ax/spaceai-opscore/internal/monitor"
	"github.com/xela07ax/spaceai-opscore/internal/repository/postgres"
	"github.com/xela07ax/spaceai-opscore/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("opscore exited with error", zap.Error(err))
	}
	logger.Info("opscore exited properly")
}

func run(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	// 1. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 2. Инфраструктура: Redis и Postgres необязательны
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Не фатально: слушатель оверрайдов переподключается сам
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	var (
		pool        *pgxpool.Pool
		history     service.AlertHistory
		alertWriter *alertlog.Writer
	)
	if cfg.Database.URL != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("database migrate: %w", err)
		}
		alertRepo := postgres.NewAlertRepo(pool)
		history = alertRepo
		alertWriter = alertlog.NewWriter(alertRepo, cfg.InstanceID, logger, func(n int) {
			metrics.AlertLogBufferFill.Set(float64(n))
		})
	} else {
		logger.Warn("database url is empty, alert history and hourly buckets are not persisted")
	}

	// 3. gRPC health: статус приема запросов следует за load shedding
	healthSrv := health.NewServer()
	healthUpdater := engine.NewHealthUpdater(healthSrv, logger)

	// 4. Сборка ядра
	opts := app.Options{
		Monitor: []monitor.Option{monitor.WithSampleObserver(metrics.ObserveResources)},
		Limiter: []limiter.Option{
			limiter.WithFlagObserver(metrics),
			limiter.WithFlagObserver(healthUpdater),
			limiter.WithDecisionObserver(metrics),
		},
	}
	var publisher *engine.RedisStatePublisher
	if rdb != nil {
		publisher = engine.NewRedisStatePublisher(rdb, cfg.InstanceID, logger)
		opts.Limiter = append(opts.Limiter, limiter.WithFlagObserver(publisher))
	}
	if pool != nil {
		opts.Stats = append(opts.Stats, stats.WithBucketSink(postgres.NewBucketRepo(pool, cfg.InstanceID, logger)))
	}
	for name, url := range cfg.Stats.ExternalSources {
		src := engine.NewGuardedSource(engine.NewHTTPSource(name, url, nil), metrics, logger)
		opts.Stats = append(opts.Stats, stats.WithMetricsSource(src))
	}
	app.Configure(*cfg, logger, opts)

	mon, err := app.DefaultMonitor()
	if err != nil {
		return fmt.Errorf("resource monitor: %w", err)
	}
	lim, err := app.DefaultLimiter()
	if err != nil {
		return fmt.Errorf("resource limiter: %w", err)
	}
	agg, err := app.DefaultAggregator()
	if err != nil {
		return fmt.Errorf("stats aggregator: %w", err)
	}
	engine.RegisterLimiterGauges(reg, lim)

	// Подписчики на алерты монитора
	mon.AddAlertCallback(metrics.OnAlert)
	if alertWriter != nil {
		alertWriter.Start()
		defer alertWriter.Stop()
		mon.AddAlertCallback(alertWriter.OnAlert)
	}
	if publisher != nil {
		mon.AddAlertCallback(publisher.OnAlert)
	}

	mon.Start(ctx)
	defer mon.Stop()
	lim.Start(ctx)
	defer lim.Stop()
	agg.Start(ctx)
	defer agg.Stop()

	// 5. Request path
	guard := engine.NewGuard(lim, logger, engine.WithTrustedPriority(cfg.Server.TrustPriorityHeader))
	admission := engine.NewHTTPMiddleware(guard, agg, metrics, logger)

	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("auth public key is not configured, admin routes are disabled")
	}

	monitoringSvc := service.NewMonitoringService(mon, lim, agg, history, rdb, cfg.InstanceID, logger)
	consoleSrv := server.NewConsoleServer(logger, validator, admission,
		func() (domain.SystemHealthSummary, domain.LimiterHealth) {
			return mon.SystemHealthSummary(), lim.HealthStatus()
		},
		handler.NewMonitoringHandler(monitoringSvc, logger),
	)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var (
		grpcSrv *grpc.Server
		lis     net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAdmissionInterceptor(guard, agg)))
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		if lis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	// 6. Запуск серверов одной группой: падение одного останавливает остальные
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("monitoring API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics exporter started", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if grpcSrv != nil {
		g.Go(func() error {
			logger.Info("gRPC health server started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if rdb != nil {
		listener := engine.NewOverrideListener(rdb, lim, cfg.InstanceID, logger)
		g.Go(func() error {
			listener.Run(gctx)
			return nil
		})
	}

	// 7. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("opscore stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthSrv.Shutdown()
		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
