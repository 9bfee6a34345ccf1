package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
)

// AdmissionServiceName — имя сервиса в gRPC health, отражающее прием запросов.
const AdmissionServiceName = "opscore.admission"

// Метаданные gRPC (в нижнем регистре)
const (
	mdPriority = "x-request-priority"
	mdTraceID  = "x-trace-id"
)

// UnaryAdmissionInterceptor проводит каждый unary-вызов через контроль допуска
func UnaryAdmissionInterceptor(g *Guard, agg StatsRecorder) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем приоритет и trace-id из метаданных
		priority := DefaultPriority
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(mdPriority); len(v) > 0 {
				priority = g.RequestPriority(v[0])
			}
			if v := md.Get(mdTraceID); len(v) > 0 {
				requestID = v[0]
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// 2. Допуск
		release, err := g.Admit(ctx, requestID, "grpc", priority)
		if err != nil {
			st := admissionStatus(err)
			if agg != nil {
				agg.RecordError("grpc", st.Code().String(), map[string]any{"method": info.FullMethod})
			}
			return nil, st.Err()
		}
		defer release()

		// Идем дальше по цепочке
		resp, err := handler(ctx, req)
		if err != nil && agg != nil {
			agg.RecordError("grpc", status.Code(err).String(), map[string]any{"method": info.FullMethod})
		}
		return resp, err
	}
}

// StatsRecorder — часть агрегатора, нужная gRPC-слою.
type StatsRecorder interface {
	RecordError(category, errorType string, details map[string]any)
}

func admissionStatus(err error) *status.Status {
	var admErr *AdmissionError
	if !errors.As(err, &admErr) {
		return status.FromContextError(err)
	}
	d := admErr.Decision
	code := codes.Unavailable
	if d.Reason == domain.ReasonQueueFull || d.Reason == domain.ReasonRateLimited {
		code = codes.ResourceExhausted
	}
	return status.New(code, d.Message)
}

// HealthUpdater переключает gRPC health в NOT_SERVING на время load shedding.
type HealthUpdater struct {
	server *health.Server
	logger *zap.Logger
}

func NewHealthUpdater(server *health.Server, logger *zap.Logger) *HealthUpdater {
	server.SetServingStatus(AdmissionServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthUpdater{server: server, logger: logger.With(zap.String("mod", "grpc-health"))}
}

// OnFlagsChanged реализует limiter.FlagObserver.
func (h *HealthUpdater) OnFlagsChanged(flags limiter.Flags) {
	st := healthpb.HealthCheckResponse_SERVING
	if flags.IsLoadShedding {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(AdmissionServiceName, st)
	h.logger.Info("admission health updated",
		zap.String("status", st.String()),
		zap.Float64("memory_percent", flags.Load.MemoryPercent),
		zap.Float64("cpu_percent", flags.Load.CPUPercent))
}
