package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
)

// DefaultPriority — приоритет запроса, если вызывающий его не указал.
const DefaultPriority = 5

// ErrRejected — запрос не допущен лимитером.
var ErrRejected = errors.New("admission: request rejected")

// AdmissionError несет решение лимитера, из-за которого запрос не прошел.
type AdmissionError struct {
	Decision domain.LimitingDecision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission: %s (%s): %s", e.Decision.Action, e.Decision.Reason, e.Decision.Message)
}

func (e *AdmissionError) Unwrap() error { return ErrRejected }

// Guard выполняет решение лимитера на стороне вызывающего: спит при THROTTLE,
// ждет в очереди при QUEUE и занимает слот конкурентности.
type Guard struct {
	limiter       *limiter.ResourceLimiter
	logger        *zap.Logger
	trustPriority bool
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTrustedPriority разрешает клиентский приоритет выше DefaultPriority.
// Включается только если заголовок выставляет край (балансировщик), а клиентский срезается.
func WithTrustedPriority(trusted bool) GuardOption {
	return func(g *Guard) { g.trustPriority = trusted }
}

func NewGuard(l *limiter.ResourceLimiter, logger *zap.Logger, opts ...GuardOption) *Guard {
	g := &Guard{limiter: l, logger: logger.With(zap.String("mod", "admission-guard"))}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestPriority переводит присланный приоритет в приоритет допуска.
// Без доверия к источнику приоритет можно только понизить.
func (g *Guard) RequestPriority(raw string) int {
	p := parsePriority(raw)
	if p < DefaultPriority && !g.trustPriority {
		return DefaultPriority
	}
	return p
}

// ReleaseFunc освобождает занятый слот. Повторный вызов безопасен.
type ReleaseFunc func()

// Admit проводит запрос через контроль допуска. При успехе слот занят,
// вызывающий обязан вызвать release. Ошибка — *AdmissionError или ошибка контекста.
func (g *Guard) Admit(ctx context.Context, requestID, requestType string, priority int) (ReleaseFunc, error) {
	decision := g.limiter.CheckRequestLimits(requestType, priority)

	switch decision.Action {
	case domain.ActionReject:
		return nil, &AdmissionError{Decision: decision}

	case domain.ActionThrottle:
		// 1. Лимитер сам не спит: задержку выдерживает вызывающий
		if err := sleepCtx(ctx, decision.Delay()); err != nil {
			return nil, err
		}

	case domain.ActionQueue:
		// 2. Ждем слот в ограниченной очереди
		if err := g.limiter.WaitForSlot(ctx, requestID); err != nil {
			if errors.Is(err, limiter.ErrQueueFull) {
				decision.Action = domain.ActionReject
				decision.Reason = domain.ReasonQueueFull
				decision.Message = "request queue is full"
				return nil, &AdmissionError{Decision: decision}
			}
			return nil, err
		}
		return g.release(requestID), nil
	}

	// 3. Слот мог уйти между решением и захватом — тогда встаем в очередь
	if !g.limiter.AcquireRequestSlot(requestID) {
		if err := g.limiter.WaitForSlot(ctx, requestID); err != nil {
			if errors.Is(err, limiter.ErrQueueFull) {
				return nil, &AdmissionError{Decision: domain.LimitingDecision{
					Action:      domain.ActionReject,
					Reason:      domain.ReasonQueueFull,
					Message:     "concurrency limit reached and queue is full",
					CurrentLoad: decision.CurrentLoad,
				}}
			}
			return nil, err
		}
	}
	return g.release(requestID), nil
}

func (g *Guard) release(requestID string) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() { g.limiter.ReleaseRequestSlot(requestID) })
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
