package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/stats"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Заголовки допуска
const (
	HeaderTraceID  = "X-Trace-ID"
	HeaderPriority = "X-Request-Priority"
)

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от клиента/прокси)
		traceID := r.Header.Get(HeaderTraceID)

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст и отдаем клиенту
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		w.Header().Set(HeaderTraceID, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceID помогает безопасно достать ID в любом месте кода
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// HTTPMiddleware связывает HTTP-пайплайн с контролем допуска и статистикой:
// решение лимитера -> задержка/очередь/отказ -> слот -> RecordRequest.
type HTTPMiddleware struct {
	guard   *Guard
	stats   *stats.Aggregator
	metrics *Metrics
	logger  *zap.Logger
}

func NewHTTPMiddleware(guard *Guard, agg *stats.Aggregator, metrics *Metrics, logger *zap.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{guard: guard, stats: agg, metrics: metrics, logger: logger.With(zap.String("mod", "http-admission"))}
}

func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := TraceID(r.Context())
		priority := m.guard.RequestPriority(r.Header.Get(HeaderPriority))

		release, err := m.guard.Admit(r.Context(), traceID, "http", priority)
		if err != nil {
			status := m.writeRejection(w, err)
			m.record(r, status, start)
			return
		}
		defer release()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.record(r, status, start)
	})
}

func (m *HTTPMiddleware) record(r *http.Request, status int, start time.Time) {
	route := routePattern(r)
	elapsed := time.Since(start)
	if m.stats != nil {
		m.stats.RecordRequest(route, status, float64(elapsed.Microseconds())/1000)
	}
	if m.metrics != nil {
		m.metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
	}
}

type rejectionBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// writeRejection: 429 для очереди и RPS, 503 для перегрузки ресурсов и отмены ожидания.
func (m *HTTPMiddleware) writeRejection(w http.ResponseWriter, err error) int {
	var admErr *AdmissionError
	if !errors.As(err, &admErr) {
		m.logger.Debug("request cancelled while waiting for admission", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, rejectionBody{Error: "admission_cancelled", Message: err.Error()})
		return http.StatusServiceUnavailable
	}

	d := admErr.Decision
	status := http.StatusServiceUnavailable
	if d.Reason == domain.ReasonQueueFull || d.Reason == domain.ReasonRateLimited {
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	writeJSON(w, status, rejectionBody{Error: "admission_rejected", Reason: string(d.Reason), Message: d.Message})
	return status
}

func retryAfterSeconds(d domain.LimitingDecision) int {
	if d.DelaySeconds > 0 {
		return int(math.Ceil(d.DelaySeconds))
	}
	return 1
}

func parsePriority(v string) int {
	if v == "" {
		return DefaultPriority
	}
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 {
		return DefaultPriority
	}
	return p
}

// routePattern — шаблон маршрута chi (ограниченная кардинальность), иначе путь.
// Шаблон с "/*" значит, что подроутер еще не сматчил маршрут (отказ до роутинга).
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && !strings.HasSuffix(p, "/*") {
			return p
		}
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
