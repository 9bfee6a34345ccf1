package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/console/handler"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/engine"
	"github.com/xela07ax/spaceai-opscore/internal/infra/auth"
)

// HealthFunc отдает сводку здоровья для /health.
type HealthFunc func() (domain.SystemHealthSummary, domain.LimiterHealth)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256). nil — админские роуты закрыты.
	authValidator auth.TokenValidator

	// Контроль допуска для API (nil — без лимитера)
	admission *engine.HTTPMiddleware

	health      HealthFunc
	monitoringH *handler.MonitoringHandler // /api/v1/monitoring
}

// NewConsoleServer инициализирует сервер мониторингового API со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	admission *engine.HTTPMiddleware,
	health HealthFunc,
	monitoringH *handler.MonitoringHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		admission:     admission,
		health:        health,
		monitoringH:   monitoringH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. Healthcheck: без допуска, иначе под нагрузкой балансировщик не увидит статус ---
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/monitoring", func(r chi.Router) {
		// --- 3. Чтение: через контроль допуска ---
		r.Group(func(r chi.Router) {
			if s.admission != nil {
				r.Use(s.admission.Handler)
			}
			r.Get("/stats", s.monitoringH.GetStats)
			r.Get("/resources", s.monitoringH.GetResources)
			r.Get("/alerts", s.monitoringH.GetAlerts)
			r.Get("/limiter", s.monitoringH.GetLimiter)
		})

		// --- 4. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен со scope ops:admin) ---
		// Без допуска: оператор должен снять load shedding именно под нагрузкой
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/stats/reset", s.monitoringH.ResetStats)
			r.Post("/limiter/override", s.monitoringH.SetShedOverride)
		})
	})
}

func (s *ConsoleServer) requireAdmin(next http.Handler) http.Handler {
	if s.authValidator == nil {
		// Ключ не настроен: административные действия недоступны
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "admin API disabled: no public key configured", http.StatusForbidden)
		})
	}
	return auth.NewMiddleware(s.authValidator, domain.ScopeOpsAdmin, s.logger)(next)
}

type healthResponse struct {
	Status    string                     `json:"status"`
	Resources domain.SystemHealthSummary `json:"resources"`
	Limiter   domain.LimiterHealth       `json:"limiter"`
}

// handleHealth: 503 только когда лимитер перестал принимать запросы.
func (s *ConsoleServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resources, limiter := s.health()

	code := http.StatusOK
	if !limiter.AcceptingRequests {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    limiter.Status,
		Resources: resources,
		Limiter:   limiter,
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
