package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/console/handler"
	"github.com/xela07ax/spaceai-opscore/internal/console/server"
	"github.com/xela07ax/spaceai-opscore/internal/console/service"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/engine"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
	"github.com/xela07ax/spaceai-opscore/internal/stats"
)

type stubService struct {
	resets    int
	overrides []domain.ShedOverrideRequest
	actor     string
	alertsArg struct {
		since time.Time
		limit int
	}
	overrideErr error
}

func (s *stubService) Stats() domain.DailyStats { return domain.DailyStats{RetentionHours: 24} }
func (s *stubService) ResetStats(actor string) {
	s.resets++
	s.actor = actor
}
func (s *stubService) Resources() domain.ResourcesView {
	return domain.ResourcesView{Summary: domain.SystemHealthSummary{OverallStatus: domain.StatusNormal}}
}
func (s *stubService) Limiter() domain.LimiterView {
	return domain.LimiterView{Health: domain.LimiterHealth{Status: "healthy"}}
}
func (s *stubService) Alerts(_ context.Context, since time.Time, limit int) domain.AlertsView {
	s.alertsArg.since, s.alertsArg.limit = since, limit
	return domain.AlertsView{Since: since}
}
func (s *stubService) SetShedOverride(_ context.Context, req domain.ShedOverrideRequest, actor string) error {
	if s.overrideErr != nil {
		return s.overrideErr
	}
	s.overrides = append(s.overrides, req)
	s.actor = actor
	return nil
}

// tokenStub принимает "Bearer admin" (scope ops:admin) и "Bearer viewer" (без scope).
type tokenStub struct{}

func (tokenStub) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	switch strings.TrimPrefix(tokenStr, "Bearer ") {
	case "admin":
		return &domain.OperatorClaims{UserID: "op-1", Scopes: map[string]bool{domain.ScopeOpsAdmin: true}}, nil
	case "viewer":
		return &domain.OperatorClaims{UserID: "op-2"}, nil
	}
	return nil, errors.New("bad token")
}

func newServer(t *testing.T, svc *stubService, validator bool, health domain.LimiterHealth) *server.ConsoleServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := handler.NewMonitoringHandler(svc, logger)
	healthFn := func() (domain.SystemHealthSummary, domain.LimiterHealth) {
		return domain.SystemHealthSummary{OverallStatus: domain.StatusNormal}, health
	}
	if validator {
		return server.NewConsoleServer(logger, tokenStub{}, nil, healthFn, h)
	}
	return server.NewConsoleServer(logger, nil, nil, healthFn, h)
}

func do(t *testing.T, s http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newServer(t, &stubService{}, false, domain.LimiterHealth{Status: "healthy", AcceptingRequests: true})
	rec := do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])

	s = newServer(t, &stubService{}, false, domain.LimiterHealth{Status: "critical"})
	rec = do(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadRoutes(t *testing.T) {
	svc := &stubService{}
	s := newServer(t, svc, false, domain.LimiterHealth{AcceptingRequests: true})

	for _, path := range []string{
		"/api/v1/monitoring/stats",
		"/api/v1/monitoring/resources",
		"/api/v1/monitoring/limiter",
		"/api/v1/monitoring/alerts",
	} {
		rec := do(t, s, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
	assert.Equal(t, 100, svc.alertsArg.limit)
}

func TestAlertsQuery(t *testing.T) {
	svc := &stubService{}
	s := newServer(t, svc, false, domain.LimiterHealth{AcceptingRequests: true})

	before := time.Now()
	rec := do(t, s, http.MethodGet, "/api/v1/monitoring/alerts?hours=2&limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.alertsArg.limit)
	assert.WithinDuration(t, before.Add(-2*time.Hour), svc.alertsArg.since, time.Minute)

	// Мусор в параметрах — значения по умолчанию
	do(t, s, http.MethodGet, "/api/v1/monitoring/alerts?limit=-3", "", "")
	assert.Equal(t, 100, svc.alertsArg.limit)
}

func TestAdminRoutes_DisabledWithoutKey(t *testing.T) {
	svc := &stubService{}
	s := newServer(t, svc, false, domain.LimiterHealth{AcceptingRequests: true})

	rec := do(t, s, http.MethodPost, "/api/v1/monitoring/stats/reset", "admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, svc.resets)
}

func TestAdminRoutes_Auth(t *testing.T) {
	svc := &stubService{}
	s := newServer(t, svc, true, domain.LimiterHealth{AcceptingRequests: true})

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/v1/monitoring/stats/reset", "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodPost, "/api/v1/monitoring/stats/reset", "viewer", "").Code)

	rec := do(t, s, http.MethodPost, "/api/v1/monitoring/stats/reset", "admin", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, svc.resets)
	assert.Equal(t, "op-1", svc.actor)
}

func TestShedOverride(t *testing.T) {
	svc := &stubService{}
	s := newServer(t, svc, true, domain.LimiterHealth{AcceptingRequests: true})
	path := "/api/v1/monitoring/limiter/override"

	rec := do(t, s, http.MethodPost, path, "admin", `{"target":"*","mode":"on"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, svc.overrides, 1)
	assert.Equal(t, domain.ShedOverrideRequest{Target: "*", Mode: "on"}, svc.overrides[0])

	rec = do(t, s, http.MethodPost, path, "admin", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.overrideErr = service.ErrInvalidOverride
	rec = do(t, s, http.MethodPost, path, "admin", `{"target":"*","mode":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.overrideErr = errors.New("redis down")
	rec = do(t, s, http.MethodPost, path, "admin", `{"target":"*","mode":"on"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoadShedding_AdminRoutesBypassAdmission(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lim, err := limiter.NewResourceLimiter(infra.DefaultLimiterConfig(),
		limiter.LoadSourceFunc(func() domain.ResourceLoad { return domain.ResourceLoad{} }), logger)
	require.NoError(t, err)
	agg, err := stats.NewAggregator(infra.DefaultStatsConfig(), logger)
	require.NoError(t, err)
	admission := engine.NewHTTPMiddleware(engine.NewGuard(lim, logger), agg, nil, logger)

	svc := &stubService{}
	healthFn := func() (domain.SystemHealthSummary, domain.LimiterHealth) {
		return domain.SystemHealthSummary{}, lim.HealthStatus()
	}
	s := server.NewConsoleServer(logger, tokenStub{}, admission, healthFn, handler.NewMonitoringHandler(svc, logger))

	lim.ForceLoadShedding(true)

	// 1. Чтение под shedding отбивается, присланный клиентом приоритет не помогает
	rec := do(t, s, http.MethodGet, "/api/v1/monitoring/stats", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/stats", nil)
	req.Header.Set(engine.HeaderPriority, "1")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 2. Оператор снимает shedding, не проходя через допуск
	rec = do(t, s, http.MethodPost, "/api/v1/monitoring/limiter/override", "admin", `{"target":"*","mode":"off"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, svc.overrides, 1)
	assert.Equal(t, "off", svc.overrides[0].Mode)

	// 3. Авторизация при этом остается обязательной
	rec = do(t, s, http.MethodPost, "/api/v1/monitoring/stats/reset", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, svc.resets)
}
