package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/console/service"
	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra/auth"
)

// MonitoringService Описываем, что нам нужно от сервиса
type MonitoringService interface {
	Stats() domain.DailyStats
	ResetStats(actor string)
	Resources() domain.ResourcesView
	Limiter() domain.LimiterView
	Alerts(ctx context.Context, since time.Time, limit int) domain.AlertsView
	SetShedOverride(ctx context.Context, req domain.ShedOverrideRequest, actor string) error
}

type MonitoringHandler struct {
	service MonitoringService
	logger  *zap.Logger
}

func NewMonitoringHandler(s MonitoringService, logger *zap.Logger) *MonitoringHandler {
	return &MonitoringHandler{service: s, logger: logger.Named("monitoring-handler")}
}

// GetStats GET /api/v1/monitoring/stats
func (h *MonitoringHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Stats())
}

// GetResources GET /api/v1/monitoring/resources
func (h *MonitoringHandler) GetResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Resources())
}

// GetLimiter GET /api/v1/monitoring/limiter
func (h *MonitoringHandler) GetLimiter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Limiter())
}

// GetAlerts GET /api/v1/monitoring/alerts?hours=24&limit=100
func (h *MonitoringHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	limit := queryInt(r, "limit", 100)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	writeJSON(w, http.StatusOK, h.service.Alerts(r.Context(), since, limit))
}

// ResetStats POST /api/v1/monitoring/stats/reset
func (h *MonitoringHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.service.ResetStats(actorID(r))
	w.WriteHeader(http.StatusNoContent)
}

// SetShedOverride POST /api/v1/monitoring/limiter/override
func (h *MonitoringHandler) SetShedOverride(w http.ResponseWriter, r *http.Request) {
	var req domain.ShedOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.service.SetShedOverride(r.Context(), req, actorID(r)); err != nil {
		if errors.Is(err, service.ErrInvalidOverride) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to set shed override", zap.Error(err))
		http.Error(w, "failed to set shed override", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func actorID(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.UserID
	}
	return "anonymous"
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
