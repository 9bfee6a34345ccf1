package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/stats"
)

type fetchResult struct {
	data map[string]any
	ok   bool
}

// GuardedSource закрывает внешний источник метрик предохранителем:
// лежащий коллаборатор не тормозит каждый тик ротации статистики.
type GuardedSource struct {
	next    stats.MetricsSource
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuardedSource(next stats.MetricsSource, metrics *Metrics, logger *zap.Logger) *GuardedSource {
	name := next.Name()
	log := logger.With(zap.String("mod", "guarded-source"), zap.String("source", name))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "metrics-source-" + name,
		MaxRequests: 1,
		Interval:    time.Hour,
		Timeout:     15 * time.Minute, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Три неудачных тика подряд — источник считаем недоступным
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Info("metrics source breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &GuardedSource{next: next, cb: cb, timeout: 10 * time.Second}
}

func (g *GuardedSource) Name() string { return g.next.Name() }

// TryFetch: при открытом предохранителе возвращает ошибку gobreaker без вызова источника.
func (g *GuardedSource) TryFetch(ctx context.Context) (map[string]any, bool, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		data, ok, err := g.next.TryFetch(tCtx)
		if err != nil {
			return nil, err
		}
		return fetchResult{data: data, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(fetchResult)
	return r.data, r.ok, nil
}

// HTTPSource забирает JSON-объект метрик у коллаборатора (реестр агентов,
// трекер ошибок, провайдер WebSocket-метрик). 404 — коллаборатор не развернут.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{name: name, url: url, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) TryFetch(ctx context.Context) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("fetch %s: unexpected status %d", s.name, resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return nil, false, fmt.Errorf("decode %s payload: %w", s.name, err)
	}
	return data, true, nil
}
