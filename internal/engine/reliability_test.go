package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakySource struct {
	calls int
	err   error
}

func (f *flakySource) Name() string { return "agent_registry" }

func (f *flakySource) TryFetch(context.Context) (map[string]any, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	return map[string]any{"agents": 3.0}, true, nil
}

func TestGuardedSource_PassesThrough(t *testing.T) {
	src := &flakySource{}
	g := NewGuardedSource(src, nil, zaptest.NewLogger(t))

	data, ok, err := g.TryFetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3.0, data["agents"])
	assert.Equal(t, "agent_registry", g.Name())
}

func TestGuardedSource_OpensAfterConsecutiveFailures(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	src := &flakySource{err: errors.New("connection refused")}
	g := NewGuardedSource(src, metrics, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, _, err := g.TryFetch(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, float64(gobreaker.StateOpen),
		testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("agent_registry")))

	// Открытый предохранитель не трогает источник
	_, _, err := g.TryFetch(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, src.calls)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"active_connections": 12}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	data, ok, err := NewHTTPSource("websocket", srv.URL+"/ok", srv.Client()).TryFetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12.0, data["active_connections"])

	// 404 — коллаборатор не развернут, это не ошибка
	data, ok, err = NewHTTPSource("errors", srv.URL+"/missing", nil).TryFetch(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	_, _, err = NewHTTPSource("errors", srv.URL+"/broken", nil).TryFetch(ctx)
	assert.Error(t, err)

	_, _, err = NewHTTPSource("errors", srv.URL+"/garbage", nil).TryFetch(ctx)
	assert.Error(t, err)
}
