package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
	"github.com/xela07ax/spaceai-opscore/internal/limiter"
)

type loadStub struct {
	mu   sync.Mutex
	load domain.ResourceLoad
}

func (s *loadStub) set(l domain.ResourceLoad) {
	s.mu.Lock()
	s.load = l
	s.mu.Unlock()
}

func (s *loadStub) CurrentLoad() domain.ResourceLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load
}

func newLimiter(t *testing.T, mutate func(c *infra.LimiterConfig), opts ...limiter.Option) (*limiter.ResourceLimiter, *loadStub) {
	t.Helper()
	cfg := infra.DefaultLimiterConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	src := &loadStub{}
	l, err := limiter.NewResourceLimiter(cfg, src, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return l, src
}

func TestGuard_AdmitAndRelease(t *testing.T) {
	l, _ := newLimiter(t, nil)
	g := NewGuard(l, zaptest.NewLogger(t))

	release, err := g.Admit(context.Background(), "req-1", "api", DefaultPriority)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Stats().CurrentConcurrentRequests)

	release()
	release() // повторный вызов не должен увести счетчик вниз
	assert.Equal(t, 0, l.Stats().CurrentConcurrentRequests)
}

func TestGuard_RejectOnMemoryPressure(t *testing.T) {
	l, src := newLimiter(t, nil)
	g := NewGuard(l, zaptest.NewLogger(t))
	src.set(domain.ResourceLoad{MemoryPercent: 97})

	release, err := g.Admit(context.Background(), "req-1", "api", DefaultPriority)
	require.Error(t, err)
	assert.Nil(t, release)
	assert.ErrorIs(t, err, ErrRejected)

	var admErr *AdmissionError
	require.True(t, errors.As(err, &admErr))
	assert.Equal(t, domain.ReasonMemoryPressure, admErr.Decision.Reason)
	assert.Equal(t, 0, l.Stats().CurrentConcurrentRequests)
}

func TestGuard_ThrottleHonorsContext(t *testing.T) {
	l, src := newLimiter(t, nil)
	g := NewGuard(l, zaptest.NewLogger(t))
	src.set(domain.ResourceLoad{MemoryPercent: 90})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Admit(ctx, "req-1", "api", DefaultPriority)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Stats().CurrentConcurrentRequests)
}

func TestGuard_ThrottleThenAdmit(t *testing.T) {
	l, src := newLimiter(t, func(c *infra.LimiterConfig) {
		c.ThrottleDelayBaseMs = 1
		c.ThrottleDelayMaxMs = 5
	})
	g := NewGuard(l, zaptest.NewLogger(t))
	src.set(domain.ResourceLoad{MemoryPercent: 90})

	release, err := g.Admit(context.Background(), "req-1", "api", DefaultPriority)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 1, l.Stats().CurrentConcurrentRequests)
}

func TestGuard_QueueFull(t *testing.T) {
	l, _ := newLimiter(t, func(c *infra.LimiterConfig) {
		c.ConcurrentRequestsLimit = 1
		c.QueueSizeLimit = 0
	})
	g := NewGuard(l, zaptest.NewLogger(t))

	release, err := g.Admit(context.Background(), "first", "api", DefaultPriority)
	require.NoError(t, err)
	defer release()

	_, err = g.Admit(context.Background(), "second", "api", DefaultPriority)
	var admErr *AdmissionError
	require.True(t, errors.As(err, &admErr))
	assert.Equal(t, domain.ReasonQueueFull, admErr.Decision.Reason)
}

func TestGuard_QueuedRequestGetsSlot(t *testing.T) {
	l, _ := newLimiter(t, func(c *infra.LimiterConfig) {
		c.ConcurrentRequestsLimit = 1
		c.QueueSizeLimit = 5
	})
	g := NewGuard(l, zaptest.NewLogger(t))

	first, err := g.Admit(context.Background(), "first", "api", DefaultPriority)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		release, err := g.Admit(context.Background(), "second", "api", DefaultPriority)
		if err == nil {
			release()
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return l.Stats().QueueSize == 1 }, time.Second, 5*time.Millisecond)
	first()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not admitted")
	}
	assert.Equal(t, 0, l.Stats().CurrentConcurrentRequests)
	assert.Equal(t, 0, l.Stats().QueueSize)
}

func TestGuard_SheddingRespectsPriority(t *testing.T) {
	l, _ := newLimiter(t, nil)
	g := NewGuard(l, zaptest.NewLogger(t))
	l.ForceLoadShedding(true)

	_, err := g.Admit(context.Background(), "low", "api", 7)
	assert.ErrorIs(t, err, ErrRejected)

	release, err := g.Admit(context.Background(), "high", "api", 1)
	require.NoError(t, err)
	release()
}
