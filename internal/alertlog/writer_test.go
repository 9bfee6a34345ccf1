package alertlog

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
)

type memoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	batches int
	err     error
}

func (r *memoryRepo) WriteBatch(_ context.Context, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.entries = append(r.entries, entries...)
	return r.err
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func alertEvent(rt domain.ResourceType, recovered bool) domain.AlertEvent {
	return domain.AlertEvent{
		Alert: domain.ResourceAlert{
			ID:           "a-" + string(rt),
			ResourceType: rt,
			Status:       domain.StatusWarning,
			CurrentValue: 81,
			Threshold:    80,
		},
		Recovered: recovered,
	}
}

func TestWriter_StopDrainsBuffer(t *testing.T) {
	repo := &memoryRepo{}
	w := NewWriter(repo, "node-1", zaptest.NewLogger(t), nil)
	w.flushInterval = time.Hour
	w.Start()

	for i := 0; i < 250; i++ {
		w.OnAlert(alertEvent(domain.ResourceCPU, i%2 == 1))
	}
	w.Stop()

	assert.Equal(t, 250, repo.count())
	repo.mu.Lock()
	assert.Equal(t, 3, repo.batches, "two full batches and a final flush")
	assert.Equal(t, "node-1", repo.entries[0].InstanceID)
	assert.False(t, repo.entries[0].Alert.Timestamp.IsZero())
	assert.True(t, repo.entries[1].Recovered)
	repo.mu.Unlock()
}

func TestWriter_FlushOnTicker(t *testing.T) {
	repo := &memoryRepo{}
	w := NewWriter(repo, "node-1", zaptest.NewLogger(t), nil)
	w.flushInterval = 10 * time.Millisecond
	w.Start()
	defer w.Stop()

	w.OnAlert(alertEvent(domain.ResourceMemory, false))
	require.Eventually(t, func() bool { return repo.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_LogAfterStopDropped(t *testing.T) {
	repo := &memoryRepo{}
	w := NewWriter(repo, "node-1", zaptest.NewLogger(t), nil)
	w.Start()
	w.Stop()
	w.Stop()

	assert.NotPanics(t, func() { w.OnAlert(alertEvent(domain.ResourceCPU, false)) })
	assert.Zero(t, repo.count())
}

func TestWriter_FlushErrorDoesNotStopWorker(t *testing.T) {
	repo := &memoryRepo{err: errors.New("db down")}
	w := NewWriter(repo, "node-1", zaptest.NewLogger(t), nil)
	w.batchSize = 1
	w.Start()

	w.OnAlert(alertEvent(domain.ResourceCPU, false))
	w.OnAlert(alertEvent(domain.ResourceMemory, false))
	w.Stop()

	assert.Equal(t, 2, repo.count())
}

func TestWriter_OverflowDropsWithoutBlocking(t *testing.T) {
	repo := &memoryRepo{}
	var (
		mu      sync.Mutex
		maxFill int
	)
	w := NewWriter(repo, "node-1", zaptest.NewLogger(t), func(n int) {
		mu.Lock()
		if n > maxFill {
			maxFill = n
		}
		mu.Unlock()
	})
	w.ch = make(chan Entry, 2)

	// Воркер не запущен: третья запись должна быть сброшена, а не заблокировать вызов
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			w.OnAlert(alertEvent(domain.ResourceCPU, false))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on full buffer")
	}

	mu.Lock()
	assert.Equal(t, 2, maxFill)
	mu.Unlock()
	assert.Len(t, w.ch, 2)
}
