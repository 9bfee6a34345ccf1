package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaults_AreSingletons(t *testing.T) {
	Configure(defaultConfig(), zaptest.NewLogger(t), Options{})

	m1, err := DefaultMonitor()
	require.NoError(t, err)
	m2, err := DefaultMonitor()
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	l1, err := DefaultLimiter()
	require.NoError(t, err)
	l2, _ := DefaultLimiter()
	assert.Same(t, l1, l2)

	a1, err := DefaultAggregator()
	require.NoError(t, err)
	a2, _ := DefaultAggregator()
	assert.Same(t, a1, a2)

	// Лимитер читает нагрузку из общего монитора: до первого сэмпла все нули
	assert.Equal(t, 0.0, l1.Stats().CurrentLoad["memory_percent"])
}
