//go:build linux

package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

func TestProcSampler_ReadsLiveProc(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err != nil {
		t.Skip("procfs is not mounted")
	}
	s, err := NewProcSampler(infra.DefaultMonitorConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := s.Sample(ctx)
	require.NoError(t, err)
	// Скоростям нужен прошлый тик
	assert.Zero(t, first.CPUPercent)
	assert.False(t, first.DiskIOMeasured)

	time.Sleep(50 * time.Millisecond)
	second, err := s.Sample(ctx)
	require.NoError(t, err)

	assert.False(t, second.HostMetricsUnavailable)
	assert.Greater(t, second.MemoryPercent, 0.0)
	assert.LessOrEqual(t, second.MemoryPercent, 100.0)
	assert.Greater(t, second.MemoryUsedMB, 0.0)
	assert.Len(t, second.LoadAverage, 3)

	assert.True(t, second.FileDescriptorsMeasured)
	assert.Positive(t, second.FileDescriptorsUsed)
	assert.Positive(t, second.FileDescriptorsLimit)
	assert.Positive(t, second.ThreadsCount)

	assert.True(t, second.NetworkMeasured)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.LessOrEqual(t, second.CPUPercent, 100.0)
	assert.GreaterOrEqual(t, second.ProcessCPUPercent, 0.0)
	assert.GreaterOrEqual(t, second.NetworkBytesSentPerSec, 0.0)
	assert.GreaterOrEqual(t, second.NetworkBytesRecvPerSec, 0.0)
	assert.GreaterOrEqual(t, second.DiskReadMBPerSec, 0.0)
	assert.GreaterOrEqual(t, second.DiskWriteMBPerSec, 0.0)
}

func TestProcSampler_MissingSubsystemsDoNotAbortSample(t *testing.T) {
	dir := t.TempDir()
	meminfo := "MemTotal:       16000000 kB\nMemFree:         2000000 kB\nMemAvailable:    4000000 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))

	fs, err := procfs.NewFS(dir)
	require.NoError(t, err)
	s := newProcSampler(fs, infra.DefaultMonitorConfig(), zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		m, err := s.Sample(context.Background())
		require.NoError(t, err)

		// Память посчитана, остальное осталось "не измерено"
		assert.InDelta(t, 75.0, m.MemoryPercent, 0.001)
		assert.InDelta(t, 4000000.0/1024, m.MemoryAvailableMB, 0.001)
		assert.Nil(t, m.LoadAverage)
		assert.Zero(t, m.CPUPercent)
		assert.False(t, m.FileDescriptorsMeasured)
		assert.False(t, m.NetworkMeasured)
		assert.False(t, m.DiskIOMeasured)
	}
}

func TestProcSampler_MissingMeminfoFails(t *testing.T) {
	fs, err := procfs.NewFS(t.TempDir())
	require.NoError(t, err)
	s := newProcSampler(fs, infra.DefaultMonitorConfig(), zaptest.NewLogger(t))

	_, err = s.Sample(context.Background())
	assert.Error(t, err)
}
