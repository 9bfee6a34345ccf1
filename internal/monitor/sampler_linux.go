//go:build linux

package monitor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
	"github.com/xela07ax/spaceai-opscore/internal/infra"
)

// ProcSampler читает состояние хоста и текущего процесса из procfs.
//
// Обязательная часть — /proc/meminfo: без нее снимок не строится.
// CPU, load average, FD, дисковый I/O и сеть деградируют по отдельности:
// ошибка пишется в debug, поле остается нулевым с флагом "не измерено".
type ProcSampler struct {
	fs     procfs.FS
	bd     *blockdevice.FS
	cfg    infra.MonitorConfig
	logger *zap.Logger

	// Счетчики прошлого тика для расчета скоростей
	mu        sync.Mutex
	hasPrev   bool
	prevAt    time.Time
	prevCPU   cpuCounters
	prevProc  float64 // CPU-секунды процесса
	prevRead  uint64
	prevWrite uint64
	prevTx    uint64
	prevRx    uint64
	prevBusy  map[string]uint64 // IOsTotalTicks по устройствам, мс
}

// NewProcSampler открывает procfs по пути по умолчанию (/proc, /sys).
func NewProcSampler(cfg infra.MonitorConfig, logger *zap.Logger) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	s := newProcSampler(fs, cfg, logger)

	if cfg.EnableIOMonitoring {
		bd, err := blockdevice.NewDefaultFS()
		if err != nil {
			s.logger.Debug("block device stats unavailable, disk busy percent not measured", zap.Error(err))
		} else {
			s.bd = &bd
		}
	}
	return s, nil
}

func newProcSampler(fs procfs.FS, cfg infra.MonitorConfig, logger *zap.Logger) *ProcSampler {
	return &ProcSampler{
		fs:       fs,
		cfg:      cfg,
		logger:   logger.Named("sampler"),
		prevBusy: make(map[string]uint64),
	}
}

func (s *ProcSampler) Sample(ctx context.Context) (*domain.ResourceMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	m := &domain.ResourceMetrics{
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  now,
	}

	// 1. Память хоста (обязательно)
	if err := s.sampleMemory(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := 0.0
	if s.hasPrev {
		elapsed = now.Sub(s.prevAt).Seconds()
	}

	// 2. CPU хоста и load average
	if st, err := s.fs.Stat(); err != nil {
		s.logger.Debug("cpu stat unavailable", zap.Error(err))
	} else {
		c := st.CPUTotal
		cur := cpuCounters{
			busy:  c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal,
			total: c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal,
		}
		if s.hasPrev {
			m.CPUPercent = cpuPercent(s.prevCPU, cur)
		}
		s.prevCPU = cur
	}
	if la, err := s.fs.LoadAvg(); err != nil {
		s.logger.Debug("load average unavailable", zap.Error(err))
	} else {
		m.LoadAverage = []float64{la.Load1, la.Load5, la.Load15}
	}

	// 3. Процесс: RSS, CPU, потоки, FD, I/O
	s.sampleProcess(m, elapsed)

	// 4. Сеть хоста
	if s.cfg.EnableNetworkMonitoring {
		s.sampleNetwork(m, elapsed)
	}

	// 5. Загрузка дисков
	if s.cfg.EnableIOMonitoring && s.bd != nil {
		s.sampleDiskBusy(m, elapsed)
	}

	s.hasPrev = true
	s.prevAt = now
	return m, nil
}

func (s *ProcSampler) sampleMemory(m *domain.ResourceMetrics) error {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return fmt.Errorf("meminfo: MemTotal missing")
	}
	totalKB := float64(*mi.MemTotal)
	availKB := 0.0
	switch {
	case mi.MemAvailable != nil:
		availKB = float64(*mi.MemAvailable)
	case mi.MemFree != nil:
		// Старые ядра без MemAvailable
		availKB = float64(*mi.MemFree)
	}
	usedKB := totalKB - availKB
	m.MemoryPercent = clampPercent(usedKB / totalKB * 100)
	m.MemoryUsedMB = usedKB / 1024
	m.MemoryAvailableMB = availKB / 1024
	return nil
}

func (s *ProcSampler) sampleProcess(m *domain.ResourceMetrics, elapsed float64) {
	p, err := s.fs.Self()
	if err != nil {
		s.logger.Debug("self proc unavailable", zap.Error(err))
		return
	}

	if ps, err := p.Stat(); err != nil {
		s.logger.Debug("self stat unavailable", zap.Error(err))
	} else {
		m.ProcessMemoryMB = bytesToMB(float64(ps.ResidentMemory()))
		m.ThreadsCount = ps.NumThreads
		cpuTime := ps.CPUTime()
		if s.hasPrev && elapsed > 0 {
			m.ProcessCPUPercent = (cpuTime - s.prevProc) / elapsed * 100
		}
		s.prevProc = cpuTime
	}

	if used, err := p.FileDescriptorsLen(); err != nil {
		s.logger.Debug("fd count unavailable", zap.Error(err))
	} else if limit := s.fdLimit(); limit > 0 {
		m.FileDescriptorsUsed = used
		m.FileDescriptorsLimit = limit
		m.FileDescriptorsPercent = clampPercent(float64(used) / float64(limit) * 100)
		m.FileDescriptorsMeasured = true
	}

	if s.cfg.EnableIOMonitoring {
		if pio, err := p.IO(); err != nil {
			s.logger.Debug("process io unavailable", zap.Error(err))
		} else {
			if s.hasPrev {
				m.DiskReadMBPerSec = bytesToMB(perSecond(s.prevRead, pio.ReadBytes, elapsed))
				m.DiskWriteMBPerSec = bytesToMB(perSecond(s.prevWrite, pio.WriteBytes, elapsed))
			}
			s.prevRead, s.prevWrite = pio.ReadBytes, pio.WriteBytes
		}
	}
}

// fdLimit — лимит из конфига или мягкий RLIMIT_NOFILE процесса.
func (s *ProcSampler) fdLimit() int {
	if s.cfg.FDLimit > 0 {
		return s.cfg.FDLimit
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		s.logger.Debug("getrlimit NOFILE failed", zap.Error(err))
		return 0
	}
	if rl.Cur > 1<<31 {
		return 1 << 31
	}
	return int(rl.Cur)
}

func (s *ProcSampler) sampleNetwork(m *domain.ResourceMetrics, elapsed float64) {
	nd, err := s.fs.NetDev()
	if err != nil {
		s.logger.Debug("netdev unavailable", zap.Error(err))
		return
	}
	var tx, rx uint64
	for name, line := range nd {
		if name == "lo" {
			continue
		}
		tx += line.TxBytes
		rx += line.RxBytes
	}
	if s.hasPrev {
		m.NetworkBytesSentPerSec = perSecond(s.prevTx, tx, elapsed)
		m.NetworkBytesRecvPerSec = perSecond(s.prevRx, rx, elapsed)
		if s.cfg.NetworkBandwidthMbps > 0 {
			capacity := s.cfg.NetworkBandwidthMbps * 125000 // Мбит/с -> байт/с
			m.NetworkUtilization = clampPercent((m.NetworkBytesSentPerSec + m.NetworkBytesRecvPerSec) / capacity * 100)
		}
	}
	s.prevTx, s.prevRx = tx, rx
	m.NetworkMeasured = true

	conns := 0
	if tcp, err := s.fs.NetTCP(); err == nil {
		conns += len(tcp)
	} else {
		s.logger.Debug("net tcp unavailable", zap.Error(err))
	}
	if tcp6, err := s.fs.NetTCP6(); err == nil {
		conns += len(tcp6)
	}
	m.NetworkConnections = conns
}

// sampleDiskBusy считает долю времени, когда самое загруженное устройство было занято I/O.
func (s *ProcSampler) sampleDiskBusy(m *domain.ResourceMetrics, elapsed float64) {
	stats, err := s.bd.ProcDiskstats()
	if err != nil {
		s.logger.Debug("diskstats unavailable", zap.Error(err))
		return
	}
	busiest := 0.0
	for _, d := range stats {
		if strings.HasPrefix(d.DeviceName, "loop") || strings.HasPrefix(d.DeviceName, "ram") {
			continue
		}
		prev, seen := s.prevBusy[d.DeviceName]
		s.prevBusy[d.DeviceName] = d.IOsTotalTicks
		if !seen || elapsed <= 0 || d.IOsTotalTicks < prev {
			continue
		}
		busy := float64(d.IOsTotalTicks-prev) / (elapsed * 1000) * 100
		if busy > busiest {
			busiest = busy
		}
	}
	if s.hasPrev {
		m.DiskIOPercent = clampPercent(busiest)
		m.DiskIOMeasured = true
	}
}
