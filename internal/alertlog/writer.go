package alertlog

/*
Файл writer.go реализует журнал алертов ресурсов — неблокирующий сборщик
поднятий и восстановлений алертов для персистентности в PostgreSQL.

- Non-blocking: колбэк монитора только кладет запись в буферизированный канал,
  цикл сэмплинга никогда не ждет базу.
- Batching: накопление записей и пакетная вставка по таймеру или по лимиту пачки.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

// Entry — одна запись журнала: поднятие или восстановление алерта.
type Entry struct {
	InstanceID string
	Alert      domain.ResourceAlert
	Recovered  bool
}

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// FillObserver получает текущую заполненность буфера (метрика backpressure).
type FillObserver func(n int)

type Writer struct {
	ch         chan Entry
	repo       StorageInterface
	logger     *zap.Logger
	instanceID string
	onFill     FillObserver

	batchSize     int
	flushInterval time.Duration

	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex // Log держит RLock, Stop берет Lock перед close(ch)
}

func NewWriter(repo StorageInterface, instanceID string, logger *zap.Logger, onFill FillObserver) *Writer {
	return &Writer{
		ch:            make(chan Entry, defaultBufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "alertlog")),
		instanceID:    instanceID,
		onFill:        onFill,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed.Swap(true) {
		w.mu.Unlock()
		return
	}
	w.logger.Info("stopping alert log: closing channel and flushing buffer...")
	close(w.ch)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("alert log stopped gracefully")
}

// OnAlert — колбэк монитора.
func (w *Writer) OnAlert(e domain.AlertEvent) {
	w.Log(Entry{InstanceID: w.instanceID, Alert: e.Alert, Recovered: e.Recovered})
}

func (w *Writer) Log(entry Entry) {
	if entry.Alert.Timestamp.IsZero() {
		entry.Alert.Timestamp = time.Now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed.Load() {
		w.logger.Warn("alert entry dropped: writer is stopping", zap.String("id", entry.Alert.ID))
		return
	}

	select {
	case w.ch <- entry:
		if w.onFill != nil {
			w.onFill(len(w.ch))
		}
	default:
		// Буфер переполнен: запись уходит только в лог
		w.logger.Error("alert_log_buffer_overflow",
			zap.String("resource", string(entry.Alert.ResourceType)),
			zap.String("status", string(entry.Alert.Status)),
			zap.Bool("recovered", entry.Recovered))
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]Entry, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
			w.logger.Error("alert log flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if w.onFill != nil {
			w.onFill(len(w.ch))
		}
	}

	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				flush() // Финальный сброс
				w.logger.Info("alert log worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
