package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Signal — разобранная команда вида "target:value".
type Signal struct {
	Target string
	Value  string
}

// ParseSignal разбирает "target:value". Target может содержать ':' только до последнего разделителя.
func ParseSignal(payload string) (Signal, bool) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 || idx == len(payload)-1 {
		return Signal{}, false
	}
	return Signal{
		Target: strings.TrimSpace(payload[:idx]),
		Value:  strings.ToLower(strings.TrimSpace(payload[idx+1:])),
	}, true
}

// ListenStateResilient — универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error, // Callback для синхронизации при переподключении
	onSignal func(sig Signal), // Callback для обработки сообщения
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepOrDone(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Вызываем синхронизацию при каждом успешном коннекте
		if err := onReconnect(ctx); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				sig, valid := ParseSignal(msg.Payload)
				if !valid {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onSignal(sig)
			}
		}

		pubsub.Close()
		if !sleepOrDone(ctx, time.Second) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	return sleepCtx(ctx, d) == nil
}
