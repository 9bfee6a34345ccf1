package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи состояния
const (
	// RedisKeyLimiterState — последнее опубликованное состояние флагов лимитера (JSON).
	RedisKeyLimiterState = RedisNamespace + ":opscore:limiter:state"
	// RedisKeyShedOverride — оверрайд оператора, переживающий рестарт инстанса.
	RedisKeyShedOverride = RedisNamespace + ":opscore:limiter:shed_override"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanLimiterFlags — переходы флагов load shedding / throttling.
	RedisChanLimiterFlags = RedisNamespace + ":opscore:limiter-flags"
	// RedisChanShedOverride — команды оператора в формате "instance:on|off" ("*" — все инстансы).
	RedisChanShedOverride = RedisNamespace + ":opscore:shed-override-signal"
	// RedisChanResourceAlerts — поднятие и восстановление алертов ресурсов.
	RedisChanResourceAlerts = RedisNamespace + ":opscore:resource-alerts"
)

// InstanceStateKey Генератор ключей состояния для конкретного инстанса
func InstanceStateKey(instanceID string) string {
	return fmt.Sprintf("%s:%s", RedisKeyLimiterState, instanceID)
}
