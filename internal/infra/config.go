package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

// ErrInvalidConfig — ошибка валидации конфигурации (fail fast при старте).
var ErrInvalidConfig = errors.New("invalid config")

// Config — корневая структура конфигурации сервиса.
type Config struct {
	// InstanceID различает инстансы в Redis и журнале алертов (по умолчанию hostname)
	InstanceID string `mapstructure:"instance_id"`

	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Stats    StatsConfig    `mapstructure:"stats"`
}

// ServerConfig описывает настройки HTTP-сервера мониторингового API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Доверять X-Request-Priority (и x-request-priority в gRPC) выше приоритета по умолчанию.
	// Включать только за краем, который срезает клиентский заголовок.
	TrustPriorityHeader bool `mapstructure:"trust_priority_header"`
}

// GRPCConfig — адрес gRPC health-сервиса. Пустой адрес отключает сервер.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig — экспорт Prometheus.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (история алертов и часовых бакетов).
// Пустой URL отключает персистентность.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub флагов лимитера).
// Пустой адрес отключает публикацию и прием оверрайдов.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для админских роутов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// MonitorConfig — настройки ResourceMonitor.
type MonitorConfig struct {
	CollectionInterval      time.Duration `mapstructure:"collection_interval"`
	AlertCooldown           time.Duration `mapstructure:"alert_cooldown"`
	EnableGCMonitoring      bool          `mapstructure:"enable_gc_monitoring"`
	EnableIOMonitoring      bool          `mapstructure:"enable_io_monitoring"`
	EnableNetworkMonitoring bool          `mapstructure:"enable_network_monitoring"`
	GCHeapWatermarkMB       int           `mapstructure:"gc_heap_watermark_mb"`

	// FDLimit == 0 — лимит берется из RLIMIT_NOFILE процесса
	FDLimit int `mapstructure:"fd_limit"`
	// База для процента загрузки сети (send+recv) и потоков
	NetworkBandwidthMbps float64 `mapstructure:"network_bandwidth_mbps"`
	MaxThreads           int     `mapstructure:"max_threads"`

	Thresholds map[domain.ResourceType]domain.ResourceThresholds `mapstructure:"thresholds"`
}

// LimiterConfig — статическая конфигурация ResourceLimiter (ResourceLimits).
type LimiterConfig struct {
	MemoryLimitPercent float64 `mapstructure:"memory_limit_percent"`
	CPULimitPercent    float64 `mapstructure:"cpu_limit_percent"`
	FDLimitPercent     float64 `mapstructure:"fd_limit_percent"`
	// IOLimitPercent == 0 отключает проверку насыщения I/O
	IOLimitPercent float64 `mapstructure:"io_limit_percent"`

	ConcurrentRequestsLimit int `mapstructure:"concurrent_requests_limit"`
	QueueSizeLimit          int `mapstructure:"queue_size_limit"`

	ThrottleDelayBaseMs   float64 `mapstructure:"throttle_delay_base_ms"`
	ThrottleDelayMaxMs    float64 `mapstructure:"throttle_delay_max_ms"`
	ThrottleBackoffFactor float64 `mapstructure:"throttle_backoff_factor"`

	EnableLoadShedding   bool `mapstructure:"enable_load_shedding"`
	EnableThrottling     bool `mapstructure:"enable_throttling"`
	EnableRequestQueuing bool `mapstructure:"enable_request_queuing"`

	ShedLoadThreshold  float64       `mapstructure:"shed_load_threshold"`
	RecoveryThreshold  float64       `mapstructure:"recovery_threshold"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`

	// Глобальный лимит RPS (0 — выключен)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StatsConfig — настройки StatsAggregator.
type StatsConfig struct {
	RetentionHours   int           `mapstructure:"retention_hours"`
	RolloverInterval time.Duration `mapstructure:"rollover_interval"`
	BufferSize       int           `mapstructure:"buffer_size"`

	// ExternalSources — имя коллаборатора -> URL с JSON-объектом метрик
	ExternalSources map[string]string `mapstructure:"external_sources"`
}

// DefaultMonitorConfig возвращает конфигурацию монитора по умолчанию.
func DefaultMonitorConfig() MonitorConfig {
	t := domain.ResourceThresholds{Warning: 80, Critical: 90, Exhaustion: 95}
	thresholds := make(map[domain.ResourceType]domain.ResourceThresholds, len(domain.AllResourceTypes))
	for _, rt := range domain.AllResourceTypes {
		thresholds[rt] = t
	}
	thresholds[domain.ResourceMemory] = domain.ResourceThresholds{Warning: 75, Critical: 90, Exhaustion: 98}

	return MonitorConfig{
		CollectionInterval:      5 * time.Second,
		AlertCooldown:           5 * time.Minute,
		EnableGCMonitoring:      true,
		EnableIOMonitoring:      true,
		EnableNetworkMonitoring: true,
		GCHeapWatermarkMB:       512,
		NetworkBandwidthMbps:    1000,
		MaxThreads:              1000,
		Thresholds:              thresholds,
	}
}

// DefaultLimiterConfig возвращает лимиты по умолчанию.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MemoryLimitPercent:      85,
		CPULimitPercent:         90,
		FDLimitPercent:          90,
		ConcurrentRequestsLimit: 100,
		QueueSizeLimit:          1000,
		ThrottleDelayBaseMs:     100,
		ThrottleDelayMaxMs:      5000,
		ThrottleBackoffFactor:   2.0,
		EnableLoadShedding:      true,
		EnableThrottling:        true,
		EnableRequestQueuing:    true,
		ShedLoadThreshold:       95,
		RecoveryThreshold:       70,
		MonitoringInterval:      5 * time.Second,
	}
}

// DefaultStatsConfig возвращает настройки агрегатора по умолчанию.
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		RetentionHours:   24,
		RolloverInterval: 5 * time.Minute,
		BufferSize:       1000,
	}
}

// Validate проверяет конфигурацию монитора.
func (c MonitorConfig) Validate() error {
	if c.CollectionInterval <= 0 {
		return fmt.Errorf("%w: monitor.collection_interval must be positive", ErrInvalidConfig)
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("%w: monitor.alert_cooldown must not be negative", ErrInvalidConfig)
	}
	for rt, t := range c.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: monitor.thresholds.%s: %v", ErrInvalidConfig, rt, err)
		}
	}
	return nil
}

// Validate проверяет лимиты.
func (c LimiterConfig) Validate() error {
	for name, v := range map[string]float64{
		"memory_limit_percent": c.MemoryLimitPercent,
		"cpu_limit_percent":    c.CPULimitPercent,
		"fd_limit_percent":     c.FDLimitPercent,
		"shed_load_threshold":  c.ShedLoadThreshold,
		"recovery_threshold":   c.RecoveryThreshold,
	} {
		if v <= 0 || v > 100 {
			return fmt.Errorf("%w: limiter.%s must be in (0, 100], got %.1f", ErrInvalidConfig, name, v)
		}
	}
	if c.IOLimitPercent < 0 || c.IOLimitPercent > 100 {
		return fmt.Errorf("%w: limiter.io_limit_percent must be in [0, 100]", ErrInvalidConfig)
	}
	if c.RecoveryThreshold >= c.ShedLoadThreshold {
		return fmt.Errorf("%w: limiter.recovery_threshold must be below shed_load_threshold", ErrInvalidConfig)
	}
	if c.ConcurrentRequestsLimit <= 0 {
		return fmt.Errorf("%w: limiter.concurrent_requests_limit must be positive", ErrInvalidConfig)
	}
	if c.QueueSizeLimit < 0 {
		return fmt.Errorf("%w: limiter.queue_size_limit must not be negative", ErrInvalidConfig)
	}
	if c.ThrottleDelayBaseMs <= 0 || c.ThrottleDelayMaxMs < c.ThrottleDelayBaseMs {
		return fmt.Errorf("%w: limiter throttle delays must satisfy 0 < base <= max", ErrInvalidConfig)
	}
	if c.ThrottleBackoffFactor < 0 {
		return fmt.Errorf("%w: limiter.throttle_backoff_factor must not be negative", ErrInvalidConfig)
	}
	if c.MonitoringInterval <= 0 {
		return fmt.Errorf("%w: limiter.monitoring_interval must be positive", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: limiter.requests_per_second must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Validate проверяет настройки агрегатора.
func (c StatsConfig) Validate() error {
	if c.RetentionHours <= 0 {
		return fmt.Errorf("%w: stats.retention_hours must be positive", ErrInvalidConfig)
	}
	if c.RolloverInterval <= 0 {
		return fmt.Errorf("%w: stats.rollover_interval must be positive", ErrInvalidConfig)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: stats.buffer_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate проверяет всю конфигурацию целиком.
func (c *Config) Validate() error {
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := c.Limiter.Validate(); err != nil {
		return err
	}
	return c.Stats.Validate()
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: LIMITER_MEMORY_LIMIT_PERCENT=70 перекроет limiter.memory_limit_percent
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "opscore"
		}
		cfg.InstanceID = host
	}

	// 6. Ключ для админских роутов: из ENV или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.trust_priority_header", false)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	mc := DefaultMonitorConfig()
	v.SetDefault("monitor.collection_interval", mc.CollectionInterval)
	v.SetDefault("monitor.alert_cooldown", mc.AlertCooldown)
	v.SetDefault("monitor.enable_gc_monitoring", mc.EnableGCMonitoring)
	v.SetDefault("monitor.enable_io_monitoring", mc.EnableIOMonitoring)
	v.SetDefault("monitor.enable_network_monitoring", mc.EnableNetworkMonitoring)
	v.SetDefault("monitor.gc_heap_watermark_mb", mc.GCHeapWatermarkMB)
	v.SetDefault("monitor.fd_limit", mc.FDLimit)
	v.SetDefault("monitor.network_bandwidth_mbps", mc.NetworkBandwidthMbps)
	v.SetDefault("monitor.max_threads", mc.MaxThreads)
	for rt, t := range mc.Thresholds {
		prefix := "monitor.thresholds." + string(rt)
		v.SetDefault(prefix+".warning", t.Warning)
		v.SetDefault(prefix+".critical", t.Critical)
		v.SetDefault(prefix+".exhaustion", t.Exhaustion)
	}

	lc := DefaultLimiterConfig()
	v.SetDefault("limiter.memory_limit_percent", lc.MemoryLimitPercent)
	v.SetDefault("limiter.cpu_limit_percent", lc.CPULimitPercent)
	v.SetDefault("limiter.fd_limit_percent", lc.FDLimitPercent)
	v.SetDefault("limiter.io_limit_percent", lc.IOLimitPercent)
	v.SetDefault("limiter.concurrent_requests_limit", lc.ConcurrentRequestsLimit)
	v.SetDefault("limiter.queue_size_limit", lc.QueueSizeLimit)
	v.SetDefault("limiter.throttle_delay_base_ms", lc.ThrottleDelayBaseMs)
	v.SetDefault("limiter.throttle_delay_max_ms", lc.ThrottleDelayMaxMs)
	v.SetDefault("limiter.throttle_backoff_factor", lc.ThrottleBackoffFactor)
	v.SetDefault("limiter.enable_load_shedding", lc.EnableLoadShedding)
	v.SetDefault("limiter.enable_throttling", lc.EnableThrottling)
	v.SetDefault("limiter.enable_request_queuing", lc.EnableRequestQueuing)
	v.SetDefault("limiter.shed_load_threshold", lc.ShedLoadThreshold)
	v.SetDefault("limiter.recovery_threshold", lc.RecoveryThreshold)
	v.SetDefault("limiter.monitoring_interval", lc.MonitoringInterval)
	v.SetDefault("limiter.requests_per_second", lc.RequestsPerSecond)
	v.SetDefault("limiter.burst", lc.Burst)

	sc := DefaultStatsConfig()
	v.SetDefault("stats.retention_hours", sc.RetentionHours)
	v.SetDefault("stats.rollover_interval", sc.RolloverInterval)
	v.SetDefault("stats.buffer_size", sc.BufferSize)
}

// loadKeyResource — ключ напрямую из ENV (PEM) или из файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
