package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации рантайма агентов.
type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Server     ServerConfig     `mapstructure:"server"`
}

// RedisConfig описывает подключение к Redis (Budget Ledger, Context Store, Pub/Sub).
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// DatabaseConfig описывает подключение к PostgreSQL (State Store и аудит).
// Пустой URL: рантайм работает без персистентного state store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RuntimeConfig — параметры движка агентов и менеджера контекстов.
type RuntimeConfig struct {
	AgentsDir        string        `mapstructure:"agents_dir"`
	PluginDir        string        `mapstructure:"plugin_dir"`
	WatchPlugins     bool          `mapstructure:"watch_plugins"`
	ContextRetention time.Duration `mapstructure:"context_retention"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	AuditBufferSize  int           `mapstructure:"audit_buffer_size"`
}

// CapabilityConfig содержит настройки ReliabilityWrapper для вызова инструментов.
type CapabilityConfig struct {
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`

	// Настройки Circuit Breaker для инструментов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

// AuthConfig — публичные ключи RS256: подписанные гранты инструментов и токены операторов ops API.
type AuthConfig struct {
	GrantPublicKeyPath string `mapstructure:"grant_public_key_path"`
	AdminPublicKeyPath string `mapstructure:"admin_public_key_path"`
	GrantPublicKey     []byte
	AdminPublicKey     []byte
}

// ServerConfig — ops-сервер: /metrics, /healthz и /v1 (только при заданном admin-ключе).
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым: тогда config.yaml ищется в корне и в ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: AGENTRT_REDIS_ADDR перекроет redis.addr
	v.SetEnvPrefix("AGENTRT")
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
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.GrantPublicKey = loadKeyResource(cfg.Auth.GrantPublicKeyPath, "AGENTRT_GRANT_PUBLIC_KEY_DATA")
	cfg.Auth.AdminPublicKey = loadKeyResource(cfg.Auth.AdminPublicKeyPath, "AGENTRT_ADMIN_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.namespace", RedisNamespace)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("runtime.agents_dir", "./agents")
	v.SetDefault("runtime.context_retention", 24*time.Hour)
	v.SetDefault("runtime.cleanup_interval", 10*time.Minute)
	v.SetDefault("runtime.audit_buffer_size", 10000)
	v.SetDefault("capability.rate_limit", 100.0)
	v.SetDefault("capability.rate_burst", 20)
	v.SetDefault("capability.retry_attempts", 1)
	v.SetDefault("capability.call_timeout", 30*time.Second)
	v.SetDefault("capability.cb_max_requests", 3)
	v.SetDefault("capability.cb_interval", 5*time.Second)
	v.SetDefault("capability.cb_timeout", 30*time.Second)
	v.SetDefault("capability.cb_failures", 5)
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// loadKeyResource: сначала PEM из ENV (Docker/K8s), иначе файл по пути из конфига
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
