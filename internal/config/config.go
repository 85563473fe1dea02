package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "market-bridge"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	MarketData              MarketDataConfig          `mapstructure:"market_data"`
	Delta                   DeltaConfig               `mapstructure:"delta"`
	Distribution            DistributionConfig        `mapstructure:"distribution"`
	PollCache               PollCacheConfig           `mapstructure:"poll_cache"`
	Command                 CommandConfig             `mapstructure:"command"`
	Resilience              ResilienceConfig          `mapstructure:"resilience"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
}

type MarketDataConfig struct {
	Targets        []MarketDataTarget `mapstructure:"targets"`
	WatchMode      string             `mapstructure:"watch_mode"`
	PollInterval   time.Duration      `mapstructure:"poll_interval"`
	CoalesceWindow time.Duration      `mapstructure:"coalesce_window"`
	RetryDelay     time.Duration      `mapstructure:"retry_delay"`
	ReadTimeout    time.Duration      `mapstructure:"read_timeout"`
	StormThreshold int                `mapstructure:"storm_threshold"`
	StormCooldown  time.Duration      `mapstructure:"storm_cooldown"`
	MinValidPrice  decimal.Decimal    `mapstructure:"min_valid_price"`
	// PersistHistory writes every accepted snapshot to the bridge database.
	PersistHistory       bool          `mapstructure:"persist_history"`
	HistoryBatchSize     int           `mapstructure:"history_batch_size"`
	HistoryFlushInterval time.Duration `mapstructure:"history_flush_interval"`
}

type MarketDataTarget struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
	Symbol string `mapstructure:"symbol"`
}

type DeltaConfig struct {
	PriceThreshold decimal.Decimal `mapstructure:"price_threshold"`
}

type DistributionConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PublishToNats     bool          `mapstructure:"publish_to_nats"`
}

type PollCacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Backend   string        `mapstructure:"backend"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type CommandConfig struct {
	CommandDir       string        `mapstructure:"command_dir"`
	ResponseDir      string        `mapstructure:"response_dir"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ActiveSymbol     string        `mapstructure:"active_symbol"`
	MaxQuantity      int64         `mapstructure:"max_quantity"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	OrderEntry       string        `mapstructure:"order_entry"`
	OrderEntryURL    string        `mapstructure:"order_entry_url"`
	Journal          string        `mapstructure:"journal"`
	JournalPath      string        `mapstructure:"journal_path"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
	ConsumeFromNats  bool          `mapstructure:"consume_from_nats"`
}

type ResilienceConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env, viper.DecodeHook(decimalDecodeHook()))
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 30*time.Second)
	viper.SetDefault("port.http", "8080")

	viper.SetDefault("market_data.watch_mode", "auto")
	viper.SetDefault("market_data.poll_interval", 5*time.Second)
	viper.SetDefault("market_data.coalesce_window", 50*time.Millisecond)
	viper.SetDefault("market_data.retry_delay", 100*time.Millisecond)
	viper.SetDefault("market_data.read_timeout", 2*time.Second)
	viper.SetDefault("market_data.storm_threshold", 200)
	viper.SetDefault("market_data.storm_cooldown", 10*time.Second)
	viper.SetDefault("market_data.min_valid_price", "0.01")
	viper.SetDefault("market_data.history_batch_size", 100)
	viper.SetDefault("market_data.history_flush_interval", time.Second)

	viper.SetDefault("delta.price_threshold", "0.01")

	viper.SetDefault("distribution.queue_size", 256)
	viper.SetDefault("distribution.heartbeat_interval", 30*time.Second)
	viper.SetDefault("distribution.write_timeout", 10*time.Second)

	viper.SetDefault("poll_cache.ttl", 2*time.Second)
	viper.SetDefault("poll_cache.backend", "memory")
	viper.SetDefault("poll_cache.key_prefix", "market_bridge:poll")

	viper.SetDefault("command.command_dir", "./data/commands")
	viper.SetDefault("command.response_dir", "./data/responses")
	viper.SetDefault("command.poll_interval", 500*time.Millisecond)
	viper.SetDefault("command.max_quantity", 10)
	viper.SetDefault("command.execution_timeout", 5*time.Second)
	viper.SetDefault("command.queue_size", 64)
	viper.SetDefault("command.order_entry", "paper")
	viper.SetDefault("command.journal", "file")
	viper.SetDefault("command.journal_path", "./data/command_journal.jsonl")
	viper.SetDefault("command.journal_retention", 24*time.Hour)

	viper.SetDefault("resilience.failure_threshold", 5)
	viper.SetDefault("resilience.failure_window", time.Minute)
	viper.SetDefault("resilience.cooldown", 30*time.Second)
	viper.SetDefault("resilience.max_cooldown", 5*time.Minute)
	viper.SetDefault("resilience.health_interval", 10*time.Second)
}
