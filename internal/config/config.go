package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Collector CollectorConfig `mapstructure:"collector"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

// CollectorConfig is the settings surface of the collector. Every field can
// change while the collector runs.
type CollectorConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Endpoint          string   `mapstructure:"endpoint"`           // Base URL of the collection service
	SendInterval      string   `mapstructure:"send_interval"`      // Periodic flush interval
	MaxBatchSize      int      `mapstructure:"max_batch_size"`     // Records per flush request
	ProgressThrottle  string   `mapstructure:"progress_throttle"`  // Minimum gap between progress events
	ImmediateTypes    []string `mapstructure:"immediate_types"`    // Event types that flush immediately
	QueueCapacity     int      `mapstructure:"queue_capacity"`     // Oldest records dropped beyond this
	MaxAttempts       int      `mapstructure:"max_attempts"`       // 0 retries forever
	AutoDetect        bool     `mapstructure:"auto_detect"`        // Derive views/searches from navigation
	InstrumentPlayers bool     `mapstructure:"instrument_players"` // Attach to media players
	DedupWindow       string   `mapstructure:"dedup_window"`       // Ignore repeat navigations inside this window
	RequestTimeout    string   `mapstructure:"request_timeout"`    // Per flush request
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type       string      `mapstructure:"type"` // bolt, redis or memory
	Path       string      `mapstructure:"path"`
	TabID      string      `mapstructure:"tab_id"`
	SessionTTL string      `mapstructure:"session_ttl"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// FeedConfig defines where page signals are read from
type FeedConfig struct {
	Input string `mapstructure:"input"` // "-" for stdin
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return decode(v)
}

// Watch reloads the configuration whenever the file changes and hands the
// result to onChange. Invalid files are reported through err and the
// previous configuration stays in effect.
func Watch(configPath string, onChange func(cfg *Config, err error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Keys returns every known configuration key.
func Keys() []string {
	v := viper.New()
	SetDefaults(v)
	return v.AllKeys()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("MEDIATRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile reports a missing explicit path as a plain fs error.
	return os.IsNotExist(err)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Collector defaults
	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.endpoint", "http://localhost:9999")
	v.SetDefault("collector.send_interval", "5s")
	v.SetDefault("collector.max_batch_size", 40)
	v.SetDefault("collector.progress_throttle", "5s")
	v.SetDefault("collector.immediate_types", []string{
		string(event.TypeSessionStart),
		string(event.TypeSceneWatchComplete),
	})
	v.SetDefault("collector.queue_capacity", 1000)
	v.SetDefault("collector.max_attempts", 0)
	v.SetDefault("collector.auto_detect", true)
	v.SetDefault("collector.instrument_players", true)
	v.SetDefault("collector.dedup_window", "1s")
	v.SetDefault("collector.request_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/mediatrace/mediatrace.bolt")
	v.SetDefault("storage.tab_id", "default")
	v.SetDefault("storage.session_ttl", "12h")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "mediatrace")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")

	// Feed defaults
	v.SetDefault("feed.input", "-")
}

// validate validates the configuration
func validate(cfg *Config) error {
	c := cfg.Collector

	if c.Enabled {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid collector endpoint: %q", c.Endpoint)
		}
	}

	for name, value := range map[string]string{
		"send_interval":     c.SendInterval,
		"progress_throttle": c.ProgressThrottle,
		"dedup_window":      c.DedupWindow,
		"request_timeout":   c.RequestTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid collector %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("collector %s cannot be negative", name)
		}
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d", c.MaxBatchSize)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("invalid queue_capacity: %d", c.QueueCapacity)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("invalid max_attempts: %d", c.MaxAttempts)
	}
	for _, t := range c.ImmediateTypes {
		if !event.Type(t).Valid() {
			return fmt.Errorf("unknown immediate event type: %s", t)
		}
	}

	if _, err := time.ParseDuration(cfg.Storage.SessionTTL); err != nil {
		return fmt.Errorf("invalid storage session_ttl: %w", err)
	}
	if cfg.Storage.TabID == "" {
		return fmt.Errorf("storage tab_id is required")
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported logging format: %s", cfg.Logging.Format)
	}

	return nil
}
