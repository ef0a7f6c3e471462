package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/leadgen-engine/internal/secrets"
)

// Config holds all configuration for the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rating    RatingConfig    `yaml:"rating"`
	Sender    SenderConfig    `yaml:"sender"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig holds the introspection HTTP server's bind settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds Postgres connection parameters. Password is stored
// encrypted at rest (see internal/secrets) and decrypted by LoadFromEnv.
type DatabaseConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Name              string `yaml:"name"`
	User              string `yaml:"user"`
	PasswordEncrypted string `yaml:"password_encrypted"`
	Password          string `yaml:"-"`
	SSLMode           string `yaml:"ssl_mode"`
}

// DSN builds a libpq connection string from the configured parameters.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// CacheConfig configures the CacheDaemon and CacheClient.
type CacheConfig struct {
	SocketPath          string `yaml:"socket_path"`
	SnapshotPath        string `yaml:"snapshot_path"`
	MaxValueBytes       int    `yaml:"max_value_bytes"`
	MaxCacheBytes       int    `yaml:"max_cache_bytes"`
	GCTargetRatio       float64 `yaml:"gc_target_ratio"`
	DefaultTTLSeconds   int    `yaml:"default_ttl_seconds"`
	LockDefaultTTLMS    int    `yaml:"lock_default_ttl_ms"`
	WatchdogStallSeconds int   `yaml:"watchdog_stall_seconds"`
	AliveLogSeconds     int    `yaml:"alive_log_seconds"`
	PoolSize            int    `yaml:"pool_size"`
}

// SchedulerConfig configures the tick scheduler.
type SchedulerConfig struct {
	TickSeconds    float64 `yaml:"tick_seconds"`
	ConcurrencyCap int     `yaml:"concurrency_cap"`
}

// RatingConfig configures the RatingPipeline's batching and admission guard.
type RatingConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	GuardMaxParallel int     `yaml:"guard_max_parallel"`
	DoProbability    float64 `yaml:"do_probability"`
	MaxCandidates    int     `yaml:"max_candidates"`
	MaxFill          int     `yaml:"max_fill"`
	EntityLockTTLSeconds int `yaml:"entity_lock_ttl_seconds"`
}

// SenderConfig configures the Sender Supervisor's crash-loop policy.
type SenderConfig struct {
	CrashLoopWindowSeconds int `yaml:"crash_loop_window_seconds"`
	CrashLoopThreshold     int `yaml:"crash_loop_threshold"`
	SoftFailSleepSeconds   int `yaml:"soft_fail_sleep_seconds"`
	HeartbeatGraceSeconds  int `yaml:"heartbeat_grace_seconds"`
	DeathAtMinMinutes      int `yaml:"death_at_min_minutes"`
	DeathAtMaxMinutes      int `yaml:"death_at_max_minutes"`
}

// OracleConfig configures the LLM oracle backend.
type OracleConfig struct {
	Backend     string `yaml:"backend"` // "bedrock" | "openai"
	Model       string `yaml:"model"`
	ServiceTier string `yaml:"service_tier"`
	Region      string `yaml:"region"`
	APIKey      string `yaml:"-"`
}

// RedisConfig configures the optional Redis backend for distlock/ratelimit.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds * float64(time.Second))
}

// Load reads and parses the YAML configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Cache.SocketPath == "" {
		cfg.Cache.SocketPath = "/var/run/leadgen/cache.sock"
	}
	if cfg.Cache.SnapshotPath == "" {
		cfg.Cache.SnapshotPath = cfg.Cache.SocketPath + ".snapshot"
	}
	if cfg.Cache.MaxValueBytes == 0 {
		cfg.Cache.MaxValueBytes = 128 * 1024
	}
	if cfg.Cache.MaxCacheBytes == 0 {
		cfg.Cache.MaxCacheBytes = 50 * 1024 * 1024
	}
	if cfg.Cache.GCTargetRatio == 0 {
		cfg.Cache.GCTargetRatio = 0.60
	}
	if cfg.Cache.DefaultTTLSeconds == 0 {
		cfg.Cache.DefaultTTLSeconds = 7 * 24 * 60 * 60
	}
	if cfg.Cache.LockDefaultTTLMS == 0 {
		cfg.Cache.LockDefaultTTLMS = 60_000
	}
	if cfg.Cache.WatchdogStallSeconds == 0 {
		cfg.Cache.WatchdogStallSeconds = 60
	}
	if cfg.Cache.AliveLogSeconds == 0 {
		cfg.Cache.AliveLogSeconds = 10
	}
	if cfg.Cache.PoolSize == 0 {
		cfg.Cache.PoolSize = 10
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 0.5
	}
	if cfg.Scheduler.ConcurrencyCap == 0 {
		cfg.Scheduler.ConcurrencyCap = 16
	}
	if cfg.Rating.BatchSize == 0 {
		cfg.Rating.BatchSize = 20
	}
	if cfg.Rating.GuardMaxParallel == 0 {
		cfg.Rating.GuardMaxParallel = 10
	}
	if cfg.Rating.DoProbability == 0 {
		cfg.Rating.DoProbability = 0.70
	}
	if cfg.Rating.MaxCandidates == 0 {
		cfg.Rating.MaxCandidates = 2000
	}
	if cfg.Rating.MaxFill == 0 {
		cfg.Rating.MaxFill = 1000
	}
	if cfg.Rating.EntityLockTTLSeconds == 0 {
		cfg.Rating.EntityLockTTLSeconds = 900
	}
	if cfg.Sender.CrashLoopWindowSeconds == 0 {
		cfg.Sender.CrashLoopWindowSeconds = 60
	}
	if cfg.Sender.CrashLoopThreshold == 0 {
		cfg.Sender.CrashLoopThreshold = 10
	}
	if cfg.Sender.SoftFailSleepSeconds == 0 {
		cfg.Sender.SoftFailSleepSeconds = 600
	}
	if cfg.Sender.HeartbeatGraceSeconds == 0 {
		cfg.Sender.HeartbeatGraceSeconds = 30
	}
	if cfg.Sender.DeathAtMinMinutes == 0 {
		cfg.Sender.DeathAtMinMinutes = 25
	}
	if cfg.Sender.DeathAtMaxMinutes == 0 {
		cfg.Sender.DeathAtMaxMinutes = 45
	}
	if cfg.Oracle.Backend == "" {
		cfg.Oracle.Backend = "bedrock"
	}
	if cfg.Oracle.ServiceTier == "" {
		cfg.Oracle.ServiceTier = "flex"
	}
}

// LoadFromEnv loads the YAML config, then applies environment-variable and
// .env-file overrides, decrypting secrets with MASTER_KEY/PASS_KEY.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("CACHE_SOCKET_PATH"); v != "" {
		cfg.Cache.SocketPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("ORACLE_BACKEND"); v != "" {
		cfg.Oracle.Backend = v
	}

	passKey := firstNonEmpty(os.Getenv("PASS_KEY"), os.Getenv("MASTER_KEY"))
	if passKey != "" && cfg.Database.PasswordEncrypted != "" {
		key, err := secrets.ParseKey(passKey)
		if err != nil {
			return nil, fmt.Errorf("config: parse PASS_KEY/MASTER_KEY: %w", err)
		}
		pw, err := secrets.Decrypt(cfg.Database.PasswordEncrypted, key)
		if err != nil {
			return nil, fmt.Errorf("config: decrypt database password: %w", err)
		}
		cfg.Database.Password = pw
	} else if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
