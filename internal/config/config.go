package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Ledger    LedgerConfig
	Notify    NotifyConfig
	Filler    FillerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

// LedgerConfig controls the request-processing engine.
type LedgerConfig struct {
	Shards        int
	QueueSize     int
	SweepInterval time.Duration
}

// NotifyConfig controls provider notification sessions.
type NotifyConfig struct {
	Interval         time.Duration
	HandshakeTimeout time.Duration
	BufferCount      int
	BufferSize       int
	ProviderPrefix   string
}

type FillerConfig struct {
	WarmupDelay     time.Duration
	BaselineCredits int64
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
			Issuer: k.String("jwt.issuer"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: k.Int("ratelimit.max.requests"),
			WindowSec:   k.Int("ratelimit.window.sec"),
		},
		Ledger: LedgerConfig{
			Shards:    k.Int("ledger.shards"),
			QueueSize: k.Int("ledger.queue.size"),
		},
		Notify: NotifyConfig{
			BufferCount:    k.Int("notify.buffer.count"),
			BufferSize:     k.Int("notify.buffer.size"),
			ProviderPrefix: k.String("notify.provider.prefix"),
		},
		Filler: FillerConfig{
			BaselineCredits: k.Int64("filler.baseline.credits"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "accounting"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "accounting"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "accounting"
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 600
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Ledger.Shards == 0 {
		cfg.Ledger.Shards = 4
	}
	if cfg.Ledger.QueueSize == 0 {
		cfg.Ledger.QueueSize = 1024
	}
	if cfg.Notify.BufferCount == 0 {
		cfg.Notify.BufferCount = 4
	}
	if cfg.Notify.BufferSize == 0 {
		cfg.Notify.BufferSize = 16 << 20
	}
	if cfg.Notify.ProviderPrefix == "" {
		cfg.Notify.ProviderPrefix = "#P_"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.Ledger.SweepInterval, err = durationOr(k, "ledger.sweep.interval", "1m")
	if err != nil {
		return nil, fmt.Errorf("parsing ledger sweep interval: %w", err)
	}
	cfg.Notify.Interval, err = durationOr(k, "notify.interval", "5s")
	if err != nil {
		return nil, fmt.Errorf("parsing notify interval: %w", err)
	}
	cfg.Notify.HandshakeTimeout, err = durationOr(k, "notify.handshake.timeout", "10s")
	if err != nil {
		return nil, fmt.Errorf("parsing notify handshake timeout: %w", err)
	}
	cfg.Filler.WarmupDelay, err = durationOr(k, "filler.warmup.delay", "30s")
	if err != nil {
		return nil, fmt.Errorf("parsing filler warmup delay: %w", err)
	}

	return cfg, nil
}

func durationOr(k *koanf.Koanf, key, fallback string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = fallback
	}
	return time.ParseDuration(s)
}
