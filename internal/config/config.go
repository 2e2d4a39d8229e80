// Package config 載入服務配置
//
// 載入順序：
//  1. DefaultConfig() 預設值
//  2. config.yaml 覆蓋預設值
//  3. .env 檔案（若存在）與環境變數覆蓋（生產環境常用）
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		RateLimit       struct {
			Capacity        int `yaml:"capacity"`          // 0 表示不限流
			RefillPerSecond int `yaml:"refill_per_second"` // 每秒補充的令牌數
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json / text / tint
	} `yaml:"log"`

	Game GameConfig `yaml:"game"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`
}

// GameConfig 遊戲房間相關的時間參數
type GameConfig struct {
	RoomTTL         time.Duration `yaml:"room_ttl"`          // 房間硬性存活時間
	SweepInterval   time.Duration `yaml:"sweep_interval"`    // 清理掃描間隔
	QueueEntryTTL   time.Duration `yaml:"queue_entry_ttl"`   // 配對隊列項目存活時間
	Countdown       time.Duration `yaml:"countdown"`         // 開始前倒數
	RematchTimeout  time.Duration `yaml:"rematch_timeout"`   // 再戰協商逾時
	MaxCodeAttempts int           `yaml:"max_code_attempts"` // 加入碼衝突重試次數
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.RateLimit.Capacity = 30
	cfg.Server.RateLimit.RefillPerSecond = 10

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Game = GameConfig{
		RoomTTL:         time.Hour,
		SweepInterval:   time.Minute,
		QueueEntryTTL:   5 * time.Minute,
		Countdown:       3 * time.Second,
		RematchTimeout:  30 * time.Second,
		MaxCodeAttempts: 10,
	}

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "math_arena"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "arena"
	cfg.NATS.ReconnectWait = time.Second

	return cfg
}

// Load 載入配置檔案
//
// 配置檔案不存在時使用預設值（方便本地開發直接啟動）。
func Load(path string) (*Config, error) {
	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	// #nosec G304 - path 來自命令列參數，非使用者輸入
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if os.Getenv("DATABASE_URL") != "" {
		c.Postgres.Enabled = true
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Game.RoomTTL <= 0 || c.Game.SweepInterval <= 0 || c.Game.QueueEntryTTL <= 0 {
		return fmt.Errorf("game durations must be positive")
	}
	if c.Game.Countdown < 0 || c.Game.RematchTimeout < 0 {
		return fmt.Errorf("countdown and rematch timeout must not be negative")
	}
	if c.Server.RateLimit.Capacity > 0 && c.Server.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate_limit.refill_per_second must be positive when rate limiting is enabled")
	}
	if c.Game.MaxCodeAttempts < 1 {
		return fmt.Errorf("max_code_attempts must be at least 1")
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
