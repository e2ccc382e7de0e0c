// Package config 載入伺服器設定：預設值 → YAML 檔 → .env → 環境變數
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr" env:"GAME_ADDR"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"GAME_READ_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"GAME_SHUTDOWN_TIMEOUT"`
		// PublicURL 產生觀戰連結與 QR code 時使用
		PublicURL string `yaml:"public_url" env:"GAME_PUBLIC_URL"`
	} `yaml:"server"`

	Store struct {
		DataRoot      string `yaml:"data_root" env:"GAME_DATA_ROOT"`
		SnapshotEvery int64  `yaml:"snapshot_every" env:"GAME_SNAPSHOT_EVERY"`
		Verbose       bool   `yaml:"verbose" env:"GAME_PERSIST_VERBOSE"`
		QueueSize     int    `yaml:"queue_size" env:"GAME_PERSIST_QUEUE"`
	} `yaml:"store"`

	Room struct {
		DefaultVariant  string        `yaml:"default_variant" env:"GAME_DEFAULT_VARIANT"`
		DisconnectGrace time.Duration `yaml:"disconnect_grace" env:"GAME_DISCONNECT_GRACE"`
	} `yaml:"room"`

	Realtime struct {
		HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"GAME_WS_HANDSHAKE_TIMEOUT"`
		KeepAlive        time.Duration `yaml:"keep_alive" env:"GAME_SSE_KEEP_ALIVE"`
		SendBuffer       int           `yaml:"send_buffer" env:"GAME_SEND_BUFFER"`
	} `yaml:"realtime"`

	RateLimit struct {
		// RPS 每個客戶端每秒可送出的變更請求；0 代表不限制
		RPS   float64 `yaml:"rps" env:"GAME_RATE_RPS"`
		Burst int     `yaml:"burst" env:"GAME_RATE_BURST"`
	} `yaml:"rate_limit"`

	Admin struct {
		// Token 未設定時管理端點回傳 404
		Token string `yaml:"token" env:"GAME_ADMIN_TOKEN"`
	} `yaml:"admin"`

	NATS struct {
		// URL 未設定時不對外發布事件
		URL           string `yaml:"url" env:"GAME_NATS_URL"`
		SubjectPrefix string `yaml:"subject_prefix" env:"GAME_NATS_SUBJECT_PREFIX"`
		Stream        string `yaml:"stream" env:"GAME_NATS_STREAM"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level" env:"GAME_LOG_LEVEL"`
		Format string `yaml:"format" env:"GAME_LOG_FORMAT"`
	} `yaml:"log"`
}

// Default 預設配置
func Default() *Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.PublicURL = "http://localhost:8080"

	c.Store.DataRoot = "data"
	c.Store.SnapshotEvery = 20
	c.Store.QueueSize = 1024

	c.Room.DisconnectGrace = 2 * time.Minute

	c.Realtime.HandshakeTimeout = 10 * time.Second
	c.Realtime.KeepAlive = 15 * time.Second
	c.Realtime.SendBuffer = 256

	c.RateLimit.RPS = 10
	c.RateLimit.Burst = 20

	c.NATS.SubjectPrefix = "lasca.rooms"

	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 依序套用預設值、YAML 檔（path 為空則略過）、.env 檔與環境變數
//
// .env 不覆蓋已存在的環境變數；找不到 .env 不是錯誤。
func Load(path string, dotenv ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	for _, file := range dotenv {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Store.DataRoot == "" {
		errs = append(errs, errors.New("store.data_root is required"))
	}
	if c.Store.SnapshotEvery <= 0 {
		errs = append(errs, fmt.Errorf("store.snapshot_every must be positive, got %d", c.Store.SnapshotEvery))
	}
	if c.Room.DisconnectGrace < 0 {
		errs = append(errs, errors.New("room.disconnect_grace must not be negative"))
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit requires rps >= 0 and a positive burst"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// AdminEnabled 是否啟用管理端點
func (c *Config) AdminEnabled() bool {
	return c.Admin.Token != ""
}
