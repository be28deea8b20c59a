package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultPath is where InitConfig looks when no --config flag is given.
const DefaultPath = "config/config.yaml"

// DefaultGreeting is the first AI message of every new session.
const DefaultGreeting = "你好！我是你的健康视频助手。今天想制作什么样的科普视频？"

type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		Mode      string `yaml:"mode"`
		StaticDir string `yaml:"static_dir"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
	Worker struct {
		Addr         string        `yaml:"addr"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxParallel  int           `yaml:"max_parallel"`
		Concurrency  int           `yaml:"concurrency"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string        `yaml:"endpoint"`
		AccessKey string        `yaml:"access_key"`
		SecretKey string        `yaml:"secret_key"`
		Bucket    string        `yaml:"bucket"`
		UseSSL    bool          `yaml:"use_ssl"`
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"minio"`
	Generation struct {
		MockMode          bool   `yaml:"mock_mode"`
		MockAssetBaseURL  string `yaml:"mock_asset_base_url"`
		DefaultQuality    string `yaml:"default_quality"`
		DefaultResolution string `yaml:"default_resolution"`
		FinalResolution   string `yaml:"final_resolution"`
		MaxShots          int    `yaml:"max_shots"`
		MaxDurationS      int    `yaml:"max_duration_s"`
	} `yaml:"generation"`
	RateLimit struct {
		RequestsPerWindow int           `yaml:"requests_per_window"`
		Window            time.Duration `yaml:"window"`
		Burst             int           `yaml:"burst"`
		Allowlist         []string      `yaml:"allowlist"`
	} `yaml:"rate_limit"`
	Session struct {
		Greeting          string        `yaml:"greeting"`
		MaxMessages       int           `yaml:"max_messages"`
		StrictTransitions bool          `yaml:"strict_transitions"`
		SyncInterval      time.Duration `yaml:"sync_interval"`
	} `yaml:"session"`
}

var AppConfig *Config

// InitConfig loads path into AppConfig and exits the process on failure.
func InitConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	AppConfig = cfg
}

// Load reads .env (if present), parses the YAML file, applies PRISM_* overrides
// and defaults, then validates the result. A missing YAML file is not an error;
// the defaults describe a local mock-mode setup.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw YAML without touching the environment. Used by tests.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PRISM_DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PRISM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_WORKER_ADDR")); v != "" {
		cfg.Worker.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_MOCK_MODE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Generation.MockMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_MINIO_ACCESS_KEY")); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PRISM_MINIO_SECRET_KEY")); v != "" {
		cfg.MinIO.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8000"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "./static"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/prism.db"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "prism:sessions"
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 3 * time.Second
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 30 * time.Minute
	}
	if c.Worker.MaxParallel <= 0 {
		c.Worker.MaxParallel = 4
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 5
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "prism-assets"
	}
	if c.MinIO.URLExpiry <= 0 {
		c.MinIO.URLExpiry = 72 * time.Hour
	}
	if c.Generation.MockAssetBaseURL == "" {
		c.Generation.MockAssetBaseURL = "http://localhost:8000/static/vedios"
	}
	if c.Generation.DefaultQuality == "" {
		c.Generation.DefaultQuality = "balanced"
	}
	if c.Generation.DefaultResolution == "" {
		c.Generation.DefaultResolution = "1280x720"
	}
	if c.Generation.FinalResolution == "" {
		c.Generation.FinalResolution = "1920x1080"
	}
	if c.Generation.MaxShots <= 0 {
		c.Generation.MaxShots = 10
	}
	if c.Generation.MaxDurationS <= 0 {
		c.Generation.MaxDurationS = 60
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		c.RateLimit.RequestsPerWindow = 10
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerWindow
	}
	if c.Session.Greeting == "" {
		c.Session.Greeting = DefaultGreeting
	}
	if c.Session.SyncInterval <= 0 {
		c.Session.SyncInterval = time.Second
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported value %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode: unsupported value %q", c.Server.Mode)
	}
	switch c.Generation.DefaultQuality {
	case "fast", "balanced", "high":
	default:
		return fmt.Errorf("generation.default_quality: unsupported value %q", c.Generation.DefaultQuality)
	}
	if c.Session.MaxMessages < 0 {
		return fmt.Errorf("session.max_messages must be >= 0")
	}
	if !c.Generation.MockMode && c.Worker.Addr == "" {
		return fmt.Errorf("worker.addr is required unless generation.mock_mode is set")
	}
	return nil
}

// RedisEnabled reports whether a redis address is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// MinIOEnabled reports whether object storage is configured.
func (c *Config) MinIOEnabled() bool {
	return strings.TrimSpace(c.MinIO.Endpoint) != ""
}
