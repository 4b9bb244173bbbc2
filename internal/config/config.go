package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSecret = "change-this-in-production"

// Categories 是仓库允许的构件分类，固定不可配置。
var Categories = []string{
	"application",
	"component",
	"sound_theme",
	"game",
	"tce_package",
	"language_pack",
}

type Config struct {
	Env             string   `yaml:"env"`
	WSHost          string   `yaml:"websocket_host"`
	WSPort          string   `yaml:"websocket_port"`
	HTTPHost        string   `yaml:"http_host"`
	HTTPPort        string   `yaml:"http_port"`
	DatabaseDriver  string   `yaml:"database_driver"`
	DatabasePath    string   `yaml:"database_path"`
	UploadDir       string   `yaml:"upload_dir"`
	MaxUploadSize   int64    `yaml:"max_upload_size"`
	SecretKey       string   `yaml:"secret_key"`
	TokenTTLMinutes int      `yaml:"token_ttl_minutes"`
	LogLevel        string   `yaml:"log_level"`
	LogDir          string   `yaml:"log_dir"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	// WSMessagesPerSecond 限制单个连接的消息速率。
	WSMessagesPerSecond float64 `yaml:"ws_messages_per_second"`
	WSMessageBurst      int     `yaml:"ws_message_burst"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func Default() Config {
	return Config{
		Env:                 "dev",
		WSHost:              "0.0.0.0",
		WSPort:              "8001",
		HTTPHost:            "0.0.0.0",
		HTTPPort:            "8000",
		DatabaseDriver:      "sqlite",
		DatabasePath:        "database/titannet.db",
		UploadDir:           "uploads",
		MaxUploadSize:       100 * 1024 * 1024,
		SecretKey:           defaultSecret,
		TokenTTLMinutes:     24 * 60,
		LogLevel:            "info",
		LogDir:              "logs",
		AllowedOrigins:      []string{"*"},
		WSMessagesPerSecond: 20,
		WSMessageBurst:      40,
	}
}

// Load 从环境变量读取配置，未设置的项使用默认值。
func Load() Config {
	return applyEnv(Default())
}

// LoadFile 先读取 YAML 文件，再用环境变量覆盖。
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.WSHost = getenv("WEBSOCKET_HOST", cfg.WSHost)
	cfg.WSPort = getenv("WEBSOCKET_PORT", cfg.WSPort)
	cfg.HTTPHost = getenv("HTTP_HOST", cfg.HTTPHost)
	cfg.HTTPPort = getenv("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabasePath = getenv("DATABASE_PATH", cfg.DatabasePath)
	cfg.UploadDir = getenv("UPLOAD_DIR", cfg.UploadDir)
	cfg.SecretKey = getenv("SECRET_KEY", cfg.SecretKey)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogDir = getenv("LOG_DIR", cfg.LogDir)

	if v, err := strconv.ParseInt(os.Getenv("MAX_UPLOAD_SIZE"), 10, 64); err == nil && v > 0 {
		cfg.MaxUploadSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("TOKEN_TTL_MINUTES")); err == nil && v > 0 {
		cfg.TokenTTLMinutes = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("WS_MESSAGES_PER_SECOND"), 64); err == nil && v > 0 {
		cfg.WSMessagesPerSecond = v
	}
	if v, err := strconv.Atoi(os.Getenv("WS_MESSAGE_BURST")); err == nil && v > 0 {
		cfg.WSMessageBurst = v
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.AllowedOrigins = nil
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, p)
			}
		}
	}
	return cfg
}

// Validate 检查启动前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.WSPort == "" || cfg.HTTPPort == "" {
		return errors.New("websocket and http ports are required")
	}
	if cfg.WSHost == cfg.HTTPHost && cfg.WSPort == cfg.HTTPPort {
		return errors.New("websocket and http servers cannot share an address")
	}
	if cfg.DatabasePath == "" {
		return errors.New("database path is required")
	}
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.UploadDir == "" {
		return errors.New("upload dir is required")
	}
	if cfg.MaxUploadSize <= 0 {
		return errors.New("max upload size must be positive")
	}
	if cfg.SecretKey == "" {
		return errors.New("secret key is required")
	}
	if cfg.Env != "dev" && cfg.SecretKey == defaultSecret {
		return errors.New("default secret key is only allowed in dev")
	}
	return nil
}

func (c Config) WSAddr() string   { return net.JoinHostPort(c.WSHost, c.WSPort) }
func (c Config) HTTPAddr() string { return net.JoinHostPort(c.HTTPHost, c.HTTPPort) }

// ValidCategory 判断分类是否在固定枚举内。
func ValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
