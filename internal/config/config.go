package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

// Config 汇总服务运行所需的全部配置，环境变量优先于配置文件。
type Config struct {
	Port        string `yaml:"port"`
	DatabaseDSN string `yaml:"database_dsn"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`

	JWTSecret            string `yaml:"jwt_secret"`
	AdminUser            string `yaml:"admin_user"`
	AdminPassword        string `yaml:"admin_password"`
	AdminPasswordHash    string `yaml:"admin_password_hash"`
	AdminTokenTTLMinutes int    `yaml:"admin_token_ttl_minutes"`

	DefaultRoom      string   `yaml:"default_room"`
	HistoryLimit     int      `yaml:"history_limit"`
	MaxMessageLength int      `yaml:"max_message_length"`
	IPRecovery       bool     `yaml:"ip_recovery"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	TrustedProxies   []string `yaml:"trusted_proxies"`

	// MessageRate 是单连接每秒允许的消息数，MessageBurst 为令牌桶容量。
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default 返回开发环境可直接使用的默认配置。
func Default() Config {
	return Config{
		Port:                 "8080",
		DatabaseDSN:          "sqlite:chat.db",
		Env:                  "dev",
		LogLevel:             "info",
		JWTSecret:            defaultJWTSecret,
		AdminUser:            "root",
		AdminPassword:        "root",
		AdminTokenTTLMinutes: 60,
		DefaultRoom:          "lobby",
		HistoryLimit:         200,
		MaxMessageLength:     2000,
		IPRecovery:           true,
		MessageRate:          5,
		MessageBurst:         10,
		ShutdownTimeout:      10 * time.Second,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load 读取默认值并用环境变量覆盖。
func Load() Config {
	return applyEnv(Default())
}

// LoadFile 先读取 YAML 配置文件，再叠加环境变量；path 为空时等同于 Load。
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminUser = getenv("ADMIN_USER", cfg.AdminUser)
	cfg.AdminPassword = getenv("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.AdminPasswordHash = getenv("ADMIN_PASSWORD_HASH", cfg.AdminPasswordHash)
	cfg.AdminTokenTTLMinutes = getenvInt("ADMIN_TOKEN_TTL_MINUTES", cfg.AdminTokenTTLMinutes)
	cfg.DefaultRoom = getenv("DEFAULT_ROOM", cfg.DefaultRoom)
	cfg.HistoryLimit = getenvInt("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.MaxMessageLength = getenvInt("MAX_MESSAGE_LENGTH", cfg.MaxMessageLength)
	cfg.IPRecovery = getenvBool("IP_RECOVERY", cfg.IPRecovery)
	cfg.AllowedOrigins = getenvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.TrustedProxies = getenvList("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.MessageRate = getenvFloat("MESSAGE_RATE", cfg.MessageRate)
	cfg.MessageBurst = getenvInt("MESSAGE_BURST", cfg.MessageBurst)
	if d, err := time.ParseDuration(os.Getenv("SHUTDOWN_TIMEOUT")); err == nil && d > 0 {
		cfg.ShutdownTimeout = d
	}
	return cfg
}

// Validate 检查配置是否可以启动服务。非 dev 环境禁止使用默认密钥与默认管理员口令。
func Validate(cfg Config) error {
	var errs []error
	if cfg.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if cfg.DatabaseDSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if cfg.HistoryLimit < 0 {
		errs = append(errs, errors.New("history limit must not be negative"))
	}
	if cfg.MaxMessageLength < 0 {
		errs = append(errs, errors.New("max message length must not be negative"))
	}
	if cfg.Env != "dev" {
		if cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret {
			errs = append(errs, errors.New("jwt secret must be changed outside dev"))
		}
		if cfg.AdminPasswordHash == "" && (cfg.AdminPassword == "" || cfg.AdminPassword == "root") {
			errs = append(errs, errors.New("admin password must be changed outside dev"))
		}
	}
	return errors.Join(errs...)
}
