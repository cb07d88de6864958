package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Minio     MinioConfig     `yaml:"minio"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Users     []User          `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

// DatabaseConfig selects the store backend: "memory" or "postgres"
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type LifecycleConfig struct {
	// StartGraceMinutes is how far in the past a new task's start_time may lie
	StartGraceMinutes int `yaml:"start_grace_minutes"`
	// MaxImageMB caps the size of a single checkpoint image upload
	MaxImageMB int `yaml:"max_image_mb"`
}

type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// User is an account seeded at startup when its phone is not yet registered
type User struct {
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
	Role  string `yaml:"role"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file
func (c *Config) applyEnv() {
	if v := os.Getenv("SECURETRACK_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SECURETRACK_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SECURETRACK_MINIO_ACCESS_KEY"); v != "" {
		c.Minio.AccessKey = v
	}
	if v := os.Getenv("SECURETRACK_MINIO_SECRET_KEY"); v != "" {
		c.Minio.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "evidence"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 1
	}
	if c.Lifecycle.StartGraceMinutes == 0 {
		c.Lifecycle.StartGraceMinutes = 5
	}
	if c.Lifecycle.MaxImageMB == 0 {
		c.Lifecycle.MaxImageMB = 10
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	for _, u := range c.Users {
		if u.Phone == "" {
			return fmt.Errorf("seed user %q has no phone", u.Name)
		}
		if u.Role != "ADMIN" && u.Role != "DELIVERY" {
			return fmt.Errorf("seed user %q has invalid role %q", u.Name, u.Role)
		}
	}
	return nil
}

// StartGrace returns the lifecycle start grace period as a duration
func (c *LifecycleConfig) StartGrace() time.Duration {
	return time.Duration(c.StartGraceMinutes) * time.Minute
}

// MaxImageBytes returns the image upload limit in bytes
func (c *LifecycleConfig) MaxImageBytes() int64 {
	return int64(c.MaxImageMB) << 20
}

// Window returns the rate limit window as a duration
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}
