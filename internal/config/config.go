// Package config loads the orchestrator and robot configuration from a
// yaml file, a .env file, and environment variables, in ascending
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Exit codes shared by both binaries.
const (
	ExitOK            = 0
	ExitInitError     = 1
	ExitConfigInvalid = 2
	ExitRuntimeError  = 3
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      AuditConfig      `yaml:"audit"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Robot      RobotConfig      `yaml:"robot"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	BindAddr                string `yaml:"bind_addr"`
	HeartbeatTimeoutSeconds int    `yaml:"heartbeat_timeout_seconds"`
	Version                 string `yaml:"version"`
}

type DatabaseConfig struct {
	// PostgresDSN enables the durable robot/job/tenant repositories.
	// Empty means in-memory state only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

type AuditConfig struct {
	// Driver is sqlite3 or postgres.
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days"`
}

type JobsConfig struct {
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
}

type CheckpointConfig struct {
	AutoSave bool `yaml:"auto_save"`
	Interval int  `yaml:"interval"`
}

type RobotConfig struct {
	RobotID           string   `yaml:"robot_id"`
	RobotName         string   `yaml:"robot_name"`
	Environment       string   `yaml:"environment"`
	TenantID          string   `yaml:"tenant_id"`
	OrchestratorURL   string   `yaml:"orchestrator_url"`
	Capabilities      []string `yaml:"capabilities"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	OfflineStorePath  string   `yaml:"offline_store_path"`
}

type RedisConfig struct {
	// Addr enables the cross-instance event mirror when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:                ":8080",
			HeartbeatTimeoutSeconds: 90,
			Version:                 "dev",
		},
		Audit: AuditConfig{
			Driver:        "sqlite3",
			DSN:           "audit.db",
			RetentionDays: 90,
		},
		Jobs: JobsConfig{DefaultTimeoutMS: 30 * 60 * 1000},
		Checkpoint: CheckpointConfig{
			AutoSave: true,
			Interval: 1,
		},
		Robot: RobotConfig{
			OrchestratorURL:   "ws://localhost:8080/ws/robot",
			MaxConcurrentJobs: 1,
			OfflineStorePath:  "offline.db",
		},
	}
}

// Load reads the yaml file at path (optional), overlays .env and the
// environment, and validates the result. An unreadable or invalid file
// is an error; a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus environment.
		case err != nil:
			return nil, fmt.Errorf("open config %s: %w", path, err)
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// .env never overrides real environment variables.
	godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("CASARE_BIND_ADDR", &cfg.Server.BindAddr)
	setInt("CASARE_HEARTBEAT_TIMEOUT_SECONDS", &cfg.Server.HeartbeatTimeoutSeconds)
	setString("CASARE_POSTGRES_DSN", &cfg.Database.PostgresDSN)
	setString("CASARE_AUDIT_DRIVER", &cfg.Audit.Driver)
	setString("CASARE_AUDIT_DSN", &cfg.Audit.DSN)
	setInt("CASARE_AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)
	setInt("CASARE_JOB_TIMEOUT_MS", &cfg.Jobs.DefaultTimeoutMS)
	setInt("CASARE_CHECKPOINT_INTERVAL", &cfg.Checkpoint.Interval)
	setString("CASARE_REDIS_ADDR", &cfg.Redis.Addr)
	setString("CASARE_REDIS_PASSWORD", &cfg.Redis.Password)

	setString("CASARE_ROBOT_ID", &cfg.Robot.RobotID)
	setString("CASARE_ROBOT_NAME", &cfg.Robot.RobotName)
	setString("CASARE_ROBOT_ENVIRONMENT", &cfg.Robot.Environment)
	setString("CASARE_ROBOT_TENANT_ID", &cfg.Robot.TenantID)
	setString("CASARE_ORCHESTRATOR_URL", &cfg.Robot.OrchestratorURL)
	setInt("CASARE_MAX_CONCURRENT_JOBS", &cfg.Robot.MaxConcurrentJobs)
	setString("CASARE_OFFLINE_STORE_PATH", &cfg.Robot.OfflineStorePath)
}

// Validate rejects configurations the processes cannot run with.
func (c *Config) Validate() error {
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr must not be empty")
	}
	if c.Server.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("server.heartbeat_timeout_seconds must be positive")
	}
	switch c.Audit.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("audit.driver must be sqlite3 or postgres, got %q", c.Audit.Driver)
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.retention_days must be positive")
	}
	if c.Jobs.DefaultTimeoutMS < 0 {
		return fmt.Errorf("jobs.default_timeout_ms must not be negative")
	}
	if c.Checkpoint.Interval < 1 {
		return fmt.Errorf("checkpoint.interval must be at least 1")
	}
	if c.Robot.MaxConcurrentJobs < 1 {
		return fmt.Errorf("robot.max_concurrent_jobs must be at least 1")
	}
	return nil
}

// HeartbeatTimeout is the sweep threshold as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Server.HeartbeatTimeoutSeconds) * time.Second
}
