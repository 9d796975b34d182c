// Package config handles server configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
	Evaluator EvaluatorConfig `json:"evaluator,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxMsgBytes    int64    `json:"max_msg_bytes,omitempty"`   // max WebSocket message size; default 256KB
}

// AuthConfig defines the optional teacher login layer. When no accounts are
// configured the HTTP middleware is a pass-through.
type AuthConfig struct {
	JWTSecret string           `json:"jwt_secret,omitempty"`
	JWTExpiry Duration         `json:"jwt_expiry,omitempty"`
	Teachers  []TeacherAccount `json:"teachers,omitempty"`
}

// TeacherAccount maps a teacher username to a bcrypt password hash.
type TeacherAccount struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// StorageConfig defines the optional KV write-through adapter.
type StorageConfig struct {
	Backend string `json:"backend,omitempty"` // "none" (default), "sqlite", "postgres"
	DSN     string `json:"dsn,omitempty"`     // e.g. "codedeck.db" or a postgres URL
	Region  string `json:"region,omitempty"`  // opaque deployment label
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	IdleTimeout     Duration `json:"idle_timeout,omitempty"`     // endpoint idle cutoff; default 30m
	SummaryInterval Duration `json:"summary_interval,omitempty"` // scheduler period; default 30s
	DisconnectGrace Duration `json:"disconnect_grace,omitempty"` // student removal grace; default 5m
}

// EvaluatorConfig defines the LM client settings.
type EvaluatorConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

// ExecutorConfig defines the sandbox settings.
type ExecutorConfig struct {
	TempDir string `json:"temp_dir,omitempty"` // scratch area; default os.TempDir()/codedeck
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file (optional), applies environment overrides, and
// validates the result. An empty path yields a default config shaped purely
// by the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv maps the recognized environment variables onto the config.
// Environment wins over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.Server.AllowedOrigins = []string{v}
	}
	if v := os.Getenv("KV_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("KV_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("KV_REGION"); v != "" {
		c.Storage.Region = v
	}
	if v := os.Getenv("LM_API_KEY"); v != "" {
		c.Evaluator.APIKey = v
	}
	if v := os.Getenv("LM_MODEL_NAME"); v != "" {
		c.Evaluator.Model = v
	}
	if v := os.Getenv("TEMP_DIR"); v != "" {
		c.Executor.TempDir = v
	}
	if d, ok := envSeconds("IDLE_TIMEOUT_SEC"); ok {
		c.Session.IdleTimeout = Duration{d}
	}
	if d, ok := envSeconds("SUMMARY_INTERVAL_SEC"); ok {
		c.Session.SummaryInterval = Duration{d}
	}
	if d, ok := envSeconds("DISCONNECT_GRACE_SEC"); ok {
		c.Session.DisconnectGrace = Duration{d}
	}
}

func envSeconds(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMsgBytes == 0 {
		c.Server.MaxMsgBytes = 256 * 1024 // 256KB
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "none"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "codedeck.db"
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout.Duration = 30 * time.Minute
	}
	if c.Session.SummaryInterval.Duration == 0 {
		c.Session.SummaryInterval.Duration = 30 * time.Second
	}
	if c.Session.DisconnectGrace.Duration == 0 {
		c.Session.DisconnectGrace.Duration = 5 * time.Minute
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.backend must be none, sqlite, or postgres")
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if len(c.Auth.Teachers) > 0 {
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters when teacher accounts are configured")
		}
	}
	return nil
}
