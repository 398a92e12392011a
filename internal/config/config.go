package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

const DefaultLLMBaseURL = "https://openrouter.ai/api/v1/chat/completions"

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	StorageDriver  string        `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	UploadDir      string        `mapstructure:"UPLOAD_DIR"`
	UploadMaxBytes int64         `mapstructure:"UPLOAD_MAX_BYTES"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StageTimeout   time.Duration `mapstructure:"STAGE_TIMEOUT"`

	LLMAPIKey         string `mapstructure:"LLM_API_KEY"`
	LLMBaseURL        string `mapstructure:"LLM_BASE_URL"`
	LLMModel          string `mapstructure:"LLM_MODEL"`
	LLMVisionModel    string `mapstructure:"LLM_VISION_MODEL"`
	LLMTimeoutSeconds int    `mapstructure:"LLM_TIMEOUT_SECONDS"`
	LLMMaxRetries     int    `mapstructure:"LLM_MAX_RETRIES"`

	KnowledgeBaseFile string `mapstructure:"KNOWLEDGE_BASE_FILE"`
	MetricsEnabled    bool   `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"UPLOAD_DIR", "UPLOAD_MAX_BYTES", "CORS_ORIGINS", "REQUEST_TIMEOUT", "STAGE_TIMEOUT",
	"LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_VISION_MODEL",
	"LLM_TIMEOUT_SECONDS", "LLM_MAX_RETRIES",
	"KNOWLEDGE_BASE_FILE", "METRICS_ENABLED",
}

// Load reads .env when present and then the environment. It does not
// validate; call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORAGE_DRIVER", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("UPLOAD_MAX_BYTES", 20<<20)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("REQUEST_TIMEOUT", "3m")
	v.SetDefault("STAGE_TIMEOUT", "60s")
	v.SetDefault("LLM_BASE_URL", DefaultLLMBaseURL)
	v.SetDefault("LLM_MODEL", "google/gemini-2.0-flash-001")
	v.SetDefault("LLM_VISION_MODEL", "google/gemini-2.0-flash-001")
	v.SetDefault("LLM_TIMEOUT_SECONDS", 60)
	v.SetDefault("LLM_MAX_RETRIES", 3)
	v.SetDefault("METRICS_ENABLED", true)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise development auth in
// ENV=development and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// LLMEnabled reports whether model-backed stages should be used.
func (c *Config) LLMEnabled() bool { return c.LLMAPIKey != "" }

// LLMTimeout is the per-call HTTP timeout for the model client.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
	case AuthModeJWT:
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY must be set when AUTH_MODE is %q", AuthModeJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", StoragePostgres)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver)
	}

	if c.StageTimeout <= 0 {
		return fmt.Errorf("STAGE_TIMEOUT must be positive, got %s", c.StageTimeout)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}
	return nil
}
