// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const dotEnvDirEnv = "SIGNAPI_CONFIG_DIR"

type Config struct {
	Port        string `validate:"required,numeric"`
	Environment string
	LogLevel    string `validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
	LogFormat   string `validate:"omitempty,oneof=json text color"`

	RateLimitPoints   int `validate:"gte=1"`
	RateLimitDuration int `validate:"gte=1"`
	RateLimitRedis    bool

	ProxyFallback  string `validate:"omitempty,url"`
	ProxyTimeoutMS int    `validate:"gte=0"`
	ProxyRetries   int    `validate:"gte=0,lte=5"`

	SignerPlugin    string `validate:"required"`
	SignerPluginDir string
	MaxConcurrency  int `validate:"gte=1"`
	SignTimeoutMS   int `validate:"gte=0"`
	CrashPatterns   string
	// SignerLaunchArgs replaces the default launch arguments handed to
	// backend init when non-empty.
	SignerLaunchArgs []string

	ReloadToken         string
	TrustedProxyCIDRs   string
	CORSAllowedOrigins  string
	MaxRequestBodyBytes int64 `validate:"gte=1"`

	HTTPReadHeaderTimeout time.Duration
	HTTPReadTimeout       time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration

	// Raw strings handed to the production hardening checks.
	StrictProdSecurity    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
}

// Load reads an optional .env file, then the environment, and validates
// the result. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	dir := os.Getenv(dotEnvDirEnv)
	if dir == "" {
		dir = "."
	}
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:        env("PORT", "8080"),
		Environment: env("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(env("LOG_FORMAT", "json")),

		RateLimitPoints:   envInt("RATE_LIMIT_POINTS", 60),
		RateLimitDuration: envInt("RATE_LIMIT_DURATION", 60),
		RateLimitRedis:    envBool("RATE_LIMIT_REDIS", false),

		ProxyFallback:  strings.TrimSpace(os.Getenv("SIGN_PROXY_FALLBACK")),
		ProxyTimeoutMS: envInt("SIGN_PROXY_TIMEOUT_MS", 10000),
		ProxyRetries:   envInt("SIGN_PROXY_RETRIES", 0),

		SignerPlugin:     env("SIGNER_PLUGIN", "tiktok-signature"),
		SignerPluginDir:  env("SIGNER_PLUGIN_DIR", "./plugins"),
		MaxConcurrency:   envInt("SIGN_MAX_CONCURRENCY", 32),
		SignTimeoutMS:    envInt("SIGN_TIMEOUT_MS", 0),
		CrashPatterns:    os.Getenv("CRASH_PATTERNS"),
		SignerLaunchArgs: envList("SIGNER_LAUNCH_ARGS"),

		ReloadToken:         strings.TrimSpace(os.Getenv("RELOAD_TOKEN")),
		TrustedProxyCIDRs:   os.Getenv("TRUSTED_PROXY_CIDRS"),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", "*"),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),

		HTTPReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		HTTPWriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),

		StrictProdSecurity:    os.Getenv("STRICT_PROD_SECURITY"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:       os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Addr() string { return ":" + c.Port }

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitDuration) * time.Second
}

func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.ProxyTimeoutMS) * time.Millisecond
}

func (c *Config) SignTimeout() time.Duration {
	return time.Duration(c.SignTimeoutMS) * time.Millisecond
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envList(k string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(k), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
