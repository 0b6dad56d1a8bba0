// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the agreement store path, sweep and retry
// tuning, gateway credentials, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-donation-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RetryConfig tunes the capture retry policy applied to declined cycles.
type RetryConfig struct {
	BaseDelay  time.Duration // RETRY_BASE_DELAY, first backoff step
	MaxDelay   time.Duration // RETRY_MAX_DELAY, backoff cap
	MaxRetries int           // RETRY_MAX_RETRIES, retries after the initial attempt
	MaxJitter  time.Duration // RETRY_MAX_JITTER, random spread added to each delay
}

// SweepConfig tunes the due-cycle sweep.
type SweepConfig struct {
	Cron           string        // SWEEP_CRON, five-field cron expression (UTC)
	Concurrency    int           // SWEEP_CONCURRENCY, worker pool size
	BatchLimit     int           // SWEEP_BATCH_LIMIT, max agreements per run (0 = unlimited)
	RunTimeout     time.Duration // SWEEP_RUN_TIMEOUT, bound on one scheduled run
	CaptureTimeout time.Duration // CAPTURE_TIMEOUT, bound on one gateway call
}

// GatewayConfig selects and configures the payment gateway adapter.
type GatewayConfig struct {
	Provider string        // GATEWAY_PROVIDER: "mock" or "rest"
	BaseURL  string        // GATEWAY_BASE_URL for the rest provider
	APIKey   string        // GATEWAY_API_KEY, never logged
	Timeout  time.Duration // GATEWAY_TIMEOUT for the HTTP client
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath       string // SQLite path for the agreement store
	ResumePolicy string // "skip" or "catchup": how resume treats missed cycles
	EventBuffer  int    // buffer size for the async event sink

	// Engine
	Retry   RetryConfig
	Sweep   SweepConfig
	Gateway GatewayConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:       getenv("DB_PATH", "donations.db"),
		ResumePolicy: strings.ToLower(getenv("RESUME_POLICY", "skip")),
		EventBuffer:  getint("EVENT_BUFFER", 256),

		// Engine
		Retry: RetryConfig{
			BaseDelay:  getdur("RETRY_BASE_DELAY", time.Hour),
			MaxDelay:   getdur("RETRY_MAX_DELAY", 24*time.Hour),
			MaxRetries: getint("RETRY_MAX_RETRIES", 3),
			MaxJitter:  getdur("RETRY_MAX_JITTER", 5*time.Minute),
		},
		Sweep: SweepConfig{
			Cron:           getenv("SWEEP_CRON", "0 * * * *"),
			Concurrency:    getint("SWEEP_CONCURRENCY", 4),
			BatchLimit:     getint("SWEEP_BATCH_LIMIT", 0),
			RunTimeout:     getdur("SWEEP_RUN_TIMEOUT", 10*time.Minute),
			CaptureTimeout: getdur("CAPTURE_TIMEOUT", 30*time.Second),
		},
		Gateway: GatewayConfig{
			Provider: strings.ToLower(getenv("GATEWAY_PROVIDER", "mock")),
			BaseURL:  getenv("GATEWAY_BASE_URL", ""),
			APIKey:   getenv("GATEWAY_API_KEY", ""),
			Timeout:  getdur("GATEWAY_TIMEOUT", 30*time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-donation-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	switch cfg.ResumePolicy {
	case "skip", "catchup":
	default:
		return cfg, errors.New("RESUME_POLICY must be one of: skip, catchup")
	}
	if cfg.EventBuffer < 1 {
		return cfg, errors.New("EVENT_BUFFER must be >= 1")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return cfg, errors.New("RETRY_BASE_DELAY must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return cfg, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if cfg.Retry.MaxRetries < 0 {
		return cfg, errors.New("RETRY_MAX_RETRIES must be >= 0")
	}
	if cfg.Retry.MaxJitter < 0 {
		return cfg, errors.New("RETRY_MAX_JITTER must be >= 0")
	}
	if strings.TrimSpace(cfg.Sweep.Cron) == "" {
		return cfg, errors.New("SWEEP_CRON must not be empty")
	}
	if cfg.Sweep.Concurrency < 1 {
		return cfg, errors.New("SWEEP_CONCURRENCY must be >= 1")
	}
	if cfg.Sweep.BatchLimit < 0 {
		return cfg, errors.New("SWEEP_BATCH_LIMIT must be >= 0")
	}
	if cfg.Sweep.CaptureTimeout <= 0 {
		return cfg, errors.New("CAPTURE_TIMEOUT must be > 0")
	}
	switch cfg.Gateway.Provider {
	case "mock":
	case "rest":
		if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
			return cfg, errors.New("GATEWAY_BASE_URL must be set when GATEWAY_PROVIDER=rest")
		}
	default:
		return cfg, errors.New("GATEWAY_PROVIDER must be one of: mock, rest")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
