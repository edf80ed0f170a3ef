package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentTest        = "test"
)

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Environment string             `yaml:"environment" json:"environment" validate:"oneof=development production test"`
	Server      *ServerConfig      `yaml:"server" json:"server"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Client      *ClientConfig      `yaml:"client" json:"client"`
	Jobs        *JobsConfig        `yaml:"jobs" json:"jobs"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	CSRF        *CSRFConfig        `yaml:"csrf" json:"csrf"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Type       string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	Config     interface{}   `yaml:"config" json:"config"`
}

type RateLimitConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Store   string                 `yaml:"store" json:"store" validate:"required_if=Enabled true"`
	Classes map[string]QuotaConfig `yaml:"classes" json:"classes"`
	Rules   []PathRuleConfig       `yaml:"rules" json:"rules"`
	Config  interface{}            `yaml:"config" json:"config"`
}

type QuotaConfig struct {
	Points        int           `yaml:"points" json:"points" validate:"min=1"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

type PathRuleConfig struct {
	Class    string   `yaml:"class" json:"class" validate:"required"`
	Patterns []string `yaml:"patterns" json:"patterns" validate:"min=1"`
}

type ClientConfig struct {
	BaseURL           string                `yaml:"base_url" json:"base_url"`
	DefaultOrigin     string                `yaml:"default_origin" json:"default_origin"`
	Timeout           time.Duration         `yaml:"timeout" json:"timeout"`
	CacheTTL          time.Duration         `yaml:"cache_ttl" json:"cache_ttl"`
	MaxConcurrency    int                   `yaml:"max_concurrency" json:"max_concurrency" validate:"min=0"`
	DispatchDelay     time.Duration         `yaml:"dispatch_delay" json:"dispatch_delay"`
	WarningThreshold  int                   `yaml:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold int                   `yaml:"critical_threshold" json:"critical_threshold"`
	WarningDelay      time.Duration         `yaml:"warning_delay" json:"warning_delay"`
	CriticalDelay     time.Duration         `yaml:"critical_delay" json:"critical_delay"`
	CSRFPath          string                `yaml:"csrf_path" json:"csrf_path"`
	TenantSlug        string                `yaml:"tenant_slug" json:"tenant_slug"`
	MaxRetries        int                   `yaml:"max_retries" json:"max_retries"`
	CircuitBreaker    *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type JobsConfig struct {
	Store           string        `yaml:"store" json:"store" validate:"required,oneof=memory sqlite postgres"`
	DSN             string        `yaml:"dsn" json:"dsn" validate:"required_unless=Store memory"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	PollSpec        string        `yaml:"poll_spec" json:"poll_spec" validate:"required"`
	CleanupSpec     string        `yaml:"cleanup_spec" json:"cleanup_spec" validate:"required"`
	RetentionDays   int           `yaml:"retention_days" json:"retention_days" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type CronConfig struct {
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`
}

type CSRFConfig struct {
	Secret     string        `yaml:"secret" json:"secret"`
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl"`
	HeaderName string        `yaml:"header_name" json:"header_name"`
}

type MiddlewaresConfig struct {
	Recovery  *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging   *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	RateLimit *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	CSRF      *MiddlewareItemConfig `yaml:"csrf" json:"csrf"`
	Cache     *MiddlewareItemConfig `yaml:"cache" json:"cache"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Type      string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Path      string            `yaml:"path" json:"path"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
	GoMetrics bool              `yaml:"go_metrics" json:"go_metrics"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
