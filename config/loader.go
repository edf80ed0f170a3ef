package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/patent-drafter/reqcore/types"
)

const (
	EnvEnvironment = "DRAFTER_ENV"
	EnvRedisAddr   = "DRAFTER_REDIS_ADDR"
	EnvDatabaseDSN = "DRAFTER_DATABASE_DSN"
)

type Loader struct {
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv: os.LookupEnv,
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes decodes YAML onto Defaults, applies environment overrides and
// validates the result. The raw map is returned for path lookups.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	l.applyEnv(config)

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &rawData); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	return config, rawData, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) applyEnv(config *types.ServiceConfig) {
	if env, ok := l.lookupEnv(EnvEnvironment); ok && env != "" {
		config.Environment = env
	}

	if addr, ok := l.lookupEnv(EnvRedisAddr); ok && addr != "" {
		if config.Cache.Config == nil {
			config.Cache.Config = map[string]interface{}{}
		}
		if block, isMap := config.Cache.Config.(map[string]interface{}); isMap {
			block["addr"] = addr
		}
		if config.RateLimit.Config == nil {
			config.RateLimit.Config = map[string]interface{}{}
		}
		if block, isMap := config.RateLimit.Config.(map[string]interface{}); isMap {
			block["addr"] = addr
		}
	}

	if dsn, ok := l.lookupEnv(EnvDatabaseDSN); ok && dsn != "" {
		config.Jobs.DSN = dsn
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:        "drafter",
		Version:     "0.1.0",
		Environment: types.EnvironmentDevelopment,
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 30,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Enabled:    true,
			Type:       "memory",
			DefaultTTL: 5 * time.Minute,
		},
		RateLimit: &types.RateLimitConfig{
			Enabled: true,
			Store:   "memory",
		},
		Client: &types.ClientConfig{
			DefaultOrigin:     "http://localhost:3000",
			Timeout:           30 * time.Second,
			CacheTTL:          30 * time.Second,
			MaxConcurrency:    3,
			DispatchDelay:     100 * time.Millisecond,
			WarningThreshold:  40,
			CriticalThreshold: 60,
			WarningDelay:      2 * time.Second,
			CriticalDelay:     5 * time.Second,
			CSRFPath:          "/api/csrf-token",
			MaxRetries:        3,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Jobs: &types.JobsConfig{
			Store:           "memory",
			MaxAttempts:     3,
			PollSpec:        "*/5 * * * * *",
			CleanupSpec:     "0 0 3 * * *",
			RetentionDays:   30,
			ShutdownTimeout: 30 * time.Second,
		},
		Cron: &types.CronConfig{
			Timezone: "UTC",
		},
		CSRF: &types.CSRFConfig{
			TokenTTL:   time.Hour,
			HeaderName: "x-csrf-token",
		},
		Metrics: &types.MetricsConfig{
			Enabled:   true,
			Type:      "prometheus",
			Namespace: "drafter",
			Path:      "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
				Params: map[string]interface{}{
					"log_level": "info",
				},
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  30,
			},
			CSRF: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  40,
			},
			Cache: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  50,
			},
		},
	}
}
