package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrHandlerIsNil         = errors.New("handler is nil")
	ErrRouteNotFound        = errors.New("route not found")
)

var (
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrCSRFTokenInvalid      = errors.New("csrf token invalid")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrRateLimitClassUnknown = errors.New("rate limit class unknown")
	ErrRateLimitStoreUnknown = errors.New("rate limit store type unknown")
)

var (
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheOperationFailed  = errors.New("cache operation failed")
	ErrCacheEntryMalformed   = errors.New("cache entry malformed")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrClientRequestFailed   = errors.New("client request failed")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrClientStopped         = errors.New("client stopped")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrCSRFTokenUnavailable  = errors.New("csrf token unavailable")
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobHandlerNotFound  = errors.New("job handler not found")
	ErrJobPayloadInvalid   = errors.New("job payload invalid")
	ErrJobStoreTypeUnknown = errors.New("job store type unknown")
	ErrJobStoreClosed      = errors.New("job store closed")
)

var (
	ErrHealthCheckFailed = errors.New("health check failed")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternalError    = errors.New("internal error")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
