package app

import (
	"context"
	"time"

	"github.com/patent-drafter/reqcore/jobs"
	"github.com/patent-drafter/reqcore/ratelimit"
	"github.com/patent-drafter/reqcore/types"
)

const pingTimeout = 2 * time.Second

func jobStoreChecker(store jobs.Store) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		if err := store.Ping(pingCtx); err != nil {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// limiterChecker reports degraded while a redis limiter counts in memory.
// Limiting never blocks on its store, so it is never unhealthy.
func limiterChecker(store ratelimit.Store, configured string) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		kind := store.Kind()
		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"store":      kind,
				"configured": configured,
			},
		}

		if configured == "redis" && kind != "redis" {
			check.Status = types.StatusDegraded
			check.Message = "counting in process memory"
		}
		return check
	}
}
