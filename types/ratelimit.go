package types

import (
	"time"
)

type Quota struct {
	Points        int
	Duration      time.Duration
	BlockDuration time.Duration
}

// RateLimitResult mirrors what a limiter reports after a consumption attempt.
type RateLimitResult struct {
	Allowed         bool  `json:"allowed"`
	RemainingPoints int   `json:"remaining_points"`
	MsBeforeNext    int64 `json:"ms_before_next"`
	// ConsumedPoints is the window total including this call. Rejected
	// points are not kept, so the stored total never exceeds the quota.
	// Zero while the key is locked out.
	ConsumedPoints  int   `json:"consumed_points"`
}
