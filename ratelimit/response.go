package ratelimit

import (
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/utils"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type RejectionBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// SetHeaders attaches X-RateLimit-Limit/Remaining/Reset for a decision that
// consumed points.
func SetHeaders(ctx *fasthttp.RequestCtx, d Decision) {
	if d.Skipped {
		return
	}

	remaining := d.RemainingPoints
	if !d.Allowed {
		remaining = 0
	}

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(d.Quota.Points))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(isoMillis))
}

// WriteRejection writes the 429 response for a rejected decision.
func WriteRejection(ctx *fasthttp.RequestCtx, d Decision) {
	retryAfter := d.RetryAfterSeconds()

	SetHeaders(ctx, d)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))

	utils.WriteJSON(ctx, fasthttp.StatusTooManyRequests, RejectionBody{
		Error:      "Too Many Requests",
		Message:    "Rate limit exceeded for " + d.Class + " requests. Try again in " + strconv.Itoa(retryAfter) + " seconds.",
		RetryAfter: retryAfter,
	})
}
