package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/patent-drafter/reqcore/types"
)

const (
	CSRFHeader       = "x-csrf-token"
	TenantHeader     = "x-tenant-slug"
	csrfFlightKey    = "csrf"
	csrfStaleAfter   = 5 * time.Second
	retryBaseDelay   = time.Second
	retryMaxDelay    = 30 * time.Second
	retryJitterRatio = 0.3
)

// APIClient decorates a Doer with the application's request conventions:
// a lazily fetched CSRF token on mutating requests, the tenant header, and
// retries of 429 responses.
type APIClient struct {
	doer       Doer
	logger     types.Logger
	csrfPath   string
	tenant     string
	maxRetries int

	group        singleflight.Group
	mu           sync.Mutex
	token        string
	fetchStarted time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewAPIClient(doer Doer, config *types.ClientConfig, logger types.Logger) *APIClient {
	a := &APIClient{
		doer:       doer,
		logger:     logger,
		csrfPath:   "/api/csrf-token",
		maxRetries: 3,
		now:        time.Now,
		sleep:      sleepContext,
		jitter:     cryptoFraction,
	}

	if config != nil {
		if config.CSRFPath != "" {
			a.csrfPath = config.CSRFPath
		}
		if config.MaxRetries > 0 {
			a.maxRetries = config.MaxRetries
		}
		a.tenant = config.TenantSlug
	}

	return a
}

// WithTenant returns a client sending slug as the tenant. It fetches its own
// CSRF token.
func (a *APIClient) WithTenant(slug string) *APIClient {
	return &APIClient{
		doer:       a.doer,
		logger:     a.logger,
		csrfPath:   a.csrfPath,
		tenant:     slug,
		maxRetries: a.maxRetries,
		now:        a.now,
		sleep:      a.sleep,
		jitter:     a.jitter,
	}
}

func (a *APIClient) Do(ctx context.Context, req *Request) (*Response, error) {
	r := req.clone()
	mutating := isMutating(r.method())

	if a.tenant != "" {
		r.Header[TenantHeader] = a.tenant
	}

	if mutating {
		a.attachToken(ctx, r)
	}

	refreshed := false
	for attempt := 1; ; attempt++ {
		resp, err := a.doer.Do(ctx, r)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == fasthttp.StatusTooManyRequests && attempt < a.maxRetries:
			delay := a.retryDelay(resp, attempt)
			a.logger.Warn("Rate limited, retrying",
				zap.String("url", r.URL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := a.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == fasthttp.StatusForbidden && mutating && !refreshed && isCSRFRejection(resp):
			refreshed = true
			a.InvalidateToken()
			a.attachToken(ctx, r)
			continue
		}

		return resp, nil
	}
}

func (a *APIClient) attachToken(ctx context.Context, r *Request) {
	token, err := a.Token(ctx)
	if err != nil {
		a.logger.Warn("Sending request without CSRF token", zap.String("url", r.URL), zap.Error(err))
		delete(r.Header, CSRFHeader)
		return
	}
	r.Header[CSRFHeader] = token
}

// Token returns the cached CSRF token, fetching it once for all concurrent
// callers. A fetch pending for longer than five seconds is abandoned and a
// new one started.
func (a *APIClient) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	now := a.now()
	if !a.fetchStarted.IsZero() && now.Sub(a.fetchStarted) > csrfStaleAfter {
		a.group.Forget(csrfFlightKey)
		a.fetchStarted = time.Time{}
	}
	if a.fetchStarted.IsZero() {
		a.fetchStarted = now
	}
	a.mu.Unlock()

	ch := a.group.DoChan(csrfFlightKey, func() (interface{}, error) {
		return a.fetchToken(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *APIClient) InvalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *APIClient) fetchToken(ctx context.Context) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, csrfStaleAfter)
	defer cancel()

	resp, err := a.doer.Do(fetchCtx, &Request{Method: "GET", URL: a.csrfPath, SkipCache: true})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchStarted = time.Time{}

	if err != nil {
		return "", types.Errorf(types.ErrCSRFTokenUnavailable, "%v", err)
	}

	token := resp.HeaderValue(CSRFHeader)
	if !resp.OK() || token == "" {
		return "", types.Errorf(types.ErrCSRFTokenUnavailable, "status %d", resp.StatusCode)
	}

	a.token = token
	return token, nil
}

// retryDelay takes Retry-After (seconds or HTTP date) when present,
// otherwise backs off exponentially from one second. Up to 30% jitter is
// added and the result capped at 30 seconds.
func (a *APIClient) retryDelay(resp *Response, attempt int) time.Duration {
	httpResp := &http.Response{StatusCode: resp.StatusCode, Header: http.Header{}}
	if header := strings.TrimSpace(resp.HeaderValue("Retry-After")); header != "" {
		httpResp.Header.Set("Retry-After", header)
	}

	delay := retryablehttp.DefaultBackoff(retryBaseDelay, retryMaxDelay, attempt-1, httpResp)
	if delay < 0 {
		delay = 0
	}

	delay += time.Duration(float64(delay) * retryJitterRatio * a.jitter())
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func isMutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

func isCSRFRejection(resp *Response) bool {
	return strings.Contains(strings.ToLower(string(resp.Body)), "csrf")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cryptoFraction returns a uniformly distributed value in [0, 1).
func cryptoFraction() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
