package client

import (
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const DefaultOrigin = "http://localhost:3000"

// Resolver turns relative request URLs into absolute ones.
type Resolver struct {
	origin   *url.URL
	fallback *url.URL
	logger   types.Logger
}

// NewResolver never fails: an unusable origin is replaced by the fallback
// origin with a warning. This papers over deployments that produced
// malformed origins and is not meant as a contract.
func NewResolver(origin, fallback string, logger types.Logger) *Resolver {
	if fallback == "" {
		fallback = DefaultOrigin
	}
	fallbackURL, err := url.Parse(fallback)
	if err != nil || fallbackURL.Host == "" {
		fallbackURL, _ = url.Parse(DefaultOrigin)
	}

	r := &Resolver{fallback: fallbackURL, logger: logger}

	if origin == "" {
		r.origin = fallbackURL
		return r
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		logger.Warn("Invalid client origin, using fallback origin",
			zap.String("origin", origin),
			zap.String("fallback", fallbackURL.String()),
			zap.Error(err))
		originURL = fallbackURL
	}
	r.origin = originURL
	return r
}

func (r *Resolver) Origin() string {
	return r.origin.String()
}

func (r *Resolver) Resolve(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}

	ref, err := url.Parse(raw)
	if err != nil {
		r.logger.Warn("Unparseable request URL, resolving against fallback origin",
			zap.String("url", raw),
			zap.Error(err))
		return strings.TrimRight(r.fallback.String(), "/") + "/" + strings.TrimLeft(raw, "/")
	}

	return r.origin.ResolveReference(ref).String()
}

// endpointOf strips scheme, host and query so monitor counts group by path.
func endpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
