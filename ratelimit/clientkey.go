package ratelimit

import (
	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/utils"
)

const (
	HeaderCloudflareIP  = "cf-connecting-ip"
	HeaderAzureClientIP = "x-azure-clientip"
	HeaderVercelForward = "x-vercel-forwarded-for"
	HeaderForwardedFor  = "x-forwarded-for"
	HeaderRealIP        = "x-real-ip"
	HeaderUserID        = "x-user-id"
	UnknownClient       = "unknown"
	userSegment         = ":user:"
)

// HeaderGetter returns the value of a request header or "".
type HeaderGetter func(name string) string

// ClientKey derives the limiter identity: the first trusted address header
// present, optionally qualified with a user id. An explicit userID wins over
// the x-user-id header.
func ClientKey(get HeaderGetter, userID string) string {
	ip := clientIP(get)

	if userID == "" {
		userID = get(HeaderUserID)
	}
	if userID != "" {
		return ip + userSegment + userID
	}
	return ip
}

func clientIP(get HeaderGetter) string {
	for _, header := range []string{HeaderCloudflareIP, HeaderAzureClientIP, HeaderVercelForward} {
		if value := utils.FirstListValue(get(header)); value != "" {
			return value
		}
	}

	if value := utils.FirstListValue(get(HeaderForwardedFor)); value != "" {
		return value
	}

	if value := utils.FirstListValue(get(HeaderRealIP)); value != "" {
		return value
	}

	return UnknownClient
}

func RequestHeaders(ctx *fasthttp.RequestCtx) HeaderGetter {
	return func(name string) string {
		return string(ctx.Request.Header.Peek(name))
	}
}
