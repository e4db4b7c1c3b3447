package filter

import (
	"net"
	"net/http"
	"strings"

	"hermes/internal/config"
	"hermes/internal/ratelimit"
)

// RateLimitFilter is the one built-in filter (spec §4.7). It extracts a
// key from the request per cfg.Key and checks it against the shared
// Limiter; a denial is surfaced as a configurable status code (default
// 429) with no body.
type RateLimitFilter struct {
	RouteName string
	Cfg       config.RateLimitConfig
	Limiter   *ratelimit.Limiter
}

// OnRequest implements Filter.
func (f *RateLimitFilter) OnRequest(ctx *RequestContext) Result {
	key := extractKey(f.Cfg.Key, ctx)
	if f.Limiter.Allow(f.RouteName, key, f.Cfg) {
		return Result{Verdict: Continue}
	}
	code := f.Cfg.RejectedCode
	if code == 0 {
		code = http.StatusTooManyRequests
	}
	return Result{Verdict: Reject, Status: code}
}

// OnResponse implements Filter. Rate limiting has nothing to do on the
// response path; the hook is kept so the Filter interface stays uniform.
func (f *RateLimitFilter) OnResponse(*RequestContext, *http.Response) {}

func extractKey(mode config.RateLimitKeyMode, ctx *RequestContext) string {
	switch mode {
	case config.KeyURI:
		return ctx.URI
	case config.KeyHostURI:
		return ctx.Host + ctx.URI
	case config.KeyRemoteAddr:
		return remoteIP(ctx.RemoteAddr)
	default: // KeyRoute, and the zero value
		return ctx.RouteName
	}
}

// remoteIP strips the port from a "host:port" remote address, falling
// back to the raw string if it isn't in that form.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
