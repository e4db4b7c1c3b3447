package filter

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"hermes/internal/config"
	"hermes/internal/ratelimit"
)

func TestRateLimitFilterAllowsThenRejects(t *testing.T) {
	cfg := config.RateLimitConfig{Mode: config.RateLimitReq, Rate: 1, Burst: 0, Key: config.KeyRoute}
	f := &RateLimitFilter{RouteName: "r1", Cfg: cfg, Limiter: ratelimit.NewLimiter(ratelimit.NewPeerCount(), nil)}
	ctx := &RequestContext{RouteName: "r1"}

	first := f.OnRequest(ctx)
	assert.Equal(t, Continue, first.Verdict)
	assert.Equal(t, Continue, f.OnRequest(ctx).Verdict, "rate 1 plus the minimum burst of 1 starts the bucket with 2 tokens")

	second := f.OnRequest(ctx)
	assert.Equal(t, Reject, second.Verdict)
	assert.Equal(t, http.StatusTooManyRequests, second.Status)
}

func TestRateLimitFilterCustomRejectedCode(t *testing.T) {
	cfg := config.RateLimitConfig{Mode: config.RateLimitReq, Rate: 0, Burst: 0, Key: config.KeyRoute, RejectedCode: http.StatusServiceUnavailable}
	f := &RateLimitFilter{RouteName: "r1", Cfg: cfg, Limiter: ratelimit.NewLimiter(ratelimit.NewPeerCount(), nil)}
	ctx := &RequestContext{RouteName: "r1"}

	assert.Equal(t, Continue, f.OnRequest(ctx).Verdict, "the minimum burst of 1 admits the first request")
	result := f.OnRequest(ctx)
	assert.Equal(t, Reject, result.Verdict)
	assert.Equal(t, http.StatusServiceUnavailable, result.Status)
}

func TestRateLimitFilterKeysByRemoteAddr(t *testing.T) {
	cfg := config.RateLimitConfig{Mode: config.RateLimitReq, Rate: 0, Burst: 0, Key: config.KeyRemoteAddr}
	lim := ratelimit.NewLimiter(ratelimit.NewPeerCount(), nil)
	f := &RateLimitFilter{RouteName: "r1", Cfg: cfg, Limiter: lim}

	a := f.OnRequest(&RequestContext{RouteName: "r1", RemoteAddr: "1.2.3.4:5555"})
	assert.Equal(t, Continue, a.Verdict)

	b := f.OnRequest(&RequestContext{RouteName: "r1", RemoteAddr: "9.9.9.9:1111"})
	assert.Equal(t, Continue, b.Verdict, "a different remote IP gets its own bucket")

	c := f.OnRequest(&RequestContext{RouteName: "r1", RemoteAddr: "1.2.3.4:6666"})
	assert.Equal(t, Reject, c.Verdict, "same remote IP with a different port still shares a bucket")
}

func TestExtractKeyModes(t *testing.T) {
	ctx := &RequestContext{RouteName: "r1", URI: "/v1/widgets", Host: "api.example.com", RemoteAddr: "10.0.0.1:1"}

	assert.Equal(t, "r1", extractKey(config.KeyRoute, ctx))
	assert.Equal(t, "/v1/widgets", extractKey(config.KeyURI, ctx))
	assert.Equal(t, "api.example.com/v1/widgets", extractKey(config.KeyHostURI, ctx))
	assert.Equal(t, "10.0.0.1", extractKey(config.KeyRemoteAddr, ctx))
}

func TestRemoteIPFallsBackWhenNoPort(t *testing.T) {
	assert.Equal(t, "no-port-here", remoteIP("no-port-here"))
}
