// Package pipeline implements the request pipeline (component J, spec
// §4.9): the single method that processes one accepted HTTP request from
// route match through response build and access logging.
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestContext is the per-request state threaded through every phase
// (spec §3 "Per-request context"). Fields are filled progressively so
// metric labels and the access log see whatever was resolved before an
// early exit.
type requestContext struct {
	start         time.Time
	upstreamStart time.Time

	requestID  string
	host       string
	method     string
	uriPath    string
	clientIP   string
	remoteAddr string

	domain   string
	route    string
	cluster  string
	upstream string

	overridden bool

	triedEndpoints map[string]struct{}
}

func newRequestContext(r *http.Request, now time.Time) *requestContext {
	return &requestContext{
		start:          now,
		requestID:      uuid.NewString(),
		host:           r.Host,
		method:         r.Method,
		uriPath:        r.URL.Path,
		remoteAddr:     r.RemoteAddr,
		triedEndpoints: make(map[string]struct{}),
	}
}

func (rc *requestContext) markTried(endpoint string) {
	rc.triedEndpoints[endpoint] = struct{}{}
}

func (rc *requestContext) tried(endpoint string) bool {
	_, ok := rc.triedEndpoints[endpoint]
	return ok
}
