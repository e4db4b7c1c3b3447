package pipeline

import (
	"net"
	"net/http"
	"strings"

	"hermes/internal/config"
)

// hopByHopHeaders are stripped before forwarding to an upstream node
// (spec §4.9 "Remove hop-by-hop headers").
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	// RFC 7230 §6.1: headers named by the Connection header are also
	// hop-by-hop and must be removed.
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// resolveClientIP takes the leftmost X-Forwarded-For value if present
// and parseable, else the TCP peer IP (spec §4.9).
func resolveClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	return peerIP(r.RemoteAddr)
}

func peerIP(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 {
		host := remoteAddr[:i]
		return strings.Trim(host, "[]")
	}
	return remoteAddr
}

// injectForwardingHeaders sets/overwrites the standard proxy headers
// (spec §4.9). X-Forwarded-Proto is only set when absent, honoring an
// upstream TLS terminator's value.
func injectForwardingHeaders(r *http.Request, clientIP string) {
	if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
		r.Header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		r.Header.Set("X-Forwarded-Proto", "http")
	}
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Real-IP", clientIP)
}

// applyHeaderOps runs a route's pre-compiled header-transform list in
// order (spec §4.7).
func applyHeaderOps(h http.Header, ops []config.HeaderOp) {
	for _, op := range ops {
		switch op.Action {
		case config.HeaderSet:
			h.Set(op.Name, op.Value)
		case config.HeaderAdd:
			h.Add(op.Name, op.Value)
		case config.HeaderRemove:
			h.Del(op.Name)
		}
	}
}

// setHostHeader sets the upstream Host header per pass_host mode (spec
// §4.9): pass keeps the client's value untouched, node uses the
// selected node's "host:port", rewrite uses upstream_host when set.
func setHostHeader(r *http.Request, mode config.PassHostMode, nodeEndpoint, upstreamHost string) {
	switch mode {
	case config.PassHostNode:
		r.Host = nodeEndpoint
	case config.PassHostRewrite:
		if upstreamHost != "" {
			r.Host = upstreamHost
		}
	}
	// PassHostPass: leave r.Host as the client's original value.
}

// upstreamURL builds "{scheme}://{host:port}{path_and_query}" (spec
// §4.9).
func upstreamURL(scheme, endpoint, pathAndQuery string) string {
	var b strings.Builder
	b.Grow(len(scheme) + 3 + len(endpoint) + len(pathAndQuery))
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(endpoint)
	b.WriteString(pathAndQuery)
	return b.String()
}
