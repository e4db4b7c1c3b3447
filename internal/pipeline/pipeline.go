package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"hermes/internal/breaker"
	"hermes/internal/cluster"
	"hermes/internal/clusterstore"
	"hermes/internal/config"
	"hermes/internal/filter"
	"hermes/internal/loadbalance"
	"hermes/internal/route"
	"hermes/internal/routing"
	"hermes/internal/telemetry/logging"
	"hermes/internal/telemetry/metrics"
)

// Metrics bundles the counters/histograms the pipeline observes on every
// request (spec §4.9 "Log and finalize").
type Metrics struct {
	NoRoute         metrics.Counter
	Requests        metrics.Histogram // latency, labeled domain/route/cluster/method/status
	UpstreamLatency metrics.Histogram
	ResponseBytes   metrics.Histogram
	RetryAttempts   metrics.Counter
	BreakerRejected metrics.Counter
}

// NewMetrics builds the metric set from a Provider.
func NewMetrics(p metrics.Provider) *Metrics {
	return &Metrics{
		NoRoute: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "no_route_total", Help: "Requests with no matching route",
		}}),
		Requests: p.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "request_duration_seconds", Help: "Request latency",
			Labels: []string{"domain", "route", "cluster", "method", "status"},
		}}),
		UpstreamLatency: p.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "upstream_duration_seconds", Help: "Upstream attempt latency",
			Labels: []string{"cluster", "upstream"},
		}}),
		ResponseBytes: p.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "response_bytes", Help: "Downstream response size",
		}}),
		RetryAttempts: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "retry_attempts_total", Help: "Upstream retry attempts",
		}}),
		BreakerRejected: p.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "hermes", Name: "breaker_rejected_total", Help: "Requests skipped due to an open breaker",
		}}),
	}
}

// Pipeline is component J: the single entry point that processes one
// accepted HTTP request. A live route-table snapshot is held behind an
// atomic pointer so an in-flight request keeps seeing the snapshot it
// started against even if a reload installs a new one mid-flight (spec
// invariant 1).
type Pipeline struct {
	table    atomic.Pointer[routing.Table]
	ready    atomic.Bool
	clusters *clusterstore.Store
	metrics  *Metrics
	log      logging.Logger
}

// New constructs a Pipeline. The route table starts empty; call
// SwapTable once the applier has built the first snapshot.
func New(clusters *clusterstore.Store, m *Metrics, log logging.Logger) *Pipeline {
	p := &Pipeline{clusters: clusters, metrics: m, log: log}
	p.table.Store(routing.NewTable())
	return p
}

// SwapTable atomically installs a new route-table snapshot (spec §7
// "copy-on-write"). The first call flips Ready, which /readyz reports.
func (p *Pipeline) SwapTable(t *routing.Table) {
	p.table.Store(t)
	p.ready.Store(true)
}

// Ready reports whether the applier has installed at least one
// route-table snapshot since startup.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Routes returns the currently installed route table's admin dump.
func (p *Pipeline) Routes() []routing.RouteSummary {
	return p.table.Load().Routes()
}

// ServeHTTP implements http.Handler, running the full phase sequence of
// spec §4.9.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	rc := newRequestContext(r, now)

	clientIP := resolveClientIP(r)
	rc.clientIP = clientIP
	rc.domain = r.Host
	injectForwardingHeaders(r, clientIP)
	w.Header().Set("X-Hermes-Request-Id", rc.requestID)

	// 1. Route match.
	table := p.table.Load()
	compiled, ok := table.Lookup(r.Host, r.URL.Path, r.Method, func(name string) (string, bool) {
		v := r.Header.Get(name)
		return v, v != ""
	})
	if !ok {
		p.metrics.NoRoute.Inc(1)
		p.writeJSONError(w, http.StatusNotFound, "no matching route")
		p.logAccess(r, rc, http.StatusNotFound, now)
		return
	}
	rc.route = compiled.Name

	// 2. On-request filters.
	fctx := &filter.RequestContext{
		RouteName:  compiled.Name,
		Method:     r.Method,
		URI:        r.URL.Path,
		Host:       r.Host,
		RemoteAddr: clientIP,
		Header:     r.Header,
	}
	for _, f := range compiled.Filters {
		result := f.OnRequest(fctx)
		if result.Verdict == filter.Reject {
			p.writeFilterRejection(w, result)
			p.logAccess(r, rc, result.Status, now)
			return
		}
	}

	// 3. Body-size guard.
	if compiled.MaxBodyBytes > 0 && r.ContentLength > compiled.MaxBodyBytes {
		p.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		p.logAccess(r, rc, http.StatusRequestEntityTooLarge, now)
		return
	}

	// 4. Cluster selection.
	clusterName, overridden := p.selectCluster(r, compiled)
	rc.cluster = clusterName
	rc.overridden = overridden
	if clusterName == "" {
		p.writeJSONError(w, http.StatusServiceUnavailable, "no cluster resolved")
		p.logAccess(r, rc, http.StatusServiceUnavailable, now)
		return
	}
	c, ok := p.clusters.Get(clusterName)
	if !ok {
		p.writeJSONError(w, http.StatusServiceUnavailable, "cluster not found")
		p.logAccess(r, rc, http.StatusServiceUnavailable, now)
		return
	}

	// 5. Request header transforms.
	applyHeaderOps(r.Header, compiled.RequestHeaderOps)

	// 6. Upstream loop.
	resp, status := p.upstreamLoop(r, c, rc, compiled)
	if resp == nil {
		p.writeJSONError(w, status, "upstream unavailable")
		p.logAccess(r, rc, status, now)
		return
	}
	defer resp.Body.Close()

	// 7. Downstream response build.
	applyHeaderOps(resp.Header, compiled.ResponseHeaderOps)
	for _, f := range compiled.Filters {
		f.OnResponse(fctx, resp)
	}
	written := p.writeDownstreamResponse(w, r, resp, compiled, overridden, clusterName)
	p.metrics.ResponseBytes.Observe(float64(written))

	// 8. Log and finalize.
	p.logAccess(r, rc, resp.StatusCode, now)
	p.metrics.Requests.Observe(time.Since(now).Seconds(), rc.domain, rc.route, rc.cluster, rc.method, strconv.Itoa(resp.StatusCode))
}

func (p *Pipeline) selectCluster(r *http.Request, compiled *route.Compiled) (name string, overridden bool) {
	if compiled.ClusterOverrideHeader != "" {
		if v := r.Header.Get(compiled.ClusterOverrideHeader); v != "" {
			if _, ok := p.clusters.Get(v); ok {
				return v, true
			}
			p.log.WarnCtx(r.Context(), "cluster override miss, falling back to weighted selection",
				"header", compiled.ClusterOverrideHeader, "value", v)
		}
	}
	if compiled.ClusterSelector != nil {
		if name, ok := compiled.ClusterSelector.Select(); ok {
			return name, false
		}
	}
	return "", false
}

// upstreamLoop implements phase 6 of spec §4.9: collect-or-stream the
// body, build a wall-clock deadline of send_timeout+read_timeout, and
// iterate up to 1+retry.count attempts across healthy, untried,
// non-rejected nodes.
func (p *Pipeline) upstreamLoop(r *http.Request, c *cluster.Cluster, rc *requestContext, compiled *route.Compiled) (*http.Response, int) {
	cfg := c.Config()
	budgetEnd := time.Now().Add(cfg.Timeout.Send + cfg.Timeout.Read)

	maxAttempts := 1
	var retry *config.RetryConfig
	if cfg.Retry != nil && cfg.Retry.Count > 0 {
		retry = cfg.Retry
		maxAttempts = 1 + cfg.Retry.Count
	}

	body, err := bufferBody(r, retry != nil, compiled.MaxBodyBytes)
	if err != nil {
		return nil, http.StatusRequestEntityTooLarge
	}

	lastStatus := http.StatusServiceUnavailable
	for attempt := 0; attempt < maxAttempts; attempt++ {
		remaining := time.Until(budgetEnd)
		if remaining <= 0 {
			return nil, http.StatusGatewayTimeout
		}

		guard, ok := selectHealthyNode(c, rc, p.metrics)
		if !ok {
			if attempt == 0 {
				return nil, http.StatusServiceUnavailable
			}
			return nil, lastStatus
		}
		node := guard.Node()
		rc.upstream = node.Endpoint
		rc.markTried(node.Endpoint)

		req, cancel, buildErr := buildUpstreamRequest(r, cfg, node.Endpoint, body, remaining)
		if buildErr != nil {
			guard.Release()
			return nil, http.StatusInternalServerError
		}

		attemptStart := time.Now()
		if rc.upstreamStart.IsZero() {
			rc.upstreamStart = attemptStart
		}
		resp, doErr := c.Client().Do(req)
		cancel()
		elapsed := time.Since(attemptStart)
		p.metrics.UpstreamLatency.Observe(elapsed.Seconds(), rc.cluster, node.Endpoint)

		if doErr != nil {
			c.MarkNodeUnhealthy(node.Endpoint)
			c.Breakers().RecordFailure(node.Endpoint)
			guard.ReportLatency(elapsed, true)
			guard.Release()

			timeout := isTimeoutErr(doErr)
			canRetry := retry != nil && attempt+1 < maxAttempts &&
				((timeout && retry.RetryOnTimeout) || (!timeout && retry.RetryOnConnectFailure))
			if canRetry {
				p.metrics.RetryAttempts.Inc(1)
				continue
			}
			if timeout {
				lastStatus = http.StatusGatewayTimeout
			} else {
				lastStatus = http.StatusBadGateway
			}
			return nil, lastStatus
		}

		guard.ReportLatency(elapsed, resp.StatusCode >= 500)
		guard.Release()

		if resp.StatusCode >= 500 {
			c.Breakers().RecordFailure(node.Endpoint)
		} else {
			c.Breakers().RecordSuccess(node.Endpoint)
			c.ResetHealthCount(node.Endpoint)
		}

		if retry != nil && attempt+1 < maxAttempts && statusIn(resp.StatusCode, retry.RetryOnStatuses) {
			p.metrics.RetryAttempts.Inc(1)
			resp.Body.Close()
			continue
		}
		return resp, resp.StatusCode
	}
	return nil, lastStatus
}

// bufferBody collects the full request body into memory when retries
// are enabled (a retried attempt needs to resend it); otherwise the body
// streams directly and no retry is possible (spec §4.9 phase 6).
func bufferBody(r *http.Request, retrying bool, maxBodyBytes int64) ([]byte, error) {
	if !retrying || r.Body == nil {
		return nil, nil
	}
	var limited io.Reader = r.Body
	if maxBodyBytes > 0 {
		limited = io.LimitReader(r.Body, maxBodyBytes+1)
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if maxBodyBytes > 0 && int64(len(data)) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return data, nil
}

var errBodyTooLarge = errors.New("buffered body exceeds max_body_bytes")

// buildUpstreamRequest builds the per-attempt outbound request: the
// upstream URI, the Host header per pass_host, hop-by-hop header
// removal, and a per-attempt timeout capped by the remaining deadline
// (spec §4.9 phase 6).
func buildUpstreamRequest(r *http.Request, cfg config.ClusterConfig, endpoint string, body []byte, remaining time.Duration) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(r.Context(), remaining)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = r.Body
	}

	target := upstreamURL(cfg.Scheme, endpoint, r.URL.RequestURI())
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bodyReader)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header = r.Header.Clone()
	stripHopByHop(req.Header)
	req.Host = r.Host
	setHostHeader(req, cfg.PassHost, endpoint, cfg.UpstreamHost)
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	return req, cancel, nil
}

// selectHealthyNode implements node selection (spec §4.10): iterate up
// to the effective node count calling the LB's Select, skipping
// already-tried, unhealthy, or breaker-rejected candidates.
func selectHealthyNode(c *cluster.Cluster, rc *requestContext, m *Metrics) (loadbalance.Guard, bool) {
	nodeCount := len(c.EffectiveNodes())
	if nodeCount == 0 {
		nodeCount = 1
	}
	for i := 0; i < nodeCount; i++ {
		guard, ok := c.Balancer().Select()
		if !ok {
			return nil, false
		}
		node := guard.Node()
		if rc.tried(node.Endpoint) {
			guard.Release()
			continue
		}
		if !c.IsNodeHealthy(node.Endpoint) {
			guard.Release()
			continue
		}
		switch c.Breakers().Check(node.Endpoint) {
		case breaker.Rejected:
			guard.Release()
			m.BreakerRejected.Inc(1)
			continue
		default: // Allowed, Probe
			return guard, true
		}
	}
	return nil, false
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

func statusIn(status int, statuses []int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (p *Pipeline) writeDownstreamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, compiled *route.Compiled, overridden bool, clusterName string) int64 {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Hermes-Cluster", clusterName)
	if overridden {
		w.Header().Set("X-Hermes-Cluster-Override", "true")
	}

	enc := encodingNone
	if compiled.EnableCompression && resp.Header.Get("Content-Encoding") == "" {
		enc = negotiateEncoding(r.Header.Get("Accept-Encoding"))
	}
	if enc != encodingNone {
		prepareCompressedResponse(w.Header(), enc, r.ProtoMajor)
		w.WriteHeader(resp.StatusCode)
		cw := wrapEncoder(w, enc)
		n, _ := io.Copy(cw, resp.Body)
		cw.Close()
		return n
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func (p *Pipeline) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (p *Pipeline) writeFilterRejection(w http.ResponseWriter, result filter.Result) {
	for k, vv := range result.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	status := result.Status
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	w.WriteHeader(status)
	if len(result.Body) > 0 {
		w.Write(result.Body)
	}
}

func (p *Pipeline) logAccess(r *http.Request, rc *requestContext, status int, start time.Time) {
	p.log.InfoCtx(r.Context(), "access",
		"request_id", rc.requestID,
		"method", r.Method, "host", r.Host, "path", r.URL.Path,
		"domain", rc.domain, "route", rc.route, "cluster", rc.cluster,
		"upstream", rc.upstream, "status", status,
		"duration_ms", time.Since(start).Milliseconds(), "client_ip", rc.clientIP,
	)
}
