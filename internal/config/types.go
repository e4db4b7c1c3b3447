// Package config holds the domain configuration schema (spec §6) and
// the event types the config source (etcd) and applier (K) exchange.
package config

import (
	"encoding/json"
	"strconv"
	"time"
)

// DomainConfig is the JSON-encoded value stored under /hermes/domains/<name>.
type DomainConfig struct {
	Name   string        `json:"name"`
	Hosts  []string      `json:"hosts"`
	Routes []RouteConfig `json:"routes"`
}

// RouteConfig is one route within a domain.
type RouteConfig struct {
	Name     string            `json:"name"`
	URI      string            `json:"uri"`
	Priority int               `json:"priority"`
	Methods  []string          `json:"methods,omitempty"`
	Headers  []HeaderMatch     `json:"headers,omitempty"`
	Status   int               `json:"status"` // 0 = disabled, excluded at build time
	Clusters []WeightedCluster `json:"clusters"`

	ClusterOverrideHeader string `json:"cluster_override_header,omitempty"`

	RequestHeaderOps  []HeaderOp `json:"request_header_ops,omitempty"`
	ResponseHeaderOps []HeaderOp `json:"response_header_ops,omitempty"`

	MaxBodyBytes      int64 `json:"max_body_bytes,omitempty"`
	EnableCompression bool  `json:"enable_compression,omitempty"`

	RateLimit *RateLimitConfig `json:"rate_limit,omitempty"`
}

// HeaderMatchKind selects how HeaderMatch.Value is interpreted.
type HeaderMatchKind string

const (
	HeaderExact   HeaderMatchKind = "exact"
	HeaderPrefix  HeaderMatchKind = "prefix"
	HeaderRegex   HeaderMatchKind = "regex"
	HeaderPresent HeaderMatchKind = "present"
)

// HeaderMatch is one uncompiled header filter.
type HeaderMatch struct {
	Name   string          `json:"name"`
	Kind   HeaderMatchKind `json:"kind"`
	Value  string          `json:"value,omitempty"`
	Invert bool            `json:"invert,omitempty"`
}

// HeaderOpAction enumerates the transform actions for request/response
// header ops.
type HeaderOpAction string

const (
	HeaderSet    HeaderOpAction = "set"
	HeaderAdd    HeaderOpAction = "add"
	HeaderRemove HeaderOpAction = "remove"
)

// HeaderOp is one pre-compiled request/response header transform.
type HeaderOp struct {
	Name   string         `json:"name"`
	Value  string         `json:"value,omitempty"`
	Action HeaderOpAction `json:"action"`
}

// WeightedCluster is one entry in a route's weighted cluster selector.
type WeightedCluster struct {
	Cluster string `json:"cluster"`
	Weight  int    `json:"weight"`
}

// LBKind enumerates load balancer variants (spec §4.1 / §6).
type LBKind string

const (
	LBRoundRobin    LBKind = "roundrobin"
	LBRandom        LBKind = "random"
	LBLeastRequest  LBKind = "least_request"
	LBPeakEWMA      LBKind = "peak_ewma"
)

// PassHostMode controls how the upstream Host header is set (spec §4.9).
type PassHostMode string

const (
	PassHostPass    PassHostMode = "pass"
	PassHostNode    PassHostMode = "node"
	PassHostRewrite PassHostMode = "rewrite"
)

// TimeoutConfig holds the three upstream phase timeouts, in seconds in the
// wire format but converted to time.Duration at load time.
type TimeoutConfig struct {
	Connect time.Duration `json:"connect"`
	Send    time.Duration `json:"send"`
	Read    time.Duration `json:"read"`
}

// KeepalivePoolConfig sizes the per-cluster HTTP client's connection pool.
type KeepalivePoolConfig struct {
	IdleTimeout time.Duration `json:"idle_timeout"`
	Requests    int           `json:"requests"`
	Size        int           `json:"size"`
}

// ActiveHealthCheckConfig configures component M's probes for one cluster.
type ActiveHealthCheckConfig struct {
	Enabled         bool          `json:"enabled"`
	Interval        time.Duration `json:"interval"`
	Path            string        `json:"path"`
	Threshold       int           `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
	Concurrency     int           `json:"concurrency"`
	HealthyStatuses []int         `json:"healthy_statuses"`
}

// HealthCheckConfig wraps the active check plus the documented-but-dead
// `passive` field (spec §9 Open Questions) kept only for wire compatibility.
type HealthCheckConfig struct {
	Active  ActiveHealthCheckConfig `json:"active"`
	Passive json.RawMessage         `json:"passive,omitempty"`
}

// RetryConfig controls upstream retry policy.
type RetryConfig struct {
	Count                  int   `json:"count"`
	RetryOnStatuses        []int `json:"retry_on_statuses"`
	RetryOnConnectFailure  bool  `json:"retry_on_connect_failure"`
	RetryOnTimeout         bool  `json:"retry_on_timeout"`
}

// CircuitBreakerConfig mirrors breaker.Config in the wire schema.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenDurationSecs time.Duration `json:"open_duration_secs"`
}

// DiscoveryType selects the source of a cluster's discovered node list.
type DiscoveryType string

const (
	DiscoveryNone   DiscoveryType = ""
	DiscoveryConsul DiscoveryType = "consul"
)

// ConsulDiscoveryConfig configures component in §4.15.
type ConsulDiscoveryConfig struct {
	ServiceName      string            `json:"service_name"`
	PollInterval     time.Duration     `json:"poll_interval_secs"`
	MetadataMatch    map[string]string `json:"metadata_match,omitempty"`
}

// UpstreamNode is one static or discovered backend target.
type UpstreamNode struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Endpoint returns the node's "host:port" identity string, built on each
// call.
func (n UpstreamNode) Endpoint() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// ClusterConfig is the JSON-encoded value stored under /hermes/clusters/<name>.
type ClusterConfig struct {
	Name          string                `json:"name"`
	Type          LBKind                `json:"type"`
	Timeout       TimeoutConfig         `json:"timeout"`
	Scheme        string                `json:"scheme"`
	PassHost      PassHostMode          `json:"pass_host"`
	UpstreamHost  string                `json:"upstream_host,omitempty"`
	Nodes         []UpstreamNode        `json:"nodes"`
	KeepalivePool KeepalivePoolConfig   `json:"keepalive_pool"`
	HealthCheck   *HealthCheckConfig    `json:"health_check,omitempty"`
	Retry         *RetryConfig          `json:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
	TLSVerify     bool                  `json:"tls_verify"`
	DiscoveryType DiscoveryType         `json:"discovery_type,omitempty"`
	Consul        *ConsulDiscoveryConfig `json:"consul,omitempty"`
}

// RateLimitMode selects token-bucket vs sliding-window semantics.
type RateLimitMode string

const (
	RateLimitReq   RateLimitMode = "req"
	RateLimitCount RateLimitMode = "count"
)

// RateLimitKeyMode selects the extraction key (spec §4.8).
type RateLimitKeyMode string

const (
	KeyRoute      RateLimitKeyMode = "route"
	KeyURI        RateLimitKeyMode = "uri"
	KeyRemoteAddr RateLimitKeyMode = "remote_addr"
	KeyHostURI    RateLimitKeyMode = "host_uri"
)

// RateLimitConfig is the per-route rate-limit filter configuration.
type RateLimitConfig struct {
	Mode         RateLimitMode    `json:"mode"`
	Rate         float64          `json:"rate,omitempty"`
	Burst        int              `json:"burst,omitempty"`
	Count        int              `json:"count,omitempty"`
	TimeWindow   time.Duration    `json:"time_window,omitempty"`
	Key          RateLimitKeyMode `json:"key,omitempty"`
	RejectedCode int              `json:"rejected_code,omitempty"`
}

// Defaults applies the documented defaults (spec §6) to a zero-value
// ClusterConfig in place.
func (c *ClusterConfig) Defaults() {
	if c.Type == "" {
		c.Type = LBRoundRobin
	}
	if c.Timeout.Connect == 0 {
		c.Timeout.Connect = 6 * time.Second
	}
	if c.Timeout.Send == 0 {
		c.Timeout.Send = 6 * time.Second
	}
	if c.Timeout.Read == 0 {
		c.Timeout.Read = 6 * time.Second
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.PassHost == "" {
		c.PassHost = PassHostPass
	}
	if c.KeepalivePool.IdleTimeout == 0 {
		c.KeepalivePool.IdleTimeout = 60 * time.Second
	}
	if c.KeepalivePool.Requests == 0 {
		c.KeepalivePool.Requests = 1000
	}
	if c.KeepalivePool.Size == 0 {
		c.KeepalivePool.Size = 320
	}
}
