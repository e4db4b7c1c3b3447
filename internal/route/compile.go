package route

import (
	"fmt"
	"regexp"
	"strings"

	"hermes/internal/config"
	"hermes/internal/filter"
	"hermes/internal/ratelimit"
)

// Compile builds an immutable Compiled route from its wire config,
// pre-compiling header matchers, the weighted cluster selector, and the
// filter chain once so the hot path never touches raw config (spec
// §4.7, component G). limiter is shared across every compiled route
// that carries a rate_limit block.
func Compile(rc config.RouteConfig, limiter *ratelimit.Limiter) (*Compiled, error) {
	compiled := &Compiled{
		Name:                  rc.Name,
		URI:                   rc.URI,
		Priority:              rc.Priority,
		ClusterOverrideHeader: rc.ClusterOverrideHeader,
		RequestHeaderOps:      rc.RequestHeaderOps,
		ResponseHeaderOps:     rc.ResponseHeaderOps,
		MaxBodyBytes:          rc.MaxBodyBytes,
		EnableCompression:     rc.EnableCompression,
	}

	if len(rc.Methods) > 0 {
		compiled.Methods = make(map[string]struct{}, len(rc.Methods))
		for _, m := range rc.Methods {
			compiled.Methods[strings.ToUpper(m)] = struct{}{}
		}
	}

	for _, hm := range rc.Headers {
		matcher := HeaderMatcher{
			Name:   strings.ToLower(hm.Name),
			Kind:   hm.Kind,
			Value:  hm.Value,
			Invert: hm.Invert,
		}
		if hm.Kind == config.HeaderRegex {
			re, err := regexp.Compile(hm.Value)
			if err != nil {
				return nil, fmt.Errorf("route %q: compile header regex %q: %w", rc.Name, hm.Value, err)
			}
			matcher.Regex = re
		}
		compiled.Headers = append(compiled.Headers, matcher)
	}

	compiled.ClusterSelector = NewWeightedSelector(rc.Clusters)

	if rc.RateLimit != nil {
		compiled.Filters = append(compiled.Filters, &filter.RateLimitFilter{
			RouteName: rc.Name,
			Cfg:       *rc.RateLimit,
			Limiter:   limiter,
		})
	}

	return compiled, nil
}
