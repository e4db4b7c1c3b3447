package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluatorCachingAndTTL(t *testing.T) {
	var calls int
	p := ProbeFunc(func(ctx context.Context) ProbeResult { calls++; return Healthy("route-table") })
	ev := NewEvaluator(50*time.Millisecond, p)
	s1 := ev.Evaluate(context.Background())
	s2 := ev.Evaluate(context.Background())
	require.Equal(t, 1, calls)
	require.Equal(t, StatusHealthy, s1.Overall)
	require.Equal(t, StatusHealthy, s2.Overall)

	time.Sleep(60 * time.Millisecond)
	ev.Evaluate(context.Background())
	require.Equal(t, 2, calls)
}

func TestEvaluatorRollupDegraded(t *testing.T) {
	p1 := ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("kv-watch") })
	p2 := ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("cluster-c1", "health check lag") })
	ev := NewEvaluator(0, p1, p2)
	s := ev.Evaluate(context.Background())
	require.Equal(t, StatusDegraded, s.Overall)
}

func TestEvaluatorRollupUnhealthy(t *testing.T) {
	p1 := ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("kv-watch") })
	p2 := ProbeFunc(func(ctx context.Context) ProbeResult { return Unhealthy("cluster-c1", "all nodes breaker-open") })
	ev := NewEvaluator(0, p1, p2)
	s := ev.Evaluate(context.Background())
	require.Equal(t, StatusUnhealthy, s.Overall)
}

func TestEvaluatorUnknownWithNoProbes(t *testing.T) {
	ev := NewEvaluator(0)
	s := ev.Evaluate(context.Background())
	require.Equal(t, StatusUnknown, s.Overall)
}
