package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClosedStaysClosedBelowThreshold(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: time.Second})
	r.RecordFailure("a:1")
	r.RecordFailure("a:1")
	require.Equal(t, Closed, r.StateOf("a:1"))
	require.Equal(t, Allowed, r.Check("a:1"))
}

func TestOpensAtThresholdAndRejects(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: time.Minute})
	for i := 0; i < 3; i++ {
		r.RecordFailure("a:1")
	}
	require.Equal(t, Open, r.StateOf("a:1"))
	require.Equal(t, Rejected, r.Check("a:1"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.RecordFailure("a:1")
	r.RecordFailure("a:1")
	r.RecordSuccess("a:1")
	for i := 0; i < 4; i++ {
		r.RecordFailure("a:1")
	}
	require.Equal(t, Closed, r.StateOf("a:1"), "4 failures after a reset must stay below threshold 5")
}

func TestHalfOpenAfterOpenDurationThenCloses(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: 20 * time.Millisecond})
	r.RecordFailure("a:1")
	require.Equal(t, Open, r.StateOf("a:1"))
	require.Equal(t, Rejected, r.Check("a:1"))

	time.Sleep(25 * time.Millisecond)
	require.Equal(t, Probe, r.Check("a:1"))
	require.Equal(t, HalfOpen, r.StateOf("a:1"))

	// Subsequent concurrent callers also see Probe once HalfOpen is visible.
	require.Equal(t, Probe, r.Check("a:1"))

	r.RecordSuccess("a:1")
	require.Equal(t, HalfOpen, r.StateOf("a:1"))
	r.RecordSuccess("a:1")
	require.Equal(t, Closed, r.StateOf("a:1"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: 10 * time.Millisecond})
	r.RecordFailure("a:1")
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, Probe, r.Check("a:1"))
	r.RecordFailure("a:1")
	require.Equal(t, Open, r.StateOf("a:1"))
}

func TestRetainNodesPurgesEvicted(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.RecordFailure("a:1")
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		r.RecordFailure("b:1")
	}
	require.Equal(t, Open, r.StateOf("b:1"))
	r.RetainNodes(map[string]struct{}{"a:1": {}})
	require.Equal(t, Closed, r.StateOf("b:1")) // recreated fresh, proves old entry was purged
}
