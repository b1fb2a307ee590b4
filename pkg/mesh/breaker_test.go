package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/types"
)

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	bt := newBreakerTable()
	for i := 0; i < failureThreshold-1; i++ {
		bt.recordFailure("inst-1")
	}
	st := bt.snapshot("inst-1")
	require.Equal(t, types.CircuitClosed, st.State)
	require.Equal(t, failureThreshold-1, st.ConsecutiveFails)
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	bt := newBreakerTable()
	for i := 0; i < failureThreshold; i++ {
		bt.recordFailure("inst-1")
	}
	st := bt.snapshot("inst-1")
	require.Equal(t, types.CircuitOpen, st.State)

	allowed, err := bt.allow("inst-1")
	require.False(t, allowed)
	require.True(t, ferrors.HasTag(err, ferrors.TagCircuitOpen))
	require.Greater(t, err.RetryAfter, time.Duration(0))
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	bt := newBreakerTable()
	bt.mu.Lock()
	bt.state["inst-1"] = &types.CircuitBreakerState{
		InstanceID:    "inst-1",
		State:         types.CircuitOpen,
		NextAttemptAt: time.Now().Add(-time.Millisecond),
	}
	bt.mu.Unlock()

	allowed, err := bt.allow("inst-1")
	require.True(t, allowed)
	require.Nil(t, err)
	require.Equal(t, types.CircuitHalfOpen, bt.snapshot("inst-1").State)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	bt := newBreakerTable()
	bt.mu.Lock()
	bt.state["inst-1"] = &types.CircuitBreakerState{InstanceID: "inst-1", State: types.CircuitHalfOpen}
	bt.mu.Unlock()

	bt.recordSuccess("inst-1")
	st := bt.snapshot("inst-1")
	require.Equal(t, types.CircuitClosed, st.State)
	require.Equal(t, 0, st.ConsecutiveFails)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	bt := newBreakerTable()
	bt.mu.Lock()
	bt.state["inst-1"] = &types.CircuitBreakerState{InstanceID: "inst-1", State: types.CircuitHalfOpen}
	bt.mu.Unlock()

	bt.recordFailure("inst-1")
	st := bt.snapshot("inst-1")
	require.Equal(t, types.CircuitOpen, st.State)
	require.True(t, st.NextAttemptAt.After(time.Now()))
}
