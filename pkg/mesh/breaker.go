package mesh

import (
	"sync"
	"time"

	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/types"
)

const (
	failureThreshold = 5
	cooldown         = 30 * time.Second
)

// breakerTable is the side map of per-instance CircuitBreakerState the
// "cyclic references" redesign note (spec.md §9) calls for: the mesh never
// holds a pointer into the registry's instance, only an instance_id key
// into this table.
type breakerTable struct {
	mu    sync.Mutex
	state map[string]*types.CircuitBreakerState
}

func newBreakerTable() *breakerTable {
	return &breakerTable{state: make(map[string]*types.CircuitBreakerState)}
}

// allow reports whether a call may proceed against instanceID, per the
// state table in §4.2.3. A half-open transition (computed here) permits
// exactly one probe; the caller's subsequent recordSuccess/recordFailure
// resolves it.
func (b *breakerTable) allow(instanceID string) (bool, *ferrors.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[instanceID]
	if !ok {
		st = &types.CircuitBreakerState{InstanceID: instanceID, State: types.CircuitClosed}
		b.state[instanceID] = st
	}

	switch st.State {
	case types.CircuitOpen:
		now := time.Now()
		if now.Before(st.NextAttemptAt) {
			recordGauge(instanceID, st.State)
			return false, ferrors.New(ferrors.TagCircuitOpen, "circuit open for instance "+instanceID).
				WithRetryAfter(st.NextAttemptAt.Sub(now))
		}
		st.State = types.CircuitHalfOpen
		recordGauge(instanceID, st.State)
		return true, nil
	default:
		return true, nil
	}
}

func (b *breakerTable) recordSuccess(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(instanceID)
	st.State = types.CircuitClosed
	st.ConsecutiveFails = 0
	recordGauge(instanceID, st.State)
}

func (b *breakerTable) recordFailure(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(instanceID)
	st.LastFailureAt = time.Now()

	switch st.State {
	case types.CircuitHalfOpen:
		st.State = types.CircuitOpen
		st.NextAttemptAt = time.Now().Add(cooldown)
	default: // closed
		st.ConsecutiveFails++
		if st.ConsecutiveFails >= failureThreshold {
			st.State = types.CircuitOpen
			st.NextAttemptAt = time.Now().Add(cooldown)
		}
	}
	recordGauge(instanceID, st.State)
}

func (b *breakerTable) getLocked(instanceID string) *types.CircuitBreakerState {
	st, ok := b.state[instanceID]
	if !ok {
		st = &types.CircuitBreakerState{InstanceID: instanceID, State: types.CircuitClosed}
		b.state[instanceID] = st
	}
	return st
}

// snapshot returns a copy of an instance's breaker state, for diagnostics.
func (b *breakerTable) snapshot(instanceID string) types.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.getLocked(instanceID)
}

func recordGauge(instanceID string, state types.CircuitState) {
	var v float64
	switch state {
	case types.CircuitClosed:
		v = 0
	case types.CircuitHalfOpen:
		v = 1
	case types.CircuitOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(instanceID).Set(v)
}
