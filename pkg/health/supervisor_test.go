package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluxgate/fabric/pkg/types"
)

func ok(d time.Duration) Result  { return Result{Healthy: true, CheckedAt: time.Now(), Duration: d} }
func bad(d time.Duration) Result { return Result{Healthy: false, CheckedAt: time.Now(), Duration: d} }

func TestStatusStartingTransitions(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}

	s := NewStatus()
	next, changed := s.Apply(ok(0), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusHealthy, next)

	s2 := NewStatus()
	next2, changed2 := s2.Apply(bad(0), cfg)
	assert.True(t, changed2)
	assert.Equal(t, types.StatusUnhealthy, next2)
}

func TestHealthyDegradesOnFirstFailure(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}
	s := &Status{Current: types.StatusHealthy}

	next, changed := s.Apply(bad(0), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusDegraded, next)
}

func TestDegradedBecomesUnhealthyAfterThreshold(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}
	s := &Status{Current: types.StatusDegraded, ConsecutiveFailures: 1}

	_, changed := s.Apply(bad(0), cfg)
	assert.False(t, changed) // 2 consecutive failures, below threshold of 3

	next, changed := s.Apply(bad(0), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusUnhealthy, next)
}

func TestDegradedRecoversToHealthyOnSuccess(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}
	s := &Status{Current: types.StatusDegraded, ConsecutiveFailures: 1}

	next, changed := s.Apply(ok(0), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusHealthy, next)
}

func TestUnhealthyRequiresRecoveryThreshold(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}
	s := &Status{Current: types.StatusUnhealthy}

	_, changed := s.Apply(ok(0), cfg)
	assert.False(t, changed) // 1 success, below recovery threshold of 2

	next, changed := s.Apply(ok(0), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusHealthy, next)
}

func TestUnhealthyResetsSuccessStreakOnFailure(t *testing.T) {
	cfg := types.HealthCheckConfig{FailureThreshold: 3, RecoveryThreshold: 2}
	s := &Status{Current: types.StatusUnhealthy}

	s.Apply(ok(0), cfg)
	s.Apply(bad(0), cfg)
	assert.Equal(t, 0, s.ConsecutiveSuccesses)

	next, changed := s.Apply(ok(0), cfg)
	assert.False(t, changed)
	assert.Equal(t, types.StatusUnhealthy, next)
}

func TestHealthyDegradesOnSlowResponse(t *testing.T) {
	cfg := types.HealthCheckConfig{ResponseTimeCriticalMs: 100}
	s := &Status{Current: types.StatusHealthy}

	next, changed := s.Apply(ok(250*time.Millisecond), cfg)
	assert.True(t, changed)
	assert.Equal(t, types.StatusDegraded, next)
}
