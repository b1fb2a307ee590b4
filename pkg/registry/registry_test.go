package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/types"
)

func TestRegisterDiscoverDeregisterRoundTrip(t *testing.T) {
	r := New(events.NewEmitter())

	id, err := r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	found := r.Discover(Query{ServiceName: "orders"})
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].InstanceID)
	assert.Equal(t, types.StatusStarting, found[0].Status)

	ok, err := r.Deregister(id)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, r.Discover(Query{ServiceName: "orders"}))
}

func TestRegisterRejectsDuplicateHostPort(t *testing.T) {
	r := New(nil)
	_, err := r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	_, err = r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.Error(t, err)
	assert.True(t, ferrors.HasTag(err, ferrors.TagDuplicateInstance))
}

func TestHeartbeatUpdatesMetricsAndIsNoopForUnknown(t *testing.T) {
	r := New(nil)
	id, err := r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	ok := r.Heartbeat(id, &types.InstanceMetrics{RequestCount: 42})
	assert.True(t, ok)
	assert.Equal(t, int64(42), r.Get(id).Metrics.RequestCount)

	assert.False(t, r.Heartbeat("no-such-instance", nil))
}

func TestSelectReturnsNilWithNoCandidates(t *testing.T) {
	r := New(nil)
	inst, err := r.Select("ghost", types.SelectionStrategy{Algorithm: types.AlgoRoundRobin}, types.SelectionContext{})
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestSelectExcludesUnhealthyAndIncrementsConnections(t *testing.T) {
	r := New(nil)
	id, err := r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	r.mu.Lock()
	r.instances[id].Status = types.StatusUnhealthy
	r.mu.Unlock()

	inst, err := r.Select("orders", types.SelectionStrategy{Algorithm: types.AlgoRoundRobin, HealthyOnly: true}, types.SelectionContext{})
	require.NoError(t, err)
	assert.Nil(t, inst)

	r.mu.Lock()
	r.instances[id].Status = types.StatusHealthy
	r.mu.Unlock()

	inst, err = r.Select("orders", types.SelectionStrategy{Algorithm: types.AlgoRoundRobin}, types.SelectionContext{})
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, r.Get(id).ConnectionCount)

	r.Release(id)
	assert.Equal(t, 0, r.Get(id).ConnectionCount)
}

func TestReleaseClampsAtZero(t *testing.T) {
	r := New(nil)
	id, err := r.Register(InstanceConfig{ServiceName: "orders", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	r.Release(id)
	assert.Equal(t, 0, r.Get(id).ConnectionCount)
}

func TestDiscoverFiltersByTagsAndMetadata(t *testing.T) {
	r := New(nil)
	_, err := r.Register(InstanceConfig{
		ServiceName: "orders", Host: "10.0.0.1", Port: 8080,
		Tags: []string{"canary"}, Metadata: map[string]string{"region": "us-east"},
	})
	require.NoError(t, err)
	_, err = r.Register(InstanceConfig{
		ServiceName: "orders", Host: "10.0.0.2", Port: 8080,
		Tags: []string{"stable"}, Metadata: map[string]string{"region": "us-west"},
	})
	require.NoError(t, err)

	canary := r.Discover(Query{ServiceName: "orders", Tags: []string{"canary"}})
	require.Len(t, canary, 1)
	assert.Equal(t, "10.0.0.1", canary[0].Host)

	west := r.Discover(Query{ServiceName: "orders", Metadata: map[string]string{"region": "us-west"}})
	require.Len(t, west, 1)
	assert.Equal(t, "10.0.0.2", west[0].Host)
}

func TestDeregisterUnknownInstanceReturnsFalse(t *testing.T) {
	r := New(nil)
	ok, err := r.Deregister("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}
