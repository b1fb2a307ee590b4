package streaming

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/types"
)

func TestPublishAssignsMonotonicOffsetsPerPartition(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "orders", Partitions: 1}))

	_, off0, err := e.Publish("orders", "", &types.StreamEvent{EventType: "created"})
	require.NoError(t, err)
	_, off1, err := e.Publish("orders", "", &types.StreamEvent{EventType: "updated"})
	require.NoError(t, err)

	require.Equal(t, int64(0), off0)
	require.Equal(t, int64(1), off1)
}

func TestPublishHashPartitionerIsStableForSameKey(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "orders", Partitions: 8, Partitioner: types.PartitionHash}))

	p1, _, err := e.Publish("orders", "customer-42", &types.StreamEvent{EventType: "x"})
	require.NoError(t, err)
	p2, _, err := e.Publish("orders", "customer-42", &types.StreamEvent{EventType: "y"})
	require.NoError(t, err)

	require.Equal(t, p1, p2)
}

func TestPublishUnknownStreamReturnsError(t *testing.T) {
	e := New(nil)
	_, _, err := e.Publish("ghost", "", &types.StreamEvent{})
	require.Error(t, err)
}

func TestJoinGroupAssignsEveryPartitionToExactlyOneMember(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 4}))

	require.NoError(t, e.JoinGroup("g1", "m1", []string{"s"}))
	require.NoError(t, e.JoinGroup("g1", "m2", []string{"s"}))

	e.mu.RLock()
	g := e.groups["g1"]
	owners := make(map[int]int)
	for _, m := range g.Members {
		for _, a := range m.Assignments["s"] {
			owners[a.Partition]++
		}
	}
	e.mu.RUnlock()

	require.Len(t, owners, 4)
	for p, count := range owners {
		require.Equalf(t, 1, count, "partition %d owned by %d members", p, count)
	}
}

func TestLeaveGroupReassignsOrphanedPartitions(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 2}))
	require.NoError(t, e.JoinGroup("g1", "m1", []string{"s"}))
	require.NoError(t, e.JoinGroup("g1", "m2", []string{"s"}))

	require.NoError(t, e.LeaveGroup("g1", "m2"))

	e.mu.RLock()
	g := e.groups["g1"]
	total := 0
	for _, m := range g.Members {
		total += len(m.Assignments["s"])
	}
	e.mu.RUnlock()

	require.Equal(t, 2, total)
}

func TestSubscribeAdvancesOffsetsOnSuccess(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 1}))
	require.NoError(t, e.JoinGroup("g1", "m1", []string{"s"}))
	for i := 0; i < 3; i++ {
		_, _, err := e.Publish("s", "", &types.StreamEvent{EventType: "e"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var received []*types.StreamEvent
	require.NoError(t, e.Subscribe("g1", "m1", 10, true, func(batch []*types.StreamEvent) error {
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		return nil
	}))
	defer e.StopSubscription("m1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeHaltsOnProcessingError(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 1}))
	require.NoError(t, e.JoinGroup("g1", "m1", []string{"s"}))
	_, _, err := e.Publish("s", "", &types.StreamEvent{EventType: "e"})
	require.NoError(t, err)

	var calls int
	var mu sync.Mutex
	require.NoError(t, e.Subscribe("g1", "m1", 10, false, func(batch []*types.StreamEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return fmt.Errorf("boom")
	}))
	defer e.StopSubscription("m1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	finalCalls := calls
	mu.Unlock()
	require.LessOrEqual(t, finalCalls, 2)

	e.mu.RLock()
	member := e.groups["g1"].Members[0]
	status := member.Status
	e.mu.RUnlock()
	require.Equal(t, types.ConsumerGroupMemberError, status)
}

func TestRetentionDropsEventsPastRetentionHours(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 1, RetentionHours: 1, CleanupPolicy: types.CleanupDelete}))

	old := &types.StreamEvent{EventType: "old", Timestamp: time.Now().Add(-2 * time.Hour)}
	_, _, err := e.Publish("s", "", old)
	require.NoError(t, err)
	fresh := &types.StreamEvent{EventType: "fresh", Timestamp: time.Now()}
	_, _, err = e.Publish("s", "", fresh)
	require.NoError(t, err)

	e.applyRetention()

	depth, err := e.PartitionDepth("s", 0)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestProjectionCheckpointsAndSnapshots(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "orders", Partitions: 1}))
	_, _, err := e.Publish("orders", "", &types.StreamEvent{EventType: "created", Timestamp: time.Now()})
	require.NoError(t, err)

	proj := &types.Projection{
		ID:                   "count",
		Stream:               "orders",
		CheckpointIntervalMs: 10,
		Fn: func(state map[string]any, ev *types.StreamEvent) map[string]any {
			count, _ := state["count"].(float64)
			return map[string]any{"count": count + 1}
		},
	}
	require.NoError(t, e.CreateProjection(proj))
	defer e.StopProjection("count")

	require.Eventually(t, func() bool {
		snap, ok := e.LatestSnapshot("count")
		return ok && snap.Version == 0
	}, time.Second, 10*time.Millisecond)

	snap, ok := e.LatestSnapshot("count")
	require.True(t, ok)
	require.NotEmpty(t, snap.Checksum)
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]map[string][]byte)}
}

func (f *fakeStore) Put(bucket, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[bucket] == nil {
		f.data[bucket] = make(map[string][]byte)
	}
	f.data[bucket][key] = value
	return nil
}

func (f *fakeStore) Get(bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[bucket][key], nil
}

func (f *fakeStore) Delete(bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[bucket], key)
	return nil
}

func (f *fakeStore) ForEach(bucket string, fn func(key string, value []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.data[bucket] {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) ForEachRange(bucket, startKey, endKey string, fn func(key string, value []byte) error) error {
	return f.ForEach(bucket, fn)
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) count(bucket string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data[bucket])
}

func TestStoreWriteThroughPersistsPublishedEvents(t *testing.T) {
	e := New(nil)
	store := newFakeStore()
	e.SetStore(store)

	require.NoError(t, e.CreateStream(types.Stream{Name: "orders", Partitions: 1}))
	_, _, err := e.Publish("orders", "", &types.StreamEvent{EventType: "created"})
	require.NoError(t, err)
	_, _, err = e.Publish("orders", "", &types.StreamEvent{EventType: "updated"})
	require.NoError(t, err)

	require.Equal(t, 2, store.count(partitionBucket("orders", 0)))
}

func TestStoreWriteThroughPersistsSnapshots(t *testing.T) {
	e := New(nil)
	store := newFakeStore()
	e.SetStore(store)

	require.NoError(t, e.CreateStream(types.Stream{Name: "orders", Partitions: 1}))
	_, _, err := e.Publish("orders", "", &types.StreamEvent{EventType: "created", Timestamp: time.Now()})
	require.NoError(t, err)

	proj := &types.Projection{
		ID:                   "count",
		Stream:               "orders",
		CheckpointIntervalMs: 10,
		Fn: func(state map[string]any, ev *types.StreamEvent) map[string]any {
			count, _ := state["count"].(float64)
			return map[string]any{"count": count + 1}
		},
	}
	require.NoError(t, e.CreateProjection(proj))
	defer e.StopProjection("count")

	require.Eventually(t, func() bool {
		return store.count("projections") > 0
	}, time.Second, 10*time.Millisecond)
}

func TestPartitionOutOfRangeReturnsError(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.CreateStream(types.Stream{Name: "s", Partitions: 1}))
	_, err := e.PartitionDepth("s", 5)
	require.Error(t, err)
}
