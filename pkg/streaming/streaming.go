// Package streaming implements the Event Streaming core: partitioned
// append-only logs, offset-based consumption, consumer-group rebalancing,
// time/size retention, and checkpointed projections. Its partition is an
// in-memory monotonically-indexed log modeled on the teacher's Raft-log
// `Apply`-over-an-index mental model, without Raft itself.
package streaming

import (
	"crypto/md5" //nolint:gosec
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/storage"
	"github.com/fluxgate/fabric/pkg/types"
)

const (
	retentionSweepInterval = 60 * time.Second
	pollInterval           = 100 * time.Millisecond
)

type partitionLog struct {
	events         []*types.StreamEvent
	logStartOffset int64
	nextOffset     int64
}

type streamState struct {
	cfg        types.Stream
	partitions []*partitionLog
}

type memberRuntime struct {
	stopCh chan struct{}
}

// Engine owns every stream, consumer group, and projection in one process.
type Engine struct {
	mu          sync.RWMutex
	streams     map[string]*streamState
	groups      map[string]*types.ConsumerGroup
	projections map[string]*types.Projection
	snapshots   map[string][]*types.Snapshot // projection_id -> newest last, capped at 10
	runtimes    map[string]*memberRuntime     // member_id -> subscription loop
	checkpoints map[string]chan struct{}      // projection_id -> stop signal

	emitter *events.Emitter
	store   storage.Store
	stopCh  chan struct{}
}

// New creates an empty Engine.
func New(emitter *events.Emitter) *Engine {
	return &Engine{
		streams:     make(map[string]*streamState),
		groups:      make(map[string]*types.ConsumerGroup),
		projections: make(map[string]*types.Projection),
		snapshots:   make(map[string][]*types.Snapshot),
		runtimes:    make(map[string]*memberRuntime),
		checkpoints: make(map[string]chan struct{}),
		emitter:     emitter,
		stopCh:      make(chan struct{}),
	}
}

// SetStore attaches a durable backend that published events and
// projection snapshots are write-through to, generalizing the teacher's
// boltdb.go bucket-per-entity layout to a bucket per stream partition
// (name "<stream>/<partition>") and a "projections" bucket for snapshots.
// A nil store (the default) keeps the engine purely in-memory.
func (e *Engine) SetStore(store storage.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

func partitionBucket(streamName string, partition int) string {
	return fmt.Sprintf("%s/%d", streamName, partition)
}

func offsetKey(offset int64) string {
	return fmt.Sprintf("%020d", offset)
}

func (e *Engine) persistEvent(streamName string, partition int, event *types.StreamEvent) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Logger.Warn().Err(err).Str("stream", streamName).Msg("failed to encode event for persistence")
		return
	}
	bucket := partitionBucket(streamName, partition)
	if err := e.store.Put(bucket, offsetKey(event.Offset), data); err != nil {
		log.Logger.Warn().Err(err).Str("stream", streamName).Int("partition", partition).Msg("failed to persist event")
	}
}

func (e *Engine) persistSnapshot(snap *types.Snapshot) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Logger.Warn().Err(err).Str("projection_id", snap.ProjectionID).Msg("failed to encode snapshot for persistence")
		return
	}
	key := fmt.Sprintf("%s/%020d", snap.ProjectionID, snap.Version)
	if err := e.store.Put("projections", key, data); err != nil {
		log.Logger.Warn().Err(err).Str("projection_id", snap.ProjectionID).Msg("failed to persist snapshot")
	}
}

// Start begins the retention sweep.
func (e *Engine) Start() {
	go e.retentionLoop()
}

// Stop ends the retention sweep and every consumer/projection loop.
func (e *Engine) Stop() {
	close(e.stopCh)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rt := range e.runtimes {
		close(rt.stopCh)
	}
	for _, stop := range e.checkpoints {
		close(stop)
	}
}

// CreateStream registers a new stream with its partitions initialized to
// offset 0.
func (e *Engine) CreateStream(cfg types.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.streams[cfg.Name]; exists {
		return ferrors.New(ferrors.TagDuplicateInstance, fmt.Sprintf("stream %q already exists", cfg.Name))
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Partitioner == "" {
		cfg.Partitioner = types.PartitionRoundRobin
	}
	cfg.CreatedAt = time.Now()

	partitions := make([]*partitionLog, cfg.Partitions)
	for i := range partitions {
		partitions[i] = &partitionLog{}
	}
	e.streams[cfg.Name] = &streamState{cfg: cfg, partitions: partitions}
	return nil
}

// Publish appends event to streamName, assigning its partition per the
// stream's partitioner and its offset atomically with the append (§4.4.1).
func (e *Engine) Publish(streamName, partitionKey string, event *types.StreamEvent) (int, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamName]
	if !ok {
		return 0, 0, ferrors.New(ferrors.TagStreamNotFound, streamName)
	}

	partition := choosePartition(s.cfg, partitionKey)
	if partition < 0 || partition >= len(s.partitions) {
		return 0, 0, ferrors.New(ferrors.TagPartitionOutOfRange, fmt.Sprintf("partition %d out of range for stream %q", partition, streamName))
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.StreamName = streamName
	event.Partition = partition

	p := s.partitions[partition]
	event.Offset = p.nextOffset
	p.events = append(p.events, event)
	p.nextOffset++
	e.persistEvent(streamName, partition, event)

	metrics.PartitionEndOffset.WithLabelValues(streamName, fmt.Sprintf("%d", partition)).Set(float64(p.nextOffset))
	metrics.EventsPublishedTotal.WithLabelValues(streamName).Inc()
	if e.emitter != nil {
		e.emitter.Emit(events.EventPublished, map[string]any{
			"stream": streamName, "event_id": event.ID, "partition": partition, "offset": event.Offset,
		})
	}
	return partition, event.Offset, nil
}

func choosePartition(cfg types.Stream, key string) int {
	n := cfg.Partitions
	if n <= 0 {
		return 0
	}
	switch cfg.Partitioner {
	case types.PartitionHash:
		if key == "" {
			return int(randN(n)) //nolint:gosec
		}
		sum := md5.Sum([]byte(key)) //nolint:gosec
		h := binary.BigEndian.Uint64(sum[0:8])
		return int(h % uint64(n))
	case types.PartitionRange:
		// reserved for future use; falls back to round-robin.
		fallthrough
	default:
		return int(randN(n)) //nolint:gosec
	}
}

func randN(n int) int32 {
	return int32(rand.Intn(n))
}

func (e *Engine) RecordsLag(groupID, memberID string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	g, ok := e.groups[groupID]
	if !ok {
		return 0, ferrors.New(ferrors.TagGroupRebalancing, groupID)
	}
	var lag int64
	for _, m := range g.Members {
		if m.ID != memberID {
			continue
		}
		for streamName, assignments := range m.Assignments {
			s, ok := e.streams[streamName]
			if !ok {
				continue
			}
			var streamLag int64
			for _, a := range assignments {
				if a.Partition < 0 || a.Partition >= len(s.partitions) {
					continue
				}
				streamLag += s.partitions[a.Partition].nextOffset - a.Offset
			}
			metrics.ConsumerLag.WithLabelValues(streamName, groupID).Set(float64(streamLag))
			lag += streamLag
		}
	}
	return lag, nil
}

// JoinGroup adds memberID as a subscriber to streamNames within groupID,
// creating the group if needed, and triggers a rebalance (§4.4.2).
func (e *Engine) JoinGroup(groupID, memberID string, streamNames []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.groups[groupID]
	if !ok {
		g = &types.ConsumerGroup{ID: groupID, State: types.GroupStable, Coordinator: memberID}
		e.groups[groupID] = g
	}

	for _, m := range g.Members {
		if m.ID == memberID {
			m.Subscribed = streamNames
			e.rebalanceLocked(g)
			return nil
		}
	}
	g.Members = append(g.Members, &types.GroupMember{
		ID:          memberID,
		Subscribed:  streamNames,
		Assignments: make(map[string][]types.PartitionAssignment),
	})
	e.rebalanceLocked(g)
	return nil
}

// LeaveGroup removes memberID from groupID and rebalances the remainder.
func (e *Engine) LeaveGroup(groupID, memberID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.groups[groupID]
	if !ok {
		return ferrors.New(ferrors.TagGroupRebalancing, groupID)
	}
	for i, m := range g.Members {
		if m.ID == memberID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			break
		}
	}
	e.rebalanceLocked(g)
	return nil
}

// rebalanceLocked implements §4.4.2's round-robin partition assignment.
// Caller holds e.mu.
func (e *Engine) rebalanceLocked(g *types.ConsumerGroup) {
	g.State = types.GroupPreparingRebalance
	g.GenerationID++

	type target struct {
		stream    string
		partition int
	}
	var targets []target
	subscribedStreams := make(map[string]struct{})
	for _, m := range g.Members {
		for _, s := range m.Subscribed {
			subscribedStreams[s] = struct{}{}
		}
	}
	for streamName := range subscribedStreams {
		s, ok := e.streams[streamName]
		if !ok {
			continue
		}
		for p := range s.partitions {
			targets = append(targets, target{stream: streamName, partition: p})
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].stream != targets[j].stream {
			return targets[i].stream < targets[j].stream
		}
		return targets[i].partition < targets[j].partition
	})

	previous := make(map[string]map[string][]types.PartitionAssignment)
	for _, m := range g.Members {
		previous[m.ID] = m.Assignments
		m.Assignments = make(map[string][]types.PartitionAssignment)
	}

	if len(g.Members) > 0 {
		for i, t := range targets {
			member := g.Members[i%len(g.Members)]
			offset := e.seedOffsetLocked(t.stream, t.partition, previous[member.ID])
			member.Assignments[t.stream] = append(member.Assignments[t.stream], types.PartitionAssignment{
				Partition: t.partition,
				Offset:    offset,
			})
		}
	}

	g.State = types.GroupStable
	metrics.RebalancesTotal.WithLabelValues(g.ID).Inc()
	if e.emitter != nil {
		e.emitter.Emit(events.ConsumerGroupRebalanced, map[string]any{
			"group_id": g.ID, "generation_id": g.GenerationID, "member_count": len(g.Members),
		})
	}
}

// seedOffsetLocked resumes a reassigned partition from its prior cursor, or
// the stream's log_start_offset for a partition never assigned to this
// member before. Caller holds e.mu.
func (e *Engine) seedOffsetLocked(streamName string, partition int, prior map[string][]types.PartitionAssignment) int64 {
	for _, a := range prior[streamName] {
		if a.Partition == partition {
			return a.Offset
		}
	}
	if s, ok := e.streams[streamName]; ok && partition < len(s.partitions) {
		return s.partitions[partition].logStartOffset
	}
	return 0
}

// Subscribe starts a 100ms poll loop (§4.4.3) for memberID: each tick it
// collects up to maxPollRecords events across the member's assignments
// starting at the stored offset, invokes fn, and advances offsets only on
// success. A processing error halts the loop and leaves the member's
// offsets where they were.
func (e *Engine) Subscribe(groupID, memberID string, maxPollRecords int, enableAutoCommit bool, fn func([]*types.StreamEvent) error) error {
	e.mu.Lock()
	if _, ok := e.groups[groupID]; !ok {
		e.mu.Unlock()
		return ferrors.New(ferrors.TagGroupRebalancing, groupID)
	}
	rt := &memberRuntime{stopCh: make(chan struct{})}
	e.runtimes[memberID] = rt
	e.mu.Unlock()

	go e.pollLoop(groupID, memberID, maxPollRecords, enableAutoCommit, fn, rt)
	return nil
}

// StopSubscription ends memberID's poll loop without leaving the group.
func (e *Engine) StopSubscription(memberID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.runtimes[memberID]; ok {
		close(rt.stopCh)
		delete(e.runtimes, memberID)
	}
}

// StopProjection ends a projection's checkpoint loop.
func (e *Engine) StopProjection(projectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop, ok := e.checkpoints[projectionID]; ok {
		close(stop)
		delete(e.checkpoints, projectionID)
	}
}

func (e *Engine) pollLoop(groupID, memberID string, maxPollRecords int, enableAutoCommit bool, fn func([]*types.StreamEvent) error, rt *memberRuntime) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !e.pollOnce(groupID, memberID, maxPollRecords, enableAutoCommit, fn) {
				return
			}
		case <-rt.stopCh:
			return
		case <-e.stopCh:
			return
		}
	}
}

// pollOnce runs one iteration of the consumption protocol. It returns false
// if the member entered the error state and the loop should stop.
func (e *Engine) pollOnce(groupID, memberID string, maxPollRecords int, enableAutoCommit bool, fn func([]*types.StreamEvent) error) bool {
	e.mu.Lock()
	g, ok := e.groups[groupID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	var member *types.GroupMember
	for _, m := range g.Members {
		if m.ID == memberID {
			member = m
			break
		}
	}
	if member == nil {
		e.mu.Unlock()
		return false
	}

	var batch []*types.StreamEvent
	consumed := make(map[string]map[int]int64) // stream -> partition -> new offset
	for streamName, assignments := range member.Assignments {
		s, ok := e.streams[streamName]
		if !ok {
			continue
		}
		for _, a := range assignments {
			if a.Partition >= len(s.partitions) {
				continue
			}
			p := s.partitions[a.Partition]
			offset := a.Offset
			for _, ev := range p.events {
				if len(batch) >= maxPollRecords {
					break
				}
				if ev.Offset < offset {
					continue
				}
				batch = append(batch, ev)
				offset = ev.Offset + 1
			}
			if consumed[streamName] == nil {
				consumed[streamName] = make(map[int]int64)
			}
			consumed[streamName][a.Partition] = offset
		}
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return true
	}

	if err := fn(batch); err != nil {
		e.mu.Lock()
		member.Status = types.ConsumerGroupMemberError
		e.mu.Unlock()
		log.Logger.Error().Err(err).Str("group", groupID).Str("member", memberID).Msg("consumer processing failed")
		return false
	}

	e.mu.Lock()
	for streamName, perPartition := range consumed {
		for i, a := range member.Assignments[streamName] {
			if newOffset, ok := perPartition[a.Partition]; ok {
				member.Assignments[streamName][i].Offset = newOffset
			}
		}
	}
	if enableAutoCommit {
		member.LastCommit = time.Now()
	}
	e.mu.Unlock()
	return true
}

func (e *Engine) retentionLoop() {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.applyRetention()
		case <-e.stopCh:
			return
		}
	}
}

// applyRetention drops prefix events past retention_hours, then trims from
// the tail backwards so the partition fits retention_bytes, per §4.4.4.
// compact is reserved and not implemented.
func (e *Engine) applyRetention() {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		if s.cfg.CleanupPolicy != types.CleanupDelete {
			continue
		}
		cutoff := now.Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
		for _, p := range s.partitions {
			if s.cfg.RetentionHours > 0 {
				trimmed := p.events[:0]
				dropped := 0
				for _, ev := range p.events {
					if ev.Timestamp.Before(cutoff) {
						dropped++
						continue
					}
					trimmed = append(trimmed, ev)
				}
				p.events = trimmed
				if dropped > 0 && len(p.events) > 0 {
					p.logStartOffset = p.events[0].Offset
				} else if dropped > 0 {
					p.logStartOffset = p.nextOffset
				}
			}
			if s.cfg.RetentionBytes > 0 {
				trimBySize(p, s.cfg.RetentionBytes)
			}
		}
	}
}

func trimBySize(p *partitionLog, maxBytes int64) {
	var total int64
	for _, ev := range p.events {
		total += int64(len(ev.Data))
	}
	i := 0
	for total > maxBytes && i < len(p.events) {
		total -= int64(len(p.events[i].Data))
		i++
	}
	if i > 0 {
		p.events = p.events[i:]
		if len(p.events) > 0 {
			p.logStartOffset = p.events[0].Offset
		}
	}
}

// CreateProjection registers proj and starts its checkpoint ticker, which
// folds new matching events into proj.State and snapshots it every
// checkpoint_interval_ms if anything changed (§4.4.5).
func (e *Engine) CreateProjection(proj *types.Projection) error {
	e.mu.Lock()
	if proj.ID == "" {
		proj.ID = uuid.NewString()
	}
	if proj.State == nil {
		proj.State = make(map[string]any)
	}
	proj.Status = types.ProjectionRunning
	e.projections[proj.ID] = proj
	stop := make(chan struct{})
	e.checkpoints[proj.ID] = stop
	e.mu.Unlock()

	interval := time.Duration(proj.CheckpointIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	go e.checkpointLoop(proj.ID, interval, stop)
	return nil
}

func (e *Engine) checkpointLoop(projectionID string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.checkpointOnce(projectionID)
		case <-stop:
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) checkpointOnce(projectionID string) {
	e.mu.Lock()
	proj, ok := e.projections[projectionID]
	if !ok || proj.Status != types.ProjectionRunning {
		e.mu.Unlock()
		return
	}
	s, ok := e.streams[proj.Stream]
	if !ok {
		e.mu.Unlock()
		return
	}

	var matched []*types.StreamEvent
	for _, p := range s.partitions {
		for _, ev := range p.events {
			if !ev.Timestamp.After(proj.LastProcessedAt) {
				continue
			}
			if len(proj.EventTypes) > 0 && !containsString(proj.EventTypes, ev.EventType) {
				continue
			}
			matched = append(matched, ev)
		}
	}
	if len(matched) == 0 {
		e.mu.Unlock()
		return
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	for _, ev := range matched {
		partial, err := safeApply(proj.Fn, proj.State, ev)
		if err != nil {
			proj.Status = types.ProjectionError
			e.mu.Unlock()
			log.Logger.Error().Err(err).Str("projection", projectionID).Msg("projection function failed")
			return
		}
		if proj.DeepMerge {
			deepMerge(proj.State, partial)
		} else {
			for k, v := range partial {
				proj.State[k] = v
			}
		}
		proj.LastProcessedOffset = ev.Offset
		proj.LastProcessedAt = ev.Timestamp
	}

	snapshot := e.writeSnapshotLocked(proj)
	e.mu.Unlock()

	metrics.SnapshotsCreatedTotal.WithLabelValues(projectionID).Inc()
	if e.emitter != nil {
		e.emitter.Emit(events.SnapshotCreated, map[string]any{
			"projection_id": projectionID, "version": snapshot.Version, "checksum": snapshot.Checksum,
		})
	}
}

func safeApply(fn types.ProjectionFunc, state map[string]any, ev *types.StreamEvent) (partial map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projection function panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil, fmt.Errorf("projection has no function")
	}
	return fn(state, ev), nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// writeSnapshotLocked deep-copies proj.State into a checksummed Snapshot
// and keeps only the last 10 per projection. Caller holds e.mu.
func (e *Engine) writeSnapshotLocked(proj *types.Projection) *types.Snapshot {
	stateCopy := deepCopyState(proj.State)
	encoded, _ := json.Marshal(stateCopy)
	sum := md5.Sum(encoded) //nolint:gosec

	snap := &types.Snapshot{
		ID:           uuid.NewString(),
		ProjectionID: proj.ID,
		State:        stateCopy,
		Version:      proj.LastProcessedOffset,
		Checksum:     fmt.Sprintf("%x", sum),
		Timestamp:    time.Now(),
	}

	list := append(e.snapshots[proj.ID], snap)
	if len(list) > 10 {
		list = list[len(list)-10:]
	}
	e.snapshots[proj.ID] = list
	e.persistSnapshot(snap)
	return snap
}

func deepCopyState(state map[string]any) map[string]any {
	encoded, err := json.Marshal(state)
	if err != nil {
		return make(map[string]any)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(encoded, &out); err != nil {
		return make(map[string]any)
	}
	return out
}

// LatestSnapshot returns the most recent snapshot for projectionID, for
// recovery on restart: the caller resumes from its Version.
func (e *Engine) LatestSnapshot(projectionID string) (*types.Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.snapshots[projectionID]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// PartitionDepth returns the number of retained events in one partition, for
// tests and operational inspection.
func (e *Engine) PartitionDepth(streamName string, partition int) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.streams[streamName]
	if !ok {
		return 0, ferrors.New(ferrors.TagStreamNotFound, streamName)
	}
	if partition < 0 || partition >= len(s.partitions) {
		return 0, ferrors.New(ferrors.TagPartitionOutOfRange, fmt.Sprintf("partition %d out of range for stream %q", partition, streamName))
	}
	return len(s.partitions[partition].events), nil
}
