// Package registry is the Service Registry & Load-Balancing core (§4.1):
// instance registration, discovery, selection, and the health/staleness
// supervision that keeps instance status current. It generalizes the
// teacher's manager.Manager CRUD-per-entity shape to a single in-memory
// ServiceInstance store, and its 60s sweep follows the reconciler's
// ticker-loop convention.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/health"
	"github.com/fluxgate/fabric/pkg/loadbalancer"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/types"
)

const (
	staleAfter      = 3 * time.Minute
	deregisterAfter = 10 * time.Minute
	sweepInterval   = 60 * time.Second
)

// InstanceConfig is the caller-supplied description of a new instance;
// Registry.Register fills in InstanceID, Status, and the audit timestamps.
type InstanceConfig struct {
	ServiceName string
	Version     string
	Host        string
	Port        int
	Protocol    types.Protocol
	Tags        []string
	Metadata    map[string]string
	HealthCheck *types.HealthCheckConfig
}

// Query filters candidates for Discover.
type Query struct {
	ServiceName      string
	Version          string
	Tags             []string
	Metadata         map[string]string
	Status           []types.InstanceStatus
	ExcludeUnhealthy bool
	Limit            int
}

// Registry holds every registered ServiceInstance and drives their health
// supervision loops and selection algorithms.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*types.ServiceInstance // instance_id -> instance
	byService map[string]map[string]struct{}    // service_name -> set of instance_id

	balancer   *loadbalancer.Balancer
	supervisor *health.Supervisor
	emitter    *events.Emitter

	stopCh chan struct{}
}

// New creates an empty Registry. emitter may be nil to disable events.
func New(emitter *events.Emitter) *Registry {
	r := &Registry{
		instances:  make(map[string]*types.ServiceInstance),
		byService:  make(map[string]map[string]struct{}),
		balancer:   loadbalancer.New(),
		supervisor: health.NewSupervisor(emitter),
		emitter:    emitter,
		stopCh:     make(chan struct{}),
	}
	return r
}

// Start begins the 60s staleness sweep described in §4.1.2.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop ends the staleness sweep.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var toMark []*types.ServiceInstance
	var toDeregister []string
	for id, inst := range r.instances {
		age := now.Sub(inst.LastHeartbeat)
		if age > deregisterAfter {
			toDeregister = append(toDeregister, id)
			continue
		}
		if age > staleAfter && inst.Status != types.StatusUnhealthy {
			inst.Status = types.StatusUnhealthy
			toMark = append(toMark, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range toMark {
		log.Logger.Warn().Str("instance_id", inst.InstanceID).Msg("instance stale, marked unhealthy")
		if r.emitter != nil {
			r.emitter.Emit(events.ServiceStatusChanged, map[string]any{"instance_id": inst.InstanceID, "to": string(types.StatusUnhealthy)})
		}
	}
	for _, id := range toDeregister {
		log.Logger.Warn().Str("instance_id", id).Msg("instance stale beyond deregister window")
		_, _ = r.Deregister(id)
	}
}

// Register constructs and inserts a ServiceInstance, starts its health
// supervision loop if enabled, and emits service-registered. It fails with
// DuplicateInstance if (service_name, host, port) is already registered.
func (r *Registry) Register(cfg InstanceConfig) (string, error) {
	r.mu.Lock()
	for _, inst := range r.instances {
		if inst.ServiceName == cfg.ServiceName && inst.Host == cfg.Host && inst.Port == cfg.Port {
			r.mu.Unlock()
			return "", ferrors.New(ferrors.TagDuplicateInstance, fmt.Sprintf("%s already registered at %s:%d", cfg.ServiceName, cfg.Host, cfg.Port))
		}
	}

	now := time.Now()
	inst := &types.ServiceInstance{
		InstanceID:    uuid.NewString(),
		ServiceName:   cfg.ServiceName,
		Version:       cfg.Version,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Protocol:      cfg.Protocol,
		Tags:          cfg.Tags,
		Metadata:      cfg.Metadata,
		HealthCheck:   cfg.HealthCheck,
		Status:        types.StatusStarting,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.instances[inst.InstanceID] = inst
	if r.byService[inst.ServiceName] == nil {
		r.byService[inst.ServiceName] = make(map[string]struct{})
	}
	r.byService[inst.ServiceName][inst.InstanceID] = struct{}{}
	r.mu.Unlock()

	metrics.InstancesTotal.WithLabelValues(inst.ServiceName, string(inst.Status)).Inc()

	r.supervisor.Watch(inst, r.onHealthTransition)

	if r.emitter != nil {
		r.emitter.Emit(events.ServiceRegistered, map[string]any{"id": inst.InstanceID, "name": inst.ServiceName})
	}
	return inst.InstanceID, nil
}

func (r *Registry) onHealthTransition(instanceID string, status types.InstanceStatus) {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if ok {
		prev := inst.Status
		inst.Status = status
		metrics.InstancesTotal.WithLabelValues(inst.ServiceName, string(prev)).Dec()
		metrics.InstancesTotal.WithLabelValues(inst.ServiceName, string(status)).Inc()
	}
	r.mu.Unlock()
}

// Deregister stops the instance's health loop, removes it from the
// registry, and emits service-deregistered. Returns false if unknown.
func (r *Registry) Deregister(instanceID string) (bool, error) {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.instances, instanceID)
	delete(r.byService[inst.ServiceName], instanceID)
	if len(r.byService[inst.ServiceName]) == 0 {
		delete(r.byService, inst.ServiceName)
		r.balancer.Forget(inst.ServiceName)
	}
	r.mu.Unlock()

	r.supervisor.Stop(instanceID)
	metrics.InstancesTotal.WithLabelValues(inst.ServiceName, string(inst.Status)).Dec()

	if r.emitter != nil {
		r.emitter.Emit(events.ServiceDeregistered, map[string]any{"id": instanceID, "name": inst.ServiceName})
	}
	return true, nil
}

// Heartbeat updates last_heartbeat and optional metrics. No-op if the
// instance is unknown.
func (r *Registry) Heartbeat(instanceID string, partialMetrics *types.InstanceMetrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return false
	}
	now := time.Now()
	if now.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = now
	}
	if partialMetrics != nil {
		inst.Metrics = *partialMetrics
	}
	if r.emitter != nil {
		r.emitter.Emit(events.HeartbeatReceived, map[string]any{"id": instanceID, "name": inst.ServiceName})
	}
	return true
}

// Discover filters instances by query, conjunctively across fields.
func (r *Registry) Discover(q Query) []*types.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pool map[string]struct{}
	if q.ServiceName != "" {
		pool = r.byService[q.ServiceName]
	}

	matches := make([]*types.ServiceInstance, 0)
	consider := func(inst *types.ServiceInstance) {
		if !matchesQuery(inst, q) {
			return
		}
		matches = append(matches, inst.Clone())
	}

	if pool != nil {
		for id := range pool {
			consider(r.instances[id])
		}
	} else if q.ServiceName == "" {
		for _, inst := range r.instances {
			consider(inst)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].RegisteredAt.Before(matches[j].RegisteredAt) })

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches
}

func matchesQuery(inst *types.ServiceInstance, q Query) bool {
	if q.ServiceName != "" && inst.ServiceName != q.ServiceName {
		return false
	}
	if q.Version != "" && inst.Version != q.Version {
		return false
	}
	for _, tag := range q.Tags {
		if !containsTag(inst.Tags, tag) {
			return false
		}
	}
	for k, v := range q.Metadata {
		if inst.Metadata[k] != v {
			return false
		}
	}
	if len(q.Status) > 0 && !statusIn(inst.Status, q.Status) {
		return false
	}
	if q.ExcludeUnhealthy && (inst.Status == types.StatusUnhealthy || inst.Status == types.StatusDraining || inst.Status == types.StatusStopped) {
		return false
	}
	return true
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func statusIn(status types.InstanceStatus, set []types.InstanceStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// Select picks one instance under strategy, incrementing its connection
// count. Returns (nil, nil) if no candidates exist for the service.
func (r *Registry) Select(serviceName string, strategy types.SelectionStrategy, selCtx types.SelectionContext) (*types.ServiceInstance, error) {
	candidates := r.Discover(Query{ServiceName: serviceName})
	eligible := make([]*types.ServiceInstance, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == types.StatusHealthy || (c.Status == types.StatusStarting && !strategy.HealthyOnly) {
			eligible = append(eligible, c)
		}
	}

	picked, err := r.balancer.Select(serviceName, eligible, strategy, selCtx)
	if err != nil {
		metrics.SelectionFailuresTotal.WithLabelValues(serviceName).Inc()
		return nil, err
	}
	if picked == nil {
		metrics.SelectionFailuresTotal.WithLabelValues(serviceName).Inc()
		return nil, nil
	}

	metrics.SelectionsTotal.WithLabelValues(serviceName, string(strategy.Algorithm)).Inc()

	r.mu.Lock()
	if live, ok := r.instances[picked.InstanceID]; ok {
		live.ConnectionCount++
	}
	r.mu.Unlock()

	return picked, nil
}

// Release decrements an instance's connection count, clamped at zero.
func (r *Registry) Release(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok && inst.ConnectionCount > 0 {
		inst.ConnectionCount--
	}
}

// Get returns a deep copy of one instance, or nil if unknown.
func (r *Registry) Get(instanceID string) *types.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[instanceID].Clone()
}
