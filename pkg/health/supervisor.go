package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/types"
)

// Status tracks one instance's health supervision state between probes.
type Status struct {
	mu sync.Mutex

	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Current              types.InstanceStatus
	StartedAt            time.Time
}

// NewStatus creates a Status in the starting state.
func NewStatus() *Status {
	return &Status{Current: types.StatusStarting, StartedAt: time.Now()}
}

// Apply folds a probe Result into the state machine described in §4.1.2
// and returns the resulting status plus whether it changed.
func (s *Status) Apply(result Result, cfg types.HealthCheckConfig) (types.InstanceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Current
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	slow := cfg.ResponseTimeCriticalMs > 0 && result.Duration.Milliseconds() > cfg.ResponseTimeCriticalMs

	switch s.Current {
	case types.StatusStarting:
		if result.Healthy {
			s.Current = types.StatusHealthy
		} else {
			s.Current = types.StatusUnhealthy
		}
		s.ConsecutiveFailures, s.ConsecutiveSuccesses = 0, 0

	case types.StatusHealthy:
		if result.Healthy {
			if slow {
				s.Current = types.StatusDegraded
			}
		} else {
			s.ConsecutiveFailures = 1
			s.Current = types.StatusDegraded
		}

	case types.StatusDegraded:
		if result.Healthy {
			s.ConsecutiveFailures = 0
			if !slow {
				s.Current = types.StatusHealthy
			}
		} else {
			s.ConsecutiveFailures++
			threshold := cfg.FailureThreshold
			if threshold <= 0 {
				threshold = 1
			}
			if s.ConsecutiveFailures >= threshold {
				s.Current = types.StatusUnhealthy
			}
		}

	case types.StatusUnhealthy:
		if result.Healthy {
			s.ConsecutiveSuccesses++
			threshold := cfg.RecoveryThreshold
			if threshold <= 0 {
				threshold = 1
			}
			if s.ConsecutiveSuccesses >= threshold {
				s.Current = types.StatusHealthy
				s.ConsecutiveFailures, s.ConsecutiveSuccesses = 0, 0
			}
		} else {
			s.ConsecutiveSuccesses = 0
		}

	default:
		// draining/stopped instances are not actively probed
	}

	return s.Current, s.Current != prev
}

// Supervisor runs one probe loop per instance and reports status
// transitions through the shared emitter, matching §4.1.2.
type Supervisor struct {
	emitter *events.Emitter

	mu       sync.Mutex
	statuses map[string]*Status
	cancels  map[string]context.CancelFunc
}

// NewSupervisor creates a Supervisor that emits on emitter.
func NewSupervisor(emitter *events.Emitter) *Supervisor {
	return &Supervisor{
		emitter:  emitter,
		statuses: make(map[string]*Status),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch starts (or restarts) the supervision loop for instance. onTransition
// is invoked synchronously whenever the instance's status changes, so the
// caller (the registry) can persist the new status.
func (s *Supervisor) Watch(instance *types.ServiceInstance, onTransition func(instanceID string, status types.InstanceStatus)) {
	if instance.HealthCheck == nil || !instance.HealthCheck.Enabled {
		return
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[instance.InstanceID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	status := NewStatus()
	s.statuses[instance.InstanceID] = status
	s.cancels[instance.InstanceID] = cancel
	s.mu.Unlock()

	go s.loop(ctx, instance, status, onTransition)
}

// Stop cancels the supervision loop for instanceID, if any.
func (s *Supervisor) Stop(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[instanceID]; ok {
		cancel()
		delete(s.cancels, instanceID)
		delete(s.statuses, instanceID)
	}
}

// StatusOf returns the current tracked status for instanceID, if watched.
func (s *Supervisor) StatusOf(instanceID string) (*Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[instanceID]
	return st, ok
}

func (s *Supervisor) loop(ctx context.Context, instance *types.ServiceInstance, status *Status, onTransition func(string, types.InstanceStatus)) {
	cfg := *instance.HealthCheck
	target := fmt.Sprintf("%s:%d", instance.Host, instance.Port)
	if cfg.Type == types.CheckTypeHTTP {
		scheme := "http"
		if instance.Protocol == types.ProtocolHTTPS {
			scheme = "https"
		}
		path := cfg.Path
		if path == "" {
			path = "/health"
		}
		target = fmt.Sprintf("%s://%s:%d%s", scheme, instance.Host, instance.Port, path)
	}
	checker := NewChecker(&cfg, target)
	if checker == nil {
		return
	}

	if cfg.GracePeriod > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.GracePeriod):
		}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.probe(ctx, instance, status, checker, cfg, onTransition)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx, instance, status, checker, cfg, onTransition)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, instance *types.ServiceInstance, status *Status, checker Checker, cfg types.HealthCheckConfig, onTransition func(string, types.InstanceStatus)) {
	checkCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	result := checker.Check(checkCtx)
	timer.ObserveDuration(metrics.HealthCheckDuration)

	status.mu.Lock()
	prev := status.Current
	status.mu.Unlock()

	newStatus, changed := status.Apply(result, cfg)
	if !changed {
		return
	}

	metrics.HealthTransitionsTotal.WithLabelValues(string(prev), string(newStatus)).Inc()
	log.Logger.Info().
		Str("instance_id", instance.InstanceID).
		Str("from", string(prev)).
		Str("to", string(newStatus)).
		Str("message", result.Message).
		Msg("instance health transition")

	if onTransition != nil {
		onTransition(instance.InstanceID, newStatus)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.ServiceStatusChanged, map[string]any{
			"instance_id": instance.InstanceID,
			"from":        string(prev),
			"to":          string(newStatus),
			"message":     result.Message,
		})
	}
}
