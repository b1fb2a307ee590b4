// Package types holds the shared data model for the service fabric: the
// Registry's ServiceInstance, the Mesh's routing and breaker state, the
// Broker's Queue and Message, and the Streaming core's Stream/StreamEvent.
package types

import "time"

// ServiceInstance is one running replica of a logical service.
//
// Invariants: (ServiceName, Host, Port) is unique within a Registry; once
// removed, an instance disappears from all load-balancer structures
// atomically; LastHeartbeat is monotonically nondecreasing.
type ServiceInstance struct {
	InstanceID  string
	ServiceName string
	Version     string
	Host        string
	Port        int
	Protocol    Protocol
	Tags        []string
	Metadata    map[string]string

	HealthCheck *HealthCheckConfig
	Status      InstanceStatus

	RegisteredAt    time.Time
	LastHeartbeat   time.Time
	ConnectionCount int

	Metrics InstanceMetrics
}

// Clone returns a deep copy so callers (discover, select) never hand out a
// ServiceInstance whose slices/maps alias the registry's own storage.
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Tags != nil {
		cp.Tags = append([]string(nil), s.Tags...)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		cp.HealthCheck = &hc
	}
	return &cp
}

// Protocol is the wire protocol an instance speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
)

// InstanceStatus is the lifecycle state of a ServiceInstance.
type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "starting"
	StatusHealthy   InstanceStatus = "healthy"
	StatusDegraded  InstanceStatus = "degraded"
	StatusUnhealthy InstanceStatus = "unhealthy"
	StatusDraining  InstanceStatus = "draining"
	StatusStopped   InstanceStatus = "stopped"
)

// InstanceMetrics is a point-in-time metrics snapshot carried on a
// ServiceInstance, updated via heartbeats.
type InstanceMetrics struct {
	RequestCount      int64
	ErrorCount        int64
	AvgResponseTimeMs float64
	UptimeSeconds     int64
	CPUPercent        float64
	MemoryBytes       int64
}

// HealthCheckConfig configures the supervision loop for an instance.
type HealthCheckConfig struct {
	Enabled           bool
	Type              CheckType
	Interval          time.Duration
	Timeout           time.Duration
	GracePeriod       time.Duration
	FailureThreshold  int
	RecoveryThreshold int

	// HTTP(S)
	Method           string
	Path             string
	Headers          map[string]string
	ExpectedStatuses []int
	ExpectedBody     string

	// Script: the command and args to execute for CheckTypeScript, e.g.
	// ["pg_isready", "-U", "postgres"]. Exit code 0 is healthy.
	Command []string

	// Degrades a healthy instance when the probe's response time exceeds this.
	ResponseTimeCriticalMs int64
}

// CheckType is the health probe kind.
type CheckType string

const (
	CheckTypeHTTP   CheckType = "http"
	CheckTypeTCP    CheckType = "tcp"
	CheckTypeScript CheckType = "script"
)

// Route declaratively maps a request shape to a service selection, LB
// strategy, and middleware chain.
type Route struct {
	Name        string
	Method      string
	PathPattern string
	HeaderMatch map[string]string
	ServiceName string
	Strategy    SelectionStrategy
	Middleware  []string
}

// SelectionStrategy names a load-balancing algorithm plus optional sticky
// session configuration.
type SelectionStrategy struct {
	Algorithm   Algorithm
	HealthyOnly bool
	Sticky      *StickyConfig
}

// Algorithm is one of the selection algorithms from §4.1.1.
type Algorithm string

const (
	AlgoRoundRobin      Algorithm = "round-robin"
	AlgoLeastConns      Algorithm = "least-connections"
	AlgoRandom          Algorithm = "random"
	AlgoWeighted        Algorithm = "weighted"
	AlgoIPHash          Algorithm = "ip-hash"
	AlgoConsistentHash  Algorithm = "consistent-hash"
)

// StickyConfig enables session affinity on top of a base algorithm.
type StickyConfig struct {
	Enabled bool
	KeyName string
	TTL     time.Duration
}

// SelectionContext carries the per-call inputs a strategy may need:
// a client IP for ip-hash, a hash key for consistent-hash, a session key
// for sticky sessions, and per-instance weights for weighted selection.
type SelectionContext struct {
	ClientIP   string
	HashKey    string
	SessionKey string
	Weights    map[string]int
}
