package types

import "time"

// CircuitState is one state of a per-instance circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreakerState tracks one instance's failure-isolation state.
type CircuitBreakerState struct {
	InstanceID        string
	State             CircuitState
	ConsecutiveFails  int
	LastFailureAt     time.Time
	NextAttemptAt     time.Time
}

// SpanStatus is the terminal status of a trace Span.
type SpanStatus string

const (
	SpanOK      SpanStatus = "ok"
	SpanError   SpanStatus = "error"
	SpanTimeout SpanStatus = "timeout"
)

// LogLine is one structured log entry attached to a Span.
type LogLine struct {
	Timestamp time.Time
	Message   string
	Fields    map[string]string
}

// Span is one node in a trace's operation tree.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Operation    string
	ServiceName  string
	StartedAt    time.Time
	EndedAt      time.Time
	Tags         map[string]string
	Logs         []LogLine
	Status       SpanStatus
}

// Trace is the full tree of spans rooted at TraceID.
type Trace struct {
	TraceID string
	Spans   []*Span
}

// ServiceMetrics is a rolling 60s window of per-service mesh metrics.
type ServiceMetrics struct {
	ServiceName      string
	WindowStart      time.Time
	RequestCount     int64
	ErrorCount       int64
	ActiveConns      int64
	P50Ms            float64
	P95Ms            float64
	P99Ms            float64
	AvgMs            float64
	UpstreamAvgMs    float64
}

// RequestRate is requests per second over the window; ErrorRate is the
// fraction of requests in the window that errored.
func (m *ServiceMetrics) RequestRate(windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return float64(m.RequestCount) / windowSeconds
}

func (m *ServiceMetrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// MatchKind is how a traffic policy rule matches a request path.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchRegex  MatchKind = "regex"
)

// RuleMatch is the conjunctive match predicate for a TrafficRule.
type RuleMatch struct {
	Headers       map[string]string
	Path          string
	PathKind      MatchKind
	Methods       []string
	SourceService string
	SourceLabels  map[string]string
}

// RouteDestination is the action of a matching "route" rule.
type RouteDestination struct {
	ServiceName    string
	Version        string
	Weight         int
	HeaderRewrites map[string]string
}

// TrafficRule is one entry in a TrafficPolicy's rule list.
type TrafficRule struct {
	Match       RuleMatch
	Destination RouteDestination
}

// TrafficPolicy carries a priority and an ordered rule list for a
// service selector.
type TrafficPolicy struct {
	Name            string
	Priority        int
	ServiceSelector string
	Rules           []TrafficRule
}

// RetryPolicy configures the Mesh Controller's retry-with-backoff loop.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableStatuses []int
}

// DelayForAttempt returns the delay before attempt k (1-indexed).
func (p RetryPolicy) DelayForAttempt(k int) time.Duration {
	if k <= 1 {
		return p.InitialDelay
	}
	mult := 1.0
	for i := 1; i < k; i++ {
		mult *= p.BackoffMultiplier
	}
	d := time.Duration(float64(p.InitialDelay) * mult)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// CallRequest is the inbound request to the Mesh Controller's call().
type CallRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte

	TraceID      string
	ParentSpanID string

	ClientIP   string
	SessionKey string

	SourceService string
	SourceLabels  map[string]string

	Timeout time.Duration
}

// CallResponse is what call() returns on success.
type CallResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	TraceID    string
	Duration   time.Duration
}
