// Package mesh is the Mesh Controller core (§4.2): traffic-policy routing,
// retry with backoff, per-instance circuit breaking, distributed tracing,
// and metrics aggregation, sitting between a caller and the Registry's
// selection algorithms. It generalizes the teacher's pkg/ingress
// (router.go for path/header matching, proxy.go for the outbound hop,
// middleware.go for header manipulation) from a container-ingress proxy
// into the fabric's protocol-agnostic call() contract.
package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxgate/fabric/pkg/config"
	"github.com/fluxgate/fabric/pkg/events"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/mesh/trace"
	"github.com/fluxgate/fabric/pkg/mesh/transport"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/registry"
	"github.com/fluxgate/fabric/pkg/types"
)

// Registry is the subset of *registry.Registry the Mesh Controller needs:
// selection and release. Declared as an interface so tests can supply a
// fake without standing up a full Registry + health supervision loop.
type Registry interface {
	Select(serviceName string, strategy types.SelectionStrategy, selCtx types.SelectionContext) (*types.ServiceInstance, error)
	Release(instanceID string)
}

var _ Registry = (*registry.Registry)(nil)

var logger = log.WithComponent("mesh")

// Controller is the Mesh Controller: it owns traffic policies, the
// per-instance breaker table, the trace tree, the 60s metrics windows, and
// the protocol-keyed transport registry.
type Controller struct {
	registry  Registry
	transport *transport.Registry
	tracer    *trace.Tracer
	emitter   *events.Emitter

	policies *policyTable
	breakers *breakerTable
	windows  *metricsTable

	cfg         config.Mesh
	retryPolicy types.RetryPolicy

	stopCh chan struct{}
}

// New builds a Controller wired against reg, with cfg supplying the
// default retry/timeout/authentication posture (§6.4 "Mesh").
func New(reg Registry, emitter *events.Emitter, cfg config.Mesh) *Controller {
	c := &Controller{
		registry:  reg,
		transport: transport.NewRegistry(),
		tracer:    trace.NewTracer(),
		emitter:   emitter,
		policies:  newPolicyTable(),
		breakers:  newBreakerTable(),
		windows:   newMetricsTable(),
		cfg:       cfg,
		retryPolicy: types.RetryPolicy{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialDelay:      cfg.RetryInitialDelay,
			MaxDelay:          cfg.RetryMaxDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
			RetryableStatuses: []int{502, 503, 504},
		},
		stopCh: make(chan struct{}),
	}
	go c.windows.rollLoop(c.stopCh)
	return c
}

// Stop ends the controller's background metrics-window roll.
func (c *Controller) Stop() {
	close(c.stopCh)
}

// SetRetryPolicy overrides the controller-wide default retry policy.
func (c *Controller) SetRetryPolicy(p types.RetryPolicy) {
	c.retryPolicy = p
}

// AddTrafficPolicy installs or replaces a named TrafficPolicy.
func (c *Controller) AddTrafficPolicy(policy types.TrafficPolicy) {
	c.policies.add(policy)
}

// RemoveTrafficPolicy removes a named TrafficPolicy, if present.
func (c *Controller) RemoveTrafficPolicy(name string) {
	c.policies.remove(name)
}

// Transport exposes the protocol registry so callers can register a mock
// invoker, e.g. in tests.
func (c *Controller) Transport() *transport.Registry {
	return c.transport
}

// Metrics returns the current 60s-window ServiceMetrics for serviceName.
func (c *Controller) Metrics(serviceName string) (types.ServiceMetrics, bool) {
	return c.windows.snapshot(serviceName)
}

// Trace returns the recorded span tree for a trace id.
func (c *Controller) Trace(traceID string) (*types.Trace, bool) {
	return c.tracer.Trace(traceID)
}

// BreakerState returns a snapshot of an instance's circuit breaker state.
func (c *Controller) BreakerState(instanceID string) types.CircuitBreakerState {
	return c.breakers.snapshot(instanceID)
}

// Call is the Mesh Controller's single public entry point (§4.2): it
// begins a span, applies traffic policy, asks the Registry to select an
// instance, enforces that instance's circuit breaker, invokes it with
// retry-with-backoff, and always releases the connection slot.
func (c *Controller) Call(ctx context.Context, serviceName string, req *types.CallRequest, strategy types.SelectionStrategy) (*types.CallResponse, error) {
	span := c.tracer.StartSpan(req.TraceID, req.ParentSpanID, "call:"+serviceName, serviceName)
	start := time.Now()

	effectiveService := serviceName
	effectiveReq := req
	if dest, matched := c.policies.evaluate(serviceName, req); matched {
		if dest.ServiceName != "" {
			effectiveService = dest.ServiceName
		}
		rewritten := *req
		rewritten.Headers = applyHeaderRewrites(req.Headers, dest.HeaderRewrites)
		effectiveReq = &rewritten
		c.tracer.Log(span, "traffic policy matched", map[string]string{"destination_service": effectiveService})
	}

	if c.cfg.AuthenticationRequired {
		token, err := mintAuthToken(serviceName, 5*time.Minute)
		if err != nil {
			c.tracer.End(span, types.SpanError)
			c.windows.record(serviceName, float64(time.Since(start).Milliseconds()), true)
			return nil, err
		}
		rewritten := *effectiveReq
		headers := make(map[string]string, len(effectiveReq.Headers)+1)
		for k, v := range effectiveReq.Headers {
			headers[k] = v
		}
		headers["Authorization"] = "Bearer " + token
		rewritten.Headers = headers
		effectiveReq = &rewritten
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.callWithRetry(callCtx, effectiveService, effectiveReq, strategy, span)
	duration := time.Since(start)

	if err != nil {
		status := types.SpanError
		if ferrors.HasTag(err, ferrors.TagTimeout) {
			status = types.SpanTimeout
		}
		c.tracer.End(span, status)
		c.windows.record(serviceName, float64(duration.Milliseconds()), true)
		metrics.MeshCallsTotal.WithLabelValues(serviceName, "error").Inc()
		logger.Warn().Err(err).Str("service", serviceName).Msg("mesh call failed")
		c.emit(serviceName, err)
		return nil, err
	}

	c.tracer.End(span, types.SpanOK)
	c.windows.record(serviceName, float64(duration.Milliseconds()), false)
	metrics.MeshCallsTotal.WithLabelValues(serviceName, "ok").Inc()
	metrics.MeshCallDuration.WithLabelValues(serviceName).Observe(duration.Seconds())

	resp.TraceID = span.TraceID
	resp.Duration = duration
	return resp, nil
}

func (c *Controller) emit(serviceName string, err error) {
	if c.emitter == nil {
		return
	}
	tag, _ := ferrors.TagOf(err)
	c.emitter.Emit(events.TraceCompleted, map[string]any{"service": serviceName, "error": string(tag)})
}

// callWithRetry selects an instance and invokes it, retrying per
// c.retryPolicy's backoff schedule on retryable errors (§4.2.2). Every
// attempt, including retries, is logged into span rather than spawning a
// new one.
func (c *Controller) callWithRetry(ctx context.Context, serviceName string, req *types.CallRequest, strategy types.SelectionStrategy, span *types.Span) (*types.CallResponse, error) {
	policy := c.retryPolicy
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.DelayForAttempt(attempt)
			c.tracer.Log(span, "retrying", map[string]string{"attempt": fmt.Sprintf("%d", attempt)})
			metrics.RetriesTotal.WithLabelValues(serviceName).Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ferrors.Wrap(ferrors.TagTimeout, "request timed out before retry", ctx.Err())
			}
		}

		resp, statusCode, err := c.attempt(ctx, serviceName, req, strategy, span)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ferrors.HasTag(err, ferrors.TagNoHealthyInstance) || ferrors.HasTag(err, ferrors.TagCircuitOpen) {
			return nil, err
		}
		if !isRetryable(err, statusCode, policy) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs exactly one selection+invoke+breaker cycle.
func (c *Controller) attempt(ctx context.Context, serviceName string, req *types.CallRequest, strategy types.SelectionStrategy, span *types.Span) (*types.CallResponse, int, error) {
	selCtx := types.SelectionContext{ClientIP: req.ClientIP, HashKey: req.ClientIP, SessionKey: req.SessionKey}

	inst, err := c.registry.Select(serviceName, strategy, selCtx)
	if err != nil {
		return nil, 0, err
	}
	if inst == nil {
		return nil, 0, ferrors.New(ferrors.TagNoHealthyInstance, "no healthy instance for "+serviceName)
	}
	defer c.registry.Release(inst.InstanceID)

	allowed, berr := c.breakers.allow(inst.InstanceID)
	if !allowed {
		return nil, 0, berr
	}

	outboundReq := *req
	headers := make(map[string]string, len(req.Headers)+3)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["X-Trace-Id"] = span.TraceID
	headers["X-Span-Id"] = span.SpanID
	if span.ParentSpanID != "" {
		headers["X-Parent-Span-Id"] = span.ParentSpanID
	}
	outboundReq.Headers = headers

	invoker := c.transport.For(inst.Protocol)
	result, err := invoker.Invoke(ctx, inst, &outboundReq)
	if err != nil {
		c.breakers.recordFailure(inst.InstanceID)
		if ctx.Err() != nil {
			return nil, 0, ferrors.Wrap(ferrors.TagTimeout, "mesh call timed out", err)
		}
		return nil, 0, ferrors.Wrap(ferrors.TagNetwork, "mesh transport error", err)
	}

	if result.StatusCode >= 500 {
		c.breakers.recordFailure(inst.InstanceID)
		return nil, result.StatusCode, ferrors.New(ferrors.TagUpstreamError, fmt.Sprintf("instance %s returned status %d", inst.InstanceID, result.StatusCode))
	}

	c.breakers.recordSuccess(inst.InstanceID)
	return &types.CallResponse{StatusCode: result.StatusCode, Headers: result.Headers, Body: result.Body}, result.StatusCode, nil
}
