// Package orchestrator is the thin Workflow/Health Orchestrator (§4.5):
// specified only at its contract boundary, it sequences calls across the
// four cores without introducing new routing, retry, or delivery logic of
// its own. It is grounded on the teacher's pkg/reconciler, generalized from
// a ticker-driven "reconcile cluster state" loop into a single
// caller-invoked "run one workflow step and record its outcome" call.
package orchestrator

import (
	"context"
	"time"

	"github.com/fluxgate/fabric/pkg/broker"
	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/log"
	"github.com/fluxgate/fabric/pkg/mesh"
	"github.com/fluxgate/fabric/pkg/metrics"
	"github.com/fluxgate/fabric/pkg/registry"
	"github.com/fluxgate/fabric/pkg/streaming"
	"github.com/fluxgate/fabric/pkg/types"
)

var logger = log.WithComponent("orchestrator")

// Workflow describes one orchestrated step: a health-gated mesh call, with
// optional side effects on failure (publish to a broker queue) and on
// completion (publish a stream event).
type Workflow struct {
	Name     string
	Service  string
	Request  *types.CallRequest
	Strategy types.SelectionStrategy

	// OnFailureQueue, if set, receives a Message carrying the failure
	// reason whenever the health gate or the mesh call fails.
	OnFailureQueue string

	// OnCompletionStream/OnCompletionType, if both set, receive a
	// StreamEvent recording the workflow's outcome after every run,
	// success or failure.
	OnCompletionStream string
	OnCompletionType   string
}

// Result is what Run returns: the workflow's timing and outcome.
type Result struct {
	Name     string
	Started  time.Time
	Finished time.Time
	Response *types.CallResponse
	Err      error
}

// Duration is how long the workflow run took.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Orchestrator sequences health gating, a mesh call, and the failure/
// completion side effects across the Registry, Mesh, Broker, and Streaming
// cores. None of its own logic is retried, routed, or persisted; every
// Run is a single best-effort pass, matching the contract-only scope
// §4.5 specifies.
type Orchestrator struct {
	registry  *registry.Registry
	mesh      *mesh.Controller
	broker    *broker.Broker
	streaming *streaming.Engine
}

// New builds an Orchestrator over the fabric's four cores. broker and
// streaming may be nil if a workflow never uses OnFailureQueue/
// OnCompletionStream.
func New(reg *registry.Registry, meshCtl *mesh.Controller, brk *broker.Broker, strm *streaming.Engine) *Orchestrator {
	return &Orchestrator{registry: reg, mesh: meshCtl, broker: brk, streaming: strm}
}

// Run executes one workflow step: it health-gates the target service
// against the Registry, performs the mesh call if healthy, and dispatches
// the failure/completion side effects. It never retries or loops; that
// belongs to the mesh's own retry policy and to whatever drives Run.
func (o *Orchestrator) Run(ctx context.Context, wf Workflow) (Result, error) {
	res := Result{Name: wf.Name, Started: time.Now()}
	defer func() {
		res.Finished = time.Now()
		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
		}
		metrics.WorkflowRunsTotal.WithLabelValues(wf.Name, outcome).Inc()
		metrics.WorkflowDuration.WithLabelValues(wf.Name).Observe(res.Duration().Seconds())
	}()

	if !o.serviceHealthy(wf.Service) {
		res.Err = ferrors.New(ferrors.TagNoHealthyInstance, "no healthy instance for "+wf.Service)
		o.onFailure(wf, res.Err)
		o.onCompletion(wf, res.Err)
		return res, res.Err
	}

	resp, err := o.mesh.Call(ctx, wf.Service, wf.Request, wf.Strategy)
	res.Response = resp
	res.Err = err

	if err != nil {
		logger.Warn().Err(err).Str("workflow", wf.Name).Str("service", wf.Service).Msg("workflow call failed")
		o.onFailure(wf, err)
	}
	o.onCompletion(wf, err)

	return res, err
}

func (o *Orchestrator) serviceHealthy(serviceName string) bool {
	instances := o.registry.Discover(registry.Query{ServiceName: serviceName, ExcludeUnhealthy: true})
	return len(instances) > 0
}

func (o *Orchestrator) onFailure(wf Workflow, cause error) {
	if wf.OnFailureQueue == "" || o.broker == nil || cause == nil {
		return
	}
	msg := &types.Message{
		Topic:   wf.OnFailureQueue,
		Payload: []byte(cause.Error()),
		Headers: map[string]string{"workflow": wf.Name, "service": wf.Service},
	}
	if err := o.broker.Send(wf.OnFailureQueue, msg); err != nil {
		logger.Error().Err(err).Str("workflow", wf.Name).Str("queue", wf.OnFailureQueue).Msg("failed to publish workflow failure")
	}
}

func (o *Orchestrator) onCompletion(wf Workflow, cause error) {
	if wf.OnCompletionStream == "" || wf.OnCompletionType == "" || o.streaming == nil {
		return
	}
	status := "ok"
	var data []byte
	if cause != nil {
		status = "error"
		data = []byte(cause.Error())
	}
	event := &types.StreamEvent{
		EventType: wf.OnCompletionType,
		Data:      data,
		Metadata:  map[string]string{"workflow": wf.Name, "status": status},
	}
	if _, _, err := o.streaming.Publish(wf.OnCompletionStream, wf.Name, event); err != nil {
		logger.Error().Err(err).Str("workflow", wf.Name).Str("stream", wf.OnCompletionStream).Msg("failed to publish workflow completion event")
	}
}
