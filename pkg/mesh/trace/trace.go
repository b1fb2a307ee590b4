// Package trace implements the Mesh Controller's span tree (§3.2, §4.2.4):
// one Span per call() invocation, retries logged as log lines within that
// span rather than as new spans, and a Tracer that prunes completed traces
// older than an hour. The teacher carries no tracing package of its own, so
// this is grounded on the pack's broader observability convention instead
// (structured, component-scoped fields attached to a zerolog logger) rather
// than on a specific teacher file; see DESIGN.md.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fabric/pkg/types"
)

// Tracer owns the trace store: one Trace per trace_id, pruned after an
// hour (§4.2.4 "Old traces/metrics are pruned after 1 hour").
type Tracer struct {
	mu     sync.Mutex
	traces map[string]*types.Trace
}

// NewTracer creates an empty Tracer and starts its 1h pruning sweep.
func NewTracer() *Tracer {
	t := &Tracer{traces: make(map[string]*types.Trace)}
	go t.pruneLoop()
	return t
}

// StartSpan begins a new span under traceID (creating the trace if absent).
// If traceID is empty a new one is minted, matching call()'s "new if
// absent" rule from §4.2 step 1.
func (t *Tracer) StartSpan(traceID, parentSpanID, operation, serviceName string) *types.Span {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	span := &types.Span{
		TraceID:      traceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: parentSpanID,
		Operation:    operation,
		ServiceName:  serviceName,
		StartedAt:    time.Now(),
		Tags:         make(map[string]string),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.traces[traceID]
	if !ok {
		tr = &types.Trace{TraceID: traceID}
		t.traces[traceID] = tr
	}
	tr.Spans = append(tr.Spans, span)
	return span
}

// Log appends a log line to span, used for retry attempts so they stay
// within the one span the call created (§4.2.4).
func (t *Tracer) Log(span *types.Span, message string, fields map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span.Logs = append(span.Logs, types.LogLine{Timestamp: time.Now(), Message: message, Fields: fields})
}

// End closes span with a terminal status.
func (t *Tracer) End(span *types.Span, status types.SpanStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span.EndedAt = time.Now()
	span.Status = status
}

// Trace returns a copy of the spans recorded for traceID.
func (t *Tracer) Trace(traceID string) (*types.Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.traces[traceID]
	if !ok {
		return nil, false
	}
	cp := &types.Trace{TraceID: tr.TraceID, Spans: append([]*types.Span(nil), tr.Spans...)}
	return cp, true
}

func (t *Tracer) pruneLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		t.prune()
	}
}

func (t *Tracer) prune() {
	cutoff := time.Now().Add(-1 * time.Hour)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.traces {
		allEnded := true
		newest := time.Time{}
		for _, s := range tr.Spans {
			if s.EndedAt.IsZero() {
				allEnded = false
				break
			}
			if s.EndedAt.After(newest) {
				newest = s.EndedAt
			}
		}
		if allEnded && newest.Before(cutoff) {
			delete(t.traces, id)
		}
	}
}
