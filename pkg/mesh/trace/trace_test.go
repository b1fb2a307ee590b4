package trace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/types"
)

func TestStartSpanNewTrace(t *testing.T) {
	tr := NewTracer()
	span := tr.StartSpan("", "", "call", "orders")
	require.NotEmpty(t, span.TraceID)
	require.NotEmpty(t, span.SpanID)

	trace, ok := tr.Trace(span.TraceID)
	require.True(t, ok)
	require.Len(t, trace.Spans, 1)
}

func TestRetryLoggedWithinSameSpan(t *testing.T) {
	tr := NewTracer()
	span := tr.StartSpan("", "", "call", "orders")

	tr.Log(span, "retry attempt 1", map[string]string{"attempt": "1"})
	tr.Log(span, "retry attempt 2", map[string]string{"attempt": "2"})
	tr.End(span, types.SpanOK)

	trace, ok := tr.Trace(span.TraceID)
	require.True(t, ok)
	require.Len(t, trace.Spans, 1, "retries must not create new spans")
	require.Len(t, trace.Spans[0].Logs, 2)
	require.Equal(t, types.SpanOK, trace.Spans[0].Status)
}

func TestStartSpanReusesExplicitTraceID(t *testing.T) {
	tr := NewTracer()
	first := tr.StartSpan("", "", "call", "orders")
	second := tr.StartSpan(first.TraceID, first.SpanID, "call", "orders")

	require.Equal(t, first.TraceID, second.TraceID)
	require.Equal(t, first.SpanID, second.ParentSpanID)

	trace, ok := tr.Trace(first.TraceID)
	require.True(t, ok)
	require.Len(t, trace.Spans, 2)
}
