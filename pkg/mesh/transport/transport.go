// Package transport is the Mesh Controller's outbound invoker (§6.3): one
// Invoker per wire protocol, selected by the target ServiceInstance's
// Protocol field. It generalizes the teacher's ingress.LoadBalancer (which
// held a single *grpc.ClientConn alongside its HTTP proxying) into a small
// protocol-keyed registry, so call() never special-cases the wire format
// itself.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

// Result is what an Invoker returns on a completed round trip (the
// transport layer never interprets status codes as retryable/fatal; that
// judgment belongs to the mesh's retry policy).
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Invoker performs one outbound call to a ServiceInstance and returns the
// raw result. Implementations must respect ctx's deadline (§5 "Cancellation").
type Invoker interface {
	Invoke(ctx context.Context, inst *types.ServiceInstance, req *types.CallRequest) (*Result, error)
}

// Registry resolves an Invoker by protocol, defaulting to the HTTP invoker
// for any protocol it has no specific entry for.
type Registry struct {
	byProtocol map[types.Protocol]Invoker
	fallback   Invoker
}

// NewRegistry builds the default protocol registry: net/http for
// http/https, a generic gRPC unary invoker for grpc, and a raw dial
// invoker for tcp/udp.
func NewRegistry() *Registry {
	httpInv := NewHTTPInvoker(nil)
	return &Registry{
		byProtocol: map[types.Protocol]Invoker{
			types.ProtocolHTTP:  httpInv,
			types.ProtocolHTTPS: httpInv,
			types.ProtocolGRPC:  NewGRPCInvoker(),
			types.ProtocolTCP:   NewRawInvoker("tcp"),
			types.ProtocolUDP:   NewRawInvoker("udp"),
		},
		fallback: httpInv,
	}
}

// For returns the Invoker registered for protocol, or the HTTP fallback.
func (r *Registry) For(protocol types.Protocol) Invoker {
	if inv, ok := r.byProtocol[protocol]; ok {
		return inv
	}
	return r.fallback
}

// Register overrides (or adds) the Invoker used for protocol, letting a
// caller swap in a mock transport for tests.
func (r *Registry) Register(protocol types.Protocol, inv Invoker) {
	r.byProtocol[protocol] = inv
}

// HTTPInvoker calls an instance over net/http, carrying the outbound
// tracing/auth headers from §6.3 on the wire.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker wraps client (or a sane default with no shared
// transport-level timeout, since per-call deadlines come from ctx).
func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{client: client}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, inst *types.ServiceInstance, req *types.CallRequest) (*Result, error) {
	scheme := "http"
	if inst.Protocol == types.ProtocolHTTPS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, inst.Host, inst.Port, req.Path)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Result{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

// RawInvoker speaks a raw tcp/udp request-response exchange: dial, write
// the body, read until the instance closes or ctx deadlines, per §4.1.1's
// "tcp"/"udp" protocol family (reusing the health checker's TCP-dial
// posture rather than inventing a new one).
type RawInvoker struct {
	network string
}

// NewRawInvoker builds a raw invoker for "tcp" or "udp".
func NewRawInvoker(network string) *RawInvoker {
	return &RawInvoker{network: network}
}

func (r *RawInvoker) Invoke(ctx context.Context, inst *types.ServiceInstance, req *types.CallRequest) (*Result, error) {
	addr := fmt.Sprintf("%s:%d", inst.Host, inst.Port)
	dialer := net.Dialer{}

	conn, err := dialer.DialContext(ctx, r.network, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if _, err := conn.Write(req.Body); err != nil {
		return nil, err
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}

	return &Result{StatusCode: 200, Body: buf[:n]}, nil
}
