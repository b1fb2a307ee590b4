package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/types"
)

func TestHTTPInvokerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "trace-1", r.Header.Get("X-Trace-Id"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	inst := &types.ServiceInstance{Host: host, Port: port, Protocol: types.ProtocolHTTP}
	req := &types.CallRequest{Method: http.MethodGet, Path: "/ping", Headers: map[string]string{"X-Trace-Id": "trace-1"}}

	inv := NewHTTPInvoker(nil)
	res, err := inv.Invoke(context.Background(), inst, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "pong", string(res.Body))
}

func TestRawInvokerTCPEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(append([]byte("echo:"), buf[:n]...))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	inst := &types.ServiceInstance{Host: host, Port: port, Protocol: types.ProtocolTCP}
	req := &types.CallRequest{Body: []byte("hello"), Timeout: time.Second}

	inv := NewRawInvoker("tcp")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := inv.Invoke(ctx, inst, req)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(res.Body), "echo:hello"))
}

func TestRegistryDefaultsAndOverride(t *testing.T) {
	reg := NewRegistry()
	require.IsType(t, &HTTPInvoker{}, reg.For(types.ProtocolHTTP))
	require.IsType(t, &GRPCInvoker{}, reg.For(types.ProtocolGRPC))
	require.IsType(t, &RawInvoker{}, reg.For(types.ProtocolTCP))
	// Unknown protocol falls back to HTTP.
	require.IsType(t, &HTTPInvoker{}, reg.For(types.Protocol("carrier-pigeon")))

	mock := &mockInvoker{}
	reg.Register(types.ProtocolHTTP, mock)
	require.Same(t, mock, reg.For(types.ProtocolHTTP))
}

type mockInvoker struct{}

func (m *mockInvoker) Invoke(ctx context.Context, inst *types.ServiceInstance, req *types.CallRequest) (*Result, error) {
	return &Result{StatusCode: 200}, nil
}
