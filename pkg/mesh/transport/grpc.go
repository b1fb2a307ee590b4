package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/fluxgate/fabric/pkg/types"
)

// rawFrame carries an opaque byte payload through grpc.ClientConn.Invoke.
// The mesh is protocol-agnostic: it never holds a generated proto client
// for an arbitrary registered service, so it ships the CallRequest body as
// raw bytes under a custom codec instead, the same proxying trick
// grpc-ecosystem's transparent proxy uses.
type rawFrame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("transport: grpc invoker given non-raw message %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("transport: grpc invoker given non-raw message %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "fabric-raw" }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// GRPCInvoker calls an instance's gRPC method generically, mirroring the
// teacher's ingress.LoadBalancer's stored *grpc.ClientConn dial pattern
// but dialing per call since the mesh selects a fresh instance every time.
type GRPCInvoker struct{}

// NewGRPCInvoker builds a GRPCInvoker.
func NewGRPCInvoker() *GRPCInvoker { return &GRPCInvoker{} }

func (g *GRPCInvoker) Invoke(ctx context.Context, inst *types.ServiceInstance, req *types.CallRequest) (*Result, error) {
	addr := fmt.Sprintf("%s:%d", inst.Host, inst.Port)

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())),
	)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	method := req.Path
	if method == "" {
		method = "/fabric.Mesh/Call"
	}

	in := &rawFrame{data: req.Body}
	out := &rawFrame{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}

	return &Result{StatusCode: 200, Body: out.data}, nil
}
