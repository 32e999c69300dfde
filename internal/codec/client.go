package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
)

// #region types
// Payload is the JSON-like request/response body exchanged with a model stage.
type Payload map[string]any

// InferenceServiceClient is the client side of the single-method inference service.
type InferenceServiceClient interface {
	Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type inferenceServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewInferenceServiceClient wraps a connection in the inference stub.
func NewInferenceServiceClient(cc grpc.ClientConnInterface) InferenceServiceClient {
	return &inferenceServiceClient{cc: cc}
}

func (c *inferenceServiceClient) Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvokeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
// #endregion types

// #region client-struct
// CodecClient wraps the gRPC connection to one model endpoint.
type CodecClient struct {
	conn   *grpc.ClientConn
	client InferenceServiceClient
}
// #endregion client-struct

// #region constructor
// NewCodecClient connects to an inference gRPC server. The connection is lazy;
// an unreachable address surfaces as ErrUnavailable on the first call.
func NewCodecClient(addr string) (*CodecClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{
		conn:   conn,
		client: NewInferenceServiceClient(conn),
	}, nil
}

// NewCodecClientWithService creates a CodecClient with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewCodecClientWithService(svc InferenceServiceClient) *CodecClient {
	return &CodecClient{client: svc}
}
// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion close

// #region call
// Call sends payload to the endpoint and returns its decoded response.
// Transport errors are mapped onto the faults taxonomy.
func (c *CodecClient) Call(ctx context.Context, payload Payload) (Payload, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w: %v", faults.ErrInvalidResponse, err)
	}
	resp, err := c.client.Invoke(ctx, req)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty response: %w", faults.ErrInvalidResponse)
	}
	return Payload(resp.AsMap()), nil
}

// mapError classifies a gRPC failure.
func mapError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("invoke rpc: %w: %v", faults.ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("invoke rpc: %w", context.Canceled)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("invoke rpc: %w: %v", faults.ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("invoke rpc: %w: %s", faults.ErrTimeout, st.Message())
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("invoke rpc: %w: %s", faults.ErrUnavailable, st.Message())
	case codes.Canceled:
		return fmt.Errorf("invoke rpc: %w", context.Canceled)
	default:
		return fmt.Errorf("invoke rpc: %w: %s: %s", faults.ErrInvalidResponse, st.Code(), st.Message())
	}
}
// #endregion call

// #region pool
// Pool routes calls to named endpoints, one CodecClient per endpoint.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*CodecClient
}

// NewPool dials every non-empty address. Endpoints with an empty address are
// left unconfigured and fail with ErrUnavailable.
func NewPool(addrs map[string]string) (*Pool, error) {
	p := &Pool{clients: make(map[string]*CodecClient, len(addrs))}
	for name, addr := range addrs {
		if addr == "" {
			continue
		}
		c, err := NewCodecClient(addr)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		p.clients[name] = c
	}
	return p, nil
}

// Register adds or replaces the client for an endpoint.
func (p *Pool) Register(endpoint string, c *CodecClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		p.clients = make(map[string]*CodecClient)
	}
	p.clients[endpoint] = c
}

// Call implements the model client transport.
func (p *Pool) Call(ctx context.Context, endpoint string, payload Payload) (Payload, error) {
	p.mu.RLock()
	c, ok := p.clients[endpoint]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("endpoint %s not configured: %w", endpoint, faults.ErrUnavailable)
	}
	return c.Call(ctx, payload)
}

// Close shuts down every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
// #endregion pool
