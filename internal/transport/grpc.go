package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

const (
	replicaServiceName = "directconn.ReplicaService"
	invokeMethod       = "/" + replicaServiceName + "/Invoke"
)

// WireRequest is the replica request message.
type WireRequest struct {
	Operation       string            `json:"operation"`
	ResourceType    string            `json:"resource_type"`
	ResourceAddress string            `json:"resource_address"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"body,omitempty"`
}

// WireResponse is the replica response message. Replica level failures are
// carried in StatusCode, not as gRPC errors.
type WireResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// jsonCodec encodes replica messages as JSON over gRPC framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

// GRPCTransport talks to replicas over gRPC, keeping one connection per replica host.
type GRPCTransport struct {
	opts        Options
	dialOptions []grpc.DialOption

	mu          sync.RWMutex
	connections map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a gRPC transport. Extra dial options are appended
// to the defaults.
func NewGRPCTransport(opts Options, extra ...grpc.DialOption) (*GRPCTransport, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	callOpts := []grpc.CallOption{grpc.ForceCodec(jsonCodec{})}
	if opts.Config.MaxRecvMsgSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(opts.Config.MaxRecvMsgSize))
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
	}
	if opts.Config.KeepAliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.Config.KeepAliveTime,
			Timeout:             opts.Config.KeepAliveTime / 2,
			PermitWithoutStream: true,
		}))
	}
	return &GRPCTransport{
		opts:        opts,
		dialOptions: append(dialOpts, extra...),
		connections: make(map[string]*grpc.ClientConn),
	}, nil
}

// Invoke sends the request to the replica.
func (t *GRPCTransport) Invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error) {
	start := time.Now()
	resp, err := t.invoke(ctx, addr, req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	t.opts.Metrics.RecordReplicaRequest(string(req.OperationType), statusLabel(code, err), time.Since(start).Seconds())
	return resp, err
}

func (t *GRPCTransport) invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error) {
	var helper *model.TimeoutHelper
	if req.Context != nil {
		helper = req.Context.TimeoutHelper
	}
	ctx, cancel := helper.WithDeadline(ctx)
	defer cancel()

	conn, err := t.getConnection(addr)
	if err != nil {
		return nil, networkError(ctx, req, addr, err)
	}
	headers, err := prepareHeaders(req, t.opts.Tokens)
	if err != nil {
		return nil, err
	}

	in := &WireRequest{
		Operation:       string(req.OperationType),
		ResourceType:    string(req.ResourceType),
		ResourceAddress: req.ResourceAddress,
		Headers:         headers,
		Body:            req.Body,
	}
	var out WireResponse
	if err := conn.Invoke(ctx, invokeMethod, in, &out); err != nil {
		t.opts.Logger.Debug("replica call failed",
			zap.String("replica", addr.PhysicalURI),
			zap.String("operation", string(req.OperationType)),
			zap.Error(err))
		if status.Code(err) == codes.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, networkError(ctx, req, addr, err)
	}

	respHeaders := model.NewHeaders(out.Headers)
	if !isSuccess(out.StatusCode) {
		return nil, responseError(req, addr, out.StatusCode, respHeaders, out.Body)
	}
	return &model.StoreResponse{StatusCode: out.StatusCode, Headers: respHeaders, Body: out.Body}, nil
}

// getConnection returns or creates the connection to a replica host.
func (t *GRPCTransport) getConnection(addr model.ReplicaAddress) (*grpc.ClientConn, error) {
	hostPort, err := addr.HostPort()
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	conn, exists := t.connections[hostPort]
	t.mu.RUnlock()
	if exists {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check
	if conn, exists := t.connections[hostPort]; exists {
		return conn, nil
	}

	conn, err = grpc.NewClient("passthrough:///"+hostPort, t.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hostPort, err)
	}
	t.connections[hostPort] = conn
	return conn, nil
}

// Close closes all replica connections.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for hostPort, conn := range t.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.connections, hostPort)
	}
	return firstErr
}

// ReplicaServer is implemented by replica processes serving the gRPC protocol.
type ReplicaServer interface {
	Invoke(ctx context.Context, req *WireRequest) (*WireResponse, error)
}

// RegisterReplicaServer registers srv on a gRPC server. The server must be
// created with ServerOptions.
func RegisterReplicaServer(s *grpc.Server, srv ReplicaServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: replicaServiceName,
		HandlerType: (*ReplicaServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		}},
		Streams: []grpc.StreamDesc{},
	}, srv)
}

// ServerOptions returns the options a replica gRPC server needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(ReplicaServer).Invoke(ctx, req.(*WireRequest))
		if err != nil {
			if se, ok := dcerrors.As(err); ok {
				return nil, se.ToGRPCStatus().Err()
			}
			return nil, err
		}
		return resp, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}, handle)
}
