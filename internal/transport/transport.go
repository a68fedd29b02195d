// Package transport sends requests to individual replicas over HTTPS or gRPC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/auth"
	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// Client invokes a request on one replica. Non-success replica responses
// are returned as *errors.StoreError.
type Client interface {
	Invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error)
	Close() error
}

// Options are shared by the HTTP and gRPC transports.
type Options struct {
	Config  config.TransportConfig
	Tokens  auth.TokenProvider
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// New creates the transport matching the configured protocol.
func New(opts Options) (Client, error) {
	protocol, err := model.ParseProtocol(opts.Config.Protocol)
	if err != nil {
		return nil, err
	}
	switch protocol {
	case model.ProtocolHTTPS:
		return NewHTTPTransport(opts, nil), nil
	case model.ProtocolTCP:
		return NewGRPCTransport(opts)
	default:
		return nil, fmt.Errorf("no transport for protocol %s", protocol)
	}
}

// prepareHeaders copies the request headers and adds activity id, date and
// authorization when a token provider is configured.
func prepareHeaders(req *model.Request, tokens auth.TokenProvider) (model.Headers, error) {
	headers := req.Headers.Clone()
	if req.Context != nil && headers.Get(model.HeaderActivityID) == "" {
		headers.Set(model.HeaderActivityID, req.Context.ActivityID)
	}
	if tokens == nil || headers.Get(model.HeaderAuthorization) != "" {
		return headers, nil
	}
	if headers.Get(model.HeaderDate) == "" {
		headers.Set(model.HeaderDate, time.Now().UTC().Format(http.TimeFormat))
	}
	kind := req.TokenKind
	if kind == model.TokenInvalid {
		kind = model.TokenPrimaryMasterKey
	}
	token, err := tokens.AuthorizationToken(req.OperationType.HTTPMethod(), req.ResourceAddress, req.ResourceType, headers, kind)
	if err != nil {
		return nil, dcerrors.New(dcerrors.KindUnauthorized, dcerrors.SubStatusUnknown, "failed to sign request", err)
	}
	headers.Set(model.HeaderAuthorization, token)
	return headers, nil
}

// networkError converts a failure to reach a replica into a StoreError.
// Reads surface Gone so the caller retries on another replica; writes may have
// been applied and surface ServiceUnavailable or RequestTimeout instead.
func networkError(ctx context.Context, req *model.Request, addr model.ReplicaAddress, err error) *dcerrors.StoreError {
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var se *dcerrors.StoreError
	switch {
	case timedOut && req.IsReadOnly():
		se = dcerrors.Gone(dcerrors.SubStatusTimeoutGenerated410, "replica request timed out", err)
	case timedOut:
		se = dcerrors.RequestTimeout("replica request timed out", err)
	case req.IsReadOnly():
		se = dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "replica unreachable", err)
	default:
		se = dcerrors.ServiceUnavailable("replica unreachable", err)
	}
	se = se.WithResourceAddress(req.ResourceAddress).WithReplicas([]string{addr.PhysicalURI})
	if req.Context != nil {
		se = se.WithActivityID(req.Context.ActivityID)
	}
	return se.WithTriggerAddressRefresh()
}

// responseError converts a non-success replica status into a StoreError.
func responseError(req *model.Request, addr model.ReplicaAddress, status int, headers model.Headers, body []byte) *dcerrors.StoreError {
	se := dcerrors.FromResponse(status, headers, body, req.ResourceAddress).WithReplicas([]string{addr.PhysicalURI})
	if req.Context != nil {
		se = se.WithActivityID(req.Context.ActivityID)
	}
	return se
}

func isSuccess(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotModified
}

func statusLabel(status int, err error) string {
	if se, ok := dcerrors.As(err); ok {
		return fmt.Sprintf("%d", se.StatusCode)
	}
	if err != nil {
		return "error"
	}
	return fmt.Sprintf("%d", status)
}
