package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/model"
)

// HTTPTransport talks to replicas over HTTPS.
type HTTPTransport struct {
	opts   Options
	client *http.Client
}

// NewHTTPTransport creates an HTTPS transport. A nil client gets one built from
// the transport configuration.
func NewHTTPTransport(opts Options, client *http.Client) *HTTPTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{
			Timeout: opts.Config.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.Config.InsecureSkipVerify}, //nolint:gosec
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPTransport{opts: opts, client: client}
}

// Invoke sends the request to the replica.
func (t *HTTPTransport) Invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error) {
	start := time.Now()
	resp, err := t.invoke(ctx, addr, req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.opts.Metrics.RecordReplicaRequest(string(req.OperationType), statusLabel(status, err), time.Since(start).Seconds())
	return resp, err
}

func (t *HTTPTransport) invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error) {
	var helper *model.TimeoutHelper
	if req.Context != nil {
		helper = req.Context.TimeoutHelper
	}
	ctx, cancel := helper.WithDeadline(ctx)
	defer cancel()

	headers, err := prepareHeaders(req, t.opts.Tokens)
	if err != nil {
		return nil, err
	}

	target := strings.TrimRight(addr.PhysicalURI, "/") + "/" + strings.TrimLeft(req.ResourceAddress, "/")
	httpReq, err := http.NewRequestWithContext(ctx, req.OperationType.HTTPMethod(), target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, networkError(ctx, req, addr, err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.opts.Logger.Debug("replica request failed",
			zap.String("replica", addr.PhysicalURI),
			zap.String("operation", string(req.OperationType)),
			zap.Error(err))
		return nil, networkError(ctx, req, addr, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, networkError(ctx, req, addr, err)
	}

	respHeaders := make(model.Headers, len(httpResp.Header))
	for k, vs := range httpResp.Header {
		if len(vs) > 0 {
			respHeaders.Set(k, vs[0])
		}
	}

	if !isSuccess(httpResp.StatusCode) {
		return nil, responseError(req, addr, httpResp.StatusCode, respHeaders, body)
	}
	return &model.StoreResponse{StatusCode: httpResp.StatusCode, Headers: respHeaders, Body: body}, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
