package consistency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

const maxGoneRetryBackoff = 2 * time.Second

// ReplicatedClientOptions configures a ReplicatedClient.
type ReplicatedClientOptions struct {
	Config   config.ConsistencyConfig
	Sessions SessionContainer
	Logger   *zap.Logger
}

// ReplicatedClient is the entry point of the data plane: it routes reads and
// writes to the consistency reader or writer and re-drives requests that
// failed because cached topology went stale.
type ReplicatedClient struct {
	reader *ConsistencyReader
	writer *ConsistencyWriter
	opts   ReplicatedClientOptions
	logger *zap.Logger
}

func NewReplicatedClient(reader *ConsistencyReader, writer *ConsistencyWriter, opts ReplicatedClientOptions) *ReplicatedClient {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ReplicatedClient{
		reader: reader,
		writer: writer,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Invoke executes req and records the session token of a successful response.
func (c *ReplicatedClient) Invoke(ctx context.Context, req *model.Request) (*model.StoreResponse, error) {
	if req.TokenKind == model.TokenInvalid {
		req.TokenKind = model.TokenPrimaryMasterKey
	}
	if req.Headers == nil {
		req.Headers = make(model.Headers)
	}
	if c.opts.Sessions != nil && req.Headers.Get(model.HeaderSessionToken) == "" {
		if token := c.opts.Sessions.ResolveSessionToken(req); token != "" {
			req.Headers.Set(model.HeaderSessionToken, token)
		}
	}

	forceRefresh := false
	for attempt := 0; ; attempt++ {
		var (
			resp *model.StoreResponse
			err  error
		)
		if req.IsReadOnly() {
			resp, err = c.reader.Read(ctx, req)
		} else {
			resp, err = c.writer.Write(ctx, req, forceRefresh)
		}
		if err == nil {
			if c.opts.Sessions != nil {
				c.opts.Sessions.SetSessionToken(req, resp.Headers)
			}
			return resp, nil
		}

		if !c.prepareRetry(req, err, attempt) {
			return nil, err
		}
		forceRefresh = req.Context.ForceRefreshAddressCache

		c.logger.Debug("retrying request after stale topology error",
			zap.String("activity_id", req.Context.ActivityID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if err := sleep(ctx, c.backoff(req, attempt)); err != nil {
			return nil, err
		}
	}
}

// prepareRetry decides whether err can be cured by refreshing a cache tier
// and marks the request accordingly.
func (c *ReplicatedClient) prepareRetry(req *model.Request, err error, attempt int) bool {
	if attempt >= c.opts.Config.MaxGoneRetries || req.Context.TimeoutHelper.IsElapsed() {
		return false
	}
	se, ok := dcerrors.As(err)
	if !ok {
		return false
	}
	switch se.Kind {
	case dcerrors.KindGone:
		req.Context.ForceRefreshAddressCache = true
	case dcerrors.KindInvalidPartition:
		req.ForceNameCacheRefresh = true
		req.Context.ResolvedRange = nil
		req.Context.ClearQuorumSelection()
	case dcerrors.KindPartitionKeyRangeGone, dcerrors.KindPartitionKeyRangeIsSplitting, dcerrors.KindPartitionIsMigrating:
		req.ForceCollectionRoutingMapRefresh = true
		req.Context.ForceRefreshAddressCache = true
	default:
		return false
	}
	return true
}

// backoff retries immediately once, then doubles up to a cap, never past
// the request deadline.
func (c *ReplicatedClient) backoff(req *model.Request, attempt int) time.Duration {
	if attempt == 0 || c.opts.Config.GoneRetryBackoff <= 0 {
		return 0
	}
	d := c.opts.Config.GoneRetryBackoff << (attempt - 1)
	if d <= 0 || d > maxGoneRetryBackoff {
		d = maxGoneRetryBackoff
	}
	if remaining := req.Context.TimeoutHelper.Remaining(); d > remaining {
		d = remaining
	}
	return d
}
