package consistency

import (
	"context"

	"go.uber.org/zap"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// ReaderOptions configures a ConsistencyReader.
type ReaderOptions struct {
	AccountConsistency model.ConsistencyLevel
	MaxReplicaSetSize  int
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// ConsistencyReader picks the read discipline for a request from its
// consistency level and serves it with the store or quorum reader.
type ConsistencyReader struct {
	reader  *StoreReader
	quorum  *QuorumReader
	calc    *QuorumCalculator
	opts    ReaderOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewConsistencyReader(reader *StoreReader, quorum *QuorumReader, opts ReaderOptions) *ConsistencyReader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ConsistencyReader{
		reader:  reader,
		quorum:  quorum,
		calc:    NewQuorumCalculator(),
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Read serves a read-only request.
func (r *ConsistencyReader) Read(ctx context.Context, req *model.Request) (*model.StoreResponse, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, requestTimeout(req)
	}

	target, mode, err := r.deduceReadMode(req)
	if err != nil {
		return nil, err
	}
	req.Context.OriginalRequestConsistencyLevel = target
	readQuorum := r.calc.ReadQuorum(r.opts.MaxReplicaSetSize)

	switch mode {
	case model.ReadModePrimary:
		res, err := r.reader.ReadPrimary(ctx, req, false, target == model.ConsistencySession)
		if err != nil {
			return nil, err
		}
		return res.ToResponse()

	case model.ReadModeAny:
		if target == model.ConsistencySession {
			return r.readSession(ctx, req)
		}
		return r.readAny(ctx, req)

	case model.ReadModeStrong:
		req.Context.PerformLocalRefreshOnGoneException = true
		return r.quorum.ReadStrong(ctx, req, readQuorum)

	default:
		req.Context.PerformLocalRefreshOnGoneException = true
		return r.quorum.ReadBoundedStaleness(ctx, req, readQuorum)
	}
}

// deduceReadMode returns the effective consistency level of req and the read
// mode that serves it. A request may relax but never strengthen the account
// consistency.
func (r *ConsistencyReader) deduceReadMode(req *model.Request) (model.ConsistencyLevel, model.ReadMode, error) {
	target := r.opts.AccountConsistency
	if value := req.Headers.Get(model.HeaderConsistencyLevel); value != "" {
		requested, err := model.ParseConsistencyLevel(value)
		if err != nil {
			return "", 0, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error())
		}
		if requested.IsStrongerThan(r.opts.AccountConsistency) {
			return "", 0, dcerrors.BadRequest(dcerrors.SubStatusUnknown,
				"consistency level "+string(requested)+" is stronger than the account level "+string(r.opts.AccountConsistency))
		}
		target = requested
	}

	if req.DefaultReplicaIndex != nil {
		return target, model.ReadModePrimary, nil
	}
	switch target {
	case model.ConsistencyStrong:
		return target, model.ReadModeStrong, nil
	case model.ConsistencyBoundedStaleness:
		return target, model.ReadModeBoundedStaleness, nil
	default:
		return target, model.ReadModeAny, nil
	}
}

func (r *ConsistencyReader) readAny(ctx context.Context, req *model.Request) (*model.StoreResponse, error) {
	results, err := r.reader.ReadMultiple(ctx, req, ReadOptions{
		IncludePrimary:     true,
		ReplicaCountToRead: 1,
		ReadMode:           model.ReadModeAny,
	})
	if err != nil {
		return nil, err
	}
	return results[0].ToResponse()
}

// readSession reads from any replica that has caught up with the request's
// session token.
func (r *ConsistencyReader) readSession(ctx context.Context, req *model.Request) (*model.StoreResponse, error) {
	req.Context.SessionToken = nil
	results, err := r.reader.ReadMultiple(ctx, req, ReadOptions{
		IncludePrimary:     true,
		ReplicaCountToRead: 1,
		RequiresValidLSN:   true,
		UseSessionToken:    true,
		ReadMode:           model.ReadModeAny,
		CheckMinLSN:        true,
	})
	if len(results) > 0 {
		return results[0].ToResponse()
	}
	if err != nil && !isPlainShortfall(err) {
		return nil, err
	}
	r.logger.Debug("no replica satisfies the session token",
		zap.String("activity_id", req.Context.ActivityID),
		zap.String("session_token", req.Headers.Get(model.HeaderSessionToken)))
	return nil, dcerrors.NotFound(dcerrors.SubStatusReadSessionNotAvailable, "the read session is not available for the input session token").
		WithResourceAddress(req.ResourceAddress).
		WithActivityID(req.Context.ActivityID).
		WithReplicas(contactedAddresses(req))
}

// isPlainShortfall reports whether err only says that too few replicas
// answered, as opposed to a replica reporting Gone.
func isPlainShortfall(err error) bool {
	se, ok := dcerrors.As(err)
	return ok && se.SubStatus == dcerrors.SubStatusReadQuorumNotMet && se.Cause == nil
}
