package consistency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/auth"
	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/transport"
)

// WriterOptions configures a ConsistencyWriter.
type WriterOptions struct {
	Config                    config.ConsistencyConfig
	AccountConsistency        model.ConsistencyLevel
	UseMultipleWriteLocations bool
	Tokens                    auth.TokenProvider
	Background                Scheduler
	Metrics                   *metrics.Metrics
	Logger                    *zap.Logger
}

// ConsistencyWriter sends writes to the primary replica. When the account is
// Strong and has read regions, a write only completes once its LSN is
// globally committed.
type ConsistencyWriter struct {
	selector  AddressSelector
	transport transport.Client
	reader    *StoreReader
	opts      WriterOptions
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewConsistencyWriter(selector AddressSelector, client transport.Client, reader *StoreReader, opts WriterOptions) *ConsistencyWriter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ConsistencyWriter{
		selector:  selector,
		transport: client,
		reader:    reader,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Write sends req to the primary and, for global strong writes, waits for
// global commit. A write that already reached the primary on an earlier
// attempt only re-runs the barrier.
func (w *ConsistencyWriter) Write(ctx context.Context, req *model.Request, forceRefresh bool) (*model.StoreResponse, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, requestTimeout(req)
	}

	if resp := req.Context.GlobalStrongWriteResponse; resp != nil {
		lsn := req.Context.GlobalStrongWriteLSN
		if lsn <= 0 {
			return nil, dcerrors.InternalServerError("global strong write resumed without a selected lsn", nil).
				WithResourceAddress(req.ResourceAddress).
				WithActivityID(req.Context.ActivityID)
		}
		req.Context.GlobalCommittedSelectedLSN = lsn
		if err := w.waitForGlobalCommit(ctx, req, lsn); err != nil {
			return nil, err
		}
		return resp, nil
	}

	primary, err := w.selector.ResolvePrimary(ctx, req, forceRefresh)
	if err != nil {
		return nil, err
	}

	restore, err := applySessionHeader(req, w.sendsSessionToken(req))
	if err != nil {
		return nil, err
	}
	resp, err := w.invoke(ctx, req, primary)
	restore()
	if err != nil {
		if dcerrors.ShouldTriggerAddressRefresh(err) {
			w.schedulePrimaryRefresh(req)
		}
		return nil, err
	}

	if !w.isGlobalStrong(resp) {
		return resp, nil
	}

	lsn := resp.LSN()
	globalCommitted := resp.GlobalCommittedLSN()
	if lsn == -1 || globalCommitted == -1 {
		w.logger.Warn("global strong write response is missing lsn headers",
			zap.String("activity_id", req.Context.ActivityID),
			zap.Int64("lsn", lsn),
			zap.Int64("global_committed_lsn", globalCommitted))
		return nil, dcerrors.Gone(dcerrors.SubStatusUnknown, "write response is missing lsn or global committed lsn", nil).
			WithResourceAddress(req.ResourceAddress).
			WithActivityID(req.Context.ActivityID)
	}

	req.Context.GlobalStrongWriteResponse = resp
	req.Context.GlobalStrongWriteLSN = lsn
	req.Context.GlobalCommittedSelectedLSN = lsn
	if globalCommitted >= lsn {
		return resp, nil
	}
	if err := w.waitForGlobalCommit(ctx, req, lsn); err != nil {
		return nil, err
	}
	return resp, nil
}

// sendsSessionToken reports whether the write carries a session token. Only
// multi-region write accounts interpret a partition-local token on writes.
func (w *ConsistencyWriter) sendsSessionToken(req *model.Request) bool {
	if !w.opts.UseMultipleWriteLocations {
		return false
	}
	level := w.opts.AccountConsistency
	if value := req.Headers.Get(model.HeaderConsistencyLevel); value != "" {
		level = model.ConsistencyLevel(value)
	}
	return level == model.ConsistencySession
}

func (w *ConsistencyWriter) isGlobalStrong(resp *model.StoreResponse) bool {
	return w.opts.AccountConsistency == model.ConsistencyStrong && resp.NumberOfReadRegions() > 0
}

func (w *ConsistencyWriter) invoke(ctx context.Context, req *model.Request, primary model.ReplicaAddress) (*model.StoreResponse, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, requestTimeout(req)
	}
	start := time.Now()
	resp, err := w.transport.Invoke(ctx, primary, req)

	diag := model.ContactedReplica{Address: primary.PhysicalURI, Duration: time.Since(start), LSN: -1}
	if resp != nil {
		req.Context.Charge.Add(resp.RequestCharge())
		diag.StatusCode = resp.StatusCode
		diag.LSN = resp.LSN()
	}
	if se, ok := dcerrors.As(err); ok {
		diag.StatusCode = se.StatusCode
		diag.SubStatus = se.SubStatus
	}
	if err != nil {
		diag.Err = err.Error()
	}
	req.Context.RecordReplica(diag)
	return resp, err
}

// waitForGlobalCommit polls any replica until one reports a global committed
// LSN of at least selectedLSN.
func (w *ConsistencyWriter) waitForGlobalCommit(ctx context.Context, req *model.Request, selectedLSN int64) error {
	barrier, err := NewBarrierRequest(req, w.opts.Tokens, -1, selectedLSN)
	if err != nil {
		return err
	}

	maxAttempts := w.opts.Config.MaxGlobalBarrierRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		barrier.Context.ForceRefreshAddressCache = attempt == 1
		results, err := w.reader.ReadMultiple(ctx, barrier, ReadOptions{
			IncludePrimary:     true,
			ReplicaCountToRead: 1,
			ReadMode:           model.ReadModeStrong,
		})
		if err != nil && !dcerrors.HasSubStatus(err, dcerrors.SubStatusReadQuorumNotMet) {
			return err
		}
		for _, res := range results {
			if res.GlobalCommittedLSN >= selectedLSN {
				w.metrics.RecordBarrier("global_write", attempt, true)
				return nil
			}
		}
		if attempt < maxAttempts {
			if err := sleep(ctx, globalBarrierDelay(w.opts.Config, attempt)); err != nil {
				return err
			}
		}
	}

	w.metrics.RecordBarrier("global_write", maxAttempts, false)
	w.logger.Warn("global strong write barrier not met",
		zap.String("activity_id", req.Context.ActivityID),
		zap.Int64("selected_lsn", selectedLSN),
		zap.Int("attempts", maxAttempts))
	return dcerrors.Gone(dcerrors.SubStatusGlobalStrongWriteBarrierNotMet, "global strong write barrier has not been met", nil).
		WithResourceAddress(req.ResourceAddress).
		WithActivityID(req.Context.ActivityID).
		WithReplicas(contactedAddresses(barrier))
}

func (w *ConsistencyWriter) schedulePrimaryRefresh(req *model.Request) {
	if w.opts.Background == nil || !req.Context.MarkBackgroundRefresh() {
		return
	}
	refresh := req.Clone()
	refresh.Context.ResolvedRange = nil
	refresh.Context.TimeoutHelper = nil
	submitted := w.opts.Background.TrySubmit("primary-refresh", func(ctx context.Context) error {
		_, err := w.selector.ResolvePrimary(ctx, refresh, true)
		return err
	})
	if !submitted {
		w.metrics.RecordBackgroundRefresh("dropped")
	}
}
