package consistency

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/transport"
	"github.com/devrev/pairdb/directconn/internal/util/workerpool"
)

// AddressSelector picks the replicas a request may contact.
type AddressSelector interface {
	ResolveAll(ctx context.Context, req *model.Request, includePrimary, forceRefresh bool) ([]model.ReplicaAddress, error)
	ResolvePrimary(ctx context.Context, req *model.Request, forceRefresh bool) (model.ReplicaAddress, error)
}

// Scheduler runs fire-and-forget background work.
type Scheduler interface {
	TrySubmit(name string, fn workerpool.TaskFunc) bool
}

// ReadOptions controls a multi-replica read.
type ReadOptions struct {
	IncludePrimary     bool
	ReplicaCountToRead int
	RequiresValidLSN   bool
	UseSessionToken    bool
	ReadMode           model.ReadMode
	// CheckMinLSN drops results whose LSN is below the highest quorum-acked
	// LSN among the accepted results.
	CheckMinLSN  bool
	ForceReadAll bool
}

// StoreReaderOptions configures a StoreReader.
type StoreReaderOptions struct {
	EnforceSessionCheck bool
	UseLocalLSN         bool
	Background          Scheduler
	Metrics             *metrics.Metrics
	Logger              *zap.Logger
}

// StoreReader reads from one or more replicas of a range in parallel.
type StoreReader struct {
	selector  AddressSelector
	transport transport.Client
	opts      StoreReaderOptions

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewStoreReader(selector AddressSelector, client transport.Client, opts StoreReaderOptions) *StoreReader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &StoreReader{
		selector:  selector,
		transport: client,
		opts:      opts,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// readAttempt is the outcome of one pass over the resolved replicas.
type readAttempt struct {
	results         []*StoreResult
	retryWithForced bool
	err             error
}

// ReadMultiple reads from up to opts.ReplicaCountToRead replicas and returns
// the accepted results. When fewer results than requested could be gathered
// the partial results are returned together with a Gone error carrying the
// ReadQuorumNotMet sub-status.
func (r *StoreReader) ReadMultiple(ctx context.Context, req *model.Request, opts ReadOptions) ([]*StoreResult, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, requestTimeout(req)
	}

	attempt := r.readMultipleOnce(ctx, req, opts)
	if attempt.retryWithForced && !req.Context.ForceRefreshAddressCache {
		r.opts.Logger.Debug("retrying replica read with forced address refresh",
			zap.String("resource", req.ResourceAddress))
		req.Context.ForceRefreshAddressCache = true
		attempt = r.readMultipleOnce(ctx, req, opts)
	}
	if attempt.err != nil {
		return attempt.results, attempt.err
	}
	if len(attempt.results) < opts.ReplicaCountToRead {
		return attempt.results, r.shortfall(req, opts, attempt.results, nil)
	}
	return attempt.results, nil
}

func (r *StoreReader) readMultipleOnce(ctx context.Context, req *model.Request, opts ReadOptions) readAttempt {
	addresses, err := r.selector.ResolveAll(ctx, req, opts.IncludePrimary, req.Context.ForceRefreshAddressCache)
	if err != nil {
		return readAttempt{err: err}
	}
	if len(addresses) < opts.ReplicaCountToRead {
		r.opts.Logger.Debug("not enough replicas resolved",
			zap.Int("resolved", len(addresses)),
			zap.Int("required", opts.ReplicaCountToRead))
		return readAttempt{retryWithForced: !req.Context.ForceRefreshAddressCache}
	}

	restore, err := applySessionHeader(req, opts.UseSessionToken)
	if err != nil {
		return readAttempt{err: err}
	}
	defer restore()
	var sessionToken *model.SessionToken
	if opts.UseSessionToken {
		if sessionToken, err = requestSessionToken(req); err != nil {
			return readAttempt{err: err}
		}
		req.Context.SessionToken = sessionToken
	}

	order := r.permutation(len(addresses))
	var (
		accepted []*StoreResult
		goneErr  error
		next     int
	)
	for next < len(order) {
		if req.Context.TimeoutHelper.IsElapsed() {
			return readAttempt{err: requestTimeout(req)}
		}

		batch := opts.ReplicaCountToRead - len(filterMinLSN(accepted, opts.CheckMinLSN))
		if opts.ForceReadAll || batch > len(order)-next {
			batch = len(order) - next
		}
		targets := make([]model.ReplicaAddress, 0, batch)
		for ; batch > 0; batch-- {
			targets = append(targets, addresses[order[next]])
			next++
		}

		for _, res := range r.invokeAll(ctx, req, targets, opts.RequiresValidLSN) {
			if res.Err != nil && !dcerrors.CanContinueOnReplicaError(res.Err) {
				r.opts.Logger.Debug("replica error aborts read",
					zap.String("replica", res.PhysicalAddress),
					zap.Error(res.Err))
				return readAttempt{err: res.Err}
			}
			if res.IsGone && !res.IsInvalidPartition {
				goneErr = res.Err
				r.scheduleAddressRefresh(req)
			}
			if res.Valid && acceptsSession(sessionToken, res, r.opts.EnforceSessionCheck) {
				accepted = append(accepted, res)
			}
		}

		if len(filterMinLSN(accepted, opts.CheckMinLSN)) >= opts.ReplicaCountToRead && !opts.ForceReadAll {
			break
		}
	}

	results := filterMinLSN(accepted, opts.CheckMinLSN)
	if len(results) >= opts.ReplicaCountToRead {
		return readAttempt{results: results}
	}

	r.opts.Logger.Debug("could not gather enough valid replica responses",
		zap.Int("valid", len(results)),
		zap.Int("required", opts.ReplicaCountToRead),
		zap.Int("resolved", len(addresses)))
	if goneErr != nil {
		if !req.Context.PerformLocalRefreshOnGoneException {
			return readAttempt{results: results, err: r.shortfall(req, opts, results, goneErr)}
		}
		if !req.Context.ForceRefreshAddressCache {
			return readAttempt{results: results, retryWithForced: true}
		}
	}
	return readAttempt{results: results}
}

// invokeAll calls the targets in parallel and records charge and diagnostics.
func (r *StoreReader) invokeAll(ctx context.Context, req *model.Request, targets []model.ReplicaAddress, requiresValidLSN bool) []*StoreResult {
	results := make([]*StoreResult, len(targets))
	var g errgroup.Group
	for i, addr := range targets {
		i, addr := i, addr
		g.Go(func() error {
			results[i] = r.invokeOne(ctx, req, addr, requiresValidLSN)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *StoreReader) invokeOne(ctx context.Context, req *model.Request, addr model.ReplicaAddress, requiresValidLSN bool) *StoreResult {
	start := time.Now()
	var (
		resp *model.StoreResponse
		err  error
	)
	if req.Context.TimeoutHelper.IsElapsed() {
		err = requestTimeout(req)
	} else {
		resp, err = r.transport.Invoke(ctx, addr, req)
	}
	res := newStoreResult(resp, err, requiresValidLSN, r.opts.UseLocalLSN, addr.PhysicalURI)

	req.Context.Charge.Add(res.RequestCharge)
	diag := model.ContactedReplica{
		Address:    addr.PhysicalURI,
		StatusCode: res.StatusCode,
		SubStatus:  res.SubStatus,
		LSN:        res.LSN,
		Duration:   time.Since(start),
	}
	if err != nil {
		diag.Err = err.Error()
	}
	req.Context.RecordReplica(diag)
	return res
}

// ReadPrimary reads from the primary replica, retrying once with a forced
// address refresh when the primary cannot be found or reports Gone.
func (r *StoreReader) ReadPrimary(ctx context.Context, req *model.Request, requiresValidLSN, useSessionToken bool) (*StoreResult, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, requestTimeout(req)
	}

	res, retry, err := r.readPrimaryOnce(ctx, req, requiresValidLSN, useSessionToken, false)
	if err != nil {
		return nil, err
	}
	if retry && !req.Context.ForceRefreshAddressCache {
		req.Context.ForceRefreshAddressCache = true
		if res, _, err = r.readPrimaryOnce(ctx, req, requiresValidLSN, useSessionToken, true); err != nil {
			return nil, err
		}
	}
	if res == nil {
		return nil, dcerrors.Gone(dcerrors.SubStatusUnknown, "primary replica is not available", nil).
			WithResourceAddress(req.ResourceAddress).
			WithActivityID(req.Context.ActivityID).
			WithReplicas(contactedAddresses(req))
	}
	return res, nil
}

func (r *StoreReader) readPrimaryOnce(ctx context.Context, req *model.Request, requiresValidLSN, useSessionToken, isRetry bool) (*StoreResult, bool, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return nil, false, requestTimeout(req)
	}
	primary, err := r.selector.ResolvePrimary(ctx, req, req.Context.ForceRefreshAddressCache)
	if err != nil {
		if dcerrors.IsPlainGone(err) && !isRetry {
			r.opts.Logger.Info("primary address not found, forcing address refresh",
				zap.String("resource", req.ResourceAddress))
			return nil, true, nil
		}
		return nil, false, err
	}

	restore, err := applySessionHeader(req, useSessionToken)
	if err != nil {
		return nil, false, err
	}
	defer restore()
	res := r.invokeOne(ctx, req, primary, requiresValidLSN)
	if res.IsGone && !res.IsInvalidPartition {
		r.scheduleAddressRefresh(req)
		return nil, true, nil
	}
	return res, false, nil
}

// scheduleAddressRefresh re-resolves the request's addresses in the
// background, at most once per request.
func (r *StoreReader) scheduleAddressRefresh(req *model.Request) {
	if r.opts.Background == nil || !req.Context.MarkBackgroundRefresh() {
		return
	}
	refresh := req.Clone()
	refresh.Context.ResolvedRange = nil
	refresh.Context.TimeoutHelper = nil
	submitted := r.opts.Background.TrySubmit("address-refresh", func(ctx context.Context) error {
		_, err := r.selector.ResolveAll(ctx, refresh, true, true)
		return err
	})
	if !submitted {
		r.opts.Metrics.RecordBackgroundRefresh("dropped")
	}
}

func (r *StoreReader) shortfall(req *model.Request, opts ReadOptions, results []*StoreResult, cause error) error {
	return dcerrors.Gone(dcerrors.SubStatusReadQuorumNotMet,
		fmt.Sprintf("read quorum not met: %d of %d replicas responded", len(results), opts.ReplicaCountToRead), cause).
		WithResourceAddress(req.ResourceAddress).
		WithActivityID(req.Context.ActivityID).
		WithReplicas(contactedAddresses(req))
}

// permutation returns 0..n-1 rotated to a random start index.
func (r *StoreReader) permutation(n int) []int {
	r.randMu.Lock()
	start := r.rand.Intn(n)
	r.randMu.Unlock()
	order := make([]int, n)
	for i := range order {
		order[i] = (start + i) % n
	}
	return order
}

func acceptsSession(token *model.SessionToken, res *StoreResult, enforce bool) bool {
	if token == nil {
		return true
	}
	if res.SessionToken != nil && token.IsValid(res.SessionToken) {
		return true
	}
	return !enforce && !res.IsNotFound
}

// filterMinLSN drops results below the highest quorum-acked LSN seen.
func filterMinLSN(results []*StoreResult, enabled bool) []*StoreResult {
	if !enabled || len(results) == 0 {
		return results
	}
	var minLSN int64 = -1
	for _, res := range results {
		if res.QuorumAckedLSN > minLSN {
			minLSN = res.QuorumAckedLSN
		}
	}
	out := make([]*StoreResult, 0, len(results))
	for _, res := range results {
		if res.LSN >= minLSN {
			out = append(out, res)
		}
	}
	return out
}

func contactedAddresses(req *model.Request) []string {
	replicas := req.Context.ContactedReplicas()
	out := make([]string, 0, len(replicas))
	for _, c := range replicas {
		out = append(out, c.Address)
	}
	return out
}

func requestTimeout(req *model.Request) error {
	return dcerrors.RequestTimeout("request timed out before the operation completed", nil).
		WithResourceAddress(req.ResourceAddress).
		WithActivityID(req.Context.ActivityID)
}
