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
)

type quorumOutcome int

const (
	quorumNotSelected quorumOutcome = iota
	quorumSelected
	quorumMet
)

func (o quorumOutcome) String() string {
	switch o {
	case quorumMet:
		return "met"
	case quorumSelected:
		return "selected"
	default:
		return "not_selected"
	}
}

type quorumResult struct {
	outcome                    quorumOutcome
	selectedLSN                int64
	globalCommittedSelectedLSN int64
	selected                   *StoreResult
	results                    []*StoreResult
}

func (q quorumResult) response() (*model.StoreResponse, error) {
	if q.selected == nil {
		return nil, dcerrors.Gone(dcerrors.SubStatusReadQuorumNotMet, "no replica response selected", nil)
	}
	return q.selected.ToResponse()
}

type primaryOutcome int

const (
	primaryQuorumNotMet primaryOutcome = iota
	primaryQuorumInconclusive
	primaryQuorumMet
)

// QuorumReaderOptions configures a QuorumReader.
type QuorumReaderOptions struct {
	Config config.ConsistencyConfig
	// AccountConsistency is the account default; global strong reads only
	// apply when it is Strong.
	AccountConsistency model.ConsistencyLevel
	Tokens             auth.TokenProvider
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// QuorumReader serves Strong and BoundedStaleness reads from a read quorum of
// replicas, waiting on LSN barriers when the quorum has not converged.
type QuorumReader struct {
	reader  *StoreReader
	cfg     config.ConsistencyConfig
	account model.ConsistencyLevel
	tokens  auth.TokenProvider
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewQuorumReader(reader *StoreReader, opts QuorumReaderOptions) *QuorumReader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &QuorumReader{
		reader:  reader,
		cfg:     opts.Config,
		account: opts.AccountConsistency,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// ReadStrong returns a response that reflects every write acknowledged before
// the read started.
func (q *QuorumReader) ReadStrong(ctx context.Context, req *model.Request, readQuorum int) (*model.StoreResponse, error) {
	return q.read(ctx, req, readQuorum, model.ReadModeStrong)
}

// ReadBoundedStaleness returns the most recent response agreed by a read quorum.
func (q *QuorumReader) ReadBoundedStaleness(ctx context.Context, req *model.Request, readQuorum int) (*model.StoreResponse, error) {
	return q.read(ctx, req, readQuorum, model.ReadModeBoundedStaleness)
}

func (q *QuorumReader) read(ctx context.Context, req *model.Request, readQuorum int, mode model.ReadMode) (*model.StoreResponse, error) {
	var (
		includePrimary      bool
		readFromPrimaryDone bool
	)
	for attempt := 0; attempt < q.cfg.MaxReadQuorumRetries; attempt++ {
		if req.Context.TimeoutHelper.IsElapsed() {
			return nil, requestTimeout(req)
		}

		result, err := q.readQuorum(ctx, req, readQuorum, includePrimary, mode)
		if err != nil {
			return nil, err
		}
		q.metrics.RecordQuorumOutcome(mode.String(), result.outcome.String())

		switch result.outcome {
		case quorumMet:
			return result.response()

		case quorumSelected:
			if mode == model.ReadModeBoundedStaleness {
				return result.response()
			}
			barrier, err := NewBarrierRequest(req, q.tokens, result.selectedLSN, result.globalCommittedSelectedLSN)
			if err != nil {
				return nil, err
			}
			met, err := q.waitForReadBarrier(ctx, barrier, true, readQuorum, result.selectedLSN, result.globalCommittedSelectedLSN, mode)
			if err != nil {
				return nil, err
			}
			if met {
				return result.response()
			}
			q.logger.Warn("read barrier not met, retrying quorum read",
				zap.String("activity_id", req.Context.ActivityID),
				zap.Int64("selected_lsn", result.selectedLSN),
				zap.Int64("selected_global_committed_lsn", result.globalCommittedSelectedLSN))
			req.Context.QuorumSelectedLSN = result.selectedLSN
			req.Context.GlobalCommittedSelectedLSN = result.globalCommittedSelectedLSN
			req.Context.QuorumSelectedStoreResponse = result.selected.Response

		case quorumNotSelected:
			if readFromPrimaryDone {
				q.logger.Warn("primary read already performed, read quorum not met",
					zap.String("activity_id", req.Context.ActivityID))
				return nil, q.quorumNotMet(req)
			}
			req.Context.QuorumSelectedStoreResponse = nil
			outcome, resp, err := q.readPrimary(ctx, req, readQuorum)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case primaryQuorumMet:
				return resp, nil
			case primaryQuorumNotMet:
				return nil, q.quorumNotMet(req)
			}
			includePrimary = true
			readFromPrimaryDone = true
		}
	}
	q.logger.Warn("read quorum retries exhausted",
		zap.String("activity_id", req.Context.ActivityID),
		zap.Int("retries", q.cfg.MaxReadQuorumRetries))
	return nil, q.quorumNotMet(req)
}

// readQuorum reads from readQuorum replicas, or resumes from a selection a
// previous failed barrier stored on the request context.
func (q *QuorumReader) readQuorum(ctx context.Context, req *model.Request, readQuorum int, includePrimary bool, mode model.ReadMode) (quorumResult, error) {
	if req.Context.QuorumSelectedStoreResponse != nil {
		resp := req.Context.QuorumSelectedStoreResponse
		return quorumResult{
			outcome:                    quorumSelected,
			selectedLSN:                req.Context.QuorumSelectedLSN,
			globalCommittedSelectedLSN: req.Context.GlobalCommittedSelectedLSN,
			selected:                   newStoreResult(resp, nil, true, q.reader.opts.UseLocalLSN, ""),
		}, nil
	}

	results, err := q.reader.ReadMultiple(ctx, req, ReadOptions{
		IncludePrimary:     includePrimary,
		ReplicaCountToRead: readQuorum,
		RequiresValidLSN:   true,
		ReadMode:           mode,
		CheckMinLSN:        true,
	})
	if err != nil && !dcerrors.HasSubStatus(err, dcerrors.SubStatusReadQuorumNotMet) {
		return quorumResult{}, err
	}
	if len(results) < readQuorum {
		return quorumResult{outcome: quorumNotSelected, results: results}, nil
	}

	met, readLSN, gclsn, selected := q.isQuorumMet(results, readQuorum, mode)
	if met {
		return quorumResult{outcome: quorumMet, selectedLSN: readLSN, globalCommittedSelectedLSN: gclsn, selected: selected, results: results}, nil
	}
	return quorumResult{outcome: quorumSelected, selectedLSN: readLSN, globalCommittedSelectedLSN: gclsn, selected: selected, results: results}, nil
}

// isQuorumMet decides whether the valid results already agree on the latest
// write. It returns the LSN to read at, the global committed LSN to wait for
// (or -1), and the selected response.
func (q *QuorumReader) isQuorumMet(results []*StoreResult, readQuorum int, mode model.ReadMode) (bool, int64, int64, *StoreResult) {
	var (
		maxLSN       int64
		minLSN       int64 = -1
		countAtMax   int
		validCount   int
		maxGlobalLSN int64 = -1
		selected     *StoreResult
	)
	for _, r := range results {
		if !r.Valid {
			continue
		}
		validCount++
		switch {
		case r.LSN == maxLSN:
			countAtMax++
		case r.LSN > maxLSN:
			countAtMax = 1
			maxLSN = r.LSN
		}
		if minLSN == -1 || r.LSN < minLSN {
			minLSN = r.LSN
		}
		if r.GlobalCommittedLSN > maxGlobalLSN {
			maxGlobalLSN = r.GlobalCommittedLSN
		}
	}
	for _, r := range results {
		if r.Valid && r.LSN == maxLSN {
			selected = r
			break
		}
	}
	if selected == nil {
		return false, -1, -1, nil
	}

	readLSN := maxLSN
	if selected.ItemLSN != -1 && selected.ItemLSN < maxLSN {
		readLSN = selected.ItemLSN
	}
	checkGlobalStrong := q.isGlobalStrongCandidate(mode) && selected.NumberOfReadRegions > 0
	globalCommitted := int64(-1)
	if checkGlobalStrong {
		globalCommitted = readLSN
	}

	if readLSN > 0 && countAtMax >= readQuorum && (!checkGlobalStrong || maxGlobalLSN >= maxLSN) {
		return true, readLSN, globalCommitted, selected
	}
	if validCount >= readQuorum && selected.ItemLSN != -1 && minLSN != -1 && selected.ItemLSN <= minLSN &&
		(!checkGlobalStrong || selected.ItemLSN <= maxGlobalLSN) {
		return true, readLSN, globalCommitted, selected
	}
	return false, readLSN, globalCommitted, selected
}

func (q *QuorumReader) isGlobalStrongCandidate(mode model.ReadMode) bool {
	return mode == model.ReadModeStrong && q.account == model.ConsistencyStrong
}

// readPrimary falls back to the primary when secondaries cannot form a quorum.
func (q *QuorumReader) readPrimary(ctx context.Context, req *model.Request, readQuorum int) (primaryOutcome, *model.StoreResponse, error) {
	if req.Context.TimeoutHelper.IsElapsed() {
		return primaryQuorumNotMet, nil, requestTimeout(req)
	}
	req.Context.ForceRefreshAddressCache = false

	res, err := q.reader.ReadPrimary(ctx, req, true, false)
	if err != nil {
		return primaryQuorumNotMet, nil, err
	}
	if !res.Valid {
		if res.Err != nil {
			return primaryQuorumNotMet, nil, res.Err
		}
		return primaryQuorumNotMet, nil, dcerrors.Gone(dcerrors.SubStatusUnknown, "primary returned no valid lsn", nil)
	}
	if res.ReplicaSetSize <= 0 || res.LSN < 0 || res.QuorumAckedLSN < 0 {
		q.logger.Warn("primary response is missing replica set size or lsn",
			zap.String("replica", res.PhysicalAddress),
			zap.Int64("replica_set_size", res.ReplicaSetSize),
			zap.Int64("lsn", res.LSN),
			zap.Int64("quorum_acked_lsn", res.QuorumAckedLSN))
		return primaryQuorumNotMet, nil, dcerrors.Gone(dcerrors.SubStatusUnknown, "primary response is missing lsn headers", nil).
			WithResourceAddress(req.ResourceAddress).
			WithActivityID(req.Context.ActivityID)
	}
	if res.ReplicaSetSize > int64(readQuorum) {
		q.logger.Debug("replica set larger than read quorum, retrying on secondaries",
			zap.Int64("replica_set_size", res.ReplicaSetSize),
			zap.Int("read_quorum", readQuorum))
		return primaryQuorumInconclusive, nil, nil
	}
	if res.LSN != res.QuorumAckedLSN {
		barrier, err := NewBarrierRequest(req, q.tokens, res.LSN, -1)
		if err != nil {
			return primaryQuorumNotMet, nil, err
		}
		met, err := q.waitForPrimaryLSN(ctx, barrier, res.LSN, readQuorum)
		if err != nil {
			return primaryQuorumNotMet, nil, err
		}
		if !met {
			return primaryQuorumNotMet, nil, nil
		}
	}
	resp, err := res.ToResponse()
	if err != nil {
		return primaryQuorumNotMet, nil, err
	}
	return primaryQuorumMet, resp, nil
}

func (q *QuorumReader) waitForPrimaryLSN(ctx context.Context, barrier *model.Request, target int64, readQuorum int) (bool, error) {
	for attempt := 1; attempt <= q.cfg.MaxPrimaryReadRetries; attempt++ {
		res, err := q.reader.ReadPrimary(ctx, barrier, true, false)
		if err != nil {
			return false, err
		}
		if !res.Valid {
			if res.Err != nil {
				return false, res.Err
			}
			return false, dcerrors.Gone(dcerrors.SubStatusUnknown, "primary returned no valid lsn", nil)
		}
		if res.ReplicaSetSize > int64(readQuorum) {
			q.metrics.RecordBarrier("primary", attempt, false)
			return false, nil
		}
		if res.QuorumAckedLSN >= target {
			q.metrics.RecordBarrier("primary", attempt, true)
			return true, nil
		}
		barrier.Context.ForceRefreshAddressCache = false
		if attempt < q.cfg.MaxPrimaryReadRetries {
			if err := sleep(ctx, q.cfg.ReadBarrierDelay); err != nil {
				return false, err
			}
		}
	}
	q.metrics.RecordBarrier("primary", q.cfg.MaxPrimaryReadRetries, false)
	return false, nil
}

// waitForReadBarrier polls a read quorum until it has caught up with
// targetLSN and, for global strong reads, targetGlobalCommittedLSN.
func (q *QuorumReader) waitForReadBarrier(ctx context.Context, barrier *model.Request, includePrimary bool, readQuorum int, targetLSN, targetGlobalCommittedLSN int64, mode model.ReadMode) (bool, error) {
	probe := func() (bool, error) {
		results, err := q.reader.ReadMultiple(ctx, barrier, ReadOptions{
			IncludePrimary:     includePrimary,
			ReplicaCountToRead: readQuorum,
			RequiresValidLSN:   true,
			ReadMode:           mode,
			ForceReadAll:       true,
		})
		if err != nil && !dcerrors.HasSubStatus(err, dcerrors.SubStatusReadQuorumNotMet) {
			return false, err
		}
		barrier.Context.ForceRefreshAddressCache = false
		return barrierMet(results, readQuorum, targetLSN, targetGlobalCommittedLSN), nil
	}

	for attempt := 1; attempt <= q.cfg.MaxReadBarrierRetries; attempt++ {
		met, err := probe()
		if err != nil {
			return false, err
		}
		if met {
			q.metrics.RecordBarrier("read", attempt, true)
			return true, nil
		}
		if attempt < q.cfg.MaxReadBarrierRetries {
			if err := sleep(ctx, q.cfg.ReadBarrierDelay); err != nil {
				return false, err
			}
		}
	}
	q.metrics.RecordBarrier("read", q.cfg.MaxReadBarrierRetries, false)

	if targetGlobalCommittedLSN <= 0 {
		return false, nil
	}
	for attempt := 1; attempt <= q.cfg.MaxGlobalBarrierRetries; attempt++ {
		met, err := probe()
		if err != nil {
			return false, err
		}
		if met {
			q.metrics.RecordBarrier("global_read", attempt, true)
			return true, nil
		}
		if err := sleep(ctx, globalBarrierDelay(q.cfg, attempt)); err != nil {
			return false, err
		}
	}
	q.metrics.RecordBarrier("global_read", q.cfg.MaxGlobalBarrierRetries, false)
	return false, nil
}

func (q *QuorumReader) quorumNotMet(req *model.Request) error {
	return dcerrors.Gone(dcerrors.SubStatusReadQuorumNotMet, "read quorum not met", nil).
		WithResourceAddress(req.ResourceAddress).
		WithActivityID(req.Context.ActivityID).
		WithReplicas(contactedAddresses(req))
}

func barrierMet(results []*StoreResult, readQuorum int, targetLSN, targetGlobalCommittedLSN int64) bool {
	var (
		caughtUp     int
		maxGlobalLSN int64 = -1
	)
	for _, r := range results {
		if r.LSN >= targetLSN {
			caughtUp++
		}
		if r.GlobalCommittedLSN > maxGlobalLSN {
			maxGlobalLSN = r.GlobalCommittedLSN
		}
	}
	if caughtUp < readQuorum {
		return false
	}
	return targetGlobalCommittedLSN <= 0 || maxGlobalLSN >= targetGlobalCommittedLSN
}

// globalBarrierDelay is the pause after a failed global barrier attempt:
// short for the first few attempts, longer afterwards.
func globalBarrierDelay(cfg config.ConsistencyConfig, attempt int) time.Duration {
	if attempt <= cfg.MaxShortGlobalBarrierRetries {
		return cfg.ShortGlobalBarrierDelay
	}
	return cfg.GlobalBarrierDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
