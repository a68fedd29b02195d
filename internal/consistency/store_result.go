// Package consistency implements quorum reads, primary writes and the LSN
// barriers that give each consistency level its guarantees.
package consistency

import (
	"fmt"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// StoreResult is the outcome of one replica call, success or failure.
type StoreResult struct {
	Response *model.StoreResponse
	Err      error

	StatusCode int
	SubStatus  int

	LSN                 int64
	QuorumAckedLSN      int64
	GlobalCommittedLSN  int64
	ItemLSN             int64
	ReplicaSetSize      int64
	WriteQuorum         int64
	NumberOfReadRegions int64
	RequestCharge       float64
	SessionToken        *model.SessionToken

	// Valid is false when a valid LSN was required and is missing, or the
	// call failed without a replica response.
	Valid              bool
	IsGone             bool
	IsNotFound         bool
	IsInvalidPartition bool

	PhysicalAddress string
}

// lsnHeaders picks the global or region-local LSN header names.
type lsnHeaders struct {
	lsn, quorumAcked, item string
}

var (
	globalLSNHeaders = lsnHeaders{model.HeaderLSN, model.HeaderQuorumAckedLSN, model.HeaderItemLSN}
	localLSNHeaders  = lsnHeaders{model.HeaderLocalLSN, model.HeaderQuorumAckedLocalLSN, model.HeaderItemLocalLSN}
)

func newStoreResult(resp *model.StoreResponse, err error, requiresValidLSN, useLocalLSN bool, address string) *StoreResult {
	names := globalLSNHeaders
	if useLocalLSN {
		names = localLSNHeaders
	}

	if resp != nil {
		r := fromHeaders(resp.Headers, names)
		r.Response = resp
		r.StatusCode = resp.StatusCode
		r.SubStatus = resp.SubStatus()
		r.PhysicalAddress = address
		r.Valid = !requiresValidLSN || r.LSN >= 0
		return r
	}

	se, ok := dcerrors.As(err)
	if !ok {
		return &StoreResult{
			Err:                err,
			LSN:                -1,
			QuorumAckedLSN:     -1,
			GlobalCommittedLSN: -1,
			ItemLSN:            -1,
			ReplicaSetSize:     -1,
			WriteQuorum:        -1,
			PhysicalAddress:    address,
		}
	}

	r := fromHeaders(model.NewHeaders(se.Headers), names)
	r.Err = err
	r.StatusCode = se.StatusCode
	r.SubStatus = se.SubStatus
	r.PhysicalAddress = address
	r.IsGone = se.StatusCode == dcerrors.StatusGone
	r.IsInvalidPartition = se.Kind == dcerrors.KindInvalidPartition
	r.IsNotFound = se.StatusCode == dcerrors.StatusNotFound
	r.Valid = !requiresValidLSN || ((!r.IsGone || r.IsInvalidPartition) && r.LSN >= 0)
	return r
}

func fromHeaders(h model.Headers, names lsnHeaders) *StoreResult {
	r := &StoreResult{
		LSN:                 h.Int64(names.lsn, -1),
		QuorumAckedLSN:      h.Int64(names.quorumAcked, -1),
		GlobalCommittedLSN:  h.Int64(model.HeaderGlobalCommittedLSN, -1),
		ItemLSN:             h.Int64(names.item, -1),
		ReplicaSetSize:      h.Int64(model.HeaderCurrentReplicaSetSize, -1),
		WriteQuorum:         h.Int64(model.HeaderCurrentWriteQuorum, -1),
		NumberOfReadRegions: h.Int64(model.HeaderNumberOfReadRegions, -1),
		RequestCharge:       h.Float64(model.HeaderRequestCharge, 0),
	}
	if r.LSN < 0 && names.lsn != model.HeaderLSN {
		// replicas that predate region-local LSNs only report the global ones
		return fromHeaders(h, globalLSNHeaders)
	}
	if token := h.Get(model.HeaderSessionToken); token != "" {
		if parsed, err := model.ParseSessionToken(token); err == nil {
			r.SessionToken = parsed
		}
	}
	return r
}

// ToResponse returns the replica response or the error it failed with.
func (r *StoreResult) ToResponse() (*model.StoreResponse, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Response, nil
}

func (r *StoreResult) String() string {
	return fmt.Sprintf("{%s status=%d/%d lsn=%d qack=%d gclsn=%d valid=%t}",
		r.PhysicalAddress, r.StatusCode, r.SubStatus, r.LSN, r.QuorumAckedLSN, r.GlobalCommittedLSN, r.Valid)
}
