package model

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OperationType is the logical operation a request performs.
type OperationType string

const (
	OperationCreate   OperationType = "Create"
	OperationRead     OperationType = "Read"
	OperationReadFeed OperationType = "ReadFeed"
	OperationReplace  OperationType = "Replace"
	OperationUpsert   OperationType = "Upsert"
	OperationDelete   OperationType = "Delete"
	OperationPatch    OperationType = "Patch"
	OperationQuery    OperationType = "Query"
	OperationExecute  OperationType = "ExecuteJavaScript"
	OperationHead     OperationType = "Head"
	OperationHeadFeed OperationType = "HeadFeed"
)

// IsReadOnly reports whether the operation never mutates state.
func (o OperationType) IsReadOnly() bool {
	switch o {
	case OperationRead, OperationReadFeed, OperationQuery, OperationHead, OperationHeadFeed:
		return true
	default:
		return false
	}
}

// IsFeed reports whether the operation enumerates resources.
func (o OperationType) IsFeed() bool {
	return o == OperationReadFeed || o == OperationQuery || o == OperationHeadFeed
}

// ResourceType is the kind of resource a request addresses.
type ResourceType string

const (
	ResourceDatabase          ResourceType = "dbs"
	ResourceCollection        ResourceType = "colls"
	ResourceDocument          ResourceType = "docs"
	ResourceAttachment        ResourceType = "attachments"
	ResourceConflict          ResourceType = "conflicts"
	ResourceStoredProcedure   ResourceType = "sprocs"
	ResourceTrigger           ResourceType = "triggers"
	ResourceUserDefinedFunc   ResourceType = "udfs"
	ResourcePartitionKeyRange ResourceType = "pkranges"
	ResourceUser              ResourceType = "users"
	ResourcePermission        ResourceType = "permissions"
	ResourceOffer             ResourceType = "offers"
	ResourceDatabaseAccount   ResourceType = "databaseaccount"
)

// IsMaster reports whether the resource lives in the metadata partition.
func (r ResourceType) IsMaster() bool {
	switch r {
	case ResourceDatabase, ResourceUser, ResourcePermission, ResourceOffer, ResourceDatabaseAccount:
		return true
	default:
		return false
	}
}

// IsCollectionChild reports whether the resource is stored inside a collection.
func (r ResourceType) IsCollectionChild() bool {
	switch r {
	case ResourceDocument, ResourceAttachment, ResourceConflict, ResourceStoredProcedure,
		ResourceTrigger, ResourceUserDefinedFunc, ResourcePartitionKeyRange:
		return true
	default:
		return false
	}
}

// ConsistencyLevel is an account or request consistency level.
type ConsistencyLevel string

const (
	ConsistencyStrong           ConsistencyLevel = "Strong"
	ConsistencyBoundedStaleness ConsistencyLevel = "BoundedStaleness"
	ConsistencySession          ConsistencyLevel = "Session"
	ConsistencyConsistentPrefix ConsistencyLevel = "ConsistentPrefix"
	ConsistencyEventual         ConsistencyLevel = "Eventual"
)

func (c ConsistencyLevel) strength() int {
	switch c {
	case ConsistencyStrong:
		return 4
	case ConsistencyBoundedStaleness:
		return 3
	case ConsistencySession:
		return 2
	case ConsistencyConsistentPrefix:
		return 1
	default:
		return 0
	}
}

// IsStrongerThan reports whether c gives stronger guarantees than other.
func (c ConsistencyLevel) IsStrongerThan(other ConsistencyLevel) bool {
	return c.strength() > other.strength()
}

// ParseConsistencyLevel validates a consistency level name.
func ParseConsistencyLevel(name string) (ConsistencyLevel, error) {
	switch level := ConsistencyLevel(name); level {
	case ConsistencyStrong, ConsistencyBoundedStaleness, ConsistencySession,
		ConsistencyConsistentPrefix, ConsistencyEventual:
		return level, nil
	default:
		return "", fmt.Errorf("unknown consistency level %q", name)
	}
}

// ReadMode is the replica read discipline chosen for a read.
type ReadMode int

const (
	ReadModePrimary ReadMode = iota
	ReadModeStrong
	ReadModeBoundedStaleness
	ReadModeAny
)

func (m ReadMode) String() string {
	switch m {
	case ReadModePrimary:
		return "Primary"
	case ReadModeStrong:
		return "Strong"
	case ReadModeBoundedStaleness:
		return "BoundedStaleness"
	default:
		return "Any"
	}
}

// TokenKind is the kind of authorization token a request carries.
type TokenKind int

const (
	TokenInvalid TokenKind = iota
	TokenPrimaryMasterKey
	TokenSecondaryMasterKey
	TokenPrimaryReadonlyMasterKey
	TokenSecondaryReadonlyMasterKey
	TokenResource
)

// IsMasterKey reports whether the token is minted from an account key.
func (k TokenKind) IsMasterKey() bool {
	switch k {
	case TokenPrimaryMasterKey, TokenSecondaryMasterKey, TokenPrimaryReadonlyMasterKey, TokenSecondaryReadonlyMasterKey:
		return true
	default:
		return false
	}
}

// Request is a logical request routed through the data plane.
type Request struct {
	OperationType   OperationType
	ResourceType    ResourceType
	ResourceAddress string
	ResourceID      string
	IsNameBased     bool
	Headers         Headers
	Body            []byte

	// PartitionKeyRangeIdentity pins the request to an explicit range.
	PartitionKeyRangeIdentity *PartitionKeyRangeIdentity
	DefaultReplicaIndex       *int
	TokenKind                 TokenKind

	ForceNameCacheRefresh            bool
	ForceCollectionRoutingMapRefresh bool

	// ServiceEndpoint is the regional endpoint chosen for the request.
	ServiceEndpoint string

	Context *RequestContext
}

// NewRequest creates a request with a fresh context bounded by timeout.
func NewRequest(op OperationType, rt ResourceType, address string, nameBased bool, timeout time.Duration) *Request {
	return &Request{
		OperationType:   op,
		ResourceType:    rt,
		ResourceAddress: address,
		IsNameBased:     nameBased,
		Headers:         make(Headers),
		Context:         NewRequestContext(timeout),
	}
}

func (r *Request) IsReadOnly() bool {
	return r.OperationType.IsReadOnly()
}

// CollectionRID returns the collection rid the request is scoped to, if known.
func (r *Request) CollectionRID() string {
	if r.PartitionKeyRangeIdentity != nil && r.PartitionKeyRangeIdentity.CollectionRID != "" {
		return r.PartitionKeyRangeIdentity.CollectionRID
	}
	return r.Headers.Get(HeaderCollectionRID)
}

// Clone copies the request. The clone shares no mutable state with r except
// the body slice; its context is a fresh copy.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.PartitionKeyRangeIdentity != nil {
		id := *r.PartitionKeyRangeIdentity
		out.PartitionKeyRangeIdentity = &id
	}
	if r.DefaultReplicaIndex != nil {
		idx := *r.DefaultReplicaIndex
		out.DefaultReplicaIndex = &idx
	}
	if r.Context != nil {
		out.Context = r.Context.Clone()
	}
	return &out
}

// ChargeTracker accumulates request charge from concurrent replica calls.
type ChargeTracker struct {
	bits atomic.Uint64
}

func (c *ChargeTracker) Add(charge float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + charge)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *ChargeTracker) Total() float64 {
	return math.Float64frombits(c.bits.Load())
}

// ContactedReplica is one entry of the per-request diagnostics trail.
type ContactedReplica struct {
	Address    string
	StatusCode int
	SubStatus  int
	LSN        int64
	Err        string
	Duration   time.Duration
}

// RequestContext is per-request mutable state shared across the retry loop.
// Fields written from parallel replica calls use atomics or the mutex.
type RequestContext struct {
	ActivityID string

	ResolvedRange            *ResolvedPartitionRange
	ForceRefreshAddressCache bool
	// PerformLocalRefreshOnGoneException lets the store reader refresh addresses
	// itself instead of surfacing Gone to the caller.
	PerformLocalRefreshOnGoneException bool
	TimeoutHelper                      *TimeoutHelper
	OriginalRequestConsistencyLevel    ConsistencyLevel
	SessionToken                       *SessionToken

	QuorumSelectedLSN           int64
	GlobalCommittedSelectedLSN  int64
	QuorumSelectedStoreResponse *StoreResponse
	GlobalStrongWriteResponse   *StoreResponse
	// GlobalStrongWriteLSN is the LSN of GlobalStrongWriteResponse. It
	// survives ClearQuorumSelection so a resumed barrier keeps its target.
	GlobalStrongWriteLSN int64

	Charge ChargeTracker

	performedBackgroundRefresh atomic.Bool

	mu       sync.Mutex
	replicas []ContactedReplica
}

func NewRequestContext(timeout time.Duration) *RequestContext {
	return &RequestContext{
		ActivityID:                 uuid.NewString(),
		TimeoutHelper:              NewTimeoutHelper(timeout),
		QuorumSelectedLSN:          -1,
		GlobalCommittedSelectedLSN: -1,
		GlobalStrongWriteLSN:       -1,
	}
}

// MarkBackgroundRefresh returns true for the first caller only.
func (c *RequestContext) MarkBackgroundRefresh() bool {
	return c.performedBackgroundRefresh.CompareAndSwap(false, true)
}

func (c *RequestContext) RecordReplica(r ContactedReplica) {
	c.mu.Lock()
	c.replicas = append(c.replicas, r)
	c.mu.Unlock()
}

// ContactedReplicas returns a snapshot of the diagnostics trail.
func (c *RequestContext) ContactedReplicas() []ContactedReplica {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ContactedReplica, len(c.replicas))
	copy(out, c.replicas)
	return out
}

// ClearQuorumSelection drops state selected against a previous target range.
func (c *RequestContext) ClearQuorumSelection() {
	c.QuorumSelectedLSN = -1
	c.GlobalCommittedSelectedLSN = -1
	c.QuorumSelectedStoreResponse = nil
}

// Clone copies the context for a derived request (barrier probes, background refresh).
// Charges and diagnostics start empty.
func (c *RequestContext) Clone() *RequestContext {
	out := &RequestContext{
		ActivityID:                         c.ActivityID,
		ForceRefreshAddressCache:           c.ForceRefreshAddressCache,
		PerformLocalRefreshOnGoneException: c.PerformLocalRefreshOnGoneException,
		TimeoutHelper:                      c.TimeoutHelper,
		OriginalRequestConsistencyLevel:    c.OriginalRequestConsistencyLevel,
		SessionToken:                       c.SessionToken,
		QuorumSelectedLSN:                  c.QuorumSelectedLSN,
		GlobalCommittedSelectedLSN:         c.GlobalCommittedSelectedLSN,
		QuorumSelectedStoreResponse:        c.QuorumSelectedStoreResponse,
		GlobalStrongWriteResponse:          c.GlobalStrongWriteResponse,
		GlobalStrongWriteLSN:               c.GlobalStrongWriteLSN,
	}
	if c.ResolvedRange != nil {
		rr := *c.ResolvedRange
		out.ResolvedRange = &rr
	}
	return out
}

// HTTPMethod returns the verb used to carry the operation over HTTP.
func (o OperationType) HTTPMethod() string {
	switch o {
	case OperationCreate, OperationUpsert, OperationQuery, OperationExecute:
		return "POST"
	case OperationReplace:
		return "PUT"
	case OperationPatch:
		return "PATCH"
	case OperationDelete:
		return "DELETE"
	case OperationHead, OperationHeadFeed:
		return "HEAD"
	default:
		return "GET"
	}
}
