package consistency

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/util/workerpool"
)

const testCollectionRID = "coll-rid-1"

type replicaHandler func(req *model.Request) (*model.StoreResponse, error)

// fakeTransport dispatches calls to a handler per physical address.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]replicaHandler
	calls    map[string]int
	requests []*model.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]replicaHandler),
		calls:    make(map[string]int),
	}
}

func (f *fakeTransport) handle(uri string, h replicaHandler) {
	f.mu.Lock()
	f.handlers[uri] = h
	f.mu.Unlock()
}

func (f *fakeTransport) Invoke(ctx context.Context, addr model.ReplicaAddress, req *model.Request) (*model.StoreResponse, error) {
	f.mu.Lock()
	f.calls[addr.PhysicalURI]++
	seen := *req
	seen.Headers = req.Headers.Clone()
	f.requests = append(f.requests, &seen)
	h := f.handlers[addr.PhysicalURI]
	f.mu.Unlock()
	if h == nil {
		return nil, dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "no handler for "+addr.PhysicalURI, nil)
	}
	return h(req)
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeTransport) callsTo(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *fakeTransport) countOperation(op model.OperationType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.OperationType == op {
			n++
		}
	}
	return n
}

// fakeSelector serves a fixed replica set for range "0" of the test collection.
type fakeSelector struct {
	mu          sync.Mutex
	addresses   []model.ReplicaAddress
	calls       int
	forcedCalls int
}

func newFakeSelector(addresses ...model.ReplicaAddress) *fakeSelector {
	return &fakeSelector{addresses: addresses}
}

func (s *fakeSelector) record(req *model.Request, forceRefresh bool) []model.ReplicaAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if forceRefresh {
		s.forcedCalls++
	}
	if req.Context != nil {
		req.Context.ResolvedRange = &model.ResolvedPartitionRange{
			CollectionRID: testCollectionRID,
			Range:         &model.PartitionKeyRange{ID: "0", MinInclusive: "", MaxExclusive: "FF"},
		}
	}
	out := make([]model.ReplicaAddress, len(s.addresses))
	copy(out, s.addresses)
	return out
}

func (s *fakeSelector) ResolveAll(ctx context.Context, req *model.Request, includePrimary, forceRefresh bool) ([]model.ReplicaAddress, error) {
	var out []model.ReplicaAddress
	for _, a := range s.record(req, forceRefresh) {
		if includePrimary || !a.IsPrimary {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeSelector) ResolvePrimary(ctx context.Context, req *model.Request, forceRefresh bool) (model.ReplicaAddress, error) {
	for _, a := range s.record(req, forceRefresh) {
		if a.IsPrimary {
			return a, nil
		}
	}
	return model.ReplicaAddress{}, dcerrors.Gone(dcerrors.SubStatusUnknown, "no primary", nil)
}

func (s *fakeSelector) forced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedCalls
}

// fakeScheduler records submissions and runs nothing.
type fakeScheduler struct {
	mu    sync.Mutex
	names []string
}

func (s *fakeScheduler) TrySubmit(name string, fn workerpool.TaskFunc) bool {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return true
}

func (s *fakeScheduler) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func secondary(name string) model.ReplicaAddress {
	return model.ReplicaAddress{PhysicalURI: "rntbd://" + name + ":9000/p/0/", Protocol: model.ProtocolTCP}
}

func primary(name string) model.ReplicaAddress {
	a := secondary(name)
	a.IsPrimary = true
	return a
}

type lsns struct {
	lsn             int64
	quorumAcked     int64
	globalCommitted int64
	item            int64
	replicaSetSize  int64
	readRegions     int64
	session         string
	body            string
}

func respond(v lsns) replicaHandler {
	return func(req *model.Request) (*model.StoreResponse, error) {
		return lsnResponse(v), nil
	}
}

func lsnResponse(v lsns) *model.StoreResponse {
	h := make(model.Headers)
	h.Set(model.HeaderLSN, strconv.FormatInt(v.lsn, 10))
	h.Set(model.HeaderRequestCharge, "1")
	if v.quorumAcked != 0 {
		h.Set(model.HeaderQuorumAckedLSN, strconv.FormatInt(v.quorumAcked, 10))
	}
	if v.globalCommitted != 0 {
		h.Set(model.HeaderGlobalCommittedLSN, strconv.FormatInt(v.globalCommitted, 10))
	}
	if v.item != 0 {
		h.Set(model.HeaderItemLSN, strconv.FormatInt(v.item, 10))
	}
	if v.replicaSetSize != 0 {
		h.Set(model.HeaderCurrentReplicaSetSize, strconv.FormatInt(v.replicaSetSize, 10))
	}
	if v.readRegions != 0 {
		h.Set(model.HeaderNumberOfReadRegions, strconv.FormatInt(v.readRegions, 10))
	}
	if v.session != "" {
		h.Set(model.HeaderSessionToken, v.session)
	}
	return &model.StoreResponse{StatusCode: 200, Headers: h, Body: []byte(v.body)}
}

func failWith(err error) replicaHandler {
	return func(req *model.Request) (*model.StoreResponse, error) {
		return nil, err
	}
}

func testConsistencyConfig() config.ConsistencyConfig {
	cfg := config.DefaultConfig().Consistency
	cfg.ReadBarrierDelay = time.Millisecond
	cfg.ShortGlobalBarrierDelay = time.Millisecond
	cfg.GlobalBarrierDelay = time.Millisecond
	cfg.GoneRetryBackoff = time.Millisecond
	return cfg
}

func readRequest(timeout time.Duration) *model.Request {
	req := model.NewRequest(model.OperationRead, model.ResourceDocument, "dbs/db1/colls/orders/docs/d1", true, timeout)
	req.TokenKind = model.TokenPrimaryMasterKey
	req.Headers.Set(model.HeaderCollectionRID, testCollectionRID)
	return req
}

func writeRequest(timeout time.Duration) *model.Request {
	req := model.NewRequest(model.OperationCreate, model.ResourceDocument, "dbs/db1/colls/orders/docs", true, timeout)
	req.TokenKind = model.TokenPrimaryMasterKey
	req.Headers.Set(model.HeaderCollectionRID, testCollectionRID)
	return req
}

func newTestReader(t *testing.T, sel AddressSelector, tr *fakeTransport, opts StoreReaderOptions) *StoreReader {
	t.Helper()
	opts.Logger = zap.NewNop()
	return NewStoreReader(sel, tr, opts)
}
