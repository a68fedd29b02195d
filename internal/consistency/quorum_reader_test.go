package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

func newTestQuorumReader(t *testing.T, sel AddressSelector, tr *fakeTransport) *QuorumReader {
	t.Helper()
	return NewQuorumReader(newTestReader(t, sel, tr, StoreReaderOptions{}), QuorumReaderOptions{
		Config:             testConsistencyConfig(),
		AccountConsistency: model.ConsistencyStrong,
		Logger:             zap.NewNop(),
	})
}

// byOperation answers barrier probes (HEAD) and regular reads differently.
func byOperation(read, head lsns) replicaHandler {
	return func(req *model.Request) (*model.StoreResponse, error) {
		if req.OperationType == model.OperationHead || req.OperationType == model.OperationHeadFeed {
			return lsnResponse(head), nil
		}
		return lsnResponse(read), nil
	}
}

func TestQuorumCalculator(t *testing.T) {
	calc := NewQuorumCalculator()
	assert.Equal(t, 2, calc.ReadQuorum(4))
	assert.Equal(t, 2, calc.ReadQuorum(3))
	assert.Equal(t, 1, calc.ReadQuorum(1))
	assert.Equal(t, 1, calc.ReadQuorum(0))
	assert.Equal(t, 3, calc.ReadQuorum(5))
}

func TestGlobalBarrierDelay(t *testing.T) {
	cfg := testConsistencyConfig()
	cfg.MaxShortGlobalBarrierRetries = 4
	cfg.ShortGlobalBarrierDelay = 10 * time.Millisecond
	cfg.GlobalBarrierDelay = 30 * time.Millisecond

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 10 * time.Millisecond},
		{attempt: 4, want: 10 * time.Millisecond},
		{attempt: 5, want: 30 * time.Millisecond},
		{attempt: 30, want: 30 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globalBarrierDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestReadStrongQuorumMet(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"), secondary("c"))
	tr := newFakeTransport()
	for _, name := range []string{"a", "b", "c"} {
		tr.handle(secondary(name).PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 100, body: "doc"}))
	}
	q := newTestQuorumReader(t, sel, tr)

	resp, err := q.ReadStrong(context.Background(), readRequest(time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, "doc", string(resp.Body))
	assert.Zero(t, tr.callsTo(primary("p").PhysicalURI))
	assert.Zero(t, tr.countOperation(model.OperationHead))
}

func TestReadStrongWaitsForReadBarrier(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, byOperation(lsns{lsn: 100}, lsns{lsn: 100, quorumAcked: 100}))
	tr.handle(secondary("a").PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 99, body: "a"}))
	tr.handle(secondary("b").PhysicalURI, byOperation(lsns{lsn: 99, quorumAcked: 99, body: "b"}, lsns{lsn: 100, quorumAcked: 99}))
	q := newTestQuorumReader(t, sel, tr)

	resp, err := q.ReadStrong(context.Background(), readRequest(time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, "a", string(resp.Body))
	assert.Equal(t, 3, tr.countOperation(model.OperationHead))
}

func TestReadBoundedStalenessSkipsBarrier(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"))
	tr := newFakeTransport()
	tr.handle(secondary("a").PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 99, body: "a"}))
	tr.handle(secondary("b").PhysicalURI, respond(lsns{lsn: 99, quorumAcked: 99, body: "b"}))
	q := newTestQuorumReader(t, sel, tr)

	resp, err := q.ReadBoundedStaleness(context.Background(), readRequest(time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, "a", string(resp.Body))
	assert.Zero(t, tr.countOperation(model.OperationHead))
}

func TestReadStrongBarrierNeverMet(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 99, quorumAcked: 99}))
	tr.handle(secondary("a").PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 99, body: "a"}))
	tr.handle(secondary("b").PhysicalURI, respond(lsns{lsn: 99, quorumAcked: 99, body: "b"}))
	q := newTestQuorumReader(t, sel, tr)
	req := readRequest(5 * time.Second)

	_, err := q.ReadStrong(context.Background(), req, 2)
	require.Error(t, err)
	assert.True(t, dcerrors.IsGone(err))
	assert.True(t, dcerrors.HasSubStatus(err, dcerrors.SubStatusReadQuorumNotMet))

	// the selection survives failed barriers, so the quorum is read only once
	assert.Equal(t, 2, tr.countOperation(model.OperationRead))
	assert.Equal(t, int64(100), req.Context.QuorumSelectedLSN)
	require.NotNil(t, req.Context.QuorumSelectedStoreResponse)
	assert.Equal(t, "a", string(req.Context.QuorumSelectedStoreResponse.Body))
}

func TestReadStrongFallsBackToPrimary(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 100, replicaSetSize: 2, body: "p"}))
	tr.handle(secondary("a").PhysicalURI, failWith(dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "down", nil)))
	tr.handle(secondary("b").PhysicalURI, failWith(dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "down", nil)))
	q := newTestQuorumReader(t, sel, tr)

	resp, err := q.ReadStrong(context.Background(), readRequest(time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, "p", string(resp.Body))
}

func TestReadStrongPrimaryInconclusiveThenNotSelected(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"), secondary("b"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 100, quorumAcked: 100, replicaSetSize: 4, body: "p"}))
	tr.handle(secondary("a").PhysicalURI, failWith(dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "down", nil)))
	tr.handle(secondary("b").PhysicalURI, failWith(dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "down", nil)))
	q := newTestQuorumReader(t, sel, tr)

	_, err := q.ReadStrong(context.Background(), readRequest(time.Second), 2)
	require.Error(t, err)
	assert.True(t, dcerrors.HasSubStatus(err, dcerrors.SubStatusReadQuorumNotMet))
	assert.Equal(t, 2, tr.callsTo(primary("p").PhysicalURI))
}

func TestReadStrongPrimaryLSNBarrier(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, byOperation(
		lsns{lsn: 100, quorumAcked: 98, replicaSetSize: 2, body: "p"},
		lsns{lsn: 100, quorumAcked: 100, replicaSetSize: 2}))
	tr.handle(secondary("a").PhysicalURI, failWith(dcerrors.Gone(dcerrors.SubStatusTransportGenerated410, "down", nil)))
	q := newTestQuorumReader(t, sel, tr)

	resp, err := q.ReadStrong(context.Background(), readRequest(time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, "p", string(resp.Body))
	assert.Equal(t, 1, tr.countOperation(model.OperationHead))
}

func TestIsQuorumMet(t *testing.T) {
	result := func(v lsns) *StoreResult {
		return newStoreResult(lsnResponse(v), nil, true, false, "")
	}
	q := NewQuorumReader(nil, QuorumReaderOptions{AccountConsistency: model.ConsistencyStrong})

	tests := []struct {
		name        string
		results     []*StoreResult
		mode        model.ReadMode
		wantMet     bool
		wantReadLSN int64
		wantGlobal  int64
	}{
		{
			name:        "quorum at max lsn",
			results:     []*StoreResult{result(lsns{lsn: 10}), result(lsns{lsn: 10})},
			mode:        model.ReadModeStrong,
			wantMet:     true,
			wantReadLSN: 10,
			wantGlobal:  -1,
		},
		{
			name:        "replicas disagree",
			results:     []*StoreResult{result(lsns{lsn: 10}), result(lsns{lsn: 9})},
			mode:        model.ReadModeStrong,
			wantMet:     false,
			wantReadLSN: 10,
			wantGlobal:  -1,
		},
		{
			name:        "item lsn below every replica",
			results:     []*StoreResult{result(lsns{lsn: 10, item: 5}), result(lsns{lsn: 9})},
			mode:        model.ReadModeStrong,
			wantMet:     true,
			wantReadLSN: 5,
			wantGlobal:  -1,
		},
		{
			name: "global strong waits for global commit",
			results: []*StoreResult{
				result(lsns{lsn: 10, globalCommitted: 8, readRegions: 1}),
				result(lsns{lsn: 10, globalCommitted: 8, readRegions: 1}),
			},
			mode:        model.ReadModeStrong,
			wantMet:     false,
			wantReadLSN: 10,
			wantGlobal:  10,
		},
		{
			name: "global strong committed",
			results: []*StoreResult{
				result(lsns{lsn: 10, globalCommitted: 10, readRegions: 1}),
				result(lsns{lsn: 10, globalCommitted: 9, readRegions: 1}),
			},
			mode:        model.ReadModeStrong,
			wantMet:     true,
			wantReadLSN: 10,
			wantGlobal:  10,
		},
		{
			name: "bounded staleness ignores global commit",
			results: []*StoreResult{
				result(lsns{lsn: 10, globalCommitted: 8, readRegions: 1}),
				result(lsns{lsn: 10, globalCommitted: 8, readRegions: 1}),
			},
			mode:        model.ReadModeBoundedStaleness,
			wantMet:     true,
			wantReadLSN: 10,
			wantGlobal:  -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met, readLSN, global, selected := q.isQuorumMet(tt.results, 2, tt.mode)
			assert.Equal(t, tt.wantMet, met)
			assert.Equal(t, tt.wantReadLSN, readLSN)
			assert.Equal(t, tt.wantGlobal, global)
			assert.NotNil(t, selected)
		})
	}
}
