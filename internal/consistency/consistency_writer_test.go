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

func newTestWriter(t *testing.T, sel AddressSelector, tr *fakeTransport, opts WriterOptions) *ConsistencyWriter {
	t.Helper()
	if opts.Config.MaxGlobalBarrierRetries == 0 {
		opts.Config = testConsistencyConfig()
	}
	if opts.AccountConsistency == "" {
		opts.AccountConsistency = model.ConsistencyStrong
	}
	opts.Logger = zap.NewNop()
	return NewConsistencyWriter(sel, tr, newTestReader(t, sel, tr, StoreReaderOptions{}), opts)
}

// writeThenProbe answers the write itself with write and barrier probes with probe.
func writeThenProbe(write lsns, probe func() lsns) replicaHandler {
	return func(req *model.Request) (*model.StoreResponse, error) {
		if req.OperationType == model.OperationHead {
			return lsnResponse(probe()), nil
		}
		return lsnResponse(write), nil
	}
}

func TestWriteGloballyCommittedSkipsBarrier(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 50, globalCommitted: 50, readRegions: 2, body: "created"}))
	w := newTestWriter(t, sel, tr, WriterOptions{})

	resp, err := w.Write(context.Background(), writeRequest(time.Second), false)
	require.NoError(t, err)
	assert.Equal(t, "created", string(resp.Body))
	assert.Equal(t, 1, tr.total())
	assert.Zero(t, tr.countOperation(model.OperationHead))
}

func TestWriteWaitsForGlobalCommit(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"))
	tr := newFakeTransport()
	probes := 0
	probe := func() lsns {
		probes++
		if probes < 3 {
			return lsns{lsn: 50, globalCommitted: 40}
		}
		return lsns{lsn: 50, globalCommitted: 50}
	}
	tr.handle(primary("p").PhysicalURI, writeThenProbe(lsns{lsn: 50, globalCommitted: 40, readRegions: 1, body: "created"}, probe))
	tr.handle(secondary("a").PhysicalURI, writeThenProbe(lsns{}, probe))
	w := newTestWriter(t, sel, tr, WriterOptions{})
	req := writeRequest(time.Second)

	resp, err := w.Write(context.Background(), req, false)
	require.NoError(t, err)
	assert.Equal(t, "created", string(resp.Body))
	assert.Equal(t, 3, tr.countOperation(model.OperationHead))
	assert.Equal(t, int64(50), req.Context.GlobalCommittedSelectedLSN)
	assert.Same(t, resp, req.Context.GlobalStrongWriteResponse)
	assert.Equal(t, 1, sel.forced())
}

func TestWriteBarrierTerminatesWithGone(t *testing.T) {
	sel := newFakeSelector(primary("p"), secondary("a"))
	tr := newFakeTransport()
	stuck := func() lsns { return lsns{lsn: 50, globalCommitted: 40} }
	tr.handle(primary("p").PhysicalURI, writeThenProbe(lsns{lsn: 50, globalCommitted: 40, readRegions: 1}, stuck))
	tr.handle(secondary("a").PhysicalURI, writeThenProbe(lsns{}, stuck))
	w := newTestWriter(t, sel, tr, WriterOptions{})
	req := writeRequest(5 * time.Second)

	_, err := w.Write(context.Background(), req, false)
	require.Error(t, err)
	assert.True(t, dcerrors.IsGone(err))
	assert.True(t, dcerrors.HasSubStatus(err, dcerrors.SubStatusGlobalStrongWriteBarrierNotMet))
	assert.Equal(t, 30, tr.countOperation(model.OperationHead))
	assert.Equal(t, 1, tr.countOperation(model.OperationCreate))

	// the write is not re-sent when the caller retries; only the barrier runs
	tr.handle(secondary("a").PhysicalURI, respond(lsns{lsn: 50, globalCommitted: 50}))
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 50, globalCommitted: 50}))
	_, err = w.Write(context.Background(), req, true)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.countOperation(model.OperationCreate))
	assert.Equal(t, 31, tr.countOperation(model.OperationHead))
}

func TestWriteGlobalStrongMissingLSN(t *testing.T) {
	sel := newFakeSelector(primary("p"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 50, readRegions: 1}))
	w := newTestWriter(t, sel, tr, WriterOptions{})

	_, err := w.Write(context.Background(), writeRequest(time.Second), false)
	require.Error(t, err)
	assert.True(t, dcerrors.IsPlainGone(err))
}

func TestWriteSessionAccountIgnoresGlobalCommit(t *testing.T) {
	sel := newFakeSelector(primary("p"))
	tr := newFakeTransport()
	tr.handle(primary("p").PhysicalURI, respond(lsns{lsn: 50, globalCommitted: 10, readRegions: 1}))
	w := newTestWriter(t, sel, tr, WriterOptions{AccountConsistency: model.ConsistencySession})
	req := writeRequest(time.Second)

	_, err := w.Write(context.Background(), req, false)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.total())
	assert.Nil(t, req.Context.GlobalStrongWriteResponse)
}

func TestWriteTimeoutMakesNoCalls(t *testing.T) {
	sel := newFakeSelector(primary("p"))
	tr := newFakeTransport()
	w := newTestWriter(t, sel, tr, WriterOptions{})

	_, err := w.Write(context.Background(), writeRequest(0), false)
	require.Error(t, err)
	assert.True(t, dcerrors.IsRequestTimeout(err))
	assert.Zero(t, tr.total())
}

func TestWriteSessionTokenPolicy(t *testing.T) {
	tests := []struct {
		name       string
		multiWrite bool
		want       string
	}{
		{name: "single write region strips token", multiWrite: false, want: ""},
		{name: "multi write region sends partition token", multiWrite: true, want: "1#5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := newFakeSelector(primary("p"))
			tr := newFakeTransport()
			var sent string
			tr.handle(primary("p").PhysicalURI, func(req *model.Request) (*model.StoreResponse, error) {
				sent = req.Headers.Get(model.HeaderSessionToken)
				return lsnResponse(lsns{lsn: 6}), nil
			})
			w := newTestWriter(t, sel, tr, WriterOptions{
				AccountConsistency:        model.ConsistencySession,
				UseMultipleWriteLocations: tt.multiWrite,
			})
			req := writeRequest(time.Second)
			req.Headers.Set(model.HeaderSessionToken, "0:1#5,1:1#9")

			_, err := w.Write(context.Background(), req, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sent)
			assert.Equal(t, "0:1#5,1:1#9", req.Headers.Get(model.HeaderSessionToken))
		})
	}
}

func TestWriteTransportFailureSchedulesPrimaryRefresh(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind dcerrors.Kind
	}{
		{
			name:     "connection refused",
			err:      dcerrors.ServiceUnavailable("connection refused", nil).WithTriggerAddressRefresh(),
			wantKind: dcerrors.KindServiceUnavailable,
		},
		{
			name:     "replica answered gone",
			err:      dcerrors.FromResponse(410, nil, nil, primary("p").PhysicalURI),
			wantKind: dcerrors.KindGone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := newFakeSelector(primary("p"))
			tr := newFakeTransport()
			tr.handle(primary("p").PhysicalURI, failWith(tt.err))
			bg := &fakeScheduler{}
			w := newTestWriter(t, sel, tr, WriterOptions{Background: bg})

			_, err := w.Write(context.Background(), writeRequest(time.Second), false)
			require.Error(t, err)
			assert.True(t, dcerrors.IsKind(err, tt.wantKind))
			assert.Equal(t, []string{"primary-refresh"}, bg.submitted())
		})
	}
}

func TestWriteResumeWithoutSelectedLSN(t *testing.T) {
	sel := newFakeSelector(primary("p"))
	tr := newFakeTransport()
	w := newTestWriter(t, sel, tr, WriterOptions{})
	req := writeRequest(time.Second)
	req.Context.GlobalStrongWriteResponse = lsnResponse(lsns{lsn: 50, globalCommitted: 40})
	req.Context.ClearQuorumSelection()

	_, err := w.Write(context.Background(), req, true)
	require.Error(t, err)
	assert.True(t, dcerrors.IsKind(err, dcerrors.KindInternalServerError))
	assert.Zero(t, tr.total())
}
