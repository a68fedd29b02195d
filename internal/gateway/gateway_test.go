package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/auth"
	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// collection rid: 4 byte database id followed by 4 byte collection id
var testCollectionRID = base64.StdEncoding.EncodeToString([]byte{1, 0, 0, 0, 2, 0, 0, 0})

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens, err := auth.NewMasterKeyProvider(base64.StdEncoding.EncodeToString([]byte("key")))
	require.NoError(t, err)

	client, err := NewClient(ClientOptions{
		Endpoint: server.URL + "/",
		Protocol: model.ProtocolTCP,
		Config: config.MetadataConfig{
			RequestTimeout: time.Second,
			MaxRetries:     2,
			RetryBackoff:   time.Millisecond,
		},
		Tokens: tokens,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return client
}

func TestReadAddresses(t *testing.T) {
	var forced atomic.Bool
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/addresses/", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("$partitionKeyRangeIds"))
		assert.NotEmpty(t, r.Header.Get("authorization"))
		assert.NotEmpty(t, r.Header.Get("x-ms-date"))
		forced.Store(r.Header.Get("x-ms-force-refresh") == "true")
		w.Write([]byte(`{"Addresss":[
			{"isPrimary":true,"protocol":"rntbd","physcialUri":"rntbd://10.0.0.1:443/p/1/r/1p/","partitionKeyRangeId":"1","isPublic":false},
			{"isPrimary":false,"protocol":"rntbd","physcialUri":"rntbd://10.0.0.2:443/p/1/r/2s/","partitionKeyRangeId":"1"},
			{"isPrimary":false,"protocol":"rntbd","physcialUri":"rntbd://10.0.0.9:443/p/9/r/1s/","partitionKeyRangeId":"9"}
		]}`))
	}))

	id := model.PartitionKeyRangeIdentity{CollectionRID: testCollectionRID, PartitionKeyRangeID: "1"}
	addrs, err := client.ReadAddresses(context.Background(), id, true)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.True(t, forced.Load())
	assert.True(t, addrs[0].IsPrimary)
	assert.False(t, addrs[0].IsPublic)
	assert.True(t, addrs[1].IsPublic)
	assert.Equal(t, model.ProtocolTCP, addrs[1].Protocol)
}

func TestReadAddressesNotFoundIsNil(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	addrs, err := client.ReadAddresses(context.Background(), model.MasterIdentity, false)
	require.NoError(t, err)
	assert.Nil(t, addrs)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"c1","_rid":"` + testCollectionRID + `","partitionKey":{"paths":["/tenant"],"kind":"Hash"}}`))
	}))

	coll, err := client.ReadCollectionByLink(context.Background(), "dbs/db1/colls/c1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "c1", coll.ID)
	assert.Equal(t, "dbs/db1/colls/c1", coll.AltLink)
	assert.Equal(t, []string{"/tenant"}, coll.PartitionKey.Paths)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.ReadCollectionByLink(context.Background(), "dbs/db1/colls/c1")
	require.Error(t, err)
	assert.True(t, dcerrors.IsKind(err, dcerrors.KindForbidden))
	assert.Equal(t, int32(1), calls.Load())
}

func TestReadPartitionKeyRanges(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/pkranges")
		w.Write([]byte(`{"PartitionKeyRanges":[
			{"id":"1","minInclusive":"","maxExclusive":"80","parents":["0"]},
			{"id":"2","minInclusive":"80","maxExclusive":"FF","parents":["0"]}
		]}`))
	}))

	ranges, err := client.ReadPartitionKeyRanges(context.Background(), testCollectionRID)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, []string{"0"}, ranges[1].Parents)

	_, err = client.ReadPartitionKeyRanges(context.Background(), "not base64!")
	assert.True(t, dcerrors.IsKind(err, dcerrors.KindBadRequest))
}

const topologyYAML = `
master_addresses:
  - physical_uri: rntbd://master:443/
    protocol: rntbd
    is_primary: true
collections:
  - id: orders
    rid: AQAAAAIAAAA=
    link: dbs/shop/colls/orders
    partition_key:
      paths: ["/customer"]
      kind: Hash
    ranges:
      - id: "0"
        min_inclusive: ""
        max_exclusive: "FF"
        addresses:
          - physical_uri: rntbd://10.0.0.1:443/p/0/r/1p/
            protocol: rntbd
            is_primary: true
          - physical_uri: rntbd://10.0.0.2:443/p/0/r/2s/
            protocol: rntbd
`

func TestParseStaticSource(t *testing.T) {
	s, err := ParseStaticSource([]byte(topologyYAML))
	require.NoError(t, err)
	ctx := context.Background()

	coll, err := s.ReadCollectionByLink(ctx, "dbs/shop/colls/orders")
	require.NoError(t, err)
	assert.Equal(t, "AQAAAAIAAAA=", coll.ResourceID)
	assert.Equal(t, []string{"/customer"}, coll.PartitionKey.Paths)

	ranges, err := s.ReadPartitionKeyRanges(ctx, coll.ResourceID)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, "FF", ranges[0].MaxExclusive)

	addrs, err := s.ReadAddresses(ctx, model.PartitionKeyRangeIdentity{CollectionRID: coll.ResourceID, PartitionKeyRangeID: "0"}, false)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.True(t, addrs[0].IsPrimary)

	master, err := s.ReadAddresses(ctx, model.MasterIdentity, false)
	require.NoError(t, err)
	assert.Len(t, master, 1)

	missing, err := s.ReadAddresses(ctx, model.PartitionKeyRangeIdentity{CollectionRID: coll.ResourceID, PartitionKeyRangeID: "7"}, false)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.ReadCollectionByRID(ctx, "nope")
	assert.True(t, dcerrors.IsNotFound(err))

	assert.Equal(t, int64(3), s.Stats().AddressReads)
}
