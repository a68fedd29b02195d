package consistency

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/directconn/internal/auth"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

func TestBarrierRequestForNameBasedDocument(t *testing.T) {
	tokens, err := auth.NewMasterKeyProvider(base64.StdEncoding.EncodeToString([]byte("secret")))
	require.NoError(t, err)
	req := writeRequest(time.Second)
	req.Headers.Set(model.HeaderPartitionKey, `["tenant-1"]`)
	req.PartitionKeyRangeIdentity = &model.PartitionKeyRangeIdentity{CollectionRID: testCollectionRID, PartitionKeyRangeID: "0"}

	barrier, err := NewBarrierRequest(req, tokens, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, model.OperationHead, barrier.OperationType)
	assert.Equal(t, model.ResourceCollection, barrier.ResourceType)
	assert.Equal(t, "dbs/db1/colls/orders", barrier.ResourceAddress)
	assert.Equal(t, "10", barrier.Headers.Get(model.HeaderTargetLSN))
	assert.Equal(t, "20", barrier.Headers.Get(model.HeaderTargetGlobalCommittedLSN))
	assert.NotEmpty(t, barrier.Headers.Get(model.HeaderDate))
	assert.NotEmpty(t, barrier.Headers.Get(model.HeaderAuthorization))
	assert.Equal(t, `["tenant-1"]`, barrier.Headers.Get(model.HeaderPartitionKey))
	assert.Equal(t, testCollectionRID, barrier.Headers.Get(model.HeaderCollectionRID))
	require.NotNil(t, barrier.PartitionKeyRangeIdentity)
	assert.Equal(t, "0", barrier.PartitionKeyRangeIdentity.PartitionKeyRangeID)
	assert.Equal(t, req.Context.ActivityID, barrier.Context.ActivityID)
	assert.NotSame(t, req.Context, barrier.Context)
}

func TestBarrierRequestOmitsUnsetTargets(t *testing.T) {
	barrier, err := NewBarrierRequest(writeRequest(time.Second), nil, -1, 0)
	require.NoError(t, err)
	assert.Empty(t, barrier.Headers.Get(model.HeaderTargetLSN))
	assert.Empty(t, barrier.Headers.Get(model.HeaderTargetGlobalCommittedLSN))
	assert.Empty(t, barrier.Headers.Get(model.HeaderAuthorization))
}

func TestBarrierRequestForRIDBasedDocument(t *testing.T) {
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	req := model.NewRequest(model.OperationReplace, model.ResourceDocument, "docs/x", false, time.Second)
	req.ResourceID = base64.StdEncoding.EncodeToString(raw)
	req.TokenKind = model.TokenResource
	req.Headers.Set(model.HeaderAuthorization, "type=resource&sig=abc")

	barrier, err := NewBarrierRequest(req, nil, 5, -1)
	require.NoError(t, err)
	assert.Equal(t, model.OperationHead, barrier.OperationType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw[:8]), barrier.ResourceID)
	assert.Equal(t, "type=resource&sig=abc", barrier.Headers.Get(model.HeaderAuthorization))
}

func TestBarrierRequestForDatabaseScopedResource(t *testing.T) {
	req := model.NewRequest(model.OperationCreate, model.ResourceUser, "dbs/db1/users", true, time.Second)
	req.TokenKind = model.TokenPrimaryMasterKey

	barrier, err := NewBarrierRequest(req, nil, 5, -1)
	require.NoError(t, err)
	assert.Equal(t, model.OperationHeadFeed, barrier.OperationType)
	assert.Equal(t, model.ResourceDatabase, barrier.ResourceType)

	feed := model.NewRequest(model.OperationReadFeed, model.ResourceCollection, "dbs/db1/colls", true, time.Second)
	feed.TokenKind = model.TokenPrimaryMasterKey
	barrier, err = NewBarrierRequest(feed, nil, 5, -1)
	require.NoError(t, err)
	assert.Equal(t, model.OperationHeadFeed, barrier.OperationType)
}

func TestBarrierRequestRejectsUnknownTokenKind(t *testing.T) {
	req := writeRequest(time.Second)
	req.TokenKind = model.TokenInvalid

	_, err := NewBarrierRequest(req, nil, 5, -1)
	require.Error(t, err)
	assert.True(t, dcerrors.IsKind(err, dcerrors.KindInternalServerError))
}

func TestBarrierRequestForPartitionKeyRangeFeed(t *testing.T) {
	req := model.NewRequest(model.OperationReadFeed, model.ResourcePartitionKeyRange, "dbs/db1/colls/orders/pkranges", true, time.Second)
	req.TokenKind = model.TokenPrimaryMasterKey

	barrier, err := NewBarrierRequest(req, nil, 5, -1)
	require.NoError(t, err)
	assert.Equal(t, model.OperationHead, barrier.OperationType)
	assert.Equal(t, model.ResourceCollection, barrier.ResourceType)
	assert.Equal(t, "dbs/db1/colls/orders", barrier.ResourceAddress)
}
