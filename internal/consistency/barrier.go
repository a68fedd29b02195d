package consistency

import (
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/pairdb/directconn/internal/auth"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// NewBarrierRequest builds a HEAD probe that lands on the same partition as
// req and asks replicas to report progress against the target LSNs. Targets
// that are not positive are omitted.
func NewBarrierRequest(req *model.Request, tokens auth.TokenProvider, targetLSN, targetGlobalCommittedLSN int64) (*model.Request, error) {
	barrier := &model.Request{
		Headers:     make(model.Headers),
		IsNameBased: req.IsNameBased,
		TokenKind:   req.TokenKind,
	}

	if isCollectionScoped(req) {
		barrier.OperationType = model.OperationHead
		barrier.ResourceType = model.ResourceCollection
		if req.IsNameBased {
			link, ok := model.CollectionLink(req.ResourceAddress)
			if !ok {
				return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown,
					"cannot derive collection link from "+req.ResourceAddress)
			}
			barrier.ResourceAddress = link
		} else {
			rid, err := model.ParseResourceID(req.ResourceID)
			if err != nil {
				return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error())
			}
			barrier.ResourceID = rid.DocumentCollectionID()
			barrier.ResourceAddress = barrier.ResourceID
		}
	} else {
		barrier.OperationType = model.OperationHeadFeed
		barrier.ResourceType = model.ResourceDatabase
		barrier.ResourceAddress = string(model.ResourceDatabase)
	}

	barrier.Headers.Set(model.HeaderDate, time.Now().UTC().Format(http.TimeFormat))
	if targetLSN > 0 {
		barrier.Headers.Set(model.HeaderTargetLSN, strconv.FormatInt(targetLSN, 10))
	}
	if targetGlobalCommittedLSN > 0 {
		barrier.Headers.Set(model.HeaderTargetGlobalCommittedLSN, strconv.FormatInt(targetGlobalCommittedLSN, 10))
	}

	switch {
	case req.TokenKind.IsMasterKey():
		if tokens != nil {
			token, err := tokens.AuthorizationToken(barrier.OperationType.HTTPMethod(), barrier.ResourceAddress,
				barrier.ResourceType, barrier.Headers, req.TokenKind)
			if err != nil {
				return nil, dcerrors.New(dcerrors.KindUnauthorized, dcerrors.SubStatusUnknown, "failed to sign barrier request", err)
			}
			barrier.Headers.Set(model.HeaderAuthorization, token)
		}
	case req.TokenKind == model.TokenResource:
		barrier.Headers.Set(model.HeaderAuthorization, req.Headers.Get(model.HeaderAuthorization))
	default:
		return nil, dcerrors.InternalServerError("unknown authorization token kind for barrier request", nil)
	}

	if req.Context != nil {
		barrier.Context = req.Context.Clone()
	} else {
		barrier.Context = model.NewRequestContext(0)
	}
	if req.PartitionKeyRangeIdentity != nil {
		id := *req.PartitionKeyRangeIdentity
		barrier.PartitionKeyRangeIdentity = &id
	}
	for _, name := range []string{model.HeaderPartitionKey, model.HeaderCollectionRID} {
		if v := req.Headers.Get(name); v != "" {
			barrier.Headers.Set(name, v)
		}
	}
	return barrier, nil
}

func isCollectionScoped(req *model.Request) bool {
	if req.ResourceType == model.ResourceCollection {
		return req.OperationType != model.OperationReadFeed && req.OperationType != model.OperationQuery
	}
	return req.ResourceType.IsCollectionChild()
}
