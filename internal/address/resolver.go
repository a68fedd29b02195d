package address

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/routing"
)

// ResolutionResult is the range a request resolved to and its replicas.
type ResolutionResult struct {
	CollectionRID string
	Range         *model.PartitionKeyRange
	Master        bool
	Addresses     []model.ReplicaAddress
}

// routingState tracks which caches were already refreshed while resolving
// one request, so each is refreshed at most once.
type routingState struct {
	collection         *model.DocumentCollection
	routingMap         *routing.RoutingMap
	collectionUpToDate bool
	routingMapUpToDate bool
}

// AddressResolver resolves requests against the caches of one regional endpoint.
type AddressResolver struct {
	collections *routing.CollectionCache
	routingMaps *routing.RoutingMapCache
	addresses   *Cache
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewAddressResolver(collections *routing.CollectionCache, routingMaps *routing.RoutingMapCache, addresses *Cache, m *metrics.Metrics, logger *zap.Logger) *AddressResolver {
	return &AddressResolver{
		collections: collections,
		routingMaps: routingMaps,
		addresses:   addresses,
		metrics:     m,
		logger:      logger,
	}
}

// Resolve returns the replica addresses for the request and records the
// resolved range on its context.
func (r *AddressResolver) Resolve(ctx context.Context, req *model.Request, forceRefresh bool) ([]model.ReplicaAddress, error) {
	res, err := r.ResolveWithRange(ctx, req, forceRefresh)
	if err != nil {
		return nil, err
	}
	return res.Addresses, nil
}

// ResolveWithRange is Resolve returning the resolved range as well.
func (r *AddressResolver) ResolveWithRange(ctx context.Context, req *model.Request, forceRefresh bool) (*ResolutionResult, error) {
	res, err := r.resolve(ctx, req, forceRefresh)
	if err != nil {
		if se, ok := dcerrors.As(err); ok {
			r.metrics.RecordResolutionFailure(se.Kind.String())
		}
		return nil, err
	}
	if err := checkTargetUnchanged(req, res); err != nil {
		r.metrics.RecordResolutionFailure(dcerrors.KindInvalidPartition.String())
		return nil, err
	}
	if req.Context != nil {
		req.Context.ResolvedRange = &model.ResolvedPartitionRange{
			CollectionRID: res.CollectionRID,
			Range:         res.Range,
			Master:        res.Master,
		}
	}
	return res, nil
}

func (r *AddressResolver) resolve(ctx context.Context, req *model.Request, forceRefresh bool) (*ResolutionResult, error) {
	if isMasterRequest(req) {
		addresses, err := r.addresses.TryGetAddresses(ctx, req, model.MasterIdentity, forceRefresh)
		if err != nil {
			return nil, err
		}
		if addresses == nil {
			r.logger.Warn("could not resolve master partition addresses")
			return nil, dcerrors.NotFound(dcerrors.SubStatusUnknown, "master partition addresses not found")
		}
		return &ResolutionResult{
			Range:     &model.PartitionKeyRange{ID: model.MasterRangeID},
			Master:    true,
			Addresses: addresses,
		}, nil
	}

	st := &routingState{
		collectionUpToDate: !req.IsNameBased ||
			(req.PartitionKeyRangeIdentity != nil && req.PartitionKeyRangeIdentity.CollectionRID != ""),
	}
	if err := r.loadRoutingState(ctx, req, st); err != nil {
		return nil, err
	}

	for {
		res, err := r.tryResolveServerPartition(ctx, req, st, forceRefresh)
		if err != nil || res != nil {
			return res, err
		}

		switch {
		case !st.collectionUpToDate:
			r.logger.Debug("refreshing collection cache to resolve request",
				zap.String("resource", req.ResourceAddress))
			req.ForceNameCacheRefresh = true
			st.collectionUpToDate = true
			st.routingMapUpToDate = false
			if err := r.loadRoutingState(ctx, req, st); err != nil {
				return nil, err
			}
		case !st.routingMapUpToDate:
			r.logger.Debug("refreshing routing map to resolve request",
				zap.String("collection_rid", st.collection.ResourceID))
			st.routingMapUpToDate = true
			rm, err := r.routingMaps.TryLookup(ctx, st.collection.ResourceID, st.routingMap)
			if err != nil {
				return nil, err
			}
			if err := ensureRoutingMap(req, rm); err != nil {
				return nil, err
			}
			st.routingMap = rm
		default:
			// both caches are fresh, so the collection is really gone
			return nil, dcerrors.NotFound(dcerrors.SubStatusUnknown,
				fmt.Sprintf("could not route request for %s after refreshing caches", req.ResourceAddress))
		}
	}
}

func (r *AddressResolver) loadRoutingState(ctx context.Context, req *model.Request, st *routingState) error {
	coll, err := r.resolveCollection(ctx, req)
	if err != nil {
		return err
	}
	rm, err := r.routingMaps.TryLookup(ctx, coll.ResourceID, nil)
	if err != nil {
		return err
	}

	if req.ForceCollectionRoutingMapRefresh {
		st.routingMapUpToDate = true
		req.ForceCollectionRoutingMapRefresh = false
		if rm != nil {
			if rm, err = r.routingMaps.TryLookup(ctx, coll.ResourceID, rm); err != nil {
				return err
			}
		}
	}

	if rm == nil && !st.collectionUpToDate {
		// the collection rid may be outdated
		req.ForceNameCacheRefresh = true
		st.collectionUpToDate = true
		st.routingMapUpToDate = false
		if coll, err = r.resolveCollection(ctx, req); err != nil {
			return err
		}
		if rm, err = r.routingMaps.TryLookup(ctx, coll.ResourceID, nil); err != nil {
			return err
		}
	}

	if err := ensureRoutingMap(req, rm); err != nil {
		return err
	}
	st.collection = coll
	st.routingMap = rm
	return nil
}

func (r *AddressResolver) resolveCollection(ctx context.Context, req *model.Request) (*model.DocumentCollection, error) {
	coll, err := r.collections.Resolve(ctx, req)
	req.ForceNameCacheRefresh = false
	return coll, err
}

func ensureRoutingMap(req *model.Request, rm *routing.RoutingMap) error {
	if rm != nil {
		return nil
	}
	if req.IsNameBased && req.PartitionKeyRangeIdentity != nil && req.PartitionKeyRangeIdentity.CollectionRID != "" {
		// the caller pinned a collection rid that no longer exists
		return dcerrors.InvalidPartition(
			fmt.Sprintf("collection %s referenced by the request no longer exists", req.PartitionKeyRangeIdentity.CollectionRID)).
			WithResourceAddress(req.ResourceAddress)
	}
	return dcerrors.NotFound(dcerrors.SubStatusUnknown, fmt.Sprintf("collection for %s not found", req.ResourceAddress)).
		WithResourceAddress(req.ResourceAddress)
}

func (r *AddressResolver) tryResolveServerPartition(ctx context.Context, req *model.Request, st *routingState, forceRefresh bool) (*ResolutionResult, error) {
	if req.PartitionKeyRangeIdentity != nil {
		return r.tryResolveByRangeID(ctx, req, st, forceRefresh)
	}

	var (
		target *model.PartitionKeyRange
		err    error
	)
	if pk := req.Headers.Get(model.HeaderPartitionKey); pk != "" {
		target, err = r.tryResolveByPartitionKey(req, pk, st)
	} else {
		target, err = tryResolveSingleRange(req, st)
	}
	if err != nil || target == nil {
		return nil, err
	}

	identity := model.PartitionKeyRangeIdentity{CollectionRID: st.collection.ResourceID, PartitionKeyRangeID: target.ID}
	addresses, err := r.addresses.TryGetAddresses(ctx, req, identity, forceRefresh)
	if err != nil {
		return nil, err
	}
	if addresses == nil {
		r.logger.Info("could not resolve addresses, caches may be outdated", zap.Stringer("range", identity))
		return nil, nil
	}
	return &ResolutionResult{CollectionRID: st.collection.ResourceID, Range: target, Addresses: addresses}, nil
}

func (r *AddressResolver) tryResolveByRangeID(ctx context.Context, req *model.Request, st *routingState, forceRefresh bool) (*ResolutionResult, error) {
	rangeID := req.PartitionKeyRangeIdentity.PartitionKeyRangeID
	target := st.routingMap.RangeByID(rangeID)
	if target == nil {
		r.logger.Debug("cannot resolve range", zap.String("range_id", rangeID))
		return nil, rangeResolutionFailure(req, st)
	}

	identity := model.PartitionKeyRangeIdentity{CollectionRID: st.collection.ResourceID, PartitionKeyRangeID: rangeID}
	addresses, err := r.addresses.TryGetAddresses(ctx, req, identity, forceRefresh)
	if err != nil {
		return nil, err
	}
	if addresses == nil {
		r.logger.Debug("cannot resolve addresses for range", zap.Stringer("range", identity))
		return nil, rangeResolutionFailure(req, st)
	}
	return &ResolutionResult{CollectionRID: st.collection.ResourceID, Range: target, Addresses: addresses}, nil
}

// rangeResolutionFailure reports a pinned range as gone when the caches are
// fresh enough to be sure. The routing map remembers split parents, so a
// fresh collection plus a known-gone id is enough.
func rangeResolutionFailure(req *model.Request, st *routingState) error {
	id := req.PartitionKeyRangeIdentity
	if st.collectionUpToDate && (st.routingMapUpToDate || st.routingMap.IsGone(id.PartitionKeyRangeID)) {
		return dcerrors.PartitionKeyRangeGone(
			fmt.Sprintf("partition key range %s of collection %s not found", id.PartitionKeyRangeID, id.CollectionRID)).
			WithResourceAddress(req.ResourceAddress)
	}
	return nil
}

func (r *AddressResolver) tryResolveByPartitionKey(req *model.Request, header string, st *routingState) (*model.PartitionKeyRange, error) {
	components, err := routing.ParsePartitionKey(header)
	if err != nil {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error()).WithResourceAddress(req.ResourceAddress)
	}

	if len(components) == 0 {
		return st.routingMap.RangeByEffectiveKey(model.MinEffectiveKey), nil
	}
	epk, err := routing.EffectivePartitionKey(st.collection.PartitionKey, components)
	if err == nil {
		return st.routingMap.RangeByEffectiveKey(epk), nil
	}

	if st.collectionUpToDate {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusPartitionKeyMismatch, err.Error()).
			WithResourceAddress(req.ResourceAddress)
	}
	r.logger.Debug("partition key does not match cached definition, refreshing",
		zap.String("collection_rid", st.collection.ResourceID),
		zap.Error(err))
	return nil, nil
}

func tryResolveSingleRange(req *model.Request, st *routingState) (*model.PartitionKeyRange, error) {
	ranges := st.routingMap.OrderedRanges()
	if len(ranges) == 1 {
		return ranges[0], nil
	}
	if st.collectionUpToDate {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown,
			"partition key value must be supplied for this operation").
			WithResourceAddress(req.ResourceAddress)
	}
	return nil, nil
}

// checkTargetUnchanged fails a retried request whose target range changed in a
// way that breaks LSN continuity. Staying on the same range, or moving to a
// child of it, is allowed.
func checkTargetUnchanged(req *model.Request, res *ResolutionResult) error {
	if req.Context == nil || req.Context.ResolvedRange == nil {
		return nil
	}
	if sameTarget(req.Context.ResolvedRange, res) {
		return nil
	}
	req.Context.ResolvedRange = nil
	req.Context.ClearQuorumSelection()
	return dcerrors.InvalidPartition("target partition changed since the request was first resolved").
		WithResourceAddress(req.ResourceAddress)
}

func sameTarget(prev *model.ResolvedPartitionRange, res *ResolutionResult) bool {
	if prev.Master || res.Master {
		return prev.Master && res.Master
	}
	if prev.CollectionRID != res.CollectionRID || prev.Range == nil || res.Range == nil {
		return false
	}
	if prev.Range.ID == res.Range.ID && prev.Range.SameBounds(res.Range) {
		return true
	}
	return res.Range.HasParent(prev.Range.ID)
}

// isMasterRequest reports whether a request is served by the metadata partition.
func isMasterRequest(req *model.Request) bool {
	if req.PartitionKeyRangeIdentity != nil {
		return req.PartitionKeyRangeIdentity.IsMaster()
	}
	if req.ResourceType.IsMaster() {
		return true
	}
	switch req.ResourceType {
	case model.ResourceCollection:
		return req.OperationType.IsFeed() || req.OperationType == model.OperationCreate
	case model.ResourcePartitionKeyRange:
		return true
	}
	return false
}
