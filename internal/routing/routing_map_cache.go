package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/cache"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// PartitionKeyRangeSource reads the current partition ranges of a collection.
type PartitionKeyRangeSource interface {
	ReadPartitionKeyRanges(ctx context.Context, collectionRID string) ([]*model.PartitionKeyRange, error)
}

// RoutingMapCache caches one RoutingMap per collection rid.
type RoutingMapCache struct {
	source PartitionKeyRangeSource
	maps   *cache.AsyncCache[string, *RoutingMap]
	logger *zap.Logger
}

func NewRoutingMapCache(source PartitionKeyRangeSource, m *metrics.Metrics, logger *zap.Logger) *RoutingMapCache {
	return &RoutingMapCache{
		source: source,
		maps: cache.New[string, *RoutingMap](cache.Options[*RoutingMap]{
			Name:    "routing_map",
			Keep:    func(rm *RoutingMap) bool { return rm != nil },
			Metrics: m,
			Logger:  logger,
		}),
		logger: logger,
	}
}

// TryLookup returns the routing map of a collection, or nil when the
// collection no longer exists. When previous is non-nil the map is refreshed
// unless another caller already replaced previous.
func (c *RoutingMapCache) TryLookup(ctx context.Context, collectionRID string, previous *RoutingMap) (*RoutingMap, error) {
	fetch := func(ctx context.Context) (*RoutingMap, error) {
		ranges, err := c.source.ReadPartitionKeyRanges(ctx, collectionRID)
		if err != nil {
			if dcerrors.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		rm, err := NewRoutingMap(collectionRID, ranges)
		if err != nil {
			c.logger.Warn("discarding incomplete routing map",
				zap.String("collection_rid", collectionRID),
				zap.Error(err))
			return nil, dcerrors.ServiceUnavailable("routing map is incomplete", err)
		}
		return rm, nil
	}

	if previous == nil {
		return c.maps.Get(ctx, collectionRID, fetch)
	}
	c.logger.Debug("refreshing routing map", zap.String("collection_rid", collectionRID))
	return c.maps.Refresh(ctx, collectionRID, func(current *RoutingMap) bool { return current == previous }, fetch)
}

// TryGetRangeByID returns a range of a collection by id, refreshing the map once if forceRefresh is set.
func (c *RoutingMapCache) TryGetRangeByID(ctx context.Context, collectionRID, rangeID string, forceRefresh bool) (*model.PartitionKeyRange, error) {
	rm, err := c.TryLookup(ctx, collectionRID, nil)
	if err != nil || rm == nil {
		return nil, err
	}
	if forceRefresh {
		if rm, err = c.TryLookup(ctx, collectionRID, rm); err != nil || rm == nil {
			return nil, err
		}
	}
	return rm.RangeByID(rangeID), nil
}
