package routing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/cache"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// CollectionSource reads collection metadata from the authoritative service.
type CollectionSource interface {
	ReadCollectionByLink(ctx context.Context, link string) (*model.DocumentCollection, error)
	ReadCollectionByRID(ctx context.Context, rid string) (*model.DocumentCollection, error)
}

// CollectionCache resolves requests to collection metadata by name or rid.
type CollectionCache struct {
	source CollectionSource
	byLink *cache.AsyncCache[string, *model.DocumentCollection]
	byRID  *cache.AsyncCache[string, *model.DocumentCollection]
	logger *zap.Logger
}

func NewCollectionCache(source CollectionSource, m *metrics.Metrics, logger *zap.Logger) *CollectionCache {
	return &CollectionCache{
		source: source,
		byLink: cache.New[string, *model.DocumentCollection](cache.Options[*model.DocumentCollection]{
			Name: "collection_name", Metrics: m, Logger: logger,
		}),
		byRID: cache.New[string, *model.DocumentCollection](cache.Options[*model.DocumentCollection]{
			Name: "collection_rid", Metrics: m, Logger: logger,
		}),
		logger: logger,
	}
}

// Resolve returns the collection the request targets. Name-based requests
// honor req.ForceNameCacheRefresh.
func (c *CollectionCache) Resolve(ctx context.Context, req *model.Request) (*model.DocumentCollection, error) {
	if req.IsNameBased {
		link, ok := model.CollectionLink(req.ResourceAddress)
		if !ok {
			return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown,
				fmt.Sprintf("resource address %q is not scoped to a collection", req.ResourceAddress))
		}
		if req.ForceNameCacheRefresh {
			return c.refreshByLink(ctx, link)
		}
		return c.byLink.Get(ctx, link, c.fetchByLink(link))
	}

	rid := req.CollectionRID()
	if rid == "" {
		if req.ResourceType == model.ResourceCollection {
			rid = req.ResourceID
		} else {
			parsed, err := model.ParseResourceID(req.ResourceID)
			if err != nil {
				return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error())
			}
			rid = parsed.DocumentCollectionID()
		}
	}
	if rid == "" {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown,
			fmt.Sprintf("resource id %q is not scoped to a collection", req.ResourceID))
	}
	return c.ResolveByRID(ctx, rid)
}

// ResolveByRID returns the collection with the given rid.
func (c *CollectionCache) ResolveByRID(ctx context.Context, rid string) (*model.DocumentCollection, error) {
	return c.byRID.Get(ctx, rid, func(ctx context.Context) (*model.DocumentCollection, error) {
		return c.source.ReadCollectionByRID(ctx, rid)
	})
}

// refreshByLink re-reads the collection for a name-based link.
func (c *CollectionCache) refreshByLink(ctx context.Context, link string) (*model.DocumentCollection, error) {
	c.logger.Debug("refreshing collection name cache", zap.String("link", link))
	return c.byLink.Refresh(ctx, link, nil, c.fetchByLink(link))
}

func (c *CollectionCache) fetchByLink(link string) cache.FetchFunc[*model.DocumentCollection] {
	return func(ctx context.Context) (*model.DocumentCollection, error) {
		coll, err := c.source.ReadCollectionByLink(ctx, link)
		if err != nil {
			return nil, err
		}
		if coll.AltLink == "" {
			coll.AltLink = link
		}
		c.byRID.Set(coll.ResourceID, coll)
		return coll, nil
	}
}
