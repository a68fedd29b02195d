// Package address resolves requests to the physical replica addresses of the
// partition range they target.
package address

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/cache"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/store"
)

// Source reads replica addresses of a range from the metadata service.
// It returns nil, nil when the range is unknown.
type Source interface {
	ReadAddresses(ctx context.Context, identity model.PartitionKeyRangeIdentity, forceRefresh bool) ([]model.ReplicaAddress, error)
}

// CacheOptions configures an address Cache.
type CacheOptions struct {
	Endpoint          string
	Protocol          model.Protocol
	MaxReplicaSetSize int
	// SuboptimalRefresh forces a refresh of ranges that stayed below
	// MaxReplicaSetSize addresses for this long. Zero disables it.
	SuboptimalRefresh time.Duration
	EntryTTL          time.Duration
	Snapshots         store.SnapshotStore
	SnapshotTTL       time.Duration
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// Cache holds the replica addresses of ranges served by one regional endpoint.
type Cache struct {
	opts    CacheOptions
	source  Source
	entries *cache.AsyncCache[model.PartitionKeyRangeIdentity, []model.ReplicaAddress]

	suboptimalMu sync.Mutex
	suboptimal   map[model.PartitionKeyRangeIdentity]time.Time
	now          func() time.Time
}

// NewCache creates an address cache over source.
func NewCache(source Source, opts CacheOptions) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("endpoint", opts.Endpoint))
	return &Cache{
		opts:   opts,
		source: source,
		entries: cache.New[model.PartitionKeyRangeIdentity, []model.ReplicaAddress](cache.Options[[]model.ReplicaAddress]{
			Name:    "address",
			TTL:     opts.EntryTTL,
			Keep:    func(a []model.ReplicaAddress) bool { return len(a) > 0 },
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		}),
		suboptimal: make(map[model.PartitionKeyRangeIdentity]time.Time),
		now:        time.Now,
	}
}

// TryGetAddresses returns the addresses of a range, or nil when the range is
// unknown to the metadata service (the caller should refresh its routing state).
func (c *Cache) TryGetAddresses(ctx context.Context, req *model.Request, identity model.PartitionKeyRangeIdentity, forceRefresh bool) ([]model.ReplicaAddress, error) {
	if identity.PartitionKeyRangeID == model.MasterRangeID {
		identity = model.MasterIdentity
	}
	if c.suboptimalExpired(identity) {
		c.opts.Logger.Debug("refreshing suboptimal address set", zap.Stringer("range", identity))
		forceRefresh = true
	}

	var (
		addresses []model.ReplicaAddress
		err       error
	)
	if forceRefresh || (req != nil && req.ForceCollectionRoutingMapRefresh) {
		cached, _ := c.entries.TryGet(identity)
		addresses, err = c.entries.Refresh(ctx, identity, func(current []model.ReplicaAddress) bool {
			return sameAddresses(current, cached)
		}, c.fetch(identity, true))
		c.clearSuboptimal(identity)
	} else {
		addresses, err = c.entries.Get(ctx, identity, c.fetch(identity, false))
	}

	if err != nil {
		if dcerrors.IsNotFound(err) || dcerrors.IsKind(err, dcerrors.KindPartitionKeyRangeGone) {
			c.Remove(ctx, identity)
			return nil, nil
		}
		return nil, err
	}
	if len(addresses) == 0 {
		c.clearSuboptimal(identity)
		return nil, nil
	}
	if c.opts.MaxReplicaSetSize > 0 && len(addresses) < c.opts.MaxReplicaSetSize {
		c.markSuboptimal(identity)
	}
	return addresses, nil
}

// Remove drops a range from the cache and its snapshot.
func (c *Cache) Remove(ctx context.Context, identity model.PartitionKeyRangeIdentity) {
	c.entries.Remove(identity)
	c.clearSuboptimal(identity)
	if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.DeleteAddresses(ctx, store.AddressKey(c.opts.Endpoint, identity)); err != nil {
			c.opts.Logger.Warn("failed to delete address snapshot", zap.Stringer("range", identity), zap.Error(err))
		}
	}
}

// Len returns the number of cached ranges.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// PurgeExpired drops ranges whose addresses are older than EntryTTL.
func (c *Cache) PurgeExpired() int {
	return c.entries.PurgeExpired()
}

// Warm loads the addresses of the given ranges of a collection.
func (c *Cache) Warm(ctx context.Context, collectionRID string, ranges []*model.PartitionKeyRange) error {
	for _, r := range ranges {
		id := model.PartitionKeyRangeIdentity{CollectionRID: collectionRID, PartitionKeyRangeID: r.ID}
		if _, err := c.TryGetAddresses(ctx, nil, id, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) fetch(identity model.PartitionKeyRangeIdentity, forceRefresh bool) cache.FetchFunc[[]model.ReplicaAddress] {
	return func(ctx context.Context) ([]model.ReplicaAddress, error) {
		key := store.AddressKey(c.opts.Endpoint, identity)
		if !forceRefresh && c.opts.Snapshots != nil {
			snap, err := c.opts.Snapshots.GetAddresses(ctx, key)
			if err == nil && len(snap) > 0 {
				return snap, nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				c.opts.Logger.Warn("address snapshot read failed", zap.Stringer("range", identity), zap.Error(err))
			}
		}

		addresses, err := c.source.ReadAddresses(ctx, identity, forceRefresh)
		if err != nil {
			return nil, err
		}
		addresses = filterProtocol(addresses, c.opts.Protocol)
		if len(addresses) > 0 && c.opts.Snapshots != nil {
			if err := c.opts.Snapshots.PutAddresses(ctx, key, addresses, c.opts.SnapshotTTL); err != nil {
				c.opts.Logger.Warn("address snapshot write failed", zap.Stringer("range", identity), zap.Error(err))
			}
		}
		return addresses, nil
	}
}

func (c *Cache) suboptimalExpired(identity model.PartitionKeyRangeIdentity) bool {
	if c.opts.SuboptimalRefresh <= 0 {
		return false
	}
	c.suboptimalMu.Lock()
	defer c.suboptimalMu.Unlock()
	since, ok := c.suboptimal[identity]
	if !ok || c.now().Sub(since) < c.opts.SuboptimalRefresh {
		return false
	}
	// only one caller forces the refresh per interval
	c.suboptimal[identity] = c.now()
	return true
}

func (c *Cache) markSuboptimal(identity model.PartitionKeyRangeIdentity) {
	c.suboptimalMu.Lock()
	defer c.suboptimalMu.Unlock()
	if _, ok := c.suboptimal[identity]; !ok {
		c.suboptimal[identity] = c.now()
	}
}

func (c *Cache) clearSuboptimal(identity model.PartitionKeyRangeIdentity) {
	c.suboptimalMu.Lock()
	delete(c.suboptimal, identity)
	c.suboptimalMu.Unlock()
}

func filterProtocol(addresses []model.ReplicaAddress, protocol model.Protocol) []model.ReplicaAddress {
	if protocol == "" {
		return addresses
	}
	out := make([]model.ReplicaAddress, 0, len(addresses))
	for _, a := range addresses {
		if a.Scheme() == string(protocol) {
			out = append(out, a)
		}
	}
	return out
}

func sameAddresses(a, b []model.ReplicaAddress) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
