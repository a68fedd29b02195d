package address

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/routing"
)

// EndpointManager routes requests to regional endpoints.
type EndpointManager interface {
	ResolveServiceEndpoint(req *model.Request) string
	WriteEndpoints() []string
	ReadEndpoints() []string
}

// SourceFactory creates the address source of a regional endpoint.
type SourceFactory func(endpoint string) (Source, error)

type endpointState struct {
	endpoint   string
	cache      *Cache
	resolver   *AddressResolver
	registered uint64
}

// EndpointInfo describes a tracked regional endpoint.
type EndpointInfo struct {
	Endpoint     string `json:"endpoint"`
	CachedRanges int    `json:"cached_ranges"`
	Live         bool   `json:"live"`
}

// GlobalResolverOptions configures a GlobalResolver.
type GlobalResolverOptions struct {
	// MaxBackupReadRegions bounds the tracked endpoints to this plus two.
	MaxBackupReadRegions int
	// Cache is the template for per-endpoint caches; Endpoint is filled in.
	Cache   CacheOptions
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// GlobalResolver keeps one address cache and resolver per regional endpoint
// and routes each request to the endpoint the location manager picks.
type GlobalResolver struct {
	opts        GlobalResolverOptions
	endpoints   EndpointManager
	collections *routing.CollectionCache
	routingMaps *routing.RoutingMapCache
	newSource   SourceFactory
	maxTracked  int

	mu        sync.Mutex
	resolvers map[string]*endpointState
	seq       uint64
}

func NewGlobalResolver(endpoints EndpointManager, collections *routing.CollectionCache, routingMaps *routing.RoutingMapCache, newSource SourceFactory, opts GlobalResolverOptions) *GlobalResolver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GlobalResolver{
		opts:        opts,
		endpoints:   endpoints,
		collections: collections,
		routingMaps: routingMaps,
		newSource:   newSource,
		maxTracked:  opts.MaxBackupReadRegions + 2,
		resolvers:   make(map[string]*endpointState),
	}
}

// Resolve resolves the request at the endpoint it is routed to.
func (g *GlobalResolver) Resolve(ctx context.Context, req *model.Request, forceRefresh bool) ([]model.ReplicaAddress, error) {
	st, err := g.stateFor(req)
	if err != nil {
		return nil, err
	}
	return st.resolver.Resolve(ctx, req, forceRefresh)
}

// ResolveWithRange is Resolve returning the resolved range as well.
func (g *GlobalResolver) ResolveWithRange(ctx context.Context, req *model.Request, forceRefresh bool) (*ResolutionResult, error) {
	st, err := g.stateFor(req)
	if err != nil {
		return nil, err
	}
	return st.resolver.ResolveWithRange(ctx, req, forceRefresh)
}

// OpenCollection warms the address caches of every tracked endpoint with the
// ranges of a collection.
func (g *GlobalResolver) OpenCollection(ctx context.Context, collection *model.DocumentCollection) error {
	rm, err := g.routingMaps.TryLookup(ctx, collection.ResourceID, nil)
	if err != nil {
		return err
	}
	if rm == nil {
		return dcerrors.NotFound(dcerrors.SubStatusUnknown, fmt.Sprintf("collection %s not found", collection.ResourceID))
	}

	g.mu.Lock()
	states := make([]*endpointState, 0, len(g.resolvers))
	for _, st := range g.resolvers {
		states = append(states, st)
	}
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, st := range states {
		st := st
		eg.Go(func() error {
			return st.cache.Warm(egCtx, collection.ResourceID, rm.OrderedRanges())
		})
	}
	return eg.Wait()
}

// WarmCollections starts tracking the most preferred endpoints and loads the
// addresses of every range of the named collections into them. A collection
// that cannot be loaded is logged and skipped. It returns the number of
// collections warmed.
func (g *GlobalResolver) WarmCollections(ctx context.Context, links []string) int {
	preferred := g.preferenceOrder()
	if len(preferred) > g.maxTracked {
		preferred = preferred[:g.maxTracked]
	}
	for _, ep := range preferred {
		if _, err := g.getOrAdd(ep); err != nil {
			g.opts.Logger.Warn("failed to track endpoint for warm-up", zap.String("endpoint", ep), zap.Error(err))
		}
	}

	warmed := 0
	for _, link := range links {
		req := model.NewRequest(model.OperationRead, model.ResourceCollection, link, true, 0)
		coll, err := g.collections.Resolve(ctx, req)
		if err == nil {
			err = g.OpenCollection(ctx, coll)
		}
		if err != nil {
			g.opts.Logger.Warn("failed to warm collection", zap.String("link", link), zap.Error(err))
			continue
		}
		warmed++
	}
	return warmed
}

// Endpoint returns the address cache of an endpoint, creating it if needed.
func (g *GlobalResolver) Endpoint(endpoint string) (*Cache, *AddressResolver, error) {
	st, err := g.getOrAdd(endpoint)
	if err != nil {
		return nil, nil, err
	}
	return st.cache, st.resolver, nil
}

// Endpoints lists the tracked endpoints sorted by name.
func (g *GlobalResolver) Endpoints() []EndpointInfo {
	live := g.liveSet()
	g.mu.Lock()
	out := make([]EndpointInfo, 0, len(g.resolvers))
	for ep, st := range g.resolvers {
		_, ok := live[ep]
		out = append(out, EndpointInfo{Endpoint: ep, CachedRanges: st.cache.Len(), Live: ok})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// PurgeExpired sweeps expired ranges from every tracked endpoint and returns
// how many were dropped.
func (g *GlobalResolver) PurgeExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for _, st := range g.resolvers {
		removed += st.cache.PurgeExpired()
	}
	return removed
}

func (g *GlobalResolver) stateFor(req *model.Request) (*endpointState, error) {
	endpoint := g.endpoints.ResolveServiceEndpoint(req)
	if endpoint == "" {
		return nil, dcerrors.ServiceUnavailable("no regional endpoint available", nil)
	}
	req.ServiceEndpoint = endpoint
	return g.getOrAdd(endpoint)
}

func (g *GlobalResolver) getOrAdd(endpoint string) (*endpointState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.resolvers[endpoint]; ok {
		return st, nil
	}

	source, err := g.newSource(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create address source for %s: %w", endpoint, err)
	}
	cacheOpts := g.opts.Cache
	cacheOpts.Endpoint = endpoint
	if cacheOpts.Metrics == nil {
		cacheOpts.Metrics = g.opts.Metrics
	}
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = g.opts.Logger
	}
	addrCache := NewCache(source, cacheOpts)
	g.seq++
	st := &endpointState{
		endpoint:   endpoint,
		cache:      addrCache,
		resolver:   NewAddressResolver(g.collections, g.routingMaps, addrCache, g.opts.Metrics, g.opts.Logger),
		registered: g.seq,
	}
	g.resolvers[endpoint] = st
	g.opts.Logger.Info("tracking regional endpoint", zap.String("endpoint", endpoint))

	g.evictLocked(endpoint)
	g.opts.Metrics.UpdateResolverEndpoints(len(g.resolvers))
	return st, nil
}

// evictLocked trims tracked endpoints to the limit. Endpoints no longer in
// the live lists go first, oldest first, then the least preferred live
// ones. The endpoint just added is never evicted.
func (g *GlobalResolver) evictLocked(keep string) {
	if len(g.resolvers) <= g.maxTracked {
		return
	}
	live := g.liveSet()

	var stale []*endpointState
	for ep, st := range g.resolvers {
		if _, ok := live[ep]; !ok && ep != keep {
			stale = append(stale, st)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].registered < stale[j].registered })
	for _, st := range stale {
		if len(g.resolvers) <= g.maxTracked {
			return
		}
		g.evict(st.endpoint)
	}

	preferred := g.preferenceOrder()
	for i := len(preferred) - 1; i >= 0 && len(g.resolvers) > g.maxTracked; i-- {
		if ep := preferred[i]; ep != keep {
			if _, ok := g.resolvers[ep]; ok {
				g.evict(ep)
			}
		}
	}
}

func (g *GlobalResolver) evict(endpoint string) {
	delete(g.resolvers, endpoint)
	g.opts.Metrics.RecordEndpointEviction()
	g.opts.Logger.Info("evicted regional endpoint", zap.String("endpoint", endpoint))
}

// preferenceOrder lists write then read endpoints without duplicates.
func (g *GlobalResolver) preferenceOrder() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ep := range append(g.endpoints.WriteEndpoints(), g.endpoints.ReadEndpoints()...) {
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

func (g *GlobalResolver) liveSet() map[string]struct{} {
	live := make(map[string]struct{})
	for _, ep := range g.preferenceOrder() {
		live[ep] = struct{}{}
	}
	return live
}
