package address

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/gateway"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/routing"
)

type fakeEndpoints struct {
	write []string
	read  []string
}

func (f *fakeEndpoints) ResolveServiceEndpoint(req *model.Request) string {
	if req.ServiceEndpoint != "" {
		return req.ServiceEndpoint
	}
	if req.IsReadOnly() && len(f.read) > 0 {
		return f.read[0]
	}
	return f.write[0]
}

func (f *fakeEndpoints) WriteEndpoints() []string { return f.write }
func (f *fakeEndpoints) ReadEndpoints() []string  { return f.read }

func newGlobal(t *testing.T, endpoints *fakeEndpoints, maxBackup int) (*GlobalResolver, map[string]int) {
	t.Helper()
	src := newFixture(t, twoRanges()).source
	created := make(map[string]int)
	logger := zap.NewNop()
	g := NewGlobalResolver(endpoints,
		routing.NewCollectionCache(src, nil, logger),
		routing.NewRoutingMapCache(src, nil, logger),
		func(endpoint string) (Source, error) {
			created[endpoint]++
			return src, nil
		},
		GlobalResolverOptions{
			MaxBackupReadRegions: maxBackup,
			Cache:                CacheOptions{Protocol: model.ProtocolTCP},
			Logger:               logger,
		})
	return g, created
}

func tracked(g *GlobalResolver) []string {
	var out []string
	for _, e := range g.Endpoints() {
		out = append(out, e.Endpoint)
	}
	return out
}

func TestGlobalResolverRoutesByOperation(t *testing.T) {
	eps := &fakeEndpoints{write: []string{"https://east/"}, read: []string{"https://west/"}}
	g, created := newGlobal(t, eps, 1)
	ctx := context.Background()

	read := docRead(`["k"]`)
	_, err := g.Resolve(ctx, read, false)
	require.NoError(t, err)
	assert.Equal(t, "https://west/", read.ServiceEndpoint)

	write := model.NewRequest(model.OperationCreate, model.ResourceDocument, testLink+"/docs", true, 0)
	write.Headers.Set(model.HeaderPartitionKey, `["k"]`)
	_, err = g.Resolve(ctx, write, false)
	require.NoError(t, err)
	assert.Equal(t, "https://east/", write.ServiceEndpoint)

	_, err = g.Resolve(ctx, docRead(`["k"]`), false)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"https://east/": 1, "https://west/": 1}, created)
}

func TestGlobalResolverEvictsStaleEndpointsFirst(t *testing.T) {
	eps := &fakeEndpoints{write: []string{"https://east/"}, read: []string{"https://west/"}}
	g, _ := newGlobal(t, eps, 0)

	_, _, err := g.Endpoint("https://retired/")
	require.NoError(t, err)
	_, _, err = g.Endpoint("https://east/")
	require.NoError(t, err)
	_, _, err = g.Endpoint("https://west/")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://east/", "https://west/"}, tracked(g))
}

func TestGlobalResolverEvictsLeastPreferredButKeepsNewest(t *testing.T) {
	eps := &fakeEndpoints{
		write: []string{"https://east/"},
		read:  []string{"https://west/", "https://north/"},
	}
	g, _ := newGlobal(t, eps, 0)

	for _, ep := range []string{"https://east/", "https://west/", "https://north/"} {
		_, _, err := g.Endpoint(ep)
		require.NoError(t, err)
	}

	// north is least preferred but was just added, so west goes
	assert.Equal(t, []string{"https://east/", "https://north/"}, tracked(g))
}

func TestGlobalResolverOpenCollectionWarmsCaches(t *testing.T) {
	eps := &fakeEndpoints{write: []string{"https://east/"}}
	g, _ := newGlobal(t, eps, 1)
	cache, _, err := g.Endpoint("https://east/")
	require.NoError(t, err)

	err = g.OpenCollection(context.Background(), &model.DocumentCollection{ResourceID: testCollRID})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
}

func TestGlobalResolverPurgesExpiredRanges(t *testing.T) {
	eps := &fakeEndpoints{write: []string{"https://east/"}, read: []string{"https://west/"}}
	g, _ := newGlobal(t, eps, 1)
	g.opts.Cache.EntryTTL = time.Millisecond
	ctx := context.Background()
	for _, ep := range []string{"https://east/", "https://west/"} {
		_, _, err := g.Endpoint(ep)
		require.NoError(t, err)
	}
	require.NoError(t, g.OpenCollection(ctx, &model.DocumentCollection{ResourceID: testCollRID}))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 4, g.PurgeExpired())
	for _, info := range g.Endpoints() {
		assert.Zero(t, info.CachedRanges, info.Endpoint)
	}
}

func TestGlobalResolverWarmCollections(t *testing.T) {
	eps := &fakeEndpoints{write: []string{"https://east/"}, read: []string{"https://west/", "https://north/"}}
	g, created := newGlobal(t, eps, 0)

	warmed := g.WarmCollections(context.Background(), []string{testLink, "dbs/db1/colls/missing"})
	assert.Equal(t, 1, warmed)
	assert.Equal(t, map[string]int{"https://east/": 1, "https://west/": 1}, created)
	for _, info := range g.Endpoints() {
		assert.Equal(t, 2, info.CachedRanges, info.Endpoint)
	}
}

var _ Source = (*gateway.StaticSource)(nil)
