package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/goleak"

	"github.com/wundergraph/storefront-mesh/internal/pkg/upstreamtest"
	"github.com/wundergraph/storefront-mesh/pkg/cache"
	"github.com/wundergraph/storefront-mesh/pkg/compose"
	"github.com/wundergraph/storefront-mesh/pkg/execution"
	"github.com/wundergraph/storefront-mesh/pkg/overlay"
	"github.com/wundergraph/storefront-mesh/pkg/overlay/storefront"
	"github.com/wundergraph/storefront-mesh/pkg/source"
	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

const commerceSDL = `
type Query {
	storeConfig: StoreConfig
	order(number: String!): Order
}

type Mutation {
	setGuestEmailOnCart(cart_id: String!, email: String!): Cart
}

type StoreConfig {
	store_code: String
	allow_gift_wrapping: String
}

type Order {
	total: OrderTotal
}

type OrderTotal {
	grand_total: Money
	grand_total_excl_tax: Money
}

type Money {
	value: Float
	currency: String
}

type Cart {
	id: String!
	email: String
}
`

const catalogSDL = `
type Query {
	categories: [Category]
}

type Category {
	name: String
}
`

func newGateway(t *testing.T, config Config, servers map[string]*upstreamtest.Server, transforms map[string][]transform.Transform) *Gateway {
	t.Helper()

	for name, server := range servers {
		config.Sources = append(config.Sources, source.Source{
			Name:       name,
			Endpoint:   server.URL,
			Transforms: transforms[name],
		})
	}
	config.Logger = abstractlogger.NoopLogger
	config.Fetcher = source.NewIntrospector(http.DefaultClient, abstractlogger.NoopLogger, source.WithRetries(0))
	if config.Overlays == nil {
		config.Overlays = overlay.NewRegistry(abstractlogger.NoopLogger)
		require.NoError(t, storefront.Register(config.Overlays))
	}

	g, err := New(config)
	require.NoError(t, err)
	return g
}

func storeConfigQuery() execution.Request {
	return execution.Request{Query: `{ storeConfig { store_code } }`}
}

func TestGateway_Start(t *testing.T) {
	commerce := upstreamtest.New(t, commerceSDL, upstreamtest.Data(`{"data":{"_0":{"store_code":"default"}}}`))
	catalog := upstreamtest.New(t, catalogSDL, upstreamtest.Data(`{"data":{"_0":[{"name":"Bags"}]}}`))

	g := newGateway(t, Config{}, map[string]*upstreamtest.Server{
		"CommerceGraphQL": commerce,
		"CatalogService":  catalog,
	}, map[string][]transform.Transform{
		"CatalogService": {transform.Encapsulate{Name: "Catalog", Query: true}},
	})

	require.Nil(t, g.Schema())
	require.NoError(t, g.Start(context.Background()))
	g.Ready()

	composed := g.Schema()
	require.NotNil(t, composed)
	assert.ElementsMatch(t, []string{"CommerceGraphQL", "CatalogService"}, composed.Sources)

	owner, ok := composed.Owner(ast.Query, "Catalog")
	require.True(t, ok)
	assert.Equal(t, compose.Owner{Source: "CatalogService", Namespace: true}, owner)

	result, err := g.Execute(context.Background(), execution.Request{Query: `{ storeConfig { store_code } Catalog { categories { name } } }`}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"storeConfig":{"store_code":"default"},"Catalog":{"categories":[{"name":"Bags"}]}}}`, string(result.Body))

	for _, status := range g.Statuses() {
		assert.True(t, status.Available, status.Name)
	}
}

func TestGateway_StartWithSparseStoreConfig(t *testing.T) {
	const sdl = `
		type Query { storeConfig: StoreConfig }
		type StoreConfig { store_code: String allow_gift_wrapping: String }
	`
	commerce := upstreamtest.New(t, sdl, upstreamtest.Data(`{"data":{"_0":{"store_code":"default","allow_gift_wrapping":null,"_overlay_allow_gift_wrapping":null}}}`))
	g := newGateway(t, Config{}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)

	require.NoError(t, g.Start(context.Background()))

	result, err := g.Execute(context.Background(), execution.Request{Query: `{ storeConfig { store_code allow_gift_wrapping } }`}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"storeConfig":{"store_code":"default","allow_gift_wrapping":"0"}}}`, string(result.Body))
}

func TestGateway_StartFailures(t *testing.T) {
	t.Run("source without schema", func(t *testing.T) {
		commerce := upstreamtest.New(t, commerceSDL, nil)
		commerce.SetIntrospectable(false)

		g := newGateway(t, Config{}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)

		err := g.Start(context.Background())
		var fetchErr *source.SchemaFetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "CommerceGraphQL", fetchErr.Source)
		assert.Nil(t, g.Schema())

		_, err = g.Execute(context.Background(), storeConfigQuery(), nil)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("root field collision", func(t *testing.T) {
		g := newGateway(t, Config{}, map[string]*upstreamtest.Server{
			"CatalogService": upstreamtest.New(t, catalogSDL, nil),
			"LegacyCatalog":  upstreamtest.New(t, catalogSDL, nil),
		}, nil)

		var collision *compose.CollisionError
		require.ErrorAs(t, g.Start(context.Background()), &collision)
		assert.Equal(t, "categories", collision.Field)
		assert.Nil(t, g.Schema())
	})

	t.Run("filtered overlay dependency", func(t *testing.T) {
		const sdl = `
			type Query { total: OrderTotal }
			type OrderTotal { grand_total_excl_tax: Money }
			type Money { value: Float }
		`
		g := newGateway(t, Config{}, map[string]*upstreamtest.Server{
			"CommerceGraphQL": upstreamtest.New(t, sdl, nil),
		}, nil)

		var dependency *overlay.DependencyError
		require.ErrorAs(t, g.Start(context.Background()), &dependency)
		assert.Equal(t, "OrderTotal", dependency.TypeName)
		assert.Equal(t, "grand_total_excl_tax", dependency.FieldName)
	})
}

func TestGateway_ResponseCache(t *testing.T) {
	memory, err := cache.NewMemory(16)
	require.NoError(t, err)

	commerce := upstreamtest.New(t, commerceSDL, upstreamtest.Data(`{"data":{"_0":{"store_code":"default"}}}`))
	g := newGateway(t, Config{
		Cache: memory,
		CachePolicy: cache.Policy{
			Enabled:     true,
			MaxAge:      200 * time.Millisecond,
			VaryHeaders: []string{"Store"},
		},
	}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)
	require.NoError(t, g.Start(context.Background()))

	ctx := context.Background()
	header := http.Header{"Store": []string{"default"}}

	first, err := g.ExecuteQuery(ctx, storeConfigQuery(), header)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, first.Cache)

	second, err := g.ExecuteQuery(ctx, storeConfigQuery(), header)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, second.Cache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, commerce.Calls())

	t.Run("vary headers split entries", func(t *testing.T) {
		other, err := g.ExecuteQuery(ctx, storeConfigQuery(), http.Header{"Store": []string{"de"}})
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, other.Cache)
		assert.Equal(t, 2, commerce.Calls())
	})

	t.Run("entries expire", func(t *testing.T) {
		time.Sleep(250 * time.Millisecond)
		result, err := g.ExecuteQuery(ctx, storeConfigQuery(), header)
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, result.Cache)
		assert.Equal(t, 3, commerce.Calls())
	})

	t.Run("responses with errors are not stored", func(t *testing.T) {
		commerce.SetResponder(upstreamtest.Data(`{"data":{"_0":null},"errors":[{"message":"store unavailable","path":["_0"]}]}`))
		req := execution.Request{Query: `query Failing { storeConfig { store_code } }`}

		for i := 0; i < 2; i++ {
			result, err := g.ExecuteQuery(ctx, req, header)
			require.NoError(t, err)
			assert.Equal(t, CacheMiss, result.Cache)
			assert.Contains(t, string(result.Body), "store unavailable")
		}
	})

	t.Run("mutations bypass the cache", func(t *testing.T) {
		commerce.SetResponder(upstreamtest.Data(`{"data":{"_0":{"id":"c1"}}}`))
		req := execution.Request{Query: `mutation { setGuestEmailOnCart(cart_id: "c1", email: "a@b.c") { id } }`}

		before := commerce.Calls()
		for i := 0; i < 2; i++ {
			result, err := g.Execute(ctx, req, header)
			require.NoError(t, err)
			assert.Empty(t, result.Cache)
			assert.Equal(t, ast.Mutation, result.Operation)
		}
		assert.Equal(t, before+2, commerce.Calls())

		_, err := g.ExecuteQuery(ctx, req, header)
		assert.ErrorIs(t, err, ErrMutationNotAllowed)
	})
}

func TestGateway_ResponseCacheHTTPDetails(t *testing.T) {
	memory, err := cache.NewMemory(16)
	require.NoError(t, err)

	commerce := upstreamtest.New(t, commerceSDL, upstreamtest.Data(`{"data":{"_0":{"store_code":"default"}}}`))
	g := newGateway(t, Config{
		Cache: memory,
		CachePolicy: cache.Policy{
			Enabled:            true,
			MaxAge:             time.Minute,
			IncludeHTTPDetails: true,
		},
	}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)
	require.NoError(t, g.Start(context.Background()))

	miss, err := g.Execute(context.Background(), storeConfigQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, miss.Cache)
	assert.Contains(t, string(miss.Body), `"httpDetails":[{`)
	assert.Contains(t, string(miss.Body), commerce.URL)

	hit, err := g.Execute(context.Background(), storeConfigQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, hit.Cache)
	assert.Equal(t, `{"data":{"storeConfig":{"store_code":"default"}}}`, string(hit.Body))
}

func TestGateway_RequestErrors(t *testing.T) {
	commerce := upstreamtest.New(t, commerceSDL, nil)
	g := newGateway(t, Config{}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)
	require.NoError(t, g.Start(context.Background()))

	result, err := g.Execute(context.Background(), execution.Request{Query: `{ unknownField }`}, nil)
	require.NoError(t, err)
	assert.True(t, result.RequestError)
	assert.Contains(t, string(result.Body), "GRAPHQL_VALIDATION_FAILED")
	assert.Equal(t, 0, commerce.Calls())
}

func TestGateway_Refresh(t *testing.T) {
	commerce := upstreamtest.New(t, commerceSDL, nil)
	catalog := upstreamtest.New(t, catalogSDL, nil)
	g := newGateway(t, Config{}, map[string]*upstreamtest.Server{
		"CommerceGraphQL": commerce,
		"CatalogService":  catalog,
	}, nil)
	require.NoError(t, g.Start(context.Background()))
	composed := g.Schema()

	t.Run("single source", func(t *testing.T) {
		before := catalog.Introspections()
		require.NoError(t, g.Refresh(context.Background(), "CommerceGraphQL"))
		assert.Equal(t, before, catalog.Introspections())
		assert.Same(t, composed, g.Schema(), "an unchanged schema is not swapped")
	})

	t.Run("unknown source", func(t *testing.T) {
		var unknown *UnknownSourceError
		require.ErrorAs(t, g.Refresh(context.Background(), "Inventory"), &unknown)
		assert.Equal(t, "Inventory", unknown.Name)
	})

	t.Run("failures keep the last schema", func(t *testing.T) {
		catalog.SetIntrospectable(false)
		defer catalog.SetIntrospectable(true)

		assert.Error(t, g.Refresh(context.Background()))
		assert.Same(t, composed, g.Schema())

		for _, status := range g.Statuses() {
			if status.Name == "CatalogService" {
				assert.False(t, status.Available)
				assert.Error(t, status.LastError)
				assert.False(t, status.FetchedAt.IsZero(), "the previous snapshot is kept")
			}
		}
	})
}

func TestGateway_Run(t *testing.T) {
	commerce := upstreamtest.New(t, commerceSDL, nil)
	g := newGateway(t, Config{PollInterval: 20 * time.Millisecond}, map[string]*upstreamtest.Server{"CommerceGraphQL": commerce}, nil)
	require.NoError(t, g.Start(context.Background()))
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("net/http.(*conn).serve"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return commerce.Introspections() >= 3
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
