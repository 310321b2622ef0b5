package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wundergraph/storefront-mesh/pkg/cache"
	"github.com/wundergraph/storefront-mesh/pkg/source"
	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

func env(values map[string]string) source.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

var meshEnv = env(map[string]string{
	"ADOBE_COMMERCE_GRAPHQL_ENDPOINT": "https://commerce.example.com/graphql",
	"ADOBE_CATALOG_SERVICE_ENDPOINT":  "https://catalog.example.com/graphql",
})

func TestLoad_ShippedConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "mesh.yaml"), meshEnv)
	require.NoError(t, err)
	assert.Equal(t, "/playground", c.PlaygroundPath)
	assert.Equal(t, "127.0.0.1:4001", c.Admin.Listen)
	assert.Empty(t, c.AdminToken(meshEnv))

	sources, err := c.SourceList(meshEnv)
	require.NoError(t, err)
	require.Len(t, sources, 3)

	commerce := sources[0]
	assert.Equal(t, "CommerceGraphQL", commerce.Name)
	assert.Equal(t, "https://commerce.example.com/graphql", commerce.Endpoint)
	assert.Equal(t, []source.HeaderTemplate{source.ForwardHeader("Store", "store")}, commerce.RequestHeaders)
	require.Len(t, commerce.Transforms, 1)
	filter, ok := commerce.Transforms[0].(*transform.Filter)
	require.True(t, ok)
	assert.Equal(t, transform.Allow, filter.Mode)
	assert.Contains(t, filter.Patterns, transform.FieldPattern{Operation: "query", Field: "storeConfig"})

	catalog := sources[1]
	assert.Empty(t, catalog.Transforms)
	assert.Equal(t, "https://catalog.example.com/graphql", catalog.Endpoint)
	assert.Equal(t, source.ForwardHeader("Authorization", "authorization"), catalog.RequestHeaders[0], "templates are ordered by name")
	assert.Contains(t, catalog.SchemaHeaders, source.EnvHeader("X-Api-Key", "ADOBE_CATALOG_API_KEY"))

	live := sources[2]
	assert.Equal(t, []transform.Transform{transform.Encapsulate{Name: "LiveSearch", Query: true, Mutation: false}}, live.Transforms)
	assert.Contains(t, live.RequestHeaders, source.LiteralHeader("X-Api-Key", "search_gql"))

	assert.Equal(t, cache.Policy{Enabled: true, MaxAge: 5 * time.Minute, IncludeHTTPDetails: true}, c.CachePolicy())

	cors := c.CorsPolicy()
	assert.Equal(t, "*", cors.AllowedOrigin)
	assert.Equal(t, []string{"GET", "POST"}, cors.AllowedMethods)
	assert.True(t, cors.AllowCredentials)
	assert.Equal(t, 60480*time.Second, cors.MaxAge)
	assert.Contains(t, cors.ExposedHeaders, "X-Magento-Cache-Id")

	assert.Equal(t, time.Duration(0), c.PollInterval())
	assert.True(t, c.StorefrontOverlays())
}

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := Parse([]byte(`sources: [{name: A, endpoint: "http://a"}]`))
		require.NoError(t, err)
		assert.Equal(t, DefaultListenAddr, c.Listen)
		assert.Equal(t, "/graphql", c.GraphQLPath)
		assert.Equal(t, CacheBackendMemory, c.Cache.Backend)
		assert.NoError(t, c.Validate(env(nil)))

		cors := c.CorsPolicy()
		assert.Equal(t, "*", cors.AllowedOrigin)
		assert.Equal(t, 60480*time.Second, cors.MaxAge)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := Parse([]byte("sources:\n  - name: A\n    endpoint: http://a\n    operationHeaders: {}\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	c, err := Parse([]byte(`
graphqlPath: graphql
playgroundPath: graphql
admin:
  listen: 0.0.0.0:4000
  tokenEnv: MISSING_TOKEN
sources:
  - name: A
    endpoint: http://a
    endpointEnv: A_ENDPOINT
    requestHeaders:
      Store: {value: default, requestHeader: store}
    schemaHeaders:
      Store: {requestHeader: store}
    transforms:
      - filter: {mode: bare, patterns: [Query.a]}
      - {}
  - name: A
    endpointEnv: MISSING_ENDPOINT
    transforms:
      - encapsulate: {name: A, query: false, mutation: false}
cache:
  backend: redis
`))
	require.NoError(t, err)

	err = c.Validate(env(nil))
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ElementsMatch(t, []string{
		`graphqlPath "graphql" must start with /`,
		"playgroundPath must differ from graphqlPath",
		"admin.listen must differ from listen",
		"admin: environment variable MISSING_TOKEN is not set",
		"source A: endpoint and endpointEnv are mutually exclusive",
		"source A: request header Store: exactly one of value, env and requestHeader must be set",
		"source A: schema header Store cannot read inbound request headers",
		`source A: transform 0: unknown filter mode "bare", expected allow or deny`,
		"source A: transform 1: empty transform",
		"source A: duplicate name",
		"source A: environment variable MISSING_ENDPOINT is not set",
		"source A: transform 0: encapsulate A applies to neither query nor mutation",
		`cache: unknown backend "redis"`,
	}, validation.Problems)
}

func TestAdminToken(t *testing.T) {
	c, err := Parse([]byte(`
admin:
  tokenEnv: MESH_ADMIN_TOKEN
sources:
  - name: A
    endpoint: http://a
`))
	require.NoError(t, err)

	lookup := env(map[string]string{"MESH_ADMIN_TOKEN": "s3cret"})
	require.NoError(t, c.Validate(lookup))
	assert.Equal(t, "s3cret", c.AdminToken(lookup))

	c.Admin.TokenEnv = ""
	assert.Empty(t, c.AdminToken(lookup))
}

func TestSourceList_SchemaFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.graphql"), []byte("type Query { a: String }"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mesh.yaml"), []byte(`
sources:
  - name: Legacy
    endpoint: http://legacy
    schemaFile: legacy.graphql
refresh:
  intervalSeconds: 30
overlays:
  storefront: false
`), 0o644))

	c, err := Load(filepath.Join(dir, "mesh.yaml"), env(nil))
	require.NoError(t, err)

	sources, err := c.SourceList(env(nil))
	require.NoError(t, err)
	assert.Equal(t, "type Query { a: String }", sources[0].StaticSDL)
	assert.Equal(t, 30*time.Second, c.PollInterval())
	assert.False(t, c.StorefrontOverlays())
}

func TestOpenCache(t *testing.T) {
	c, err := Parse([]byte(`
sources: [{name: A, endpoint: "http://a"}]
cache: {enabled: true, size: 8}
`))
	require.NoError(t, err)

	backend, closeCache, err := c.OpenCache(context.Background())
	require.NoError(t, err)
	defer closeCache()
	assert.IsType(t, &cache.Memory{}, backend)

	c.Cache.Enabled = false
	backend, _, err = c.OpenCache(context.Background())
	require.NoError(t, err)
	assert.Nil(t, backend)
}
