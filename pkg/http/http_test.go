package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wundergraph/storefront-mesh/internal/pkg/upstreamtest"
	"github.com/wundergraph/storefront-mesh/pkg/cache"
	"github.com/wundergraph/storefront-mesh/pkg/gateway"
	"github.com/wundergraph/storefront-mesh/pkg/source"
)

const commerceSDL = `
type Query {
	storeConfig: StoreConfig
}

type Mutation {
	createEmptyCart: String
}

type StoreConfig {
	store_code: String
}
`

type testServer struct {
	*httptest.Server
	upstream *upstreamtest.Server
	gateway  *gateway.Gateway
}

func newTestServer(t *testing.T, start bool) *testServer {
	t.Helper()

	upstream := upstreamtest.New(t, commerceSDL, func(req upstreamtest.Request) (int, string) {
		if strings.HasPrefix(strings.TrimSpace(req.Query), "mutation") {
			return http.StatusOK, `{"data":{"_0":"cart-1"}}`
		}
		return http.StatusOK, `{"data":{"_0":{"store_code":"default"}}}`
	})

	memory, err := cache.NewMemory(16)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()

	gw, err := gateway.New(gateway.Config{
		Sources: []source.Source{{
			Name:           "CommerceGraphQL",
			Endpoint:       upstream.URL,
			RequestHeaders: []source.HeaderTemplate{source.ForwardHeader("Store", "Store")},
		}},
		Logger:      abstractlogger.NoopLogger,
		Fetcher:     source.NewIntrospector(http.DefaultClient, abstractlogger.NoopLogger, source.WithRetries(0)),
		Cache:       memory,
		CachePolicy: cache.Policy{Enabled: true, MaxAge: time.Minute},
		Registerer:  registry,
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, gw.Start(context.Background()))
	}

	mux, err := NewServeMux(MuxConfig{
		Gateway:        gw,
		Logger:         abstractlogger.NoopLogger,
		Cors:           DefaultCorsPolicy(),
		Gatherer:       registry,
		PlaygroundPath: "/playground",
		AdminToken:     testAdminToken,
	})
	require.NoError(t, err)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{Server: server, upstream: upstream, gateway: gw}
}

func (s *testServer) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for name, values := range header {
		req.Header[name] = values
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out)
}

const testAdminToken = "admin-secret"

func adminHeader() http.Header {
	header := http.Header{}
	header.Set(httpHeaderAuthorization, "Bearer "+testAdminToken)
	return header
}

func jsonHeader() http.Header {
	return http.Header{httpHeaderContentType: []string{"application/json; charset=utf-8"}}
}

func TestGraphQLHTTPRequestHandler_HandleHTTP(t *testing.T) {
	s := newTestServer(t, true)

	t.Run("should successfully handle http request and return 200 OK", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/graphql", `{"query":"{ storeConfig { store_code } }","variables":null}`, jsonHeader())

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get(httpHeaderContentType), httpContentTypeApplicationJson)
		assert.Equal(t, `{"data":{"storeConfig":{"store_code":"default"}}}`, body)
		assert.Equal(t, "*", resp.Header.Get(httpHeaderAllowOrigin))
		assert.Equal(t, "GET, POST", resp.Header.Get(httpHeaderAllowMethods))
		assert.Equal(t, "60480", resp.Header.Get(httpHeaderMaxAge))
		assert.Contains(t, resp.Header.Get(httpHeaderExposeHeaders), "X-Magento-Cache-Id")
	})

	t.Run("should return 400 Bad Request when query does not fit to schema", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/graphql", `{"query":"{ cart { id } }"}`, jsonHeader())

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "GRAPHQL_VALIDATION_FAILED")
		assert.NotContains(t, body, `"data"`)
	})

	t.Run("should return 400 Bad Request for malformed bodies", func(t *testing.T) {
		for _, body := range []string{`{"query":`, `[]`, `{"query":1}`, `{"query":"{ storeConfig { store_code } }","operationName":true}`} {
			resp, out := s.do(t, http.MethodPost, "/graphql", body, jsonHeader())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			assert.Contains(t, out, codeBadRequest)
		}
	})

	t.Run("should return 415 for other content types", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPost, "/graphql", `query=x`, http.Header{httpHeaderContentType: []string{"application/x-www-form-urlencoded"}})
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("should accept mutations over POST", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/graphql", `{"query":"mutation { createEmptyCart }"}`, jsonHeader())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `{"data":{"createEmptyCart":"cart-1"}}`, body)
		assert.Empty(t, resp.Header.Get(httpHeaderCache))
	})

	t.Run("should reject other methods", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPut, "/graphql", `{}`, jsonHeader())
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get(httpHeaderAllowOrigin))
	})
}

func TestGraphQLHTTPRequestHandler_HandleGET(t *testing.T) {
	s := newTestServer(t, true)

	get := func(query, variables string, header http.Header) (*http.Response, string) {
		params := url.Values{"query": []string{query}}
		if variables != "" {
			params.Set("variables", variables)
		}
		return s.do(t, http.MethodGet, "/graphql?"+params.Encode(), "", header)
	}

	resp, body := get(`{ storeConfig { store_code } }`, "", http.Header{"Store": []string{"default"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get(httpHeaderCache))

	cached, cachedBody := get(`{ storeConfig { store_code } }`, "", http.Header{"Store": []string{"default"}})
	assert.Equal(t, "HIT", cached.Header.Get(httpHeaderCache))
	assert.Equal(t, body, cachedBody)
	assert.Equal(t, "*", cached.Header.Get(httpHeaderAllowOrigin), "cached responses carry the cors policy")
	assert.Equal(t, 1, s.upstream.Calls())

	t.Run("forwarded headers split cache entries", func(t *testing.T) {
		resp, _ := get(`{ storeConfig { store_code } }`, "", http.Header{"Store": []string{"de"}})
		assert.Equal(t, "MISS", resp.Header.Get(httpHeaderCache))
		assert.Equal(t, "de", s.upstream.Requests()[1].Header.Get("Store"))
	})

	t.Run("mutations are refused", func(t *testing.T) {
		before := s.upstream.Calls()
		resp, body := get(`mutation { createEmptyCart }`, "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get(httpHeaderAllow))
		assert.Contains(t, body, codeMethodNotAllowed)
		assert.Equal(t, before, s.upstream.Calls())
	})

	t.Run("invalid variables", func(t *testing.T) {
		resp, _ := get(`{ storeConfig { store_code } }`, `{"a":`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGraphQLHTTPRequestHandler_Cors(t *testing.T) {
	s := newTestServer(t, true)

	t.Run("preflight is answered from policy", func(t *testing.T) {
		header := http.Header{}
		header.Set(httpHeaderOrigin, "https://shop.example.com")
		header.Set("Access-Control-Request-Method", http.MethodPost)
		header.Set(httpHeaderAccessControlRequestHeaders, "content-type, store")

		resp, body := s.do(t, http.MethodOptions, "/graphql", "", header)

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Empty(t, body)
		assert.Equal(t, "https://shop.example.com", resp.Header.Get(httpHeaderAllowOrigin))
		assert.Equal(t, "true", resp.Header.Get(httpHeaderAllowCredentials))
		assert.Equal(t, "content-type, store", resp.Header.Get(httpHeaderAllowHeaders))
		assert.Equal(t, 0, s.upstream.Calls())
	})

	t.Run("fixed origin", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/graphql", nil)
		req.Header.Set(httpHeaderOrigin, "https://other.example.com")

		handler := NewGraphqlHTTPHandlerFunc(s.gateway, abstractlogger.NoopLogger, CorsPolicy{AllowedOrigin: "https://shop.example.com"})
		handler.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusNoContent, recorder.Code)
		assert.Equal(t, "https://shop.example.com", recorder.Header().Get(httpHeaderAllowOrigin))
		assert.Empty(t, recorder.Header().Get(httpHeaderAllowCredentials))
		assert.Empty(t, recorder.Header().Get(httpHeaderMaxAge))
	})
}

func TestAdminHandler(t *testing.T) {
	s := newTestServer(t, true)

	t.Run("schema", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/schema.graphql", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "storeConfig: StoreConfig")
	})

	t.Run("introspection", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/introspection.json", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `"__schema"`)
	})

	t.Run("health", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status statusResponse
		require.NoError(t, json.Unmarshal([]byte(body), &status))
		assert.True(t, status.Ready)
		require.Len(t, status.Sources, 1)
		assert.Equal(t, "CommerceGraphQL", status.Sources[0].Name)
		assert.True(t, status.Sources[0].Available)
	})

	t.Run("refresh", func(t *testing.T) {
		before := s.upstream.Introspections()
		resp, _ := s.do(t, http.MethodPost, "/admin/refresh?source=CommerceGraphQL", "", adminHeader())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, before+1, s.upstream.Introspections())

		resp, _ = s.do(t, http.MethodPost, "/admin/refresh?source=Inventory", "", adminHeader())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = s.do(t, http.MethodGet, "/admin/refresh", "", adminHeader())
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("refresh requires the admin token", func(t *testing.T) {
		before := s.upstream.Introspections()

		resp, body := s.do(t, http.MethodPost, "/admin/refresh", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Bearer", resp.Header.Get(httpHeaderWWWAuthenticate))
		assert.Contains(t, body, codeUnauthorized)

		wrong := http.Header{}
		wrong.Set(httpHeaderAuthorization, "Bearer guess")
		resp, _ = s.do(t, http.MethodPost, "/admin/refresh", "", wrong)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		assert.Equal(t, before, s.upstream.Introspections())
	})

	t.Run("failed refresh keeps serving", func(t *testing.T) {
		s.upstream.SetIntrospectable(false)
		defer s.upstream.SetIntrospectable(true)

		resp, body := s.do(t, http.MethodPost, "/admin/refresh", "", adminHeader())
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, body, "CommerceGraphQL")

		resp, _ = s.do(t, http.MethodPost, "/graphql", `{"query":"{ storeConfig { store_code } }"}`, jsonHeader())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("playground", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/playground", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "GraphiQL")
	})

	t.Run("metrics", func(t *testing.T) {
		_, _ = s.do(t, http.MethodPost, "/graphql", `{"query":"{ storeConfig { store_code } }"}`, jsonHeader())

		resp, body := s.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "mesh_cache_lookups_total")
		assert.Contains(t, body, "mesh_upstream_requests_total")
	})
}

func TestNewServeMux_AdminRouting(t *testing.T) {
	s := newTestServer(t, true)

	serve := func(handler http.Handler, method, path string) int {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(method, path, nil))
		return recorder.Code
	}

	t.Run("shared listener without token has no refresh", func(t *testing.T) {
		mux, err := NewServeMux(MuxConfig{Gateway: s.gateway})
		require.NoError(t, err)

		before := s.upstream.Introspections()
		assert.Equal(t, http.StatusNotFound, serve(mux, http.MethodPost, "/admin/refresh"))
		assert.Equal(t, before, s.upstream.Introspections())
		assert.Equal(t, http.StatusOK, serve(mux, http.MethodGet, "/healthz"))
	})

	t.Run("separate admin listener", func(t *testing.T) {
		config := MuxConfig{Gateway: s.gateway, SeparateAdmin: true}
		public, err := NewServeMux(config)
		require.NoError(t, err)
		admin := NewAdminMux(config)

		assert.Equal(t, http.StatusNotFound, serve(public, http.MethodPost, "/admin/refresh"))
		assert.Equal(t, http.StatusNotFound, serve(public, http.MethodGet, "/schema.graphql"))

		before := s.upstream.Introspections()
		assert.Equal(t, http.StatusOK, serve(admin, http.MethodPost, "/admin/refresh"))
		assert.Equal(t, before+1, s.upstream.Introspections())
		assert.Equal(t, http.StatusOK, serve(admin, http.MethodGet, "/schema.graphql"))
	})

	t.Run("separate admin listener with token", func(t *testing.T) {
		admin := NewAdminMux(MuxConfig{Gateway: s.gateway, SeparateAdmin: true, AdminToken: testAdminToken})
		assert.Equal(t, http.StatusUnauthorized, serve(admin, http.MethodPost, "/admin/refresh"))
	})
}

func TestAdminHandler_NotReady(t *testing.T) {
	s := newTestServer(t, false)

	resp, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/schema.graphql", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/graphql", `{"query":"{ storeConfig { store_code } }"}`, jsonHeader())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, codeServiceUnavailable)
}
