package playground

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should join the path with a leading slash even when prefix path is empty", func(t *testing.T) {
		p := New(Config{PlaygroundPath: "playground", GraphqlEndpointPath: "/graphql"})
		assert.Equal(t, "/playground", p.Path())
		assert.Equal(t, "https://unpkg.com/graphiql@"+DefaultGraphiQLVersion+"/graphiql.min.css", p.data.CssURL)
	})

	t.Run("should respect the prefix", func(t *testing.T) {
		p := New(Config{PathPrefix: "/mesh", PlaygroundPath: "/playground", GraphiQLVersion: "3.1.0"})
		assert.Equal(t, "/mesh/playground", p.Path())
		assert.Equal(t, "https://unpkg.com/graphiql@3.1.0/graphiql.min.js", p.data.JsURL)
	})
}

func TestHandler(t *testing.T) {
	handler, err := New(Config{PlaygroundPath: "/playground", GraphqlEndpointPath: "/graphql"}).Handler()
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/playground", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, contentTypeTextHTML, recorder.Header().Get(contentTypeHeader))
	assert.Contains(t, recorder.Body.String(), `GraphiQL.createFetcher({ url: "`)
	assert.Contains(t, recorder.Body.String(), "graphql\" })")
	assert.Contains(t, recorder.Body.String(), "<title>Storefront Mesh</title>")
}
