package http

import (
	"context"
	"net/http"

	log "github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/storefront-mesh/pkg/compose"
	"github.com/wundergraph/storefront-mesh/pkg/execution"
	"github.com/wundergraph/storefront-mesh/pkg/gateway"
	"github.com/wundergraph/storefront-mesh/pkg/source"
)

// Gateway is the part of *gateway.Gateway the handlers use.
type Gateway interface {
	Execute(ctx context.Context, req execution.Request, header http.Header) (*gateway.Result, error)
	ExecuteQuery(ctx context.Context, req execution.Request, header http.Header) (*gateway.Result, error)
	Refresh(ctx context.Context, names ...string) error
	Schema() *compose.ComposedSchema
	Statuses() []source.Status
}

func NewGraphqlHTTPHandlerFunc(gw Gateway, logger log.Logger, cors CorsPolicy) http.Handler {
	if logger == nil {
		logger = log.NoopLogger
	}
	return &GraphQLHTTPRequestHandler{
		log:     logger,
		gateway: gw,
		cors:    cors,
	}
}

type GraphQLHTTPRequestHandler struct {
	log     log.Logger
	gateway Gateway
	cors    CorsPolicy
}

func (g *GraphQLHTTPRequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.cors.apply(w, r)

	switch r.Method {
	case http.MethodOptions:
		g.cors.preflight(w, r)
	case http.MethodPost:
		g.handleHTTP(w, r)
	case http.MethodGet:
		g.handleGET(w, r)
	default:
		w.Header().Set(httpHeaderAllow, "GET, POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method %s is not supported", r.Method)
	}
}
