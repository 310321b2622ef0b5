package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wundergraph/storefront-mesh/pkg/gateway"
	"github.com/wundergraph/storefront-mesh/pkg/introspection"
	"github.com/wundergraph/storefront-mesh/pkg/playground"
)

const DefaultGraphQLPath = "/graphql"

type MuxConfig struct {
	Gateway     Gateway
	Logger      log.Logger
	Cors        CorsPolicy
	GraphQLPath string
	// Gatherer backs /metrics, the endpoint is left out when nil.
	Gatherer prometheus.Gatherer
	// PlaygroundPath hosts GraphiQL when set.
	PlaygroundPath string
	// AdminToken guards /admin/refresh with "Authorization: Bearer <token>".
	AdminToken string
	// SeparateAdmin leaves the admin endpoints out of NewServeMux, serve them with
	// NewAdminMux on their own listener.
	SeparateAdmin bool
}

// NewServeMux routes the GraphQL endpoint and, unless SeparateAdmin is set, the admin
// endpoints. On a shared listener /admin/refresh is only mounted when AdminToken is set.
func NewServeMux(config MuxConfig) (*http.ServeMux, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.NoopLogger
	}
	path := config.GraphQLPath
	if path == "" {
		path = DefaultGraphQLPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, NewGraphqlHTTPHandlerFunc(config.Gateway, logger, config.Cors))
	if config.PlaygroundPath != "" {
		p := playground.New(playground.Config{
			PlaygroundPath:      config.PlaygroundPath,
			GraphqlEndpointPath: path,
		})
		handler, err := p.Handler()
		if err != nil {
			return nil, err
		}
		mux.Handle(p.Path(), handler)
	}
	if !config.SeparateAdmin {
		if config.AdminToken == "" {
			logger.Warn("admin refresh disabled, configure an admin token or a separate admin listener")
		}
		mountAdmin(mux, config, logger, config.AdminToken != "")
	}
	return mux, nil
}

// NewAdminMux routes the admin endpoints for a dedicated listener. Refresh is open there
// unless AdminToken is set.
func NewAdminMux(config MuxConfig) *http.ServeMux {
	logger := config.Logger
	if logger == nil {
		logger = log.NoopLogger
	}
	mux := http.NewServeMux()
	mountAdmin(mux, config, logger, true)
	return mux
}

func mountAdmin(mux *http.ServeMux, config MuxConfig, logger log.Logger, refresh bool) {
	admin := &adminHandler{gateway: config.Gateway, log: logger, token: config.AdminToken}

	if refresh {
		mux.Handle("/admin/refresh", admin.authorize(http.HandlerFunc(admin.refresh)))
	}
	mux.HandleFunc("/schema.graphql", admin.schema)
	mux.HandleFunc("/introspection.json", admin.introspection)
	mux.HandleFunc("/healthz", admin.health)
	if config.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
}

type adminHandler struct {
	gateway Gateway
	log     log.Logger
	token   string
}

func (a *adminHandler) authorize(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}
	expected := []byte("Bearer " + a.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(httpHeaderAuthorization)), expected) != 1 {
			w.Header().Set(httpHeaderWWWAuthenticate, "Bearer")
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sourceStatus struct {
	Name      string     `json:"name"`
	Available bool       `json:"available"`
	FetchedAt *time.Time `json:"fetchedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type statusResponse struct {
	Ready   bool           `json:"ready"`
	Hash    string         `json:"schemaHash,omitempty"`
	Error   string         `json:"error,omitempty"`
	Sources []sourceStatus `json:"sources"`
}

func (a *adminHandler) status() statusResponse {
	var out statusResponse
	if composed := a.gateway.Schema(); composed != nil {
		out.Ready = true
		out.Hash = fmt.Sprintf("%016x", composed.Hash)
	}
	for _, status := range a.gateway.Statuses() {
		s := sourceStatus{Name: status.Name, Available: status.Available}
		if !status.FetchedAt.IsZero() {
			fetchedAt := status.FetchedAt
			s.FetchedAt = &fetchedAt
		}
		if status.LastError != nil {
			s.Error = status.LastError.Error()
		}
		out.Sources = append(out.Sources, s)
	}
	return out
}

// refresh re-fetches one source when ?source= is given, otherwise every source.
func (a *adminHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set(httpHeaderAllow, http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "refresh requires POST")
		return
	}

	names := r.URL.Query()["source"]
	err := a.gateway.Refresh(r.Context(), names...)

	var unknown *gateway.UnknownSourceError
	if errors.As(err, &unknown) {
		writeError(w, http.StatusNotFound, codeBadRequest, "%s", unknown.Error())
		return
	}

	status := http.StatusOK
	body := a.status()
	if err != nil {
		a.log.Warn("schema refresh failed",
			log.Strings("sources", names),
			log.Error(err),
		)
		status = http.StatusBadGateway
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func (a *adminHandler) health(w http.ResponseWriter, _ *http.Request) {
	body := a.status()
	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (a *adminHandler) schema(w http.ResponseWriter, _ *http.Request) {
	composed := a.gateway.Schema()
	if composed == nil {
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "%s", gateway.ErrNotReady.Error())
		return
	}
	w.Header().Set(httpHeaderContentType, httpContentTypeTextPlain)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(composed.SDL))
}

// introspection serves the standard introspection result of the composed schema.
func (a *adminHandler) introspection(w http.ResponseWriter, _ *http.Request) {
	composed := a.gateway.Schema()
	if composed == nil {
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "%s", gateway.ErrNotReady.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": introspection.NewGenerator().Generate(composed.Schema),
	})
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	body, err := json.Marshal(value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalServerError, "internal server error")
		return
	}
	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
