// Package upstreamtest runs fake upstream GraphQL services for tests. A server answers the
// introspection query from its SDL and delegates every other operation to a responder.
package upstreamtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/storefront-mesh/pkg/introspection"
)

type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
	Header        http.Header            `json:"-"`
}

// Responder returns the status code and raw JSON body for an operation.
type Responder func(req Request) (int, string)

// Data answers every operation with status 200 and the given body.
func Data(body string) Responder {
	return func(Request) (int, string) {
		return http.StatusOK, body
	}
}

type Server struct {
	*httptest.Server

	schema *ast.Schema

	mu             sync.Mutex
	respond        Responder
	introspectable bool
	requests       []Request
	introspections int
}

func New(t testing.TB, sdl string, respond Responder) *Server {
	t.Helper()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "upstream", Input: sdl})
	require.NoError(t, err)

	s := &Server{
		schema:         schema,
		respond:        respond,
		introspectable: true,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	w.Header().Set("Content-Type", "application/json")

	if req.OperationName == introspection.OperationName || strings.Contains(req.Query, "__schema") {
		s.mu.Lock()
		s.introspections++
		introspectable := s.introspectable
		s.mu.Unlock()

		if !introspectable {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"errors":[{"message":"introspection unavailable"}]}`))
			return
		}

		out, _ := json.Marshal(map[string]interface{}{
			"data": introspection.NewGenerator().Generate(s.schema),
		})
		_, _ = w.Write(out)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()

	if respond == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	status, out := respond(req)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(out))
}

// SetResponder replaces the responder for subsequent operations.
func (s *Server) SetResponder(respond Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = respond
}

// SetIntrospectable toggles whether introspection succeeds.
func (s *Server) SetIntrospectable(introspectable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.introspectable = introspectable
}

// Requests returns the non-introspection operations received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) Introspections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.introspections
}
