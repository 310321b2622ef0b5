// Package http serves the composed GraphQL schema over HTTP together with the admin endpoints.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	log "github.com/jensneuse/abstractlogger"
	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/storefront-mesh/pkg/execution"
	"github.com/wundergraph/storefront-mesh/pkg/gateway"
)

const (
	httpHeaderContentType     string = "Content-Type"
	httpHeaderAllow           string = "Allow"
	httpHeaderCache           string = "X-Cache"
	httpHeaderAuthorization   string = "Authorization"
	httpHeaderWWWAuthenticate string = "WWW-Authenticate"

	httpContentTypeApplicationJson string = "application/json"
	httpContentTypeTextPlain       string = "text/plain; charset=utf-8"

	maxRequestBodyBytes = 4 << 20
)

const (
	codeBadRequest          = "BAD_REQUEST"
	codeUnauthorized        = "UNAUTHORIZED"
	codeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	codeUnsupportedMedia    = "UNSUPPORTED_MEDIA_TYPE"
	codeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	codeInternalServerError = execution.CodeInternal
)

var errInvalidBody = errors.New("request body must be a JSON object")

func (g *GraphQLHTTPRequestHandler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if contentType := r.Header.Get(httpHeaderContentType); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != httpContentTypeApplicationJson {
			writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedMedia, "content type %q is not supported", contentType)
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		g.log.Error("GraphQLHTTPRequestHandler.handleHTTP",
			log.Error(err),
		)
		writeError(w, http.StatusBadRequest, codeBadRequest, "could not read request body")
		return
	}

	req, err := parseBody(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "%s", err.Error())
		return
	}

	result, err := g.gateway.Execute(r.Context(), req, r.Header)
	if err != nil {
		g.writeExecutionError(w, err)
		return
	}
	writeResult(w, result)
}

// handleGET accepts queries as query string parameters. Mutations are refused.
func (g *GraphQLHTTPRequestHandler) handleGET(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := execution.Request{
		Query:         params.Get("query"),
		OperationName: params.Get("operationName"),
	}
	if variables := params.Get("variables"); variables != "" {
		if !gjson.Valid(variables) {
			writeError(w, http.StatusBadRequest, codeBadRequest, "variables must be valid JSON")
			return
		}
		req.Variables = json.RawMessage(variables)
	}

	result, err := g.gateway.ExecuteQuery(r.Context(), req, r.Header)
	if err != nil {
		g.writeExecutionError(w, err)
		return
	}
	writeResult(w, result)
}

func parseBody(data []byte) (execution.Request, error) {
	var req execution.Request
	if !gjson.ValidBytes(data) {
		return req, errInvalidBody
	}
	body := gjson.ParseBytes(data)
	if !body.IsObject() {
		return req, errInvalidBody
	}

	if query := body.Get("query"); query.Exists() {
		if query.Type != gjson.String {
			return req, errors.New("query must be a string")
		}
		req.Query = query.String()
	}
	if name := body.Get("operationName"); name.Exists() && name.Type != gjson.Null {
		if name.Type != gjson.String {
			return req, errors.New("operationName must be a string")
		}
		req.OperationName = name.String()
	}
	if variables := body.Get("variables"); variables.Exists() && variables.Type != gjson.Null {
		req.Variables = json.RawMessage(variables.Raw)
	}
	return req, nil
}

func (g *GraphQLHTTPRequestHandler) writeExecutionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrMutationNotAllowed):
		w.Header().Set(httpHeaderAllow, http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "%s", err.Error())
	case errors.Is(err, gateway.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "%s", err.Error())
	default:
		g.log.Error("GraphQLHTTPRequestHandler.execute",
			log.Error(err),
		)
		writeError(w, http.StatusInternalServerError, codeInternalServerError, "internal server error")
	}
}

func writeResult(w http.ResponseWriter, result *gateway.Result) {
	if result.Cache != "" {
		w.Header().Set(httpHeaderCache, string(result.Cache))
	}
	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)

	status := http.StatusOK
	if result.RequestError {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}

func writeError(w http.ResponseWriter, status int, code string, format string, args ...interface{}) {
	err := gqlerror.Errorf(format, args...)
	err.Extensions = map[string]interface{}{"code": code}

	body, marshalErr := (&execution.Response{Errors: gqlerror.List{err}}).Bytes()
	if marshalErr != nil {
		body = []byte(fmt.Sprintf(`{"errors":[{"message":%q}]}`, http.StatusText(status)))
	}

	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
