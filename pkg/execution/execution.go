// Package execution answers client operations against the composed schema.
//
// An operation is split by the source owning each root field. Every source receives one
// sub-operation; the results are projected back into the shape the client asked for and
// overlays patch individual fields on the way.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/wundergraph/storefront-mesh/pkg/compose"
	"github.com/wundergraph/storefront-mesh/pkg/httpclient"
	"github.com/wundergraph/storefront-mesh/pkg/overlay"
	"github.com/wundergraph/storefront-mesh/pkg/source"
)

const (
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeRequestCancelled = "REQUEST_CANCELLED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	CodeBadUserInput     = "BAD_USER_INPUT"
	CodeInternal         = "INTERNAL_SERVER_ERROR"
)

var (
	ErrSubscriptionsUnsupported = errors.New("subscriptions are not supported")
	ErrOperationNameRequired    = errors.New("operation name is required when the document has several operations")
)

// Request is a GraphQL over HTTP request.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

type Response struct {
	// Data is nil when the operation was rejected before execution.
	Data       json.RawMessage        `json:"data,omitempty"`
	Errors     gqlerror.List          `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`

	// RequestError marks responses for documents that failed to parse, validate or coerce.
	RequestError bool `json:"-"`
}

func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

func requestError(code string, errs ...*gqlerror.Error) *Response {
	for _, err := range errs {
		setCode(err, code)
	}
	return &Response{Errors: errs, RequestError: true}
}

func setCode(err *gqlerror.Error, code string) {
	if err.Extensions == nil {
		err.Extensions = map[string]interface{}{}
	}
	if _, ok := err.Extensions["code"]; !ok {
		err.Extensions["code"] = code
	}
}

// Operation is a parsed, validated and coerced client operation.
type Operation struct {
	Document   *ast.QueryDocument
	Definition *ast.OperationDefinition
	Variables  map[string]interface{}
	raw        json.RawMessage
}

func (o *Operation) Type() ast.Operation {
	return o.Definition.Operation
}

type ExecutorConfig struct {
	Sources  []source.Source
	Client   *http.Client
	Overlays *overlay.Registry
	Logger   abstractlogger.Logger
	// Env resolves environment backed request headers, os.LookupEnv when nil.
	Env     source.LookupFunc
	Metrics *Metrics
	// IncludeHTTPDetails adds the upstream exchanges to extensions.httpDetails.
	IncludeHTTPDetails bool
}

type Executor struct {
	sources            map[string]source.Source
	client             *http.Client
	overlays           *overlay.Registry
	logger             abstractlogger.Logger
	env                source.LookupFunc
	metrics            *Metrics
	includeHTTPDetails bool
}

func NewExecutor(config ExecutorConfig) *Executor {
	e := &Executor{
		sources:            make(map[string]source.Source, len(config.Sources)),
		client:             config.Client,
		overlays:           config.Overlays,
		logger:             config.Logger,
		env:                config.Env,
		metrics:            config.Metrics,
		includeHTTPDetails: config.IncludeHTTPDetails,
	}
	for _, src := range config.Sources {
		e.sources[src.Name] = src
	}
	if e.client == nil {
		e.client = httpclient.DefaultNetHttpClient
	}
	if e.overlays == nil {
		e.overlays = overlay.NewRegistry(config.Logger)
	}
	if e.logger == nil {
		e.logger = abstractlogger.NoopLogger
	}
	return e
}

// Prepare parses and validates req against the composed schema, selects the operation and
// coerces its variables. A non-nil response is the request error to return to the client.
func (e *Executor) Prepare(composed *compose.ComposedSchema, req Request) (*Operation, *Response) {
	if req.Query == "" {
		return nil, requestError(CodeValidationFailed, gqlerror.Errorf("query is required"))
	}

	doc, errs := gqlparser.LoadQuery(composed.Schema, req.Query)
	if len(errs) != 0 {
		return nil, requestError(CodeValidationFailed, errs...)
	}

	var op *ast.OperationDefinition
	switch {
	case req.OperationName != "":
		op = doc.Operations.ForName(req.OperationName)
		if op == nil {
			return nil, requestError(CodeValidationFailed, gqlerror.Errorf("unknown operation %q", req.OperationName))
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	default:
		return nil, requestError(CodeValidationFailed, gqlerror.Wrap(ErrOperationNameRequired))
	}

	if op.Operation == ast.Subscription {
		return nil, requestError(CodeValidationFailed, gqlerror.Wrap(ErrSubscriptionsUnsupported))
	}

	raw := bytes.TrimSpace(req.Variables)
	if bytes.Equal(raw, []byte("null")) {
		raw = nil
	}

	variables := map[string]interface{}{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &variables); err != nil {
			return nil, requestError(CodeBadUserInput, gqlerror.Errorf("variables must be a JSON object: %s", err))
		}
	}

	coerced, err := validator.VariableValues(composed.Schema, op, variables)
	if err != nil {
		var gqlErr *gqlerror.Error
		if !errors.As(err, &gqlErr) {
			gqlErr = gqlerror.Wrap(err)
		}
		return nil, requestError(CodeBadUserInput, gqlErr)
	}

	return &Operation{
		Document:   doc,
		Definition: op,
		Variables:  coerced,
		raw:        raw,
	}, nil
}

// Execute prepares and runs req.
func (e *Executor) Execute(ctx context.Context, composed *compose.ComposedSchema, req Request, header http.Header) *Response {
	op, resp := e.Prepare(composed, req)
	if resp != nil {
		return resp
	}
	return e.ExecuteOperation(ctx, composed, op, header)
}

// ExecuteOperation runs a prepared operation. header is the inbound request header used by
// request header templates.
func (e *Executor) ExecuteOperation(ctx context.Context, composed *compose.ComposedSchema, op *Operation, header http.Header) *Response {
	ex := &execution{
		executor: e,
		composed: composed,
		schema:   composed.Schema,
		op:       op,
		header:   header,
	}

	rootType := composed.Schema.Query
	if op.Type() == ast.Mutation {
		rootType = composed.Schema.Mutation
	}
	if rootType == nil {
		return requestError(CodeValidationFailed, gqlerror.Errorf("schema does not support %s operations", op.Type()))
	}

	slots, groups, err := ex.plan(rootType)
	if err != nil {
		return requestError(CodeValidationFailed, toGQLError(err))
	}

	if !ex.dispatch(ctx, groups) {
		e.logger.Debug("request cancelled while waiting for upstreams",
			abstractlogger.Error(ctx.Err()),
		)
		return &Response{
			Data: json.RawMessage("null"),
			Errors: gqlerror.List{{
				Message:    "request cancelled",
				Extensions: map[string]interface{}{"code": CodeRequestCancelled},
			}},
		}
	}

	for _, g := range groups {
		ex.collectErrors(g)
	}

	data := ex.project(slots)
	out, err := json.Marshal(data)
	if err != nil {
		e.logger.Error("marshal response data", abstractlogger.Error(err))
		return &Response{
			Data:   json.RawMessage("null"),
			Errors: gqlerror.List{{Message: "internal error", Extensions: map[string]interface{}{"code": CodeInternal}}},
		}
	}

	resp := &Response{Data: out, Errors: ex.errors}
	if e.includeHTTPDetails {
		details := make([]httpclient.Details, 0, len(groups))
		for _, g := range groups {
			if g.details != nil {
				details = append(details, *g.details)
			}
		}
		resp.Extensions = map[string]interface{}{"httpDetails": details}
	}
	return resp
}

func toGQLError(err error) *gqlerror.Error {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		return gqlErr
	}
	return gqlerror.Wrap(err)
}

// execution is the state of a single operation.
type execution struct {
	executor *Executor
	composed *compose.ComposedSchema
	schema   *ast.Schema
	op       *Operation
	header   http.Header

	errors gqlerror.List
}

func (ex *execution) addError(err *gqlerror.Error) {
	ex.errors = append(ex.errors, err)
}
