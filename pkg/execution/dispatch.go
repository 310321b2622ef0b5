package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/storefront-mesh/pkg/httpclient"
	"github.com/wundergraph/storefront-mesh/pkg/source"
)

type upstreamError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type upstreamResponse struct {
	Data   map[string]interface{} `json:"data"`
	Errors []upstreamError        `json:"errors"`
}

// dispatch sends every group and waits for the results. Queries run in parallel, mutation
// groups one after another. It returns false when ctx was done before all groups finished.
func (ex *execution) dispatch(ctx context.Context, groups []*group) bool {
	if len(groups) == 0 {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if ex.op.Type() == ast.Mutation {
			for _, g := range groups {
				ex.send(ctx, g)
				if ctx.Err() != nil {
					return
				}
			}
			return
		}
		var eg errgroup.Group
		for _, g := range groups {
			g := g
			eg.Go(func() error {
				ex.send(ctx, g)
				return nil
			})
		}
		_ = eg.Wait()
	}()

	select {
	case <-done:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (ex *execution) send(ctx context.Context, g *group) {
	executor := ex.executor
	header := source.ResolveHeaders(g.source.RequestHeaders, ex.header, executor.env)

	start := time.Now()
	resp, err := httpclient.Do(ctx, executor.client, g.source.Endpoint, header, httpclient.Operation{
		Query:         g.query,
		OperationName: ex.op.Definition.Name,
		Variables:     g.variables,
	})
	if err != nil {
		g.err = err
		executor.metrics.observe(g.source.Name, outcomeError, time.Since(start))
		executor.logger.Error("upstream request failed",
			abstractlogger.String("source", g.source.Name),
			abstractlogger.Error(err),
		)
		return
	}

	details := resp.Details
	details.SourceName = g.source.Name
	g.details = &details

	var body upstreamResponse
	decoder := json.NewDecoder(bytes.NewReader(resp.Body))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		g.err = fmt.Errorf("invalid response with status %d: %w", resp.StatusCode, err)
	} else if body.Data == nil && len(body.Errors) == 0 && resp.StatusCode >= http.StatusBadRequest {
		g.err = fmt.Errorf("status %d", resp.StatusCode)
	} else {
		g.response = &body
	}

	outcome := outcomeSuccess
	switch {
	case g.err != nil || g.response.Data == nil:
		outcome = outcomeError
	case len(g.response.Errors) != 0:
		outcome = outcomePartial
	}
	executor.metrics.observe(g.source.Name, outcome, time.Since(start))

	if g.err != nil {
		executor.logger.Error("upstream response rejected",
			abstractlogger.String("source", g.source.Name),
			abstractlogger.Int("status", resp.StatusCode),
			abstractlogger.Error(g.err),
		)
	}
}

// collectErrors turns the outcome of g into field-scoped client errors.
func (ex *execution) collectErrors(g *group) {
	if g.err != nil {
		g.failed = true
		for _, s := range g.slots {
			ex.addError(ex.upstreamError(g, s, fmt.Sprintf("%s: %v", g.source.Name, g.err), nil, nil))
		}
		return
	}

	resp := g.response
	if resp.Data == nil {
		g.failed = true
	}

	byAlias := make(map[string]*slot, len(g.slots))
	for _, s := range g.slots {
		byAlias[s.alias] = s
	}

	for _, upstream := range resp.Errors {
		var s *slot
		if len(upstream.Path) != 0 {
			if alias, ok := upstream.Path[0].(string); ok {
				s = byAlias[alias]
			}
		}

		switch {
		case s != nil:
			ex.addError(ex.upstreamError(g, s, upstream.Message, upstream.Path[1:], upstream.Extensions))
		case g.failed:
			for _, s := range g.slots {
				ex.addError(ex.upstreamError(g, s, upstream.Message, nil, upstream.Extensions))
			}
		default:
			err := &gqlerror.Error{Message: upstream.Message, Extensions: extensions(g, upstream.Extensions)}
			ex.addError(err)
		}
	}

	if g.failed && len(resp.Errors) == 0 {
		for _, s := range g.slots {
			ex.addError(ex.upstreamError(g, s, fmt.Sprintf("%s returned no data", g.source.Name), nil, nil))
		}
	}
}

func (ex *execution) upstreamError(g *group, s *slot, message string, rest []interface{}, upstream map[string]interface{}) *gqlerror.Error {
	path := append(ast.Path(nil), s.path...)
	for _, element := range rest {
		switch element := element.(type) {
		case string:
			path = append(path, ast.PathName(element))
		case json.Number:
			if index, err := element.Int64(); err == nil {
				path = append(path, ast.PathIndex(int(index)))
			}
		}
	}

	err := &gqlerror.Error{
		Message:    message,
		Path:       path,
		Extensions: extensions(g, upstream),
	}
	if s.field.Position != nil {
		err.Locations = []gqlerror.Location{{Line: s.field.Position.Line, Column: s.field.Position.Column}}
	}
	return err
}

// extensions copies the upstream error extensions and tags them with the source.
func extensions(g *group, upstream map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(upstream)+2)
	for key, value := range upstream {
		out[key] = value
	}
	if _, ok := out["code"]; !ok {
		out["code"] = CodeUpstreamError
	}
	out["serviceName"] = g.source.Name
	return out
}
