// Package gateway ties the source registry, composition, overlays, execution and the response
// cache together and keeps the composed schema current.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/wundergraph/storefront-mesh/pkg/cache"
	"github.com/wundergraph/storefront-mesh/pkg/compose"
	"github.com/wundergraph/storefront-mesh/pkg/execution"
	"github.com/wundergraph/storefront-mesh/pkg/overlay"
	"github.com/wundergraph/storefront-mesh/pkg/source"
	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

const httpDetailsExtension = "httpDetails"

var (
	ErrNotReady           = errors.New("gateway has no composed schema yet")
	ErrMutationNotAllowed = errors.New("mutations are only accepted over POST")
)

// UnknownSourceError is returned by Refresh for names that are not registered.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source %q", e.Name)
}

type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

type Config struct {
	Sources  []source.Source
	Overlays *overlay.Registry
	Client   *http.Client
	Logger   log.Logger
	// Env resolves environment backed headers, os.LookupEnv when nil.
	Env source.LookupFunc
	// Fetcher loads source schemas, an introspector using Client when nil.
	Fetcher source.SchemaFetcher

	// Cache is the response cache backend, caching is off when nil.
	Cache       cache.Cache
	CachePolicy cache.Policy

	// PollInterval re-fetches every source periodically while Run is active. Zero disables polling.
	PollInterval time.Duration

	// Registerer receives the gateway metrics when set.
	Registerer prometheus.Registerer
}

type Gateway struct {
	registry *source.Registry
	overlays *overlay.Registry
	executor *execution.Executor
	store    *cache.Store
	policy   cache.Policy
	logger   log.Logger

	pollInterval time.Duration

	composed  atomic.Pointer[compose.ComposedSchema]
	composeMu sync.Mutex

	readyCh   chan struct{}
	readyOnce sync.Once
}

func New(config Config) (*Gateway, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.NoopLogger
	}
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	overlays := config.Overlays
	if overlays == nil {
		overlays = overlay.NewRegistry(logger)
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = source.NewIntrospector(client, logger, source.WithEnv(config.Env))
	}

	registry := source.NewRegistry(logger, fetcher)
	for _, src := range config.Sources {
		if _, err := registry.Register(src); err != nil {
			return nil, err
		}
	}

	g := &Gateway{
		registry: registry,
		overlays: overlays,
		executor: execution.NewExecutor(execution.ExecutorConfig{
			Sources:            config.Sources,
			Client:             client,
			Overlays:           overlays,
			Logger:             logger,
			Env:                config.Env,
			Metrics:            execution.NewMetrics(config.Registerer),
			IncludeHTTPDetails: config.CachePolicy.IncludeHTTPDetails,
		}),
		policy:       cachePolicy(config.CachePolicy, config.Sources),
		logger:       logger,
		pollInterval: config.PollInterval,
		readyCh:      make(chan struct{}),
	}

	if config.Cache != nil && config.CachePolicy.Enabled {
		g.store = cache.NewStore(config.Cache, logger, cache.NewMetrics(config.Registerer))
	}

	return g, nil
}

// cachePolicy adds the inbound headers forwarded by sources to the vary headers.
func cachePolicy(policy cache.Policy, sources []source.Source) cache.Policy {
	vary := append([]string{}, policy.VaryHeaders...)
	policy.VaryHeaders = append(vary, source.InboundHeaders(sources)...)
	return policy
}

// Start fetches every source and composes the first schema. It fails when a source has no
// schema or composition fails.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.registry.FetchAll(ctx); err != nil {
		return fmt.Errorf("initial schema fetch: %w", err)
	}
	if err := g.recompose(); err != nil {
		return err
	}
	return nil
}

// Ready blocks until the first schema is composed.
func (g *Gateway) Ready() {
	<-g.readyCh
}

// Run polls the sources every PollInterval until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	if g.pollInterval == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Refresh(ctx); err != nil {
				g.logger.Warn("scheduled schema refresh failed", log.Error(err))
			}
		}
	}
}

// Refresh re-fetches the named sources, or all sources when names is empty, and swaps in a
// new composed schema. Failed fetches keep the last known schema of their source; when the
// new composition fails the current schema stays in place.
func (g *Gateway) Refresh(ctx context.Context, names ...string) error {
	var ids []source.SourceID
	if len(names) == 0 {
		for i := range g.registry.Sources() {
			ids = append(ids, source.SourceID(i))
		}
	}
	for _, name := range names {
		id, ok := g.registry.Lookup(name)
		if !ok {
			return &UnknownSourceError{Name: name}
		}
		ids = append(ids, id)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			if _, err := g.registry.FetchSchema(egCtx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := g.recompose(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) recompose() error {
	g.composeMu.Lock()
	defer g.composeMu.Unlock()

	composed, err := g.compose()
	if err != nil {
		g.logger.Error("schema composition failed", log.Error(err))
		return err
	}

	previous := g.composed.Load()
	if previous != nil && previous.Hash == composed.Hash {
		return nil
	}
	g.composed.Store(composed)
	g.readyOnce.Do(func() { close(g.readyCh) })

	g.logger.Info("composed schema updated",
		log.Int("sources", len(composed.Sources)),
		log.Int("types", len(composed.Schema.Types)),
		log.String("hash", fmt.Sprintf("%x", composed.Hash)),
	)
	return nil
}

func (g *Gateway) compose() (*compose.ComposedSchema, error) {
	sources := g.registry.Sources()
	inputs := make([]compose.Input, 0, len(sources))
	for i, src := range sources {
		snapshot := g.registry.Snapshot(source.SourceID(i))
		if snapshot == nil {
			g.logger.Warn("source left out of composition, no schema available", log.String("source", src.Name))
			continue
		}
		result, err := transform.NewPipeline(src.Transforms...).Run(snapshot.Schema)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		inputs = append(inputs, compose.Input{
			Source:     src.Name,
			Schema:     result.Schema,
			Namespaces: result.Namespaces,
		})
	}

	composed, err := compose.Merge(inputs)
	if err != nil {
		return nil, err
	}
	if err := g.overlays.Validate(composed.Schema); err != nil {
		return nil, fmt.Errorf("overlays: %w", err)
	}
	return composed, nil
}

// Schema returns the current composed schema, nil before Start succeeded.
func (g *Gateway) Schema() *compose.ComposedSchema {
	return g.composed.Load()
}

func (g *Gateway) Statuses() []source.Status {
	sources := g.registry.Sources()
	out := make([]source.Status, 0, len(sources))
	for i := range sources {
		status, err := g.registry.Status(source.SourceID(i))
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

type Result struct {
	Body []byte
	// RequestError is set when the request was rejected before execution.
	RequestError bool
	// Cache is empty for operations that are not cacheable.
	Cache     CacheStatus
	Operation ast.Operation
}

// Execute runs a query or mutation.
func (g *Gateway) Execute(ctx context.Context, req execution.Request, header http.Header) (*Result, error) {
	return g.execute(ctx, req, header, false)
}

// ExecuteQuery runs req and rejects anything but queries with ErrMutationNotAllowed.
func (g *Gateway) ExecuteQuery(ctx context.Context, req execution.Request, header http.Header) (*Result, error) {
	return g.execute(ctx, req, header, true)
}

func (g *Gateway) execute(ctx context.Context, req execution.Request, header http.Header, queriesOnly bool) (*Result, error) {
	composed := g.composed.Load()
	if composed == nil {
		return nil, ErrNotReady
	}

	op, rejected := g.executor.Prepare(composed, req)
	if rejected != nil {
		body, err := rejected.Bytes()
		if err != nil {
			return nil, err
		}
		return &Result{Body: body, RequestError: true}, nil
	}
	if queriesOnly && op.Type() != ast.Query {
		return nil, ErrMutationNotAllowed
	}

	result := &Result{Operation: op.Type()}

	var key string
	cacheable := g.store != nil && op.Type() == ast.Query
	if cacheable {
		key = cache.Key(composed.Hash, req.OperationName, req.Query, req.Variables, header, g.policy.VaryHeaders)
		if body, ok := g.store.Get(ctx, key); ok {
			result.Body, result.Cache = body, CacheHit
			return result, nil
		}
		result.Cache = CacheMiss
	}

	resp := g.executor.ExecuteOperation(ctx, composed, op, header)
	body, err := resp.Bytes()
	if err != nil {
		return nil, err
	}
	result.Body = body

	if cacheable && len(resp.Errors) == 0 {
		cached, err := cacheableBody(resp, body)
		if err != nil {
			return nil, err
		}
		g.store.Set(ctx, key, cached, g.policy.MaxAge)
	}
	return result, nil
}

// cacheableBody drops extensions.httpDetails, which describe upstream calls a cache hit
// never makes.
func cacheableBody(resp *execution.Response, body []byte) ([]byte, error) {
	if _, ok := resp.Extensions[httpDetailsExtension]; !ok {
		return body, nil
	}
	stored := *resp
	stored.Extensions = make(map[string]interface{}, len(resp.Extensions))
	for name, value := range resp.Extensions {
		if name != httpDetailsExtension {
			stored.Extensions[name] = value
		}
	}
	if len(stored.Extensions) == 0 {
		stored.Extensions = nil
	}
	return stored.Bytes()
}
