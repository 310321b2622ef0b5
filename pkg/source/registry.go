package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wundergraph/storefront-mesh/pkg/introspection"
)

// SchemaFetcher retrieves the SDL of a source.
type SchemaFetcher interface {
	FetchSDL(ctx context.Context, src Source) (string, error)
}

type SchemaFetcherFunc func(ctx context.Context, src Source) (string, error)

func (f SchemaFetcherFunc) FetchSDL(ctx context.Context, src Source) (string, error) {
	return f(ctx, src)
}

type entry struct {
	source    Source
	snapshot  atomic.Pointer[Snapshot]
	available atomic.Bool
	lastError atomic.Error
}

type Registry struct {
	logger  abstractlogger.Logger
	fetcher SchemaFetcher
	now     func() time.Time

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]SourceID

	group singleflight.Group
}

func NewRegistry(logger abstractlogger.Logger, fetcher SchemaFetcher) *Registry {
	return &Registry{
		logger:  logger,
		fetcher: fetcher,
		now:     time.Now,
		byName:  map[string]SourceID{},
	}
}

func (r *Registry) Register(src Source) (SourceID, error) {
	if err := src.validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[src.Name]; exists {
		return 0, fmt.Errorf("source %s is already registered", src.Name)
	}

	id := SourceID(len(r.entries))
	r.entries = append(r.entries, &entry{source: src})
	r.byName[src.Name] = id
	return id, nil
}

// Lookup returns the id of the source registered under name.
func (r *Registry) Lookup(name string) (SourceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Sources returns the registered sources in registration order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]Source, 0, len(r.entries))
	for _, e := range r.entries {
		sources = append(sources, e.source)
	}
	return sources
}

func (r *Registry) Source(id SourceID) (Source, error) {
	e, err := r.entry(id)
	if err != nil {
		return Source{}, err
	}
	return e.source, nil
}

// Snapshot returns the last known good snapshot, nil if the source was never fetched.
func (r *Registry) Snapshot(id SourceID) *Snapshot {
	e, err := r.entry(id)
	if err != nil {
		return nil
	}
	return e.snapshot.Load()
}

func (r *Registry) Status(id SourceID) (Status, error) {
	e, err := r.entry(id)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Name:      e.source.Name,
		Available: e.available.Load(),
		LastError: e.lastError.Load(),
	}
	if snapshot := e.snapshot.Load(); snapshot != nil {
		status.FetchedAt = snapshot.FetchedAt
	}
	return status, nil
}

// FetchSchema loads the schema of a source. Concurrent calls for the same source share one
// fetch. On failure the source is marked unavailable and its previous snapshot is kept.
func (r *Registry) FetchSchema(ctx context.Context, id SourceID) (*Snapshot, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	result, err, _ := r.group.Do(e.source.Name, func() (interface{}, error) {
		return r.fetch(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

// FetchAll fetches every source in parallel. The returned error lists the sources that have
// no snapshot at all afterwards; sources that failed but still hold an older snapshot are
// only logged.
func (r *Registry) FetchAll(ctx context.Context) error {
	r.mu.RLock()
	count := len(r.entries)
	r.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		id := SourceID(i)
		g.Go(func() error {
			_, _ = r.FetchSchema(gCtx, id)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i := 0; i < count; i++ {
		e, _ := r.entry(SourceID(i))
		if e.snapshot.Load() != nil {
			continue
		}
		lastErr := e.lastError.Load()
		if lastErr == nil {
			lastErr = &SchemaFetchError{Source: e.source.Name, Err: errors.New("no schema available")}
		}
		errs = append(errs, lastErr)
	}
	return errors.Join(errs...)
}

func (r *Registry) fetch(ctx context.Context, e *entry) (*Snapshot, error) {
	snapshot, err := r.load(ctx, e.source)
	if err != nil {
		fetchErr := &SchemaFetchError{Source: e.source.Name, Err: err}
		e.available.Store(false)
		e.lastError.Store(fetchErr)
		r.logger.Error("source schema fetch failed",
			abstractlogger.String("source", e.source.Name),
			abstractlogger.Any("hasPreviousSnapshot", e.snapshot.Load() != nil),
			abstractlogger.Error(err),
		)
		return nil, fetchErr
	}

	e.snapshot.Store(snapshot)
	e.available.Store(true)
	e.lastError.Store(nil)

	r.logger.Debug("source schema fetched",
		abstractlogger.String("source", e.source.Name),
		abstractlogger.Int("types", len(snapshot.Schema.Types)),
	)
	return snapshot, nil
}

func (r *Registry) load(ctx context.Context, src Source) (*Snapshot, error) {
	sdl := src.StaticSDL
	if sdl == "" {
		if r.fetcher == nil {
			return nil, errors.New("no schema fetcher configured")
		}
		var err error
		if sdl, err = r.fetcher.FetchSDL(ctx, src); err != nil {
			return nil, err
		}
	}

	schema, err := introspection.LoadSchema(src.Name, sdl)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Schema:    schema,
		SDL:       sdl,
		FetchedAt: r.now(),
	}, nil
}

func (r *Registry) entry(id SourceID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.entries) {
		return nil, fmt.Errorf("unknown source id %d", id)
	}
	return r.entries[id], nil
}
