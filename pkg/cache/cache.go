// Package cache stores complete GraphQL responses of query operations.
package cache

import (
	"context"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache is a response cache backend. A missing or expired key is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Policy controls response caching.
type Policy struct {
	Enabled bool
	MaxAge  time.Duration
	// VaryHeaders are the inbound headers that take part in the cache key.
	VaryHeaders []string
	// IncludeHTTPDetails adds upstream exchange details to the response extensions.
	IncludeHTTPDetails bool
}

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

type Metrics struct {
	lookups *prometheus.CounterVec
	stores  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		stores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "cache",
			Name:      "stores_total",
			Help:      "Responses written to the cache",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.lookups, m.stores)
	}
	return m
}

func (m *Metrics) lookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) stored() {
	if m == nil {
		return
	}
	m.stores.Inc()
}

// Store wraps a backend so that its failures degrade to misses.
type Store struct {
	backend Cache
	logger  abstractlogger.Logger
	metrics *Metrics
}

func NewStore(backend Cache, logger abstractlogger.Logger, metrics *Metrics) *Store {
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}
	return &Store{backend: backend, logger: logger, metrics: metrics}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok, err := s.backend.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.lookup(resultError)
		s.logger.Warn("response cache lookup failed",
			abstractlogger.String("key", key),
			abstractlogger.Error(err),
		)
		return nil, false
	case !ok:
		s.metrics.lookup(resultMiss)
		return nil, false
	default:
		s.metrics.lookup(resultHit)
		return value, true
	}
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.backend.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("response cache store failed",
			abstractlogger.String("key", key),
			abstractlogger.Error(err),
		)
		return
	}
	s.metrics.stored()
}
