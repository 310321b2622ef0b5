// Package config reads the mesh configuration file and turns it into sources and policies.
package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/wundergraph/storefront-mesh/pkg/cache"
	meshhttp "github.com/wundergraph/storefront-mesh/pkg/http"
	"github.com/wundergraph/storefront-mesh/pkg/source"
	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendNATS   = "nats"

	DefaultListenAddr  = "0.0.0.0:4000"
	DefaultNATSBucket  = "mesh-responses"
	defaultCacheMaxAge = 300
	defaultCorsMaxAge  = 60480
)

type Config struct {
	Listen      string `yaml:"listen"`
	GraphQLPath string `yaml:"graphqlPath"`
	// PlaygroundPath hosts GraphiQL, disabled when empty.
	PlaygroundPath string         `yaml:"playgroundPath"`
	Sources        []SourceConfig `yaml:"sources"`
	Cache          CacheConfig    `yaml:"cache"`
	Cors           CorsConfig     `yaml:"cors"`
	Refresh        RefreshConfig  `yaml:"refresh"`
	Overlays       OverlayConfig  `yaml:"overlays"`
	Admin          AdminConfig    `yaml:"admin"`

	// dir resolves relative schema files.
	dir string
}

type SourceConfig struct {
	Name        string `yaml:"name"`
	Endpoint    string `yaml:"endpoint"`
	EndpointEnv string `yaml:"endpointEnv"`
	// SchemaFile holds the SDL of a source that cannot be introspected.
	SchemaFile     string                 `yaml:"schemaFile"`
	RequestHeaders map[string]HeaderValue `yaml:"requestHeaders"`
	SchemaHeaders  map[string]HeaderValue `yaml:"schemaHeaders"`
	Transforms     []TransformConfig      `yaml:"transforms"`
}

// HeaderValue sets exactly one of its fields.
type HeaderValue struct {
	Value         string `yaml:"value"`
	Env           string `yaml:"env"`
	RequestHeader string `yaml:"requestHeader"`
}

// TransformConfig sets exactly one of its fields.
type TransformConfig struct {
	Filter      *FilterConfig      `yaml:"filter"`
	Encapsulate *EncapsulateConfig `yaml:"encapsulate"`
}

type FilterConfig struct {
	Mode     string   `yaml:"mode"`
	Patterns []string `yaml:"patterns"`
}

// EncapsulateConfig wraps Query and Mutation unless one of them is switched off.
type EncapsulateConfig struct {
	Name     string `yaml:"name"`
	Query    *bool  `yaml:"query"`
	Mutation *bool  `yaml:"mutation"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxAgeSeconds int    `yaml:"maxAgeSeconds"`
	Backend       string `yaml:"backend"`
	// Size bounds the memory backend, cache.DefaultMemorySize when zero.
	Size               int        `yaml:"size"`
	VaryHeaders        []string   `yaml:"varyHeaders"`
	IncludeHTTPDetails bool       `yaml:"includeHttpDetails"`
	NATS               NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

type CorsConfig struct {
	Origin         string   `yaml:"origin"`
	Methods        []string `yaml:"methods"`
	ExposedHeaders []string `yaml:"exposedHeaders"`
	Credentials    *bool    `yaml:"credentials"`
	MaxAgeSeconds  *int     `yaml:"maxAgeSeconds"`
}

type RefreshConfig struct {
	// IntervalSeconds polls every source periodically, zero disables polling.
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// AdminConfig guards the admin endpoints. Without listen and tokenEnv the refresh endpoint
// is not served.
type AdminConfig struct {
	// Listen moves the admin endpoints to their own listener.
	Listen string `yaml:"listen"`
	// TokenEnv names the environment variable holding the bearer token for /admin/refresh.
	TokenEnv string `yaml:"tokenEnv"`
}

type OverlayConfig struct {
	// Storefront registers the built-in storefront overlays.
	Storefront *bool `yaml:"storefront"`
}

// Load reads and validates the file at path.
func Load(path string, env source.LookupFunc) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	if err := c.Validate(env); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data strictly, unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.GraphQLPath == "" {
		c.GraphQLPath = meshhttp.DefaultGraphQLPath
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.MaxAgeSeconds == 0 {
		c.Cache.MaxAgeSeconds = defaultCacheMaxAge
	}
	if c.Cache.NATS.Bucket == "" {
		c.Cache.NATS.Bucket = DefaultNATSBucket
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks the whole configuration and reports all problems at once.
func (c *Config) Validate(env source.LookupFunc) error {
	if env == nil {
		env = os.LookupEnv
	}
	var problems []string
	problem := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !strings.HasPrefix(c.GraphQLPath, "/") {
		problem("graphqlPath %q must start with /", c.GraphQLPath)
	}
	if c.PlaygroundPath != "" && c.PlaygroundPath == c.GraphQLPath {
		problem("playgroundPath must differ from graphqlPath")
	}
	if c.Admin.Listen != "" && c.Admin.Listen == c.Listen {
		problem("admin.listen must differ from listen")
	}
	if c.Admin.TokenEnv != "" {
		if value, _ := env(c.Admin.TokenEnv); value == "" {
			problem("admin: environment variable %s is not set", c.Admin.TokenEnv)
		}
	}
	if len(c.Sources) == 0 {
		problem("at least one source is required")
	}

	names := map[string]bool{}
	for i, src := range c.Sources {
		label := src.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			problem("source %s: name is required", label)
		}
		if names[src.Name] && src.Name != "" {
			problem("source %s: duplicate name", label)
		}
		names[src.Name] = true

		switch {
		case src.Endpoint != "" && src.EndpointEnv != "":
			problem("source %s: endpoint and endpointEnv are mutually exclusive", label)
		case src.Endpoint == "" && src.EndpointEnv == "":
			problem("source %s: endpoint or endpointEnv is required", label)
		case src.EndpointEnv != "":
			if value, _ := env(src.EndpointEnv); value == "" {
				problem("source %s: environment variable %s is not set", label, src.EndpointEnv)
			}
		}

		for name, value := range src.RequestHeaders {
			if err := value.validate(); err != nil {
				problem("source %s: request header %s: %s", label, name, err)
			}
		}
		for name, value := range src.SchemaHeaders {
			if err := value.validate(); err != nil {
				problem("source %s: schema header %s: %s", label, name, err)
			}
			if value.RequestHeader != "" {
				problem("source %s: schema header %s cannot read inbound request headers", label, name)
			}
		}

		for j, t := range src.Transforms {
			if _, err := t.build(); err != nil {
				problem("source %s: transform %d: %s", label, j, err)
			}
		}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendNATS:
		if c.Cache.Enabled && c.Cache.NATS.URL == "" {
			problem("cache: nats backend needs nats.url")
		}
	default:
		problem("cache: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxAgeSeconds < 0 {
		problem("cache: maxAgeSeconds must not be negative")
	}
	if c.Refresh.IntervalSeconds < 0 {
		problem("refresh: intervalSeconds must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}

func (h HeaderValue) validate() error {
	set := 0
	for _, v := range []string{h.Value, h.Env, h.RequestHeader} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of value, env and requestHeader must be set")
	}
	return nil
}

func (h HeaderValue) template(name string) source.HeaderTemplate {
	switch {
	case h.Env != "":
		return source.EnvHeader(name, h.Env)
	case h.RequestHeader != "":
		return source.ForwardHeader(name, h.RequestHeader)
	default:
		return source.LiteralHeader(name, h.Value)
	}
}

func (t TransformConfig) build() (transform.Transform, error) {
	switch {
	case t.Filter != nil && t.Encapsulate != nil:
		return nil, fmt.Errorf("filter and encapsulate must be separate transforms")
	case t.Filter != nil:
		mode, err := transform.ParseMode(t.Filter.Mode)
		if err != nil {
			return nil, err
		}
		if len(t.Filter.Patterns) == 0 {
			return nil, fmt.Errorf("filter without patterns")
		}
		return transform.ParseFilter(mode, t.Filter.Patterns)
	case t.Encapsulate != nil:
		if t.Encapsulate.Name == "" {
			return nil, fmt.Errorf("encapsulate needs a name")
		}
		e := transform.Encapsulate{
			Name:     t.Encapsulate.Name,
			Query:    enabled(t.Encapsulate.Query, true),
			Mutation: enabled(t.Encapsulate.Mutation, true),
		}
		if !e.Query && !e.Mutation {
			return nil, fmt.Errorf("encapsulate %s applies to neither query nor mutation", e.Name)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("empty transform")
	}
}

// SourceList builds the registry sources. Header templates are ordered by name.
func (c *Config) SourceList(env source.LookupFunc) ([]source.Source, error) {
	if env == nil {
		env = os.LookupEnv
	}

	out := make([]source.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src := source.Source{
			Name:           sc.Name,
			Endpoint:       sc.Endpoint,
			RequestHeaders: templates(sc.RequestHeaders),
			SchemaHeaders:  templates(sc.SchemaHeaders),
		}
		if sc.EndpointEnv != "" {
			src.Endpoint, _ = env(sc.EndpointEnv)
		}
		if sc.SchemaFile != "" {
			path := sc.SchemaFile
			if !filepath.IsAbs(path) && c.dir != "" {
				path = filepath.Join(c.dir, path)
			}
			sdl, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			src.StaticSDL = string(sdl)
		}
		for _, tc := range sc.Transforms {
			t, err := tc.build()
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			src.Transforms = append(src.Transforms, t)
		}
		out = append(out, src)
	}
	return out, nil
}

func templates(headers map[string]HeaderValue) []source.HeaderTemplate {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]source.HeaderTemplate, 0, len(names))
	for _, name := range names {
		out = append(out, headers[name].template(name))
	}
	return out
}

func (c *Config) CachePolicy() cache.Policy {
	return cache.Policy{
		Enabled:            c.Cache.Enabled,
		MaxAge:             time.Duration(c.Cache.MaxAgeSeconds) * time.Second,
		VaryHeaders:        c.Cache.VaryHeaders,
		IncludeHTTPDetails: c.Cache.IncludeHTTPDetails,
	}
}

// OpenCache connects the configured backend. The returned close function is never nil.
func (c *Config) OpenCache(ctx context.Context) (cache.Cache, func(), error) {
	if !c.Cache.Enabled {
		return nil, func() {}, nil
	}
	switch c.Cache.Backend {
	case CacheBackendNATS:
		n, err := cache.DialNATS(ctx, c.Cache.NATS.URL, c.Cache.NATS.Bucket, time.Duration(c.Cache.MaxAgeSeconds)*time.Second)
		if err != nil {
			return nil, func() {}, err
		}
		return n, n.Close, nil
	default:
		m, err := cache.NewMemory(c.Cache.Size)
		if err != nil {
			return nil, func() {}, err
		}
		return m, func() {}, nil
	}
}

// CorsPolicy fills unset fields from meshhttp.DefaultCorsPolicy.
func (c *Config) CorsPolicy() meshhttp.CorsPolicy {
	policy := meshhttp.DefaultCorsPolicy()
	if c.Cors.Origin != "" {
		policy.AllowedOrigin = c.Cors.Origin
	}
	if len(c.Cors.Methods) > 0 {
		policy.AllowedMethods = make([]string, len(c.Cors.Methods))
		for i, method := range c.Cors.Methods {
			policy.AllowedMethods[i] = strings.ToUpper(method)
		}
	}
	if len(c.Cors.ExposedHeaders) > 0 {
		policy.ExposedHeaders = make([]string, len(c.Cors.ExposedHeaders))
		for i, header := range c.Cors.ExposedHeaders {
			policy.ExposedHeaders[i] = http.CanonicalHeaderKey(header)
		}
	}
	policy.AllowCredentials = enabled(c.Cors.Credentials, policy.AllowCredentials)
	maxAge := defaultCorsMaxAge
	if c.Cors.MaxAgeSeconds != nil {
		maxAge = *c.Cors.MaxAgeSeconds
	}
	policy.MaxAge = time.Duration(maxAge) * time.Second
	return policy
}

// AdminToken resolves the bearer token guarding /admin/refresh, empty when none is configured.
func (c *Config) AdminToken(env source.LookupFunc) string {
	if c.Admin.TokenEnv == "" {
		return ""
	}
	if env == nil {
		env = os.LookupEnv
	}
	value, _ := env(c.Admin.TokenEnv)
	return value
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalSeconds) * time.Second
}

func (c *Config) StorefrontOverlays() bool {
	return enabled(c.Overlays.Storefront, true)
}

func enabled(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
