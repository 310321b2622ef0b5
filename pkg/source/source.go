// Package source keeps the registry of upstream GraphQL services and their schema snapshots.
package source

import (
	"fmt"
	"time"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

type SourceID int

// Source is an upstream GraphQL service.
type Source struct {
	Name     string
	Endpoint string
	// RequestHeaders are sent with every forwarded operation.
	RequestHeaders []HeaderTemplate
	// SchemaHeaders are sent with introspection requests only and may not read inbound headers.
	SchemaHeaders []HeaderTemplate
	// StaticSDL replaces introspection when set.
	StaticSDL  string
	Transforms []transform.Transform
}

func (s Source) validate() error {
	if s.Name == "" {
		return fmt.Errorf("source without name")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("source %s: endpoint is required", s.Name)
	}
	for _, header := range s.RequestHeaders {
		if err := header.validate(); err != nil {
			return fmt.Errorf("source %s: request %w", s.Name, err)
		}
	}
	for _, header := range s.SchemaHeaders {
		if err := header.validate(); err != nil {
			return fmt.Errorf("source %s: schema %w", s.Name, err)
		}
		if header.Kind == RequestHeader {
			return fmt.Errorf("source %s: schema header %s cannot read inbound request headers", s.Name, header.Name)
		}
	}
	return nil
}

// Snapshot is an immutable, successfully loaded schema of a source.
type Snapshot struct {
	Schema    *ast.Schema
	SDL       string
	FetchedAt time.Time
}

type Status struct {
	Name      string
	Available bool
	FetchedAt time.Time
	LastError error
}

type SchemaFetchError struct {
	Source string
	Err    error
}

func (e *SchemaFetchError) Error() string {
	return fmt.Sprintf("fetch schema of source %s: %v", e.Source, e.Err)
}

func (e *SchemaFetchError) Unwrap() error {
	return e.Err
}
