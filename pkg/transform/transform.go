// Package transform rewrites source schemas before they are merged.
package transform

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// Transform rewrites a schema. Implementations must not modify their input.
type Transform interface {
	Apply(schema *ast.Schema) (*ast.Schema, error)
}

// NamespaceProvider is implemented by transforms that introduce namespace root fields.
type NamespaceProvider interface {
	NamespaceFields() map[ast.Operation]string
}

// Namespaces records which root fields are namespaces per operation.
type Namespaces map[ast.Operation]map[string]bool

func (n Namespaces) Add(operation ast.Operation, field string) {
	if n[operation] == nil {
		n[operation] = map[string]bool{}
	}
	n[operation][field] = true
}

func (n Namespaces) Has(operation ast.Operation, field string) bool {
	return n[operation][field]
}

type Result struct {
	Schema     *ast.Schema
	Namespaces Namespaces
}

// Pipeline applies transforms in order and prunes what they left unreachable.
type Pipeline struct {
	transforms []Transform
}

func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

func (p *Pipeline) Apply(schema *ast.Schema) (*ast.Schema, error) {
	result, err := p.Run(schema)
	if err != nil {
		return nil, err
	}
	return result.Schema, nil
}

// Run applies the pipeline and reports the namespace fields that survived it. Subscription
// root types are dropped since upstreams are only reached over HTTP POST.
func (p *Pipeline) Run(schema *ast.Schema) (*Result, error) {
	out := Clone(schema)
	out.Subscription = nil

	var providers []NamespaceProvider
	for i, transform := range p.transforms {
		next, err := transform.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("transform %d (%T): %w", i, transform, err)
		}
		out = next
		if provider, ok := transform.(NamespaceProvider); ok {
			providers = append(providers, provider)
		}
	}

	Prune(out)

	namespaces := Namespaces{}
	for _, provider := range providers {
		for operation, field := range provider.NamespaceFields() {
			root := RootType(out, operation)
			if root == nil {
				continue
			}
			def := root.Fields.ForName(field)
			if def == nil || def.Type.NamedType != NamespaceTypeName(field, operation) {
				continue
			}
			namespaces.Add(operation, field)
		}
	}

	return &Result{Schema: out, Namespaces: namespaces}, nil
}
