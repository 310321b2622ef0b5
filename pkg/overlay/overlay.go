// Package overlay patches individual fields of upstream results after they are fetched.
//
// A resolver is registered for a concrete object type and field. It declares the fields it
// reads from its parent object as a selection set; the executor adds them to the upstream
// operation and hands them to the resolver together with the upstream value of the field.
package overlay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ResolveFunc computes a field from the parent object's dependency fields.
type ResolveFunc func(parent map[string]interface{}) (interface{}, error)

type Resolver struct {
	TypeName  string
	FieldName string
	// SelectionSet lists the parent fields the resolver reads, for example
	// "{ printed_card_priceV2 { value currency } }".
	SelectionSet string
	Resolve      ResolveFunc
	// Default is used when Resolve fails.
	Default interface{}

	selections ast.SelectionSet
}

// Selections returns the parsed selection set.
func (r *Resolver) Selections() ast.SelectionSet {
	return r.selections
}

type key struct {
	typeName  string
	fieldName string
}

// OverlayResolverError is logged when a resolver fails and its default is used instead.
type OverlayResolverError struct {
	TypeName  string
	FieldName string
	Err       error
}

func (e *OverlayResolverError) Error() string {
	return fmt.Sprintf("overlay %s.%s: %v", e.TypeName, e.FieldName, e.Err)
}

func (e *OverlayResolverError) Unwrap() error {
	return e.Err
}

type Registry struct {
	logger abstractlogger.Logger

	mu        sync.RWMutex
	resolvers map[key]*Resolver
	byType    map[string][]*Resolver
}

func NewRegistry(logger abstractlogger.Logger) *Registry {
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}
	return &Registry{
		logger:    logger,
		resolvers: map[key]*Resolver{},
		byType:    map[string][]*Resolver{},
	}
}

func (r *Registry) Register(resolver Resolver) error {
	if resolver.TypeName == "" || resolver.FieldName == "" {
		return fmt.Errorf("overlay needs a type and a field name")
	}
	if resolver.Resolve == nil {
		return fmt.Errorf("overlay %s.%s has no resolve function", resolver.TypeName, resolver.FieldName)
	}

	selections, err := parseSelectionSet(resolver.SelectionSet)
	if err != nil {
		return fmt.Errorf("overlay %s.%s: %w", resolver.TypeName, resolver.FieldName, err)
	}
	resolver.selections = selections

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{typeName: resolver.TypeName, fieldName: resolver.FieldName}
	if _, exists := r.resolvers[k]; exists {
		return fmt.Errorf("overlay %s.%s is already registered", resolver.TypeName, resolver.FieldName)
	}

	r.resolvers[k] = &resolver
	r.byType[resolver.TypeName] = append(r.byType[resolver.TypeName], &resolver)
	return nil
}

func (r *Registry) MustRegister(resolvers ...Resolver) {
	for _, resolver := range resolvers {
		if err := r.Register(resolver); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(typeName, fieldName string) (*Resolver, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.resolvers[key{typeName: typeName, fieldName: fieldName}]
	return resolver, ok
}

// ForType returns the resolvers of typeName ordered by field name.
func (r *Registry) ForType(typeName string) []*Resolver {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]*Resolver(nil), r.byType[typeName]...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].FieldName < out[j].FieldName
	})
	return out
}

// TypeNames returns every type with at least one resolver, sorted.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byType))
	for name := range r.byType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs the resolver registered for typeName.fieldName. It returns the resolved value
// and true, or nil and false when no resolver is registered. A failing or panicking
// resolver yields its default.
func (r *Registry) Apply(typeName, fieldName string, parent map[string]interface{}) (value interface{}, applied bool) {
	resolver, ok := r.Lookup(typeName, fieldName)
	if !ok {
		return nil, false
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logFailure(resolver, fmt.Errorf("panic: %v", recovered))
			value, applied = resolver.Default, true
		}
	}()

	value, err := resolver.Resolve(parent)
	if err != nil {
		r.logFailure(resolver, err)
		return resolver.Default, true
	}
	return value, true
}

func (r *Registry) logFailure(resolver *Resolver, err error) {
	r.logger.Warn("overlay resolver failed, using default",
		abstractlogger.Error(&OverlayResolverError{TypeName: resolver.TypeName, FieldName: resolver.FieldName, Err: err}),
		abstractlogger.String("type", resolver.TypeName),
		abstractlogger.String("field", resolver.FieldName),
	)
}

func parseSelectionSet(selectionSet string) (ast.SelectionSet, error) {
	if selectionSet == "" {
		return nil, nil
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "overlay", Input: selectionSet})
	if err != nil {
		return nil, fmt.Errorf("parse selection set: %w", err)
	}
	if len(doc.Operations) != 1 || len(doc.Fragments) != 0 {
		return nil, fmt.Errorf("selection set must be a single anonymous selection")
	}
	for _, selection := range doc.Operations[0].SelectionSet {
		if _, ok := selection.(*ast.Field); !ok {
			return nil, fmt.Errorf("selection set may only contain fields")
		}
	}
	return doc.Operations[0].SelectionSet, nil
}
