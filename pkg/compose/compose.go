// Package compose merges transformed source schemas into the gateway schema.
package compose

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/storefront-mesh/pkg/introspection"
	"github.com/wundergraph/storefront-mesh/pkg/transform"
)

const (
	QueryTypeName    = "Query"
	MutationTypeName = "Mutation"
)

// Owner is the source answering a root field.
type Owner struct {
	Source string
	// Namespace is set for encapsulation fields whose selections are the source's root fields.
	Namespace bool
}

type Input struct {
	Source     string
	Schema     *ast.Schema
	Namespaces transform.Namespaces
}

// ComposedSchema is the immutable result of a merge.
type ComposedSchema struct {
	Schema  *ast.Schema
	SDL     string
	Hash    uint64
	Fields  map[ast.Operation]map[string]Owner
	Sources []string
}

func (c *ComposedSchema) Owner(operation ast.Operation, field string) (Owner, bool) {
	owner, ok := c.Fields[operation][field]
	return owner, ok
}

type CollisionError struct {
	Operation ast.Operation
	Field     string
	First     string
	Second    string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("root %s field %q is provided by both %s and %s", e.Operation, e.Field, e.First, e.Second)
}

type TypeConflictError struct {
	Type   string
	Field  string
	First  string
	Second string
	Reason string
}

func (e *TypeConflictError) Error() string {
	subject := e.Type
	if e.Field != "" {
		subject += "." + e.Field
	}
	return fmt.Sprintf("type %s differs between %s and %s: %s", subject, e.First, e.Second, e.Reason)
}

type merger struct {
	fields      map[ast.Operation]map[string]Owner
	rootFields  map[ast.Operation]ast.FieldList
	types       map[string]*ast.Definition
	typeSources map[string]string
	directives  map[string]*ast.DirectiveDefinition
}

// Merge composes inputs in order. A root field claimed by two sources is a *CollisionError.
// Other types sharing a name are merged when compatible.
func Merge(inputs []Input) (*ComposedSchema, error) {
	m := &merger{
		fields: map[ast.Operation]map[string]Owner{
			ast.Query:    {},
			ast.Mutation: {},
		},
		rootFields:  map[ast.Operation]ast.FieldList{},
		types:       map[string]*ast.Definition{},
		typeSources: map[string]string{},
		directives:  map[string]*ast.DirectiveDefinition{},
	}

	sources := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if err := m.add(input); err != nil {
			return nil, err
		}
		sources = append(sources, input.Source)
	}

	if len(m.rootFields[ast.Query]) == 0 {
		return nil, fmt.Errorf("compose: no source contributes a query field")
	}

	sdl := introspection.PrintSchemaDocument(m.document())
	schema, err := introspection.LoadSchema("composed", sdl)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	return &ComposedSchema{
		Schema:  schema,
		SDL:     sdl,
		Hash:    xxhash.Sum64String(sdl),
		Fields:  m.fields,
		Sources: sources,
	}, nil
}

func (m *merger) add(input Input) error {
	rootNames := map[string]bool{}
	for _, operation := range []ast.Operation{ast.Query, ast.Mutation, ast.Subscription} {
		root := transform.RootType(input.Schema, operation)
		if root == nil {
			continue
		}
		rootNames[root.Name] = true
		if operation == ast.Subscription {
			continue
		}

		for _, field := range transform.OwnFields(root) {
			if owner, claimed := m.fields[operation][field.Name]; claimed {
				return &CollisionError{
					Operation: operation,
					Field:     field.Name,
					First:     owner.Source,
					Second:    input.Source,
				}
			}
			m.fields[operation][field.Name] = Owner{
				Source:    input.Source,
				Namespace: input.Namespaces.Has(operation, field.Name),
			}
			m.rootFields[operation] = append(m.rootFields[operation], field)
		}
	}

	names := make([]string, 0, len(input.Schema.Types))
	for name := range input.Schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := input.Schema.Types[name]
		if def.BuiltIn || transform.IsMeta(name) || rootNames[name] {
			continue
		}
		if name == QueryTypeName || name == MutationTypeName {
			return &TypeConflictError{
				Type:   name,
				First:  "the gateway",
				Second: input.Source,
				Reason: "name is reserved for the composed root type",
			}
		}

		existing, ok := m.types[name]
		if !ok {
			m.types[name] = copyDefinition(def)
			m.typeSources[name] = input.Source
			continue
		}
		if err := m.mergeDefinition(existing, def, input.Source); err != nil {
			return err
		}
	}

	for name, directive := range input.Schema.Directives {
		if isBuiltinDirective(directive) {
			continue
		}
		if _, ok := m.directives[name]; !ok {
			m.directives[name] = directive
		}
	}

	return nil
}

func (m *merger) mergeDefinition(into, def *ast.Definition, source string) error {
	conflict := func(field, reason string, args ...interface{}) error {
		return &TypeConflictError{
			Type:   into.Name,
			Field:  field,
			First:  m.typeSources[into.Name],
			Second: source,
			Reason: fmt.Sprintf(reason, args...),
		}
	}

	if into.Kind != def.Kind {
		return conflict("", "kind %s does not match %s", def.Kind, into.Kind)
	}

	switch def.Kind {
	case ast.Object, ast.Interface, ast.InputObject:
		for _, field := range def.Fields {
			if transform.IsMeta(field.Name) {
				continue
			}
			existing := into.Fields.ForName(field.Name)
			if existing == nil {
				into.Fields = append(into.Fields, field)
				continue
			}
			fieldType, ok := reconcile(existing.Type, field.Type, def.Kind != ast.InputObject)
			if !ok {
				return conflict(field.Name, "field type %s does not match %s", field.Type.String(), existing.Type.String())
			}
			merged, err := mergeArguments(existing, field)
			if err != nil {
				return conflict(field.Name, "%v", err)
			}
			if fieldType.String() != merged.Type.String() {
				if merged == existing {
					copied := *existing
					merged = &copied
				}
				merged.Type = fieldType
			}
			if merged != existing {
				for i := range into.Fields {
					if into.Fields[i] == existing {
						into.Fields[i] = merged
					}
				}
			}
		}
		into.Interfaces = union(into.Interfaces, def.Interfaces)
	case ast.Enum:
		for _, value := range def.EnumValues {
			if into.EnumValues.ForName(value.Name) == nil {
				into.EnumValues = append(into.EnumValues, value)
			}
		}
	case ast.Union:
		into.Types = union(into.Types, def.Types)
	}

	return nil
}

// mergeArguments returns existing when b changes no arguments, otherwise a copy with the
// union. Arguments differing only in nullability keep the non-null variant.
func mergeArguments(existing, b *ast.FieldDefinition) (*ast.FieldDefinition, error) {
	arguments := existing.Arguments
	changed := false
	for _, arg := range b.Arguments {
		current := arguments.ForName(arg.Name)
		if current == nil {
			arguments = append(append(ast.ArgumentDefinitionList(nil), arguments...), arg)
			changed = true
			continue
		}
		argType, ok := reconcile(current.Type, arg.Type, false)
		if !ok {
			return nil, fmt.Errorf("argument %s type %s does not match %s", arg.Name, arg.Type.String(), current.Type.String())
		}
		if argType.String() == current.Type.String() {
			continue
		}
		stricter := *current
		stricter.Type = argType
		replaced := make(ast.ArgumentDefinitionList, len(arguments))
		for i, a := range arguments {
			if a == current {
				a = &stricter
			}
			replaced[i] = a
		}
		arguments = replaced
		changed = true
	}
	if !changed {
		return existing, nil
	}

	merged := *existing
	merged.Arguments = arguments
	return &merged, nil
}

// reconcile merges two references to the same named type that may differ in nullability.
// Output positions keep the nullable variant, input positions the non-null one. Different
// named types or list depths do not reconcile.
func reconcile(a, b *ast.Type, output bool) (*ast.Type, bool) {
	if (a.Elem == nil) != (b.Elem == nil) {
		return nil, false
	}
	out := &ast.Type{Position: a.Position}
	if output {
		out.NonNull = a.NonNull && b.NonNull
	} else {
		out.NonNull = a.NonNull || b.NonNull
	}
	if a.Elem == nil {
		if a.NamedType != b.NamedType {
			return nil, false
		}
		out.NamedType = a.NamedType
		return out, true
	}
	elem, ok := reconcile(a.Elem, b.Elem, output)
	if !ok {
		return nil, false
	}
	out.Elem = elem
	return out, true
}

func (m *merger) document() *ast.SchemaDocument {
	position := &ast.Position{Src: &ast.Source{Name: "composed"}}
	doc := &ast.SchemaDocument{}

	doc.Definitions = append(doc.Definitions, &ast.Definition{
		Kind:     ast.Object,
		Name:     QueryTypeName,
		Fields:   m.rootFields[ast.Query],
		Position: position,
	})
	if len(m.rootFields[ast.Mutation]) != 0 {
		doc.Definitions = append(doc.Definitions, &ast.Definition{
			Kind:     ast.Object,
			Name:     MutationTypeName,
			Fields:   m.rootFields[ast.Mutation],
			Position: position,
		})
	}

	names := make([]string, 0, len(m.types))
	for name := range m.types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Definitions = append(doc.Definitions, m.types[name])
	}

	directiveNames := make([]string, 0, len(m.directives))
	for name := range m.directives {
		directiveNames = append(directiveNames, name)
	}
	sort.Strings(directiveNames)
	for _, name := range directiveNames {
		doc.Directives = append(doc.Directives, m.directives[name])
	}

	return doc
}

func copyDefinition(def *ast.Definition) *ast.Definition {
	out := *def
	out.Fields = nil
	for _, field := range def.Fields {
		if !transform.IsMeta(field.Name) {
			out.Fields = append(out.Fields, field)
		}
	}
	out.Interfaces = append([]string(nil), def.Interfaces...)
	out.Types = append([]string(nil), def.Types...)
	out.EnumValues = append(ast.EnumValueList(nil), def.EnumValues...)
	return &out
}

func isBuiltinDirective(directive *ast.DirectiveDefinition) bool {
	return directive.Position != nil && directive.Position.Src != nil && directive.Position.Src.BuiltIn
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, item := range a {
		seen[item] = true
	}
	for _, item := range b {
		if !seen[item] {
			a = append(a, item)
			seen[item] = true
		}
	}
	return a
}
