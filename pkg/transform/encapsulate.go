package transform

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// Encapsulate nests the root fields of a source under a single namespace field, so
//
//	type Query { productSearch: ProductSearchResponse }
//
// becomes
//
//	type Query { LiveSearch: LiveSearchQuery }
//	type LiveSearchQuery { productSearch: ProductSearchResponse }
type Encapsulate struct {
	Name     string
	Query    bool
	Mutation bool
}

func (e Encapsulate) Apply(schema *ast.Schema) (*ast.Schema, error) {
	if !isName(e.Name) {
		return nil, fmt.Errorf("encapsulate: invalid namespace name %q", e.Name)
	}

	out := Clone(schema)
	for operation, typeName := range e.namespaceTypes() {
		root := RootType(out, operation)
		if root == nil {
			continue
		}
		fields := OwnFields(root)
		if len(fields) == 0 {
			continue
		}
		if _, exists := out.Types[typeName]; exists {
			return nil, fmt.Errorf("encapsulate: namespace type %s already exists", typeName)
		}

		position := &ast.Position{Src: &ast.Source{Name: "encapsulate:" + e.Name}}
		out.Types[typeName] = &ast.Definition{
			Kind:        ast.Object,
			Name:        typeName,
			Description: fmt.Sprintf("%s fields of %s", operationTitle(operation), e.Name),
			Fields:      fields,
			Position:    position,
		}

		root.Fields = append(ast.FieldList{
			&ast.FieldDefinition{
				Name:     e.Name,
				Type:     ast.NamedType(typeName, position),
				Position: position,
			},
		}, metaFields(root)...)
	}

	return out, nil
}

// NamespaceFields returns the root field introduced per operation.
func (e Encapsulate) NamespaceFields() map[ast.Operation]string {
	out := map[ast.Operation]string{}
	for operation := range e.namespaceTypes() {
		out[operation] = e.Name
	}
	return out
}

func (e Encapsulate) namespaceTypes() map[ast.Operation]string {
	out := map[ast.Operation]string{}
	if e.Query {
		out[ast.Query] = NamespaceTypeName(e.Name, ast.Query)
	}
	if e.Mutation {
		out[ast.Mutation] = NamespaceTypeName(e.Name, ast.Mutation)
	}
	return out
}

// NamespaceTypeName is the name of the synthetic type holding the encapsulated fields.
func NamespaceTypeName(name string, operation ast.Operation) string {
	return name + operationTitle(operation)
}

func operationTitle(operation ast.Operation) string {
	switch operation {
	case ast.Mutation:
		return "Mutation"
	case ast.Subscription:
		return "Subscription"
	default:
		return "Query"
	}
}
