package transform

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Clone returns a copy of schema that can be rewritten without affecting the original.
// Definitions and their field lists are copied; types and directives are immutable and shared.
func Clone(schema *ast.Schema) *ast.Schema {
	out := *schema
	out.Types = make(map[string]*ast.Definition, len(schema.Types))
	out.Directives = make(map[string]*ast.DirectiveDefinition, len(schema.Directives))

	for name, def := range schema.Types {
		out.Types[name] = cloneDefinition(def)
	}
	for name, directive := range schema.Directives {
		out.Directives[name] = directive
	}

	out.Query = rebind(out.Types, schema.Query)
	out.Mutation = rebind(out.Types, schema.Mutation)
	out.Subscription = rebind(out.Types, schema.Subscription)

	Reindex(&out)
	return &out
}

func rebind(types map[string]*ast.Definition, def *ast.Definition) *ast.Definition {
	if def == nil {
		return nil
	}
	return types[def.Name]
}

func cloneDefinition(def *ast.Definition) *ast.Definition {
	out := *def
	out.Interfaces = append([]string(nil), def.Interfaces...)
	out.Types = append([]string(nil), def.Types...)
	out.EnumValues = append(ast.EnumValueList(nil), def.EnumValues...)
	out.Directives = append(ast.DirectiveList(nil), def.Directives...)
	if def.Fields != nil {
		out.Fields = make(ast.FieldList, 0, len(def.Fields))
		for _, field := range def.Fields {
			copied := *field
			copied.Arguments = append(ast.ArgumentDefinitionList(nil), field.Arguments...)
			out.Fields = append(out.Fields, &copied)
		}
	}
	return &out
}

// Reindex rebuilds the possible type and implementation indexes from the type definitions.
func Reindex(schema *ast.Schema) {
	schema.PossibleTypes = map[string][]*ast.Definition{}
	schema.Implements = map[string][]*ast.Definition{}

	for _, def := range schema.Types {
		switch def.Kind {
		case ast.Union:
			for _, member := range def.Types {
				if memberDef, ok := schema.Types[member]; ok {
					schema.AddPossibleType(def.Name, memberDef)
					schema.AddImplements(member, def)
				}
			}
		case ast.Object, ast.Interface:
			for _, iface := range def.Interfaces {
				if ifaceDef, ok := schema.Types[iface]; ok {
					schema.AddPossibleType(iface, def)
					schema.AddImplements(def.Name, ifaceDef)
				}
			}
			if def.Kind == ast.Object {
				schema.AddPossibleType(def.Name, def)
			}
		}
	}
}

// RootType returns the root definition of op, nil when the schema has none.
func RootType(schema *ast.Schema, op ast.Operation) *ast.Definition {
	switch op {
	case ast.Query:
		return schema.Query
	case ast.Mutation:
		return schema.Mutation
	case ast.Subscription:
		return schema.Subscription
	}
	return nil
}

// IsMeta reports whether name is reserved for introspection.
func IsMeta(name string) bool {
	return strings.HasPrefix(name, "__")
}

// OwnFields returns the fields of def without the introspection meta fields.
func OwnFields(def *ast.Definition) ast.FieldList {
	if def == nil {
		return nil
	}
	fields := make(ast.FieldList, 0, len(def.Fields))
	for _, field := range def.Fields {
		if IsMeta(field.Name) {
			continue
		}
		fields = append(fields, field)
	}
	return fields
}

func metaFields(def *ast.Definition) ast.FieldList {
	var fields ast.FieldList
	for _, field := range def.Fields {
		if IsMeta(field.Name) {
			fields = append(fields, field)
		}
	}
	return fields
}

// Prune removes every non built-in type that is no longer reachable from a root type.
// Root types without fields are dropped, except Query.
func Prune(schema *ast.Schema) {
	if schema.Mutation != nil && len(OwnFields(schema.Mutation)) == 0 {
		schema.Mutation = nil
	}
	if schema.Subscription != nil && len(OwnFields(schema.Subscription)) == 0 {
		schema.Subscription = nil
	}

	reachable := map[string]bool{}
	var visit func(name string)
	visitType := func(t *ast.Type) {
		for t != nil && t.Elem != nil {
			t = t.Elem
		}
		if t != nil {
			visit(t.NamedType)
		}
	}

	visit = func(name string) {
		if reachable[name] {
			return
		}
		def, ok := schema.Types[name]
		if !ok {
			return
		}
		reachable[name] = true

		for _, field := range def.Fields {
			if IsMeta(field.Name) {
				continue
			}
			visitType(field.Type)
			for _, arg := range field.Arguments {
				visitType(arg.Type)
			}
		}
		for _, iface := range def.Interfaces {
			visit(iface)
		}
		for _, member := range def.Types {
			visit(member)
		}
		if def.Kind == ast.Interface {
			for _, other := range schema.Types {
				for _, iface := range other.Interfaces {
					if iface == name {
						visit(other.Name)
					}
				}
			}
		}
	}

	for _, root := range []*ast.Definition{schema.Query, schema.Mutation, schema.Subscription} {
		if root != nil {
			visit(root.Name)
		}
	}
	for _, directive := range schema.Directives {
		for _, arg := range directive.Arguments {
			visitType(arg.Type)
		}
	}

	for name, def := range schema.Types {
		if def.BuiltIn || reachable[name] {
			continue
		}
		delete(schema.Types, name)
	}

	Reindex(schema)
}
