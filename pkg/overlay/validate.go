package overlay

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// DependencyError reports an overlay that cannot run against the composed schema, usually
// because a transform filtered out a field it depends on.
type DependencyError struct {
	TypeName  string
	FieldName string
	Path      string
	Reason    string
}

func (e *DependencyError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("overlay %s.%s: dependency %s: %s", e.TypeName, e.FieldName, e.Path, e.Reason)
	}
	return fmt.Sprintf("overlay %s.%s: %s", e.TypeName, e.FieldName, e.Reason)
}

// Validate checks every overlay whose type exists in schema. Overlays for absent types, or
// for fields the type does not declare, are inert and ignored: clients cannot select them.
func (r *Registry) Validate(schema *ast.Schema) error {
	var errs []error
	for _, typeName := range r.TypeNames() {
		def, ok := schema.Types[typeName]
		if !ok {
			continue
		}
		for _, resolver := range r.ForType(typeName) {
			if err := validateResolver(schema, def, resolver); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func validateResolver(schema *ast.Schema, def *ast.Definition, resolver *Resolver) error {
	fail := func(path, reason string, args ...interface{}) error {
		return &DependencyError{
			TypeName:  resolver.TypeName,
			FieldName: resolver.FieldName,
			Path:      path,
			Reason:    fmt.Sprintf(reason, args...),
		}
	}

	if def.Kind != ast.Object {
		return fail("", "%s is %s, overlays must target concrete object types", def.Name, def.Kind)
	}
	if def.Fields.ForName(resolver.FieldName) == nil {
		return nil
	}

	var walk func(parent *ast.Definition, selections ast.SelectionSet, prefix string) error
	walk = func(parent *ast.Definition, selections ast.SelectionSet, prefix string) error {
		for _, selection := range selections {
			field := selection.(*ast.Field)
			path := prefix + field.Name

			fieldDef := parent.Fields.ForName(field.Name)
			if fieldDef == nil {
				return fail(path, "field is not available on %s", parent.Name)
			}

			fieldType := schema.Types[fieldDef.Type.Name()]
			if fieldType == nil {
				return fail(path, "type %s is not available", fieldDef.Type.Name())
			}

			composite := fieldType.Kind == ast.Object || fieldType.Kind == ast.Interface || fieldType.Kind == ast.Union
			switch {
			case composite && len(field.SelectionSet) == 0:
				return fail(path, "%s needs a selection set", fieldType.Name)
			case !composite && len(field.SelectionSet) != 0:
				return fail(path, "%s has no fields to select", fieldType.Name)
			case composite && fieldType.Kind == ast.Union:
				return fail(path, "selections on union %s are not supported", fieldType.Name)
			case composite:
				if err := walk(fieldType, field.SelectionSet, path+"."); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return walk(def, resolver.Selections(), "")
}
