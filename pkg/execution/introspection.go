package execution

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/storefront-mesh/pkg/introspection"
)

// introspectionObject is a value of one of the introspection types, resolved on demand.
type introspectionObject interface {
	typeName() string
	resolve(field *ast.Field, args map[string]interface{}) interface{}
}

func (ex *execution) introspectSchema(field *ast.Field) interface{} {
	return ex.completeIntrospection(&schemaObject{schema: ex.schema}, field.SelectionSet)
}

func (ex *execution) introspectType(field *ast.Field) interface{} {
	name, _ := field.ArgumentMap(ex.op.Variables)["name"].(string)
	def := ex.schema.Types[name]
	if def == nil {
		return nil
	}
	return ex.completeIntrospection(&typeObject{schema: ex.schema, def: def}, field.SelectionSet)
}

func (ex *execution) completeIntrospection(value interface{}, selections ast.SelectionSet) interface{} {
	switch value := value.(type) {
	case nil:
		return nil
	case introspectionObject:
		fields := ex.collect(selections, value.typeName())
		out := make(object, 0, len(fields))
		for _, field := range fields {
			if field.name == typenameField {
				out = append(out, member{field.key, value.typeName()})
				continue
			}
			first := field.first()
			resolved := value.resolve(first, first.ArgumentMap(ex.op.Variables))
			out = append(out, member{field.key, ex.completeIntrospection(resolved, field.selections())})
		}
		return out
	case []introspectionObject:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = ex.completeIntrospection(item, selections)
		}
		return out
	default:
		return value
	}
}

func includeDeprecated(args map[string]interface{}) bool {
	include, _ := args["includeDeprecated"].(bool)
	return include
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type schemaObject struct {
	schema *ast.Schema
}

func (s *schemaObject) typeName() string { return "__Schema" }

func (s *schemaObject) resolve(field *ast.Field, _ map[string]interface{}) interface{} {
	switch field.Name {
	case "description":
		return optional(s.schema.Description)
	case "types":
		names := make([]string, 0, len(s.schema.Types))
		for name := range s.schema.Types {
			names = append(names, name)
		}
		sort.Strings(names)
		types := make([]introspectionObject, 0, len(names))
		for _, name := range names {
			types = append(types, &typeObject{schema: s.schema, def: s.schema.Types[name]})
		}
		return types
	case "queryType":
		return s.root(s.schema.Query)
	case "mutationType":
		return s.root(s.schema.Mutation)
	case "subscriptionType":
		return s.root(s.schema.Subscription)
	case "directives":
		names := make([]string, 0, len(s.schema.Directives))
		for name := range s.schema.Directives {
			names = append(names, name)
		}
		sort.Strings(names)
		directives := make([]introspectionObject, 0, len(names))
		for _, name := range names {
			directives = append(directives, &directiveObject{schema: s.schema, def: s.schema.Directives[name]})
		}
		return directives
	}
	return nil
}

func (s *schemaObject) root(def *ast.Definition) interface{} {
	if def == nil {
		return nil
	}
	return &typeObject{schema: s.schema, def: def}
}

// typeObject is a named type, or a list or non-null wrapper when ref is set.
type typeObject struct {
	schema *ast.Schema
	def    *ast.Definition
	ref    *ast.Type
}

func typeOf(schema *ast.Schema, t *ast.Type) introspectionObject {
	if t.NonNull || t.Elem != nil {
		return &typeObject{schema: schema, ref: t}
	}
	def := schema.Types[t.NamedType]
	if def == nil {
		return nil
	}
	return &typeObject{schema: schema, def: def}
}

func (t *typeObject) typeName() string { return "__Type" }

func (t *typeObject) resolve(field *ast.Field, args map[string]interface{}) interface{} {
	if t.ref != nil {
		return t.resolveWrapper(field)
	}

	def := t.def
	switch field.Name {
	case "kind":
		return string(introspection.KindOf(def.Kind))
	case "name":
		return def.Name
	case "description":
		return optional(def.Description)
	case "specifiedByURL", "specifiedByUrl":
		if directive := def.Directives.ForName("specifiedBy"); directive != nil {
			if url := directive.Arguments.ForName("url"); url != nil && url.Value != nil {
				return url.Value.Raw
			}
		}
		return nil
	case "fields":
		if def.Kind != ast.Object && def.Kind != ast.Interface {
			return nil
		}
		fields := []introspectionObject{}
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			if deprecated, _ := introspection.Deprecation(f.Directives); deprecated && !includeDeprecated(args) {
				continue
			}
			fields = append(fields, &fieldObject{schema: t.schema, def: f})
		}
		return fields
	case "interfaces":
		if def.Kind != ast.Object && def.Kind != ast.Interface {
			return nil
		}
		interfaces := []introspectionObject{}
		for _, name := range def.Interfaces {
			if iface := t.schema.Types[name]; iface != nil {
				interfaces = append(interfaces, &typeObject{schema: t.schema, def: iface})
			}
		}
		return interfaces
	case "possibleTypes":
		if !def.IsAbstractType() {
			return nil
		}
		possible := t.schema.GetPossibleTypes(def)
		sorted := append([]*ast.Definition(nil), possible...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		types := make([]introspectionObject, 0, len(sorted))
		for _, p := range sorted {
			types = append(types, &typeObject{schema: t.schema, def: p})
		}
		return types
	case "enumValues":
		if def.Kind != ast.Enum {
			return nil
		}
		values := []introspectionObject{}
		for _, v := range def.EnumValues {
			if deprecated, _ := introspection.Deprecation(v.Directives); deprecated && !includeDeprecated(args) {
				continue
			}
			values = append(values, &enumValueObject{def: v})
		}
		return values
	case "inputFields":
		if def.Kind != ast.InputObject {
			return nil
		}
		fields := []introspectionObject{}
		for _, f := range def.Fields {
			if deprecated, _ := introspection.Deprecation(f.Directives); deprecated && !includeDeprecated(args) {
				continue
			}
			fields = append(fields, &inputValueObject{schema: t.schema, name: f.Name, description: f.Description, typ: f.Type, defaultValue: f.DefaultValue, directives: f.Directives})
		}
		return fields
	case "isOneOf":
		if def.Kind != ast.InputObject {
			return nil
		}
		return def.Directives.ForName("oneOf") != nil
	}
	return nil
}

func (t *typeObject) resolveWrapper(field *ast.Field) interface{} {
	switch field.Name {
	case "kind":
		if t.ref.NonNull {
			return string(introspection.NONNULL)
		}
		return string(introspection.LIST)
	case "ofType":
		if t.ref.NonNull {
			inner := *t.ref
			inner.NonNull = false
			return typeOf(t.schema, &inner)
		}
		return typeOf(t.schema, t.ref.Elem)
	}
	return nil
}

type fieldObject struct {
	schema *ast.Schema
	def    *ast.FieldDefinition
}

func (f *fieldObject) typeName() string { return "__Field" }

func (f *fieldObject) resolve(field *ast.Field, args map[string]interface{}) interface{} {
	switch field.Name {
	case "name":
		return f.def.Name
	case "description":
		return optional(f.def.Description)
	case "args":
		out := []introspectionObject{}
		for _, arg := range f.def.Arguments {
			if deprecated, _ := introspection.Deprecation(arg.Directives); deprecated && !includeDeprecated(args) {
				continue
			}
			out = append(out, &inputValueObject{schema: f.schema, name: arg.Name, description: arg.Description, typ: arg.Type, defaultValue: arg.DefaultValue, directives: arg.Directives})
		}
		return out
	case "type":
		return typeOf(f.schema, f.def.Type)
	case "isDeprecated":
		deprecated, _ := introspection.Deprecation(f.def.Directives)
		return deprecated
	case "deprecationReason":
		return deprecationReason(f.def.Directives)
	}
	return nil
}

type inputValueObject struct {
	schema       *ast.Schema
	name         string
	description  string
	typ          *ast.Type
	defaultValue *ast.Value
	directives   ast.DirectiveList
}

func (v *inputValueObject) typeName() string { return "__InputValue" }

func (v *inputValueObject) resolve(field *ast.Field, _ map[string]interface{}) interface{} {
	switch field.Name {
	case "name":
		return v.name
	case "description":
		return optional(v.description)
	case "type":
		return typeOf(v.schema, v.typ)
	case "defaultValue":
		if v.defaultValue == nil {
			return nil
		}
		return v.defaultValue.String()
	case "isDeprecated":
		deprecated, _ := introspection.Deprecation(v.directives)
		return deprecated
	case "deprecationReason":
		return deprecationReason(v.directives)
	}
	return nil
}

type enumValueObject struct {
	def *ast.EnumValueDefinition
}

func (e *enumValueObject) typeName() string { return "__EnumValue" }

func (e *enumValueObject) resolve(field *ast.Field, _ map[string]interface{}) interface{} {
	switch field.Name {
	case "name":
		return e.def.Name
	case "description":
		return optional(e.def.Description)
	case "isDeprecated":
		deprecated, _ := introspection.Deprecation(e.def.Directives)
		return deprecated
	case "deprecationReason":
		return deprecationReason(e.def.Directives)
	}
	return nil
}

type directiveObject struct {
	schema *ast.Schema
	def    *ast.DirectiveDefinition
}

func (d *directiveObject) typeName() string { return "__Directive" }

func (d *directiveObject) resolve(field *ast.Field, args map[string]interface{}) interface{} {
	switch field.Name {
	case "name":
		return d.def.Name
	case "description":
		return optional(d.def.Description)
	case "locations":
		locations := make([]interface{}, 0, len(d.def.Locations))
		for _, location := range d.def.Locations {
			locations = append(locations, string(location))
		}
		return locations
	case "args":
		out := []introspectionObject{}
		for _, arg := range d.def.Arguments {
			if deprecated, _ := introspection.Deprecation(arg.Directives); deprecated && !includeDeprecated(args) {
				continue
			}
			out = append(out, &inputValueObject{schema: d.schema, name: arg.Name, description: arg.Description, typ: arg.Type, defaultValue: arg.DefaultValue, directives: arg.Directives})
		}
		return out
	case "isRepeatable":
		return d.def.IsRepeatable
	}
	return nil
}

func deprecationReason(directives ast.DirectiveList) interface{} {
	if _, reason := introspection.Deprecation(directives); reason != nil {
		return *reason
	}
	return nil
}
