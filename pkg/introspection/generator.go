package introspection

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Generator produces the introspection result of a loaded schema. It is the inverse of
// JsonConverter and is what the gateway serves for its own composed schema.
type Generator struct {
	// IncludeDeprecated controls whether deprecated fields and enum values are listed.
	IncludeDeprecated bool

	schema *ast.Schema
}

func NewGenerator() *Generator {
	return &Generator{IncludeDeprecated: true}
}

func (g *Generator) Generate(schema *ast.Schema) Data {
	g.schema = schema
	defer func() { g.schema = nil }()

	data := Data{}
	data.Schema.Description = nonEmpty(schema.Description)

	if schema.Query != nil {
		data.Schema.QueryType = &TypeName{Name: schema.Query.Name}
	}
	if schema.Mutation != nil {
		data.Schema.MutationType = &TypeName{Name: schema.Mutation.Name}
	}
	if schema.Subscription != nil {
		data.Schema.SubscriptionType = &TypeName{Name: schema.Subscription.Name}
	}

	typeNames := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	data.Schema.Types = make([]FullType, 0, len(typeNames))
	for _, name := range typeNames {
		data.Schema.Types = append(data.Schema.Types, g.fullType(schema, schema.Types[name]))
	}

	directiveNames := make([]string, 0, len(schema.Directives))
	for name := range schema.Directives {
		directiveNames = append(directiveNames, name)
	}
	sort.Strings(directiveNames)

	data.Schema.Directives = make([]Directive, 0, len(directiveNames))
	for _, name := range directiveNames {
		data.Schema.Directives = append(data.Schema.Directives, g.directive(schema.Directives[name]))
	}

	return data
}

func (g *Generator) fullType(schema *ast.Schema, def *ast.Definition) FullType {
	fullType := FullType{
		Name:        def.Name,
		Description: def.Description,
	}

	switch def.Kind {
	case ast.Scalar:
		fullType.Kind = SCALAR
	case ast.Object:
		fullType.Kind = OBJECT
		fullType.Fields = g.fields(def.Fields)
		fullType.Interfaces = make([]TypeRef, 0, len(def.Interfaces))
		for _, name := range def.Interfaces {
			fullType.Interfaces = append(fullType.Interfaces, namedRef(INTERFACE, name))
		}
	case ast.Interface:
		fullType.Kind = INTERFACE
		fullType.Fields = g.fields(def.Fields)
		fullType.Interfaces = make([]TypeRef, 0, len(def.Interfaces))
		for _, name := range def.Interfaces {
			fullType.Interfaces = append(fullType.Interfaces, namedRef(INTERFACE, name))
		}
		fullType.PossibleTypes = possibleTypes(schema, def)
	case ast.Union:
		fullType.Kind = UNION
		fullType.PossibleTypes = possibleTypes(schema, def)
	case ast.Enum:
		fullType.Kind = ENUM
		fullType.EnumValues = make([]EnumValue, 0, len(def.EnumValues))
		for _, value := range def.EnumValues {
			deprecated, reason := Deprecation(value.Directives)
			if deprecated && !g.IncludeDeprecated {
				continue
			}
			fullType.EnumValues = append(fullType.EnumValues, EnumValue{
				Name:              value.Name,
				Description:       value.Description,
				IsDeprecated:      deprecated,
				DeprecationReason: reason,
			})
		}
	case ast.InputObject:
		fullType.Kind = INPUTOBJECT
		fullType.InputFields = make([]InputValue, 0, len(def.Fields))
		for _, field := range def.Fields {
			fullType.InputFields = append(fullType.InputFields, InputValue{
				Name:         field.Name,
				Description:  field.Description,
				Type:         typeRef(schema, field.Type),
				DefaultValue: defaultValue(field.DefaultValue),
			})
		}
	}

	return fullType
}

func (g *Generator) fields(definitions ast.FieldList) []Field {
	fields := make([]Field, 0, len(definitions))
	for _, def := range definitions {
		if strings.HasPrefix(def.Name, "__") {
			continue
		}
		deprecated, reason := Deprecation(def.Directives)
		if deprecated && !g.IncludeDeprecated {
			continue
		}
		fields = append(fields, Field{
			Name:              def.Name,
			Description:       def.Description,
			Args:              g.args(def.Arguments),
			Type:              g.ref(def.Type),
			IsDeprecated:      deprecated,
			DeprecationReason: reason,
		})
	}
	return fields
}

func (g *Generator) args(definitions ast.ArgumentDefinitionList) []InputValue {
	args := make([]InputValue, 0, len(definitions))
	for _, def := range definitions {
		args = append(args, InputValue{
			Name:         def.Name,
			Description:  def.Description,
			Type:         g.ref(def.Type),
			DefaultValue: defaultValue(def.DefaultValue),
		})
	}
	return args
}

func (g *Generator) ref(t *ast.Type) TypeRef {
	return typeRef(g.schema, t)
}

func (g *Generator) directive(def *ast.DirectiveDefinition) Directive {
	locations := make([]string, 0, len(def.Locations))
	for _, location := range def.Locations {
		locations = append(locations, string(location))
	}
	return Directive{
		Name:         def.Name,
		Description:  def.Description,
		Locations:    locations,
		Args:         g.args(def.Arguments),
		IsRepeatable: def.IsRepeatable,
	}
}

func typeRef(schema *ast.Schema, t *ast.Type) TypeRef {
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		ofType := typeRef(schema, &inner)
		return TypeRef{Kind: NONNULL, OfType: &ofType}
	}
	if t.Elem != nil {
		ofType := typeRef(schema, t.Elem)
		return TypeRef{Kind: LIST, OfType: &ofType}
	}

	kind := SCALAR
	if schema != nil {
		if def, ok := schema.Types[t.NamedType]; ok {
			kind = KindOf(def.Kind)
		}
	}
	return namedRef(kind, t.NamedType)
}

// KindOf maps a definition kind to its introspection kind.
func KindOf(kind ast.DefinitionKind) TypeKind {
	switch kind {
	case ast.Object:
		return OBJECT
	case ast.Interface:
		return INTERFACE
	case ast.Union:
		return UNION
	case ast.Enum:
		return ENUM
	case ast.InputObject:
		return INPUTOBJECT
	default:
		return SCALAR
	}
}

func namedRef(kind TypeKind, name string) TypeRef {
	return TypeRef{Kind: kind, Name: &name}
}

func possibleTypes(schema *ast.Schema, def *ast.Definition) []TypeRef {
	defs := schema.GetPossibleTypes(def)
	refs := make([]TypeRef, 0, len(defs))
	for _, possible := range defs {
		refs = append(refs, namedRef(OBJECT, possible.Name))
	}
	sort.Slice(refs, func(i, j int) bool {
		return *refs[i].Name < *refs[j].Name
	})
	return refs
}

// Deprecation reads @deprecated from directives.
func Deprecation(directives ast.DirectiveList) (bool, *string) {
	directive := directives.ForName("deprecated")
	if directive == nil {
		return false, nil
	}
	reason := defaultDeprecationReason
	if arg := directive.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		reason = arg.Value.Raw
	}
	return true, &reason
}

func defaultValue(value *ast.Value) *string {
	if value == nil {
		return nil
	}
	literal := value.String()
	return &literal
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
