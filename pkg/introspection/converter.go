package introspection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// builtinScalars and builtinDirectives are declared by the gqlparser prelude and must not
// be redeclared when an introspected schema is loaded.
var (
	builtinScalars = map[string]bool{
		"String":  true,
		"Int":     true,
		"Float":   true,
		"Boolean": true,
		"ID":      true,
	}
	builtinDirectives = map[string]bool{
		"include":     true,
		"skip":        true,
		"deprecated":  true,
		"specifiedBy": true,
		"defer":       true,
		"oneOf":       true,
	}
)

const defaultDeprecationReason = "No longer supported"

// JsonConverter turns an introspection result into a schema document.
type JsonConverter struct {
	schema *Schema
	doc    *ast.SchemaDocument
	src    *ast.Source
}

// GraphQLDocument decodes the `{"__schema": ...}` object read from introspectionJSON.
func (j *JsonConverter) GraphQLDocument(introspectionJSON io.Reader) (*ast.SchemaDocument, error) {
	var data Data
	if err := json.NewDecoder(introspectionJSON).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to parse introspection json: %w", err)
	}
	return j.Document(&data.Schema)
}

// Document converts an already decoded introspection schema.
func (j *JsonConverter) Document(schema *Schema) (*ast.SchemaDocument, error) {
	if schema.QueryType == nil || schema.QueryType.Name == "" {
		return nil, fmt.Errorf("failed to convert graphql schema: introspection result has no query type")
	}

	j.schema = schema
	j.doc = &ast.SchemaDocument{}
	j.src = &ast.Source{Name: "introspection"}

	j.importSchemaDefinition()

	for i := range j.schema.Types {
		if err := j.importFullType(&j.schema.Types[i]); err != nil {
			return nil, fmt.Errorf("failed to convert graphql schema: %w", err)
		}
	}

	for i := range j.schema.Directives {
		j.importDirective(&j.schema.Directives[i])
	}

	return j.doc, nil
}

// SDL converts the introspection result to schema definition language.
func (j *JsonConverter) SDL(introspectionJSON io.Reader) (string, error) {
	doc, err := j.GraphQLDocument(introspectionJSON)
	if err != nil {
		return "", err
	}
	return PrintSchemaDocument(doc), nil
}

// PrintSchemaDocument formats doc as SDL.
func PrintSchemaDocument(doc *ast.SchemaDocument) string {
	buf := &bytes.Buffer{}
	formatter.NewFormatter(buf).FormatSchemaDocument(doc)
	return buf.String()
}

// LoadSchema validates sdl against the prelude and returns the resulting schema.
func LoadSchema(name, sdl string) (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("load schema %q: %w", name, err)
	}
	return schema, nil
}

func (j *JsonConverter) position() *ast.Position {
	return &ast.Position{Src: j.src}
}

func (j *JsonConverter) importSchemaDefinition() {
	query, mutation, subscription := j.schema.TypeNames()

	def := &ast.SchemaDefinition{Position: j.position()}
	def.OperationTypes = append(def.OperationTypes, &ast.OperationTypeDefinition{
		Operation: ast.Query,
		Type:      query,
		Position:  j.position(),
	})
	if mutation != "" {
		def.OperationTypes = append(def.OperationTypes, &ast.OperationTypeDefinition{
			Operation: ast.Mutation,
			Type:      mutation,
			Position:  j.position(),
		})
	}
	if subscription != "" {
		def.OperationTypes = append(def.OperationTypes, &ast.OperationTypeDefinition{
			Operation: ast.Subscription,
			Type:      subscription,
			Position:  j.position(),
		})
	}

	j.doc.Schema = append(j.doc.Schema, def)
}

func (j *JsonConverter) importFullType(fullType *FullType) error {
	if strings.HasPrefix(fullType.Name, "__") {
		return nil
	}

	switch fullType.Kind {
	case SCALAR:
		if builtinScalars[fullType.Name] {
			return nil
		}
		j.importScalar(fullType)
	case OBJECT:
		return j.importObject(fullType, ast.Object)
	case INTERFACE:
		return j.importObject(fullType, ast.Interface)
	case ENUM:
		j.importEnum(fullType)
	case UNION:
		return j.importUnion(fullType)
	case INPUTOBJECT:
		return j.importInputObject(fullType)
	default:
		return fmt.Errorf("type %s has unsupported kind %q", fullType.Name, fullType.Kind)
	}

	return nil
}

func (j *JsonConverter) importScalar(fullType *FullType) {
	j.doc.Definitions = append(j.doc.Definitions, &ast.Definition{
		Kind:        ast.Scalar,
		Name:        fullType.Name,
		Description: fullType.Description,
		Position:    j.position(),
	})
}

func (j *JsonConverter) importObject(fullType *FullType, kind ast.DefinitionKind) error {
	fields := make(ast.FieldList, 0, len(fullType.Fields))
	for i := range fullType.Fields {
		field, err := j.importField(&fullType.Fields[i])
		if err != nil {
			return fmt.Errorf("%s.%w", fullType.Name, err)
		}
		fields = append(fields, field)
	}

	interfaces := make([]string, 0, len(fullType.Interfaces))
	for _, ref := range fullType.Interfaces {
		if ref.Name != nil {
			interfaces = append(interfaces, *ref.Name)
		}
	}

	j.doc.Definitions = append(j.doc.Definitions, &ast.Definition{
		Kind:        kind,
		Name:        fullType.Name,
		Description: fullType.Description,
		Interfaces:  interfaces,
		Fields:      fields,
		Position:    j.position(),
	})
	return nil
}

func (j *JsonConverter) importField(field *Field) (*ast.FieldDefinition, error) {
	typ, err := j.importType(&field.Type)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field.Name, err)
	}

	args := make(ast.ArgumentDefinitionList, 0, len(field.Args))
	for i := range field.Args {
		arg, err := j.importArgument(&field.Args[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.Name, err)
		}
		args = append(args, arg)
	}

	return &ast.FieldDefinition{
		Name:        field.Name,
		Description: field.Description,
		Arguments:   args,
		Type:        typ,
		Directives:  j.deprecation(field.IsDeprecated, field.DeprecationReason),
		Position:    j.position(),
	}, nil
}

func (j *JsonConverter) importArgument(value *InputValue) (*ast.ArgumentDefinition, error) {
	typ, err := j.importType(&value.Type)
	if err != nil {
		return nil, fmt.Errorf("argument %s: %w", value.Name, err)
	}

	return &ast.ArgumentDefinition{
		Name:         value.Name,
		Description:  value.Description,
		DefaultValue: j.importDefaultValue(value.DefaultValue),
		Type:         typ,
		Position:     j.position(),
	}, nil
}

func (j *JsonConverter) importInputField(value *InputValue) (*ast.FieldDefinition, error) {
	typ, err := j.importType(&value.Type)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", value.Name, err)
	}

	return &ast.FieldDefinition{
		Name:         value.Name,
		Description:  value.Description,
		DefaultValue: j.importDefaultValue(value.DefaultValue),
		Type:         typ,
		Position:     j.position(),
	}, nil
}

func (j *JsonConverter) importType(typeRef *TypeRef) (*ast.Type, error) {
	switch typeRef.Kind {
	case LIST:
		if typeRef.OfType == nil {
			return nil, fmt.Errorf("list type without ofType")
		}
		elem, err := j.importType(typeRef.OfType)
		if err != nil {
			return nil, err
		}
		return &ast.Type{Elem: elem, Position: j.position()}, nil
	case NONNULL:
		if typeRef.OfType == nil {
			return nil, fmt.Errorf("non-null type without ofType")
		}
		inner, err := j.importType(typeRef.OfType)
		if err != nil {
			return nil, err
		}
		inner.NonNull = true
		return inner, nil
	}

	if typeRef.Name == nil {
		return nil, fmt.Errorf("named type of kind %s without name", typeRef.Kind)
	}
	return &ast.Type{NamedType: *typeRef.Name, Position: j.position()}, nil
}

// importDefaultValue keeps the literal as sent by the upstream; it is printed verbatim and
// parsed again when the SDL is loaded.
func (j *JsonConverter) importDefaultValue(defaultValue *string) *ast.Value {
	if defaultValue == nil {
		return nil
	}
	return &ast.Value{Kind: ast.EnumValue, Raw: *defaultValue, Position: j.position()}
}

func (j *JsonConverter) importEnum(fullType *FullType) {
	values := make(ast.EnumValueList, 0, len(fullType.EnumValues))
	for _, value := range fullType.EnumValues {
		values = append(values, &ast.EnumValueDefinition{
			Name:        value.Name,
			Description: value.Description,
			Directives:  j.deprecation(value.IsDeprecated, value.DeprecationReason),
			Position:    j.position(),
		})
	}

	j.doc.Definitions = append(j.doc.Definitions, &ast.Definition{
		Kind:        ast.Enum,
		Name:        fullType.Name,
		Description: fullType.Description,
		EnumValues:  values,
		Position:    j.position(),
	})
}

func (j *JsonConverter) importUnion(fullType *FullType) error {
	types := make([]string, 0, len(fullType.PossibleTypes))
	for _, ref := range fullType.PossibleTypes {
		if ref.Name == nil {
			return fmt.Errorf("union %s has an unnamed member", fullType.Name)
		}
		types = append(types, *ref.Name)
	}

	j.doc.Definitions = append(j.doc.Definitions, &ast.Definition{
		Kind:        ast.Union,
		Name:        fullType.Name,
		Description: fullType.Description,
		Types:       types,
		Position:    j.position(),
	})
	return nil
}

func (j *JsonConverter) importInputObject(fullType *FullType) error {
	fields := make(ast.FieldList, 0, len(fullType.InputFields))
	for i := range fullType.InputFields {
		field, err := j.importInputField(&fullType.InputFields[i])
		if err != nil {
			return fmt.Errorf("%s.%w", fullType.Name, err)
		}
		fields = append(fields, field)
	}

	j.doc.Definitions = append(j.doc.Definitions, &ast.Definition{
		Kind:        ast.InputObject,
		Name:        fullType.Name,
		Description: fullType.Description,
		Fields:      fields,
		Position:    j.position(),
	})
	return nil
}

func (j *JsonConverter) importDirective(directive *Directive) {
	if builtinDirectives[directive.Name] {
		return
	}

	args := make(ast.ArgumentDefinitionList, 0, len(directive.Args))
	for i := range directive.Args {
		arg, err := j.importArgument(&directive.Args[i])
		if err != nil {
			// a directive with a broken argument is not worth failing the whole schema
			return
		}
		args = append(args, arg)
	}

	locations := make([]ast.DirectiveLocation, 0, len(directive.Locations))
	for _, location := range directive.Locations {
		locations = append(locations, ast.DirectiveLocation(location))
	}

	j.doc.Directives = append(j.doc.Directives, &ast.DirectiveDefinition{
		Name:         directive.Name,
		Description:  directive.Description,
		Arguments:    args,
		Locations:    locations,
		IsRepeatable: directive.IsRepeatable,
		Position:     j.position(),
	})
}

func (j *JsonConverter) deprecation(isDeprecated bool, reason *string) ast.DirectiveList {
	if !isDeprecated {
		return nil
	}

	value := defaultDeprecationReason
	if reason != nil {
		value = *reason
	}

	return ast.DirectiveList{
		&ast.Directive{
			Name: "deprecated",
			Arguments: ast.ArgumentList{
				&ast.Argument{
					Name:     "reason",
					Value:    &ast.Value{Kind: ast.StringValue, Raw: value, Position: j.position()},
					Position: j.position(),
				},
			},
			Position: j.position(),
		},
	}
}
