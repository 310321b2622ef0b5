package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/storefront-mesh/pkg/httpclient"
	"github.com/wundergraph/storefront-mesh/pkg/source"
)

const (
	typenameField = "__typename"
	schemaField   = "__schema"
	typeField     = "__type"

	overlayAliasPrefix = "_overlay_"
)

func overlayAlias(field string) string {
	return overlayAliasPrefix + field
}

// slot is a root field of the client operation, or a field of a namespace.
type slot struct {
	key        string
	field      *ast.Field
	definition *ast.FieldDefinition
	path       ast.Path

	local bool
	value interface{}

	// forwarded fields
	group *group
	alias string

	// namespace fields
	namespace string
	children  []*slot
}

// group is the sub-operation sent to one source.
type group struct {
	source source.Source
	slots  []*slot

	query     string
	variables []byte

	response *upstreamResponse
	details  *httpclient.Details
	err      error
	failed   bool
}

func (ex *execution) plan(rootType *ast.Definition) ([]*slot, []*group, error) {
	var (
		slots    []*slot
		groups   []*group
		bySource = map[string]*group{}
		last     *group
	)

	groupFor := func(name string) (*group, error) {
		if ex.op.Type() == ast.Mutation {
			if last != nil && last.source.Name == name {
				return last, nil
			}
		} else if g, ok := bySource[name]; ok {
			return g, nil
		}
		src, ok := ex.executor.sources[name]
		if !ok {
			return nil, fmt.Errorf("source %q is not configured", name)
		}
		g := &group{source: src}
		groups = append(groups, g)
		bySource[name] = g
		last = g
		return g, nil
	}

	forward := func(s *slot, sourceName string) error {
		g, err := groupFor(sourceName)
		if err != nil {
			return err
		}
		s.group = g
		s.alias = "_" + strconv.Itoa(len(g.slots))
		g.slots = append(g.slots, s)
		return nil
	}

	for _, collected := range ex.collect(ex.op.Definition.SelectionSet, rootType.Name) {
		field := collected.merged()
		s := &slot{
			key:        collected.key,
			field:      field,
			definition: rootType.Fields.ForName(collected.name),
			path:       ast.Path{ast.PathName(collected.key)},
		}
		slots = append(slots, s)

		switch collected.name {
		case typenameField:
			s.local, s.value = true, rootType.Name
			continue
		case schemaField:
			s.local, s.value = true, ex.introspectSchema(field)
			continue
		case typeField:
			s.local, s.value = true, ex.introspectType(field)
			continue
		}

		owner, ok := ex.composed.Owner(ex.op.Type(), collected.name)
		if !ok || s.definition == nil {
			return nil, nil, gqlerror.ErrorPosf(field.Position, "no source owns %s.%s", rootType.Name, collected.name)
		}

		if !owner.Namespace {
			if err := forward(s, owner.Source); err != nil {
				return nil, nil, err
			}
			continue
		}

		namespace := ex.schema.Types[s.definition.Type.Name()]
		if namespace == nil {
			return nil, nil, gqlerror.ErrorPosf(field.Position, "unknown namespace type %s", s.definition.Type.Name())
		}
		s.namespace = namespace.Name
		for _, child := range ex.collect(field.SelectionSet, namespace.Name) {
			childField := child.merged()
			c := &slot{
				key:        child.key,
				field:      childField,
				definition: namespace.Fields.ForName(child.name),
				path:       ast.Path{ast.PathName(collected.key), ast.PathName(child.key)},
			}
			s.children = append(s.children, c)
			if child.name == typenameField {
				c.local, c.value = true, namespace.Name
				continue
			}
			if err := forward(c, owner.Source); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, g := range groups {
		if err := ex.build(g); err != nil {
			return nil, nil, fmt.Errorf("build operation for %s: %w", g.source.Name, err)
		}
	}

	return slots, groups, nil
}

// build prints the sub-operation of g with its variables.
func (ex *execution) build(g *group) error {
	selections := make(ast.SelectionSet, 0, len(g.slots))
	for _, s := range g.slots {
		selections = append(selections, &ast.Field{
			Alias:        s.alias,
			Name:         s.field.Name,
			Arguments:    s.field.Arguments,
			Directives:   forwardedDirectives(s.field.Directives),
			SelectionSet: ex.rewrite(s.field.SelectionSet, ex.schema.Types[s.definition.Type.Name()]),
		})
	}

	used := map[string]bool{}
	collectVariables(selections, used)

	var definitions ast.VariableDefinitionList
	for _, definition := range ex.op.Definition.VariableDefinitions {
		if used[definition.Variable] {
			definitions = append(definitions, definition)
		}
	}

	doc := &ast.QueryDocument{
		Operations: ast.OperationList{{
			Operation:           ex.op.Type(),
			Name:                ex.op.Definition.Name,
			VariableDefinitions: definitions,
			SelectionSet:        selections,
		}},
	}

	buf := &bytes.Buffer{}
	formatter.NewFormatter(buf).FormatQueryDocument(doc)
	g.query = buf.String()

	variables, err := ex.variables(definitions)
	if err != nil {
		return err
	}
	g.variables = variables
	return nil
}

// variables renders the values of definitions. Values sent by the client are forwarded
// verbatim, defaults come from coercion.
func (ex *execution) variables(definitions ast.VariableDefinitionList) ([]byte, error) {
	if len(definitions) == 0 {
		return nil, nil
	}
	out := []byte(`{}`)
	for _, definition := range definitions {
		name := definition.Variable
		if raw := gjson.GetBytes(ex.op.raw, name); raw.Exists() {
			var err error
			if out, err = sjson.SetRawBytes(out, name, []byte(raw.Raw)); err != nil {
				return nil, err
			}
			continue
		}
		value, ok := ex.op.Variables[name]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		if out, err = sjson.SetRawBytes(out, name, encoded); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// rewrite prepares a client selection set for an upstream. Fragment spreads are inlined,
// @skip and @include are evaluated and dropped, abstract selections get __typename and
// overlay dependencies are added under their aliases.
func (ex *execution) rewrite(selections ast.SelectionSet, parent *ast.Definition) ast.SelectionSet {
	if len(selections) == 0 || parent == nil {
		return nil
	}

	var out ast.SelectionSet
	if parent.IsAbstractType() {
		out = append(out, &ast.Field{Alias: typenameField, Name: typenameField})
	}

	for _, selection := range selections {
		switch selection := selection.(type) {
		case *ast.Field:
			if !ex.included(selection.Directives) {
				continue
			}
			var fieldType *ast.Definition
			if selection.Definition != nil {
				fieldType = ex.schema.Types[selection.Definition.Type.Name()]
			}
			out = append(out, &ast.Field{
				Alias:        selection.Alias,
				Name:         selection.Name,
				Arguments:    selection.Arguments,
				Directives:   forwardedDirectives(selection.Directives),
				SelectionSet: ex.rewrite(selection.SelectionSet, fieldType),
			})
		case *ast.InlineFragment:
			if !ex.included(selection.Directives) {
				continue
			}
			out = append(out, ex.inlineFragment(selection.TypeCondition, selection.SelectionSet, selection.Directives, parent))
		case *ast.FragmentSpread:
			if !ex.included(selection.Directives) {
				continue
			}
			fragment := ex.fragment(selection)
			if fragment == nil {
				continue
			}
			out = append(out, ex.inlineFragment(fragment.TypeCondition, fragment.SelectionSet, selection.Directives, parent))
		}
	}

	return append(out, ex.overlayDependencies(selections, parent)...)
}

func (ex *execution) inlineFragment(typeCondition string, selections ast.SelectionSet, directives ast.DirectiveList, parent *ast.Definition) *ast.InlineFragment {
	scope := parent
	if typeCondition != "" {
		if def := ex.schema.Types[typeCondition]; def != nil {
			scope = def
		}
	}
	return &ast.InlineFragment{
		TypeCondition: typeCondition,
		Directives:    forwardedDirectives(directives),
		SelectionSet:  ex.rewrite(selections, scope),
	}
}

// overlayDependencies returns the dependency selections of every overlay whose field is
// requested in selections. Abstract parents get one inline fragment per implementing type.
func (ex *execution) overlayDependencies(selections ast.SelectionSet, parent *ast.Definition) ast.SelectionSet {
	requested := map[string]bool{}
	ex.requestedFields(selections, requested, map[string]bool{})
	if len(requested) == 0 {
		return nil
	}

	if parent.Kind == ast.Object {
		return ex.dependenciesOf(parent.Name, requested)
	}
	if !parent.IsAbstractType() {
		return nil
	}

	possible := ex.schema.GetPossibleTypes(parent)
	names := make([]string, 0, len(possible))
	for _, def := range possible {
		names = append(names, def.Name)
	}
	sort.Strings(names)

	var out ast.SelectionSet
	for _, name := range names {
		if dependencies := ex.dependenciesOf(name, requested); len(dependencies) != 0 {
			out = append(out, &ast.InlineFragment{TypeCondition: name, SelectionSet: dependencies})
		}
	}
	return out
}

func (ex *execution) dependenciesOf(typeName string, requested map[string]bool) ast.SelectionSet {
	var out ast.SelectionSet
	index := map[string]*ast.Field{}
	for _, resolver := range ex.executor.overlays.ForType(typeName) {
		if !requested[resolver.FieldName] {
			continue
		}
		for _, selection := range resolver.Selections() {
			dependency := selection.(*ast.Field)
			alias := overlayAlias(dependency.Name)
			if existing, ok := index[alias]; ok {
				existing.SelectionSet = append(existing.SelectionSet, dependency.SelectionSet...)
				continue
			}
			field := &ast.Field{
				Alias:        alias,
				Name:         dependency.Name,
				Arguments:    dependency.Arguments,
				SelectionSet: append(ast.SelectionSet(nil), dependency.SelectionSet...),
			}
			index[alias] = field
			out = append(out, field)
		}
	}
	return out
}

// requestedFields records the names of the fields selected at this level, looking through
// fragments.
func (ex *execution) requestedFields(selections ast.SelectionSet, into map[string]bool, visited map[string]bool) {
	for _, selection := range selections {
		switch selection := selection.(type) {
		case *ast.Field:
			if ex.included(selection.Directives) {
				into[selection.Name] = true
			}
		case *ast.InlineFragment:
			if ex.included(selection.Directives) {
				ex.requestedFields(selection.SelectionSet, into, visited)
			}
		case *ast.FragmentSpread:
			if visited[selection.Name] || !ex.included(selection.Directives) {
				continue
			}
			visited[selection.Name] = true
			if fragment := ex.fragment(selection); fragment != nil {
				ex.requestedFields(fragment.SelectionSet, into, visited)
			}
		}
	}
}

func forwardedDirectives(directives ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, directive := range directives {
		if directive.Name == "skip" || directive.Name == "include" {
			continue
		}
		out = append(out, directive)
	}
	return out
}

func collectVariables(selections ast.SelectionSet, into map[string]bool) {
	for _, selection := range selections {
		switch selection := selection.(type) {
		case *ast.Field:
			for _, argument := range selection.Arguments {
				valueVariables(argument.Value, into)
			}
			directiveVariables(selection.Directives, into)
			collectVariables(selection.SelectionSet, into)
		case *ast.InlineFragment:
			directiveVariables(selection.Directives, into)
			collectVariables(selection.SelectionSet, into)
		}
	}
}

func directiveVariables(directives ast.DirectiveList, into map[string]bool) {
	for _, directive := range directives {
		for _, argument := range directive.Arguments {
			valueVariables(argument.Value, into)
		}
	}
}

func valueVariables(value *ast.Value, into map[string]bool) {
	if value == nil {
		return
	}
	if value.Kind == ast.Variable {
		into[value.Raw] = true
		return
	}
	for _, child := range value.Children {
		valueVariables(child.Value, into)
	}
}
