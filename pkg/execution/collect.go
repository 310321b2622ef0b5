package execution

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// collectedField is every occurrence of one response key in a selection set.
type collectedField struct {
	key    string
	name   string
	fields []*ast.Field
}

func (c *collectedField) first() *ast.Field {
	return c.fields[0]
}

// selections merges the sub-selections of every occurrence.
func (c *collectedField) selections() ast.SelectionSet {
	if len(c.fields) == 1 {
		return c.fields[0].SelectionSet
	}
	var out ast.SelectionSet
	for _, field := range c.fields {
		out = append(out, field.SelectionSet...)
	}
	return out
}

// merged returns the first occurrence with the selections of all occurrences.
func (c *collectedField) merged() *ast.Field {
	if len(c.fields) == 1 {
		return c.fields[0]
	}
	field := *c.fields[0]
	field.SelectionSet = c.selections()
	return &field
}

func responseKey(field *ast.Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}

// collect flattens selections for an object of type typeName in document order, evaluating
// @skip and @include and expanding the fragments that apply.
func (ex *execution) collect(selections ast.SelectionSet, typeName string) []*collectedField {
	var out []*collectedField
	index := map[string]*collectedField{}
	visited := map[string]bool{}

	var walk func(selections ast.SelectionSet)
	walk = func(selections ast.SelectionSet) {
		for _, selection := range selections {
			switch selection := selection.(type) {
			case *ast.Field:
				if !ex.included(selection.Directives) {
					continue
				}
				key := responseKey(selection)
				if existing, ok := index[key]; ok {
					existing.fields = append(existing.fields, selection)
					continue
				}
				field := &collectedField{key: key, name: selection.Name, fields: []*ast.Field{selection}}
				index[key] = field
				out = append(out, field)
			case *ast.InlineFragment:
				if !ex.included(selection.Directives) || !ex.applies(selection.TypeCondition, typeName) {
					continue
				}
				walk(selection.SelectionSet)
			case *ast.FragmentSpread:
				if visited[selection.Name] || !ex.included(selection.Directives) {
					continue
				}
				fragment := ex.fragment(selection)
				if fragment == nil || !ex.applies(fragment.TypeCondition, typeName) {
					continue
				}
				visited[selection.Name] = true
				walk(fragment.SelectionSet)
			}
		}
	}
	walk(selections)
	return out
}

func (ex *execution) fragment(spread *ast.FragmentSpread) *ast.FragmentDefinition {
	if spread.Definition != nil {
		return spread.Definition
	}
	return ex.op.Document.Fragments.ForName(spread.Name)
}

// included evaluates @skip and @include.
func (ex *execution) included(directives ast.DirectiveList) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if value, _ := skip.ArgumentMap(ex.op.Variables)["if"].(bool); value {
			return false
		}
	}
	if include := directives.ForName("include"); include != nil {
		if value, _ := include.ArgumentMap(ex.op.Variables)["if"].(bool); !value {
			return false
		}
	}
	return true
}

// applies reports whether a fragment with typeCondition applies to an object of typeName.
func (ex *execution) applies(typeCondition, typeName string) bool {
	if typeCondition == "" || typeCondition == typeName {
		return true
	}
	condition := ex.schema.Types[typeCondition]
	if condition == nil || !condition.IsAbstractType() {
		return false
	}
	for _, possible := range ex.schema.GetPossibleTypes(condition) {
		if possible.Name == typeName {
			return true
		}
	}
	return false
}
