package transform

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

type Mode int

const (
	// Allow keeps only the listed root fields.
	Allow Mode = iota + 1
	// Deny removes the listed root fields.
	Deny
)

func ParseMode(mode string) (Mode, error) {
	switch strings.ToLower(mode) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	default:
		return 0, fmt.Errorf("unknown filter mode %q, expected allow or deny", mode)
	}
}

func (m Mode) String() string {
	switch m {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// FieldPattern selects one root field. Negated patterns always remove the field.
type FieldPattern struct {
	Operation ast.Operation
	Field     string
	Negated   bool
}

// Filter keeps or drops root Query and Mutation fields.
type Filter struct {
	Mode     Mode
	Patterns []FieldPattern
}

// ParseFilter parses patterns of the form Type.field, Type.{a, b}, Type.!field and
// Type.!{a, b}. Type is Query or Mutation.
func ParseFilter(mode Mode, patterns []string) (*Filter, error) {
	if mode != Allow && mode != Deny {
		return nil, fmt.Errorf("invalid filter mode %s", mode)
	}

	filter := &Filter{Mode: mode}
	for _, pattern := range patterns {
		parsed, err := ParsePattern(pattern)
		if err != nil {
			return nil, err
		}
		filter.Patterns = append(filter.Patterns, parsed...)
	}
	return filter, nil
}

func ParsePattern(pattern string) ([]FieldPattern, error) {
	trimmed := strings.TrimSpace(pattern)
	dot := strings.IndexByte(trimmed, '.')
	if dot <= 0 || dot == len(trimmed)-1 {
		return nil, fmt.Errorf("filter pattern %q: expected Type.field", pattern)
	}

	var operation ast.Operation
	switch typeName := strings.TrimSpace(trimmed[:dot]); typeName {
	case "Query":
		operation = ast.Query
	case "Mutation":
		operation = ast.Mutation
	default:
		return nil, fmt.Errorf("filter pattern %q: only Query and Mutation fields can be filtered, got %s", pattern, typeName)
	}

	selector := strings.TrimSpace(trimmed[dot+1:])
	negated := false
	if strings.HasPrefix(selector, "!") {
		negated = true
		selector = strings.TrimSpace(selector[1:])
	}

	var names []string
	if strings.HasPrefix(selector, "{") {
		if !strings.HasSuffix(selector, "}") {
			return nil, fmt.Errorf("filter pattern %q: unterminated field group", pattern)
		}
		for _, name := range strings.Split(selector[1:len(selector)-1], ",") {
			names = append(names, strings.TrimSpace(name))
		}
	} else {
		names = []string{selector}
	}

	out := make([]FieldPattern, 0, len(names))
	for _, name := range names {
		itemNegated := negated
		if strings.HasPrefix(name, "!") {
			itemNegated = true
			name = strings.TrimSpace(name[1:])
		}
		if !isName(name) {
			return nil, fmt.Errorf("filter pattern %q: invalid field name %q", pattern, name)
		}
		out = append(out, FieldPattern{Operation: operation, Field: name, Negated: itemNegated})
	}
	return out, nil
}

func (f *Filter) Apply(schema *ast.Schema) (*ast.Schema, error) {
	out := Clone(schema)

	for _, operation := range []ast.Operation{ast.Query, ast.Mutation} {
		root := RootType(out, operation)
		if root == nil {
			continue
		}

		allowed := map[string]bool{}
		removed := map[string]bool{}
		for _, pattern := range f.Patterns {
			if pattern.Operation != operation {
				continue
			}
			switch {
			case pattern.Negated, f.Mode == Deny:
				removed[pattern.Field] = true
			default:
				allowed[pattern.Field] = true
			}
		}

		fields := ast.FieldList{}
		for _, field := range OwnFields(root) {
			if f.Mode == Allow && !allowed[field.Name] {
				continue
			}
			if removed[field.Name] {
				continue
			}
			fields = append(fields, field)
		}
		root.Fields = append(fields, metaFields(root)...)
	}

	return out, nil
}

func isName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
