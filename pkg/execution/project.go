package execution

import (
	"bytes"
	"encoding/json"

	"github.com/vektah/gqlparser/v2/ast"
)

// member is one key of an ordered response object.
type member struct {
	key   string
	value interface{}
}

// object is a response object that keeps the client's field order when marshaled.
type object []member

func (o object) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, m := range o {
		if i != 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// project builds the data object, or nil when every requested root field failed.
func (ex *execution) project(slots []*slot) interface{} {
	out := make(object, 0, len(slots))
	forwarded, failed := 0, 0

	for _, s := range slots {
		switch {
		case s.local:
			out = append(out, member{s.key, s.value})
		case s.namespace != "":
			value, ok := ex.projectNamespace(s)
			if s.forwards() {
				forwarded++
				if !ok {
					failed++
				}
			}
			out = append(out, member{s.key, value})
		default:
			forwarded++
			value, ok := ex.projectForwarded(s)
			if !ok {
				failed++
			}
			out = append(out, member{s.key, value})
		}
	}

	if forwarded != 0 && failed == forwarded {
		return nil
	}
	return out
}

func (s *slot) forwards() bool {
	for _, child := range s.children {
		if !child.local {
			return true
		}
	}
	return false
}

// projectNamespace returns the namespace object, which is null when every forwarded child
// failed.
func (ex *execution) projectNamespace(s *slot) (interface{}, bool) {
	out := make(object, 0, len(s.children))
	forwarded, failed := 0, 0
	for _, child := range s.children {
		if child.local {
			out = append(out, member{child.key, child.value})
			continue
		}
		forwarded++
		value, ok := ex.projectForwarded(child)
		if !ok {
			failed++
		}
		out = append(out, member{child.key, value})
	}
	if forwarded != 0 && failed == forwarded {
		return nil, false
	}
	return out, true
}

func (ex *execution) projectForwarded(s *slot) (interface{}, bool) {
	g := s.group
	if g.failed || g.response == nil {
		return nil, false
	}
	value := g.response.Data[s.alias]
	return ex.complete(value, s.definition.Type, s.field.SelectionSet), true
}

// complete shapes an upstream value of type t like selections.
func (ex *execution) complete(value interface{}, t *ast.Type, selections ast.SelectionSet) interface{} {
	if value == nil || t == nil {
		return nil
	}

	if t.Elem != nil {
		list, ok := value.([]interface{})
		if !ok {
			return nil
		}
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = ex.complete(item, t.Elem, selections)
		}
		return out
	}

	def := ex.schema.Types[t.NamedType]
	if def == nil || !def.IsCompositeType() {
		return value
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}

	runtime := def
	if def.IsAbstractType() {
		if typeName, ok := obj[typenameField].(string); ok {
			if concrete := ex.schema.Types[typeName]; concrete != nil {
				runtime = concrete
			}
		}
	}
	return ex.completeObject(obj, runtime, selections)
}

func (ex *execution) completeObject(obj map[string]interface{}, def *ast.Definition, selections ast.SelectionSet) object {
	fields := ex.collect(selections, def.Name)
	out := make(object, 0, len(fields))

	for _, field := range fields {
		if field.name == typenameField {
			out = append(out, member{field.key, def.Name})
			continue
		}

		definition := def.Fields.ForName(field.name)
		if definition == nil {
			out = append(out, member{field.key, nil})
			continue
		}

		if def.Kind == ast.Object {
			if resolver, ok := ex.executor.overlays.Lookup(def.Name, field.name); ok {
				parent := make(map[string]interface{}, len(resolver.Selections()))
				for _, selection := range resolver.Selections() {
					dependency := selection.(*ast.Field)
					if value, ok := obj[overlayAlias(dependency.Name)]; ok {
						parent[dependency.Name] = value
					}
				}
				value, _ := ex.executor.overlays.Apply(def.Name, field.name, parent)
				out = append(out, member{field.key, ex.complete(value, definition.Type, field.selections())})
				continue
			}
		}

		value, ok := obj[field.key]
		if !ok {
			// values produced by overlays are keyed by field name
			value = obj[field.name]
		}
		out = append(out, member{field.key, ex.complete(value, definition.Type, field.selections())})
	}
	return out
}
