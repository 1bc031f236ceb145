// Package schema provides the schema description values carried alongside
// tasks and tools. A Schema is built once, at declaration time, from either a
// raw JSON Schema document or a Go type, and is resolved eagerly so that an
// invalid schema is reported where it is declared rather than when a result
// is post-processed.
//
// Two flavours exist:
//
//   - JSON schemas (Parse, FromMap, New) validate generic JSON values.
//   - Typed schemas (For) additionally bind validated values to a Go type and
//     run optional validator functions against the bound value.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/hupe1980/agentbridge/internal/util"
)

// DefaultName is used when a schema is declared without a name.
const DefaultName = "output"

// Schema is an immutable, resolved schema description.
// It is safe for concurrent use.
type Schema struct {
	name     string
	js       *jsonschema.Schema
	resolved *jsonschema.Resolved
	typed    *binding
}

// binding captures how a typed schema decodes and checks a Go value.
type binding struct {
	typeName string
	bind     func(data []byte) (any, error)
}

// New resolves js and wraps it as a JSON schema.
func New(name string, js *jsonschema.Schema) (*Schema, error) {
	if js == nil {
		return nil, errors.New("schema: nil json schema")
	}
	if name == "" {
		name = DefaultName
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema %q: resolve: %w", name, err)
	}
	return &Schema{name: name, js: js, resolved: resolved}, nil
}

// Parse builds a JSON schema from a raw JSON Schema document.
func Parse(name string, data []byte) (*Schema, error) {
	var js jsonschema.Schema
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("schema %q: parse: %w", name, err)
	}
	return New(name, &js)
}

// FromMap builds a JSON schema from a decoded JSON Schema document.
func FromMap(name string, m map[string]any) (*Schema, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("schema %q: encode: %w", name, err)
	}
	return Parse(name, data)
}

// For infers a typed schema from T. Values accepted by the schema are decoded
// into a T and passed through validators in order; the first validator error
// rejects the value.
//
// Example:
//
//	type Answer struct {
//	  Code string `json:"code"`
//	}
//
//	s, err := schema.For[Answer]("answer", func(a Answer) error {
//	  if a.Code == "" {
//	    return errors.New("code must not be empty")
//	  }
//	  return nil
//	})
func For[T any](name string, validators ...func(T) error) (*Schema, error) {
	js, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("schema %q: infer: %w", name, err)
	}
	s, err := New(name, js)
	if err != nil {
		return nil, err
	}
	s.typed = &binding{
		typeName: reflect.TypeFor[T]().String(),
		bind: func(data []byte) (any, error) {
			var v T
			dec := json.NewDecoder(bytes.NewReader(data))
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			for _, fn := range validators {
				if err := fn(v); err != nil {
					return nil, err
				}
			}
			return v, nil
		},
	}
	return s, nil
}

// MustFor is like For but panics on error. Intended for package level
// declarations of well-known output types.
func MustFor[T any](name string, validators ...func(T) error) *Schema {
	s, err := For[T](name, validators...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Typed reports whether the schema binds to a Go type.
func (s *Schema) Typed() bool { return s.typed != nil }

// TypeName returns the bound Go type name for typed schemas, or "" otherwise.
func (s *Schema) TypeName() string {
	if s.typed == nil {
		return ""
	}
	return s.typed.typeName
}

// JSONSchema returns the underlying JSON Schema document.
// Callers must not mutate it.
func (s *Schema) JSONSchema() *jsonschema.Schema { return s.js }

// Validate checks a generic JSON value (as produced by encoding/json
// decoding into any) against the schema.
func (s *Schema) Validate(instance any) error {
	if err := s.resolved.Validate(instance); err != nil {
		return fmt.Errorf("schema %q: %w", s.name, err)
	}
	return nil
}

// Bind decodes data into the bound Go type and runs the validators.
// For JSON schemas it returns the generic decoded value.
func (s *Schema) Bind(data []byte) (any, error) {
	if s.typed == nil {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("schema %q: %w", s.name, err)
		}
		return v, nil
	}
	v, err := s.typed.bind(data)
	if err != nil {
		return nil, fmt.Errorf("schema %q (%s): %w", s.name, s.typed.typeName, err)
	}
	return v, nil
}

// Map returns the schema as a freshly decoded JSON object, suitable for SDK
// parameters that take loosely typed schemas.
func (s *Schema) Map() map[string]any {
	data, err := json.Marshal(s.js)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Render returns a stable, indented JSON rendering of the schema.
func (s *Schema) Render() string {
	out, err := util.CanonicalIndent(s.js)
	if err != nil {
		return "{}"
	}
	return out
}

// String implements fmt.Stringer.
func (s *Schema) String() string {
	if s.typed != nil {
		return fmt.Sprintf("%s(%s)", s.name, s.typed.typeName)
	}
	return s.name
}
