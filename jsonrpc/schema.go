package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema checks the shape of a params or result member and returns the
// decoded value. raw is nil when the member is absent.
type Schema interface {
	Validate(raw json.RawMessage) (interface{}, error)
}

// SchemaFunc adapts a function to a Schema.
type SchemaFunc func(raw json.RawMessage) (interface{}, error)

func (f SchemaFunc) Validate(raw json.RawMessage) (interface{}, error) {
	return f(raw)
}

var errValueRequired = errors.New("value is required")

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}

type typeSchema[T any] struct {
	typ      reflect.Type
	nullable bool
}

// TypeOf returns a Schema that decodes strictly into T.
//
// Unknown object fields are rejected. A null or absent value is rejected
// unless T is a pointer or interface type.
func TypeOf[T any]() Schema {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return typeSchema[T]{
		typ:      t,
		nullable: t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface,
	}
}

func (s typeSchema[T]) Validate(raw json.RawMessage) (interface{}, error) {
	var v T
	if isNull(raw) {
		if !s.nullable {
			return nil, fmt.Errorf("%w: expected %s", errValueRequired, s.typ)
		}
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("expected %s: %w", s.typ, err)
	}
	return v, nil
}

// NoParams accepts only an absent, null, or empty params member.
func NoParams() Schema {
	return SchemaFunc(func(raw json.RawMessage) (interface{}, error) {
		raw = bytes.TrimSpace(raw)
		switch string(raw) {
		case "", "null", "[]", "{}":
			return nil, nil
		}
		return nil, fmt.Errorf("no value expected, got %s", raw)
	})
}

// AnyValue accepts any well-formed value, including an absent one.
func AnyValue() Schema {
	return SchemaFunc(decodeAny)
}

func decodeAny(raw json.RawMessage) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSONSchema returns a Schema backed by a JSON Schema document.
// The schema is resolved once; resolution errors are reported here.
func JSONSchema(s *jsonschema.Schema) (Schema, error) {
	if s == nil {
		return nil, errors.New("jsonrpc: nil JSON schema")
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: resolve schema: %w", err)
	}
	return SchemaFunc(func(raw json.RawMessage) (interface{}, error) {
		v, err := decodeAny(raw)
		if err != nil {
			return nil, err
		}
		if err := resolved.Validate(v); err != nil {
			return nil, err
		}
		return v, nil
	}), nil
}

// MustJSONSchema is like JSONSchema but panics on error.
func MustJSONSchema(s *jsonschema.Schema) Schema {
	schema, err := JSONSchema(s)
	if err != nil {
		panic(err)
	}
	return schema
}
