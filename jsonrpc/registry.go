package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Handler computes the result of a served method.
//
// The returned error selects the reply: nil sends the result, a
// *JSONRPCError is sent verbatim, and anything else is a fault reported
// with the peer's fault code.
type Handler func(ctx context.Context, params interface{}) (interface{}, error)

// Typed adapts a function with concrete params and result types to a Handler.
// Params that were not already decoded into P by a schema are re-decoded.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, params interface{}) (interface{}, error) {
		p, ok := params.(P)
		if !ok && params != nil {
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, StandardError(CodeInvalidParams, err.Error())
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, StandardError(CodeInvalidParams, err.Error())
			}
		}
		return fn(ctx, p)
	}
}

// MethodSpec describes one method. Every field is optional: a nil schema
// skips validation, a nil Handler means this peer only calls the method.
type MethodSpec struct {
	Params  Schema
	Result  Schema
	Handler Handler
}

// Registry maps method names to their specs. It is immutable once built.
type Registry struct {
	methods map[string]MethodSpec
}

// RegistryBuilder collects method specs for a Registry.
// The zero value is ready to use.
type RegistryBuilder struct {
	methods map[string]MethodSpec
	errs    []error
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// Register adds a method. Empty and duplicate names are reported by Build.
func (b *RegistryBuilder) Register(name string, spec MethodSpec) *RegistryBuilder {
	if name == "" {
		b.errs = append(b.errs, errors.New("jsonrpc: empty method name"))
		return b
	}
	if b.methods == nil {
		b.methods = make(map[string]MethodSpec)
	}
	if _, exists := b.methods[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("jsonrpc: method name collision: %s", name))
		return b
	}
	b.methods[name] = spec
	return b
}

// RegisterReceiver adds every exported method of receiver with the signature
//
//	func(ctx context.Context, params <StructType>) (result, error)
//
// The namespace prefixes method names ("math" + "Add" -> "math.Add"); use an
// empty namespace for bare names. The params struct doubles as the params schema.
func (b *RegistryBuilder) RegisterReceiver(namespace string, receiver interface{}) *RegistryBuilder {
	methods, err := receiverMethods(namespace, receiver)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := methods[name]
		b.Register(name, MethodSpec{Params: m.params, Handler: m.call})
	}
	return b
}

// Build returns the Registry, or the joined errors collected while registering.
// A Registry with no methods is not strict: peers using it run in loose mode.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	methods := make(map[string]MethodSpec, len(b.methods))
	for name, spec := range b.methods {
		methods[name] = spec
	}
	return &Registry{methods: methods}, nil
}

// MustBuild is like Build but panics on error.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Strict reports whether method names are checked against the registry.
// A nil or empty registry accepts any method without validation.
func (r *Registry) Strict() bool {
	return r != nil && len(r.methods) > 0
}

func (r *Registry) Has(method string) bool {
	if r == nil {
		return false
	}
	_, ok := r.methods[method]
	return ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the handler for method, if this peer serves it.
func (r *Registry) Handler(method string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	spec, ok := r.methods[method]
	if !ok || spec.Handler == nil {
		return nil, false
	}
	return spec.Handler, true
}

// ValidateParams checks raw params against the method's params schema.
// Without a schema the value is decoded as-is.
func (r *Registry) ValidateParams(method string, raw json.RawMessage) (interface{}, error) {
	var schema Schema
	if r != nil {
		schema = r.methods[method].Params
	}
	return validate(schema, raw)
}

// ValidateResult checks a raw result against the method's result schema.
func (r *Registry) ValidateResult(method string, raw json.RawMessage) (interface{}, error) {
	var schema Schema
	if r != nil {
		schema = r.methods[method].Result
	}
	return validate(schema, raw)
}

func validate(schema Schema, raw json.RawMessage) (interface{}, error) {
	if schema == nil {
		return decodeAny(raw)
	}
	return schema.Validate(raw)
}

func (r *Registry) hasResultSchema(method string) bool {
	return r != nil && r.methods[method].Result != nil
}
