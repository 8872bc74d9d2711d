package jsonrpc

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

type mathMethods struct{}

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (m *mathMethods) Add(ctx context.Context, p addParams) (int, error) {
	return p.A + p.B, nil
}

type divParams struct {
	_ struct{} `jsonrpc:"divide"`
	A float64
	B float64
}

func (m *mathMethods) Div(ctx context.Context, p divParams) (float64, error) {
	if p.B == 0 {
		return 0, NewError(CodeInvalidParams, "division by zero")
	}
	return p.A / p.B, nil
}

// Not RPC methods: wrong signatures.
func (m *mathMethods) Helper(x int) int { return x }

func (m *mathMethods) NoContext(p addParams) (int, error) { return 0, nil }

func TestRegisterReceiver(t *testing.T) {
	reg, err := NewRegistryBuilder().RegisterReceiver("math", &mathMethods{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := reg.Methods(), []string{"math.Add", "math.divide"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got methods %v, want %v", got, want)
	}

	bare, err := NewRegistryBuilder().RegisterReceiver("", &mathMethods{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bare.Has("Add") || !bare.Has("divide") {
		t.Errorf("got methods %v", bare.Methods())
	}
}

func TestReceiverParams(t *testing.T) {
	reg := NewRegistryBuilder().RegisterReceiver("math", &mathMethods{}).MustBuild()
	server := NewPeer(WithRegistry(reg))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"positional",
			`{"jsonrpc":"2.0","method":"math.Add","params":[2,3],"id":1}`,
			`{"jsonrpc":"2.0","id":1,"result":5}`,
		},
		{
			"named",
			`{"jsonrpc":"2.0","method":"math.Add","params":{"a":2,"b":3},"id":1}`,
			`{"jsonrpc":"2.0","id":1,"result":5}`,
		},
		{
			"renamed method with untagged fields",
			`{"jsonrpc":"2.0","method":"math.divide","params":{"A":1,"B":4},"id":1}`,
			`{"jsonrpc":"2.0","id":1,"result":0.25}`,
		},
		{
			"handler error",
			`{"jsonrpc":"2.0","method":"math.divide","params":[1,0],"id":1}`,
			`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"division by zero"}}`,
		},
		{
			"missing named param",
			`{"jsonrpc":"2.0","method":"math.Add","params":{"a":2},"id":1}`,
			`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid params","data":"missing param: b"}}`,
		},
		{
			"too few positional params",
			`{"jsonrpc":"2.0","method":"math.Add","params":[2],"id":1}`,
			`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid params","data":"invalid number of params: got 1, want 2"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := server.Handle(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := encode(t, reply); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := NewRegistryBuilder().
		Register("", MethodSpec{}).
		Register("a", MethodSpec{}).
		Register("a", MethodSpec{}).
		Build()
	if err == nil {
		t.Fatal("Build succeeded")
	}
	for _, want := range []string{"empty method name", "collision: a"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	_, err = NewRegistryBuilder().
		Register("math.Add", MethodSpec{}).
		RegisterReceiver("math", &mathMethods{}).
		Build()
	if err == nil || !strings.Contains(err.Error(), "math.Add") {
		t.Errorf("got %v, want collision on math.Add", err)
	}
}

func TestRegistryIsImmutable(t *testing.T) {
	b := NewRegistryBuilder().Register("a", MethodSpec{})
	reg := b.MustBuild()
	b.Register("b", MethodSpec{})
	if reg.Has("b") {
		t.Error("registry changed after Build")
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *Registry
	if reg.Strict() || reg.Has("x") || reg.Methods() != nil {
		t.Error("nil registry is not empty")
	}
	if _, ok := reg.Handler("x"); ok {
		t.Error("nil registry has a handler")
	}
	v, err := reg.ValidateParams("x", json.RawMessage(`[1]`))
	if err != nil || !reflect.DeepEqual(v, []interface{}{float64(1)}) {
		t.Errorf("got %v, %v", v, err)
	}
	if (&Registry{}).Strict() {
		t.Error("empty registry is strict")
	}

	empty := NewRegistryBuilder().MustBuild()
	if n, err := NewPeer(WithRegistry(empty)).Notify("anything", 1); err != nil || n == nil {
		t.Errorf("peer with an empty registry: got %v, %v", n, err)
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		raw     string
		want    interface{}
		wantErr bool
	}{
		{"int", TypeOf[int](), `3`, 3, false},
		{"int from string", TypeOf[int](), `"3"`, nil, true},
		{"absent value", TypeOf[int](), ``, nil, true},
		{"null value", TypeOf[string](), `null`, nil, true},
		{"null pointer", TypeOf[*int](), `null`, (*int)(nil), false},
		{"struct", TypeOf[addParams](), `{"a":1,"b":2}`, addParams{A: 1, B: 2}, false},
		{"unknown field", TypeOf[addParams](), `{"a":1,"c":2}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.raw != "" {
				raw = json.RawMessage(tt.raw)
			}
			got, err := tt.schema.Validate(raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got error %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestNoParams(t *testing.T) {
	s := NoParams()
	for _, raw := range []string{"", "null", "[]", "{}"} {
		if _, err := s.Validate(json.RawMessage(raw)); err != nil {
			t.Errorf("%q: %v", raw, err)
		}
	}
	if _, err := s.Validate(json.RawMessage(`[1]`)); err == nil {
		t.Error("[1] accepted")
	}
}

func TestJSONSchema(t *testing.T) {
	schema := MustJSONSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string"},
		},
	})

	v, err := schema.Validate(json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m, ok := v.(map[string]interface{}); !ok || m["text"] != "hi" {
		t.Errorf("got %#v", v)
	}
	for _, raw := range []string{`{"text":1}`, `{}`, `"hi"`} {
		if _, err := schema.Validate(json.RawMessage(raw)); err == nil {
			t.Errorf("%s accepted", raw)
		}
	}

	if _, err := JSONSchema(nil); err == nil {
		t.Error("nil schema accepted")
	}
}

func TestJSONSchemaInRegistry(t *testing.T) {
	maxLen := 5
	reg := NewRegistryBuilder().
		Register("tweet", MethodSpec{
			Params: MustJSONSchema(&jsonschema.Schema{Type: "string", MaxLength: &maxLen}),
			Handler: Typed(func(ctx context.Context, msg string) (int, error) {
				return len(msg), nil
			}),
		}).
		MustBuild()
	server := NewPeer(WithRegistry(reg))

	reply, _ := server.Handle(context.Background(), `{"jsonrpc":"2.0","method":"tweet","params":"hello","id":1}`)
	if got := encode(t, reply); got != `{"jsonrpc":"2.0","id":1,"result":5}` {
		t.Errorf("got %s", got)
	}
	reply, _ = server.Handle(context.Background(), `{"jsonrpc":"2.0","method":"tweet","params":"too long","id":2}`)
	if code := errorReply(t, reply).Error.Code; code != CodeInvalidParams {
		t.Errorf("got code %d, want %d", code, CodeInvalidParams)
	}
}

func TestTyped(t *testing.T) {
	h := Typed(func(ctx context.Context, p subParams) (float64, error) {
		return p.Minuend - p.Subtrahend, nil
	})

	got, err := h(context.Background(), subParams{Minuend: 3, Subtrahend: 1})
	if err != nil || got != float64(2) {
		t.Errorf("typed params: got %v, %v", got, err)
	}
	got, err = h(context.Background(), map[string]interface{}{"minuend": 5, "subtrahend": 1})
	if err != nil || got != float64(4) {
		t.Errorf("decoded params: got %v, %v", got, err)
	}
	_, err = h(context.Background(), "nope")
	if rpcErr, ok := err.(*JSONRPCError); !ok || rpcErr.Code != CodeInvalidParams {
		t.Errorf("got %v, want invalid params", err)
	}
}
