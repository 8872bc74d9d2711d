package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// structParams is the params schema of a reflection-registered method.
// Positional (array) params map to struct fields in declaration order;
// named (object) params map to fields by json tag, and every field is required.
type structParams struct {
	paramType   reflect.Type
	paramNames  []string // JSON tag names for validation and named params
	paramFields []int    // Field indices for positional params unmarshaling
}

func (s *structParams) Validate(params json.RawMessage) (interface{}, error) {
	if params == nil {
		params = json.RawMessage("null")
	}

	param := reflect.New(s.paramType)

	var paramList []json.RawMessage
	if err := json.Unmarshal(params, &paramList); err == nil {
		if len(paramList) != len(s.paramFields) {
			return nil, fmt.Errorf("invalid number of params: got %d, want %d", len(paramList), len(s.paramFields))
		}
		for i, rawElem := range paramList {
			field := param.Elem().Field(s.paramFields[i])
			if err := json.Unmarshal(rawElem, field.Addr().Interface()); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		return param.Elem().Interface(), nil
	}

	if err := json.Unmarshal(params, param.Interface()); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var paramMap map[string]json.RawMessage
	if err := json.Unmarshal(params, &paramMap); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	for _, name := range s.paramNames {
		if _, ok := paramMap[name]; !ok {
			return nil, errors.New("missing param: " + name)
		}
	}
	return param.Elem().Interface(), nil
}

// receiverMethod holds reflection data for one exported method.
type receiverMethod struct {
	receiver reflect.Value
	method   reflect.Method
	params   *structParams
}

func (m *receiverMethod) call(ctx context.Context, params interface{}) (interface{}, error) {
	arg := reflect.ValueOf(params)
	if !arg.IsValid() || arg.Type() != m.params.paramType {
		// Values that did not pass through the params schema are re-decoded.
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, NewErrorData(CodeInvalidParams, CodeMessage(CodeInvalidParams), err.Error())
		}
		v, err := m.params.Validate(raw)
		if err != nil {
			return nil, NewErrorData(CodeInvalidParams, CodeMessage(CodeInvalidParams), err.Error())
		}
		arg = reflect.ValueOf(v)
	}

	results := m.method.Func.Call([]reflect.Value{m.receiver, reflect.ValueOf(ctx), arg})

	retResult := results[0].Interface()
	var retErr error
	if !results[1].IsNil() {
		retErr = results[1].Interface().(error)
	}
	return retResult, retErr
}

// parseMethod extracts method signature information via reflection.
// Valid signature: func(ctx context.Context, params <StructType>) (result, error)
// Returns nil for invalid signatures.
func parseMethod(receiver reflect.Value, method reflect.Method) (*receiverMethod, string) {
	ft := method.Func.Type()

	if ft.NumIn() != 3 || ft.In(1) != contextType {
		return nil, ""
	}
	if ft.NumOut() != 2 || ft.Out(1) != errorType {
		return nil, ""
	}

	paramType := ft.In(2)
	if paramType.Kind() != reflect.Struct {
		return nil, ""
	}

	m := &receiverMethod{
		receiver: receiver,
		method:   method,
		params:   &structParams{paramType: paramType},
	}
	methodName := method.Name

	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("jsonrpc"); tag != "" {
				methodName = tag
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "" {
			m.params.paramNames = append(m.params.paramNames, field.Name)
			m.params.paramFields = append(m.params.paramFields, i)
			continue
		}
		name := strings.Split(jsonTag, ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		m.params.paramNames = append(m.params.paramNames, name)
		m.params.paramFields = append(m.params.paramFields, i)
	}

	return m, methodName
}

// receiverMethods lists the RPC methods of receiver, keyed by method name.
// Only exported methods with valid signatures are included.
func receiverMethods(namespace string, receiver interface{}) (map[string]*receiverMethod, error) {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	methods := make(map[string]*receiverMethod)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		m, name := parseMethod(val, method)
		if m == nil {
			continue
		}
		if namespace != "" {
			name = namespace + "." + name
		}
		if _, exists := methods[name]; exists {
			return nil, fmt.Errorf("jsonrpc: method name collision: %s", name)
		}
		methods[name] = m
	}
	return methods, nil
}
